// Package mdata implements spec.md §3's Metadata Arrays: an ordered list
// of (key, value-bytes, optional flags) pairs. Keys suffixed "-bin" permit
// arbitrary binary values; other keys are ASCII. Order is preserved
// end-to-end for keys with identical names (spec.md §3, tested by P5).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package mdata

import (
	"strings"
)

const binSuffix = "-bin"

// Entry is one (key, value) pair. Value is always raw bytes; binary-safe
// keys (suffixed "-bin") may contain arbitrary bytes including 0x00/0xFF,
// ASCII keys are conventionally printable but the engine does not enforce
// that beyond IsBinary's key-name check — it never interprets values.
type Entry struct {
	Key   string
	Value []byte
}

// IsBinary reports whether key requires binary-safe handling.
func IsBinary(key string) bool { return strings.HasSuffix(key, binSuffix) }

// MD is an ordered, append-only list of metadata entries. Unlike a
// map[string][]string, MD preserves the relative order of entries across
// distinct keys too, since spec.md only promises ordering "for keys with
// identical names" but implementations that collapse to maps tend to lose
// even that; a flat slice keeps the invariant trivially true.
type MD struct {
	entries []Entry
}

// New returns an empty MD; entries are added with Append/AppendString.
func New() *MD { return &MD{} }

// Append adds one entry, preserving insertion order.
func (m *MD) Append(key string, value []byte) {
	// defensive copy: callers must not mutate value after Append once it
	// has been handed to a send op (spec.md §4.2 "all copies are
	// explicit"); Append itself does the one explicit copy so the
	// metadata array owns its bytes independent of the caller's buffer.
	cp := make([]byte, len(value))
	copy(cp, value)
	m.entries = append(m.entries, Entry{Key: key, Value: cp})
}

// AppendString is a convenience wrapper for ASCII (non "-bin") values.
func (m *MD) AppendString(key, value string) {
	m.Append(key, []byte(value))
}

// Entries returns the ordered entry list. The returned slice is m's own
// internal slice, not a copy; callers must not modify it or mutate
// Entry.Value in place.
func (m *MD) Entries() []Entry {
	if m == nil {
		return nil
	}
	return m.entries
}

// Len reports the number of entries, including duplicate keys.
func (m *MD) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Get returns the value(s) for key in insertion order. Binary-safe keys
// may legitimately hold values containing 0x00/0xFF; Get does not special
// case them beyond returning exact bytes (P5).
func (m *MD) Get(key string) [][]byte {
	if m == nil {
		return nil
	}
	var out [][]byte
	for _, e := range m.entries {
		if e.Key == key {
			out = append(out, e.Value)
		}
	}
	return out
}

// Clone returns a deep copy; received metadata arrays are owned by the
// caller (spec.md §5) and must not alias the engine's internal buffers.
func (m *MD) Clone() *MD {
	if m == nil {
		return nil
	}
	out := &MD{entries: make([]Entry, len(m.entries))}
	for i, e := range m.entries {
		v := make([]byte, len(e.Value))
		copy(v, e.Value)
		out.entries[i] = Entry{Key: e.Key, Value: v}
	}
	return out
}

// Merge appends other's entries after m's, preserving relative order
// within each source (used by credentials.PerCallCredentials injection,
// spec.md §4.6, to merge minted entries into outbound initial metadata).
func (m *MD) Merge(other *MD) {
	if other == nil {
		return
	}
	for _, e := range other.entries {
		m.Append(e.Key, e.Value)
	}
}
