// Package cos provides common low-level types and utilities shared across
// the engine's packages.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"os"
	"runtime"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config bootstraps the example binaries (cmd/) and test fixtures. It is
// not consumed by call/, batch/, cq/, deadline/, or credentials/ directly —
// those packages take their knobs as constructor arguments, per spec.md's
// "configuration parsing ... out of scope" for the core itself.
type Config struct {
	// Workers defaults to runtime.GOMAXPROCS(0). It is loaded but not read
	// by any package in this module: Channel, Server and the batch
	// executor do not bound their goroutines by it.
	Workers int `json:"workers"`

	// BacklogSize bounds the server's unmatched-incoming-stream backlog
	// (spec.md §4.7).
	BacklogSize int `json:"backlog_size"`

	// BacklogTTL is how long an unmatched stream waits in the backlog
	// before being rejected with UNAVAILABLE.
	BacklogTTL time.Duration `json:"backlog_ttl"`

	// DefaultOpTimeout is loaded but not read by any package in this
	// module; cq.Next/cq.Pluck wait only as long as their context allows.
	DefaultOpTimeout time.Duration `json:"default_op_timeout"`
}

// DefaultConfig returns sensible defaults, mirroring the teacher's
// NewConfig-style constructors (bassosimone-nop/config.go observed the
// same shape: one function, all defaults set in one place).
func DefaultConfig() *Config {
	return &Config{
		Workers:          runtime.GOMAXPROCS(0),
		BacklogSize:      64,
		BacklogTTL:       30 * time.Second,
		DefaultOpTimeout: 10 * time.Second,
	}
}

// LoadConfig reads a JSON config file via json-iterator (the ecosystem
// drop-in already vendored by the teacher) rather than encoding/json.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
