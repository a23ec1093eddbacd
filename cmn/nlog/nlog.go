// Package nlog is the engine's logging facade. It keeps the call surface of
// the teacher's hand-rolled buffering logger (Infof/Warningf/Errorf/...)
// but delegates the actual formatting, leveling, and output to logrus
// instead of re-implementing buffering/rotation from scratch.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var log = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetOutput redirects all subsequent log lines; tests use this to capture
// output instead of writing to stderr.
func SetOutput(w interface{ Write([]byte) (int, error) }) { log.SetOutput(w) }

// SetLevel adjusts verbosity; "debug", "info", "warn", "error".
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}

func Infoln(args ...any)               { log.Infoln(args...) }
func Infof(format string, args ...any) { log.Infof(format, args...) }

func Warningln(args ...any)               { log.Warnln(args...) }
func Warningf(format string, args ...any) { log.Warnf(format, args...) }

func Errorln(args ...any)               { log.Errorln(args...) }
func Errorf(format string, args ...any) { log.Errorf(format, args...) }

// InfoDepth logs at info level; depth is accepted for call-surface
// compatibility with the teacher's API but logrus does its own frame
// skipping internally, so it is otherwise unused here.
func InfoDepth(_ int, args ...any) { log.Infoln(args...) }

// WithField and WithFields expose logrus's structured-field API directly
// for call sites that want key/value context (call id, tag, method).
func WithField(key string, value any) *logrus.Entry  { return log.WithField(key, value) }
func WithFields(fields logrus.Fields) *logrus.Entry   { return log.WithFields(fields) }
