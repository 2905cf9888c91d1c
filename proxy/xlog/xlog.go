// Copyright (c) 2024 the ZDT-D authors.
//
// Package xlog is the process-wide logger. It mirrors the terse
// log.D/I/W/E call shape used throughout this codebase, backed by logrus
// so that T2S_LOG_FORMAT (text|json) and --verbose are real, structured
// behaviors rather than a hand-rolled formatter.
package xlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

var verbose atomic.Bool

var once sync.Once

// Init configures the package logger. format is "json" or anything else
// for text. Safe to call multiple times; only the first call sets the
// formatter and output, subsequent calls only adjust the level.
func Init(format string, debug bool, out io.Writer) {
	once.Do(func() {
		if out == nil {
			out = os.Stderr
		}
		std.SetOutput(out)
		if format == "json" {
			std.SetFormatter(&logrus.JSONFormatter{})
		} else {
			std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		}
	})
	SetVerbose(debug)
}

// SetVerbose toggles Debug/Verbose-level (V) logging at runtime. Init
// calls it with the --verbose setting; no signal handler calls it.
func SetVerbose(v bool) {
	verbose.Store(v)
	if v {
		std.SetLevel(logrus.DebugLevel)
	} else {
		std.SetLevel(logrus.InfoLevel)
	}
}

// D logs at debug level.
func D(format string, args ...any) { std.Debugf(format, args...) }

// I logs at info level.
func I(format string, args ...any) { std.Infof(format, args...) }

// W logs at warn level.
func W(format string, args ...any) { std.Warnf(format, args...) }

// E logs at error level.
func E(format string, args ...any) { std.Errorf(format, args...) }

// VV logs at debug level, emitted only when verbose logging is on
// (kept distinct from D for the rare, very chatty call sites).
func VV(format string, args ...any) {
	if verbose.Load() {
		std.Debug(fmt.Sprintf(format, args...))
	}
}
