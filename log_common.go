// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package sbmalloc

// logging helpers
//
// All diagnostics go through the intuitivelabs slog logger. The
// allocation hot paths must not format anything unless the matching
// level is enabled, so the *on() guards are part of the contract:
// callers with expensive arguments (block dumps, status walks) check
// them first. DBG() output is additionally gated behind the per-heap
// SBDebug option, see Heap.Debug(); the status dump (dumpStatus) checks
// only the log level.

import (
	"fmt"

	"github.com/intuitivelabs/slog"
)

// message prefixes, one per level
const (
	pDBG   = "DBG: " + NAME + ": "
	pWARN  = "WARNING: " + NAME + ": "
	pERR   = "ERROR: " + NAME + ": "
	pBUG   = "BUG: " + NAME + ": "
	pPANIC = NAME + ": "
)

// Log is the package logger. It defaults to stderr with debug enabled;
// embedders are expected to replace it or lower its level before heavy
// use.
var Log slog.Log = slog.New(slog.LDBG, slog.LbackTraceS|slog.LlocInfoS,
	slog.LStdErr)

// DBGon() is a shorthand for checking if debug-level logging is enabled.
func DBGon() bool {
	return Log.L(slog.LDBG)
}

// DBG is a shorthand for logging a debug message (heap growth traces).
// Callers gate it on Heap.Debug() and DBGon().
func DBG(f string, a ...interface{}) {
	Log.LLog(slog.LDBG, 1, pDBG, f, a...)
}

// WARNon() is a shorthand for checking if logging at LWARN level is enabled
func WARNon() bool {
	return Log.WARNon()
}

// WARN is a shorthand for logging a warning message.
func WARN(f string, a ...interface{}) {
	Log.LLog(slog.LWARN, 1, pWARN, f, a...)
}

// ERRon() is a shorthand for checking if logging at LERR level is enabled.
func ERRon() bool {
	return Log.ERRon()
}

// ERR is a shorthand for logging an error message.
func ERR(f string, a ...interface{}) {
	Log.LLog(slog.LERR, 1, pERR, f, a...)
}

// BUG is a shorthand for logging a bug message.
func BUG(f string, a ...interface{}) {
	Log.LLog(slog.LBUG, 1, pBUG, f, a...)
}

// PANIC logs at bug level and panics with the same, prefixed message.
// Used for fatal caller errors: double free, foreign pointers and
// corruption found by the debug checks.
func PANIC(f string, a ...interface{}) {
	s := fmt.Sprintf(pPANIC+f, a...)
	Log.LLog(slog.LBUG, 1, "", "%s", s)
	panic(s)
}
