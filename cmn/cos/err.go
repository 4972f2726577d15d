// Package cos provides common low-level types and utilities for all aistore projects
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/siegetank/scv/cmn/nlog"
)

type (
	ErrNotFound struct {
		what string
	}
	// ErrExists is returned by Entity.Create when an entity with the given
	// id is already present — the KV-layer analogue of the source's bare
	// `EXISTS` failure on stream/target creation.
	ErrExists struct {
		what string
	}
	// ErrPrecondition is a 400-class error for a request that is
	// well-formed but inapplicable given the resource's current state
	// (spec.md §7: "stopping a stream that is not OK", "frames < 1").
	ErrPrecondition struct {
		what string
	}
)

func NewErrNotFound(format string, a ...any) *ErrNotFound {
	return &ErrNotFound{fmt.Sprintf(format, a...)}
}

func (e *ErrNotFound) Error() string { return e.what + " does not exist" }

func IsErrNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

func NewErrExists(format string, a ...any) *ErrExists {
	return &ErrExists{fmt.Sprintf(format, a...)}
}

func (e *ErrExists) Error() string { return e.what + " already exists" }

func IsErrExists(err error) bool {
	_, ok := err.(*ErrExists)
	return ok
}

func NewErrPrecondition(format string, a ...any) *ErrPrecondition {
	return &ErrPrecondition{fmt.Sprintf(format, a...)}
}

func (e *ErrPrecondition) Error() string { return e.what }

func IsErrPrecondition(err error) bool {
	_, ok := err.(*ErrPrecondition)
	return ok
}

// Plural returns "s" unless n is exactly one.
func Plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// IsEOF reports whether err is (or wraps) io.EOF.
func IsEOF(err error) bool { return errors.Is(err, io.EOF) }

//
// Abnormal termination
//

const fatalPrefix = "FATAL ERROR: "

func Exitf(f string, a ...any) {
	msg := fmt.Sprintf(fatalPrefix+f, a...)
	_exit(msg)
}

// ExitLogf flushes a fatal message through nlog (when flags are already
// parsed, so this can still run before logging is wired up) before exiting.
func ExitLogf(f string, a ...any) {
	msg := fmt.Sprintf(fatalPrefix+f, a...)
	if flag.Parsed() {
		nlog.Errorf(msg)
		nlog.Flush()
	}
	_exit(msg)
}

func ExitLog(a ...any) {
	msg := fatalPrefix + fmt.Sprint(a...)
	if flag.Parsed() {
		nlog.Errorf(msg)
		nlog.Flush()
	}
	_exit(msg)
}

func _exit(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
