// Package nlog is the scv logger: leveled, timestamped, file-rotated, with a
// Flush hook for clean shutdown.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}

// MaxSize is the rotation threshold for the on-disk log file, when one is
// configured via SetLogDir. Mirrors the teacher's nlog.MaxSize knob.
var MaxSize int64 = 4 * 1024 * 1024

type nlog struct {
	mu      sync.Mutex
	w       io.Writer
	file    *os.File
	dir     string
	pre     string
	written int64
}

var def = &nlog{w: os.Stderr}

// SetOutput redirects all log output to w, without touching the filesystem.
func SetOutput(w io.Writer) {
	def.mu.Lock()
	def.w = w
	def.file = nil
	def.mu.Unlock()
}

// SetLogDir switches the logger to a rotating file under dir, the way the
// teacher's authn server calls nlog.SetPre(logDir, "auth") from
// updateLogOptions. pre tags every line (we use the shard name).
func SetLogDir(dir, pre string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	def.mu.Lock()
	def.dir = dir
	def.pre = pre
	def.mu.Unlock()
	return def.open()
}

func (n *nlog) open() error {
	name := filepath.Join(n.dir, n.pre+".log")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	n.mu.Lock()
	if n.file != nil {
		n.file.Close()
	}
	n.file = f
	n.w = f
	n.written = 0
	n.mu.Unlock()
	return nil
}

// rotate is called with n.mu held, so it reopens the file itself rather
// than through open, which takes n.mu.
func (n *nlog) rotate() {
	if n.dir == "" {
		return
	}
	stamp := time.Now().Format("20060102-150405")
	rotated := filepath.Join(n.dir, fmt.Sprintf("%s.%s.log", n.pre, stamp))
	if n.file != nil {
		n.file.Close()
		os.Rename(filepath.Join(n.dir, n.pre+".log"), rotated)
	}
	f, err := os.OpenFile(filepath.Join(n.dir, n.pre+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	n.file = f
	n.w = f
	n.written = 0
}

func write(sev severity, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("0102 15:04:05.000000")
	def.mu.Lock()
	var line string
	if def.pre != "" {
		line = fmt.Sprintf("%c%s [%s] %s\n", sevChar[sev], ts, def.pre, msg)
	} else {
		line = fmt.Sprintf("%c%s %s\n", sevChar[sev], ts, msg)
	}
	n, _ := io.WriteString(def.w, line)
	def.written += int64(n)
	needRotate := def.file != nil && def.written >= MaxSize
	def.mu.Unlock()
	if needRotate {
		def.mu.Lock()
		def.rotate()
		def.mu.Unlock()
	}
}

func Infof(format string, args ...any)    { write(sevInfo, format, args...) }
func Warningf(format string, args ...any) { write(sevWarn, format, args...) }
func Errorf(format string, args ...any)   { write(sevErr, format, args...) }

func Infoln(args ...any)    { write(sevInfo, "%s", fmt.Sprint(args...)) }
func Warningln(args ...any) { write(sevWarn, "%s", fmt.Sprint(args...)) }
func Errorln(args ...any)   { write(sevErr, "%s", fmt.Sprint(args...)) }

// Flush syncs the underlying log file, if any. Safe to call with no file
// configured (test runs write straight to stderr/buffer).
func Flush() {
	def.mu.Lock()
	if def.file != nil {
		def.file.Sync()
	}
	def.mu.Unlock()
}
