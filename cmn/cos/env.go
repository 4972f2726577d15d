// Package cos provides common low-level types and utilities for all aistore projects
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"io"
	"os"
)

// GetEnvOrDefault returns the environment variable's value, or def if unset.
func GetEnvOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// CreateDir creates dir (and parents) if it does not already exist.
func CreateDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// Close closes c, ignoring the error — used at shutdown where the error
// has nowhere useful to go.
func Close(c io.Closer) {
	_ = c.Close()
}
