// Package cos provides common low-level types and utilities for all aistore projects
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// bucket/shard name length cap, remains an alias from the teacher's cos
	tooLongName = 64
)

const (
	mayOnlyContain = "may only contain letters, numbers, dashes (-), underscores (_)"
	OnlyPlus       = mayOnlyContain + ", and dots (.)"
)

//
// UUID
//
// original_source/server/scv.py mints stream ids and core auth tokens via
// Python's uuid.uuid4(); google/uuid is the direct Go analogue (RFC 4122
// version 4, random) and is already a transitive dependency of the teacher's
// go.mod (pulled in via k8s client-go) — promoted here to a direct import.
//

// GenUUID returns a random RFC 4122 (v4) identifier, used for stream ids
// (before the ":shard" suffix is appended).
func GenUUID() string { return uuid.NewString() }

// GenToken returns a random bearer token, used for core activation tokens.
// Same shape as GenUUID — a distinct name documents the call site's intent.
func GenToken() string { return uuid.NewString() }

func IsValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// IsAlphaNice reports whether s is letters/digits/dash/underscore, neither
// starting nor ending on a dash/underscore.
func IsAlphaNice(s string) bool {
	l := len(s)
	if l == 0 || l > tooLongName {
		return false
	}
	for i := range l {
		c := s[i]
		if isAlpha(c) || (c >= '0' && c <= '9') {
			continue
		}
		if c != '-' && c != '_' {
			return false
		}
		if i == 0 || i == l-1 {
			return false
		}
	}
	return true
}

// CheckAlphaPlus validates the configured shard name (cmn.Config.Init):
// letters, digits, dash, underscore, and dots, no two dots in a row — the
// same alphabet the teacher's
// cos.CheckAlphaPlus enforces for bucket/object names.
func CheckAlphaPlus(s, tag string) error {
	l := len(s)
	if l == 0 {
		return errors.New(tag + " must not be empty")
	}
	if l > tooLongName {
		return fmt.Errorf("%s is too long: %d > %d(max length)", tag, l, tooLongName)
	}
	for i := range l {
		c := s[i]
		if isAlpha(c) || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			continue
		}
		if c != '.' {
			return errors.New(tag + " is invalid: " + OnlyPlus)
		}
		if i < l-1 && s[i+1] == '.' {
			return errors.New(tag + " is invalid: " + OnlyPlus)
		}
	}
	return nil
}
