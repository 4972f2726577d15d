// Package jsp loads and persists versioned JSON configuration/meta files —
// the teacher's own config-loading idiom (cmd/authn/main.go calls
// jsp.LoadMeta(configPath, Conf) to read its on-disk config).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package jsp

import (
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LoadMeta decodes the JSON file at path into v. ok is false (with a nil
// error) when the file is simply absent, letting callers fall back to
// compiled-in defaults.
func LoadMeta(path string, v any) (ok bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "jsp: read %s", path)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, errors.Wrapf(err, "jsp: parse %s", path)
	}
	return true, nil
}

// SaveMeta writes v as indented JSON to path, creating parent directories
// as needed.
func SaveMeta(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "jsp: marshal %s", path)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errors.Wrapf(err, "jsp: write %s", path)
	}
	return nil
}
