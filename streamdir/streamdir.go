// Package streamdir implements the on-disk stream layout, the crash-safe
// frame-append/checkpoint protocol, startup recovery, and download
// concatenation — spec.md §4.3 and §4.7.
//
// Naming scheme, same as original_source/server/scv.py's inline comment
// block (carried as documentation per SPEC_FULL.md §C):
//
//	files/<name>                 current committed initial/checkpoint files
//	buffer_<name>                append-only staging for the uncommitted window
//	<N>_<name>                   immutable committed frame file, frames (prev,N]
//	files/chkpt_<K>_<name>       mid-swap sentinel, K = pre-commit frame count
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package streamdir

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	bufSize      = 4096
	bufferPrefix = "buffer_"
	chkptPrefix  = "chkpt_"
)

func Dir(streamsRoot, streamID string) string { return filepath.Join(streamsRoot, streamID) }
func FilesDir(streamDir string) string        { return filepath.Join(streamDir, "files") }

// EnsureLayout creates streamDir/files if absent.
func EnsureLayout(streamDir string) error {
	if err := os.MkdirAll(FilesDir(streamDir), 0o755); err != nil {
		return errors.Wrapf(err, "streamdir: create layout %s", streamDir)
	}
	return nil
}

// WriteInitialFiles writes the stream's immutable initial files verbatim —
// content is stored exactly as received (base64 text, if the caller chose
// to base64-encode), never decoded. Decoding is the core's job on GET
// /core/start (spec.md §6).
func WriteInitialFiles(streamDir string, files map[string]string) error {
	if err := EnsureLayout(streamDir); err != nil {
		return err
	}
	dir := FilesDir(streamDir)
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return errors.Wrapf(err, "streamdir: write initial file %s", name)
		}
	}
	return nil
}

// ReadInitialFiles returns the verbatim content of every file under files/,
// for GET /core/start.
func ReadInitialFiles(streamDir string) (map[string]string, error) {
	dir := FilesDir(streamDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "streamdir: list %s", dir)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), chkptPrefix) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "streamdir: read %s", e.Name())
		}
		out[e.Name()] = string(b)
	}
	return out, nil
}

// ReplaceFiles overwrites already-present initial files; every key in files
// must name a file that currently exists under files/ (spec.md §6
// /streams/replace).
func ReplaceFiles(streamDir string, files map[string]string) error {
	dir := FilesDir(streamDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "streamdir: list %s", dir)
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.Name()] = true
	}
	for name := range files {
		if !present[name] {
			return errors.Errorf("%s is not in files directory", name)
		}
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return errors.Wrapf(err, "streamdir: replace %s", name)
		}
	}
	return nil
}

// decodeFrameFile strips a ".b64" suffix (base64-decoding the body) and,
// if the remaining name ends in ".gz", gunzips it — spec.md §4.3 step 4.
func decodeFrameFile(name string, data []byte) (string, []byte, error) {
	if strings.HasSuffix(name, ".b64") {
		name = strings.TrimSuffix(name, ".b64")
		decoded, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return "", nil, errors.Wrapf(err, "streamdir: base64 decode %s", name)
		}
		data = decoded
		if strings.HasSuffix(name, ".gz") {
			name = strings.TrimSuffix(name, ".gz")
			r, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return "", nil, errors.Wrapf(err, "streamdir: gunzip %s", name)
			}
			defer r.Close()
			data, err = io.ReadAll(r)
			if err != nil {
				return "", nil, errors.Wrapf(err, "streamdir: gunzip %s", name)
			}
		}
	}
	return name, data, nil
}

// AppendFrame decodes and appends each posted file to its buffer_<name>
// staging file, returning the decoded base names (for ActiveStream's
// buffer_files set). Partial failure mid-loop is tolerable: the next
// non-duplicate POST clears and rewrites buffer_files (spec.md §4.3).
func AppendFrame(streamDir string, files map[string]string) ([]string, error) {
	names := make([]string, 0, len(files))
	for name, content := range files {
		base, data, err := decodeFrameFile(name, []byte(content))
		if err != nil {
			return names, err
		}
		path := filepath.Join(streamDir, bufferPrefix+base)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return names, errors.Wrapf(err, "streamdir: open buffer %s", base)
		}
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil {
			return names, errors.Wrapf(werr, "streamdir: append buffer %s", base)
		}
		if cerr != nil {
			return names, errors.Wrapf(cerr, "streamdir: close buffer %s", base)
		}
		names = append(names, base)
	}
	return names, nil
}

// DeleteBufferFiles removes buffer_<name> for each name, used by
// deactivation (spec.md §4.5 step 2). Missing files are not an error.
func DeleteBufferFiles(streamDir string, names []string) error {
	for _, name := range names {
		path := filepath.Join(streamDir, bufferPrefix+name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "streamdir: remove buffer %s", name)
		}
	}
	return nil
}

// Checkpoint performs the four-step ACID swap (spec.md §4.3):
//  1. rename files/<name>       -> files/chkpt_<preFrames>_<name>
//  2. rename buffer_<name>      -> <totalFrames>_<name>     (per bufferNames)
//  3. write checkpointFiles[name] as files/<name>
//  4. remove files/chkpt_<preFrames>_<name>
func Checkpoint(streamDir string, checkpointFiles map[string]string, bufferNames []string, preFrames, totalFrames int) error {
	filesDir := FilesDir(streamDir)

	for name := range checkpointFiles {
		src := filepath.Join(filesDir, name)
		dst := filepath.Join(filesDir, chkptPrefix+strconv.Itoa(preFrames)+"_"+name)
		if err := os.Rename(src, dst); err != nil {
			return errors.Wrapf(err, "streamdir: checkpoint step1 rename %s", name)
		}
	}

	for _, name := range bufferNames {
		src := filepath.Join(streamDir, bufferPrefix+name)
		dst := filepath.Join(streamDir, strconv.Itoa(totalFrames)+"_"+name)
		if err := os.Rename(src, dst); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "streamdir: checkpoint step2 rename %s", name)
		}
	}

	for name, content := range checkpointFiles {
		dst := filepath.Join(filesDir, name)
		if err := os.WriteFile(dst, []byte(content), 0o644); err != nil {
			return errors.Wrapf(err, "streamdir: checkpoint step3 write %s", name)
		}
	}

	for name := range checkpointFiles {
		dst := filepath.Join(filesDir, chkptPrefix+strconv.Itoa(preFrames)+"_"+name)
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "streamdir: checkpoint step4 remove %s", name)
		}
	}
	return nil
}

// parseChkptSentinel extracts (K, name) from "chkpt_<K>_<name>".
func parseChkptSentinel(base string) (k int, name string, ok bool) {
	rest := strings.TrimPrefix(base, chkptPrefix)
	if rest == base {
		return 0, "", false
	}
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	return n, parts[1], true
}

// parseFrameFile extracts (N, name) from "<N>_<name>".
func parseFrameFile(base string) (n int, name string, ok bool) {
	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	return n, parts[1], true
}

// Recover restores the on-disk invariant for every stream directory under
// streamsRoot after an unclean restart (spec.md §4.3 "Startup recovery").
func Recover(streamsRoot string) error {
	entries, err := os.ReadDir(streamsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "streamdir: list %s", streamsRoot)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := recoverOne(filepath.Join(streamsRoot, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func recoverOne(streamDir string) error {
	filesDir := FilesDir(streamDir)
	fileEntries, err := os.ReadDir(filesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "streamdir: recover list %s", filesDir)
	}

	type sentinel struct{ k int; name string }
	var sentinels []sentinel
	for _, e := range fileEntries {
		if k, name, ok := parseChkptSentinel(e.Name()); ok {
			sentinels = append(sentinels, sentinel{k, name})
		}
	}

	rootEntries, err := os.ReadDir(streamDir)
	if err != nil {
		return errors.Wrapf(err, "streamdir: recover list %s", streamDir)
	}

	if len(sentinels) == 0 {
		// coherent state: discard any leftover buffer_* staging.
		for _, e := range rootEntries {
			if strings.HasPrefix(e.Name(), bufferPrefix) {
				if err := os.Remove(filepath.Join(streamDir, e.Name())); err != nil {
					return errors.Wrapf(err, "streamdir: recover remove %s", e.Name())
				}
			}
		}
		return nil
	}

	k := sentinels[0].k
	for _, e := range rootEntries {
		name := e.Name()
		if strings.HasPrefix(name, bufferPrefix) {
			if err := os.Remove(filepath.Join(streamDir, name)); err != nil {
				return errors.Wrapf(err, "streamdir: recover remove %s", name)
			}
			continue
		}
		if m, _, ok := parseFrameFile(name); ok && m > k {
			if err := os.Remove(filepath.Join(streamDir, name)); err != nil {
				return errors.Wrapf(err, "streamdir: recover remove %s", name)
			}
		}
	}
	for _, s := range sentinels {
		src := filepath.Join(filesDir, chkptPrefix+strconv.Itoa(s.k)+"_"+s.name)
		dst := filepath.Join(filesDir, s.name)
		if err := os.Rename(src, dst); err != nil {
			return errors.Wrapf(err, "streamdir: recover restore %s", s.name)
		}
	}
	return nil
}

// Download writes filename's content to w: a single read if it is an
// initial/checkpoint file under files/, or the frame-ordered concatenation
// of committed "<N>_filename" files otherwise (spec.md §4.7). found is
// false only when neither form exists (caller replies 200 empty).
func Download(w io.Writer, streamDir, filename string) (found bool, err error) {
	if strings.ContainsAny(filename, `/\`) || filename == ".." || filename == "" {
		return false, errors.New("streamdir: invalid filename")
	}

	initialPath := filepath.Join(FilesDir(streamDir), filename)
	if _, statErr := os.Stat(initialPath); statErr == nil {
		f, err := os.Open(initialPath)
		if err != nil {
			return false, errors.Wrapf(err, "streamdir: open %s", filename)
		}
		defer f.Close()
		if _, err := copyBuffered(w, f); err != nil {
			return false, err
		}
		return true, nil
	}

	entries, err := os.ReadDir(streamDir)
	if err != nil {
		return false, errors.Wrapf(err, "streamdir: list %s", streamDir)
	}
	type frameFile struct {
		n    int
		path string
	}
	var frames []frameFile
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, bufferPrefix) {
			continue
		}
		n, base, ok := parseFrameFile(name)
		if !ok || base != filename {
			continue
		}
		frames = append(frames, frameFile{n, filepath.Join(streamDir, name)})
	}
	if len(frames) == 0 {
		return false, nil
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].n < frames[j].n })
	for _, ff := range frames {
		if err := copyFile(w, ff.path); err != nil {
			return false, err
		}
	}
	return true, nil
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "streamdir: open %s", path)
	}
	defer f.Close()
	_, err = copyBuffered(w, f)
	return err
}

func copyBuffered(w io.Writer, r io.Reader) (int64, error) {
	buf := make([]byte, bufSize)
	return io.CopyBuffer(w, r, buf)
}
