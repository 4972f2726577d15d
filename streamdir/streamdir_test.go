package streamdir_test

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/siegetank/scv/streamdir"
)

func TestWriteReadInitialFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")
	files := map[string]string{"system.xml": "<system/>", "integrator.xml": "<integrator/>"}
	if err := streamdir.WriteInitialFiles(dir, files); err != nil {
		t.Fatalf("WriteInitialFiles: %v", err)
	}
	got, err := streamdir.ReadInitialFiles(dir)
	if err != nil {
		t.Fatalf("ReadInitialFiles: %v", err)
	}
	if len(got) != len(files) {
		t.Fatalf("got %d files, want %d", len(got), len(files))
	}
	for name, content := range files {
		if got[name] != content {
			t.Errorf("file %s = %q, want %q", name, got[name], content)
		}
	}
}

func TestReplaceFilesRequiresExistingName(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")
	if err := streamdir.WriteInitialFiles(dir, map[string]string{"system.xml": "a"}); err != nil {
		t.Fatalf("WriteInitialFiles: %v", err)
	}
	if err := streamdir.ReplaceFiles(dir, map[string]string{"system.xml": "b"}); err != nil {
		t.Fatalf("ReplaceFiles existing: %v", err)
	}
	got, _ := streamdir.ReadInitialFiles(dir)
	if got["system.xml"] != "b" {
		t.Fatalf("system.xml = %q, want %q", got["system.xml"], "b")
	}
	if err := streamdir.ReplaceFiles(dir, map[string]string{"unknown.xml": "c"}); err == nil {
		t.Fatal("ReplaceFiles of an unknown name: want error, got nil")
	}
}

func TestAppendFrameDecodesB64(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")
	if err := streamdir.EnsureLayout(dir); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}

	plain := base64.StdEncoding.EncodeToString([]byte("frame-one"))
	names, err := streamdir.AppendFrame(dir, map[string]string{"frames.xtc.b64": plain})
	if err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}
	if len(names) != 1 || names[0] != "frames.xtc" {
		t.Fatalf("AppendFrame names = %v, want [frames.xtc]", names)
	}

	content, err := os.ReadFile(filepath.Join(dir, "buffer_frames.xtc"))
	if err != nil {
		t.Fatalf("read buffer_frames.xtc: %v", err)
	}
	if string(content) != "frame-one" {
		t.Errorf("buffer_frames.xtc = %q, want %q", content, "frame-one")
	}
}

func TestAppendFrameDecodesGzippedB64(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")
	if err := streamdir.EnsureLayout(dir); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write([]byte("frame-two")); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	gzB64 := base64.StdEncoding.EncodeToString(gzBuf.Bytes())

	names, err := streamdir.AppendFrame(dir, map[string]string{"results.xtc.gz.b64": gzB64})
	if err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}
	if len(names) != 1 || names[0] != "results.xtc" {
		t.Fatalf("AppendFrame names = %v, want [results.xtc]", names)
	}

	content, err := os.ReadFile(filepath.Join(dir, "buffer_results.xtc"))
	if err != nil {
		t.Fatalf("read buffer_results.xtc: %v", err)
	}
	if string(content) != "frame-two" {
		t.Errorf("buffer_results.xtc = %q, want %q", content, "frame-two")
	}
}

func TestAppendFrameIsAppendOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")
	if err := streamdir.EnsureLayout(dir); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	if _, err := streamdir.AppendFrame(dir, map[string]string{"frames.xtc.b64": enc("a")}); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if _, err := streamdir.AppendFrame(dir, map[string]string{"frames.xtc.b64": enc("b")}); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(dir, "buffer_frames.xtc"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(content) != "ab" {
		t.Fatalf("buffer_frames.xtc = %q, want %q", content, "ab")
	}
}

func TestCheckpointFourStepSwap(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")
	if err := streamdir.WriteInitialFiles(dir, map[string]string{"state.xml": "v0"}); err != nil {
		t.Fatalf("WriteInitialFiles: %v", err)
	}
	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	if _, err := streamdir.AppendFrame(dir, map[string]string{"frames.xtc.b64": enc("ab")}); err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}

	if err := streamdir.Checkpoint(dir, map[string]string{"state.xml": "v1"}, []string{"frames.xtc"}, 0, 2); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	got, err := streamdir.ReadInitialFiles(dir)
	if err != nil {
		t.Fatalf("ReadInitialFiles: %v", err)
	}
	if got["state.xml"] != "v1" {
		t.Fatalf("state.xml = %q, want %q", got["state.xml"], "v1")
	}
	if _, err := os.Stat(filepath.Join(dir, "2_frames.xtc")); err != nil {
		t.Fatalf("expected 2_frames.xtc to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "buffer_frames.xtc")); !os.IsNotExist(err) {
		t.Fatalf("expected buffer_frames.xtc to be gone, got err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(streamdir.FilesDir(dir), "chkpt_0_state.xml")); !os.IsNotExist(err) {
		t.Fatalf("expected sentinel to be removed after a clean checkpoint, got err=%v", err)
	}
}

// TestRecoverFromMidSwapSentinel simulates a crash between Checkpoint's
// steps 1 and 3: the sentinel is present and files/state.xml is missing.
// Recover must restore files/state.xml from the sentinel and discard any
// frame file committed beyond the pre-checkpoint frame count.
func TestRecoverFromMidSwapSentinel(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "s1")
	if err := streamdir.WriteInitialFiles(dir, map[string]string{"state.xml": "v0"}); err != nil {
		t.Fatalf("WriteInitialFiles: %v", err)
	}

	filesDir := streamdir.FilesDir(dir)
	if err := os.Rename(filepath.Join(filesDir, "state.xml"), filepath.Join(filesDir, "chkpt_0_state.xml")); err != nil {
		t.Fatalf("simulate step1: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "2_frames.xtc"), []byte("committed-beyond-sentinel"), 0o644); err != nil {
		t.Fatalf("write stray frame file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "buffer_frames.xtc"), []byte("stale-staging"), 0o644); err != nil {
		t.Fatalf("write stray buffer file: %v", err)
	}

	if err := streamdir.Recover(root); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, err := streamdir.ReadInitialFiles(dir)
	if err != nil {
		t.Fatalf("ReadInitialFiles: %v", err)
	}
	if got["state.xml"] != "v0" {
		t.Fatalf("state.xml after recovery = %q, want %q", got["state.xml"], "v0")
	}
	if _, err := os.Stat(filepath.Join(dir, "2_frames.xtc")); !os.IsNotExist(err) {
		t.Fatalf("expected stray frame file beyond sentinel K to be discarded")
	}
	if _, err := os.Stat(filepath.Join(dir, "buffer_frames.xtc")); !os.IsNotExist(err) {
		t.Fatalf("expected stale buffer file to be discarded")
	}
}

func TestRecoverOnCoherentStateDiscardsStaleBuffers(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "s1")
	if err := streamdir.WriteInitialFiles(dir, map[string]string{"state.xml": "v0"}); err != nil {
		t.Fatalf("WriteInitialFiles: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "buffer_frames.xtc"), []byte("stale"), 0o644); err != nil {
		t.Fatalf("write stray buffer file: %v", err)
	}
	if err := streamdir.Recover(root); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "buffer_frames.xtc")); !os.IsNotExist(err) {
		t.Fatalf("expected stale buffer file to be discarded on coherent recovery")
	}
}

func TestDownloadConcatenatesFramesInOrder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")
	if err := streamdir.WriteInitialFiles(dir, map[string]string{"state.xml": "initial"}); err != nil {
		t.Fatalf("WriteInitialFiles: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "10_frames.xtc"), []byte("first-"), 0o644); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "20_frames.xtc"), []byte("second"), 0o644); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	var buf bytes.Buffer
	found, err := streamdir.Download(&buf, dir, "frames.xtc")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !found {
		t.Fatal("Download: want found=true")
	}
	if buf.String() != "first-second" {
		t.Fatalf("Download content = %q, want %q", buf.String(), "first-second")
	}
}

func TestDownloadInitialFileIsSingleRead(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")
	if err := streamdir.WriteInitialFiles(dir, map[string]string{"state.xml": "the-state"}); err != nil {
		t.Fatalf("WriteInitialFiles: %v", err)
	}
	var buf bytes.Buffer
	found, err := streamdir.Download(&buf, dir, "state.xml")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !found || buf.String() != "the-state" {
		t.Fatalf("Download = (%q, %v), want (%q, true)", buf.String(), found, "the-state")
	}
}

func TestDownloadMissingFileIsNotFoundNotError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")
	if err := streamdir.WriteInitialFiles(dir, map[string]string{"state.xml": "v"}); err != nil {
		t.Fatalf("WriteInitialFiles: %v", err)
	}
	var buf bytes.Buffer
	found, err := streamdir.Download(&buf, dir, "nonexistent.xtc")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if found {
		t.Fatal("Download: want found=false for an absent name")
	}
}

func TestDownloadRejectsPathTraversal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")
	if err := streamdir.WriteInitialFiles(dir, map[string]string{"state.xml": "v"}); err != nil {
		t.Fatalf("WriteInitialFiles: %v", err)
	}
	var buf bytes.Buffer
	if _, err := streamdir.Download(&buf, dir, "../escape"); err == nil {
		t.Fatal("Download: want error for a path-traversal filename")
	}
}
