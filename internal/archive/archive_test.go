package archive

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func entriesOf(t *testing.T, b64 string) map[string]string {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("invalid base64: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("invalid zip: %v", err)
	}
	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		buf.ReadFrom(rc)
		rc.Close()
		out[f.Name] = buf.String()
	}
	return out
}

func TestZipDirBase64(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "report.json"), `{"main":{}}`)
	writeFile(t, filepath.Join(dir, "nested", "log.txt"), "line")

	b64, err := ZipDirBase64(dir)
	if err != nil {
		t.Fatalf("ZipDirBase64 failed: %v", err)
	}

	entries := entriesOf(t, b64)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries["report.json"] != `{"main":{}}` {
		t.Errorf("Unexpected report content: %q", entries["report.json"])
	}
	if entries["nested/log.txt"] != "line" {
		t.Errorf("Expected nested file with forward-slash arcname, got %v", entries)
	}
}

func TestZipPassDirsBase64(t *testing.T) {
	runDir := t.TempDir()
	writeFile(t, filepath.Join(runDir, "1", "report.json"), "a")
	writeFile(t, filepath.Join(runDir, "3", "log.txt"), "b")

	b64, err := ZipPassDirsBase64(runDir, []int{1, 1, 0, -5, 3, 99})
	if err != nil {
		t.Fatalf("ZipPassDirsBase64 failed: %v", err)
	}
	if b64 == "" {
		t.Fatal("Expected non-empty archive")
	}

	entries := entriesOf(t, b64)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d: %v", len(entries), entries)
	}
	if _, ok := entries["1/report.json"]; !ok {
		t.Errorf("Expected pass-prefixed arcname, got %v", entries)
	}
	if _, ok := entries["3/log.txt"]; !ok {
		t.Errorf("Expected pass-prefixed arcname, got %v", entries)
	}
}

func TestZipPassDirsBase64Empty(t *testing.T) {
	runDir := t.TempDir()

	b64, err := ZipPassDirsBase64(runDir, nil)
	if err != nil || b64 != "" {
		t.Errorf("Expected empty result for no ids, got %q err=%v", b64, err)
	}

	// Ids pointing at missing directories also produce nothing.
	b64, err = ZipPassDirsBase64(runDir, []int{7, 8})
	if err != nil || b64 != "" {
		t.Errorf("Expected empty result for missing dirs, got %q err=%v", b64, err)
	}
}

func TestExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "Bot.cs"), "class Bot {}")
	writeFile(t, filepath.Join(src, "proj", "Bot.csproj"), "<Project/>")

	b64, err := ZipDirBase64(src)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := base64.StdEncoding.DecodeString(b64)

	dest := t.TempDir()
	if err := Extract(data, dest); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "proj", "Bot.csproj"))
	if err != nil {
		t.Fatalf("Expected extracted file: %v", err)
	}
	if string(got) != "<Project/>" {
		t.Errorf("Unexpected content: %q", got)
	}
}

func TestExtractRejectsEscapes(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("../evil.txt")
	w.Write([]byte("x"))
	zw.Close()

	if err := Extract(buf.Bytes(), t.TempDir()); err == nil {
		t.Error("Expected error for traversal entry")
	}
}
