// Package archive packs run artifacts into base64 zip payloads and unpacks
// uploaded source archives for compilation.
package archive

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ZipDirBase64 zips every file under dir (relative arcnames) and returns the
// archive base64-encoded.
func ZipDirBase64(dir string) (string, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if err := addDir(zw, dir, ""); err != nil {
		zw.Close()
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// ZipPassDirsBase64 bundles the per-pass directories under runDir into one
// archive with "<pass_id>/<file>" arcnames. Non-positive and duplicate ids are
// skipped; when nothing was written it returns the empty string.
func ZipPassDirsBase64(runDir string, passIDs []int) (string, error) {
	seen := make(map[int]bool, len(passIDs))
	unique := make([]int, 0, len(passIDs))
	for _, id := range passIDs {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	written := 0
	for _, id := range unique {
		passDir := filepath.Join(runDir, strconv.Itoa(id))
		if _, err := os.Stat(passDir); err != nil {
			continue
		}
		n, err := addDirCounted(zw, passDir, strconv.Itoa(id))
		if err != nil {
			zw.Close()
			return "", err
		}
		written += n
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	if written == 0 {
		return "", nil
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Extract unpacks zip data into destDir, rejecting entries that would escape
// it.
func Extract(data []byte, destDir string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		name := filepath.FromSlash(f.Name)
		if filepath.IsAbs(name) || strings.Contains(name, "..") {
			return fmt.Errorf("zip entry escapes archive: %s", f.Name)
		}
		target := filepath.Join(destDir, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := writeEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func addDir(zw *zip.Writer, dir, prefix string) error {
	_, err := addDirCounted(zw, dir, prefix)
	return err
}

func addDirCounted(zw *zip.Writer, dir, prefix string) (int, error) {
	written := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		arcname := filepath.ToSlash(rel)
		if prefix != "" {
			arcname = prefix + "/" + arcname
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: arcname, Method: zip.Deflate})
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		if _, err := io.Copy(w, in); err != nil {
			return err
		}
		written++
		return nil
	})
	return written, err
}
