package fsutil

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// tempNameMarkers are substrings that identify editor/tooling scratch files.
// Records whose names contain any of these are never treated as task input.
var tempNameMarkers = []string{".tmp", "~", ".swp", ".swo", ".bak", ".partial"}

// IsTempName reports whether name looks like a temporary or scratch file.
func IsTempName(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, ".") {
		return true
	}
	for _, marker := range tempNameMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// AtomicWrite writes data to path atomically:
// write to a hidden temp file in the same directory, fsync it, rename it
// over the target, then fsync the directory so the rename is durable.
// A crash at any point leaves either the old content or the new content,
// never a partial file.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath, err := tempPath(path)
	if err != nil {
		return err
	}

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	success := false
	defer func() {
		tmp.Close()
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}

	success = true
	return nil
}

// AtomicWriteJSON writes v to path as indented JSON using AtomicWrite.
func AtomicWriteJSON(path string, v any) error {
	if v == nil {
		return fmt.Errorf("cannot write nil value")
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	data = append(data, '\n')

	return AtomicWrite(path, data)
}

// AppendLine appends a single line to an append-only file, creating it
// (and its directory) if needed.
func AppendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append: %w", err)
	}
	return f.Close()
}

// ErrSourceVanished is returned by MoveNoClobber when the source file
// disappeared before the move. Another actor winning the race for the same
// file is a benign outcome, so callers typically log it and carry on.
var ErrSourceVanished = errors.New("source file vanished before move")

// MoveNoClobber renames src into the dstDir directory. If a file with the
// same base name already exists at the destination, a timestamp suffix is
// inserted before the extension rather than overwriting. Returns the final
// destination path.
func MoveNoClobber(src, dstDir string) (string, error) {
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrSourceVanished
		}
		return "", fmt.Errorf("failed to stat source: %w", err)
	}

	if err := os.MkdirAll(dstDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create destination directory: %w", err)
	}

	dst := filepath.Join(dstDir, filepath.Base(src))
	if _, err := os.Stat(dst); err == nil {
		dst = suffixedPath(dst)
	}

	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrSourceVanished
		}
		return "", fmt.Errorf("failed to move %s: %w", filepath.Base(src), err)
	}
	return dst, nil
}

// suffixedPath derives a collision-avoiding name by inserting a timestamp
// (plus a random tail, in case two collisions land in the same second)
// between the stem and the extension.
func suffixedPath(path string) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	stamp := time.Now().UTC().Format("20060102_150405")

	candidate := fmt.Sprintf("%s_%s%s", stem, stamp, ext)
	if _, err := os.Stat(candidate); err == nil {
		tail := make([]byte, 3)
		rand.Read(tail)
		candidate = fmt.Sprintf("%s_%s_%s%s", stem, stamp, hex.EncodeToString(tail), ext)
	}
	return candidate
}

func tempPath(path string) (string, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	randBytes := make([]byte, 4)
	if _, err := rand.Read(randBytes); err != nil {
		return "", fmt.Errorf("failed to generate random suffix: %w", err)
	}

	name := fmt.Sprintf(".%s.tmp.%d.%s", base, os.Getpid(), hex.EncodeToString(randBytes))
	return filepath.Join(dir, name), nil
}

// syncDir fsyncs a directory so renames inside it survive a crash.
func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open directory: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}
