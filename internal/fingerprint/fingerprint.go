// Package fingerprint derives the short-lived identity keys used for
// duplicate suppression at intake.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Arrival fingerprints a file by its stable identity plus size and mtime.
// Content is deliberately not read: the dedup window only needs to recognize
// the same arrival twice, cheaply. A rewritten file gets a new fingerprint.
func Arrival(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return FromStat(filepath.Base(path), info.Size(), info.ModTime().UnixNano()), nil
}

// FromStat builds the fingerprint from already-gathered stat fields.
func FromStat(name string, size int64, mtimeNano int64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%d", name, size, mtimeNano))
	return hex.EncodeToString(sum[:])
}
