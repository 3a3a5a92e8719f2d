// Package integrity verifies that a completed torrent download's files are
// actually present on disk at their expected size before a job is handed
// off to upload. Piece-level verification inside the torrent engine
// confirms data integrity in memory; this package guards against the
// separate failure mode of the engine reporting completion while the
// destination filesystem silently truncated or dropped a file.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// VerifySize confirms the file at path exists and is exactly expected bytes.
func VerifySize(path string, expected int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() != expected {
		return fmt.Errorf("%s: expected %d bytes, found %d", path, expected, info.Size())
	}
	return nil
}

// Hash returns the hex-encoded sha256 digest of the file at path.
func Hash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
