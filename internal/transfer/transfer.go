// Package transfer streams file payloads over a connection. Receivers write
// to a hidden temp file and rename into place only after the full payload
// arrived, so an interrupted transfer never surfaces under its final name.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var ErrShortTransfer = errors.New("connection closed mid-transfer")

// SendPayload copies the file at path to w in chunkSize pieces. The caller is
// expected to have announced the size beforehand via the file header.
func SendPayload(w io.Writer, path string, chunkSize int) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", filepath.Base(path), err)
	}
	defer f.Close()
	buf := make([]byte, chunkSize)
	n, err := io.CopyBuffer(w, f, buf)
	if err != nil {
		return n, fmt.Errorf("send payload: %w", err)
	}
	return n, nil
}

// ReceivePayload reads exactly size bytes from r into destPath. Nothing past
// size is consumed. On any failure the temp file is discarded and destPath is
// left untouched.
func ReceivePayload(r io.Reader, destPath string, size uint64, chunkSize int) (written int64, err error) {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create destination dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	buf := make([]byte, chunkSize)
	written, err = io.CopyBuffer(tmp, io.LimitReader(r, int64(size)), buf)
	if err != nil {
		return written, fmt.Errorf("receive payload: %w", err)
	}
	if written != int64(size) {
		return written, fmt.Errorf("%w: got %d of %d bytes", ErrShortTransfer, written, size)
	}
	if err = tmp.Sync(); err != nil {
		return written, fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return written, fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return written, fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmpName, destPath); err != nil {
		return written, fmt.Errorf("finalize %q: %w", filepath.Base(destPath), err)
	}
	return written, nil
}
