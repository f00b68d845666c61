// Package wire implements the framed protocol shared by client and server.
//
// Every message is a sequence of frames, each a big-endian uint32 length
// followed by that many bytes. A command message carries the command token
// frame first, then one frame per argument. File transfers are preceded by a
// fixed header: a big-endian uint64 payload size, a big-endian uint16 name
// length and the name bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// MaxCommandFrame bounds command tokens and scalar arguments.
	MaxCommandFrame = 4096
	// MaxListFrame bounds listing payloads.
	MaxListFrame = 1 << 20
	// MaxFilenameLen matches the header's name field cap.
	MaxFilenameLen = 255
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrMalformed     = errors.New("malformed frame")
)

// Status tokens returned to the client.
const (
	StatusOK               = "OK"
	StatusAuthFailed       = "AUTH_FAILED"
	StatusNotAuthenticated = "NOT_AUTHENTICATED"
	StatusForbidden        = "FORBIDDEN"
	StatusNotFound         = "NOT_FOUND"
	StatusInvalidName      = "INVALID_NAME"
	StatusProtocolError    = "PROTOCOL_ERROR"
	StatusServerError      = "SERVER_ERROR"
)

func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxListFrame {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func WriteString(w io.Writer, s string) error {
	return WriteFrame(w, []byte(s))
}

func ReadString(r io.Reader) (string, error) {
	b, err := ReadFrame(r, MaxCommandFrame)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: invalid utf-8", ErrMalformed)
	}
	return string(b), nil
}

// FileHeader announces a file payload.
type FileHeader struct {
	Size uint64
	Name string
}

func WriteFileHeader(w io.Writer, h FileHeader) error {
	name := []byte(h.Name)
	if len(name) == 0 || len(name) > MaxFilenameLen {
		return fmt.Errorf("%w: name length %d", ErrMalformed, len(name))
	}
	var buf [10]byte
	binary.BigEndian.PutUint64(buf[:8], h.Size)
	binary.BigEndian.PutUint16(buf[8:], uint16(len(name)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	_, err := w.Write(name)
	return err
}

func ReadFileHeader(r io.Reader) (FileHeader, error) {
	var buf [10]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return FileHeader{}, err
	}
	size := binary.BigEndian.Uint64(buf[:8])
	nameLen := binary.BigEndian.Uint16(buf[8:])
	if nameLen == 0 || nameLen > MaxFilenameLen {
		return FileHeader{}, fmt.Errorf("%w: name length %d", ErrMalformed, nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return FileHeader{}, err
	}
	if !utf8.Valid(name) {
		return FileHeader{}, fmt.Errorf("%w: name is not utf-8", ErrMalformed)
	}
	return FileHeader{Size: size, Name: string(name)}, nil
}

// WriteStatus writes the two response frames every command ends with.
func WriteStatus(w io.Writer, status, reason string) error {
	if err := WriteString(w, status); err != nil {
		return err
	}
	return WriteString(w, reason)
}

func ReadStatus(r io.Reader) (status, reason string, err error) {
	if status, err = ReadString(r); err != nil {
		return "", "", err
	}
	if reason, err = ReadString(r); err != nil {
		return "", "", err
	}
	return status, reason, nil
}
