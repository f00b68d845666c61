// Package client speaks the fileferry wire protocol. It issues one command
// at a time and reads the full response before returning, mirroring the
// server's request/response discipline.
package client

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dkowalski/fileferry/internal/config"
	"github.com/dkowalski/fileferry/internal/namespace"
	"github.com/dkowalski/fileferry/internal/transfer"
	"github.com/dkowalski/fileferry/internal/wire"
)

// StatusError is a non-OK response from the server.
type StatusError struct {
	Status string
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %s: %s", e.Status, e.Reason)
}

// IsStatus reports whether err is a StatusError with the given status token.
func IsStatus(err error, status string) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

type SharedFile struct {
	Owner string
	Name  string
	Size  int64
}

type File struct {
	Name string
	Size int64
}

type Client struct {
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	tokens config.Tokens
	chunk  int
}

// Dial connects over TLS. tlsCfg must carry the trust configuration for the
// server certificate.
func Dial(addr string, tlsCfg *tls.Config, tokens config.Tokens, chunkSize int) (*Client, error) {
	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(conn, tokens, chunkSize), nil
}

// New wraps an established connection. Used directly by tests.
func New(conn net.Conn, tokens config.Tokens, chunkSize int) *Client {
	return &Client{
		conn:   conn,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
		tokens: tokens,
		chunk:  chunkSize,
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Register(username, password string) error {
	return c.simple(c.tokens.Register, username, password)
}

// Login authenticates the connection and returns the granted role.
func (c *Client) Login(username, password string) (string, error) {
	if err := c.send(c.tokens.Login, username, password); err != nil {
		return "", err
	}
	if err := c.expectOK(); err != nil {
		return "", err
	}
	role, err := wire.ReadString(c.r)
	if err != nil {
		return "", fmt.Errorf("read role: %w", err)
	}
	return role, nil
}

func (c *Client) Logout() error { return c.simple(c.tokens.Logout) }
func (c *Client) Ping() error   { return c.simple(c.tokens.Ping) }

// Quit ends the protocol exchange and closes the connection.
func (c *Client) Quit() error {
	err := c.simple(c.tokens.Quit)
	_ = c.conn.Close()
	return err
}

func (c *Client) UploadPrivate(localPath string) (int64, error) {
	return c.upload(c.tokens.UploadPrivate, localPath)
}

func (c *Client) UploadShared(localPath string) (int64, error) {
	return c.upload(c.tokens.UploadShared, localPath)
}

// upload announces the transfer, waits for the server to accept the name,
// then streams the payload and waits for the final confirmation.
func (c *Client) upload(token, localPath string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", localPath, err)
	}
	info, err := f.Stat()
	f.Close()
	if err != nil {
		return 0, fmt.Errorf("stat %q: %w", localPath, err)
	}

	if err := wire.WriteString(c.w, token); err != nil {
		return 0, err
	}
	hdr := wire.FileHeader{Size: uint64(info.Size()), Name: filepath.Base(localPath)}
	if err := wire.WriteFileHeader(c.w, hdr); err != nil {
		return 0, err
	}
	if err := c.w.Flush(); err != nil {
		return 0, err
	}
	if err := c.expectOK(); err != nil {
		return 0, err
	}

	n, err := transfer.SendPayload(c.w, localPath, c.chunk)
	if err != nil {
		return n, err
	}
	if err := c.w.Flush(); err != nil {
		return n, err
	}
	return n, c.expectOK()
}

func (c *Client) DownloadPublic(name, destDir string) (string, int64, error) {
	return c.download(destDir, c.tokens.DownloadPublic, name)
}

func (c *Client) DownloadShared(owner, name, destDir string) (string, int64, error) {
	return c.download(destDir, c.tokens.DownloadShared, owner, name)
}

func (c *Client) AdminDownload(owner, tier, name, destDir string) (string, int64, error) {
	return c.download(destDir, c.tokens.AdminDownload, owner, tier, name)
}

func (c *Client) download(destDir, token string, args ...string) (string, int64, error) {
	if err := c.send(token, args...); err != nil {
		return "", 0, err
	}
	if err := c.expectOK(); err != nil {
		return "", 0, err
	}
	hdr, err := wire.ReadFileHeader(c.r)
	if err != nil {
		return "", 0, fmt.Errorf("read file header: %w", err)
	}
	// Never let a server-supplied name climb out of the downloads dir.
	if err := namespace.CleanName(hdr.Name); err != nil {
		return "", 0, fmt.Errorf("server sent unsafe name %q: %w", hdr.Name, err)
	}
	dest := filepath.Join(destDir, hdr.Name)
	n, err := transfer.ReceivePayload(c.r, dest, hdr.Size, c.chunk)
	if err != nil {
		return "", n, err
	}
	return dest, n, nil
}

func (c *Client) ListShared() ([]SharedFile, error) {
	if err := c.send(c.tokens.ListShared); err != nil {
		return nil, err
	}
	if err := c.expectOK(); err != nil {
		return nil, err
	}
	body, err := wire.ReadFrame(c.r, wire.MaxListFrame)
	if err != nil {
		return nil, fmt.Errorf("read listing: %w", err)
	}
	return parseSharedList(string(body))
}

func (c *Client) AdminList(owner, tier string) ([]File, error) {
	if err := c.send(c.tokens.AdminList, owner, tier); err != nil {
		return nil, err
	}
	if err := c.expectOK(); err != nil {
		return nil, err
	}
	body, err := wire.ReadFrame(c.r, wire.MaxListFrame)
	if err != nil {
		return nil, fmt.Errorf("read listing: %w", err)
	}
	return parseFileList(string(body))
}

func (c *Client) MakePublic(name string) error {
	return c.simple(c.tokens.MakePublic, name)
}

func (c *Client) MakeShared(name string) error {
	return c.simple(c.tokens.MakeShared, name)
}

func (c *Client) send(token string, args ...string) error {
	if err := wire.WriteString(c.w, token); err != nil {
		return err
	}
	for _, a := range args {
		if err := wire.WriteString(c.w, a); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

func (c *Client) simple(token string, args ...string) error {
	if err := c.send(token, args...); err != nil {
		return err
	}
	return c.expectOK()
}

func (c *Client) expectOK() error {
	status, reason, err := wire.ReadStatus(c.r)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if status != wire.StatusOK {
		return &StatusError{Status: status, Reason: reason}
	}
	return nil
}

func parseSharedList(body string) ([]SharedFile, error) {
	if body == "" {
		return nil, nil
	}
	lines := strings.Split(body, "\n")
	out := make([]SharedFile, 0, len(lines))
	for _, line := range lines {
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed listing line %q", line)
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed size in %q: %w", line, err)
		}
		out = append(out, SharedFile{Owner: fields[0], Name: fields[1], Size: size})
	}
	return out, nil
}

func parseFileList(body string) ([]File, error) {
	if body == "" {
		return nil, nil
	}
	lines := strings.Split(body, "\n")
	out := make([]File, 0, len(lines))
	for _, line := range lines {
		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed listing line %q", line)
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed size in %q: %w", line, err)
		}
		out = append(out, File{Name: fields[0], Size: size})
	}
	return out, nil
}
