package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dkowalski/fileferry/internal/auth"
	"github.com/dkowalski/fileferry/internal/namespace"
	"github.com/dkowalski/fileferry/internal/transfer"
	"github.com/dkowalski/fileferry/internal/wire"
)

// preAuthAllowed lists the commands an unauthenticated session may issue.
// Public downloads are included: public entries are visible to any
// connection.
func preAuthAllowed(kind commandKind) bool {
	switch kind {
	case cmdRegister, cmdLogin, cmdPing, cmdQuit, cmdDownloadPublic:
		return true
	default:
		return false
	}
}

// allowed is the access rule evaluated before every file operation:
// public is open, owners and admins may do anything to their tier entries,
// and shared entries are readable by any authenticated session.
func allowed(p auth.Principal, tier namespace.Tier, owner string, read bool) bool {
	if tier == namespace.TierPublic {
		return true
	}
	if p.Anonymous {
		return false
	}
	if p.IsAdmin() {
		return true
	}
	if p.Username == owner {
		return true
	}
	return tier == namespace.TierShared && read
}

// dispatch handles one decoded command. A nil error keeps the session alive
// regardless of the outcome sent to the client; a non-nil error tears the
// session down.
func (sess *session) dispatch(cmd command) (quit bool, err error) {
	if sess.principal.Anonymous && !preAuthAllowed(cmd.kind) {
		return false, wire.WriteStatus(sess.w, wire.StatusNotAuthenticated, "login required")
	}

	switch cmd.kind {
	case cmdRegister:
		return false, sess.handleRegister(cmd)
	case cmdLogin:
		return false, sess.handleLogin(cmd)
	case cmdLogout:
		sess.principal = auth.AnonymousPrincipal()
		return false, wire.WriteStatus(sess.w, wire.StatusOK, "logged out")
	case cmdPing:
		return false, wire.WriteStatus(sess.w, wire.StatusOK, "pong")
	case cmdQuit:
		return true, wire.WriteStatus(sess.w, wire.StatusOK, "bye")
	case cmdUploadPrivate:
		return false, sess.handleUpload(cmd, namespace.TierPrivate)
	case cmdUploadShared:
		return false, sess.handleUpload(cmd, namespace.TierShared)
	case cmdDownloadPublic:
		return false, sess.handleDownload(namespace.TierPublic, "", cmd.name)
	case cmdListShared:
		return false, sess.handleListShared()
	case cmdDownloadShared:
		return false, sess.handleDownload(namespace.TierShared, cmd.owner, cmd.name)
	case cmdMakePublic:
		return false, sess.handlePromote(cmd, namespace.TierPublic)
	case cmdMakeShared:
		return false, sess.handlePromote(cmd, namespace.TierShared)
	case cmdAdminList:
		return false, sess.handleAdminList(cmd)
	case cmdAdminDownload:
		return false, sess.handleAdminDownload(cmd)
	}
	return false, fmt.Errorf("unhandled command kind %d", cmd.kind)
}

func (sess *session) handleRegister(cmd command) error {
	err := sess.srv.authority.Register(cmd.username, cmd.password)
	switch {
	case err == nil:
		sess.log.Info("user registered", "user", strings.ToLower(cmd.username))
		return wire.WriteStatus(sess.w, wire.StatusOK, "registered")
	case errors.Is(err, auth.ErrUserExists):
		return wire.WriteStatus(sess.w, wire.StatusAuthFailed, "username already taken")
	case errors.Is(err, auth.ErrBadUsername):
		return wire.WriteStatus(sess.w, wire.StatusAuthFailed, "invalid username")
	case errors.Is(err, auth.ErrWeakPassword):
		return wire.WriteStatus(sess.w, wire.StatusAuthFailed, "password too weak")
	default:
		sess.log.Error("registration failed", "error", err)
		return wire.WriteStatus(sess.w, wire.StatusServerError, "internal error")
	}
}

// handleLogin responds OK plus one extra frame carrying the granted role.
func (sess *session) handleLogin(cmd command) error {
	p, err := sess.srv.authority.Authenticate(cmd.username, cmd.password)
	switch {
	case err == nil:
		sess.principal = p
		sess.log.Info("login", "user", p.Username, "role", p.Role)
		if err := wire.WriteStatus(sess.w, wire.StatusOK, "logged in"); err != nil {
			return err
		}
		return wire.WriteString(sess.w, p.Role)
	case errors.Is(err, auth.ErrInvalidCredentials):
		return wire.WriteStatus(sess.w, wire.StatusAuthFailed, "invalid username or password")
	case errors.Is(err, auth.ErrLocked):
		return wire.WriteStatus(sess.w, wire.StatusAuthFailed, "too many failed attempts, try again later")
	default:
		sess.log.Error("login failed", "error", err)
		return wire.WriteStatus(sess.w, wire.StatusServerError, "internal error")
	}
}

// handleUpload receives a payload into the session owner's tier directory.
// The payload is only requested (OK "ready") after the name has been
// validated, so a rejected upload costs the client nothing but the header.
func (sess *session) handleUpload(cmd command, tier namespace.Tier) error {
	owner := sess.principal.Username
	path, err := sess.srv.ns.Resolve(tier, owner, cmd.name)
	if err != nil {
		return sess.reject(err)
	}
	if err := sess.srv.ns.EnsureOwnerDir(tier, owner); err != nil {
		sess.log.Error("prepare owner dir", "error", err)
		return wire.WriteStatus(sess.w, wire.StatusServerError, "internal error")
	}

	unlock := sess.srv.ns.Lock(path)
	defer unlock()

	if err := wire.WriteStatus(sess.w, wire.StatusOK, "ready for payload"); err != nil {
		return err
	}
	if err := sess.w.Flush(); err != nil {
		return err
	}

	sess.touchDeadline()
	n, err := transfer.ReceivePayload(sess.r, path, cmd.size, sess.srv.cfg.ChunkSize)
	if err != nil {
		// The stream position is unknown now; the session must die.
		return fmt.Errorf("receive %q: %w", cmd.name, err)
	}
	sess.audit("upload_"+string(tier), string(tier)+"/"+owner+"/"+cmd.name, strconv.FormatInt(n, 10)+" bytes")
	return wire.WriteStatus(sess.w, wire.StatusOK, fmt.Sprintf("stored %d bytes", n))
}

func (sess *session) handleDownload(tier namespace.Tier, owner, name string) error {
	if !allowed(sess.principal, tier, owner, true) {
		return wire.WriteStatus(sess.w, wire.StatusForbidden, "access denied")
	}
	return sess.sendFile(tier, owner, name)
}

// sendFile opens the entry first and headers from the open fd, so a
// concurrent re-upload (atomic rename) cannot change the size mid-send.
func (sess *session) sendFile(tier namespace.Tier, owner, name string) error {
	path, err := sess.srv.ns.Resolve(tier, owner, name)
	if err != nil {
		return sess.reject(err)
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return wire.WriteStatus(sess.w, wire.StatusNotFound, "file not found")
		}
		sess.log.Error("open for download", "error", err)
		return wire.WriteStatus(sess.w, wire.StatusServerError, "internal error")
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return wire.WriteStatus(sess.w, wire.StatusNotFound, "file not found")
	}

	if err := wire.WriteStatus(sess.w, wire.StatusOK, "sending"); err != nil {
		return err
	}
	if err := wire.WriteFileHeader(sess.w, wire.FileHeader{Size: uint64(info.Size()), Name: name}); err != nil {
		return err
	}
	buf := make([]byte, sess.srv.cfg.ChunkSize)
	if _, err := io.CopyBuffer(sess.w, f, buf); err != nil {
		return fmt.Errorf("send %q: %w", name, err)
	}
	sess.audit("download_"+string(tier), string(tier)+"/"+owner+"/"+name, strconv.FormatInt(info.Size(), 10)+" bytes")
	return nil
}

// joinListing joins lines into one frame body, dropping trailing lines once
// the body would exceed max. Returns the body and how many lines it holds.
func joinListing(lines []string, max int) (string, int) {
	var b strings.Builder
	n := 0
	for _, line := range lines {
		need := len(line)
		if n > 0 {
			need++
		}
		if b.Len()+need > max {
			break
		}
		if n > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		n++
	}
	return b.String(), n
}

// writeListing sends the OK status and the listing frame. The status counts
// only what the frame actually carries, so an oversized tier degrades to a
// truncated listing instead of a dead session.
func (sess *session) writeListing(what string, lines []string) error {
	body, n := joinListing(lines, wire.MaxListFrame)
	if n < len(lines) {
		sess.log.Warn("listing truncated", "kind", what, "total", len(lines), "sent", n)
	}
	if err := wire.WriteStatus(sess.w, wire.StatusOK, fmt.Sprintf("%d %s", n, what)); err != nil {
		return err
	}
	return wire.WriteFrame(sess.w, []byte(body))
}

func (sess *session) handleListShared() error {
	entries, err := sess.srv.ns.ListShared()
	if err != nil {
		return sess.reject(err)
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Owner+"\t"+e.Name+"\t"+strconv.FormatInt(e.Size, 10))
	}
	return sess.writeListing("shared files", lines)
}

func (sess *session) handlePromote(cmd command, to namespace.Tier) error {
	owner := sess.principal.Username
	if err := sess.srv.ns.Promote(owner, cmd.name, to); err != nil {
		return sess.reject(err)
	}
	sess.audit("make_"+string(to), string(to)+"/"+owner+"/"+cmd.name, "")
	return wire.WriteStatus(sess.w, wire.StatusOK, "now "+string(to))
}

func (sess *session) handleAdminList(cmd command) error {
	if !sess.principal.IsAdmin() {
		return wire.WriteStatus(sess.w, wire.StatusForbidden, "access denied")
	}
	tier, err := namespace.ParseTier(cmd.tier)
	if err != nil {
		return sess.reject(err)
	}
	entries, err := sess.srv.ns.List(tier, cmd.owner)
	if err != nil {
		return sess.reject(err)
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Name+"\t"+strconv.FormatInt(e.Size, 10))
	}
	sess.audit("admin_list", string(tier)+"/"+cmd.owner, "")
	return sess.writeListing("files", lines)
}

func (sess *session) handleAdminDownload(cmd command) error {
	if !sess.principal.IsAdmin() {
		return wire.WriteStatus(sess.w, wire.StatusForbidden, "access denied")
	}
	tier, err := namespace.ParseTier(cmd.tier)
	if err != nil {
		return sess.reject(err)
	}
	return sess.sendFile(tier, cmd.owner, cmd.name)
}

// reject maps namespace errors to client statuses. Unexpected errors are
// logged server-side and surfaced as a generic SERVER_ERROR.
func (sess *session) reject(err error) error {
	switch {
	case errors.Is(err, namespace.ErrInvalidName), errors.Is(err, namespace.ErrInvalidTier):
		return wire.WriteStatus(sess.w, wire.StatusInvalidName, "invalid name")
	case errors.Is(err, namespace.ErrNotFound):
		return wire.WriteStatus(sess.w, wire.StatusNotFound, "file not found")
	default:
		sess.log.Error("internal error", "error", err)
		return wire.WriteStatus(sess.w, wire.StatusServerError, "internal error")
	}
}

func (sess *session) audit(action, target, metadata string) {
	var actor *int64
	if !sess.principal.Anonymous {
		id := sess.principal.UserID
		actor = &id
	}
	if err := sess.srv.store.RecordAudit(actor, action, target, metadata); err != nil {
		sess.log.Warn("audit write failed", "error", err)
	}
}
