package server

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/dkowalski/fileferry/internal/auth"
	"github.com/dkowalski/fileferry/internal/wire"
)

// session is the per-connection state machine. It starts unauthenticated
// (anonymous principal), may become authenticated through LOGIN, and is
// destroyed when the connection closes. The principal is always a complete
// record; authentication state is its Anonymous flag, never an empty string.
type session struct {
	id        uuid.UUID
	srv       *Server
	conn      net.Conn
	r         *bufio.Reader
	w         *bufio.Writer
	principal auth.Principal
	createdAt time.Time
	log       *slog.Logger
}

func (s *Server) newSession(conn net.Conn) *session {
	id := uuid.New()
	sess := &session{
		id:        id,
		srv:       s,
		conn:      conn,
		r:         bufio.NewReader(conn),
		w:         bufio.NewWriter(conn),
		principal: auth.AnonymousPrincipal(),
		createdAt: time.Now(),
		log:       s.logger.With("session", id.String(), "remote", conn.RemoteAddr().String()),
	}
	s.addSession(sess)
	return sess
}

// run processes commands one at a time: each response is fully flushed before
// the next command is read, so responses can never interleave.
func (sess *session) run() {
	defer sess.close()
	sess.log.Info("client connected")

	for {
		sess.touchDeadline()
		cmd, err := sess.readCommand(sess.r)
		if err != nil {
			sess.handleReadError(err)
			return
		}
		sess.log.Debug("command received", "command", cmd.token, "user", sess.principal.Username)

		quit, err := sess.dispatch(cmd)
		if err != nil {
			sess.log.Warn("session fault", "command", cmd.token, "error", err)
			return
		}
		if err := sess.w.Flush(); err != nil {
			sess.log.Info("client write failed", "error", err)
			return
		}
		if quit {
			return
		}
	}
}

func (sess *session) handleReadError(err error) {
	switch {
	case errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF):
		sess.log.Info("client disconnected")
	case isTimeout(err):
		sess.log.Info("client idle, closing")
	case errors.Is(err, wire.ErrMalformed) || errors.Is(err, wire.ErrFrameTooLarge):
		sess.log.Warn("protocol violation", "error", err)
		// Best effort; the stream may already be unusable.
		_ = wire.WriteStatus(sess.w, wire.StatusProtocolError, "malformed command")
		_ = sess.w.Flush()
	default:
		sess.log.Warn("read failed", "error", err)
	}
}

// touchDeadline arms the idle deadline before a blocking read. Transfers call
// it again per phase so a healthy slow transfer is not cut off.
func (sess *session) touchDeadline() {
	if sess.srv.idle > 0 {
		_ = sess.conn.SetReadDeadline(time.Now().Add(sess.srv.idle))
	}
}

func (sess *session) close() {
	_ = sess.conn.Close()
	sess.srv.removeSession(sess.id)
	sess.log.Info("session closed", "user", sess.principal.Username, "duration", time.Since(sess.createdAt).String())
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
