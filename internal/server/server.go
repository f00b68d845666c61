// Package server implements the fileferry protocol server: a TLS listener
// that runs one session goroutine per connection and dispatches framed
// commands against the namespace under ownership and role rules.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dkowalski/fileferry/internal/auth"
	"github.com/dkowalski/fileferry/internal/config"
	"github.com/dkowalski/fileferry/internal/db"
	"github.com/dkowalski/fileferry/internal/namespace"
)

type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *db.Store
	authority *auth.Authority
	ns        *namespace.Store
	idle      time.Duration
	tokens    map[string]commandKind

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

func New(cfg config.Config, logger *slog.Logger, store *db.Store, authority *auth.Authority, ns *namespace.Store) (*Server, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	idle, err := cfg.IdleTimeoutDuration()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		authority: authority,
		ns:        ns,
		idle:      idle,
		tokens:    tokenTable(cfg.Tokens),
		sessions:  make(map[uuid.UUID]*session),
	}, nil
}

// Run wires up the store, namespace and listener from config and serves until
// the context is cancelled.
func Run(ctx context.Context, cfg config.Config) error {
	handlerLevel := new(slog.LevelVar)
	handlerLevel.Set(parseLogLevel(cfg.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: handlerLevel}))

	store, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	ns, err := namespace.New(cfg.PrivateRoot, cfg.SharedRoot, cfg.PublicRoot)
	if err != nil {
		return err
	}

	srv, err := New(cfg, logger, store, auth.NewAuthority(store), ns)
	if err != nil {
		return err
	}

	admins, err := store.AdminCount()
	if err == nil && admins == 0 {
		logger.Warn("no admin account found; run `fileferry user add --role admin`")
	}

	addr := net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.Port))
	var ln net.Listener
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("load tls keypair: %w", err)
		}
		ln, err = tls.Listen("tcp", addr, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
	} else {
		logger.Warn("serving without TLS; configure cert_file and key_file for production use")
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
	}

	logger.Info("listening", "addr", ln.Addr().String(), "tls", cfg.CertFile != "")
	return srv.Serve(ctx, ln)
}

// Serve accepts connections from ln until the context is cancelled. Exposed
// separately from Run so tests can serve on an arbitrary listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
			s.closeAll()
		case <-done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		sess := s.newSession(conn)
		go sess.run()
	}
}

func (s *Server) addSession(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *Server) removeSession(id uuid.UUID) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// SessionCount reports the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
}

func parseLogLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
