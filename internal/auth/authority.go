package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkowalski/fileferry/internal/db"
)

var (
	// ErrInvalidCredentials covers unknown users and wrong passwords alike so
	// that login failures cannot be used to enumerate usernames.
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserExists         = errors.New("username already taken")
	ErrLocked             = errors.New("too many failed attempts, try again later")
	ErrBadUsername        = errors.New("invalid username")
	ErrWeakPassword       = errors.New("password does not meet requirements")
)

// Authority verifies and registers credentials against the user store.
type Authority struct {
	store *db.Store

	dummyOnce sync.Once
	dummyHash string
}

func NewAuthority(store *db.Store) *Authority {
	return &Authority{store: store}
}

// Authenticate returns the principal for a valid username/password pair.
func (a *Authority) Authenticate(username, password string) (Principal, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	if username == "" || password == "" {
		return Principal{}, ErrInvalidCredentials
	}

	locked, _, err := a.store.CheckLoginAllowed(username)
	if err != nil {
		return Principal{}, fmt.Errorf("check login attempts: %w", err)
	}
	if locked {
		return Principal{}, ErrLocked
	}

	user, err := a.store.GetUserByUsername(username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Burn a verification anyway so missing users cost the same as
			// wrong passwords.
			_, _ = VerifyPassword(a.dummy(), password)
			return Principal{}, ErrInvalidCredentials
		}
		return Principal{}, fmt.Errorf("lookup user: %w", err)
	}

	ok, err := VerifyPassword(user.PasswordHash, password)
	if err != nil {
		return Principal{}, fmt.Errorf("verify password: %w", err)
	}
	if !ok || user.Disabled {
		_, _ = a.store.RegisterFailedLogin(username)
		return Principal{}, ErrInvalidCredentials
	}

	_ = a.store.ResetLoginAttempts(username)
	return Principal{UserID: user.ID, Username: user.Username, Role: user.Role}, nil
}

// Register creates a user with the default role.
func (a *Authority) Register(username, password string) error {
	return a.RegisterWithRole(username, password, RoleUser)
}

func (a *Authority) RegisterWithRole(username, password, role string) error {
	username = strings.TrimSpace(strings.ToLower(username))
	if !ValidUsername(username) {
		return ErrBadUsername
	}
	if role != RoleAdmin {
		role = RoleUser
	}
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWeakPassword, err)
	}
	if _, err := a.store.GetUserByUsername(username); err == nil {
		return ErrUserExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup user: %w", err)
	}
	if _, err := a.store.CreateUser(username, hash, role); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrUserExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (a *Authority) dummy() string {
	a.dummyOnce.Do(func() {
		h, err := HashPassword("fileferry-timing-dummy")
		if err == nil {
			a.dummyHash = h
		}
	})
	return a.dummyHash
}
