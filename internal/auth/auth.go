package auth

import (
	"regexp"
	"strings"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Principal is the fixed-shape identity attached to a session. An
// unauthenticated session carries an anonymous principal, never an empty
// string or a nil field.
type Principal struct {
	UserID    int64
	Username  string
	Role      string
	Anonymous bool
}

func (p Principal) IsAdmin() bool {
	return !p.Anonymous && p.Role == RoleAdmin
}

// Anonymous is the principal of a session before LOGIN succeeds.
func AnonymousPrincipal() Principal {
	return Principal{Username: "anonymous", Role: "guest", Anonymous: true}
}

var usernameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,31}$`)

// ValidUsername reports whether a username is safe to use as an owner
// directory name. The same rules the namespace applies to filenames hold
// here, so a registered user can always own a directory.
func ValidUsername(name string) bool {
	return usernameRe.MatchString(name) && !strings.Contains(name, "..")
}
