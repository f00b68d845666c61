// Package namespace maps (tier, owner, filename) tuples to on-disk locations
// and guards against path escapes. It makes no authorization decisions.
package namespace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type Tier string

const (
	TierPrivate Tier = "private"
	TierShared  Tier = "shared"
	TierPublic  Tier = "public"
)

var (
	ErrInvalidName = errors.New("invalid file name")
	ErrInvalidTier = errors.New("invalid tier")
	ErrNotFound    = errors.New("file not found")
)

const maxNameLen = 255

func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierPrivate:
		return TierPrivate, nil
	case TierShared:
		return TierShared, nil
	case TierPublic:
		return TierPublic, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
}

type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

type SharedEntry struct {
	Owner string
	Name  string
	Size  int64
}

// Store resolves names inside three tier roots and serializes writers per
// resolved path.
type Store struct {
	privateRoot string
	sharedRoot  string
	publicRoot  string

	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func New(privateRoot, sharedRoot, publicRoot string) (*Store, error) {
	abs := func(p string) (string, error) {
		a, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("resolve root %q: %w", p, err)
		}
		return filepath.Clean(a), nil
	}
	var err error
	s := &Store{locks: make(map[string]*pathLock)}
	if s.privateRoot, err = abs(privateRoot); err != nil {
		return nil, err
	}
	if s.sharedRoot, err = abs(sharedRoot); err != nil {
		return nil, err
	}
	if s.publicRoot, err = abs(publicRoot); err != nil {
		return nil, err
	}
	for _, root := range []string{s.privateRoot, s.sharedRoot, s.publicRoot} {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create root %q: %w", root, err)
		}
	}
	return s, nil
}

// CleanName validates a bare filename. Anything that could change directories
// is rejected before the filesystem is touched.
func CleanName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return ErrInvalidName
	}
	if name == "." || name == ".." {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return ErrInvalidName
	}
	if strings.Contains(name, "..") {
		return ErrInvalidName
	}
	return nil
}

func (s *Store) root(tier Tier) (string, error) {
	switch tier {
	case TierPrivate:
		return s.privateRoot, nil
	case TierShared:
		return s.sharedRoot, nil
	case TierPublic:
		return s.publicRoot, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
}

// Resolve returns the canonical path for an entry. The public tier has no
// owner directory; the owner argument is ignored there.
func (s *Store) Resolve(tier Tier, owner, name string) (string, error) {
	if err := CleanName(name); err != nil {
		return "", err
	}
	root, err := s.root(tier)
	if err != nil {
		return "", err
	}
	var joined string
	if tier == TierPublic {
		joined = filepath.Join(root, name)
	} else {
		if err := CleanName(owner); err != nil {
			return "", fmt.Errorf("owner: %w", err)
		}
		joined = filepath.Join(root, owner, name)
	}
	joined = filepath.Clean(joined)
	if !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", ErrInvalidName
	}
	return joined, nil
}

// EnsureOwnerDir creates the owner directory for a tier. Safe to call from
// concurrent sessions.
func (s *Store) EnsureOwnerDir(tier Tier, owner string) error {
	root, err := s.root(tier)
	if err != nil {
		return err
	}
	if tier == TierPublic {
		return os.MkdirAll(root, 0o755)
	}
	if err := CleanName(owner); err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	return os.MkdirAll(filepath.Join(root, owner), 0o755)
}

// List returns a point-in-time snapshot of the regular files in a tier
// directory. A missing directory lists as empty since directories are created
// lazily.
func (s *Store) List(tier Tier, owner string) ([]Entry, error) {
	root, err := s.root(tier)
	if err != nil {
		return nil, err
	}
	dir := root
	if tier != TierPublic {
		if err := CleanName(owner); err != nil {
			return nil, fmt.Errorf("owner: %w", err)
		}
		dir = filepath.Join(root, owner)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".partial-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListShared walks every owner directory under the shared root.
func (s *Store) ListShared() ([]SharedEntry, error) {
	owners, err := os.ReadDir(s.sharedRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read shared root: %w", err)
	}
	out := make([]SharedEntry, 0)
	for _, o := range owners {
		if !o.IsDir() {
			continue
		}
		files, err := s.List(TierShared, o.Name())
		if err != nil {
			continue
		}
		for _, f := range files {
			out = append(out, SharedEntry{Owner: o.Name(), Name: f.Name, Size: f.Size})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Promote moves a private entry into the shared or public tier. The move is
// one-directional; there is no demotion path here.
func (s *Store) Promote(owner, name string, to Tier) error {
	if to != TierShared && to != TierPublic {
		return fmt.Errorf("%w: cannot promote to %q", ErrInvalidTier, to)
	}
	src, err := s.Resolve(TierPrivate, owner, name)
	if err != nil {
		return err
	}
	dst, err := s.Resolve(to, owner, name)
	if err != nil {
		return err
	}

	unlockSrc := s.Lock(src)
	defer unlockSrc()
	unlockDst := s.Lock(dst)
	defer unlockDst()

	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("stat source: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		// Roots may live on different filesystems; fall back to copy.
		if cErr := copyThenRemove(src, dst); cErr != nil {
			return fmt.Errorf("promote %q: %w", name, cErr)
		}
	}
	return nil
}

// Lock serializes writers for one resolved path. The returned func releases
// the lock.
func (s *Store) Lock(path string) (unlock func()) {
	s.mu.Lock()
	l := s.locks[path]
	if l == nil {
		l = &pathLock{}
		s.locks[path] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, path)
		}
		s.mu.Unlock()
	}
}

func copyThenRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".partial-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.ReadFrom(in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Remove(src)
}
