package namespace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "uploads"), filepath.Join(dir, "shared_uploads"), filepath.Join(dir, "public_files"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestCleanNameRejectsTraversal(t *testing.T) {
	bad := []string{
		"", ".", "..", "../etc/passwd", "a/b", `a\b`, "nested/../up",
		"..hidden", "trailing..", "nul\x00byte", strings.Repeat("x", 300),
	}
	for _, name := range bad {
		if err := CleanName(name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("CleanName(%q) = %v, want ErrInvalidName", name, err)
		}
	}
	good := []string{"notes.txt", "photo.jpg", "a", ".profile", "report-final_v2.pdf"}
	for _, name := range good {
		if err := CleanName(name); err != nil {
			t.Fatalf("CleanName(%q) = %v, want nil", name, err)
		}
	}
}

func TestResolveStaysInsideRoot(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Resolve(TierPrivate, "alice", "notes.txt")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.HasPrefix(p, s.privateRoot+string(filepath.Separator)) {
		t.Fatalf("resolved path escapes root: %s", p)
	}
	if filepath.Base(p) != "notes.txt" || filepath.Base(filepath.Dir(p)) != "alice" {
		t.Fatalf("unexpected layout: %s", p)
	}
	if _, err := s.Resolve(TierPrivate, "alice", "../../etc/passwd"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName for traversal")
	}
	if _, err := s.Resolve(TierShared, "../alice", "ok.txt"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName for bad owner")
	}
}

func TestResolvePublicIgnoresOwner(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Resolve(TierPublic, "", "report.pdf")
	if err != nil {
		t.Fatalf("resolve public: %v", err)
	}
	if filepath.Dir(p) != s.publicRoot {
		t.Fatalf("public entry not directly under public root: %s", p)
	}
}

func TestListSkipsPartialsAndMissingDir(t *testing.T) {
	s := newTestStore(t)
	if err := s.EnsureOwnerDir(TierPrivate, "alice"); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	dir := filepath.Join(s.privateRoot, "alice")
	writeFile(t, filepath.Join(dir, "one.txt"), "hello")
	writeFile(t, filepath.Join(dir, ".partial-xyz"), "incomplete")

	entries, err := s.List(TierPrivate, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "one.txt" || entries[0].Size != 5 {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	entries, err = s.List(TierPrivate, "bob")
	if err != nil || len(entries) != 0 {
		t.Fatalf("missing owner dir should list empty, got %v %v", entries, err)
	}
}

func TestPromoteMovesFile(t *testing.T) {
	s := newTestStore(t)
	if err := s.EnsureOwnerDir(TierPrivate, "alice"); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	src := filepath.Join(s.privateRoot, "alice", "notes.txt")
	writeFile(t, src, "twelve bytes")

	if err := s.Promote("alice", "notes.txt", TierShared); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if _, err := os.Stat(src); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("source still present after promote")
	}
	shared, err := s.ListShared()
	if err != nil {
		t.Fatalf("list shared: %v", err)
	}
	if len(shared) != 1 || shared[0].Owner != "alice" || shared[0].Name != "notes.txt" || shared[0].Size != 12 {
		t.Fatalf("unexpected shared entries: %+v", shared)
	}
}

func TestPromoteMissingFile(t *testing.T) {
	s := newTestStore(t)
	if err := s.Promote("alice", "ghost.txt", TierPublic); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPromoteRejectsPrivateTarget(t *testing.T) {
	s := newTestStore(t)
	if err := s.Promote("alice", "notes.txt", TierPrivate); !errors.Is(err, ErrInvalidTier) {
		t.Fatalf("expected ErrInvalidTier, got %v", err)
	}
}

func TestLockSerializesWriters(t *testing.T) {
	s := newTestStore(t)
	var counter, max, cur int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock("/some/path")
			defer unlock()
			mu.Lock()
			cur++
			if cur > max {
				max = cur
			}
			counter++
			mu.Unlock()
			mu.Lock()
			cur--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if counter != 8 {
		t.Fatalf("expected 8 critical sections, got %d", counter)
	}
	if max != 1 {
		t.Fatalf("lock admitted %d concurrent holders", max)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
