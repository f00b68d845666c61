package server_test

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkowalski/fileferry/internal/auth"
	"github.com/dkowalski/fileferry/internal/client"
	"github.com/dkowalski/fileferry/internal/config"
	"github.com/dkowalski/fileferry/internal/db"
	"github.com/dkowalski/fileferry/internal/namespace"
	"github.com/dkowalski/fileferry/internal/server"
	"github.com/dkowalski/fileferry/internal/wire"
)

type testEnv struct {
	addr      string
	cfg       config.Config
	store     *db.Store
	authority *auth.Authority
	srv       *server.Server
}

func startServer(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default(dir)

	store, err := db.Open(cfg.DataDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ns, err := namespace.New(cfg.PrivateRoot, cfg.SharedRoot, cfg.PublicRoot)
	if err != nil {
		t.Fatalf("new namespace: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authority := auth.NewAuthority(store)
	srv, err := server.New(cfg, logger, store, authority, ns)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()

	return &testEnv{addr: ln.Addr().String(), cfg: cfg, store: store, authority: authority, srv: srv}
}

func (env *testEnv) dial(t *testing.T) *client.Client {
	t.Helper()
	conn, err := net.Dial("tcp", env.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := client.New(conn, env.cfg.Tokens, env.cfg.ChunkSize)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (env *testEnv) login(t *testing.T, username, password string) *client.Client {
	t.Helper()
	c := env.dial(t)
	if _, err := c.Login(username, password); err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return c
}

func writeLocal(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestSharedFileScenario(t *testing.T) {
	env := startServer(t)
	local := t.TempDir()

	reg := env.dial(t)
	if err := reg.Register("alice", "alice-password"); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if err := reg.Register("bob", "bob-password-1"); err != nil {
		t.Fatalf("register bob: %v", err)
	}
	// Registration does not imply login.
	if _, err := reg.UploadPrivate(writeLocal(t, local, "x.txt", []byte("x"))); !client.IsStatus(err, wire.StatusNotAuthenticated) {
		t.Fatalf("expected NOT_AUTHENTICATED after register, got %v", err)
	}
	_ = reg.Quit()

	alice := env.login(t, "alice", "alice-password")
	src := writeLocal(t, local, "notes.txt", []byte("twelve bytes"))
	if n, err := alice.UploadPrivate(src); err != nil || n != 12 {
		t.Fatalf("upload private: n=%d err=%v", n, err)
	}

	bob := env.login(t, "bob", "bob-password-1")
	shared, err := bob.ListShared()
	if err != nil {
		t.Fatalf("list shared: %v", err)
	}
	if len(shared) != 0 {
		t.Fatalf("private upload leaked into shared listing: %+v", shared)
	}

	if err := alice.MakeShared("notes.txt"); err != nil {
		t.Fatalf("make shared: %v", err)
	}

	shared, err = bob.ListShared()
	if err != nil {
		t.Fatalf("list shared: %v", err)
	}
	if len(shared) != 1 || shared[0].Owner != "alice" || shared[0].Name != "notes.txt" || shared[0].Size != 12 {
		t.Fatalf("unexpected shared listing: %+v", shared)
	}

	downloads := t.TempDir()
	dest, n, err := bob.DownloadShared("alice", "notes.txt", downloads)
	if err != nil || n != 12 {
		t.Fatalf("download shared: n=%d err=%v", n, err)
	}
	got, err := os.ReadFile(dest)
	if err != nil || string(got) != "twelve bytes" {
		t.Fatalf("downloaded content %q err %v", got, err)
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	env := startServer(t)
	local := t.TempDir()

	if err := env.authority.Register("carol", "carols-password"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	carol := env.login(t, "carol", "carols-password")

	content := make([]byte, 300_000)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("rand: %v", err)
	}
	src := writeLocal(t, local, "blob.bin", content)
	if n, err := carol.UploadShared(src); err != nil || n != int64(len(content)) {
		t.Fatalf("upload shared: n=%d err=%v", n, err)
	}

	downloads := t.TempDir()
	dest, n, err := carol.DownloadShared("carol", "blob.bin", downloads)
	if err != nil || n != int64(len(content)) {
		t.Fatalf("download: n=%d err=%v", n, err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("round trip content mismatch")
	}
}

func TestPrivateIsolationAndAdminOverride(t *testing.T) {
	env := startServer(t)
	local := t.TempDir()

	if err := env.authority.Register("alice", "alice-password"); err != nil {
		t.Fatalf("seed alice: %v", err)
	}
	if err := env.authority.Register("bob", "bob-password-1"); err != nil {
		t.Fatalf("seed bob: %v", err)
	}
	if err := env.authority.RegisterWithRole("root", "admin-password", auth.RoleAdmin); err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	alice := env.login(t, "alice", "alice-password")
	if _, err := alice.UploadPrivate(writeLocal(t, local, "secret.txt", []byte("classified"))); err != nil {
		t.Fatalf("upload private: %v", err)
	}

	bob := env.login(t, "bob", "bob-password-1")
	if _, err := bob.AdminList("alice", "private"); !client.IsStatus(err, wire.StatusForbidden) {
		t.Fatalf("expected FORBIDDEN for non-admin list, got %v", err)
	}
	if _, _, err := bob.AdminDownload("alice", "private", "secret.txt", t.TempDir()); !client.IsStatus(err, wire.StatusForbidden) {
		t.Fatalf("expected FORBIDDEN for non-admin download, got %v", err)
	}

	admin := env.login(t, "root", "admin-password")
	files, err := admin.AdminList("alice", "private")
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if len(files) != 1 || files[0].Name != "secret.txt" {
		t.Fatalf("unexpected admin listing: %+v", files)
	}
	dest, _, err := admin.AdminDownload("alice", "private", "secret.txt", t.TempDir())
	if err != nil {
		t.Fatalf("admin download: %v", err)
	}
	if got, _ := os.ReadFile(dest); string(got) != "classified" {
		t.Fatalf("admin download content %q", got)
	}
}

func TestPublicDownloadWithoutLogin(t *testing.T) {
	env := startServer(t)
	if err := os.WriteFile(filepath.Join(env.cfg.PublicRoot, "readme.txt"), []byte("open to all"), 0o644); err != nil {
		t.Fatalf("seed public file: %v", err)
	}

	anon := env.dial(t)
	dest, n, err := anon.DownloadPublic("readme.txt", t.TempDir())
	if err != nil || n != 11 {
		t.Fatalf("public download: n=%d err=%v", n, err)
	}
	if got, _ := os.ReadFile(dest); string(got) != "open to all" {
		t.Fatalf("public content %q", got)
	}

	if _, _, err := anon.DownloadPublic("missing.txt", t.TempDir()); !client.IsStatus(err, wire.StatusNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestLoginFailuresShareOneStatus(t *testing.T) {
	env := startServer(t)
	if err := env.authority.Register("alice", "alice-password"); err != nil {
		t.Fatalf("seed alice: %v", err)
	}

	c := env.dial(t)
	_, wrongPass := c.Login("alice", "not-the-password")
	_, unknownUser := c.Login("mallory", "not-the-password")
	if !client.IsStatus(wrongPass, wire.StatusAuthFailed) {
		t.Fatalf("wrong password: %v", wrongPass)
	}
	if !client.IsStatus(unknownUser, wire.StatusAuthFailed) {
		t.Fatalf("unknown user: %v", unknownUser)
	}
	// Session must survive failed logins.
	if err := c.Ping(); err != nil {
		t.Fatalf("ping after failed logins: %v", err)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	env := startServer(t)
	c := env.dial(t)
	if err := c.Register("alice", "alice-password"); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	err := c.Register("alice", "other-password")
	if !client.IsStatus(err, wire.StatusAuthFailed) {
		t.Fatalf("expected AUTH_FAILED on duplicate, got %v", err)
	}
}

func TestConcurrentUploadsAreIndependent(t *testing.T) {
	env := startServer(t)
	local := t.TempDir()

	users := []string{"alice", "bob"}
	passwords := map[string]string{"alice": "alice-password", "bob": "bob-password-1"}
	for _, u := range users {
		if err := env.authority.Register(u, passwords[u]); err != nil {
			t.Fatalf("seed %s: %v", u, err)
		}
	}

	sources := make(map[string]string, len(users))
	for _, u := range users {
		sources[u] = writeLocal(t, local, u+".dat", bytes.Repeat([]byte(u), 50_000))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(users))
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			conn, err := net.Dial("tcp", env.addr)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			c := client.New(conn, env.cfg.Tokens, env.cfg.ChunkSize)
			if _, err := c.Login(u, passwords[u]); err != nil {
				errs <- err
				return
			}
			if _, err := c.UploadShared(sources[u]); err != nil {
				errs <- err
				return
			}
			errs <- nil
		}(u)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent upload: %v", err)
		}
	}

	viewer := env.login(t, "alice", "alice-password")
	shared, err := viewer.ListShared()
	if err != nil {
		t.Fatalf("list shared: %v", err)
	}
	if len(shared) != 2 {
		t.Fatalf("expected both uploads visible, got %+v", shared)
	}
	for _, u := range users {
		dest, n, err := viewer.DownloadShared(u, u+".dat", t.TempDir())
		if err != nil || n != 50_000*int64(len(u)) {
			t.Fatalf("download %s: n=%d err=%v", u, n, err)
		}
		if got, _ := os.ReadFile(dest); !bytes.Equal(got, bytes.Repeat([]byte(u), 50_000)) {
			t.Fatalf("content mismatch for %s", u)
		}
	}
}

// rawSession drives the wire protocol by hand for fault injection.
type rawSession struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func (env *testEnv) rawLogin(t *testing.T, username, password string) *rawSession {
	t.Helper()
	conn, err := net.Dial("tcp", env.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	rs := &rawSession{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
	rs.sendFrames(t, env.cfg.Tokens.Login, username, password)
	if status, _ := rs.readStatus(t); status != wire.StatusOK {
		t.Fatalf("raw login status %s", status)
	}
	if _, err := wire.ReadString(rs.r); err != nil {
		t.Fatalf("read role: %v", err)
	}
	return rs
}

func (rs *rawSession) sendFrames(t *testing.T, frames ...string) {
	t.Helper()
	for _, f := range frames {
		if err := wire.WriteString(rs.w, f); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	if err := rs.w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func (rs *rawSession) readStatus(t *testing.T) (string, string) {
	t.Helper()
	status, reason, err := wire.ReadStatus(rs.r)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	return status, reason
}

func TestAbortedUploadLeavesNoVisibleFile(t *testing.T) {
	env := startServer(t)
	if err := env.authority.Register("alice", "alice-password"); err != nil {
		t.Fatalf("seed alice: %v", err)
	}
	rs := env.rawLogin(t, "alice", "alice-password")

	if err := wire.WriteString(rs.w, env.cfg.Tokens.UploadPrivate); err != nil {
		t.Fatalf("write token: %v", err)
	}
	if err := wire.WriteFileHeader(rs.w, wire.FileHeader{Size: 4096, Name: "half.bin"}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := rs.w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if status, _ := rs.readStatus(t); status != wire.StatusOK {
		t.Fatalf("upload not accepted: %s", status)
	}

	// Half the payload, then drop the connection.
	if _, err := rs.conn.Write(make([]byte, 2048)); err != nil {
		t.Fatalf("write partial payload: %v", err)
	}
	_ = rs.conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	ownerDir := filepath.Join(env.cfg.PrivateRoot, "alice")
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(ownerDir, "half.bin")); !os.IsNotExist(err) {
			t.Fatalf("aborted upload became visible")
		}
		entries, _ := os.ReadDir(ownerDir)
		clean := true
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".partial-") {
				clean = false
			}
		}
		if clean {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("temp file still present after aborted upload")
}

func TestInvalidUploadNameRejectedBeforePayload(t *testing.T) {
	env := startServer(t)
	if err := env.authority.Register("alice", "alice-password"); err != nil {
		t.Fatalf("seed alice: %v", err)
	}
	rs := env.rawLogin(t, "alice", "alice-password")

	if err := wire.WriteString(rs.w, env.cfg.Tokens.UploadPrivate); err != nil {
		t.Fatalf("write token: %v", err)
	}
	if err := wire.WriteFileHeader(rs.w, wire.FileHeader{Size: 10, Name: "..sneaky"}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := rs.w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if status, _ := rs.readStatus(t); status != wire.StatusInvalidName {
		t.Fatalf("expected INVALID_NAME, got %s", status)
	}

	// The session must remain usable: no payload was owed.
	rs.sendFrames(t, env.cfg.Tokens.Ping)
	if status, _ := rs.readStatus(t); status != wire.StatusOK {
		t.Fatalf("ping after rejection: %s", status)
	}
}

func TestSessionsDrainAfterQuit(t *testing.T) {
	env := startServer(t)
	first := env.dial(t)
	second := env.dial(t)
	if err := first.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := second.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if n := env.srv.SessionCount(); n != 2 {
		t.Fatalf("expected 2 live sessions, got %d", n)
	}

	_ = first.Quit()
	_ = second.Quit()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.srv.SessionCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("sessions did not drain, %d left", env.srv.SessionCount())
}

func TestLogoutReturnsToUnauthenticated(t *testing.T) {
	env := startServer(t)
	if err := env.authority.Register("alice", "alice-password"); err != nil {
		t.Fatalf("seed alice: %v", err)
	}
	c := env.login(t, "alice", "alice-password")
	if err := c.Logout(); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := c.ListShared(); !client.IsStatus(err, wire.StatusNotAuthenticated) {
		t.Fatalf("expected NOT_AUTHENTICATED after logout, got %v", err)
	}
}

func TestPromotionIsVisibleInPublic(t *testing.T) {
	env := startServer(t)
	local := t.TempDir()
	if err := env.authority.Register("alice", "alice-password"); err != nil {
		t.Fatalf("seed alice: %v", err)
	}
	alice := env.login(t, "alice", "alice-password")
	if _, err := alice.UploadPrivate(writeLocal(t, local, "announce.txt", []byte("ship it"))); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := alice.MakePublic("announce.txt"); err != nil {
		t.Fatalf("make public: %v", err)
	}

	anon := env.dial(t)
	dest, _, err := anon.DownloadPublic("announce.txt", t.TempDir())
	if err != nil {
		t.Fatalf("anonymous download of public file: %v", err)
	}
	if got, _ := os.ReadFile(dest); string(got) != "ship it" {
		t.Fatalf("public content %q", got)
	}

	// Promotion moved the entry out of the private tier.
	if err := alice.MakePublic("announce.txt"); !client.IsStatus(err, wire.StatusNotFound) {
		t.Fatalf("expected NOT_FOUND on second promote, got %v", err)
	}
}
