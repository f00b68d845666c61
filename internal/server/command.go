package server

import (
	"fmt"
	"io"

	"github.com/dkowalski/fileferry/internal/config"
	"github.com/dkowalski/fileferry/internal/wire"
)

// commandKind is the closed set of protocol commands. Tokens are decoded into
// a kind once at the protocol boundary; everything downstream switches on the
// kind, never on strings.
type commandKind int

const (
	cmdRegister commandKind = iota
	cmdLogin
	cmdLogout
	cmdPing
	cmdQuit
	cmdUploadPrivate
	cmdUploadShared
	cmdDownloadPublic
	cmdListShared
	cmdDownloadShared
	cmdMakePublic
	cmdMakeShared
	cmdAdminList
	cmdAdminDownload
)

type command struct {
	kind     commandKind
	token    string
	username string
	password string
	owner    string
	name     string
	tier     string
	size     uint64
}

func tokenTable(t config.Tokens) map[string]commandKind {
	return map[string]commandKind{
		t.Register:       cmdRegister,
		t.Login:          cmdLogin,
		t.Logout:         cmdLogout,
		t.Ping:           cmdPing,
		t.Quit:           cmdQuit,
		t.UploadPrivate:  cmdUploadPrivate,
		t.UploadShared:   cmdUploadShared,
		t.DownloadPublic: cmdDownloadPublic,
		t.ListShared:     cmdListShared,
		t.DownloadShared: cmdDownloadShared,
		t.MakePublic:     cmdMakePublic,
		t.MakeShared:     cmdMakeShared,
		t.AdminList:      cmdAdminList,
		t.AdminDownload:  cmdAdminDownload,
	}
}

// readCommand decodes one command message. An unknown token is fatal for the
// session: without knowing the argument count, the frame stream cannot be
// resynchronized.
func (sess *session) readCommand(r io.Reader) (command, error) {
	token, err := wire.ReadString(r)
	if err != nil {
		return command{}, err
	}
	kind, ok := sess.srv.tokens[token]
	if !ok {
		return command{}, fmt.Errorf("%w: unknown command %q", wire.ErrMalformed, token)
	}

	cmd := command{kind: kind, token: token}
	switch kind {
	case cmdRegister, cmdLogin:
		if cmd.username, err = wire.ReadString(r); err != nil {
			return command{}, err
		}
		if cmd.password, err = wire.ReadString(r); err != nil {
			return command{}, err
		}
	case cmdLogout, cmdPing, cmdQuit, cmdListShared:
		// No arguments.
	case cmdUploadPrivate, cmdUploadShared:
		hdr, err := wire.ReadFileHeader(r)
		if err != nil {
			return command{}, err
		}
		cmd.name = hdr.Name
		cmd.size = hdr.Size
	case cmdDownloadPublic, cmdMakePublic, cmdMakeShared:
		if cmd.name, err = wire.ReadString(r); err != nil {
			return command{}, err
		}
	case cmdDownloadShared:
		if cmd.owner, err = wire.ReadString(r); err != nil {
			return command{}, err
		}
		if cmd.name, err = wire.ReadString(r); err != nil {
			return command{}, err
		}
	case cmdAdminList:
		if cmd.owner, err = wire.ReadString(r); err != nil {
			return command{}, err
		}
		if cmd.tier, err = wire.ReadString(r); err != nil {
			return command{}, err
		}
	case cmdAdminDownload:
		if cmd.owner, err = wire.ReadString(r); err != nil {
			return command{}, err
		}
		if cmd.tier, err = wire.ReadString(r); err != nil {
			return command{}, err
		}
		if cmd.name, err = wire.ReadString(r); err != nil {
			return command{}, err
		}
	}
	return cmd, nil
}
