package serverside

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/libsync/libsync/internal/catalog"
	libnet "github.com/libsync/libsync/internal/net"
	"github.com/libsync/libsync/internal/netmsg"
	"github.com/libsync/libsync/internal/proto"
	"github.com/libsync/libsync/internal/xerrors"

	"github.com/libsync/libsync/internal/audit"
)

// Session is one accepted connection, carried through the handshake,
// workspace attach, dispatch loop, and detach (spec.md §4.5).
type Session struct {
	hub        *Hub
	net        *libnet.Net
	mux        *netmsg.Mux
	remoteAddr string
	id         string // short instance id for logs/audit rows only, never on the wire

	userID   uint64
	username string
	ws       *workspace
}

// newSession wraps an accepted connection, ready for Serve.
func newSession(hub *Hub, n *libnet.Net) *Session {
	addr := ""
	if n.Conn() != nil && n.Conn().RemoteAddr() != nil {
		addr = n.Conn().RemoteAddr().String()
	}
	return &Session{hub: hub, net: n, remoteAddr: addr, id: uuid.New().String()[:8]}
}

// Serve runs the session to completion: handshake, attach, dispatch loop,
// detach. It always returns (never panics) and closes the connection
// before returning.
func (s *Session) Serve() error {
	defer s.net.Close()

	s.hub.recordAudit(audit.Event{RemoteAddr: s.remoteAddr, Kind: "connect", Detail: s.id})

	ok, err := s.handshake()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	s.mux = netmsg.New(s.net)
	defer s.mux.Close()

	s.ws, err = s.hub.attach(s.userID, s)
	if err != nil {
		return fmt.Errorf("attach workspace: %w", err)
	}
	defer s.hub.detach(s.userID, s.ws, s)

	return s.dispatchLoop()
}

// handshake implements spec.md §4.5 step 1. Returns ok=false (with no
// error) when the handshake completes but authentication did not succeed
// and the connection should simply close.
func (s *Session) handshake() (bool, error) {
	if err := s.net.Write8(proto.ServerVersionByte); err != nil {
		return false, err
	}

	cmdByte, err := s.net.Read8()
	if err != nil {
		return false, err
	}
	ulen, err := s.net.Read16()
	if err != nil {
		return false, err
	}
	uname := make([]byte, ulen)
	if err := s.net.ReadAll(uname); err != nil {
		return false, err
	}
	plen, err := s.net.Read16()
	if err != nil {
		return false, err
	}
	pass := make([]byte, plen)
	if err := s.net.ReadAll(pass); err != nil {
		return false, err
	}

	username := string(uname)
	password := string(pass)
	cmd := proto.HandshakeCmd(cmdByte)

	var userID uint64
	var result proto.HandshakeResult
	var kind string

	switch cmd {
	case proto.HandshakeLogin:
		userID, err = s.hub.users.Login(username, password)
		if err != nil {
			// Fall back to register, per spec.md §4.5 step 1.
			userID, err = s.hub.users.Register(username, password)
			if err != nil {
				result, kind = proto.HandshakeInvalid, "login_fail"
			} else {
				result, kind = proto.HandshakeOK, "register_ok"
			}
		} else {
			result, kind = proto.HandshakeOK, "login_ok"
		}
	case proto.HandshakeRegister:
		userID, err = s.hub.users.Register(username, password)
		if err != nil {
			result, kind = proto.HandshakeInvalid, "register_fail"
		} else {
			result, kind = proto.HandshakeOK, "register_ok"
		}
	default:
		result, kind = proto.HandshakeInvalid, "login_fail"
	}

	s.hub.recordAudit(audit.Event{RemoteAddr: s.remoteAddr, Username: username, Kind: kind, Detail: s.id})

	if err := s.net.Write8(uint8(result)); err != nil {
		return false, err
	}
	if result != proto.HandshakeOK {
		return false, nil
	}

	s.userID = userID
	s.username = username
	return true, nil
}

func (s *Session) dispatchLoop() error {
	for {
		h, err := s.mux.WaitNew()
		if err != nil {
			return err
		}

		cmd, body, err := proto.DecodeCmd(h.Payload())
		if err != nil {
			s.mux.Destroy(h)
			return err
		}

		switch cmd {
		case proto.CmdQuit:
			s.mux.Destroy(h)
			return nil
		case proto.CmdMeta:
			err = s.dispatchMeta(h)
		case proto.CmdPush:
			err = s.dispatchPush(h, body)
		case proto.CmdPull:
			err = s.dispatchPull(h, body)
		case proto.CmdDel:
			err = s.dispatchDel(h, body)
		default:
			s.mux.Destroy(h)
			return fmt.Errorf("%w: unknown opcode %d", xerrors.ErrProtocol, cmd)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) dispatchMeta(h *netmsg.Handle) error {
	s.ws.mu.Lock()
	buf := s.ws.catalog.Serialize()
	s.ws.mu.Unlock()
	return s.mux.ReplyOnly(h, buf)
}

func (s *Session) dispatchPush(h *netmsg.Handle, body []byte) error {
	req, err := proto.DecodePushBody(body)
	if err != nil {
		s.mux.Destroy(h)
		return err
	}

	s.ws.mu.Lock()
	current := s.ws.catalog.Get(req.Path)
	s.ws.mu.Unlock()

	if req.Mtime < current.Modified {
		return s.mux.ReplyOnly(h, []byte{byte(proto.PushStale)})
	}

	fullPath := filepath.Join(s.hub.fileDir(s.userID), filepath.FromSlash(req.Path))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		s.mux.Destroy(h)
		return fmt.Errorf("%w: mkdir for push: %v", xerrors.ErrIO, err)
	}

	f, err := os.Create(fullPath)
	if err != nil {
		s.mux.Destroy(h)
		return fmt.Errorf("%w: create push target: %v", xerrors.ErrIO, err)
	}
	defer f.Close()

	// Send the accept status, then block for the file-body frame on this
	// same id, streaming it straight into the target file.
	if err := s.mux.ReplyAndWaitSink(h, []byte{byte(proto.PushAccept)}, f); err != nil {
		s.mux.Destroy(h)
		return err
	}

	info, err := f.Stat()
	if err != nil {
		s.mux.Destroy(h)
		return fmt.Errorf("%w: stat pushed file: %v", xerrors.ErrIO, err)
	}

	s.ws.mu.Lock()
	s.ws.catalog.Modify(req.Path, info.Size(), req.Mtime)
	persistErr := s.hub.persist(s.userID, s.ws)
	s.ws.mu.Unlock()
	if persistErr != nil {
		s.hub.log.Warn("catalog persist failed", "user", s.username, "err", persistErr)
	}

	if err := s.mux.ReplyOnly(h, []byte{0}); err != nil {
		return err
	}

	s.hub.broadcast(s.ws, s, broadcastPayload(req.Path, req.Mtime, false))
	s.hub.recordAudit(audit.Event{RemoteAddr: s.remoteAddr, Username: s.username, Kind: "push", Detail: req.Path})
	return nil
}

func (s *Session) dispatchPull(h *netmsg.Handle, body []byte) error {
	req, err := proto.DecodePullBody(body)
	if err != nil {
		s.mux.Destroy(h)
		return err
	}

	s.ws.mu.Lock()
	rec := s.ws.catalog.Get(req.Path)
	s.ws.mu.Unlock()

	if rec == (catalog.FileRecord{}) || rec.Deleted {
		reply := proto.EncodePullReply(proto.PullReply{Status: proto.PushStale})
		return s.mux.ReplyOnly(h, reply)
	}

	fullPath := filepath.Join(s.hub.fileDir(s.userID), filepath.FromSlash(req.Path))
	f, err := os.Open(fullPath)
	if err != nil {
		reply := proto.EncodePullReply(proto.PullReply{Status: proto.PushStale})
		return s.mux.ReplyOnly(h, reply)
	}
	defer f.Close()

	// Header frame first (status + mtime), then the file-body frame, then
	// wait for the client's final ack on this id.
	header := proto.EncodePullReply(proto.PullReply{Status: proto.PushAccept, Mtime: rec.Modified})
	if err := s.mux.Send(h, header); err != nil {
		s.mux.Destroy(h)
		return err
	}
	if _, err := s.mux.ReplyAndWaitSource(h, f, rec.Size); err != nil {
		s.mux.Destroy(h)
		return err
	}
	s.mux.Destroy(h)
	s.hub.recordAudit(audit.Event{RemoteAddr: s.remoteAddr, Username: s.username, Kind: "pull", Detail: req.Path})
	return nil
}

func (s *Session) dispatchDel(h *netmsg.Handle, body []byte) error {
	req, err := proto.DecodeDelBody(body)
	if err != nil {
		s.mux.Destroy(h)
		return err
	}

	s.ws.mu.Lock()
	s.ws.catalog.Delete(req.Path, req.Mtime)
	persistErr := s.hub.persist(s.userID, s.ws)
	s.ws.mu.Unlock()
	if persistErr != nil {
		s.hub.log.Warn("catalog persist failed", "user", s.username, "err", persistErr)
	}

	fullPath := filepath.Join(s.hub.fileDir(s.userID), filepath.FromSlash(req.Path))
	os.Remove(fullPath)
	pruneEmptyDirs(filepath.Dir(fullPath), s.hub.fileDir(s.userID))

	if err := s.mux.ReplyOnly(h, []byte{0}); err != nil {
		return err
	}

	s.hub.broadcast(s.ws, s, broadcastPayload(req.Path, req.Mtime, true))
	s.hub.recordAudit(audit.Event{RemoteAddr: s.remoteAddr, Username: s.username, Kind: "del", Detail: req.Path})
	return nil
}

func broadcastPayload(path string, mtime int64, deleted bool) []byte {
	return proto.EncodeBroadcastFrame(proto.BroadcastFrame{Path: path, Mtime: mtime, Deleted: deleted})
}

func pruneEmptyDirs(dir, root string) {
	root = filepath.Clean(root)
	for {
		dir = filepath.Clean(dir)
		if dir == root || !strings.HasPrefix(dir, root) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
