// Package proto encodes and decodes the application-level messages carried
// as netmsg bodies: the META/PUSH/PULL/DEL/QUIT command opcodes, the
// credentialed handshake exchange, and the broadcast notification frame.
// Grounded on spec.md §4.3/§6 and the teacher's wire-codec style in
// internal/transport/codec.go, adapted from length-prefixed JSON frames to
// the fixed binary layouts this protocol requires.
package proto

import (
	"fmt"

	"github.com/libsync/libsync/internal/wire"
	"github.com/libsync/libsync/internal/xerrors"
)

// Cmd is the top-level opcode carried in every post-handshake message sent
// over a session's netmsg conversation.
type Cmd uint8

const (
	CmdQuit Cmd = 0x00
	CmdMeta Cmd = 0x01
	CmdPush Cmd = 0x02
	CmdPull Cmd = 0x03
	CmdDel  Cmd = 0x04
)

// EncodeCmd prefixes body with its opcode.
func EncodeCmd(cmd Cmd, body []byte) []byte {
	b := wire.NewBuilder(1 + len(body))
	b.U8(uint8(cmd))
	b.Raw(body)
	return b.Bytes()
}

// DecodeCmd splits a received frame into its opcode and remaining body.
func DecodeCmd(buf []byte) (Cmd, []byte, error) {
	r := wire.NewReader(buf)
	v, err := r.U8()
	if err != nil {
		return 0, nil, fmt.Errorf("%w: decode cmd: %v", xerrors.ErrProtocol, err)
	}
	return Cmd(v), buf[1:], nil
}

// PushStatus is the server's reply to the PUSH metadata frame, before the
// file body arrives on a second frame of the same id.
type PushStatus uint8

const (
	PushAccept PushStatus = 0
	PushStale  PushStatus = 1
)

// PushBody is the PUSH command's first frame: path and the client's
// filesystem mtime for it. The file's size is conveyed implicitly by the
// streamed second frame's body_len, per spec.md §6.
type PushBody struct {
	Mtime int64
	Path  string
}

func EncodePushBody(b PushBody) []byte {
	w := wire.NewBuilder(8 + 4 + len(b.Path))
	w.U64(uint64(b.Mtime))
	writeU32String(w, b.Path)
	return w.Bytes()
}

func DecodePushBody(buf []byte) (PushBody, error) {
	r := wire.NewReader(buf)
	mtime, err := r.U64()
	if err != nil {
		return PushBody{}, fmt.Errorf("%w: decode push mtime: %v", xerrors.ErrProtocol, err)
	}
	path, err := readU32String(r)
	if err != nil {
		return PushBody{}, err
	}
	return PushBody{Mtime: int64(mtime), Path: path}, nil
}

// PullBody is the PULL command body: just the requested path.
type PullBody struct {
	Path string
}

func EncodePullBody(b PullBody) []byte {
	w := wire.NewBuilder(4 + len(b.Path))
	writeU32String(w, b.Path)
	return w.Bytes()
}

func DecodePullBody(buf []byte) (PullBody, error) {
	r := wire.NewReader(buf)
	path, err := readU32String(r)
	if err != nil {
		return PullBody{}, err
	}
	return PullBody{Path: path}, nil
}

// PullReply is the server's first reply frame to a PULL: status and, on
// acceptance, the recorded mtime. The file bytes follow as a second frame
// whose length is the catalog's recorded size for the path.
type PullReply struct {
	Status PushStatus // PushAccept/PushStale reused: 0 ok, 1 not found/stale
	Mtime  int64
}

func EncodePullReply(r PullReply) []byte {
	w := wire.NewBuilder(9)
	w.U8(uint8(r.Status))
	w.U64(uint64(r.Mtime))
	return w.Bytes()
}

func DecodePullReply(buf []byte) (PullReply, error) {
	r := wire.NewReader(buf)
	status, err := r.U8()
	if err != nil {
		return PullReply{}, fmt.Errorf("%w: decode pull status: %v", xerrors.ErrProtocol, err)
	}
	mtime, err := r.U64()
	if err != nil {
		return PullReply{}, fmt.Errorf("%w: decode pull mtime: %v", xerrors.ErrProtocol, err)
	}
	return PullReply{Status: PushStatus(status), Mtime: int64(mtime)}, nil
}

// DelBody is the DEL command body: deletion time and path.
type DelBody struct {
	Mtime int64
	Path  string
}

func EncodeDelBody(b DelBody) []byte {
	w := wire.NewBuilder(8 + 4 + len(b.Path))
	w.U64(uint64(b.Mtime))
	writeU32String(w, b.Path)
	return w.Bytes()
}

func DecodeDelBody(buf []byte) (DelBody, error) {
	r := wire.NewReader(buf)
	mtime, err := r.U64()
	if err != nil {
		return DelBody{}, fmt.Errorf("%w: decode del mtime: %v", xerrors.ErrProtocol, err)
	}
	path, err := readU32String(r)
	if err != nil {
		return DelBody{}, err
	}
	return DelBody{Mtime: int64(mtime), Path: path}, nil
}

// HandshakeCmd selects login vs. registration in the client's opening
// handshake frame.
type HandshakeCmd uint8

const (
	HandshakeLogin    HandshakeCmd = 0
	HandshakeRegister HandshakeCmd = 1
)

// HandshakeResult is the server's reply to a handshake frame.
type HandshakeResult uint8

const (
	HandshakeOK        HandshakeResult = 0
	HandshakeInvalid   HandshakeResult = 1 // bad login, or username taken on register
	HandshakeRegClosed HandshakeResult = 2
)

// ServerVersionByte is the fixed value the server sends first; version 0 is
// the only wire version this implementation speaks.
const ServerVersionByte uint8 = 0

// HandshakeRequest is the client's credential frame.
type HandshakeRequest struct {
	Cmd      HandshakeCmd
	Username string
	Password string
}

func EncodeHandshakeRequest(r HandshakeRequest) []byte {
	w := wire.NewBuilder(1 + 2 + len(r.Username) + 2 + len(r.Password))
	w.U8(uint8(r.Cmd))
	w.U16(uint16(len(r.Username)))
	w.Raw([]byte(r.Username))
	w.U16(uint16(len(r.Password)))
	w.Raw([]byte(r.Password))
	return w.Bytes()
}

func DecodeHandshakeRequest(buf []byte) (HandshakeRequest, error) {
	r := wire.NewReader(buf)
	cmd, err := r.U8()
	if err != nil {
		return HandshakeRequest{}, fmt.Errorf("%w: decode handshake cmd: %v", xerrors.ErrProtocol, err)
	}
	ulen, err := r.U16()
	if err != nil {
		return HandshakeRequest{}, fmt.Errorf("%w: decode username len: %v", xerrors.ErrProtocol, err)
	}
	uname, err := r.Bytes(int(ulen))
	if err != nil {
		return HandshakeRequest{}, fmt.Errorf("%w: decode username: %v", xerrors.ErrProtocol, err)
	}
	plen, err := r.U16()
	if err != nil {
		return HandshakeRequest{}, fmt.Errorf("%w: decode password len: %v", xerrors.ErrProtocol, err)
	}
	pass, err := r.Bytes(int(plen))
	if err != nil {
		return HandshakeRequest{}, fmt.Errorf("%w: decode password: %v", xerrors.ErrProtocol, err)
	}
	return HandshakeRequest{Cmd: HandshakeCmd(cmd), Username: string(uname), Password: string(pass)}, nil
}

func EncodeHandshakeResult(res HandshakeResult) []byte {
	return []byte{byte(res)}
}

func DecodeHandshakeResult(buf []byte) (HandshakeResult, error) {
	r := wire.NewReader(buf)
	v, err := r.U8()
	if err != nil {
		return 0, fmt.Errorf("%w: decode handshake result: %v", xerrors.ErrProtocol, err)
	}
	return HandshakeResult(v), nil
}

// BroadcastFrame is the unsolicited notification the server pushes to every
// other session sharing a workspace after a successful PUSH or DEL.
type BroadcastFrame struct {
	Path    string
	Mtime   int64
	Deleted bool
}

func EncodeBroadcastFrame(f BroadcastFrame) []byte {
	w := wire.NewBuilder(4 + len(f.Path) + 8 + 1)
	writeU32String(w, f.Path)
	w.U64(uint64(f.Mtime))
	deleted := uint8(0)
	if f.Deleted {
		deleted = 1
	}
	w.U8(deleted)
	return w.Bytes()
}

func DecodeBroadcastFrame(buf []byte) (BroadcastFrame, error) {
	r := wire.NewReader(buf)
	path, err := readU32String(r)
	if err != nil {
		return BroadcastFrame{}, err
	}
	mtime, err := r.U64()
	if err != nil {
		return BroadcastFrame{}, fmt.Errorf("%w: decode broadcast mtime: %v", xerrors.ErrProtocol, err)
	}
	deleted, err := r.U8()
	if err != nil {
		return BroadcastFrame{}, fmt.Errorf("%w: decode broadcast deleted flag: %v", xerrors.ErrProtocol, err)
	}
	return BroadcastFrame{Path: string(path), Mtime: int64(mtime), Deleted: deleted != 0}, nil
}

// readU32String reads a u32 length prefix followed by that many raw bytes,
// the path encoding spec.md §6 specifies for PUSH/PULL/DEL/broadcast.
func readU32String(r *wire.Reader) (string, error) {
	n, err := r.U32()
	if err != nil {
		return "", fmt.Errorf("%w: decode path len: %v", xerrors.ErrProtocol, err)
	}
	s, err := r.String(int(n))
	if err != nil {
		return "", fmt.Errorf("%w: decode path: %v", xerrors.ErrProtocol, err)
	}
	return s, nil
}

func writeU32String(w *wire.Builder, s string) {
	w.U32(uint32(len(s)))
	w.String(s)
}
