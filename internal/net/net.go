// Package net wraps one TCP connection with the big-endian primitives and
// blocking read-to-completion semantics spec.md §4.1 specifies, plus the
// accept/connect helpers for the server and client sides. Grounded on the
// teacher's listener lifecycle shape (internal/transport/server.go's
// ListenAndServe: bind, serve, idempotent shutdown) generalized from HTTP
// to a raw framed TCP stream, and on golang.org/x/sys for the SO_REUSEADDR
// socket option the teacher's go.mod already carries.
package net

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/libsync/libsync/internal/xerrors"
)

// Net wraps one net.Conn with big-endian fixed-width primitives.
type Net struct {
	conn net.Conn

	closeOnce sync.Once
	closed    bool
	closeMu   sync.RWMutex
}

// Wrap adapts an already-established connection.
func Wrap(conn net.Conn) *Net {
	return &Net{conn: conn}
}

func (n *Net) isClosed() bool {
	n.closeMu.RLock()
	defer n.closeMu.RUnlock()
	return n.closed
}

// Close is idempotent; writes and reads after Close fail with
// xerrors.ErrTransport.
func (n *Net) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.closeMu.Lock()
		n.closed = true
		n.closeMu.Unlock()
		err = n.conn.Close()
	})
	return err
}

// Write writes every byte of p or fails.
func (n *Net) Write(p []byte) error {
	if n.isClosed() {
		return fmt.Errorf("%w: write after close", xerrors.ErrTransport)
	}
	_, err := n.conn.Write(p)
	if err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrTransport, err)
	}
	return nil
}

// ReadAll blocks until exactly len(p) bytes have been read into p, or
// fails.
func (n *Net) ReadAll(p []byte) error {
	if n.isClosed() {
		return fmt.Errorf("%w: read after close", xerrors.ErrTransport)
	}
	_, err := io.ReadFull(n.conn, p)
	if err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrTransport, err)
	}
	return nil
}

// Write8 writes one byte.
func (n *Net) Write8(v uint8) error { return n.Write([]byte{v}) }

// Write16 writes a big-endian uint16.
func (n *Net) Write16(v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return n.Write(b[:])
}

// Write32 writes a big-endian uint32.
func (n *Net) Write32(v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return n.Write(b[:])
}

// Write64 writes a big-endian uint64.
func (n *Net) Write64(v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return n.Write(b[:])
}

// Read8 reads one byte.
func (n *Net) Read8() (uint8, error) {
	var b [1]byte
	if err := n.ReadAll(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Read16 reads a big-endian uint16.
func (n *Net) Read16() (uint16, error) {
	var b [2]byte
	if err := n.ReadAll(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// Read32 reads a big-endian uint32.
func (n *Net) Read32() (uint32, error) {
	var b [4]byte
	if err := n.ReadAll(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// Read64 reads a big-endian uint64.
func (n *Net) Read64() (uint64, error) {
	var b [8]byte
	if err := n.ReadAll(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// Conn exposes the underlying connection for callers that need raw
// io.Reader/io.Writer access (the multiplexer's sink/source streaming).
func (n *Net) Conn() net.Conn { return n.conn }

// reuseAddrControl sets SO_REUSEADDR before bind so a restarted server can
// rebind its listening address immediately. SO_REUSEPORT is not set.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Listen binds addr (host:port, or :port for all interfaces) for TCP,
// with address reuse enabled.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", xerrors.ErrTransport, addr, err)
	}
	return ln, nil
}

// Accept blocks for the next inbound connection on ln, returning it wrapped
// as a *Net.
func Accept(ln net.Listener) (*Net, error) {
	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("%w: accept: %v", xerrors.ErrTransport, err)
	}
	return Wrap(conn), nil
}

// Dial tries each candidate address in order, returning the first
// successful connection.
func Dial(ctx context.Context, candidates []string) (*Net, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidate addresses", xerrors.ErrTransport)
	}
	var lastErr error
	var d net.Dialer
	for _, addr := range candidates {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return Wrap(conn), nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: dial %v: %v", xerrors.ErrTransport, candidates, lastErr)
}
