// Package clientside implements the client half of spec.md §4.6: three
// worker goroutines (watch, pull, transfer) over one shared event channel,
// startup reconciliation against the server's catalog, and the
// disregard/regard echo suppression around locally-applied remote writes.
// Grounded on the teacher's internal/daemon/daemon.go lifecycle shape
// (context cancellation substituting for the done-flag-plus-condition-
// variable pattern spec.md §9 calls out for re-architecture) and on
// internal/serverside's dispatch conventions for the wire-level commands.
package clientside

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/libsync/libsync/internal/catalog"
	libnet "github.com/libsync/libsync/internal/net"
	"github.com/libsync/libsync/internal/netmsg"
	"github.com/libsync/libsync/internal/proto"
	"github.com/libsync/libsync/internal/watcher"
	"github.com/libsync/libsync/internal/xcrypto"
	"github.com/libsync/libsync/internal/xerrors"
)

func timeFromUnix(sec int64) time.Time { return time.Unix(sec, 0) }

// Event is one unit of work for the transfer worker: either a local
// filesystem change to push upstream, or a broadcast frame to apply
// locally.
type Event struct {
	Remote  bool
	Path    string
	Mtime   int64
	Size    int64
	Deleted bool
}

// Client is one logged-in connection to a libsync server, driving the
// sync loop for one local directory.
type Client struct {
	n    *libnet.Net
	mux  *netmsg.Mux
	addr string

	syncDir string
	w       *watcher.Watcher
	log     *slog.Logger

	cipherKey *[xcrypto.KeyLen]byte // nil disables the optional AEAD stream

	mu  sync.Mutex
	cat *catalog.Catalog

	events chan Event
}

// Dial connects to addr, performs the handshake (falling back from LOGIN to
// REGISTER exactly as the server does on its side, per spec.md §4.5 step 1
// — here the client simply requests LOGIN and lets the server's own
// fallback apply), and returns a ready-to-Run Client.
func Dial(ctx context.Context, addr, username, password, syncDir string, cipherKey *[xcrypto.KeyLen]byte, log *slog.Logger) (*Client, error) {
	n, err := libnet.Dial(ctx, []string{addr})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", xerrors.ErrTransport, addr, err)
	}

	if _, err := n.Read8(); err != nil {
		n.Close()
		return nil, fmt.Errorf("%w: read server version: %v", xerrors.ErrTransport, err)
	}
	if err := n.Write8(uint8(proto.HandshakeLogin)); err != nil {
		n.Close()
		return nil, err
	}
	if err := n.Write16(uint16(len(username))); err != nil {
		n.Close()
		return nil, err
	}
	if err := n.Write([]byte(username)); err != nil {
		n.Close()
		return nil, err
	}
	if err := n.Write16(uint16(len(password))); err != nil {
		n.Close()
		return nil, err
	}
	if err := n.Write([]byte(password)); err != nil {
		n.Close()
		return nil, err
	}

	result, err := n.Read8()
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("%w: read handshake result: %v", xerrors.ErrTransport, err)
	}
	if proto.HandshakeResult(result) != proto.HandshakeOK {
		n.Close()
		return nil, fmt.Errorf("%w: handshake rejected (%d)", xerrors.ErrAuth, result)
	}

	w, err := watcher.New()
	if err != nil {
		n.Close()
		return nil, err
	}
	if err := w.AddWatch(syncDir, true); err != nil {
		w.Close()
		n.Close()
		return nil, err
	}

	return &Client{
		n:         n,
		mux:       netmsg.New(n),
		addr:      addr,
		syncDir:   syncDir,
		w:         w,
		log:       log,
		cipherKey: cipherKey,
		cat:       catalog.New(),
		events:    make(chan Event, 256),
	}, nil
}

// Close tears down the connection and the watcher. Idempotent.
func (c *Client) Close() {
	c.mux.Close()
	c.w.Close()
}

// Run performs startup reconciliation and then drives the three workers
// until ctx is canceled or a fatal transport error occurs.
func (c *Client) Run(ctx context.Context) error {
	if err := c.reconcile(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.watchWorker(gctx) })
	g.Go(func() error { return c.pullWorker(gctx) })
	g.Go(func() error { return c.transferWorker(gctx) })

	<-gctx.Done()
	c.Close()
	workerErr := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return workerErr
}

// reconcile implements spec.md §4.6's startup sequence: META, build local,
// merge, enqueue. The merge order (local-first then remote-first) is
// implemented by internal/catalog.Merge.
func (c *Client) reconcile() error {
	reply, err := c.mux.SendAndWait(proto.EncodeCmd(proto.CmdMeta, nil))
	if err != nil {
		return fmt.Errorf("%w: meta: %v", xerrors.ErrTransport, err)
	}
	remote, err := catalog.Deserialize(reply)
	if err != nil {
		return err
	}

	local, err := catalog.Build(c.syncDir)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.cat = local
	c.mu.Unlock()

	for _, ev := range catalog.Merge(local, remote) {
		c.events <- Event{
			Remote:  ev.Remote,
			Path:    ev.Path,
			Mtime:   ev.Record.Modified,
			Size:    ev.Record.Size,
			Deleted: ev.Record.Deleted,
		}
	}
	return nil
}

// watchWorker drains the filesystem watcher and enqueues local events.
func (c *Client) watchWorker(ctx context.Context) error {
	for {
		ev, err := c.w.Wait(ctx)
		if err != nil {
			return err
		}
		if ev.Directory {
			continue
		}
		rel, relErr := filepath.Rel(c.syncDir, ev.Path)
		if relErr != nil {
			continue
		}
		rel = filepath.ToSlash(rel)

		e := Event{Remote: false, Path: rel, Mtime: ev.Mtime, Size: ev.Size, Deleted: ev.Status == watcher.Deleted}
		select {
		case c.events <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pullWorker drains the multiplexer for server-initiated broadcast frames,
// acknowledges them immediately, and enqueues remote events.
func (c *Client) pullWorker(ctx context.Context) error {
	for {
		h, err := c.mux.WaitNew()
		if err != nil {
			return err
		}
		frame, err := proto.DecodeBroadcastFrame(h.Payload())
		if err != nil {
			c.mux.Destroy(h)
			return err
		}
		if err := c.mux.ReplyOnly(h, []byte{0}); err != nil {
			return err
		}

		e := Event{Remote: true, Path: frame.Path, Mtime: frame.Mtime, Deleted: frame.Deleted}
		select {
		case c.events <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// transferWorker dequeues events and applies them, per spec.md §4.6. A
// failed event is logged and skipped, except a crypto failure, which ends
// the worker with that error and so tears down the connection.
func (c *Client) transferWorker(ctx context.Context) error {
	for {
		select {
		case ev := <-c.events:
			if err := c.apply(ev); err != nil {
				if errors.Is(err, xerrors.ErrCrypto) {
					return err
				}
				c.log.Warn("apply event failed", "path", ev.Path, "remote", ev.Remote, "err", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) apply(ev Event) error {
	if ev.Remote {
		return c.applyRemote(ev)
	}
	return c.applyLocal(ev)
}

func (c *Client) fullPath(relPath string) string {
	return filepath.Join(c.syncDir, filepath.FromSlash(relPath))
}

func (c *Client) applyRemote(ev Event) error {
	full := c.fullPath(ev.Path)

	if ev.Deleted {
		c.w.Disregard(full)
		defer c.w.Regard(full)
		os.Remove(full)
		pruneEmptyDirs(filepath.Dir(full), c.syncDir)
		c.mu.Lock()
		c.cat.Delete(ev.Path, ev.Mtime)
		c.mu.Unlock()
		return nil
	}

	c.w.Disregard(full)
	defer c.w.Regard(full)

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir for pull: %v", xerrors.ErrIO, err)
	}
	f, err := os.Create(full)
	if err != nil {
		return fmt.Errorf("%w: create pull target: %v", xerrors.ErrIO, err)
	}
	defer f.Close()

	pullBody := proto.EncodeCmd(proto.CmdPull, proto.EncodePullBody(proto.PullBody{Path: ev.Path}))
	h, reply, err := c.mux.SendAndWaitHandle(pullBody)
	if err != nil {
		return fmt.Errorf("%w: pull %s: %v", xerrors.ErrTransport, ev.Path, err)
	}
	defer c.mux.Destroy(h)

	status, err := proto.DecodePullReply(reply)
	if err != nil {
		return err
	}
	if status.Status != proto.PushAccept {
		return fmt.Errorf("%w: server reports %s gone", xerrors.ErrStaleWrite, ev.Path)
	}

	// The server streams the body straight into our sink as bytes arrive
	// (spec.md §4.3); when the payload is AEAD-wrapped, the ciphertext is
	// piped into a StreamReader, which reads the whole blob into memory,
	// verifies and decrypts it, and only then writes the plaintext to the
	// file.
	if c.cipherKey == nil {
		if err := c.mux.ReplyAndWaitSink(h, []byte{0}, f); err != nil {
			return fmt.Errorf("%w: pull body %s: %v", xerrors.ErrTransport, ev.Path, err)
		}
	} else {
		pr, pw := io.Pipe()
		decDone := make(chan error, 1)
		go func() {
			sr := xcrypto.NewStreamReader(*c.cipherKey, pr)
			_, copyErr := io.Copy(f, sr)
			decDone <- copyErr
		}()
		sinkErr := c.mux.ReplyAndWaitSink(h, []byte{0}, pw)
		pw.CloseWithError(sinkErr)
		copyErr := <-decDone
		if sinkErr != nil {
			return fmt.Errorf("%w: pull body %s: %v", xerrors.ErrTransport, ev.Path, sinkErr)
		}
		if copyErr != nil {
			return fmt.Errorf("%w: decrypt pulled body: %v", xerrors.ErrCrypto, copyErr)
		}
	}

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat pulled file: %v", xerrors.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close pulled file: %v", xerrors.ErrIO, err)
	}
	if err := os.Chtimes(full, timeFromUnix(status.Mtime), timeFromUnix(status.Mtime)); err != nil {
		return fmt.Errorf("%w: restore mtime: %v", xerrors.ErrIO, err)
	}

	c.mu.Lock()
	c.cat.Modify(ev.Path, info.Size(), status.Mtime)
	c.mu.Unlock()
	c.log.Info("pulled", "path", ev.Path, "size", humanize.Bytes(uint64(info.Size())))
	return nil
}

func (c *Client) applyLocal(ev Event) error {
	if ev.Deleted {
		reply, err := c.mux.SendAndWait(proto.EncodeCmd(proto.CmdDel, proto.EncodeDelBody(proto.DelBody{Mtime: ev.Mtime, Path: ev.Path})))
		if err != nil {
			return fmt.Errorf("%w: del %s: %v", xerrors.ErrTransport, ev.Path, err)
		}
		if len(reply) != 1 || reply[0] != 0 {
			return fmt.Errorf("%w: del %s rejected", xerrors.ErrProtocol, ev.Path)
		}
		c.mu.Lock()
		c.cat.Delete(ev.Path, ev.Mtime)
		c.mu.Unlock()
		return nil
	}

	full := c.fullPath(ev.Path)
	info, err := os.Stat(full)
	if err != nil {
		// File vanished between the event firing and us getting to it;
		// nothing to push.
		return nil
	}
	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("%w: open for push: %v", xerrors.ErrIO, err)
	}
	defer f.Close()

	mtime := info.ModTime().Unix()
	header := proto.EncodeCmd(proto.CmdPush, proto.EncodePushBody(proto.PushBody{Mtime: mtime, Path: ev.Path}))
	h, reply, err := c.mux.SendAndWaitHandle(header)
	if err != nil {
		return fmt.Errorf("%w: push header %s: %v", xerrors.ErrTransport, ev.Path, err)
	}
	defer c.mux.Destroy(h)

	if len(reply) != 1 {
		return fmt.Errorf("%w: malformed push reply", xerrors.ErrProtocol)
	}
	if proto.PushStatus(reply[0]) != proto.PushAccept {
		// Server already has a newer version; nothing to do.
		return nil
	}

	// The source is streamed straight from disk (spec.md §4.3); when the
	// payload is AEAD-wrapped, the file is copied into a StreamWriter, which
	// holds the whole plaintext in memory and then emits the ciphertext blob
	// into a buffer, since the multiplexer needs its length declared up
	// front.
	var ack []byte
	if c.cipherKey == nil {
		ack, err = c.mux.ReplyAndWaitSource(h, f, info.Size())
	} else {
		var blob bytes.Buffer
		sw := xcrypto.NewStreamWriter(*c.cipherKey, &blob)
		if _, copyErr := io.Copy(sw, f); copyErr != nil {
			return fmt.Errorf("%w: read for push: %v", xerrors.ErrIO, copyErr)
		}
		if closeErr := sw.Close(); closeErr != nil {
			return fmt.Errorf("%w: encrypt push body: %v", xerrors.ErrCrypto, closeErr)
		}
		ack, err = c.mux.ReplyAndWaitSource(h, &blob, int64(blob.Len()))
	}
	if err != nil {
		return fmt.Errorf("%w: push body %s: %v", xerrors.ErrTransport, ev.Path, err)
	}
	if len(ack) != 1 || ack[0] != 0 {
		return fmt.Errorf("%w: push %s not acked", xerrors.ErrProtocol, ev.Path)
	}

	c.mu.Lock()
	c.cat.Modify(ev.Path, info.Size(), mtime)
	c.mu.Unlock()
	c.log.Info("pushed", "path", ev.Path, "size", humanize.Bytes(uint64(info.Size())))
	return nil
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
