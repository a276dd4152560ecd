// Package netmsg implements the request/response multiplexer (NetMsg) that
// carries many interleaved, out-of-order conversations over one
// internal/net.Net connection. Grounded on the §9 design note's prescribed
// Go-native shape: a writer goroutine draining a work queue, a reader
// goroutine producing completion signals, and callers synchronizing via a
// per-id one-shot channel rather than a shared condition variable — which
// makes "every id resolves exactly once" (spec.md §8 property 5) mechanical
// instead of an invariant to prove by inspection.
package netmsg

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	libnet "github.com/libsync/libsync/internal/net"
	"github.com/libsync/libsync/internal/xerrors"
)

// body is the sum type from the §9 design note: a message's payload is
// either fully buffered, streamed from a source of known length, or
// streamed into a sink.
type body struct {
	buffered []byte
	source   io.Reader
	sourceN  int64
	sink     io.Writer
}

func bufferedBody(b []byte) body      { return body{buffered: b} }
func sourceBody(r io.Reader, n int64) body { return body{source: r, sourceN: n} }

// Handle is an opaque, borrowed reference to one in-flight message. It is
// invalidated by Destroy; using it afterward is a programmer error (the
// multiplexer owns the message table, callers never do).
type Handle struct {
	id        uint64
	fromPeer  bool // true if the peer originated this id
	m         *message
	destroyed atomic.Bool
}

// ID returns the message's wire id.
func (h *Handle) ID() uint64 { return h.id }

// Payload returns the body last received for this handle.
func (h *Handle) Payload() []byte {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.payload
}

type message struct {
	mu       sync.Mutex
	payload  []byte
	sink     io.Writer // when set, deliver writes the next inbound body here instead of buffering it
	done     chan struct{} // closed exactly once, when a reply/arrival is ready
	err      error
	resolved bool
}

func newMessage() *message {
	return &message{done: make(chan struct{})}
}

// resolve delivers payload (or err) to whoever is waiting on this message.
// It is safe to call more than once: only the first call per "turn" takes
// effect, and later calls are ignored until rearm starts a new turn.
func (m *message) resolve(payload []byte, err error) {
	m.mu.Lock()
	if m.resolved {
		m.mu.Unlock()
		return
	}
	m.payload = payload
	m.err = err
	m.resolved = true
	ch := m.done
	m.mu.Unlock()
	close(ch)
}

func (m *message) rearm() {
	m.mu.Lock()
	m.done = make(chan struct{})
	m.resolved = false
	m.sink = nil
	m.mu.Unlock()
}

func (m *message) wait() ([]byte, error) {
	m.mu.Lock()
	ch := m.done
	m.mu.Unlock()
	<-ch
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payload, m.err
}

type frame struct {
	fromPeer bool
	id       uint64
	b        body
	onSent   func(error)
}

// Mux is the multiplexer. Create one per internal/net.Net connection.
type Mux struct {
	n *libnet.Net

	mu     sync.Mutex
	local  map[uint64]*message // ids this endpoint originated
	remote map[uint64]*message // ids the peer originated
	nextID uint64

	newMu      sync.Mutex
	newArrival chan uint64 // FIFO of remote ids newly seen, for WaitNew

	writeCh chan frame

	closeOnce sync.Once
	closeErr  error
	stopped   chan struct{}
}

// chunkSize bounds how much of a streamed source/sink is held in memory at
// once; large file payloads are never fully buffered (spec.md §4.3).
const chunkSize = 64 * 1024

// New wraps n with a multiplexer and starts its reader and writer
// goroutines.
func New(n *libnet.Net) *Mux {
	mx := &Mux{
		n:          n,
		local:      make(map[uint64]*message),
		remote:     make(map[uint64]*message),
		newArrival: make(chan uint64, 64),
		writeCh:    make(chan frame, 64),
		stopped:    make(chan struct{}),
	}
	go mx.writeLoop()
	go mx.readLoop()
	return mx
}

func (mx *Mux) fail(err error) {
	mx.closeOnce.Do(func() {
		mx.closeErr = err
		mx.n.Close()
		close(mx.stopped)

		mx.mu.Lock()
		for _, m := range mx.local {
			m.resolve(nil, err)
		}
		for _, m := range mx.remote {
			m.resolve(nil, err)
		}
		mx.mu.Unlock()
	})
}

// Close shuts the multiplexer down; idempotent.
func (mx *Mux) Close() error {
	mx.fail(fmt.Errorf("%w: closed", xerrors.ErrTransport))
	return nil
}

// --- writer ---

func (mx *Mux) writeLoop() {
	for {
		select {
		case <-mx.stopped:
			return
		case f := <-mx.writeCh:
			err := mx.writeFrame(f)
			if f.onSent != nil {
				f.onSent(err)
			}
			if err != nil {
				mx.fail(err)
				return
			}
		}
	}
}

func (mx *Mux) writeFrame(f frame) error {
	initiatorFlag := uint8(0)
	if f.fromPeer {
		initiatorFlag = 1
	}
	if err := mx.n.Write8(initiatorFlag); err != nil {
		return err
	}
	if err := mx.n.Write64(f.id); err != nil {
		return err
	}

	switch {
	case f.b.source != nil:
		if err := mx.n.Write64(uint64(f.b.sourceN)); err != nil {
			return err
		}
		return mx.streamFromSource(f.b.source, f.b.sourceN)
	default:
		if err := mx.n.Write64(uint64(len(f.b.buffered))); err != nil {
			return err
		}
		if len(f.b.buffered) == 0 {
			return nil
		}
		return mx.n.Write(f.b.buffered)
	}
}

func (mx *Mux) streamFromSource(r io.Reader, n int64) error {
	buf := make([]byte, chunkSize)
	var sent int64
	for sent < n {
		want := n - sent
		if want > chunkSize {
			want = chunkSize
		}
		read, err := io.ReadFull(r, buf[:want])
		if err != nil {
			return fmt.Errorf("%w: read source: %v", xerrors.ErrIO, err)
		}
		if err := mx.n.Write(buf[:read]); err != nil {
			return err
		}
		sent += int64(read)
	}
	return nil
}

// --- reader ---

func (mx *Mux) readLoop() {
	for {
		initiatorFlag, err := mx.n.Read8()
		if err != nil {
			mx.fail(err)
			return
		}
		id, err := mx.n.Read64()
		if err != nil {
			mx.fail(err)
			return
		}
		bodyLen, err := mx.n.Read64()
		if err != nil {
			mx.fail(err)
			return
		}

		// initiatorFlag is the sender's own frame.fromPeer bit: false means
		// the sender originated this id fresh, true means the sender is
		// replying on an id it does not own. The meaning inverts across the
		// wire: a fresh id from the sender is a new, peer-originated id to
		// us (our "remote" table), while the sender's reply resolves an id
		// we ourselves originated (our "local" table).
		isReply := initiatorFlag == 1
		if isReply {
			if err := mx.dispatchLocal(id, bodyLen); err != nil {
				mx.fail(err)
				return
			}
		} else {
			if err := mx.dispatchRemote(id, bodyLen); err != nil {
				mx.fail(err)
				return
			}
		}
	}
}

func (mx *Mux) dispatchLocal(id uint64, bodyLen uint64) error {
	mx.mu.Lock()
	m, ok := mx.local[id]
	mx.mu.Unlock()
	if !ok {
		// Unknown id replying: drain and drop (protocol allows the peer to
		// ack ids we've already destroyed, e.g. send_only frames).
		return mx.drainUnknown(bodyLen)
	}
	return mx.deliver(m, bodyLen)
}

func (mx *Mux) dispatchRemote(id uint64, bodyLen uint64) error {
	mx.mu.Lock()
	m, ok := mx.remote[id]
	isNew := !ok
	if isNew {
		m = newMessage()
		mx.remote[id] = m
	}
	mx.mu.Unlock()

	// Only announce the id via newArrival once its first frame's body has
	// been fully read, so a WaitNew caller's immediate Payload() call never
	// races the reader goroutine still pulling bytes off the wire.
	if err := mx.deliver(m, bodyLen); err != nil {
		return err
	}
	if isNew {
		mx.newMu.Lock()
		mx.newArrival <- id
		mx.newMu.Unlock()
	}
	return nil
}

func (mx *Mux) deliver(m *message, bodyLen uint64) error {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()

	if sink != nil {
		if err := mx.streamToSink(sink, int64(bodyLen)); err != nil {
			m.resolve(nil, err)
			return err
		}
		m.resolve(nil, nil)
		return nil
	}

	buf := make([]byte, bodyLen)
	if bodyLen > 0 {
		if err := mx.n.ReadAll(buf); err != nil {
			return err
		}
	}
	m.resolve(buf, nil)
	return nil
}

func (mx *Mux) drainUnknown(bodyLen uint64) error {
	remaining := int64(bodyLen)
	buf := make([]byte, chunkSize)
	for remaining > 0 {
		want := remaining
		if want > chunkSize {
			want = chunkSize
		}
		if err := mx.n.ReadAll(buf[:want]); err != nil {
			return err
		}
		remaining -= want
	}
	return nil
}

func (mx *Mux) streamToSink(w io.Writer, n int64) error {
	buf := make([]byte, chunkSize)
	var got int64
	for got < n {
		want := n - got
		if want > chunkSize {
			want = chunkSize
		}
		if err := mx.n.ReadAll(buf[:want]); err != nil {
			return err
		}
		if _, err := w.Write(buf[:want]); err != nil {
			return fmt.Errorf("%w: write sink: %v", xerrors.ErrIO, err)
		}
		got += want
	}
	return nil
}

// message needs a sink field accessible from deliver; extend the struct
// via a setter so callers outside this file never touch it directly.
func (m *message) attachSink(w io.Writer) {
	m.mu.Lock()
	m.sink = w
	m.mu.Unlock()
}

// --- public operations ---

func (mx *Mux) enqueue(f frame) error {
	sentErr := make(chan error, 1)
	f.onSent = func(err error) { sentErr <- err }
	select {
	case mx.writeCh <- f:
	case <-mx.stopped:
		return mx.closeErr
	}
	select {
	case err := <-sentErr:
		return err
	case <-mx.stopped:
		return mx.closeErr
	}
}

// SendOnly originates a message and returns as soon as the frame is queued;
// no reply is awaited and the id is discarded immediately after send.
func (mx *Mux) SendOnly(payload []byte) error {
	id := atomic.AddUint64(&mx.nextID, 1)
	select {
	case mx.writeCh <- frame{fromPeer: false, id: id, b: bufferedBody(payload)}:
		return nil
	case <-mx.stopped:
		return mx.closeErr
	}
}

// Send transmits payload under handle's id without waiting for a reply or
// destroying the handle. Used to send a second frame on an id already
// owned by this side's turn (e.g. a header frame immediately followed by a
// streamed body frame, both server-to-client on one PULL conversation).
func (mx *Mux) Send(h *Handle, payload []byte) error {
	return mx.enqueue(frame{fromPeer: h.fromPeer, id: h.id, b: bufferedBody(payload)})
}

// SendAndWait originates a message and blocks until the peer's reply frame
// with the same id arrives, returning its payload.
func (mx *Mux) SendAndWait(payload []byte) ([]byte, error) {
	id := atomic.AddUint64(&mx.nextID, 1)
	m := newMessage()

	mx.mu.Lock()
	mx.local[id] = m
	mx.mu.Unlock()
	defer mx.destroyLocal(id)

	if err := mx.enqueue(frame{fromPeer: false, id: id, b: bufferedBody(payload)}); err != nil {
		return nil, err
	}
	return m.wait()
}

// SendAndWaitHandle is SendAndWait but returns a Handle so the caller can
// continue the conversation (e.g. send the file-body frame of a PUSH after
// the accept/stale status arrives) instead of the id being destroyed
// immediately. The caller must eventually call Destroy.
func (mx *Mux) SendAndWaitHandle(payload []byte) (*Handle, []byte, error) {
	id := atomic.AddUint64(&mx.nextID, 1)
	m := newMessage()

	mx.mu.Lock()
	mx.local[id] = m
	mx.mu.Unlock()

	if err := mx.enqueue(frame{fromPeer: false, id: id, b: bufferedBody(payload)}); err != nil {
		mx.destroyLocal(id)
		return nil, nil, err
	}
	reply, err := m.wait()
	if err != nil {
		mx.destroyLocal(id)
		return nil, nil, err
	}
	return &Handle{id: id, fromPeer: false, m: m}, reply, nil
}

// WaitNew blocks until a peer-initiated frame with a new id arrives,
// first-in-first-out across distinct new ids, and returns a handle to it.
func (mx *Mux) WaitNew() (*Handle, error) {
	select {
	case id := <-mx.newArrival:
		mx.mu.Lock()
		m := mx.remote[id]
		mx.mu.Unlock()
		return &Handle{id: id, fromPeer: true, m: m}, nil
	case <-mx.stopped:
		return nil, mx.closeErr
	}
}

// ReplyAndWait sends payload back under handle's id and then blocks for the
// peer's next frame on that id. Works for handles from WaitNew (replying to
// a peer-originated conversation) and for handles from SendAndWaitHandle
// (continuing a conversation this side originated).
func (mx *Mux) ReplyAndWait(h *Handle, payload []byte) ([]byte, error) {
	h.m.rearm()
	if err := mx.enqueue(frame{fromPeer: h.fromPeer, id: h.id, b: bufferedBody(payload)}); err != nil {
		return nil, err
	}
	return h.m.wait()
}

// ReplyAndWaitSource streams n bytes from src back under handle's id, then
// waits for the peer's next frame.
func (mx *Mux) ReplyAndWaitSource(h *Handle, src io.Reader, n int64) ([]byte, error) {
	h.m.rearm()
	if err := mx.enqueue(frame{fromPeer: h.fromPeer, id: h.id, b: sourceBody(src, n)}); err != nil {
		return nil, err
	}
	return h.m.wait()
}

// ReplyAndWaitSink sends payload back under handle's id, then waits for the
// peer's next frame, streaming it directly into sink rather than buffering.
func (mx *Mux) ReplyAndWaitSink(h *Handle, payload []byte, sink io.Writer) error {
	h.m.rearm()
	h.m.attachSink(sink)
	if err := mx.enqueue(frame{fromPeer: h.fromPeer, id: h.id, b: bufferedBody(payload)}); err != nil {
		return err
	}
	_, err := h.m.wait()
	return err
}

// ReplyOnly sends payload back under handle's id and marks it for
// destruction; no further reply is awaited.
func (mx *Mux) ReplyOnly(h *Handle, payload []byte) error {
	defer mx.Destroy(h)
	return mx.enqueue(frame{fromPeer: h.fromPeer, id: h.id, b: bufferedBody(payload)})
}

// Destroy removes handle's id from its owning table. Using the handle
// afterward is invalid.
func (mx *Mux) Destroy(h *Handle) {
	if !h.destroyed.CompareAndSwap(false, true) {
		return
	}
	mx.mu.Lock()
	if h.fromPeer {
		delete(mx.remote, h.id)
	} else {
		delete(mx.local, h.id)
	}
	mx.mu.Unlock()
}

func (mx *Mux) destroyLocal(id uint64) {
	mx.mu.Lock()
	delete(mx.local, id)
	mx.mu.Unlock()
}

// AttachSink arranges for the next frame delivered on handle's id to be
// streamed into sink rather than buffered. Used by callers awaiting a
// streamed reply they have not yet sent the triggering request for.
func (mx *Mux) AttachSink(h *Handle, sink io.Writer) {
	h.m.attachSink(sink)
}

// Wait blocks for handle's next frame without sending anything first (used
// after AttachSink when the request side already sent its own frame via
// SendOnly).
func (mx *Mux) Wait(h *Handle) ([]byte, error) {
	return h.m.wait()
}

// Rearm resets handle so a subsequent Wait can observe a new arrival on the
// same id (used between request/response phases of one conversation).
func (mx *Mux) Rearm(h *Handle) {
	h.m.rearm()
}
