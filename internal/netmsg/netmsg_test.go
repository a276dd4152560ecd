package netmsg

import (
	"bytes"
	"context"
	"testing"
	"time"

	libnet "github.com/libsync/libsync/internal/net"
)

func pipe(t *testing.T) (*Mux, *Mux) {
	t.Helper()
	ln, err := libnet.Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverCh := make(chan *libnet.Net, 1)
	go func() {
		srv, err := libnet.Accept(ln)
		if err != nil {
			close(serverCh)
			return
		}
		serverCh <- srv
	}()

	cli, err := libnet.Dial(context.Background(), []string{ln.Addr().String()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	srv := <-serverCh
	if srv == nil {
		t.Fatal("accept failed")
	}
	return New(cli), New(srv)
}

func TestSendAndWaitRoundTrip(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h, err := server.WaitNew()
		if err != nil {
			t.Errorf("server wait new: %v", err)
			return
		}
		if !bytes.Equal(h.Payload(), []byte("ping")) {
			t.Errorf("server payload = %q, want ping", h.Payload())
		}
		if err := server.ReplyOnly(h, []byte("pong")); err != nil {
			t.Errorf("reply only: %v", err)
		}
	}()

	reply, err := client.SendAndWait([]byte("ping"))
	if err != nil {
		t.Fatalf("send and wait: %v", err)
	}
	if !bytes.Equal(reply, []byte("pong")) {
		t.Fatalf("reply = %q, want pong", reply)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("server goroutine did not finish")
	}
}

func TestReplyAndWaitMultiTurnConversation(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h, err := server.WaitNew()
		if err != nil {
			t.Errorf("server wait new: %v", err)
			return
		}
		second, err := server.ReplyAndWait(h, []byte("ack1"))
		if err != nil {
			t.Errorf("reply and wait: %v", err)
			return
		}
		if !bytes.Equal(second, []byte("turn2")) {
			t.Errorf("second turn = %q, want turn2", second)
		}
		if err := server.ReplyOnly(h, []byte("ack2")); err != nil {
			t.Errorf("reply only: %v", err)
		}
	}()

	id := uint64(1)
	_ = id
	m := newMessage()
	client.mu.Lock()
	nextID := client.nextID + 1
	client.nextID = nextID
	client.local[nextID] = m
	client.mu.Unlock()

	if err := client.enqueue(frame{fromPeer: false, id: nextID, b: bufferedBody([]byte("open"))}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ack1, err := m.wait()
	if err != nil || !bytes.Equal(ack1, []byte("ack1")) {
		t.Fatalf("ack1 = %q, err=%v", ack1, err)
	}
	m.rearm()
	if err := client.enqueue(frame{fromPeer: false, id: nextID, b: bufferedBody([]byte("turn2"))}); err != nil {
		t.Fatalf("enqueue turn2: %v", err)
	}
	ack2, err := m.wait()
	if err != nil || !bytes.Equal(ack2, []byte("ack2")) {
		t.Fatalf("ack2 = %q, err=%v", ack2, err)
	}
	client.destroyLocal(nextID)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("server goroutine did not finish")
	}
}

func TestCloseUnblocksAllWaiters(t *testing.T) {
	client, server := pipe(t)
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := client.SendAndWait([]byte("hang"))
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	client.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error after close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("send and wait did not unblock after close")
	}
}

func TestSendOnlyDoesNotBlock(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	if err := client.SendOnly([]byte("fire and forget")); err != nil {
		t.Fatalf("send only: %v", err)
	}

	h, err := server.WaitNew()
	if err != nil {
		t.Fatalf("wait new: %v", err)
	}
	if !bytes.Equal(h.Payload(), []byte("fire and forget")) {
		t.Fatalf("payload = %q", h.Payload())
	}
}

// TestEachIDResolvesExactlyOnce covers spec invariant 5: a request id is
// either resolved exactly once (SendAndWait returns) or the multiplexer
// fails and every outstanding id resolves with a transport error, never
// twice.
func TestEachIDResolvesExactlyOnce(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	const n = 20
	results := make(chan error, n)

	go func() {
		for i := 0; i < n; i++ {
			h, err := server.WaitNew()
			if err != nil {
				return
			}
			server.ReplyOnly(h, h.Payload())
		}
	}()

	for i := 0; i < n; i++ {
		go func() {
			_, err := client.SendAndWait([]byte("x"))
			results <- err
		}()
	}

	for i := 0; i < n; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for all ids to resolve")
		}
	}
}
