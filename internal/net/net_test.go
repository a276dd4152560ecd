package net

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestAcceptDialRoundTripPrimitives(t *testing.T) {
	ctx := context.Background()
	ln, err := Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		srv, err := Accept(ln)
		if err != nil {
			serverDone <- err
			return
		}
		defer srv.Close()
		v8, err := srv.Read8()
		if err != nil || v8 != 7 {
			serverDone <- fmt.Errorf("read8 = %d, %v; want 7", v8, err)
			return
		}
		v64, err := srv.Read64()
		if err != nil || v64 != 1<<40 {
			serverDone <- fmt.Errorf("read64 = %d, %v; want %d", v64, err, uint64(1<<40))
			return
		}
		buf := make([]byte, 5)
		if err := srv.ReadAll(buf); err != nil || string(buf) != "hello" {
			serverDone <- fmt.Errorf("readAll = %q, %v; want hello", buf, err)
			return
		}
		serverDone <- nil
	}()

	cli, err := Dial(ctx, []string{ln.Addr().String()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	if err := cli.Write8(7); err != nil {
		t.Fatalf("write8: %v", err)
	}
	if err := cli.Write64(1 << 40); err != nil {
		t.Fatalf("write64: %v", err)
	}
	if err := cli.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server")
	}
}

func TestCloseIsIdempotentAndFailsSubsequentWrites(t *testing.T) {
	ctx := context.Background()
	ln, err := Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := Accept(ln)
		if err == nil {
			conn.Close()
		}
	}()

	cli, err := Dial(ctx, []string{ln.Addr().String()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := cli.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("second close should be idempotent: %v", err)
	}
	if err := cli.Write8(1); err == nil {
		t.Fatal("expected write-after-close to fail")
	}
}

func TestDialTriesCandidatesInOrder(t *testing.T) {
	ctx := context.Background()
	ln, err := Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go Accept(ln)

	_, err = Dial(ctx, []string{"127.0.0.1:1", ln.Addr().String()})
	if err != nil {
		t.Fatalf("dial with a bad first candidate: %v", err)
	}
}
