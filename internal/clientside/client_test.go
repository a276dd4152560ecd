package clientside

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libsync/libsync/internal/applog"
	libnet "github.com/libsync/libsync/internal/net"
	"github.com/libsync/libsync/internal/serverside"
	"github.com/libsync/libsync/internal/userdir"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	storeDir := t.TempDir()
	users, err := userdir.Open(filepath.Join(storeDir, "login.mtd"))
	if err != nil {
		t.Fatalf("open users: %v", err)
	}
	hub := serverside.NewHub(storeDir, users, nil, applog.Discard())
	srv := serverside.NewServer(hub, applog.Discard())

	ln, err := libnet.Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.ListenAndServe(ctx, addr)
	time.Sleep(100 * time.Millisecond)
	return addr
}

func TestDialAndReconcileEmptyWorkspace(t *testing.T) {
	addr := startTestServer(t)
	syncDir := t.TempDir()

	c, err := Dial(context.Background(), addr, "alice", "pw", syncDir, nil, applog.Discard())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(c.events) != 0 {
		t.Fatalf("expected no reconciliation events for an empty workspace, got %d", len(c.events))
	}
}

func TestLocalPushThenRemotePullConverge(t *testing.T) {
	addr := startTestServer(t)

	dirA := t.TempDir()
	if err := os.WriteFile(filepath.Join(dirA, "doc.txt"), []byte("first version"), 0o644); err != nil {
		t.Fatal(err)
	}

	clientA, err := Dial(context.Background(), addr, "bob", "pw", dirA, nil, applog.Discard())
	if err != nil {
		t.Fatalf("dial A: %v", err)
	}
	defer clientA.Close()
	if err := clientA.reconcile(); err != nil {
		t.Fatalf("reconcile A: %v", err)
	}
	// reconcile found the local-only file and queued a push event.
	pushEv := <-clientA.events
	if pushEv.Path != "doc.txt" || pushEv.Remote {
		t.Fatalf("unexpected reconcile event: %+v", pushEv)
	}
	if err := clientA.apply(pushEv); err != nil {
		t.Fatalf("apply push: %v", err)
	}

	dirB := t.TempDir()
	clientB, err := Dial(context.Background(), addr, "bob", "pw", dirB, nil, applog.Discard())
	if err != nil {
		t.Fatalf("dial B: %v", err)
	}
	defer clientB.Close()
	if err := clientB.reconcile(); err != nil {
		t.Fatalf("reconcile B: %v", err)
	}
	pullEv := <-clientB.events
	if pullEv.Path != "doc.txt" || !pullEv.Remote {
		t.Fatalf("unexpected reconcile event: %+v", pullEv)
	}
	if err := clientB.apply(pullEv); err != nil {
		t.Fatalf("apply pull: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dirB, "doc.txt"))
	if err != nil {
		t.Fatalf("read synced file: %v", err)
	}
	if string(got) != "first version" {
		t.Fatalf("synced content = %q, want %q", got, "first version")
	}
}

func TestApplyLocalDeleteInvokesDel(t *testing.T) {
	addr := startTestServer(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.txt")
	if err := os.WriteFile(path, []byte("bye"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Dial(context.Background(), addr, "carol", "pw", dir, nil, applog.Discard())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if err := c.apply(<-c.events); err != nil {
		t.Fatalf("apply initial push: %v", err)
	}

	if err := c.apply(Event{Remote: false, Path: "gone.txt", Mtime: time.Now().Unix() + 10, Deleted: true}); err != nil {
		t.Fatalf("apply delete: %v", err)
	}

	c.mu.Lock()
	rec := c.cat.Get("gone.txt")
	c.mu.Unlock()
	if !rec.Deleted {
		t.Fatalf("local catalog not marked deleted: %+v", rec)
	}
}
