package userdir

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/libsync/libsync/internal/xerrors"
)

func TestRegisterLoginRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "login.mtd")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	id, err := s.Register("alice", "hunter2")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id != 1 {
		t.Fatalf("first id = %d, want 1", id)
	}

	gotID, err := s.Login("alice", "hunter2")
	if err != nil || gotID != id {
		t.Fatalf("login = %d, %v, want %d, nil", gotID, err, id)
	}

	if _, err := s.Login("alice", "wrong"); !errors.Is(err, xerrors.ErrAuth) {
		t.Fatalf("wrong password: err = %v, want ErrAuth", err)
	}
	if _, err := s.Register("alice", "anything"); !errors.Is(err, xerrors.ErrAuth) {
		t.Fatalf("dup register: err = %v, want ErrAuth", err)
	}
}

func TestNextIDMonotonicAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "login.mtd")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Register("alice", "p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Register("bob", "p2"); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	id, err := reopened.Register("carol", "p3")
	if err != nil {
		t.Fatalf("register after reopen: %v", err)
	}
	if id != 3 {
		t.Fatalf("id = %d, want 3 (next_id must survive restart)", id)
	}

	if gotID, err := reopened.Login("alice", "p1"); err != nil || gotID != 1 {
		t.Fatalf("login alice after reopen = %d, %v", gotID, err)
	}
}

func TestPasswordNotStoredInPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "login.mtd")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Register("alice", "super-secret-password"); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("super-secret-password")) {
		t.Fatal("plaintext password found on disk")
	}
}
