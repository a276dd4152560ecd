package audit

import (
	"path/filepath"
	"testing"
)

func TestRecordAndRecentForUser(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	uid := uint64(7)
	events := []Event{
		{TS: 1, UserID: &uid, Username: "alice", RemoteAddr: "127.0.0.1:1111", Kind: "connect"},
		{TS: 2, UserID: &uid, Username: "alice", RemoteAddr: "127.0.0.1:1111", Kind: "login_ok"},
		{TS: 3, UserID: &uid, Username: "alice", RemoteAddr: "127.0.0.1:1111", Kind: "push", Detail: "a.txt"},
	}
	for _, ev := range events {
		if err := s.Record(ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := s.RecentForUser("alice", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].Kind != "push" || got[0].TS != 3 {
		t.Fatalf("newest-first ordering wrong: %+v", got[0])
	}
	if got[0].UserID == nil || *got[0].UserID != 7 {
		t.Fatalf("user id not round-tripped: %+v", got[0])
	}
}

func TestOpenIsIdempotentAcrossRestart(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "audit.db")
	s1, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s1.Record(Event{TS: 1, Username: "bob", RemoteAddr: "x", Kind: "connect"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	s1.Close()

	s2, err := Open(dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.RecentForUser("bob", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events after reopen, want 1", len(got))
	}
}
