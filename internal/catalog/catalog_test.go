package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	c := New()
	c.Modify("/a.txt", 5, 100)
	c.Modify("/dir/b.txt", 0, 200)
	c.Delete("/gone.txt", 300)

	got, err := Deserialize(c.Serialize())
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	for _, path := range c.Paths() {
		want := c.Get(path)
		have := got.Get(path)
		if want != have {
			t.Fatalf("path %s: got %+v, want %+v", path, have, want)
		}
	}
	if got.Len() != c.Len() {
		t.Fatalf("len = %d, want %d", got.Len(), c.Len())
	}
}

func TestDeserializeTruncatedFails(t *testing.T) {
	c := New()
	c.Modify("/a.txt", 5, 100)
	buf := c.Serialize()

	if _, err := Deserialize(buf[:len(buf)-1]); err == nil {
		t.Fatal("expected error decoding truncated blob")
	}
	if _, err := Deserialize(buf[:4]); err == nil {
		t.Fatal("expected error decoding truncated count")
	}
}

func TestDeletedImpliesZeroSize(t *testing.T) {
	c := New()
	c.Delete("/x", 42)
	rec := c.Get("/x")
	if !rec.Deleted || rec.Size != 0 {
		t.Fatalf("tombstone invariant violated: %+v", rec)
	}
}

func TestBuildSkipsDirectoriesAndRecordsFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Build(dir)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2 (paths: %v)", c.Len(), c.Paths())
	}
	rec := c.Get("a.txt")
	if rec.Size != 5 {
		t.Fatalf("a.txt size = %d, want 5", rec.Size)
	}
	rec = c.Get("sub/b.txt")
	if rec.Size != 2 {
		t.Fatalf("sub/b.txt size = %d, want 2", rec.Size)
	}
}

func TestMergeLocalNewerProducesPush(t *testing.T) {
	local := New()
	local.Modify("/a", 10, 200)
	remote := New()
	remote.Modify("/a", 10, 100)

	events := Merge(local, remote)
	if len(events) != 1 {
		t.Fatalf("events = %v, want 1", events)
	}
	if events[0].Remote || events[0].Path != "/a" {
		t.Fatalf("event = %+v, want local push of /a", events[0])
	}
}

func TestMergeRemoteNewerProducesPull(t *testing.T) {
	local := New()
	local.Modify("/a", 10, 100)
	remote := New()
	remote.Modify("/a", 10, 200)

	events := Merge(local, remote)
	if len(events) != 1 {
		t.Fatalf("events = %v, want 1", events)
	}
	if !events[0].Remote || events[0].Path != "/a" {
		t.Fatalf("event = %+v, want remote pull of /a", events[0])
	}
}

func TestMergeEqualMtimeProducesNoEvent(t *testing.T) {
	local := New()
	local.Modify("/a", 10, 100)
	remote := New()
	remote.Modify("/a", 999, 100)

	if events := Merge(local, remote); len(events) != 0 {
		t.Fatalf("events = %v, want none on tie", events)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	c := New()
	c.Modify("/a", 1, 10)
	c.Modify("/b", 2, 20)
	c.Delete("/c", 30)

	if events := Merge(c, c); len(events) != 0 {
		t.Fatalf("merging catalog with itself produced events: %v", events)
	}
}

func TestMergeDeleteWins(t *testing.T) {
	local := New()
	local.Delete("/a", 500)
	remote := New()
	remote.Modify("/a", 10, 100)

	events := Merge(local, remote)
	if len(events) != 1 || events[0].Remote || !events[0].Record.Deleted {
		t.Fatalf("expected local tombstone to win: %+v", events)
	}
}
