// Package catalog holds the per-user file metadata map: relative path to
// its modification record. A catalog is built by walking a directory tree
// or by decoding the fixed binary layout exchanged over the wire and
// persisted to <store>/<id>.mtd. Grounded on the teacher's manifest/diff
// pair (internal/sync/manifest.go, internal/sync/diff.go), generalized from
// a SHA256-content manifest to the spec's mtime-only record.
package catalog

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/libsync/libsync/internal/wire"
)

// FileRecord is the unit of metadata for one relative path.
type FileRecord struct {
	Modified int64 // unix seconds
	Size     int64 // byte count; always 0 when Deleted
	Deleted  bool
}

// Catalog maps a relative, forward-slash path to its current record.
// Create one with New (or Build/Deserialize); the zero value has no map
// and is not usable.
type Catalog struct {
	mu      sync.RWMutex
	records map[string]FileRecord
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{records: make(map[string]FileRecord)}
}

// Modify sets path to a live (non-tombstone) record.
func (c *Catalog) Modify(path string, size, mtime int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[path] = FileRecord{Modified: mtime, Size: size, Deleted: false}
}

// Delete sets path to a tombstone record at mtime.
func (c *Catalog) Delete(path string, mtime int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[path] = FileRecord{Modified: mtime, Size: 0, Deleted: true}
}

// Get returns the record for path, or the zero record if absent.
func (c *Catalog) Get(path string) FileRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.records[path]
}

// Paths returns every path currently present (live or tombstoned), in
// unspecified order, matching the spec's begin/end iteration contract.
func (c *Catalog) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.records))
	for p := range c.records {
		out = append(out, p)
	}
	return out
}

// Len reports the number of paths tracked.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Build walks root, recording every regular file's mtime and size.
// Directories are traversed; symlinks, sockets, devices and other
// non-regular entries are skipped.
func Build(root string) (*Catalog, error) {
	cat := New()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		cat.Modify(rel, info.Size(), info.ModTime().Unix())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cat, nil
}

// Serialize produces the fixed, no-padding big-endian layout:
//
//	u64 count
//	repeat count:
//	  u64 name_len; bytes name
//	  u64 modified
//	  u8  deleted
//	  u64 size
func (c *Catalog) Serialize() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b := wire.NewBuilder(16 + len(c.records)*32)
	b.U64(uint64(len(c.records)))
	for path, rec := range c.records {
		b.U64(uint64(len(path))).String(path)
		b.U64(uint64(rec.Modified))
		if rec.Deleted {
			b.U8(1)
		} else {
			b.U8(0)
		}
		b.U64(uint64(rec.Size))
	}
	return b.Bytes()
}

// Deserialize reverses Serialize. Any short read fails the whole blob.
func Deserialize(buf []byte) (*Catalog, error) {
	r := wire.NewReader(buf)
	count, err := r.U64()
	if err != nil {
		return nil, fmt.Errorf("catalog: read count: %w", err)
	}

	cat := New()
	for i := uint64(0); i < count; i++ {
		nameLen, err := r.U64()
		if err != nil {
			return nil, fmt.Errorf("catalog: read name_len[%d]: %w", i, err)
		}
		name, err := r.String(int(nameLen))
		if err != nil {
			return nil, fmt.Errorf("catalog: read name[%d]: %w", i, err)
		}
		modified, err := r.U64()
		if err != nil {
			return nil, fmt.Errorf("catalog: read modified[%d]: %w", i, err)
		}
		deletedByte, err := r.U8()
		if err != nil {
			return nil, fmt.Errorf("catalog: read deleted[%d]: %w", i, err)
		}
		size, err := r.U64()
		if err != nil {
			return nil, fmt.Errorf("catalog: read size[%d]: %w", i, err)
		}
		cat.records[name] = FileRecord{
			Modified: int64(modified),
			Size:     int64(size),
			Deleted:  deletedByte != 0,
		}
	}
	return cat, nil
}

// Event is a merge outcome: an instruction to push, pull, or mirror a
// delete in one direction.
type Event struct {
	Remote bool // true: instruction acts on the local side from a remote decision
	Path   string
	Record FileRecord
}

// Merge compares local against remote and produces the events needed to
// reconcile them, per the last-writer-wins rule: the newer mtime is
// authoritative in both directions; ties produce no event. Iteration order
// is local-first then remote-first, matching the client startup
// reconciliation order in spec.md §4.6.
func Merge(local, remote *Catalog) []Event {
	local.mu.RLock()
	remote.mu.RLock()
	defer local.mu.RUnlock()
	defer remote.mu.RUnlock()

	var events []Event
	for path, l := range local.records {
		r := remote.records[path]
		if l.Modified > r.Modified {
			events = append(events, pushOrDeleteEvent(path, l))
		}
	}
	for path, r := range remote.records {
		l := local.records[path]
		if r.Modified > l.Modified {
			events = append(events, pullOrDeleteEvent(path, r))
		}
	}
	return events
}

func pushOrDeleteEvent(path string, rec FileRecord) Event {
	return Event{Remote: false, Path: path, Record: rec}
}

func pullOrDeleteEvent(path string, rec FileRecord) Event {
	return Event{Remote: true, Path: path, Record: rec}
}
