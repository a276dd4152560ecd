// Package userdir persists the server's username -> {id, password} table at
// <store>/login.mtd using the fixed binary layout from spec.md §3.
//
// Per the Open Question in spec.md §9, passwords are never stored in the
// clear: each record carries a per-user 16-byte salt and a PBKDF2-HMAC-
// SHA512 hash, and login compares via crypto/subtle in constant time. This
// is recorded as a resolved Open Question in DESIGN.md. Grounded on the
// teacher's KeyStore shape (internal/sync/keystore.go: generate salt,
// derive, persist, unlock-and-compare).
package userdir

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/libsync/libsync/internal/wire"
	"github.com/libsync/libsync/internal/xerrors"
)

const (
	passSaltLen   = 16
	passHashLen   = 64
	passIteration = 4096
)

// Record is one user's on-disk identity.
type Record struct {
	ID   uint64
	Salt [passSaltLen]byte
	Hash [passHashLen]byte
}

// Store is the in-memory, mutex-guarded mirror of login.mtd.
type Store struct {
	mu     sync.Mutex
	path   string
	nextID uint64
	byName map[string]*Record
}

// Open loads path if it exists, or starts an empty store (next_id = 1) if
// it does not.
func Open(path string) (*Store, error) {
	s := &Store{path: path, nextID: 1, byName: make(map[string]*Record)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("userdir: read %s: %w", path, err)
	}
	if err := s.decode(data); err != nil {
		return nil, fmt.Errorf("userdir: decode %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) decode(buf []byte) error {
	r := wire.NewReader(buf)
	nextID, err := r.U64()
	if err != nil {
		return err
	}
	count, err := r.U64()
	if err != nil {
		return err
	}
	s.nextID = nextID
	for i := uint64(0); i < count; i++ {
		id, err := r.U64()
		if err != nil {
			return err
		}
		nameLen, err := r.U64()
		if err != nil {
			return err
		}
		name, err := r.String(int(nameLen))
		if err != nil {
			return err
		}
		passLen, err := r.U64()
		if err != nil {
			return err
		}
		passBlob, err := r.Bytes(int(passLen))
		if err != nil {
			return err
		}
		if len(passBlob) != passSaltLen+passHashLen {
			return fmt.Errorf("userdir: malformed credential blob for %q", name)
		}
		rec := &Record{ID: id}
		copy(rec.Salt[:], passBlob[:passSaltLen])
		copy(rec.Hash[:], passBlob[passSaltLen:])
		s.byName[name] = rec
	}
	return nil
}

// serializeLocked produces the §3 UserRecord layout:
//
//	u64 next_id
//	u64 count
//	repeat count:
//	  u64 id
//	  u64 name_len; bytes name
//	  u64 pass_len; bytes password (here: salt || hash)
func (s *Store) serializeLocked() []byte {
	b := wire.NewBuilder(32 + len(s.byName)*96)
	b.U64(s.nextID)
	b.U64(uint64(len(s.byName)))
	for name, rec := range s.byName {
		blob := make([]byte, 0, passSaltLen+passHashLen)
		blob = append(blob, rec.Salt[:]...)
		blob = append(blob, rec.Hash[:]...)
		b.U64(rec.ID)
		b.U64(uint64(len(name))).String(name)
		b.U64(uint64(len(blob))).Raw(blob)
	}
	return b.Bytes()
}

func (s *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("userdir: mkdir: %w", err)
	}
	return os.WriteFile(s.path, s.serializeLocked(), 0o600)
}

func hashPassword(password string, salt [passSaltLen]byte) [passHashLen]byte {
	out := pbkdf2.Key([]byte(password), salt[:], passIteration, passHashLen, sha512.New)
	var h [passHashLen]byte
	copy(h[:], out)
	return h
}

// Register creates a new user if the username is unused, returning its
// freshly assigned, permanent id.
func (s *Store) Register(username, password string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[username]; exists {
		return 0, fmt.Errorf("%w: username %q already registered", xerrors.ErrAuth, username)
	}

	var salt [passSaltLen]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return 0, fmt.Errorf("userdir: generate salt: %w", err)
	}

	rec := &Record{ID: s.nextID, Salt: salt, Hash: hashPassword(password, salt)}
	s.byName[username] = rec
	s.nextID++

	if err := s.persistLocked(); err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// Login verifies username/password and returns the user's id on success.
func (s *Store) Login(username, password string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.byName[username]
	if !exists {
		return 0, fmt.Errorf("%w: unknown username %q", xerrors.ErrAuth, username)
	}
	candidate := hashPassword(password, rec.Salt)
	if subtle.ConstantTimeCompare(candidate[:], rec.Hash[:]) != 1 {
		return 0, fmt.Errorf("%w: bad password for %q", xerrors.ErrAuth, username)
	}
	return rec.ID, nil
}

// Exists reports whether username is registered.
func (s *Store) Exists(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byName[username]
	return ok
}
