package xcrypto

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/libsync/libsync/internal/xerrors"
)

func TestDeriveKeyDeterministicAndSaltSensitive(t *testing.T) {
	k1 := DeriveKey("hunter2", FixedSalt)
	k2 := DeriveKey("hunter2", FixedSalt)
	if k1 != k2 {
		t.Fatal("same passphrase+salt produced different keys")
	}

	var otherSalt [SaltLen]byte
	copy(otherSalt[:], "different-salt")
	k3 := DeriveKey("hunter2", otherSalt)
	if k1 == k3 {
		t.Fatal("different salt produced the same key")
	}

	k4 := DeriveKey("hunter3", FixedSalt)
	if k1 == k4 {
		t.Fatal("different passphrase produced the same key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := DeriveKey("secret", FixedSalt)
	plaintext := []byte("secret")

	ct, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	wantLen := 16 + 16 + 64 // ceil(7/16)*16 == 16 for "secret" (6 bytes + >=1 pad byte)
	if len(ct) != wantLen {
		t.Fatalf("len(ct) = %d, want %d", len(ct), wantLen)
	}

	pt, err := Decrypt(key, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("decrypted = %q, want %q", pt, plaintext)
	}
}

func TestDecryptDetectsTamperInCiphertextOrMAC(t *testing.T) {
	key := DeriveKey("secret", FixedSalt)
	ct, err := Encrypt(key, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(ct) != 96 {
		t.Fatalf("len(ct) = %d, want 96", len(ct))
	}

	for _, pos := range []int{16, 31, 32, 95} {
		tampered := append([]byte{}, ct...)
		tampered[pos] ^= 0xff
		if _, err := Decrypt(key, tampered); err == nil {
			t.Fatalf("expected decrypt failure tampering byte %d", pos)
		} else if !errors.Is(err, xerrors.ErrCrypto) {
			t.Fatalf("byte %d: err = %v, want ErrCrypto", pos, err)
		}
	}

	// Untampered copy still decrypts.
	pt, err := Decrypt(key, ct)
	if err != nil || string(pt) != "secret" {
		t.Fatalf("decrypt(untampered) = %q, %v", pt, err)
	}
}

func TestStreamWriterReaderRoundTrip(t *testing.T) {
	key := DeriveKey("stream-key", FixedSalt)
	var wire bytes.Buffer

	sw := NewStreamWriter(key, &wire)
	sw.Write([]byte("hello, "))
	sw.Write([]byte("streamed world"))
	sw.Write(nil) // zero-length write: end-of-input, emits the blob
	if err := sw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sr := NewStreamReader(key, &wire)
	got, err := readAll(sr)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello, streamed world" {
		t.Fatalf("got %q", got)
	}
}

func readAll(r *StreamReader) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
	}
}
