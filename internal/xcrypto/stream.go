package xcrypto

import (
	"bytes"
	"fmt"
	"io"
)

// StreamWriter buffers every Write call and emits the full AEAD blob (§4.7)
// only when the caller signals end-of-input with a zero-length Write (or
// Close), matching the teacher's EncryptedEngine wrapper shape
// (internal/sync/encrypted_engine.go) generalized from whole-file wrapping
// to an incremental io.Writer. The whole plaintext is held in memory until
// end-of-input; the ciphertext is then produced and written in one piece.
type StreamWriter struct {
	key  [KeyLen]byte
	out  io.Writer
	pt   bytes.Buffer
	done bool
}

// NewStreamWriter wraps out so that closing the returned writer emits one
// AEAD blob containing everything written before Close.
func NewStreamWriter(key [KeyLen]byte, out io.Writer) *StreamWriter {
	return &StreamWriter{key: key, out: out}
}

// Write buffers p. A zero-length Write signals end-of-input and finalizes
// the blob exactly as Close does.
func (w *StreamWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, fmt.Errorf("xcrypto: write after close")
	}
	if len(p) == 0 {
		return 0, w.Close()
	}
	return w.pt.Write(p)
}

// Close encrypts everything written so far and flushes the resulting blob
// to the underlying writer. It has the same effect as a zero-length Write;
// calling it again afterward does nothing.
func (w *StreamWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	blob, err := Encrypt(w.key, w.pt.Bytes())
	if err != nil {
		return err
	}
	_, err = w.out.Write(blob)
	return err
}

// StreamReader reads a full AEAD blob from in on first Read and yields the
// decrypted plaintext incrementally thereafter.
type StreamReader struct {
	key     [KeyLen]byte
	in      io.Reader
	pt      *bytes.Reader
	primed  bool
	primeErr error
}

// NewStreamReader wraps in, which must yield exactly one AEAD blob.
func NewStreamReader(key [KeyLen]byte, in io.Reader) *StreamReader {
	return &StreamReader{key: key, in: in}
}

func (r *StreamReader) prime() error {
	if r.primed {
		return r.primeErr
	}
	r.primed = true
	blob, err := io.ReadAll(r.in)
	if err != nil {
		r.primeErr = fmt.Errorf("xcrypto: read blob: %w", err)
		return r.primeErr
	}
	plain, err := Decrypt(r.key, blob)
	if err != nil {
		r.primeErr = err
		return r.primeErr
	}
	r.pt = bytes.NewReader(plain)
	return nil
}

// Read decrypts the full blob on first call, then serves plaintext bytes
// incrementally. Returns io.EOF once the plaintext is exhausted.
func (r *StreamReader) Read(p []byte) (int, error) {
	if err := r.prime(); err != nil {
		return 0, err
	}
	return r.pt.Read(p)
}
