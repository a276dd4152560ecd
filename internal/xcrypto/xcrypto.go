// Package xcrypto implements libsync's optional payload encryption: a
// PBKDF2-HMAC-SHA512 key derivation and an AES-256-CBC + HMAC-SHA512 AEAD
// stream wrapping file bodies on PUSH/PULL. Grounded on the teacher's
// key-derivation and AEAD shape (internal/auth/crypto.go DeriveSharedKey,
// internal/sync/encrypt.go Encrypt/Decrypt/DeriveKey), generalized from
// Argon2/HKDF+AES-GCM to the spec's mandated PBKDF2+CBC+HMAC construction.
package xcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/libsync/libsync/internal/xerrors"
)

const (
	// SaltLen is the fixed PBKDF2 salt length spec.md §4.7 mandates.
	SaltLen = 14
	// KeyLen is the derived key length (AES-256).
	KeyLen = 32
	// Iterations is the fixed PBKDF2 iteration count.
	Iterations = 1000
	ivLen      = 16
	macLen     = 64 // HMAC-SHA512
	blockSize  = aes.BlockSize
)

// FixedSalt is the 14-byte salt spec.md §4.7 mandates for the client-side
// key derivation. It is not a secret; the shared secret is the passphrase.
var FixedSalt = [SaltLen]byte{'l', 'i', 'b', 's', 'y', 'n', 'c', '-', 's', 'a', 'l', 't', '0', '1'}

// DeriveKey runs PBKDF2-HMAC-SHA512 over passphrase with salt, producing
// KeyLen bytes of key material.
func DeriveKey(passphrase string, salt [SaltLen]byte) [KeyLen]byte {
	out := pbkdf2.Key([]byte(passphrase), salt[:], Iterations, KeyLen, sha512.New)
	var key [KeyLen]byte
	copy(key[:], out)
	return key
}

// Encrypt produces iv || AES-256-CBC(PKCS#7(plaintext)) || HMAC-SHA512(ciphertext).
// The HMAC excludes the IV, matching spec.md §4.7. Output length is
// 16 + ceil((len(plaintext)+1)/16)*16 + 64.
func Encrypt(key [KeyLen]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: new cipher: %v", xerrors.ErrCrypto, err)
	}

	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("%w: random iv: %v", xerrors.ErrCrypto, err)
	}

	padded := pkcs7Pad(plaintext, blockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha512.New, key[:])
	mac.Write(ciphertext)
	sum := mac.Sum(nil)

	out := make([]byte, 0, ivLen+len(ciphertext)+macLen)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	out = append(out, sum...)
	return out, nil
}

// Decrypt reverses Encrypt: parses the IV, verifies the HMAC in constant
// time, then decrypts and unpads. Any mismatch or malformed padding fails
// with xerrors.ErrCrypto.
func Decrypt(key [KeyLen]byte, blob []byte) ([]byte, error) {
	if len(blob) < ivLen+macLen {
		return nil, fmt.Errorf("%w: blob too short", xerrors.ErrCrypto)
	}
	iv := blob[:ivLen]
	rest := blob[ivLen:]
	ciphertext := rest[:len(rest)-macLen]
	gotMAC := rest[len(rest)-macLen:]

	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block-aligned", xerrors.ErrCrypto)
	}

	mac := hmac.New(sha512.New, key[:])
	mac.Write(ciphertext)
	wantMAC := mac.Sum(nil)
	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, fmt.Errorf("%w: mac mismatch", xerrors.ErrCrypto)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: new cipher: %v", xerrors.ErrCrypto, err)
	}
	plainPadded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plainPadded, ciphertext)

	plain, err := pkcs7Unpad(plainPadded, blockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", xerrors.ErrCrypto, err)
	}
	return plain, nil
}

func pkcs7Pad(data []byte, size int) []byte {
	padLen := size - (len(data) % size)
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 || len(data)%size != 0 {
		return nil, errors.New("invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > size || padLen > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}
