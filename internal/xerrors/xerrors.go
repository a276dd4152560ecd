// Package xerrors defines the sentinel error kinds shared across libsync's
// client and server so callers can classify a failure with errors.Is instead
// of string matching.
package xerrors

import "errors"

var (
	// ErrConfig marks a malformed or missing configuration value.
	ErrConfig = errors.New("config error")
	// ErrAuth marks a failed login or registration attempt.
	ErrAuth = errors.New("auth error")
	// ErrTransport marks a failure at the framed-transport layer (closed
	// connection, short write, dial failure).
	ErrTransport = errors.New("transport error")
	// ErrProtocol marks a malformed frame: unknown opcode, impossible
	// length, or a body that doesn't match its declared size.
	ErrProtocol = errors.New("protocol error")
	// ErrIO marks a filesystem failure encountered while reading or
	// writing synced file content.
	ErrIO = errors.New("io error")
	// ErrStaleWrite marks a PUSH rejected because its mtime is older than
	// the catalog's current record.
	ErrStaleWrite = errors.New("stale write")
	// ErrCrypto marks an AEAD failure: bad MAC or malformed padding.
	ErrCrypto = errors.New("crypto error")
)
