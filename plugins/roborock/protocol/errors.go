package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrChecksum           = errors.New("checksum mismatch")
	ErrDecrypt            = errors.New("decryption failed")
	ErrMissingKey         = errors.New("missing local key")
)

// ProtocolError reports an unrecognized version tag or a malformed header.
type ProtocolError struct {
	Version string
	Reason  string
}

func (e *ProtocolError) Error() string {
	if e.Version == "" {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error: %s (version %q)", e.Reason, e.Version)
}

func (e *ProtocolError) Unwrap() error {
	if e.Reason == "unsupported protocol version" {
		return ErrUnsupportedVersion
	}
	return nil
}

// ChecksumError reports a CRC-32 trailer that does not match the frame.
type ChecksumError struct {
	Origin   string
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch from %s: expected %08x, got %08x", e.Origin, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksum }

// DecryptionError reports a payload that failed to decrypt or authenticate.
type DecryptionError struct {
	Version Version
	Origin  string
	Err     error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt %s payload from %s: %v", e.Version, e.Origin, e.Err)
}

func (e *DecryptionError) Unwrap() []error { return []error{ErrDecrypt, e.Err} }
