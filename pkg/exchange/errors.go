package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolDesync means the stream no longer lines up with the field layout
	// being decoded. Position in the stream is ambiguous after this, so it is fatal.
	ErrProtocolDesync = errors.New("protocol desync")

	// ErrUnknownKind means a kind tag has no registered codec. Fatal.
	ErrUnknownKind = errors.New("unknown node kind")

	// ErrCacheMiss means a reference could not be resolved locally or by pull-back.
	// Fatal for the exchange in progress only.
	ErrCacheMiss = errors.New("referenced object not cached")

	// ErrDuplicateKind is returned when a kind is registered twice.
	ErrDuplicateKind = errors.New("node kind already registered")
)

// DesyncError describes where a stream stopped matching the expected layout.
type DesyncError struct {
	Position int    // Index of the offending op within the exchange
	Expected string // What the decoder was looking for
	Got      OpCode // What it found; empty when the stream ended
	Detail   string
}

func (e *DesyncError) Error() string {
	msg := fmt.Sprintf("protocol desync at op %d: expected %s", e.Position, e.Expected)
	if e.Got != "" {
		msg += fmt.Sprintf(", got %s", e.Got)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *DesyncError) Unwrap() error {
	return ErrProtocolDesync
}

// IsFatal reports whether err leaves the stream position ambiguous, which means
// the session carrying it cannot continue.
func IsFatal(err error) bool {
	return errors.Is(err, ErrProtocolDesync) || errors.Is(err, ErrUnknownKind)
}
