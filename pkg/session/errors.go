package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/sapling/pkg/channel"
	"github.com/dyluth/sapling/pkg/exchange"
	"github.com/dyluth/sapling/pkg/wire"
)

var (
	// ErrClosed is returned by operations on a session that has ended.
	ErrClosed = errors.New("session closed")

	// ErrNotStarted is returned when an exchange is attempted before Start.
	ErrNotStarted = errors.New("session not started")

	// ErrTimeout means an exchange did not complete within Options.Timeout. The
	// session is torn down because the stream position is no longer known.
	ErrTimeout = errors.New("exchange timed out")

	// ErrRemote wraps every failure reported by the peer.
	ErrRemote = errors.New("peer rejected the exchange")

	// ErrNotCached is returned by SendTree when before is not the value last
	// exchanged for its id.
	ErrNotCached = errors.New("base tree is not the last value exchanged for its id")
)

// isFatal reports whether err ends the session rather than just the exchange.
func isFatal(err error) bool {
	return exchange.IsFatal(err) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, channel.ErrTransport) ||
		errors.Is(err, channel.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// errorCode maps a local failure to the code sent to the peer.
func errorCode(err error) string {
	switch {
	case errors.Is(err, exchange.ErrProtocolDesync):
		return wire.CodeDesync
	case errors.Is(err, exchange.ErrUnknownKind):
		return wire.CodeUnknownKind
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return wire.CodeTimeout
	case errors.Is(err, exchange.ErrCacheMiss):
		return wire.CodeCacheMiss
	case errors.Is(err, channel.ErrTransport):
		return wire.CodeTransport
	default:
		return wire.CodeInternal
	}
}

// remoteError turns an error message from the peer back into a local error that
// matches the same sentinels.
func remoteError(m *wire.Message) error {
	var cause error
	switch m.Code {
	case wire.CodeDesync:
		cause = exchange.ErrProtocolDesync
	case wire.CodeUnknownKind:
		cause = exchange.ErrUnknownKind
	case wire.CodeCacheMiss:
		cause = exchange.ErrCacheMiss
	case wire.CodeTimeout:
		cause = ErrTimeout
	case wire.CodeTransport:
		cause = channel.ErrTransport
	default:
		return fmt.Errorf("%w: %s", ErrRemote, m.Error)
	}
	return fmt.Errorf("%w: %w: %s", ErrRemote, cause, m.Error)
}

func result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout
	default:
		return ResultError
	}
}
