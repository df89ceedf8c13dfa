// Package channel provides ordered, bidirectional message channels for sessions.
//
// A Channel delivers messages in the order they were sent and supports one
// concurrent sender alongside one concurrent receiver. Implementations cover
// in-process pipes, length-prefixed byte streams (stdio, sockets), WebSocket
// connections and Redis list mailboxes.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dyluth/sapling/pkg/wire"
)

var (
	// ErrClosed is returned once a channel has been closed by either side.
	ErrClosed = errors.New("channel closed")

	// ErrTransport wraps failures of the underlying connection or malformed frames.
	ErrTransport = errors.New("transport error")
)

// Channel carries wire messages between two peers.
type Channel interface {
	Send(ctx context.Context, m *wire.Message) error
	Receive(ctx context.Context) (*wire.Message, error)
	Close() error
}

func transportErr(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %v", ErrTransport, op, err)
}

// decode unmarshals and validates a frame.
func decode(codec wire.Codec, data []byte) (*wire.Message, error) {
	var m wire.Message
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil, transportErr("decode frame", err)
	}
	if err := m.Validate(); err != nil {
		return nil, transportErr("validate message", err)
	}
	return &m, nil
}

// pump moves frames from a blocking reader onto a channel so Receive can honor
// context cancellation. read returns the next raw frame.
type pump struct {
	frames chan []byte
	errc   chan error
	done   chan struct{}
	once   sync.Once
}

func startPump(read func() ([]byte, error)) *pump {
	p := &pump{
		frames: make(chan []byte, 64),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go func() {
		for {
			frame, err := read()
			if err != nil {
				p.errc <- err
				return
			}
			select {
			case p.frames <- frame:
			case <-p.done:
				return
			}
		}
	}()
	return p
}

// next returns the next frame, the reader's terminal error, or ctx's error.
func (p *pump) next(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.frames:
		return frame, nil
	default:
	}
	select {
	case frame := <-p.frames:
		return frame, nil
	case err := <-p.errc:
		// Keep the error visible to later calls.
		p.errc <- err
		return nil, err
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pump) stop() {
	p.once.Do(func() { close(p.done) })
}
