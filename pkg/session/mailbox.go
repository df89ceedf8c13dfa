package session

import (
	"context"
	"sync"

	"github.com/dyluth/sapling/pkg/wire"
)

// mailbox is an unbounded FIFO between the reader and the receive worker. The
// reader must never block on the worker: the worker may itself be waiting for an
// object reply that only the reader can deliver.
type mailbox struct {
	mu    sync.Mutex
	items []*wire.Message
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (b *mailbox) push(m *wire.Message) {
	b.mu.Lock()
	b.items = append(b.items, m)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *mailbox) pop(ctx context.Context) (*wire.Message, error) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			m := b.items[0]
			b.items[0] = nil
			b.items = b.items[1:]
			b.mu.Unlock()
			return m, nil
		}
		b.mu.Unlock()

		select {
		case <-b.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *mailbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
