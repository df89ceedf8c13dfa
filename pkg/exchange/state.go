package exchange

import (
	"context"

	"go.uber.org/zap"

	"github.com/dyluth/sapling/pkg/tree"
)

// DefaultBatchSize is the number of operations flushed per batch when State.BatchSize
// is not set.
const DefaultBatchSize = 1000

// Direction labels which half of an exchange produced an op.
type Direction string

const (
	DirSend    Direction = "send"
	DirReceive Direction = "receive"
)

// Fetcher resolves a reference the receiver cannot find in its cache by asking the
// sender for the full value. GetObject blocks until the value arrives.
type Fetcher interface {
	GetObject(ctx context.Context, id tree.ID) (tree.Node, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, id tree.ID) (tree.Node, error)

func (f FetcherFunc) GetObject(ctx context.Context, id tree.ID) (tree.Node, error) {
	return f(ctx, id)
}

// State is everything one half of one exchange needs: the codecs, the staged view
// of the identity cache, and the optional collaborators. A State is used by a single
// goroutine for the duration of an exchange.
type State struct {
	Registry *Registry
	Stage    *Stage

	// Fingerprints lets the sender emit a reference when a cached id holds a value
	// with equal content but a different pointer. Optional.
	Fingerprints *Fingerprinter

	// Fetcher performs pull-back on the receiving side. Without one, an unresolved
	// reference fails with ErrCacheMiss.
	Fetcher Fetcher

	// BatchSize bounds the number of operations handed to a FlushFunc at once.
	BatchSize int

	// Trace, when set, receives every operation at debug level.
	Trace *zap.Logger
}

func (st *State) batchSize() int {
	if st.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return st.BatchSize
}

func (st *State) trace(dir Direction, op Op) {
	if st.Trace == nil {
		return
	}
	st.Trace.Debug("op",
		zap.String("dir", string(dir)),
		zap.String("code", string(op.Code)),
		zap.Stringer("op", op),
	)
}
