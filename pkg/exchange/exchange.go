package exchange

import (
	"context"
	"fmt"
	"io"

	"github.com/dyluth/sapling/pkg/tree"
)

// Encode returns the operation stream that turns before into after. before is
// nil for an initial send. Nodes the stream introduces are staged in st.Stage;
// the caller commits or discards the stage once the peer has answered.
func Encode(ctx context.Context, st *State, before, after tree.Node) ([]Op, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	var ops []Op
	q := NewSendQueue(ctx, st, func(_ context.Context, batch []Op, _ bool) error {
		ops = append(ops, batch...)
		return nil
	})
	q.Tree(before, after)
	if err := q.End(); err != nil {
		return nil, err
	}
	return ops, nil
}

// Decode applies ops to before and returns the rebuilt tree. Every op must be
// consumed; leftovers mean the stream and the field layout disagree.
func Decode(ctx context.Context, st *State, before tree.Node, ops []Op) (tree.Node, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	q := NewReceiveQueue(ctx, st, SlicePull(ops))
	after := q.Tree(before)
	if err := q.Finish(); err != nil {
		return nil, err
	}
	return after, nil
}

// EncodeObject returns a self-contained stream for n: every node in full, no
// references and nothing staged. It answers pull-back requests.
func EncodeObject(ctx context.Context, st *State, n tree.Node) ([]Op, error) {
	if st.Registry == nil {
		return nil, fmt.Errorf("state has no registry")
	}
	var ops []Op
	q := NewSendQueue(ctx, st, func(_ context.Context, batch []Op, _ bool) error {
		ops = append(ops, batch...)
		return nil
	})
	q.noRefs = true
	q.Tree(nil, n)
	if err := q.End(); err != nil {
		return nil, err
	}
	return ops, nil
}

// DecodeObject rebuilds a node produced by EncodeObject. The node and its subtree
// are staged in st.Stage like any other received value.
func DecodeObject(ctx context.Context, st *State, ops []Op) (tree.Node, error) {
	return Decode(ctx, st, nil, ops)
}

// SlicePull serves ops as a single batch, then io.EOF.
func SlicePull(ops []Op) PullFunc {
	done := false
	return func(context.Context) ([]Op, error) {
		if done {
			return nil, io.EOF
		}
		done = true
		return ops, nil
	}
}

// Finish checks that the queue stopped exactly at the end of a tree and returns
// the first error seen.
func (q *ReceiveQueue) Finish() error {
	if q.err == nil && q.Buffered() > 0 {
		q.desync("end of stream", q.batch[q.pos].Code, fmt.Sprintf("%d trailing operations", q.Buffered()))
	}
	return q.err
}

func (st *State) check() error {
	if st.Registry == nil {
		return fmt.Errorf("state has no registry")
	}
	if st.Stage == nil {
		return fmt.Errorf("state has no stage")
	}
	return nil
}
