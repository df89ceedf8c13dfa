package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dyluth/sapling/pkg/tree"
)

// PullFunc returns the next batch of operations. It returns io.EOF when the
// stream has no more batches.
type PullFunc func(ctx context.Context) ([]Op, error)

// ReceiveQueue consumes an operation stream and rebuilds "after" from "before".
//
// Like SendQueue, errors are sticky: after the first failure every accessor
// returns its before value and Err reports the failure.
type ReceiveQueue struct {
	ctx      context.Context
	st       *State
	pull     PullFunc
	batch    []Op
	pos      int
	consumed int
	err      error
}

// NewReceiveQueue returns a queue that reads batches through pull.
func NewReceiveQueue(ctx context.Context, st *State, pull PullFunc) *ReceiveQueue {
	return &ReceiveQueue{ctx: ctx, st: st, pull: pull}
}

// Err returns the first error recorded by the queue.
func (q *ReceiveQueue) Err() error {
	return q.err
}

// Consumed returns the number of operations read so far.
func (q *ReceiveQueue) Consumed() int {
	return q.consumed
}

// Tree consumes one tree's worth of operations against before.
func (q *ReceiveQueue) Tree(before tree.Node) tree.Node {
	n := q.node(before)
	if q.err == nil && n == nil {
		q.desync("tree", "", "stream did not produce a node")
	}
	return n
}

// Buffered returns the number of operations pulled but not yet consumed.
func (q *ReceiveQueue) Buffered() int {
	return len(q.batch) - q.pos
}

func (q *ReceiveQueue) fail(err error) {
	if q.err == nil {
		q.err = err
	}
}

func (q *ReceiveQueue) desync(expected string, got OpCode, detail string) {
	q.fail(&DesyncError{Position: q.consumed, Expected: expected, Got: got, Detail: detail})
}

func (q *ReceiveQueue) next() (Op, bool) {
	if q.err != nil {
		return Op{}, false
	}
	for q.pos >= len(q.batch) {
		if err := q.ctx.Err(); err != nil {
			q.fail(err)
			return Op{}, false
		}
		batch, err := q.pull(q.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				q.desync("operation", "", "stream ended")
			} else {
				q.fail(err)
			}
			return Op{}, false
		}
		q.batch, q.pos = batch, 0
	}
	op := q.batch[q.pos]
	q.pos++
	q.consumed++
	q.st.trace(DirReceive, op)
	return op, true
}

// scalar returns the value of a scalar op, or ok=false for unchanged.
func (q *ReceiveQueue) scalar(field string) (value any, changed bool) {
	op, ok := q.next()
	if !ok {
		return nil, false
	}
	switch op.Code {
	case OpUnchanged:
		return nil, false
	case OpScalar:
		return op.Value, true
	default:
		q.desync(field, op.Code, "")
		return nil, false
	}
}

// String consumes a scalar string field.
func (q *ReceiveQueue) String(before string) string {
	v, changed := q.scalar("string")
	if !changed {
		return before
	}
	s, err := asString(v)
	if err != nil {
		q.desync("string", OpScalar, err.Error())
		return before
	}
	return s
}

// Bool consumes a scalar bool field.
func (q *ReceiveQueue) Bool(before bool) bool {
	v, changed := q.scalar("bool")
	if !changed {
		return before
	}
	b, err := asBool(v)
	if err != nil {
		q.desync("bool", OpScalar, err.Error())
		return before
	}
	return b
}

// Int consumes a scalar int field.
func (q *ReceiveQueue) Int(before int) int {
	v, changed := q.scalar("int")
	if !changed {
		return before
	}
	i, err := asInt(v)
	if err != nil {
		q.desync("int", OpScalar, err.Error())
		return before
	}
	return i
}

// Bytes consumes an opaque blob field.
func (q *ReceiveQueue) Bytes(before []byte) []byte {
	v, changed := q.scalar("bytes")
	if !changed {
		return before
	}
	b, err := asBytes(v)
	if err != nil {
		q.desync("bytes", OpScalar, err.Error())
		return before
	}
	return b
}

// ReceiveEnum consumes a string-typed enum field.
func ReceiveEnum[E ~string](q *ReceiveQueue, before E) E {
	return E(q.String(string(before)))
}

// ReceiveNode consumes an optional child node field.
func ReceiveNode[T nodeType](q *ReceiveQueue, before T) T {
	n := q.node(nodeOrNil(before))
	var zero T
	if q.err != nil {
		return before
	}
	if n == nil {
		return zero
	}
	t, ok := n.(T)
	if !ok {
		q.desync(fmt.Sprintf("%T", zero), OpAdd, fmt.Sprintf("decoded %s", n.Kind()))
		return before
	}
	return t
}

// node mirrors SendQueue.node. The stage is updated once the node's subtree has
// been fully decoded.
func (q *ReceiveQueue) node(before tree.Node) tree.Node {
	op, ok := q.next()
	if !ok {
		return before
	}

	var n tree.Node
	switch op.Code {
	case OpUnchanged:
		return before
	case OpDelete:
		return nil
	case OpRef:
		n = q.resolve(op.ID)
	case OpChange:
		if before == nil {
			q.desync("node", op.Code, "change without a before value")
			return nil
		}
		if op.ID != "" && op.ID != before.Identity() {
			q.desync("node", op.Code, fmt.Sprintf("change of #%s against #%s", op.ID, before.Identity()))
			return before
		}
		n = q.decode(before.Kind(), before, before.Identity())
	case OpAdd:
		if op.ID == "" {
			q.desync("node", op.Code, "add without an id")
			return before
		}
		n = q.decode(op.NodeKind, nil, op.ID)
	default:
		q.desync("node", op.Code, "")
		return before
	}

	if q.err != nil {
		return before
	}
	q.st.Stage.Put(n)
	return n
}

func (q *ReceiveQueue) decode(kind tree.Kind, before tree.Node, id tree.ID) tree.Node {
	reg, err := q.st.Registry.lookup(kind)
	if err != nil {
		q.fail(err)
		return nil
	}
	return reg.codec.receive(q, before, id)
}

// resolve finds the value behind a reference, pulling it back from the sender on
// a cache miss.
func (q *ReceiveQueue) resolve(id tree.ID) tree.Node {
	if n, ok := q.st.Stage.Get(id); ok {
		return n
	}
	if q.st.Fetcher == nil {
		q.fail(fmt.Errorf("%w: #%s", ErrCacheMiss, id))
		return nil
	}
	n, err := q.st.Fetcher.GetObject(q.ctx, id)
	if err != nil {
		q.fail(fmt.Errorf("%w: pull-back of #%s failed: %w", ErrCacheMiss, id, err))
		return nil
	}
	if n == nil || n.Identity() != id {
		q.fail(fmt.Errorf("%w: pull-back of #%s returned a different object", ErrCacheMiss, id))
		return nil
	}
	return n
}
