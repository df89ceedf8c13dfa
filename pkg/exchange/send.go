package exchange

import (
	"bytes"
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/dyluth/sapling/pkg/tree"
)

// FlushFunc delivers a batch of operations. final is set on the last batch of an
// exchange, which may be empty.
type FlushFunc func(ctx context.Context, ops []Op, final bool) error

// SendQueue walks "after" against "before" and emits the operation stream.
//
// Errors are sticky: once a field fails, every later call is a no-op and End
// returns the first error. Codecs therefore never check errors themselves.
type SendQueue struct {
	ctx   context.Context
	st    *State
	flush FlushFunc
	batch []Op
	sent  int
	err   error

	// noRefs forces full values and leaves the stage untouched; used to answer
	// pull-back requests.
	noRefs bool

	// hash switches the queue into fingerprint mode: ops are hashed instead of
	// queued and child nodes contribute their own fingerprints.
	hash *xxhash.Digest
	fp   *Fingerprinter
}

// NewSendQueue returns a queue that flushes through flush.
func NewSendQueue(ctx context.Context, st *State, flush FlushFunc) *SendQueue {
	return &SendQueue{ctx: ctx, st: st, flush: flush}
}

// Err returns the first error recorded by the queue.
func (q *SendQueue) Err() error {
	return q.err
}

// Sent returns the number of operations flushed so far.
func (q *SendQueue) Sent() int {
	return q.sent
}

// Tree emits the stream that turns before into after. before is nil for a full send.
func (q *SendQueue) Tree(before, after tree.Node) {
	if after == nil {
		q.fail(fmt.Errorf("cannot send a nil tree"))
		return
	}
	q.node(before, after)
}

// End flushes the final batch and returns the first error seen.
func (q *SendQueue) End() error {
	if q.err == nil {
		q.flushBatch(true)
	}
	return q.err
}

func (q *SendQueue) fail(err error) {
	if q.err == nil {
		q.err = err
	}
}

func (q *SendQueue) put(op Op) {
	if q.err != nil {
		return
	}
	if q.hash != nil {
		writeOp(q.hash, op)
		return
	}
	q.st.trace(DirSend, op)
	q.batch = append(q.batch, op)
	if len(q.batch) >= q.st.batchSize() {
		q.flushBatch(false)
	}
}

func (q *SendQueue) flushBatch(final bool) {
	if q.hash != nil {
		return
	}
	if err := q.ctx.Err(); err != nil {
		q.fail(err)
		return
	}
	batch := q.batch
	q.batch = nil
	if err := q.flush(q.ctx, batch, final); err != nil {
		q.fail(err)
		return
	}
	q.sent += len(batch)
}

// String emits a scalar string field.
func (q *SendQueue) String(before, after string) {
	if before == after {
		q.put(Op{Code: OpUnchanged})
		return
	}
	q.put(Op{Code: OpScalar, Value: after})
}

// Bool emits a scalar bool field.
func (q *SendQueue) Bool(before, after bool) {
	if before == after {
		q.put(Op{Code: OpUnchanged})
		return
	}
	q.put(Op{Code: OpScalar, Value: after})
}

// Int emits a scalar int field.
func (q *SendQueue) Int(before, after int) {
	if before == after {
		q.put(Op{Code: OpUnchanged})
		return
	}
	q.put(Op{Code: OpScalar, Value: int64(after)})
}

// Bytes emits an opaque blob field.
func (q *SendQueue) Bytes(before, after []byte) {
	if bytes.Equal(before, after) && (before == nil) == (after == nil) {
		q.put(Op{Code: OpUnchanged})
		return
	}
	q.put(Op{Code: OpScalar, Value: after})
}

// SendEnum emits a string-typed enum field.
func SendEnum[E ~string](q *SendQueue, before, after E) {
	q.String(string(before), string(after))
}

// SendNode emits an optional child node field.
func SendNode[T nodeType](q *SendQueue, before, after T) {
	q.node(nodeOrNil(before), nodeOrNil(after))
}

// node is the per-field dispatch for child nodes:
//
//	after nil                         -> unchanged or delete
//	after is before                   -> unchanged
//	same id, kind and content         -> unchanged (needs Fingerprints)
//	same id and kind as before        -> change, then the kind's fields
//	peer already holds after's value  -> ref
//	otherwise                         -> add, then the kind's fields against a blank
//
// The stage is updated after the node's subtree has been emitted.
func (q *SendQueue) node(before, after tree.Node) {
	if q.err != nil {
		return
	}

	if q.hash != nil {
		if after == nil {
			q.put(Op{Code: OpDelete})
			return
		}
		q.put(Op{Code: OpRef, NodeKind: after.Kind(), ID: after.Identity(), Value: q.fp.Sum(after)})
		return
	}

	if after == nil {
		if before == nil {
			q.put(Op{Code: OpUnchanged})
		} else {
			q.put(Op{Code: OpDelete})
		}
		return
	}
	if before == after {
		q.put(Op{Code: OpUnchanged})
		return
	}

	id := after.Identity()
	switch {
	case before != nil && before.Identity() == id && before.Kind() == after.Kind():
		if q.sameContent(before, after) {
			// Both sides keep before; the stage is not touched.
			q.put(Op{Code: OpUnchanged})
			return
		}
		q.put(Op{Code: OpChange, ID: id})
		q.encode(before, after)
	case q.known(after):
		q.put(Op{Code: OpRef, ID: id})
	default:
		q.put(Op{Code: OpAdd, NodeKind: after.Kind(), ID: id})
		q.encode(nil, after)
	}

	if q.err == nil && !q.noRefs {
		q.st.Stage.Put(after)
	}
}

// known reports whether the peer already holds after's exact value.
func (q *SendQueue) known(after tree.Node) bool {
	if q.noRefs {
		return false
	}
	cached, ok := q.st.Stage.Get(after.Identity())
	if !ok {
		return false
	}
	if cached == after {
		return true
	}
	if q.st.Fingerprints == nil || cached.Kind() != after.Kind() {
		return false
	}
	return q.st.Fingerprints.Sum(cached) == q.st.Fingerprints.Sum(after)
}

// sameContent reports whether a re-created node carries exactly before's value.
func (q *SendQueue) sameContent(before, after tree.Node) bool {
	if q.noRefs || q.st.Fingerprints == nil {
		return false
	}
	return q.st.Fingerprints.Sum(before) == q.st.Fingerprints.Sum(after)
}

func (q *SendQueue) encode(before, after tree.Node) {
	reg, err := q.st.Registry.lookup(after.Kind())
	if err != nil {
		q.fail(err)
		return
	}
	reg.codec.send(q, before, after)
}

// nodeType admits concrete node pointers as well as the Node and Marker interfaces.
type nodeType interface {
	tree.Node
	comparable
}

// nodeOrNil converts a possibly-zero T into a Node without producing a typed nil.
func nodeOrNil[T nodeType](n T) tree.Node {
	var zero T
	if n == zero {
		return nil
	}
	return n
}
