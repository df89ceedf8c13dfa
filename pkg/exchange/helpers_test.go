package exchange

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dyluth/sapling/pkg/tree"
)

// harness is a sender/receiver pair with one cache per direction, as a session
// would hold them.
type harness struct {
	reg  *Registry
	fp   *Fingerprinter
	out  *Cache
	in   *Cache
	last tree.Node // receiver's most recent reconstruction
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := DefaultRegistry()
	fp, err := NewFingerprinter(reg, 0)
	require.NoError(t, err)
	return &harness{reg: reg, fp: fp, out: NewCache(), in: NewCache()}
}

func (h *harness) sendState() *State {
	return &State{Registry: h.reg, Stage: h.out.Stage(), Fingerprints: h.fp}
}

func (h *harness) receiveState() *State {
	return &State{Registry: h.reg, Stage: h.in.Stage()}
}

// roundTrip encodes before->after, decodes it against the receiver's own copy of
// before and commits both stages.
func (h *harness) roundTrip(t *testing.T, before, after tree.Node) ([]Op, tree.Node) {
	t.Helper()
	ctx := context.Background()

	send := h.sendState()
	ops, err := Encode(ctx, send, before, after)
	require.NoError(t, err)

	var recvBefore tree.Node
	if before != nil {
		recvBefore = h.last
	}
	recv := h.receiveState()
	got, err := Decode(ctx, recv, recvBefore, ops)
	require.NoError(t, err)

	send.Stage.Commit()
	recv.Stage.Commit()
	h.last = got
	return ops, got
}

func scalar(id, value string) *tree.Scalar {
	return &tree.Scalar{ID: tree.ID(id), Value: value}
}

func ident(id, name string) *tree.Identifier {
	return &tree.Identifier{ID: tree.ID(id), Name: name}
}

func entry(id string, value tree.Node) *tree.Entry {
	return &tree.Entry{ID: tree.ID(id), Key: ident(id+"-key", id), Value: value}
}

func mapping(id string, entries ...*tree.Entry) *tree.Mapping {
	return &tree.Mapping{ID: tree.ID(id), Entries: entries}
}

func document(id string, block tree.Node) *tree.Document {
	return &tree.Document{ID: tree.ID(id), Block: block}
}

// wideDocument builds a document whose mapping holds n scalar entries.
func wideDocument(n int) *tree.Document {
	entries := make([]*tree.Entry, n)
	for i := range entries {
		entries[i] = entry(fmt.Sprintf("e%d", i), scalar(fmt.Sprintf("s%d", i), fmt.Sprintf("value %d", i)))
	}
	return document("doc", mapping("map", entries...))
}

// setScalar returns a copy of root with the scalar id's value replaced.
func setScalar(root tree.Node, id tree.ID, value string) tree.Node {
	return tree.Rewrite(root, func(n tree.Node) tree.Node {
		if s, ok := n.(*tree.Scalar); ok && s.ID == id {
			return s.WithValue(value)
		}
		return n
	})
}

func countCode(ops []Op, code OpCode) int {
	return Summarize(ops).ByCode[code]
}
