package exchange

import (
	"context"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dyluth/sapling/pkg/tree"
)

// DefaultFingerprintCacheSize is the number of node fingerprints a Fingerprinter
// remembers when no size is given.
const DefaultFingerprintCacheSize = 4096

// Fingerprinter computes content hashes of nodes. Two nodes with the same kind, id
// and field values hash equal regardless of pointer identity. Nodes are immutable,
// so results are memoized per pointer.
//
// Fingerprinter is safe for concurrent use.
type Fingerprinter struct {
	registry *Registry
	memo     *lru.Cache[tree.Node, uint64]
}

// NewFingerprinter returns a fingerprinter that walks nodes with reg's codecs.
func NewFingerprinter(reg *Registry, size int) (*Fingerprinter, error) {
	if size <= 0 {
		size = DefaultFingerprintCacheSize
	}
	memo, err := lru.New[tree.Node, uint64](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create fingerprint cache: %w", err)
	}
	return &Fingerprinter{registry: reg, memo: memo}, nil
}

// Sum returns the fingerprint of n, or 0 for nil and for kinds with no codec.
func (f *Fingerprinter) Sum(n tree.Node) uint64 {
	if n == nil {
		return 0
	}
	if sum, ok := f.memo.Get(n); ok {
		return sum
	}

	h := xxhash.New()
	var head []byte
	head = protowire.AppendString(head, string(n.Kind()))
	head = protowire.AppendString(head, string(n.Identity()))
	h.Write(head)
	q := &SendQueue{
		ctx:  context.Background(),
		st:   &State{Registry: f.registry},
		hash: h,
		fp:   f,
	}
	q.encode(nil, n)
	if q.err != nil {
		return 0
	}

	sum := h.Sum64()
	f.memo.Add(n, sum)
	return sum
}

// Len returns the number of memoized fingerprints.
func (f *Fingerprinter) Len() int {
	return f.memo.Len()
}

// Value tags in the hashed op encoding. Every string and blob is length
// prefixed, so no field value can stand in for a field boundary.
const (
	hashNil = iota
	hashString
	hashBool
	hashInt
	hashUint
	hashNilBytes
	hashBytes
	hashOther
)

func writeOp(w io.Writer, op Op) {
	b := make([]byte, 0, 64)
	b = protowire.AppendString(b, string(op.Code))
	b = protowire.AppendString(b, string(op.NodeKind))
	b = protowire.AppendString(b, string(op.ID))
	b = appendHashValue(b, op.Value)
	b = protowire.AppendVarint(b, uint64(len(op.List)))
	for _, e := range op.List {
		b = protowire.AppendString(b, string(e.Action))
		b = protowire.AppendString(b, string(e.ID))
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(e.From)))
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(e.To)))
		b = protowire.AppendVarint(b, uint64(e.span()))
		b = protowire.AppendVarint(b, protowire.EncodeBool(e.Changed))
	}
	w.Write(b)
}

func appendHashValue(b []byte, v any) []byte {
	switch v := v.(type) {
	case nil:
		return protowire.AppendVarint(b, hashNil)
	case string:
		return protowire.AppendString(protowire.AppendVarint(b, hashString), v)
	case bool:
		return protowire.AppendVarint(protowire.AppendVarint(b, hashBool), protowire.EncodeBool(v))
	case int64:
		return protowire.AppendVarint(protowire.AppendVarint(b, hashInt), protowire.EncodeZigZag(v))
	case uint64:
		return protowire.AppendVarint(protowire.AppendVarint(b, hashUint), v)
	case []byte:
		if v == nil {
			return protowire.AppendVarint(b, hashNilBytes)
		}
		return protowire.AppendBytes(protowire.AppendVarint(b, hashBytes), v)
	default:
		return protowire.AppendString(protowire.AppendVarint(b, hashOther), fmt.Sprintf("%T:%v", v, v))
	}
}
