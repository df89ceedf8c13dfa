package exchange

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dyluth/sapling/pkg/tree"
)

// Codec is the send/receive pair for one node kind.
//
// Send visits every field of the kind in a fixed order and emits exactly one
// operation (or one nested node or list) per field, diffing after against before.
// Receive consumes the same fields in the same order and returns the rebuilt node.
// When a node is transmitted in full, before is the blank value produced by New,
// so a full send is simply a diff against the zero value.
type Codec[T tree.Node] struct {
	New     func(id tree.ID) T
	Send    func(q *SendQueue, before, after T)
	Receive func(q *ReceiveQueue, before T) T
}

// codec erases the type parameter so the registry can hold every kind.
type codec interface {
	send(q *SendQueue, before, after tree.Node)
	receive(q *ReceiveQueue, before tree.Node, id tree.ID) tree.Node
}

type typedCodec[T tree.Node] struct {
	kind tree.Kind
	c    Codec[T]
}

func (t typedCodec[T]) send(q *SendQueue, before, after tree.Node) {
	a, ok := after.(T)
	if !ok {
		q.fail(fmt.Errorf("codec for %s cannot send %T", t.kind, after))
		return
	}
	var b T
	if before == nil {
		b = t.c.New(a.Identity())
	} else if b, ok = before.(T); !ok {
		q.fail(fmt.Errorf("codec for %s cannot diff against %T", t.kind, before))
		return
	}
	t.c.Send(q, b, a)
}

func (t typedCodec[T]) receive(q *ReceiveQueue, before tree.Node, id tree.ID) tree.Node {
	var b T
	if before == nil {
		b = t.c.New(id)
	} else {
		var ok bool
		if b, ok = before.(T); !ok {
			q.desync(string(t.kind), OpChange, fmt.Sprintf("before value is %T", before))
			return nil
		}
	}
	return t.c.Receive(q, b)
}

type registration struct {
	kind   tree.Kind
	family string
	codec  codec
}

// Registry maps kind tags to codecs. Registering a kind makes it transmissible
// without touching the queues.
//
// Registry is safe for concurrent use. A single registry can be shared by many
// sessions: it holds no per-peer state.
type Registry struct {
	mu    sync.RWMutex
	kinds map[tree.Kind]*registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[tree.Kind]*registration)}
}

// Register adds the codec for kind. The kind's family ("data" in "data.Scalar")
// becomes its source kind key.
func Register[T tree.Node](r *Registry, kind tree.Kind, c Codec[T]) error {
	if kind == "" {
		return fmt.Errorf("kind cannot be empty")
	}
	if c.New == nil || c.Send == nil || c.Receive == nil {
		return fmt.Errorf("codec for %s is incomplete", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	r.kinds[kind] = &registration{
		kind:   kind,
		family: kind.Family(),
		codec:  typedCodec[T]{kind: kind, c: c},
	}
	return nil
}

// MustRegister is Register that panics on error, for package-level setup.
func MustRegister[T tree.Node](r *Registry, kind tree.Kind, c Codec[T]) {
	if err := Register(r, kind, c); err != nil {
		panic(err)
	}
}

func (r *Registry) lookup(kind tree.Kind) (*registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
	}
	return reg, nil
}

// Has reports whether kind is registered.
func (r *Registry) Has(kind tree.Kind) bool {
	_, err := r.lookup(kind)
	return err == nil
}

// SourceKindKey returns the routing key of a node's family, used to hand received
// trees to the right consumer when several tree families share a channel.
func (r *Registry) SourceKindKey(n tree.Node) (string, error) {
	reg, err := r.lookup(n.Kind())
	if err != nil {
		return "", err
	}
	return reg.family, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []tree.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]tree.Kind, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
