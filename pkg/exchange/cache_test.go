package exchange

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/sapling/pkg/tree"
)

func TestCache(t *testing.T) {
	c := NewCache()
	a := scalar("a", "1")

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put(a)
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	newer := a.WithValue("2")
	c.Put(newer)
	got, _ = c.Get("a")
	assert.Same(t, newer, got, "a value for the same id replaces the previous one")
	assert.Equal(t, 1, c.Len())

	c.Put(nil)
	assert.Equal(t, 1, c.Len())

	assert.Equal(t, 1, c.Release("a", "missing"))
	assert.Equal(t, 0, c.Len())
}

func TestStage(t *testing.T) {
	t.Run("reads fall through to the cache", func(t *testing.T) {
		c := NewCache()
		a := scalar("a", "1")
		c.Put(a)

		s := c.Stage()
		got, ok := s.Get("a")
		require.True(t, ok)
		assert.Same(t, a, got)
	})

	t.Run("staged values shadow the cache until commit", func(t *testing.T) {
		c := NewCache()
		a := scalar("a", "1")
		c.Put(a)

		s := c.Stage()
		b := a.WithValue("2")
		s.Put(b)
		s.Put(scalar("c", "3"))

		got, _ := s.Get("a")
		assert.Same(t, b, got)
		got, _ = c.Get("a")
		assert.Same(t, a, got)
		assert.Equal(t, 2, s.Len())

		assert.Equal(t, 2, s.Commit())
		got, _ = c.Get("a")
		assert.Same(t, b, got)
		assert.Equal(t, 2, c.Len())
	})

	t.Run("discard drops staged values", func(t *testing.T) {
		c := NewCache()
		s := c.Stage()
		s.Put(scalar("a", "1"))
		s.Discard()

		assert.Equal(t, 0, c.Len())
		assert.Equal(t, 0, s.Commit())
	})

	t.Run("closed stage ignores writes", func(t *testing.T) {
		c := NewCache()
		s := c.Stage()
		s.Commit()
		s.Put(scalar("a", "1"))

		assert.Equal(t, 0, s.Len())
		assert.Equal(t, 0, c.Len())
	})

	t.Run("concurrent readers during an exchange", func(t *testing.T) {
		c := NewCache()
		s := c.Stage()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					s.Get("a")
				}
			}()
		}
		for j := 0; j < 100; j++ {
			s.Put(scalar("a", "x"))
		}
		wg.Wait()
		assert.Equal(t, 1, s.Commit())
	})
}

func TestRegistry(t *testing.T) {
	t.Run("default registry knows every kind", func(t *testing.T) {
		r := DefaultRegistry()
		assert.Len(t, r.Kinds(), 11)
		for _, k := range []tree.Kind{tree.KindDocuments, tree.KindScalar, tree.KindMarkers, tree.KindRawMarker} {
			assert.True(t, r.Has(k), "missing %s", k)
		}
		assert.False(t, r.Has("data.Table"))
	})

	t.Run("source kind key is the family", func(t *testing.T) {
		r := DefaultRegistry()
		key, err := r.SourceKindKey(scalar("s", ""))
		require.NoError(t, err)
		assert.Equal(t, tree.FamilyData, key)

		key, err = r.SourceKindKey(&tree.SearchResult{ID: "m"})
		require.NoError(t, err)
		assert.Equal(t, tree.FamilyMarker, key)
	})

	t.Run("unknown kind", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.SourceKindKey(scalar("s", ""))
		assert.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("rejects duplicates and incomplete codecs", func(t *testing.T) {
		r := DefaultRegistry()
		err := Register(r, tree.KindScalar, Codec[*tree.Scalar]{
			New:     func(id tree.ID) *tree.Scalar { return &tree.Scalar{ID: id} },
			Send:    func(*SendQueue, *tree.Scalar, *tree.Scalar) {},
			Receive: func(_ *ReceiveQueue, b *tree.Scalar) *tree.Scalar { return b },
		})
		assert.ErrorIs(t, err, ErrDuplicateKind)

		err = Register(r, "test.Empty", Codec[*tree.Scalar]{})
		assert.Error(t, err)

		err = Register(r, "", Codec[*tree.Scalar]{})
		assert.Error(t, err)

		assert.Panics(t, func() { RegisterDataKinds(r) })
	})
}

// pair is a kind defined outside pkg/tree, registered the same way the built-in
// kinds are.
type pair struct {
	ID    tree.ID
	Label string
	Left  tree.Node
	Right tree.Node
}

const kindPair tree.Kind = "test.Pair"

func (p *pair) Identity() tree.ID { return p.ID }
func (*pair) Kind() tree.Kind     { return kindPair }

func TestRegistry_CustomKind(t *testing.T) {
	h := newHarness(t)
	MustRegister(h.reg, kindPair, Codec[*pair]{
		New: func(id tree.ID) *pair { return &pair{ID: id} },
		Send: func(q *SendQueue, b, a *pair) {
			q.String(b.Label, a.Label)
			SendNode(q, b.Left, a.Left)
			SendNode(q, b.Right, a.Right)
		},
		Receive: func(q *ReceiveQueue, b *pair) *pair {
			n := *b
			n.Label = q.String(b.Label)
			n.Left = ReceiveNode(q, b.Left)
			n.Right = ReceiveNode(q, b.Right)
			return &n
		},
	})

	p := &pair{ID: "p", Label: "root", Left: scalar("l", "left"), Right: &pair{ID: "inner", Right: ident("i", "x")}}
	_, got := h.roundTrip(t, nil, p)
	assert.Equal(t, p, got)

	key, err := h.reg.SourceKindKey(p)
	require.NoError(t, err)
	assert.Equal(t, "test", key)

	swapped := &pair{ID: "p", Label: "root", Left: p.Right, Right: p.Left}
	ops, got := h.roundTrip(t, p, swapped)
	assert.Equal(t, swapped, got)
	assert.Equal(t, 2, countCode(ops, OpRef), "both children are already known to the peer")
}

func TestFingerprinter(t *testing.T) {
	fp, err := NewFingerprinter(DefaultRegistry(), 16)
	require.NoError(t, err)

	doc := wideDocument(3)
	cp := *doc
	assert.Equal(t, fp.Sum(doc), fp.Sum(&cp))
	assert.NotZero(t, fp.Sum(doc))

	edited := setScalar(doc, "s1", "other")
	assert.NotEqual(t, fp.Sum(doc), fp.Sum(edited))

	renamed := *doc
	renamed.ID = "doc2"
	assert.NotEqual(t, fp.Sum(doc), fp.Sum(&renamed), "identity is part of the fingerprint")

	assert.Zero(t, fp.Sum(nil))
	assert.Zero(t, fp.Sum(&pair{ID: "unregistered"}))

	t.Run("field boundaries", func(t *testing.T) {
		a := &tree.Scalar{ID: "s", Value: "x|scalar;;;string:y"}
		b := &tree.Scalar{ID: "s", Value: "x", LineComment: "y|unchanged;;;<nil>:<nil>"}
		assert.NotEqual(t, fp.Sum(a), fp.Sum(b))

		c := &tree.Scalar{ID: "s", Value: "ab", LineComment: "c"}
		d := &tree.Scalar{ID: "s", Value: "a", LineComment: "bc"}
		assert.NotEqual(t, fp.Sum(c), fp.Sum(d))
	})

	t.Run("nil and empty blobs differ", func(t *testing.T) {
		a := &tree.RawMarker{ID: "r", Type: "t"}
		b := &tree.RawMarker{ID: "r", Type: "t", Data: []byte{}}
		assert.NotEqual(t, fp.Sum(a), fp.Sum(b))
	})
	assert.LessOrEqual(t, fp.Len(), 16)
}

func TestScalarValueCoercion(t *testing.T) {
	i, err := asInt(float64(3))
	require.NoError(t, err)
	assert.Equal(t, 3, i)

	_, err = asInt(3.5)
	assert.Error(t, err)

	i, err = asInt(json.Number("42"))
	require.NoError(t, err)
	assert.Equal(t, 42, i)

	b, err := asBytes("AQI=")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, b)

	_, err = asBytes(12)
	assert.Error(t, err)

	s, err := asString(nil)
	require.NoError(t, err)
	assert.Empty(t, s)

	_, err = asString(true)
	assert.Error(t, err)

	v, err := asBool("true")
	require.NoError(t, err)
	assert.True(t, v)
}
