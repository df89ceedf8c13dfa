package channel

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/sapling/pkg/exchange"
	"github.com/dyluth/sapling/pkg/wire"
)

func batch(exchangeID string, n int) *wire.Message {
	m := wire.New(wire.TypeBatch)
	m.Exchange = exchangeID
	for i := 0; i < n; i++ {
		m.Ops = append(m.Ops, exchange.Op{Code: exchange.OpScalar, Value: "v"})
	}
	return m
}

// exercise checks ordered delivery in both directions and close behavior.
func exercise(t *testing.T, a, b Channel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Send(ctx, batch("x", i)))
	}
	for i := 0; i < 5; i++ {
		m, err := b.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, wire.TypeBatch, m.Type)
		assert.Len(t, m.Ops, i, "messages arrive in send order")
	}

	reply := wire.New(wire.TypeAck)
	reply.Exchange = "x"
	require.NoError(t, b.Send(ctx, reply))
	m, err := a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, reply.ID, m.ID)

	short, stop := context.WithTimeout(ctx, 50*time.Millisecond)
	defer stop()
	_, err = a.Receive(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipe(t *testing.T) {
	a, b := Pipe()
	exercise(t, a, b)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "close is idempotent")
	_, err := b.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Send(context.Background(), batch("y", 0)), ErrClosed)
}

func TestCodecPipe(t *testing.T) {
	for _, name := range []string{wire.CodecJSON, wire.CodecBinary} {
		t.Run(name, func(t *testing.T) {
			codec, err := wire.CodecByName(name, true)
			require.NoError(t, err)
			a, b := CodecPipe(codec)
			defer a.Close()
			exercise(t, a, b)
		})
	}

	t.Run("invalid messages are rejected", func(t *testing.T) {
		a, b := CodecPipe(wire.JSON{})
		defer a.Close()
		defer b.Close()
		err := a.Send(context.Background(), &wire.Message{ID: "x", Type: "bogus"})
		assert.ErrorIs(t, err, ErrTransport)
	})
}

func TestStream(t *testing.T) {
	c1, c2 := net.Pipe()
	a := NewStream(c1, wire.Binary{})
	b := NewStream(c2, wire.Binary{})
	exercise(t, a, b)

	require.NoError(t, a.Close())
	_, err := b.Receive(context.Background())
	assert.Error(t, err)
	b.Close()
}

func TestStream_RejectsOversizedFrames(t *testing.T) {
	c1, c2 := net.Pipe()
	b := NewStream(c2, wire.JSON{})
	defer b.Close()

	go func() {
		// Length prefix for a 1 GiB frame.
		c1.Write([]byte{0x80, 0x80, 0x80, 0x80, 0x04})
	}()

	_, err := b.Receive(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	c1.Close()
}

func TestWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	accepted := make(chan *WebSocket, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- NewWebSocket(conn, wire.JSON{})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialWebSocket(ctx, url, wire.JSON{})
	require.NoError(t, err)
	server := <-accepted

	exercise(t, client, server)

	require.NoError(t, client.Close())
	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	server.Close()

	assert.ErrorIs(t, client.Send(ctx, batch("late", 0)), ErrClosed, "a closed connection refuses writes")
	assert.NoError(t, client.Close(), "Close is idempotent")
}

func TestWebSocket_DialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := DialWebSocket(ctx, "ws://127.0.0.1:1/sessions", wire.JSON{})
	assert.ErrorIs(t, err, ErrTransport)
}

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func TestRedis(t *testing.T) {
	rdb, mr := setupRedis(t)

	a, err := NewRedis(rdb, "test", "s1", "alice", "bob", wire.Binary{})
	require.NoError(t, err)
	b, err := NewRedis(rdb, "test", "s1", "bob", "alice", wire.Binary{})
	require.NoError(t, err)

	exercise(t, a, b)

	t.Run("mailbox keys follow the schema", func(t *testing.T) {
		require.NoError(t, a.Send(context.Background(), batch("k", 0)))
		assert.True(t, mr.Exists("sapling:test:session:s1:inbox:bob"))
		assert.Equal(t, "sapling:test:session:s1:inbox:bob", InboxKey("test", "s1", "bob"))
	})

	t.Run("close deletes own inbox", func(t *testing.T) {
		require.NoError(t, b.Close())
		assert.False(t, mr.Exists("sapling:test:session:s1:inbox:bob"))
		_, err := b.Receive(context.Background())
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, b.Send(context.Background(), batch("z", 0)), ErrClosed)
	})
}

func TestRedis_Validation(t *testing.T) {
	rdb, _ := setupRedis(t)

	tests := []struct {
		name                           string
		namespace, session, self, peer string
	}{
		{"empty namespace", "", "s", "a", "b"},
		{"empty session", "ns", "", "a", "b"},
		{"empty peer", "ns", "s", "a", ""},
		{"self is peer", "ns", "s", "a", "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRedis(rdb, tt.namespace, tt.session, tt.self, tt.peer, wire.JSON{})
			assert.Error(t, err)
		})
	}
}

func TestRedis_MalformedFrame(t *testing.T) {
	rdb, mr := setupRedis(t)
	b, err := NewRedis(rdb, "test", "s1", "bob", "alice", wire.JSON{})
	require.NoError(t, err)
	defer b.Close()

	_, err = mr.Lpush(InboxKey("test", "s1", "bob"), "{not json")
	require.NoError(t, err)

	_, err = b.Receive(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
}
