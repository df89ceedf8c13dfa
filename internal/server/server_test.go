package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dyluth/sapling/internal/metrics"
	"github.com/dyluth/sapling/internal/yamltree"
	"github.com/dyluth/sapling/pkg/channel"
	"github.com/dyluth/sapling/pkg/session"
	"github.com/dyluth/sapling/pkg/tree"
	"github.com/dyluth/sapling/pkg/wire"
)

type delivery struct {
	session string
	r       session.Received
}

func collect() (Sink, <-chan delivery) {
	c := make(chan delivery, 16)
	return func(_ context.Context, id string, r session.Received) error {
		c <- delivery{session: id, r: r}
		return nil
	}, c
}

func TestNew_RequiresSink(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	sink, _ := collect()

	t.Run("healthy without a backend", func(t *testing.T) {
		s, err := New(Config{Sink: sink})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		var resp HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, HealthResponse{Status: "healthy"}, resp)
	})

	t.Run("unhealthy when the backend is down", func(t *testing.T) {
		s, err := New(Config{Sink: sink, Ping: func(context.Context) error {
			return errors.New("connection refused")
		}})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		var resp HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, "disconnected", resp.Backend)
		assert.Equal(t, "connection refused", resp.Error)
	})

	t.Run("rejects other methods", func(t *testing.T) {
		s, err := New(Config{Sink: sink})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestMetricsRoute(t *testing.T) {
	sink, _ := collect()

	without, err := New(Config{Sink: sink})
	require.NoError(t, err)
	w := httptest.NewRecorder()
	without.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	with, err := New(Config{Sink: sink, Metrics: metrics.New()})
	require.NoError(t, err)
	w = httptest.NewRecorder()
	with.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sapling_sessions_active")
}

func TestSessions_NotAWebSocket(t *testing.T) {
	sink, _ := collect()
	s, err := New(Config{Sink: sink})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, s.Sessions())
}

// serve runs s on a loopback listener until the test ends and returns the
// WebSocket URL of its sessions endpoint.
func serve(t *testing.T, s *Server) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return "ws://" + l.Addr().String() + "/sessions"
}

func dial(t *testing.T, url, id string) *session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := channel.DialWebSocket(ctx, url+"?session="+id, wire.JSON{})
	require.NoError(t, err)
	sess, err := session.New(ch, session.Options{ID: id, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	sess.Start()
	t.Cleanup(func() { sess.Close() })
	return sess
}

func parse(t *testing.T, name, src string) *tree.Documents {
	t.Helper()
	docs, err := yamltree.Parse(name, []byte(src))
	require.NoError(t, err)
	return docs
}

func render(t *testing.T, n tree.Node) string {
	t.Helper()
	docs, ok := n.(*tree.Documents)
	require.True(t, ok, "received %T", n)
	out, err := yamltree.Print(docs)
	require.NoError(t, err)
	return string(out)
}

func next(t *testing.T, c <-chan delivery) delivery {
	t.Helper()
	select {
	case d := <-c:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no tree delivered")
		return delivery{}
	}
}

func TestSessions_ExchangeOverWebSocket(t *testing.T) {
	sink, delivered := collect()
	m := metrics.New()
	s, err := New(Config{
		Sink:    sink,
		Metrics: m,
		Logger:  zaptest.NewLogger(t),
		Session: session.Options{BatchSize: 4},
	})
	require.NoError(t, err)
	url := serve(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Two peers send different versions of the same file; their sessions must not
	// see each other's caches.
	peers := map[string]string{
		"alpha": "name: web\nreplicas: 2\nports: [80, 443]\n",
		"beta":  "name: web\nreplicas: 5\n",
	}
	for id, src := range peers {
		sess := dial(t, url, id)
		require.NoError(t, sess.Send(ctx, parse(t, "deploy.yml", src)))
	}
	require.Eventually(t, func() bool { return s.Sessions() == 2 }, 5*time.Second, 10*time.Millisecond)

	got := make(map[string]string)
	for range peers {
		d := next(t, delivered)
		assert.Equal(t, tree.FamilyData, d.r.Family)
		got[d.session] = render(t, d.r.Tree)
	}
	for id, src := range peers {
		assert.Equal(t, src, got[id], "session %s", id)
	}
	assert.Contains(t, scrape(t, s), "sapling_sessions_active 2")
}

func scrape(t *testing.T, s *Server) string {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestSessions_EditsArriveAsDiffs(t *testing.T) {
	sink, delivered := collect()
	s, err := New(Config{Sink: sink, Metrics: metrics.New()})
	require.NoError(t, err)
	url := serve(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, fmt.Sprintf("key%d: value%d", i, i))
	}
	v1 := strings.Join(lines, "\n") + "\n"
	v2 := strings.Replace(v1, "key7: value7", "key7: edited", 1)

	sess := dial(t, url, "editor")
	require.NoError(t, sess.Send(ctx, parse(t, "big.yml", v1)))
	assert.Equal(t, v1, render(t, next(t, delivered).r.Tree))

	require.NoError(t, sess.Send(ctx, parse(t, "big.yml", v2)))
	assert.Equal(t, v2, render(t, next(t, delivered).r.Tree))

	body := scrape(t, s)
	assert.Contains(t, body, `sapling_exchanges_total{direction="receive",result="ok"} 2`)
	assert.Contains(t, body, `sapling_ops_total{code="unchanged",direction="receive"}`)
}

func TestServe_ClosesSessionsOnShutdown(t *testing.T) {
	sink, _ := collect()
	s, err := New(Config{Sink: sink})
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l) }()

	client := dial(t, "ws://"+l.Addr().String()+"/sessions", "short-lived")
	require.Eventually(t, func() bool { return s.Sessions() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.Zero(t, s.Sessions())

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client session still running after server shutdown")
	}
}
