// Package server accepts peers over WebSocket and runs one isolated session per
// connection. Trees the peers send are handed to a Sink.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dyluth/sapling/internal/metrics"
	"github.com/dyluth/sapling/pkg/channel"
	"github.com/dyluth/sapling/pkg/session"
	"github.com/dyluth/sapling/pkg/wire"
)

const shutdownGrace = 5 * time.Second

// Sink consumes the trees a session receives.
type Sink func(ctx context.Context, sessionID string, r session.Received) error

// Config wires a Server.
type Config struct {
	Addr    string
	Codec   wire.Codec      // JSON when nil
	Session session.Options // template for every session; ID and Observer are set per connection
	Sink    Sink
	Logger  *zap.Logger
	Metrics *metrics.Metrics // optional; enables /metrics

	// Ping reports backend health for /healthz. Optional.
	Ping func(ctx context.Context) error
}

// Server is the HTTP front end.
type Server struct {
	cfg      Config
	log      *zap.Logger
	router   chi.Router
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session.Session
	wg       sync.WaitGroup
}

// New builds the router. Call Run or Serve to accept connections.
func New(cfg Config) (*Server, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("server requires a sink")
	}
	if cfg.Codec == nil {
		cfg.Codec = wire.JSON{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: make(map[string]*session.Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
		},
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/sessions", s.handleSession)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}
	s.router = r
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run listens on the configured address and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx ends, then shuts the HTTP server down
// and closes every live session.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("server listening", zap.String("addr", l.Addr().String()))
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := srv.Shutdown(sctx)
		s.closeSessions()
		return err
	})
	return g.Wait()
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	live := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	for _, sess := range live {
		sess.Close()
	}
	s.wg.Wait()
}

// HealthResponse is the JSON body of /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Backend  string `json:"backend,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{Status: "healthy", Sessions: s.Sessions()}
	code := http.StatusOK

	if s.cfg.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Ping(ctx); err != nil {
			response.Status = "unhealthy"
			response.Backend = "disconnected"
			response.Error = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			response.Backend = "connected"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response)
}

// handleSession upgrades the request and runs a session over it. The peer may
// name the session with the "session" query parameter.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	opts := s.cfg.Session
	opts.ID = r.URL.Query().Get("session")
	opts.Logger = s.log
	if s.cfg.Metrics != nil {
		opts.Observer = s.cfg.Metrics
	}

	sess, err := session.New(channel.NewWebSocket(conn, s.cfg.Codec), opts)
	if err != nil {
		s.log.Error("failed to create session", zap.Error(err))
		conn.Close()
		return
	}

	s.mu.Lock()
	if _, dup := s.sessions[sess.ID()]; dup {
		s.mu.Unlock()
		s.log.Warn("rejecting duplicate session id", zap.String("session", sess.ID()))
		sess.Close()
		return
	}
	s.sessions[sess.ID()] = sess
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess.ID())
			s.mu.Unlock()
		}()
		if err := Consume(context.Background(), sess, s.cfg.Sink, s.cfg.Metrics); err != nil {
			s.log.Warn("session ended with error", zap.String("session", sess.ID()), zap.Error(err))
		}
	}()
}

// Consume starts sess and hands every received tree to sink until the session
// ends or ctx is cancelled. It returns the error that ended the session, nil for
// an orderly close. m may be nil.
func Consume(ctx context.Context, sess *session.Session, sink Sink, m *metrics.Metrics) error {
	if m != nil {
		m.SessionOpened()
		defer m.SessionClosed()
	}
	sess.Start()
	defer sess.Close()

	for {
		r, err := sess.Receive(ctx)
		if err != nil {
			if errors.Is(err, session.ErrClosed) {
				return sess.Wait()
			}
			return err
		}
		if err := sink(ctx, sess.ID(), r); err != nil {
			return fmt.Errorf("sink rejected exchange %s: %w", r.Exchange, err)
		}
	}
}
