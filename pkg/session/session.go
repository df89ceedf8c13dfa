// Package session runs tree exchanges between two peers over a channel.
//
// A Session owns one pair of identity caches: the outbound cache records what the
// peer holds for every id this side has sent, and the inbound cache records what
// this side reconstructed from the peer. Each exchange stages its cache writes and
// commits them only once the receiver has acknowledged the whole stream, so a
// failed exchange leaves both caches as they were.
//
// Sends on one session are serialized, and received exchanges are decoded in
// arrival order by a single worker. Separate sessions share nothing and run fully
// in parallel.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dyluth/sapling/pkg/channel"
	"github.com/dyluth/sapling/pkg/exchange"
	"github.com/dyluth/sapling/pkg/tree"
	"github.com/dyluth/sapling/pkg/wire"
)

const (
	// DefaultTimeout bounds a single exchange when Options.Timeout is zero.
	DefaultTimeout = 30 * time.Second

	receivedBuffer = 64
	closeGrace     = time.Second
)

// Options configure a Session. The zero value is usable.
type Options struct {
	// ID names the session in logs and on the wire. A random UUID when empty.
	ID string

	// Registry holds the node codecs. exchange.DefaultRegistry when nil.
	Registry *exchange.Registry

	// BatchSize is the number of operations per batch message. It bounds
	// flushes within one exchange, not how many exchanges are in flight:
	// exchanges on a session are serialized, so there is never more than one.
	BatchSize int

	// Timeout bounds each exchange, including the wait for the peer's answer.
	Timeout time.Duration

	// FingerprintCacheSize sizes the content-hash memo used to reference equal
	// values under new pointers. Zero uses the default; negative disables it.
	FingerprintCacheSize int

	// Trace logs every operation at debug level.
	Trace bool

	Logger   *zap.Logger
	Observer Observer
}

// Received is a tree delivered by the peer.
type Received struct {
	Exchange string
	Family   string // Routing key of the root's kind family
	Tree     tree.Node
}

// HandlerFunc consumes received trees of one family. It runs on the receive
// worker, so the next exchange is not decoded until it returns.
type HandlerFunc func(ctx context.Context, r Received) error

// Session is one end of a peer-to-peer tree exchange.
type Session struct {
	id        string
	ch        channel.Channel
	reg       *exchange.Registry
	fp        *exchange.Fingerprinter
	batchSize int
	timeout   time.Duration
	trace     bool
	log       *zap.Logger
	obs       Observer

	out *exchange.Cache
	in  *exchange.Cache

	sendMu sync.Mutex
	writes chan struct{} // one writer at a time

	mu       sync.Mutex
	replies  map[string]chan *wire.Message // ack/error waiters by exchange
	pulls    map[string]chan *wire.Message // object waiters by exchange
	outbound map[string]*exchange.Stage    // in-flight send stages by exchange
	handlers map[string]HandlerFunc
	started  bool
	err      error

	inbox    *mailbox
	received chan Received
	worker   chan struct{} // closed when the receive worker exits

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a session over ch. Call Handle for any routed families, then Start.
func New(ch channel.Channel, opts Options) (*Session, error) {
	if ch == nil {
		return nil, fmt.Errorf("session requires a channel")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Registry == nil {
		opts.Registry = exchange.DefaultRegistry()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	var fp *exchange.Fingerprinter
	if opts.FingerprintCacheSize >= 0 {
		var err error
		if fp, err = exchange.NewFingerprinter(opts.Registry, opts.FingerprintCacheSize); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        opts.ID,
		ch:        ch,
		reg:       opts.Registry,
		fp:        fp,
		batchSize: opts.BatchSize,
		timeout:   opts.Timeout,
		trace:     opts.Trace,
		log:       opts.Logger.With(zap.String("session", opts.ID)),
		obs:       opts.Observer,
		out:       exchange.NewCache(),
		in:        exchange.NewCache(),
		writes:    make(chan struct{}, 1),
		replies:   make(map[string]chan *wire.Message),
		pulls:     make(map[string]chan *wire.Message),
		outbound:  make(map[string]*exchange.Stage),
		handlers:  make(map[string]HandlerFunc),
		inbox:     newMailbox(),
		received:  make(chan Received, receivedBuffer),
		worker:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Registry returns the codecs the session encodes and decodes with.
func (s *Session) Registry() *exchange.Registry { return s.reg }

// Handle routes received trees whose root belongs to family to fn instead of
// Receive. Register handlers before Start.
func (s *Session) Handle(family string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[family] = fn
}

// Start launches the reader and the receive worker. It is safe to call twice.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.wg.Add(2)
	go s.readLoop()
	go s.receiveLoop()
	s.log.Debug("session started")
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the session, or nil while it runs and after an
// orderly close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the session ends and its goroutines have exited.
func (s *Session) Wait() error {
	<-s.done
	s.wg.Wait()
	return s.Err()
}

// Close tells the peer the session is over and releases the channel. Close is
// idempotent.
func (s *Session) Close() error {
	select {
	case <-s.done:
	default:
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		if err := s.write(ctx, wire.New(wire.TypeClose)); err != nil {
			s.log.Debug("failed to send close", zap.Error(err))
		}
		cancel()
		s.terminate(nil)
	}
	s.wg.Wait()
	return nil
}

// CacheStats reports the number of ids held in each cache.
type CacheStats struct {
	Outbound int
	Inbound  int
}

// Caches returns the current cache sizes.
func (s *Session) Caches() CacheStats {
	return CacheStats{Outbound: s.out.Len(), Inbound: s.in.Len()}
}

// terminate ends the session once. A nil err means an orderly close.
func (s *Session) terminate(err error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()

		s.cancel()
		if cerr := s.ch.Close(); cerr != nil {
			s.log.Debug("failed to close channel", zap.Error(cerr))
		}
		close(s.done)

		if err != nil {
			s.log.Warn("session torn down", zap.Error(err))
		} else {
			s.log.Info("session closed")
		}
	})
}

// alive returns an error once the session cannot run exchanges.
func (s *Session) alive() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	select {
	case <-s.done:
		if err := s.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return ErrClosed
	default:
		return nil
	}
}

// write sends m on the channel. Writes are serialized and abandoned when the
// session ends.
func (s *Session) write(ctx context.Context, m *wire.Message) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	select {
	case s.writes <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.writes }()

	m.Session = s.id
	return s.ch.Send(ctx, m)
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		m, err := s.ch.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.terminate(fmt.Errorf("%w: %w", ErrClosed, err))
			return
		}

		switch m.Type {
		case wire.TypeBatch, wire.TypeRelease:
			s.inbox.push(m)
		case wire.TypeAck, wire.TypeError:
			s.route(s.replies, m)
		case wire.TypeObject:
			s.route(s.pulls, m)
		case wire.TypeGetObject:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveObject(m)
			}()
		case wire.TypeClose:
			s.log.Debug("peer closed the session")
			s.terminate(nil)
			return
		}
	}
}

// route hands a reply to the goroutine waiting on its exchange.
func (s *Session) route(waiters map[string]chan *wire.Message, m *wire.Message) {
	s.mu.Lock()
	c, ok := waiters[m.Exchange]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("dropping unsolicited reply", zap.Stringer("msg", m))
		return
	}
	select {
	case c <- m:
	default:
	}
}

func (s *Session) tracer(log *zap.Logger) *zap.Logger {
	if !s.trace {
		return nil
	}
	return log
}
