package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/sapling/pkg/exchange"
	"github.com/dyluth/sapling/pkg/tree"
	"github.com/dyluth/sapling/pkg/wire"
)

// Receive returns the next tree the peer sent that no handler claimed.
func (s *Session) Receive(ctx context.Context) (Received, error) {
	select {
	case r := <-s.received:
		return r, nil
	default:
	}
	select {
	case r := <-s.received:
		return r, nil
	case <-ctx.Done():
		return Received{}, ctx.Err()
	case <-s.done:
		// Trees acknowledged before the close are still handed out.
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			<-s.worker
		}
		select {
		case r := <-s.received:
			return r, nil
		default:
		}
		if err := s.Err(); err != nil {
			return Received{}, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return Received{}, ErrClosed
	}
}

func (s *Session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.worker)
	for {
		m, err := s.inbox.pop(s.ctx)
		if err != nil {
			return
		}
		switch m.Type {
		case wire.TypeRelease:
			released := s.in.Release(m.IDs...)
			s.obs.ObserveCache(exchange.DirReceive, s.in.Len())
			s.log.Debug("peer released ids", zap.Int("requested", len(m.IDs)), zap.Int("released", released))
		case wire.TypeBatch:
			if err := s.receiveExchange(m); err != nil && isFatal(err) {
				s.terminate(err)
				return
			}
		}
	}
}

// receiveExchange decodes the exchange that first opens, commits it and hands
// the tree on. Errors are reported to the peer before they are returned.
func (s *Session) receiveExchange(first *wire.Message) error {
	id := first.Exchange
	log := s.log.With(zap.String("exchange", id))
	start := time.Now()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	in := &inbound{s: s, id: id, first: first}
	stage := s.in.Stage()
	st := &exchange.State{
		Registry: s.reg,
		Stage:    stage,
		Fetcher:  s.fetcher(id, stage, log),
		Trace:    s.tracer(log),
	}

	after, err := s.decode(ctx, st, in)
	if err != nil {
		stage.Discard()
		if errors.Is(err, context.DeadlineExceeded) && s.ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %w", ErrTimeout, s.timeout, err)
		}
		if !isFatal(err) {
			// Skip the rest of the stream so the next exchange starts cleanly.
			if derr := in.drain(ctx); derr != nil {
				err = fmt.Errorf("%w (while skipping: %w)", err, derr)
			}
		}
		s.reject(id, err)
		s.obs.ObserveExchange(exchange.DirReceive, result(err), time.Since(start))
		log.Warn("exchange rejected", zap.Int("ops", in.ops), zap.Error(err))
		return err
	}

	written := stage.Commit()
	s.obs.ObserveCache(exchange.DirReceive, s.in.Len())
	s.obs.ObserveExchange(exchange.DirReceive, ResultOK, time.Since(start))

	ack := wire.New(wire.TypeAck)
	ack.Exchange = id
	ack.Root = after.Identity()
	if err := s.write(ctx, ack); err != nil {
		return fmt.Errorf("failed to acknowledge exchange: %w", err)
	}
	log.Debug("exchange committed",
		zap.String("root", after.Identity().Short()),
		zap.Int("ops", in.ops),
		zap.Int("cached", written),
		zap.Duration("elapsed", time.Since(start)),
	)

	family, err := s.reg.SourceKindKey(after)
	if err != nil {
		return err
	}
	s.deliver(Received{Exchange: id, Family: family, Tree: after})
	return nil
}

func (s *Session) decode(ctx context.Context, st *exchange.State, in *inbound) (tree.Node, error) {
	var before tree.Node
	if base := in.first.Base; base != "" {
		b, ok := s.in.Get(base)
		if !ok {
			return nil, fmt.Errorf("%w: base tree #%s", exchange.ErrCacheMiss, base)
		}
		before = b
	}

	q := exchange.NewReceiveQueue(ctx, st, in.pull)
	after := q.Tree(before)
	if err := q.Finish(); err != nil {
		return nil, err
	}
	if err := in.finish(ctx); err != nil {
		return nil, err
	}
	if root := in.first.Root; root != "" && after.Identity() != root {
		return nil, fmt.Errorf("%w: decoded root #%s, stream announced #%s", exchange.ErrProtocolDesync, after.Identity(), root)
	}
	return after, nil
}

// reject tells the peer an exchange failed.
func (s *Session) reject(id string, cause error) {
	m := wire.New(wire.TypeError)
	m.Exchange = id
	m.Error = cause.Error()
	m.Code = errorCode(cause)

	ctx, cancel := context.WithTimeout(s.ctx, closeGrace)
	defer cancel()
	if err := s.write(ctx, m); err != nil && s.ctx.Err() == nil {
		s.log.Debug("failed to report exchange error", zap.Error(err))
	}
}

func (s *Session) deliver(r Received) {
	s.mu.Lock()
	h := s.handlers[r.Family]
	s.mu.Unlock()

	if h != nil {
		if err := h(s.ctx, r); err != nil {
			s.log.Warn("handler failed", zap.String("family", r.Family), zap.String("exchange", r.Exchange), zap.Error(err))
		}
		return
	}
	select {
	case s.received <- r:
		return
	default:
	}
	select {
	case s.received <- r:
	case <-s.ctx.Done():
		s.log.Warn("dropping received tree, nobody is reading", zap.String("exchange", r.Exchange))
	}
}

// fetcher performs pull-back for one inbound exchange: it asks the peer for the
// full value of an id and decodes the answer into the exchange's stage.
func (s *Session) fetcher(exchangeID string, stage *exchange.Stage, log *zap.Logger) exchange.Fetcher {
	return exchange.FetcherFunc(func(ctx context.Context, id tree.ID) (tree.Node, error) {
		reply := make(chan *wire.Message, 1)
		s.mu.Lock()
		s.pulls[exchangeID] = reply
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.pulls, exchangeID)
			s.mu.Unlock()
		}()

		req := wire.New(wire.TypeGetObject)
		req.Exchange = exchangeID
		req.Root = id
		if err := s.write(ctx, req); err != nil {
			s.obs.ObservePullBack(ResultError)
			return nil, err
		}
		log.Debug("pulling back object", zap.String("id", string(id)))

		var m *wire.Message
		select {
		case m = <-reply:
		case <-ctx.Done():
			s.obs.ObservePullBack(result(ctx.Err()))
			return nil, ctx.Err()
		}
		if m.Error != "" {
			s.obs.ObservePullBack(ResultError)
			return nil, remoteError(m)
		}

		n, err := exchange.DecodeObject(ctx, &exchange.State{Registry: s.reg, Stage: stage, Trace: s.tracer(log)}, m.Ops)
		s.obs.ObservePullBack(result(err))
		return n, err
	})
}

// inbound feeds one exchange's batches to a ReceiveQueue.
type inbound struct {
	s       *Session
	id      string
	first   *wire.Message
	started bool
	final   bool
	ops     int
}

func (in *inbound) pull(ctx context.Context) ([]exchange.Op, error) {
	var m *wire.Message
	switch {
	case !in.started:
		in.started = true
		m = in.first
	case in.final:
		return nil, io.EOF
	default:
		var err error
		if m, err = in.s.inbox.pop(ctx); err != nil {
			return nil, err
		}
		if m.Type != wire.TypeBatch || m.Exchange != in.id {
			return nil, fmt.Errorf("%w: %s arrived inside exchange %s", exchange.ErrProtocolDesync, m, in.id)
		}
	}
	in.final = m.Final
	in.ops += len(m.Ops)
	in.s.obs.ObserveOps(exchange.DirReceive, exchange.Summarize(m.Ops))
	return m.Ops, nil
}

// finish consumes the closing batch a sender emits after a tree that ended on a
// batch boundary. Anything but empty batches there is a desync.
func (in *inbound) finish(ctx context.Context) error {
	for !in.final {
		ops, err := in.pull(ctx)
		if err != nil {
			return err
		}
		if len(ops) > 0 {
			return fmt.Errorf("%w: %d operations after the end of the tree", exchange.ErrProtocolDesync, len(ops))
		}
	}
	return nil
}

// drain discards the remaining batches of a failed exchange.
func (in *inbound) drain(ctx context.Context) error {
	for !in.started || !in.final {
		if _, err := in.pull(ctx); err != nil {
			return err
		}
	}
	return nil
}
