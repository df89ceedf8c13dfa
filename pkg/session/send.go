package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/sapling/pkg/exchange"
	"github.com/dyluth/sapling/pkg/tree"
	"github.com/dyluth/sapling/pkg/wire"
)

// Send transmits t as the next version of the tree with its id. The stream is a
// diff against whatever this session last exchanged for that id, or a full send
// when nothing was.
func (s *Session) Send(ctx context.Context, t tree.Node) error {
	if t == nil {
		return fmt.Errorf("cannot send a nil tree")
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	before, _ := s.out.Get(t.Identity())
	return s.sendLocked(ctx, before, t)
}

// SendAll sends trees in order and stops at the first failure.
func (s *Session) SendAll(ctx context.Context, trees ...tree.Node) error {
	for i, t := range trees {
		if err := s.Send(ctx, t); err != nil {
			return fmt.Errorf("failed to send tree %d: %w", i, err)
		}
	}
	return nil
}

// SendTree runs one exchange that turns before into after on the peer. before
// must be nil or exactly the value last exchanged for its id. SendTree returns
// once the peer has acknowledged or rejected the stream.
func (s *Session) SendTree(ctx context.Context, before, after tree.Node) error {
	if after == nil {
		return fmt.Errorf("cannot send a nil tree")
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if before != nil {
		if cached, ok := s.out.Get(before.Identity()); !ok || cached != before {
			return fmt.Errorf("%w: #%s", ErrNotCached, before.Identity())
		}
	}
	return s.sendLocked(ctx, before, after)
}

// sendLocked runs one exchange. The caller holds sendMu, so before is still the
// value the peer holds.
func (s *Session) sendLocked(ctx context.Context, before, after tree.Node) error {
	if err := s.alive(); err != nil {
		return err
	}

	id := wire.NewID()
	log := s.log.With(zap.String("exchange", id))
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stage := s.out.Stage()
	reply := make(chan *wire.Message, 1)
	s.mu.Lock()
	s.outbound[id] = stage
	s.replies[id] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.outbound, id)
		delete(s.replies, id)
		s.mu.Unlock()
	}()

	flushed := false
	st := &exchange.State{
		Registry:     s.reg,
		Stage:        stage,
		Fingerprints: s.fp,
		BatchSize:    s.batchSize,
		Trace:        s.tracer(log),
	}
	q := exchange.NewSendQueue(ctx, st, func(ctx context.Context, ops []exchange.Op, final bool) error {
		m := wire.New(wire.TypeBatch)
		m.Exchange = id
		m.Ops = ops
		m.Final = final
		if !flushed {
			m.Root = after.Identity()
			m.Kind = after.Kind()
			if before != nil {
				m.Base = before.Identity()
			}
		}
		flushed = true
		s.obs.ObserveOps(exchange.DirSend, exchange.Summarize(ops))
		return s.write(ctx, m)
	})
	q.Tree(before, after)
	err := q.End()
	if err == nil {
		err = s.awaitReply(ctx, reply)
	} else if flushed {
		// The peer holds part of a stream that will never finish.
		err = s.abort(ctx, err)
	}

	s.obs.ObserveExchange(exchange.DirSend, result(err), time.Since(start))
	if err != nil {
		stage.Discard()
		log.Warn("exchange failed", zap.Int("ops", q.Sent()), zap.Error(err))
		return err
	}

	written := stage.Commit()
	s.obs.ObserveCache(exchange.DirSend, s.out.Len())
	log.Debug("exchange acknowledged",
		zap.String("root", after.Identity().Short()),
		zap.Int("ops", q.Sent()),
		zap.Int("cached", written),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// awaitReply waits for the peer's verdict on an exchange.
func (s *Session) awaitReply(ctx context.Context, reply <-chan *wire.Message) error {
	select {
	case m := <-reply:
		return s.verdict(m)
	case <-ctx.Done():
		return s.abort(ctx, ctx.Err())
	case <-s.done:
		// A verdict may have arrived just before the channel went down.
		select {
		case m := <-reply:
			return s.verdict(m)
		default:
		}
		return s.alive()
	}
}

func (s *Session) verdict(m *wire.Message) error {
	if m.Type == wire.TypeAck {
		return nil
	}
	err := remoteError(m)
	if isFatal(err) {
		s.terminate(err)
	}
	return err
}

// abort tears the session down after an exchange was left half done.
func (s *Session) abort(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", ErrTimeout, s.timeout, err)
	}
	s.terminate(err)
	return err
}

// Release drops ids from this side's outbound cache and from the peer's inbound
// cache. Only the named ids are dropped; descendants stay cached until released
// themselves or replaced. See ReleaseTree.
func (s *Session) Release(ctx context.Context, ids ...tree.ID) error {
	if len(ids) == 0 {
		return nil
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.alive(); err != nil {
		return err
	}

	released := s.out.Release(ids...)
	s.obs.ObserveCache(exchange.DirSend, s.out.Len())

	m := wire.New(wire.TypeRelease)
	m.IDs = ids
	if err := s.write(ctx, m); err != nil {
		return fmt.Errorf("failed to send release: %w", err)
	}
	s.log.Debug("released ids", zap.Int("requested", len(ids)), zap.Int("released", released))
	return nil
}

// ReleaseTree releases root and every node reachable from the value cached for
// it. It returns the number of ids released.
func (s *Session) ReleaseTree(ctx context.Context, root tree.ID) (int, error) {
	cached, ok := s.out.Get(root)
	if !ok {
		return 0, nil
	}
	var ids []tree.ID
	tree.Walk(cached, func(n tree.Node) bool {
		ids = append(ids, n.Identity())
		return true
	})
	if err := s.Release(ctx, ids...); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// serveObject answers a pull-back request from the stage of the exchange the
// peer is decoding, falling back to everything the peer was already sent.
func (s *Session) serveObject(req *wire.Message) {
	reply := wire.New(wire.TypeObject)
	reply.Exchange = req.Exchange
	reply.Root = req.Root

	s.mu.Lock()
	stage := s.outbound[req.Exchange]
	s.mu.Unlock()

	var n tree.Node
	var ok bool
	if stage != nil {
		n, ok = stage.Get(req.Root)
	} else {
		n, ok = s.out.Get(req.Root)
	}

	if !ok {
		reply.Error = fmt.Sprintf("#%s is not cached", req.Root)
		reply.Code = wire.CodeCacheMiss
	} else if ops, err := exchange.EncodeObject(s.ctx, &exchange.State{Registry: s.reg}, n); err != nil {
		reply.Error = err.Error()
		reply.Code = errorCode(err)
	} else {
		reply.Kind = n.Kind()
		reply.Ops = ops
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	if err := s.write(ctx, reply); err != nil && s.ctx.Err() == nil {
		s.log.Warn("failed to answer pull-back", zap.String("id", string(req.Root)), zap.Error(err))
	}
}
