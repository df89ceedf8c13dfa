package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/sapling/pkg/wire"
)

// Redis key pattern helpers
//
// Mailboxes are namespaced so several deployments can share one Redis server.
//
// Key pattern: sapling:{namespace}:session:{session_id}:inbox:{peer}

// InboxKey returns the Redis list that holds messages addressed to peer.
// Pattern: sapling:{namespace}:session:{session_id}:inbox:{peer}
func InboxKey(namespace, sessionID, peer string) string {
	return fmt.Sprintf("sapling:%s:session:%s:inbox:%s", namespace, sessionID, peer)
}

// redisPoll bounds each BLPOP so Receive notices cancellation and Close.
const redisPoll = time.Second

// Redis exchanges messages through a pair of Redis lists: Send pushes to the
// peer's inbox and Receive pops from our own. Lists preserve order and survive
// either peer reconnecting.
type Redis struct {
	rdb    *redis.Client
	codec  wire.Codec
	inbox  string
	outbox string
	ttl    time.Duration

	closed chan struct{}
	once   sync.Once
}

// NewRedis returns the channel endpoint for self talking to peer within session.
// The caller owns rdb.
func NewRedis(rdb *redis.Client, namespace, sessionID, self, peer string, codec wire.Codec) (*Redis, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}
	if self == "" || peer == "" || self == peer {
		return nil, fmt.Errorf("self and peer must be distinct, non-empty names")
	}
	return &Redis{
		rdb:    rdb,
		codec:  codec,
		inbox:  InboxKey(namespace, sessionID, self),
		outbox: InboxKey(namespace, sessionID, peer),
		ttl:    time.Hour,
		closed: make(chan struct{}),
	}, nil
}

// SetTTL sets how long an unread mailbox is kept after the last send. Zero
// disables expiry.
func (r *Redis) SetTTL(ttl time.Duration) {
	r.ttl = ttl
}

func (r *Redis) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

func (r *Redis) Send(ctx context.Context, m *wire.Message) error {
	if r.isClosed() {
		return ErrClosed
	}
	data, err := r.codec.Marshal(m)
	if err != nil {
		return transportErr("encode frame", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, r.outbox, data)
	if r.ttl > 0 {
		pipe.Expire(ctx, r.outbox, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transportErr("push to peer inbox", err)
	}
	return nil
}

func (r *Redis) Receive(ctx context.Context) (*wire.Message, error) {
	for {
		if r.isClosed() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := r.rdb.BLPop(ctx, redisPoll, r.inbox).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if r.isClosed() {
				return nil, ErrClosed
			}
			return nil, transportErr("pop from inbox", err)
		}
		// BLPOP returns [key, value].
		if len(res) != 2 {
			return nil, transportErr("pop from inbox", fmt.Errorf("unexpected reply %v", res))
		}
		return decode(r.codec, []byte(res[1]))
	}
}

// Close stops the endpoint and deletes its inbox. It does not close the Redis
// client.
func (r *Redis) Close() error {
	var err error
	r.once.Do(func() {
		close(r.closed)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if delErr := r.rdb.Del(ctx, r.inbox).Err(); delErr != nil {
			err = fmt.Errorf("failed to delete inbox: %w", delErr)
		}
	})
	return err
}
