package frontend

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Bus is the minimal Redis surface the frontend needs: LPUSH to hand a
// serialized request to a dispatcher, and a blocking poll for the reply
// list a response is expected on.
type Bus interface {
	// LPush pushes value onto target's queue. A reply that is not a
	// positive list length is reported as ErrBusWrite; client and Redis
	// errors are returned wrapped.
	LPush(ctx context.Context, target RedisTarget, value []byte) error
	// BRPopOnce blocks for up to block waiting for a single value on key,
	// against the Redis endpoint named by target (its Queue field is
	// ignored). A nil, nil result means the timeout elapsed with nothing
	// to read.
	BRPopOnce(ctx context.Context, target RedisTarget, key string, block time.Duration) ([]byte, error)
}

// ErrBusWrite is returned when LPUSH completes without error but its reply
// is not a positive list length.
var ErrBusWrite = fmt.Errorf("frontend: bus write failed")

// redisBus adapts a pool of per-endpoint go-redis clients to the Bus
// interface. One client is lazily created per (host, port) or (unix
// socket) endpoint, matching spec.md §5's "one Redis client pool per
// endpoint, lazily created".
type redisBus struct {
	mu      sync.Mutex
	clients map[string]*goredis.Client
	timeout time.Duration
}

// NewRedisBus returns a Bus backed by go-redis, dialing lazily per
// endpoint.
func NewRedisBus(timeout time.Duration) Bus {
	return &redisBus{clients: make(map[string]*goredis.Client), timeout: timeout}
}

func endpointKey(target RedisTarget) string {
	if target.UnixSocket != "" {
		return "unix:" + target.UnixSocket
	}
	return fmt.Sprintf("%s:%d", target.Host, target.Port)
}

func (b *redisBus) clientFor(target RedisTarget) *goredis.Client {
	key := endpointKey(target)
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[key]; ok {
		return c
	}
	opts := &goredis.Options{DialTimeout: b.timeout}
	if target.UnixSocket != "" {
		opts.Network = "unix"
		opts.Addr = target.UnixSocket
	} else {
		opts.Network = "tcp"
		opts.Addr = fmt.Sprintf("%s:%d", target.Host, target.Port)
	}
	c := goredis.NewClient(opts)
	b.clients[key] = c
	return c
}

func (b *redisBus) LPush(ctx context.Context, target RedisTarget, value []byte) error {
	client := b.clientFor(target)
	n, err := client.LPush(ctx, target.Queue, value).Result()
	if err != nil {
		return fmt.Errorf("frontend: lpush %s: %w", target.Queue, err)
	}
	if n <= 0 {
		return ErrBusWrite
	}
	return nil
}

func (b *redisBus) BRPopOnce(ctx context.Context, target RedisTarget, key string, block time.Duration) ([]byte, error) {
	client := b.clientFor(target)
	result, err := client.BRPop(ctx, block, key).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("frontend: brpop %s: %w", key, err)
	}
	if len(result) < 2 {
		return nil, nil
	}
	return []byte(result[1]), nil
}
