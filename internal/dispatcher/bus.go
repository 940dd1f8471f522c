package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Endpoint names one Redis connection target: either a host:port pair or a
// unix domain socket.
type Endpoint struct {
	Host       string
	Port       int
	UnixSocket string
}

// Key returns a stable map key for this endpoint.
func (e Endpoint) Key() string {
	if e.UnixSocket != "" {
		return "unix:" + e.UnixSocket
	}
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Bus is the dispatcher's Redis surface: multi-key blocking pop for
// pullers, plain LPUSH for bus reinjection, and a pipelined LPUSH+EXPIRE for
// publishing responses.
type Bus interface {
	BRPop(ctx context.Context, endpoint Endpoint, lists []string, block time.Duration) (list string, value []byte, err error)
	LPush(ctx context.Context, endpoint Endpoint, queue string, value []byte) error
	LPushExpire(ctx context.Context, endpoint Endpoint, queue string, value []byte, ttl time.Duration) error
}

// redisBus adapts a pool of per-endpoint go-redis clients to Bus.
type redisBus struct {
	mu      sync.Mutex
	clients map[string]*goredis.Client
}

// NewRedisBus returns a Bus backed by go-redis, dialing lazily per endpoint.
func NewRedisBus() Bus {
	return &redisBus{clients: make(map[string]*goredis.Client)}
}

func (b *redisBus) clientFor(endpoint Endpoint) *goredis.Client {
	key := endpoint.Key()
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[key]; ok {
		return c
	}
	opts := &goredis.Options{}
	if endpoint.UnixSocket != "" {
		opts.Network = "unix"
		opts.Addr = endpoint.UnixSocket
	} else {
		opts.Network = "tcp"
		opts.Addr = fmt.Sprintf("%s:%d", endpoint.Host, endpoint.Port)
	}
	c := goredis.NewClient(opts)
	b.clients[key] = c
	return c
}

func (b *redisBus) BRPop(ctx context.Context, endpoint Endpoint, lists []string, block time.Duration) (string, []byte, error) {
	client := b.clientFor(endpoint)
	result, err := client.BRPop(ctx, block, lists...).Result()
	if err == goredis.Nil {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("dispatcher: brpop %v: %w", lists, err)
	}
	if len(result) < 2 {
		return "", nil, nil
	}
	return result[0], []byte(result[1]), nil
}

func (b *redisBus) LPush(ctx context.Context, endpoint Endpoint, queue string, value []byte) error {
	client := b.clientFor(endpoint)
	n, err := client.LPush(ctx, queue, value).Result()
	if err != nil {
		return fmt.Errorf("dispatcher: lpush %s: %w", queue, err)
	}
	if n <= 0 {
		return fmt.Errorf("dispatcher: lpush %s: non-integer reply", queue)
	}
	return nil
}

func (b *redisBus) LPushExpire(ctx context.Context, endpoint Endpoint, queue string, value []byte, ttl time.Duration) error {
	client := b.clientFor(endpoint)
	pipe := client.TxPipeline()
	lpush := pipe.LPush(ctx, queue, value)
	expire := pipe.Expire(ctx, queue, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatcher: lpush+expire %s: %w", queue, err)
	}
	if n, err := lpush.Result(); err != nil || n <= 0 {
		return fmt.Errorf("dispatcher: lpush %s: non-integer reply", queue)
	}
	if ok, err := expire.Result(); err != nil || !ok {
		return fmt.Errorf("dispatcher: expire %s: non-integer reply", queue)
	}
	return nil
}
