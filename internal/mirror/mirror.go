// Package mirror copies cart snapshots into Redis so other processes can
// read the session's cart without talking to the controller.
//
// The latest snapshot is stored under Key with SET and announced on
// Key + ":updates" with PUBLISH. Delivery is latest-wins: snapshots offered
// faster than Redis accepts them are coalesced, only the newest is written.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/cartsync/internal/cart"
)

// DefaultKey is the Redis key used when none is configured.
const DefaultKey = "cartsync:cart"

// flushTimeout bounds the final write after Run's context ends.
const flushTimeout = 2 * time.Second

// Client is the subset of *redis.Client the publisher uses.
type Client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// NewClient dials Redis lazily; the first command opens the connection.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Publisher writes snapshots to Redis.
type Publisher struct {
	client Client
	key    string
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	latest *cart.Cart
	wake   chan struct{}
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithKey sets the snapshot key. Default: DefaultKey.
func WithKey(key string) Option {
	return func(p *Publisher) {
		p.key = key
	}
}

// WithTTL expires the stored snapshot after d. Zero keeps it forever.
func WithTTL(d time.Duration) Option {
	return func(p *Publisher) {
		p.ttl = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = l
	}
}

// New creates a publisher over client.
func New(client Client, opts ...Option) *Publisher {
	p := &Publisher{
		client: client,
		key:    DefaultKey,
		logger: slog.Default(),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Key returns the snapshot key.
func (p *Publisher) Key() string {
	return p.key
}

// Channel returns the pub/sub channel announcing new snapshots.
func (p *Publisher) Channel() string {
	return p.key + ":updates"
}

// Offer queues c for the Run loop, replacing any snapshot not yet written.
// It never blocks, so it can be passed directly to Controller.Subscribe.
func (p *Publisher) Offer(c cart.Cart) {
	p.mu.Lock()
	p.latest = &c
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run writes offered snapshots until ctx is done, then flushes the last
// one. Write failures are logged and the loop continues.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-p.wake:
			p.flush(ctx)
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			p.flush(fctx)
			cancel()
			return nil
		}
	}
}

func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	c := p.latest
	p.latest = nil
	p.mu.Unlock()

	if c == nil {
		return
	}
	if err := p.Publish(ctx, *c); err != nil {
		p.logger.Error("mirror write failed", "key", p.key, "version", c.Version, "error", err)
	}
}

// Publish writes c immediately.
func (p *Publisher) Publish(ctx context.Context, c cart.Cart) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := p.client.Set(ctx, p.key, body, p.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", p.key, err)
	}
	if err := p.client.Publish(ctx, p.Channel(), body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", p.Channel(), err)
	}
	p.logger.Debug("snapshot mirrored", "key", p.key, "cart_id", c.ID, "version", c.Version)
	return nil
}

// Fetch reads the stored snapshot. The boolean is false when none exists.
func (p *Publisher) Fetch(ctx context.Context) (cart.Cart, bool, error) {
	body, err := p.client.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return cart.Cart{}, false, nil
	}
	if err != nil {
		return cart.Cart{}, false, fmt.Errorf("get %s: %w", p.key, err)
	}
	var c cart.Cart
	if err := json.Unmarshal(body, &c); err != nil {
		return cart.Cart{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return c, true, nil
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
