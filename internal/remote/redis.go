package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quittances/quittances/internal/schema"
)

// redisMaxRetries bounds optimistic transaction retries in Push.
const redisMaxRetries = 5

// RedisMirror stores each document as a string key and publishes the new
// body on a per-identity channel after every push.
type RedisMirror struct {
	client redis.UniversalClient
	prefix string
	logger zerolog.Logger

	// Now stamps UpdatedAtField. Defaults to time.Now.
	Now func() time.Time
}

// NewRedisMirror wraps client. Keys are "<prefix>doc:<id>" and channels
// "<prefix>changes:<id>".
func NewRedisMirror(client redis.UniversalClient, prefix string, logger zerolog.Logger) *RedisMirror {
	return &RedisMirror{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "mirror").Str("backend", "redis").Logger(),
	}
}

// OpenRedisMirror parses a redis:// URL, connects and pings.
func OpenRedisMirror(ctx context.Context, url, prefix string, logger zerolog.Logger) (*RedisMirror, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: redis backend needs a URL", ErrNotConfigured)
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisMirror(client, prefix, logger), nil
}

func (m *RedisMirror) key(id string) string     { return m.prefix + "doc:" + id }
func (m *RedisMirror) channel(id string) string { return m.prefix + "changes:" + id }

// Pull implements Mirror.
func (m *RedisMirror) Pull(ctx context.Context, id string) ([]byte, bool, error) {
	if err := ValidateIdentity(id); err != nil {
		return nil, false, err
	}

	data, err := m.client.Get(ctx, m.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get remote document: %w", err)
	}
	return data, true, nil
}

// Push implements Mirror. The read-merge-write runs in a WATCH transaction
// so a concurrent writer's extra fields are not lost.
func (m *RedisMirror) Push(ctx context.Context, id string, doc schema.Document) error {
	if err := ValidateIdentity(id); err != nil {
		return err
	}

	key := m.key(id)
	txf := func(tx *redis.Tx) error {
		existing, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		body, err := Merge(existing, doc, m.now())
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, 0)
			pipe.Publish(ctx, m.channel(id), body)
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxRetries; i++ {
		err := m.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to push remote document: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to push remote document: %w", redis.TxFailedErr)
}

// Subscribe implements Mirror. The feed fails when the pub/sub connection
// breaks or stops answering pings, so the caller pulls again instead of
// missing what was published during a reconnect.
func (m *RedisMirror) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	if err := ValidateIdentity(id); err != nil {
		return nil, err
	}

	pubsub := m.client.Subscribe(ctx, m.channel(id))
	// Wait for the subscription confirmation so no push is missed after
	// Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	feedCtx, cancel := context.WithCancel(context.Background())
	sub := newSubscription(func() {
		cancel()
		_ = pubsub.Close()
	})
	sub.goFeed(func() {
		runRedisFeed(feedCtx, sub, pubsub, redisHealthCheckInterval)
	})

	return sub, nil
}

// redisHealthCheckInterval is how long the feed waits for traffic before
// pinging the server. A second silent interval fails the feed.
const redisHealthCheckInterval = 30 * time.Second

// pubsubReceiver is the part of *redis.PubSub the feed uses.
type pubsubReceiver interface {
	ReceiveTimeout(ctx context.Context, timeout time.Duration) (interface{}, error)
	Ping(ctx context.Context, payload ...string) error
}

func runRedisFeed(ctx context.Context, sub *Subscription, rx pubsubReceiver, interval time.Duration) {
	awaitingPong := false
	for {
		msg, err := rx.ReceiveTimeout(ctx, interval)
		if err != nil {
			select {
			case <-sub.Done():
				return
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if awaitingPong {
					sub.fail(fmt.Errorf("change feed: no reply to ping within %s", interval))
					return
				}
				if err := rx.Ping(ctx); err != nil {
					sub.fail(fmt.Errorf("change feed: ping: %w", err))
					return
				}
				awaitingPong = true
				continue
			}
			sub.fail(fmt.Errorf("change feed: %w", err))
			return
		}

		awaitingPong = false
		if msg, ok := msg.(*redis.Message); ok {
			sub.send(Change{Data: []byte(msg.Payload)})
		}
	}
}

// Close implements Mirror.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func (m *RedisMirror) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
