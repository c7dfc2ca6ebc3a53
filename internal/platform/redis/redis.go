// Package redis carries "a job is ready" wake-ups between processes that
// share one job store. Redis holds no job state; a lost message only delays
// a claim until the next poll.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const publishTimeout = 2 * time.Second

// Bus publishes and receives wake-up signals on one pub/sub channel.
type Bus struct {
	client  *goredis.Client
	channel string
}

// Open connects to addr and verifies the connection with a PING.
func Open(ctx context.Context, addr, channel string) (*Bus, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connect %s: %w", addr, err)
	}
	return &Bus{client: rdb, channel: channel}, nil
}

// Publish announces that a job became claimable.
func (b *Bus) Publish(ctx context.Context) error {
	if err := b.client.Publish(ctx, b.channel, "ready").Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", b.channel, err)
	}
	return nil
}

// Notify publishes without blocking the caller. Errors are logged.
func (b *Bus) Notify() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := b.Publish(ctx); err != nil {
			slog.Warn("wake-up publish failed", "error", err)
		}
	}()
}

// Subscribe blocks, calling fn for every wake-up. It returns nil when ctx is
// cancelled and an error when subscribing fails or the subscription closes.
func (b *Bus) Subscribe(ctx context.Context, fn func()) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	slog.Info("subscribed to wake-ups", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			fn()
		}
	}
}

func (b *Bus) Close() error {
	return b.client.Close()
}
