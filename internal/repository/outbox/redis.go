package outbox

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/oshokin/alarm-engine/internal/notify"
)

// RedisOutbox appends digests to a Redis stream with XADD.
type RedisOutbox struct {
	client *redis.Client
	stream string
	// maxLen caps the stream approximately; zero keeps everything.
	maxLen int64
	owned  bool
}

// RedisOption configures a RedisOutbox.
type RedisOption func(*RedisOutbox)

// WithMaxLen trims the stream to about n entries on every append.
// Zero or a negative n keeps every entry.
func WithMaxLen(n int64) RedisOption {
	return func(o *RedisOutbox) {
		o.maxLen = n
	}
}

// WithOwnedClient makes Close also close the Redis client.
func WithOwnedClient() RedisOption {
	return func(o *RedisOutbox) {
		o.owned = true
	}
}

// NewRedisOutbox creates an outbox writing to stream through client.
func NewRedisOutbox(client *redis.Client, stream string, opts ...RedisOption) *RedisOutbox {
	o := &RedisOutbox{
		client: client,
		stream: stream,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Enqueue adds the digest as one stream entry.
func (o *RedisOutbox) Enqueue(ctx context.Context, digest notify.Digest) error {
	data, err := encode(digest)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: o.stream,
		Values: map[string]any{
			"id":         digest.ID,
			"account_id": digest.AccountID,
			"data":       string(data),
			"timestamp":  strconv.FormatInt(digest.GeneratedAt.Unix(), 10),
		},
	}

	if o.maxLen > 0 {
		args.MaxLen = o.maxLen
		args.Approx = true
	}

	if err = o.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", o.stream, err)
	}

	return nil
}

// Close releases the client if the outbox owns it.
func (o *RedisOutbox) Close() error {
	if !o.owned {
		return nil
	}

	return o.client.Close()
}
