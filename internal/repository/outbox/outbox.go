package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/oshokin/alarm-engine/internal/config"
	"github.com/oshokin/alarm-engine/internal/logger"
	"github.com/oshokin/alarm-engine/internal/notify"
)

// Queue is a notify.Outbox that holds a connection or file handle.
type Queue interface {
	notify.Outbox
	Close() error
}

// errUnknownDriver is returned for a driver New does not know.
var errUnknownDriver = errors.New("unknown outbox driver")

// New opens the queue selected by cfg.Driver.
//
//nolint:ireturn // Callers only need the Queue behaviour.
func New(ctx context.Context, cfg config.OutboxConfig) (Queue, error) {
	logger.InfoKV(ctx, "Opening digest outbox", "driver", cfg.Driver)

	switch cfg.Driver {
	case config.OutboxDriverFile, "":
		return NewFileOutbox(cfg.FilePath), nil
	case config.OutboxDriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()

			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}

		return NewRedisOutbox(client, cfg.RedisStream, WithMaxLen(cfg.RedisMaxLen), WithOwnedClient()), nil
	case config.OutboxDriverKafka:
		return NewKafkaOutbox(cfg.KafkaBrokers, cfg.KafkaTopic)
	default:
		return nil, fmt.Errorf("%q: %w", cfg.Driver, errUnknownDriver)
	}
}

// encode is the wire form shared by every driver.
func encode(digest notify.Digest) ([]byte, error) {
	data, err := json.Marshal(digest)
	if err != nil {
		return nil, fmt.Errorf("encode digest: %w", err)
	}

	return data, nil
}
