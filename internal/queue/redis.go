package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pcl-labs/mediaflow/internal/config"
)

// RedisTransport is the bound-broker mode: messages ride a Redis list, and
// the worker pulls with a blocking pop. Delivery is at-least-once; consumers
// must tolerate re-processing.
type RedisTransport struct {
	client  *redis.Client
	key     string
	popWait time.Duration
}

// NewRedisTransport builds a transport from config.
func NewRedisTransport(cfg config.Config) *RedisTransport {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &RedisTransport{
		client:  client,
		key:     "queue:" + cfg.QueueName,
		popWait: 2 * time.Second,
	}
}

func (t *RedisTransport) Send(ctx context.Context, msg Message) error {
	raw, err := msg.Marshal()
	if err != nil {
		return err
	}
	if err := t.client.RPush(ctx, t.key, raw).Err(); err != nil {
		return fmt.Errorf("push message to %s: %w", t.key, err)
	}
	return nil
}

// Receive blocks for up to popWait and returns (msg, true) when a message
// arrived, or (zero, false) on an empty poll cycle.
func (t *RedisTransport) Receive(ctx context.Context) (Message, bool, error) {
	res, err := t.client.BLPop(ctx, t.popWait, t.key).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("pop message from %s: %w", t.key, err)
	}
	// BLPop returns [key, value].
	if len(res) < 2 {
		return Message{}, false, fmt.Errorf("unexpected blpop reply length %d", len(res))
	}
	msg, err := Unmarshal([]byte(res[1]))
	if err != nil {
		return Message{}, false, err
	}
	return msg, true, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
