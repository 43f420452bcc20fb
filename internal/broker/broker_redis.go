package broker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisProducer produces messages onto a Redis stream per topic: the
// stream name is "n2kafka:<topic>".
type RedisProducer struct {
	client *redis.Client
}

// NewRedisProducer creates a RedisProducer against a Redis server at
// addr.
func NewRedisProducer(addr string) *RedisProducer {
	return &RedisProducer{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func streamName(topic string) string {
	return "n2kafka:" + topic
}

// Produce implements Producer.
func (p *RedisProducer) Produce(ctx context.Context, msg Message) error {
	_, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName(msg.Topic),
		Values: map[string]any{
			"partition": strconv.FormatInt(int64(msg.Partition), 10),
			"key":       string(msg.Key),
			"value":     msg.Value,
		},
	}).Result()
	if err != nil {
		return &TransientError{Class: "queue-full", Err: fmt.Errorf("%w: %v", ErrQueueFull, err)}
	}
	return nil
}

// ProduceBatch implements Producer.
func (p *RedisProducer) ProduceBatch(ctx context.Context, msgs []Message) []error {
	errs := make([]error, len(msgs))
	for i, m := range msgs {
		errs[i] = p.Produce(ctx, m)
	}
	return errs
}

// Close implements Producer.
func (p *RedisProducer) Close() error {
	return p.client.Close()
}
