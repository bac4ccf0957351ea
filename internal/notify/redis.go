package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"carRegistry/internal/model"
)

func eventChannel(chainID uint64) string {
	return fmt.Sprintf("registry:events:%d", chainID)
}

// RedisBus publishes change events over Redis pub/sub so several processes can share a
// single watcher.
type RedisBus struct {
	db     *redis.Client
	buffer int
	logger *zap.Logger
}

// NewRedisBus accepts either a redis:// URL or a bare host:port.
func NewRedisBus(redisURL string, logger *zap.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	redisURL = strings.TrimSpace(redisURL)
	if redisURL == "" {
		return nil, errors.New("empty redis url")
	}

	opts := &redis.Options{Addr: redisURL}
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse redis url")
		}
		opts = parsed
	}

	rdb := redis.NewClient(opts)
	if rdb == nil {
		return nil, errors.New("got nil redis client")
	}

	return &RedisBus{db: rdb, buffer: DefaultBuffer, logger: logger}, nil
}

// Ping checks the connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.db.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "failed to ping redis")
	}
	return nil
}

func (b *RedisBus) Publish(ctx context.Context, event model.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event to json")
	}

	channel := eventChannel(event.ChainID)
	if err := b.db.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.Wrapf(err, "failed to publish to %s", channel)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, chainID uint64) (<-chan model.ChangeEvent, func(), error) {
	channel := eventChannel(chainID)
	pubsub := b.db.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, errors.Wrapf(err, "failed to subscribe to %s", channel)
	}

	out := make(chan model.ChangeEvent, b.buffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() { close(done) })
	}

	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event model.ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("drop malformed event", zap.String("channel", channel), zap.Error(err))
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()

	return out, cancel, nil
}

func (b *RedisBus) Close() error {
	if err := b.db.Close(); err != nil {
		return errors.Wrap(err, "failed to close redis client")
	}
	return nil
}
