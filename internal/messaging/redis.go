package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dobbe-backend/pkg/api"

	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultRedisTimeout = 5 * time.Second
	DefaultRedisRetries = 3
)

type RedisConfig struct {
	// URL format: redis://[:password@]host:port[/db]
	URL     string
	Channel string
	Timeout time.Duration
	Retries int
}

// RedisEvents relays stage updates over redis pub/sub. Updates published while
// no api process is subscribed are lost, which matches the best effort
// delivery of the live channels.
type RedisEvents struct {
	config RedisConfig
	client *goredis.Client

	subOnce sync.Once
	sub     *goredis.PubSub
	events  chan api.StageUpdate
	stop    chan struct{}
	closer  sync.Once
}

var _ EventPublisher = (*RedisEvents)(nil)
var _ EventReceiver = (*RedisEvents)(nil)

func NewRedisEvents(cfg RedisConfig) (*RedisEvents, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis events require a url")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = EventsChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRedisTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &RedisEvents{
		config: cfg,
		client: goredis.NewClient(opts),
		events: make(chan api.StageUpdate, 256),
		stop:   make(chan struct{}),
	}, nil
}

// PublishEvent retries with exponential backoff on failures.
func (r *RedisEvents) PublishEvent(ctx context.Context, update api.StageUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("error marshalling stage update: %w", err)
	}

	var lastErr error
	attempts := 1 + r.config.Retries

	for i := range attempts {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
		lastErr = r.client.Publish(publishCtx, r.config.Channel, body).Err()
		cancel()

		if lastErr == nil {
			return nil
		}
		slog.Warn("error publishing stage update to redis", "attempt", i+1, "error", lastErr)
	}

	return fmt.Errorf("redis publish failed after %d attempts: %w", attempts, lastErr)
}

// Subscribe starts relaying updates from the channel into Events. It blocks
// until the subscription is confirmed.
func (r *RedisEvents) Subscribe(ctx context.Context) error {
	var err error
	r.subOnce.Do(func() {
		r.sub = r.client.Subscribe(ctx, r.config.Channel)
		if _, err = r.sub.Receive(ctx); err != nil {
			err = fmt.Errorf("error subscribing to redis channel %s: %w", r.config.Channel, err)
			return
		}
		go r.consume(r.sub.Channel())
	})
	return err
}

func (r *RedisEvents) consume(msgs <-chan *goredis.Message) {
	for msg := range msgs {
		var update api.StageUpdate
		if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
			slog.Error("error unmarshalling stage update", "error", err)
			continue
		}
		select {
		case r.events <- update:
		case <-r.stop:
			return
		}
	}
}

func (r *RedisEvents) Events() <-chan api.StageUpdate {
	return r.events
}

func (r *RedisEvents) Close() {
	r.closer.Do(func() {
		close(r.stop)
		if r.sub != nil {
			if err := r.sub.Close(); err != nil {
				slog.Error("error closing redis subscription", "error", err)
			}
		}
		if err := r.client.Close(); err != nil {
			slog.Error("error closing redis client", "error", err)
		}
	})
}
