package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/labstream/workplan-backend/internal/platform/envutil"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

type redisBroker struct {
	log      *logger.Logger
	rdb      *goredis.Client
	channel  string
	disabled bool
}

func NewRedisBroker(log *logger.Logger) (Broker, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := envutil.Str("REDIS_ADDR", "")
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	ch := envutil.Str("EVENTS_CHANNEL", "work_plan.events")
	disabled := envutil.Bool("EVENTS_DISABLED", false)

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisBroker{
		log:      log.With("client", "EventBroker"),
		rdb:      rdb,
		channel:  ch,
		disabled: disabled,
	}, nil
}

func (b *redisBroker) Publish(ctx context.Context, ev Event) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("event broker not initialized")
	}
	if b.disabled {
		b.log.Debug("events disabled, dropping event", "event_type", ev.EventType, "uuid", ev.UUID)
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *redisBroker) Working(ctx context.Context) bool {
	if b == nil || b.rdb == nil {
		return false
	}
	if b.disabled {
		return true
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return b.rdb.Ping(pingCtx).Err() == nil
}

func (b *redisBroker) EventsDisabled() bool {
	return b != nil && b.disabled
}

func (b *redisBroker) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
