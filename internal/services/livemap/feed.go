package livemap

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/belediye/bts/internal/broker/messages"
	"github.com/pkg/errors"
)

type Handler func(ctx context.Context, ev messages.LocationChanged)

// Feed delivers location change events. Ordering is not guaranteed.
type Feed interface {
	Subscribe(ctx context.Context, h Handler) (Subscription, error)
}

type Subscription interface {
	Unsubscribe()
}

type Consumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

// pinner is implemented by consumers that start from the topic tail. Pin must
// fix the start offsets before Subscribe returns, otherwise events written
// between Subscribe and the snapshot could be skipped.
type pinner interface {
	Pin(ctx context.Context) error
}

// ConsumerFeed adapts a kafka consumer of location.changed to Feed.
type ConsumerFeed struct {
	c Consumer
}

func NewConsumerFeed(c Consumer) *ConsumerFeed {
	return &ConsumerFeed{c: c}
}

func (f *ConsumerFeed) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	if p, ok := f.c.(pinner); ok {
		if err := p.Pin(ctx); err != nil {
			return nil, errors.Wrap(err, "pin location change offsets")
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		err := f.c.Consume(ctx, func(key, value []byte) error {
			var ev messages.LocationChanged
			if err := json.Unmarshal(value, &ev); err != nil {
				// битое сообщение пропускаем, иначе встанет весь поток
				slog.Warn("skip malformed location change", "key", string(key), "err", err)
				return nil
			}
			h(ctx, ev)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("location change feed stopped", "err", err)
		}
	}()
	return cancelSubscription(cancel), nil
}

type cancelSubscription context.CancelFunc

func (c cancelSubscription) Unsubscribe() { c() }
