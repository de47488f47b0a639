// Package memory implements the domain cache interfaces in process memory.
// It is used when the exchange runs without Redis and by tests.
package memory

import (
	"context"
	"path"
	"strings"
	"sync"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// subscriberBuffer matches the buffer of the Redis-backed bus.
const subscriberBuffer = 128

type subscriber struct {
	pattern string
	ch      chan domain.BusMessage
	done    <-chan struct{}
}

// SignalBus is an in-process pub/sub bus with glob pattern subscriptions.
// Slow subscribers drop messages rather than blocking publishers.
type SignalBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewSignalBus creates an empty bus.
func NewSignalBus() *SignalBus {
	return &SignalBus{subs: make(map[*subscriber]struct{})}
}

// Publish delivers payload to every matching subscriber.
func (b *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		if !matches(s.pattern, channel) {
			continue
		}
		msg := domain.BusMessage{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case <-s.done:
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscription that lives until ctx is cancelled.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan domain.BusMessage, error) {
	s := &subscriber{
		pattern: channel,
		ch:      make(chan domain.BusMessage, subscriberBuffer),
		done:    ctx.Done(),
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	}()

	return s.ch, nil
}

func matches(pattern, channel string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == channel
	}
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}

// Compile-time interface check.
var _ domain.SignalBus = (*SignalBus)(nil)
