package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// DefaultMaxWatched bounds the watch set of one Watcher.
const DefaultMaxWatched = 50

// ErrWatchLimit is returned when a watch set would exceed MaxWatched.
var ErrWatchLimit = errors.New("fanout: watch limit exceeded")

// ErrAlreadySubscribed is returned by Subscribe on a live Watcher.
var ErrAlreadySubscribed = errors.New("fanout: already subscribed")

// Status is the connection state of a Watcher.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// StatusEvent describes a status transition.
type StatusEvent struct {
	Status Status
	Reason string
	At     time.Time
}

// WatcherConfig tunes a Watcher.
type WatcherConfig struct {
	MaxWatched int
	Clock      func() time.Time
}

// Watcher is a subscriber handle over one broadcast stream. It filters
// envelopes against a mutable watch set, merges them into a local cache and
// invokes callbacks one at a time on its delivery goroutine.
//
// A Watcher never reconnects on its own. After a disconnect the caller may
// call Subscribe again.
type Watcher struct {
	transport  Transport
	maxWatched int
	now        func() time.Time
	logger     *slog.Logger

	mu       sync.Mutex
	watched  map[string]struct{}
	states   map[string]domain.MarketPriceState
	status   StatusEvent
	onUpdate func(domain.MarketPriceState)
	onStatus func(StatusEvent)
	stream   Stream
	done     chan struct{}
}

// NewWatcher creates a disconnected Watcher.
func NewWatcher(t Transport, cfg WatcherConfig, logger *slog.Logger) *Watcher {
	if cfg.MaxWatched <= 0 {
		cfg.MaxWatched = DefaultMaxWatched
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Watcher{
		transport:  t,
		maxWatched: cfg.MaxWatched,
		now:        cfg.Clock,
		logger:     logger.With(slog.String("component", "watcher")),
		watched:    make(map[string]struct{}),
		states:     make(map[string]domain.MarketPriceState),
		status:     StatusEvent{Status: StatusDisconnected, At: cfg.Clock()},
	}
}

// OnUpdate registers the callback for merged market states.
func (w *Watcher) OnUpdate(fn func(domain.MarketPriceState)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onUpdate = fn
}

// OnStatus registers the callback for status transitions. The callback must
// not call Subscribe itself; signal another goroutine instead.
func (w *Watcher) OnStatus(fn func(StatusEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onStatus = fn
}

// Subscribe connects the stream and starts delivery. Connection failures
// are reported both as a disconnected status and as the returned error.
func (w *Watcher) Subscribe(ctx context.Context) error {
	w.mu.Lock()
	if prev := w.done; prev != nil {
		select {
		case <-prev:
		default:
			if w.status.Status != StatusDisconnected {
				w.mu.Unlock()
				return ErrAlreadySubscribed
			}
			// The previous stream has reported its disconnect and is
			// finishing delivery.
			w.mu.Unlock()
			<-prev
			w.mu.Lock()
			if w.done != prev {
				w.mu.Unlock()
				return ErrAlreadySubscribed
			}
		}
	}
	done := make(chan struct{})
	w.done = done
	w.mu.Unlock()

	w.setStatus(StatusConnecting, "")

	stream, err := w.transport.Connect(ctx)
	if err != nil {
		w.setStatus(StatusDisconnected, err.Error())
		w.mu.Lock()
		w.done = nil
		w.mu.Unlock()
		close(done)
		return err
	}

	w.mu.Lock()
	w.stream = stream
	filter := w.watchedLocked()
	w.mu.Unlock()

	if fs, ok := stream.(FilterableStream); ok && len(filter) > 0 {
		if err := fs.SetFilter(filter); err != nil {
			w.logger.Warn("set stream filter failed", slog.String("error", err.Error()))
		}
	}

	w.setStatus(StatusConnected, "")
	go w.deliver(stream, done)
	return nil
}

func (w *Watcher) deliver(stream Stream, done chan struct{}) {
	defer close(done)

	for env := range stream.Envelopes() {
		w.handle(env)
	}

	reason := "unsubscribed"
	if err := stream.Err(); err != nil {
		reason = err.Error()
	}
	w.setStatus(StatusDisconnected, reason)

	w.mu.Lock()
	if w.stream == stream {
		w.stream = nil
	}
	w.mu.Unlock()
}

// handle applies one envelope; updates for unwatched markets are dropped.
func (w *Watcher) handle(env Envelope) {
	w.mu.Lock()
	if _, ok := w.watched[env.MarketID]; !ok {
		w.mu.Unlock()
		return
	}

	var prev *domain.MarketPriceState
	if st, ok := w.states[env.MarketID]; ok {
		prev = &st
	}

	var next domain.MarketPriceState
	switch {
	case env.Type == TypeMarketState && env.State != nil:
		u := *env.State
		if u.MarketID == "" {
			u.MarketID = env.MarketID
		}
		next = Merge(prev, u)
	case env.Type == TypeTrade && env.Trade != nil:
		next = ApplyTrade(prev, *env.Trade)
	default:
		w.mu.Unlock()
		return
	}
	w.states[env.MarketID] = next
	cb := w.onUpdate
	w.mu.Unlock()

	if cb != nil {
		cb(next)
	}
}

// Unsubscribe closes the stream and waits until the delivery goroutine has
// exited. No callback runs after it returns. It is safe to call on a
// Watcher that is not subscribed.
func (w *Watcher) Unsubscribe() {
	w.mu.Lock()
	stream, done := w.stream, w.done
	w.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	if done != nil {
		<-done
	}

	w.mu.Lock()
	if w.done == done {
		w.done = nil
	}
	w.mu.Unlock()
}

// Watch adds markets to the watch set.
func (w *Watcher) Watch(marketIDs ...string) error {
	w.mu.Lock()
	next := make(map[string]struct{}, len(w.watched)+len(marketIDs))
	for id := range w.watched {
		next[id] = struct{}{}
	}
	for _, id := range marketIDs {
		if id != "" {
			next[id] = struct{}{}
		}
	}
	w.mu.Unlock()
	return w.replaceWatched(next)
}

// Unwatch removes markets from the watch set and drops their cached state.
func (w *Watcher) Unwatch(marketIDs ...string) error {
	w.mu.Lock()
	next := make(map[string]struct{}, len(w.watched))
	for id := range w.watched {
		next[id] = struct{}{}
	}
	for _, id := range marketIDs {
		delete(next, id)
	}
	w.mu.Unlock()
	return w.replaceWatched(next)
}

// SetWatched replaces the watch set.
func (w *Watcher) SetWatched(marketIDs []string) error {
	next := make(map[string]struct{}, len(marketIDs))
	for _, id := range marketIDs {
		if id != "" {
			next[id] = struct{}{}
		}
	}
	return w.replaceWatched(next)
}

func (w *Watcher) replaceWatched(next map[string]struct{}) error {
	if len(next) > w.maxWatched {
		return fmt.Errorf("%w: %d markets, limit %d", ErrWatchLimit, len(next), w.maxWatched)
	}

	w.mu.Lock()
	w.watched = next
	for id := range w.states {
		if _, ok := next[id]; !ok {
			delete(w.states, id)
		}
	}
	stream := w.stream
	filter := w.watchedLocked()
	w.mu.Unlock()

	if fs, ok := stream.(FilterableStream); ok {
		if err := fs.SetFilter(filter); err != nil {
			return fmt.Errorf("fanout: update filter: %w", err)
		}
	}
	return nil
}

// Watched returns the watch set, sorted.
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watchedLocked()
}

func (w *Watcher) watchedLocked() []string {
	ids := make([]string, 0, len(w.watched))
	for id := range w.watched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// State returns the merged state of a watched market.
func (w *Watcher) State(marketID string) (domain.MarketPriceState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.states[marketID]
	return st, ok
}

// Seed primes the cache for a watched market, typically from a REST read
// taken before subscribing. Later envelopes merge on top of it.
func (w *Watcher) Seed(state domain.MarketPriceState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[state.MarketID]; ok {
		w.states[state.MarketID] = state
	}
}

// Status returns the latest status event.
func (w *Watcher) Status() StatusEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Watcher) setStatus(s Status, reason string) {
	ev := StatusEvent{Status: s, Reason: reason, At: w.now()}
	w.mu.Lock()
	w.status = ev
	cb := w.onStatus
	w.mu.Unlock()

	if s == StatusDisconnected && reason != "" && reason != "unsubscribed" {
		w.logger.Warn("fan-out disconnected", slog.String("reason", reason))
	}
	if cb != nil {
		cb(ev)
	}
}
