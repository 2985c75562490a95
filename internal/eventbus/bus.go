// Copyright 2025 James Ross

// Package eventbus is the typed in-process publish/subscribe primitive
// the rollout controller uses to announce lifecycle events. It is
// adapted from the EventBus subscriber/worker-pool shape in
// internal/event-hooks, reduced to synchronous in-process fan-out: the
// spec requires emission order to be preserved per deployment and
// forbids a subscriber from re-entering the controller synchronously,
// which a background worker pool would make harder to reason about, not
// easier.
package eventbus

import (
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Handler receives one event at a time, in emission order, on the
// publisher's goroutine. It must not block for long and must never call
// back into the controller that published the event.
type Handler func(Event)

// Bus is a single-writer, multi-reader in-process event publisher.
// Publish calls are serialized so emission order is preserved even when
// multiple goroutines emit concurrently (the monitor and the controller
// both publish).
type Bus struct {
	mu          sync.Mutex
	publishMu   sync.Mutex
	subscribers []Handler
	healthLimit *rate.Limiter
	logger      *slog.Logger
}

// New returns a Bus that rate-limits monitor_health events to at most
// one per healthInterval, so a flapping QueryClient cannot flood
// subscribers with degraded-status noise between score updates.
func New(logger *slog.Logger, healthInterval rate.Limit) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:      logger,
		healthLimit: rate.NewLimiter(healthInterval, 1),
	}
}

// Subscribe registers handler to receive all future published events in
// emission order. It returns an unsubscribe function.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = append(b.subscribers, h)
	idx := len(b.subscribers) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.subscribers) {
			b.subscribers[idx] = nil
		}
	}
}

// Publish delivers ev to every subscriber, in registration order,
// synchronously on the caller's goroutine. monitor_health events beyond
// the configured rate are dropped silently (they are diagnostic, not
// load-bearing for correctness).
func (b *Bus) Publish(ev Event) {
	if ev.Type == MonitorHealth && b.healthLimit != nil && !b.healthLimit.Allow() {
		return
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	subscribers := make([]Handler, len(b.subscribers))
	copy(subscribers, b.subscribers)
	b.mu.Unlock()

	for _, h := range subscribers {
		if h == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event subscriber panicked", "event_type", ev.Type, "recover", r)
				}
			}()
			h(ev)
		}()
	}
}
