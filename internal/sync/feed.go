package sync

import (
	"context"
	"errors"
	"log/slog"
	stdsync "sync"
	"sync/atomic"

	"github.com/tonimelisma/researchroom/internal/record"
)

// ErrFeedSubscribed is returned by Subscribe on a feed that already holds a
// live subscription.
var ErrFeedSubscribed = errors.New("sync: change feed already subscribed")

// Subscription is a live push channel handle.
type Subscription = record.Subscription

// Subscriber opens push channels. Defined at the consumer; remote.Client
// and localstore.Store both satisfy it.
type Subscriber interface {
	SubscribeToChanges(ctx context.Context, collection record.Collection, filter record.Filter, fn record.ChangeFunc) (Subscription, error)
}

// ChangeFeed adapts a Subscriber to a typed event callback for one scope.
// Delivery is at-least-once and unordered; the feed validates each
// notification and drops what it cannot decode. After Unsubscribe returns
// no callback runs, even if the transport keeps delivering.
type ChangeFeed[T Entity[T]] struct {
	sub    Subscriber
	logger *slog.Logger

	mu     stdsync.Mutex
	handle Subscription
	used   bool

	// gate is held shared for every delivery and exclusively by Unsubscribe,
	// which therefore waits for in-progress callbacks.
	gate   stdsync.RWMutex
	closed bool

	delivered atomic.Int64
	dropped   atomic.Int64
	connected atomic.Bool
}

// NewChangeFeed creates an unsubscribed feed. A nil Subscriber yields a
// feed that never connects, leaving the poller as the only trigger.
func NewChangeFeed[T Entity[T]](sub Subscriber, logger *slog.Logger) *ChangeFeed[T] {
	if logger == nil {
		logger = slog.Default()
	}

	return &ChangeFeed[T]{sub: sub, logger: logger}
}

// Subscribe opens the push channel for scope. A transport failure is
// logged and returned, but the feed stays usable for Unsubscribe and the
// caller is expected to carry on without push.
func (f *ChangeFeed[T]) Subscribe(ctx context.Context, scope Scope, onEvent func(Event[T])) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.used {
		return ErrFeedSubscribed
	}

	f.used = true

	if f.sub == nil {
		f.logger.Debug("change feed has no subscriber, relying on poll",
			slog.String("scope", scope.String()),
		)

		return nil
	}

	deliver := func(c record.Change) {
		f.gate.RLock()
		defer f.gate.RUnlock()

		if f.closed {
			return
		}

		ev, err := normalizeChange[T](c)
		if err != nil {
			f.dropped.Add(1)
			f.logger.Debug("dropping malformed change",
				slog.String("scope", scope.String()),
				slog.String("error", err.Error()),
			)

			return
		}

		f.delivered.Add(1)
		onEvent(ev)
	}

	h, err := f.sub.SubscribeToChanges(ctx, scope.Collection, scope.Filter, deliver)
	if err != nil {
		f.logger.Warn("change feed unavailable, relying on poll",
			slog.String("scope", scope.String()),
			slog.String("error", err.Error()),
		)

		return err
	}

	f.gate.RLock()
	closed := f.closed
	f.gate.RUnlock()

	if closed {
		// Unsubscribe ran while the channel was opening.
		_ = h.Unsubscribe()
		return nil
	}

	f.handle = h
	f.connected.Store(true)

	f.logger.Debug("change feed subscribed", slog.String("scope", scope.String()))

	return nil
}

// Unsubscribe closes the feed. It is idempotent and must not be called
// from inside the event callback.
func (f *ChangeFeed[T]) Unsubscribe() {
	f.gate.Lock()
	alreadyClosed := f.closed
	f.closed = true
	f.gate.Unlock()

	if alreadyClosed {
		return
	}

	f.mu.Lock()
	h := f.handle
	f.handle = nil
	f.mu.Unlock()

	f.connected.Store(false)

	if h == nil {
		return
	}

	if err := h.Unsubscribe(); err != nil {
		f.logger.Warn("change feed unsubscribe failed", slog.String("error", err.Error()))
	}
}

// Connected reports whether a push channel is currently open.
func (f *ChangeFeed[T]) Connected() bool {
	return f.connected.Load()
}

// Delivered and Dropped count notifications passed on and rejected.
func (f *ChangeFeed[T]) Delivered() int64 {
	return f.delivered.Load()
}

func (f *ChangeFeed[T]) Dropped() int64 {
	return f.dropped.Load()
}
