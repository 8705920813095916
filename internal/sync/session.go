// Package sync keeps a local view of remote collections current. A Session
// owns one scope: it fetches the whole scope on activation, then refetches
// on every push notification and on every poll tick, replacing its Store
// wholesale and reconciling the focused record. Push notifications are
// treated as hints; the poller bounds staleness when they are lost.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/tonimelisma/researchroom/internal/record"
)

// defaultMaxInFlight caps concurrent background fetches per session.
const defaultMaxInFlight = 4

// Fetcher reads a whole scope. Defined at the consumer; remote.Client and
// localstore.Store both satisfy it.
type Fetcher interface {
	FetchCollection(ctx context.Context, collection record.Collection, filter record.Filter, order record.Order) ([]json.RawMessage, error)
}

// ErrorFunc receives recoverable failures. It is called from fetch
// goroutines and must not block for long.
type ErrorFunc func(error)

// Error attributes a failure to a session scope and operation.
type Error struct {
	Scope Scope
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sync: %s %s: %v", e.Op, e.Scope, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// View is what listeners receive after a refresh or a focus change.
type View[T Entity[T]] struct {
	Scope       Scope
	Items       []T
	Focus       T
	Focused     bool
	FocusChange FocusChange
	Version     uint64
	Trigger     Trigger
}

// SessionOptions configures a Session. Zero values select defaults.
type SessionOptions struct {
	Order        record.Order
	PollInterval time.Duration
	MaxInFlight  int
	OnError      ErrorFunc
	Logger       *slog.Logger
	// NewTicker overrides the poller's clock in tests.
	NewTicker TickerFunc
}

// sessionCounters holds atomic counters for session metrics.
type sessionCounters struct {
	fetches   atomic.Int64
	applied   atomic.Int64
	discarded atomic.Int64
	coalesced atomic.Int64
	abandoned atomic.Int64
	events    atomic.Int64
	ticks     atomic.Int64
	errors    atomic.Int64
}

// SessionStats is a snapshot of session metrics returned by Stats().
type SessionStats struct {
	Fetches   int64
	Applied   int64
	Discarded int64
	Coalesced int64
	Abandoned int64
	Events    int64
	Ticks     int64
	Errors    int64
	Connected bool
}

// Session orchestrates ChangeFeed, Poller, Store and FocusTracker for one
// scope at a time.
//
// Every fetch is tagged with the generation it was started under and a
// sequence number. A result is applied only if its generation is still
// current and no later-started fetch has been applied, so a slow fetch from
// a previous scope can never write into the store after Deactivate returns.
type Session[T Entity[T]] struct {
	fetcher    Fetcher
	subscriber Subscriber
	store      *Store[T]
	focus      *FocusTracker[T]
	opts       SessionOptions
	logger     *slog.Logger

	// lifeMu serializes Activate and Deactivate.
	lifeMu stdsync.Mutex

	// mu guards everything below. Never held across a fetch, a callback,
	// or a feed/poller lifecycle call.
	mu         stdsync.Mutex
	active     bool
	scope      Scope
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
	feed       *ChangeFeed[T]
	poller     *Poller
	nextSeq    uint64
	appliedSeq uint64
	inFlight   []inflightFetch
	nextFetch  uint64
	pending    bool

	// notifyMu serializes listener calls; Deactivate takes it once to wait
	// for a notification in progress.
	notifyMu  stdsync.Mutex
	listeners map[int]func(View[T])
	nextLis   int

	nowFunc         func() time.Time
	lastRefreshNano atomic.Int64
	stats           sessionCounters
}

// inflightFetch is one background fetch holding a slot, oldest first in
// Session.inFlight.
type inflightFetch struct {
	id      uint64
	started time.Time
	cancel  context.CancelFunc
}

// NewSession creates an inactive session. subscriber may be nil, in which
// case the session relies on polling alone.
func NewSession[T Entity[T]](fetcher Fetcher, subscriber Subscriber, opts SessionOptions) *Session[T] {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}

	if opts.Order.Column == "" {
		opts.Order = record.OldestFirst
	}

	var zero T

	return &Session[T]{
		fetcher:    fetcher,
		subscriber: subscriber,
		store:      NewStore[T](opts.Order),
		focus:      NewFocusTracker[T](),
		opts:       opts,
		logger:     opts.Logger.With(slog.String("collection", string(zero.EntityCollection()))),
		listeners:  map[int]func(View[T]){},
		nowFunc:    time.Now,
	}
}

// Activate makes scope the session's scope. Any previous scope is fully
// deactivated first. One fetch runs synchronously before Activate returns;
// its failure is reported through OnError and healed by the poller, so
// Activate itself only fails for a scope of the wrong collection.
//
// ctx bounds the whole activation, not just the call: cancelling it stops
// in-flight fetches but not the poller. Use Deactivate for teardown.
func (s *Session[T]) Activate(ctx context.Context, scope Scope) error {
	var zero T
	if scope.Collection != zero.EntityCollection() {
		return fmt.Errorf("sync: scope %s for %s session: %w", scope, zero.EntityCollection(), record.ErrInvalidInput)
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.deactivateLocked()

	fctx, cancel := context.WithCancel(ctx)
	feed := NewChangeFeed[T](s.subscriber, s.logger)
	poller := NewPoller(s.opts.NewTicker, s.logger)

	s.mu.Lock()
	scopeChanged := s.scope != scope
	s.generation++
	gen := s.generation
	s.active = true
	s.scope = scope
	s.ctx, s.cancel = fctx, cancel
	s.feed, s.poller = feed, poller
	s.pending = false

	var (
		cleared      Snapshot[T]
		clearedStore bool
	)

	if scopeChanged {
		cleared, clearedStore = s.store.swap(nil)
		s.focus.Clear()
	}
	s.mu.Unlock()

	if clearedStore {
		s.store.notify(cleared)
	}

	s.logger.Info("session activating",
		slog.String("scope", scope.String()),
		slog.Uint64("generation", gen),
	)

	if err := s.refresh(fctx, gen, TriggerInitial); err != nil {
		s.report("initial fetch", scope, err)
	}

	if err := feed.Subscribe(fctx, scope, func(Event[T]) {
		s.stats.events.Add(1)
		s.trigger(gen, TriggerEvent)
	}); err != nil {
		s.logger.Debug("session continuing without push", slog.String("scope", scope.String()))
	}

	if err := poller.Start(s.opts.PollInterval, func() {
		s.stats.ticks.Add(1)
		s.trigger(gen, TriggerTick)
	}); err != nil {
		return fmt.Errorf("sync: starting poller: %w", err)
	}

	return nil
}

// Deactivate closes the push channel, then stops the poller, then discards
// whatever is still in flight. After it returns the store is not mutated
// and listeners are not called until the next Activate. Idempotent.
func (s *Session[T]) Deactivate() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.deactivateLocked()
}

func (s *Session[T]) deactivateLocked() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}

	s.active = false
	s.generation++
	s.pending = false
	s.inFlight = nil
	feed, poller, cancel, scope := s.feed, s.poller, s.cancel, s.scope
	s.feed, s.poller, s.cancel = nil, nil, nil
	s.mu.Unlock()

	feed.Unsubscribe()
	poller.Stop()
	cancel()

	// Wait out a notification that passed its generation check before the
	// bump above.
	s.notifyMu.Lock()
	s.notifyMu.Unlock() //nolint:staticcheck // barrier

	s.logger.Info("session deactivated", slog.String("scope", scope.String()))
}

// ClearScope deactivates the session and drops its snapshot and focus.
// Used when the parent of the scope no longer exists.
func (s *Session[T]) ClearScope() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.deactivateLocked()

	s.mu.Lock()
	s.scope = Scope{}
	snap, changed := s.store.swap(nil)
	s.focus.Clear()
	s.mu.Unlock()

	if changed {
		s.store.notify(snap)
	}
}

// Refresh fetches the scope now and waits for the result to be applied.
func (s *Session[T]) Refresh(ctx context.Context) error {
	s.mu.Lock()
	active, gen := s.active, s.generation
	s.mu.Unlock()

	if !active {
		return fmt.Errorf("sync: refresh on inactive session: %w", record.ErrInvalidInput)
	}

	return s.refresh(ctx, gen, TriggerManual)
}

// trigger starts an asynchronous refresh. It never blocks, so it is safe
// from the poller and feed goroutines.
//
// At most MaxInFlight background fetches run at once. When the cap is
// reached and the oldest of them started less than one poll interval ago,
// the trigger is coalesced into a single follow-up that runs when a slot
// frees. Otherwise the oldest fetch is presumed hung: it is cancelled and
// its slot goes to the new trigger, so a stuck request never holds back
// the next scheduled tick.
func (s *Session[T]) trigger(gen uint64, why Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.launchLocked(gen, why)
}

func (s *Session[T]) launchLocked(gen uint64, why Trigger) {
	if !s.active || gen != s.generation {
		return
	}

	if len(s.inFlight) >= s.opts.MaxInFlight {
		oldest := s.inFlight[0]
		age := s.nowFunc().Sub(oldest.started)

		if age < s.opts.PollInterval {
			s.pending = true
			s.stats.coalesced.Add(1)

			return
		}

		oldest.cancel()
		s.inFlight = s.inFlight[1:]
		s.stats.abandoned.Add(1)
		s.logger.Warn("abandoning slow fetch",
			slog.String("scope", s.scope.String()),
			slog.Duration("age", age),
		)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.nextFetch++
	id := s.nextFetch
	s.inFlight = append(s.inFlight, inflightFetch{id: id, started: s.nowFunc(), cancel: cancel})

	go func() {
		defer s.finish(gen, id)
		defer cancel()

		if err := s.refresh(ctx, gen, why); err != nil {
			s.report("refresh", s.scopeOf(gen), err)
		}
	}()
}

// finish releases the fetch's slot, if it still holds one, and fires the
// queued follow-up.
func (s *Session[T]) finish(gen, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight = slices.DeleteFunc(s.inFlight, func(f inflightFetch) bool { return f.id == id })

	if s.pending && s.active && gen == s.generation && len(s.inFlight) < s.opts.MaxInFlight {
		s.pending = false
		s.launchLocked(gen, TriggerEvent)
	}
}

// refresh runs one fetch and applies it if it is still wanted. Errors from
// a superseded generation are swallowed.
func (s *Session[T]) refresh(ctx context.Context, gen uint64, why Trigger) (err error) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return nil
	}

	s.nextSeq++
	seq := s.nextSeq
	scope := s.scope
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during fetch: %v", r)
		}
	}()

	s.stats.fetches.Add(1)

	rows, fetchErr := s.fetcher.FetchCollection(ctx, scope.Collection, scope.Filter, s.opts.Order)
	if fetchErr != nil && !errors.Is(fetchErr, record.ErrNotFound) {
		if s.superseded(gen) {
			return nil
		}

		// A cancelled background fetch is not worth reporting on every tick.
		if ctx.Err() != nil && why != TriggerManual {
			return nil
		}

		return fetchErr
	}

	items, skipped := decodeRows[T](rows)
	if skipped > 0 {
		s.logger.Warn("skipping undecodable rows",
			slog.String("scope", scope.String()),
			slog.Int("skipped", skipped),
		)
	}

	s.apply(gen, seq, items, why)

	return nil
}

// apply adopts items if the fetch that produced them is still current.
func (s *Session[T]) apply(gen, seq uint64, items []T, why Trigger) {
	s.mu.Lock()
	if !s.active || gen != s.generation || seq < s.appliedSeq {
		s.mu.Unlock()
		s.stats.discarded.Add(1)
		s.logger.Debug("discarding stale fetch",
			slog.Uint64("generation", gen),
			slog.Uint64("seq", seq),
			slog.String("trigger", why.String()),
		)

		return
	}

	// Store and focus move together under mu, so readers never see a
	// snapshot without the focused record while the focus still names it.
	s.appliedSeq = seq
	snap, changed := s.store.swap(items)
	fc := s.focus.Reconcile(snap.Items)
	focus, focused := s.focus.Current()
	scope := s.scope
	s.mu.Unlock()

	if changed {
		s.store.notify(snap)
	}

	s.stats.applied.Add(1)
	s.lastRefreshNano.Store(time.Now().UnixNano())

	if !changed && fc == FocusUnchanged && why != TriggerInitial {
		return
	}

	if fc == FocusCleared {
		s.logger.Info("focused record disappeared", slog.String("scope", scope.String()))
	}

	s.notify(gen, View[T]{
		Scope:       scope,
		Items:       snap.Items,
		Focus:       focus,
		Focused:     focused,
		FocusChange: fc,
		Version:     snap.Version,
		Trigger:     why,
	})
}

func (s *Session[T]) notify(gen uint64, v View[T]) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	if s.superseded(gen) {
		return
	}

	fns := make([]func(View[T]), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}

	for _, fn := range fns {
		fn(v)
	}
}

func (s *Session[T]) superseded(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.active || gen != s.generation
}

func (s *Session[T]) scopeOf(gen uint64) Scope {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return Scope{}
	}

	return s.scope
}

func (s *Session[T]) report(op string, scope Scope, err error) {
	s.stats.errors.Add(1)

	wrapped := &Error{Scope: scope, Op: op, Err: err}
	s.logger.Warn("sync failure",
		slog.String("scope", scope.String()),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)

	if s.opts.OnError != nil {
		s.opts.OnError(wrapped)
	}
}

// OnChange registers fn to receive a View after every refresh that changed
// the snapshot or the focus, after the initial fetch, and after Select and
// ClearFocus. Listener calls are serialized. fn must not call Activate or
// Deactivate on the same session.
func (s *Session[T]) OnChange(fn func(View[T])) (cancel func()) {
	s.notifyMu.Lock()
	id := s.nextLis
	s.nextLis++
	s.listeners[id] = fn
	s.notifyMu.Unlock()

	return func() {
		s.notifyMu.Lock()
		delete(s.listeners, id)
		s.notifyMu.Unlock()
	}
}

// Select focuses the record with id, which must be in the current snapshot.
func (s *Session[T]) Select(id string) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return fmt.Errorf("sync: select on inactive session: %w", record.ErrNotFound)
	}

	if err := s.focus.Select(id, s.store.Current()); err != nil {
		s.mu.Unlock()
		return err
	}

	gen := s.generation
	v := s.viewLocked(FocusSelected, TriggerManual)
	s.mu.Unlock()

	s.notify(gen, v)

	return nil
}

// ClearFocus drops the focus. Listeners are told only if something was
// focused.
func (s *Session[T]) ClearFocus() {
	s.mu.Lock()
	if !s.focus.Clear() {
		s.mu.Unlock()
		return
	}

	gen := s.generation
	v := s.viewLocked(FocusCleared, TriggerManual)
	s.mu.Unlock()

	s.notify(gen, v)
}

func (s *Session[T]) viewLocked(fc FocusChange, why Trigger) View[T] {
	focus, focused := s.focus.Current()

	return View[T]{
		Scope:       s.scope,
		Items:       s.store.Current(),
		Focus:       focus,
		Focused:     focused,
		FocusChange: fc,
		Version:     s.store.Version(),
		Trigger:     why,
	}
}

// View returns the snapshot and the focus as one consistent pair.
func (s *Session[T]) View() View[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.viewLocked(FocusUnchanged, TriggerManual)
}

// Snapshot returns a copy of the current snapshot.
func (s *Session[T]) Snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.Current()
}

// Get looks up one record of the current snapshot.
func (s *Session[T]) Get(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.Get(id)
}

// Focus returns the focused record as last reconciled.
func (s *Session[T]) Focus() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.focus.Current()
}

// Scope returns the active scope.
func (s *Session[T]) Scope() (Scope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.scope, s.active
}

// Active reports whether the session holds a live scope.
func (s *Session[T]) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active
}

// LastRefresh returns the time the last fetch was applied, or the zero
// time if none has been.
func (s *Session[T]) LastRefresh() time.Time {
	n := s.lastRefreshNano.Load()
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n)
}

// Stats returns a snapshot of session metrics.
func (s *Session[T]) Stats() SessionStats {
	s.mu.Lock()
	feed := s.feed
	s.mu.Unlock()

	return SessionStats{
		Fetches:   s.stats.fetches.Load(),
		Applied:   s.stats.applied.Load(),
		Discarded: s.stats.discarded.Load(),
		Coalesced: s.stats.coalesced.Load(),
		Abandoned: s.stats.abandoned.Load(),
		Events:    s.stats.events.Load(),
		Ticks:     s.stats.ticks.Load(),
		Errors:    s.stats.errors.Load(),
		Connected: feed != nil && feed.Connected(),
	}
}
