package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	stdsync "sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/researchroom/internal/record"
)

// Tailer timing constants.
const (
	safetyPollInterval  = 2 * time.Second
	tailBatchSize       = 500
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// FsWatcher abstracts fsnotify.Watcher for testing.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWatcher adapts *fsnotify.Watcher to FsWatcher.
type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func (f fsnotifyWatcher) Add(name string) error {
	return f.w.Add(name)
}

func (f fsnotifyWatcher) Close() error {
	return f.w.Close()
}

func (f fsnotifyWatcher) Events() <-chan fsnotify.Event {
	return f.w.Events
}

func (f fsnotifyWatcher) Errors() <-chan error {
	return f.w.Errors
}

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return fsnotifyWatcher{w: w}, nil
}

// subscriber is one registered change callback.
type subscriber struct {
	collection record.Collection
	filter     record.Filter
	fn         record.ChangeFunc
}

// tailer turns new changes rows into callbacks. It wakes on writes made
// through this Store (poke), on filesystem events for the database files
// (writes by other processes), and on a slow safety tick.
type tailer struct {
	store  *Store
	logger *slog.Logger

	watcherFactory func() (FsWatcher, error)
	sleepFunc      func(ctx context.Context, d time.Duration) error
	safetyInterval time.Duration

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	// lastSeq is only touched by the tail goroutine after start.
	lastSeq int64

	// subsMu is held shared while dispatching and exclusively while a
	// subscription is removed, so no callback starts after removal.
	subsMu  stdsync.RWMutex
	subs    map[uint64]*subscriber
	nextSub uint64
}

func newTailer(s *Store, logger *slog.Logger) *tailer {
	return &tailer{
		store:          s,
		logger:         logger,
		watcherFactory: newFsnotifyWatcher,
		sleepFunc:      timeSleep,
		safetyInterval: safetyPollInterval,
		wake:           make(chan struct{}, 1),
		subs:           map[uint64]*subscriber{},
	}
}

// start records the current end of the changelog, so history is never
// replayed, and launches the tail goroutine.
func (t *tailer) start(ctx context.Context) error {
	err := t.store.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&t.lastSeq)
	if err != nil {
		return fmt.Errorf("localstore: reading changelog position: %w", err)
	}

	// The tailer outlives the ctx passed to Open; Close stops it.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.done = make(chan struct{})

	var watcher FsWatcher

	w, err := t.watcherFactory()
	if err != nil {
		t.logger.Warn("filesystem watch unavailable, relying on safety poll",
			slog.String("error", err.Error()),
		)
	} else if addErr := w.Add(filepath.Dir(t.store.path)); addErr != nil {
		t.logger.Warn("cannot watch database directory, relying on safety poll",
			slog.String("dir", filepath.Dir(t.store.path)),
			slog.String("error", addErr.Error()),
		)
		w.Close()
	} else {
		watcher = w
	}

	go t.loop(loopCtx, watcher)

	return nil
}

func (t *tailer) stop() {
	if t.cancel == nil {
		return
	}

	t.cancel()
	<-t.done
}

// poke schedules a drain without blocking.
func (t *tailer) poke() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *tailer) loop(ctx context.Context, watcher FsWatcher) {
	defer close(t.done)

	if watcher != nil {
		defer watcher.Close()
	}

	safety := time.NewTicker(t.safetyInterval)
	defer safety.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error

	if watcher != nil {
		events, errs = watcher.Events(), watcher.Errors()
	}

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return

		case <-t.wake:
			t.drain(ctx)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}

			if t.isDatabaseWrite(ev) {
				t.drain(ctx)
			}

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}

			t.logger.Warn("database watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleepErr := t.sleepFunc(ctx, errBackoff); sleepErr != nil {
				return
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)

		case <-safety.C:
			t.drain(ctx)
		}
	}
}

// isDatabaseWrite matches writes to the database, its WAL or its shm file.
func (t *tailer) isDatabaseWrite(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}

	return strings.HasPrefix(filepath.Base(ev.Name), filepath.Base(t.store.path))
}

// drain dispatches every change after lastSeq.
func (t *tailer) drain(ctx context.Context) {
	for {
		n, err := t.drainBatch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warn("reading changelog failed", slog.String("error", err.Error()))
			}

			return
		}

		if n < tailBatchSize {
			return
		}
	}
}

func (t *tailer) drainBatch(ctx context.Context) (int, error) {
	rows, err := t.store.db.QueryContext(ctx,
		`SELECT seq, collection, kind, old_row, new_row FROM changes WHERE seq > ? ORDER BY seq LIMIT ?`,
		t.lastSeq, tailBatchSize)
	if err != nil {
		return 0, err
	}

	var batch []record.Change

	for rows.Next() {
		var (
			seq              int64
			collection, kind string
			oldRow, newRow   sql.NullString
		)

		if err := rows.Scan(&seq, &collection, &kind, &oldRow, &newRow); err != nil {
			rows.Close()
			return 0, err
		}

		t.lastSeq = seq

		k, err := record.ParseChangeKind(kind)
		if err != nil {
			continue
		}

		c := record.Change{Kind: k, Collection: record.Collection(collection)}
		if oldRow.Valid {
			c.Before = []byte(oldRow.String)
		}

		if newRow.Valid {
			c.After = []byte(newRow.String)
		}

		batch = append(batch, c)
	}

	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}

	rows.Close()

	// Dispatch after the rows are closed: the single connection must be free
	// for callbacks that fetch.
	for _, c := range batch {
		t.dispatch(c)
	}

	return len(batch), nil
}

func (t *tailer) dispatch(c record.Change) {
	t.subsMu.RLock()
	defer t.subsMu.RUnlock()

	for _, s := range t.subs {
		if s.collection != c.Collection || !c.Matches(s.filter) {
			continue
		}

		s.fn(c)
	}
}

func (t *tailer) add(s *subscriber) uint64 {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	t.nextSub++
	t.subs[t.nextSub] = s

	return t.nextSub
}

func (t *tailer) remove(id uint64) {
	t.subsMu.Lock()
	delete(t.subs, id)
	t.subsMu.Unlock()
}

// SubscribeToChanges registers fn for changes to collection rows matching
// filter. Only changes committed after the call are delivered.
func (s *Store) SubscribeToChanges(
	_ context.Context, collection record.Collection, filter record.Filter, fn record.ChangeFunc,
) (record.Subscription, error) {
	t, err := lookupTable(collection)
	if err != nil {
		return nil, err
	}

	if !filter.IsZero() && !t.has(filter.Column) {
		return nil, fmt.Errorf("localstore: cannot filter %s by %q: %w", t.name, filter.Column, record.ErrInvalidInput)
	}

	id := s.tail.add(&subscriber{collection: collection, filter: filter, fn: fn})

	s.logger.Debug("change subscription added",
		slog.String("collection", string(collection)),
		slog.String("filter", filter.String()),
	)

	return &subscription{tail: s.tail, id: id}, nil
}

type subscription struct {
	tail *tailer
	id   uint64
	once stdsync.Once
}

// Unsubscribe removes the callback; it waits for a dispatch in progress.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.tail.remove(s.id)
	})

	return nil
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
