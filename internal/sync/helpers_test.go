package sync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	stdsync "sync"
	"testing"
	"time"

	"github.com/tonimelisma/researchroom/internal/record"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	w := &testLogWriter{t: t}
	t.Cleanup(w.close)

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog. Output from
// goroutines that outlive the test is dropped.
type testLogWriter struct {
	t    *testing.T
	mu   stdsync.Mutex
	done bool
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.done {
		w.t.Log(string(p))
	}

	return len(p), nil
}

func (w *testLogWriter) close() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func paper(id, room, title string, age int) record.Paper {
	return record.Paper{
		ID:        id,
		Title:     title,
		RoomID:    room,
		CreatedAt: t0.Add(time.Duration(age) * time.Minute),
	}
}

// --- fake remote ---

// fakeRemote serves papers filtered by column equality and records every
// fetch. hook, when set, runs after the rows are read and before they are
// returned, so tests can hold a fetch in flight.
type fakeRemote struct {
	mu      stdsync.Mutex
	papers  []record.Paper
	err     error
	fetches int
	hook    func(filter record.Filter)
}

func (f *fakeRemote) set(papers ...record.Paper) {
	f.mu.Lock()
	f.papers = papers
	f.mu.Unlock()
}

func (f *fakeRemote) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeRemote) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.fetches
}

func (f *fakeRemote) FetchCollection(
	_ context.Context, collection record.Collection, filter record.Filter, _ record.Order,
) ([]json.RawMessage, error) {
	f.mu.Lock()
	f.fetches++
	err := f.err
	hook := f.hook

	var rows []json.RawMessage
	if collection == record.Papers {
		for _, p := range f.papers {
			if filter.Column == "room_id" && p.RoomID != filter.Value {
				continue
			}

			b, _ := json.Marshal(p)
			rows = append(rows, b)
		}
	}
	f.mu.Unlock()

	if hook != nil {
		hook(filter)
	}

	if err != nil {
		return nil, err
	}

	return rows, nil
}

// --- fake subscriber ---

type fakeSub struct {
	mu      stdsync.Mutex
	fn      record.ChangeFunc
	filter  record.Filter
	unsubs  int
	fail    error
	journal *journal
}

func (s *fakeSub) SubscribeToChanges(
	_ context.Context, _ record.Collection, filter record.Filter, fn record.ChangeFunc,
) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return nil, s.fail
	}

	s.fn = fn
	s.filter = filter

	return &fakeHandle{sub: s}, nil
}

// emit delivers a change the way a transport goroutine would, even after
// the subscription was closed.
func (s *fakeSub) emit(c record.Change) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()

	if fn != nil {
		fn(c)
	}
}

func (s *fakeSub) unsubCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.unsubs
}

type fakeHandle struct {
	sub *fakeSub
}

func (h *fakeHandle) Unsubscribe() error {
	h.sub.mu.Lock()
	h.sub.unsubs++
	j := h.sub.journal
	h.sub.mu.Unlock()

	if j != nil {
		j.add("unsubscribe " + h.sub.filter.Value)
	}

	return nil
}

// --- manual ticker ---

type manualTicker struct {
	c       chan time.Time
	journal *journal
	name    string
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	if m.journal != nil {
		m.journal.add("stop " + m.name)
	}
}

// tickers hands out manual tickers and remembers them in order.
type tickers struct {
	mu      stdsync.Mutex
	all     []*manualTicker
	journal *journal
	names   []string
}

func (ts *tickers) newTicker(time.Duration) Ticker {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	name := ""
	if len(ts.names) > len(ts.all) {
		name = ts.names[len(ts.all)]
	}

	m := &manualTicker{c: make(chan time.Time), journal: ts.journal, name: name}
	ts.all = append(ts.all, m)

	return m
}

func (ts *tickers) last() *manualTicker {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return ts.all[len(ts.all)-1]
}

// journal is an ordered, concurrency-safe event log.
type journal struct {
	mu      stdsync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]string, len(j.entries))
	copy(out, j.entries)

	return out
}

// errCollector gathers errors passed to a session's OnError.
type errCollector struct {
	mu   stdsync.Mutex
	errs []error
}

func (c *errCollector) report(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

func (c *errCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.errs)
}

func (c *errCollector) anyIs(target error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.errs {
		if errors.Is(e, target) {
			return true
		}
	}

	return false
}

func ids(papers []record.Paper) []string {
	out := make([]string, len(papers))
	for i, p := range papers {
		out[i] = p.ID
	}

	return out
}

func paperChange(kind record.ChangeKind, before, after *record.Paper) record.Change {
	c := record.Change{Kind: kind, Collection: record.Papers}
	if before != nil {
		c.Before, _ = json.Marshal(before)
	}

	if after != nil {
		c.After, _ = json.Marshal(after)
	}

	return c
}
