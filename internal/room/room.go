// Package room drives one live research room: the room record, its papers
// and the notes on the focused paper, each kept current by its own sync
// session. The controller also runs the participant's actions (upload,
// delete, ask, annotate) and keeps the last failure as a Notice.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/researchroom/internal/extract"
	"github.com/tonimelisma/researchroom/internal/identity"
	"github.com/tonimelisma/researchroom/internal/record"
	isync "github.com/tonimelisma/researchroom/internal/sync"
)

// Mutator writes rows. remote.Client and localstore.Store both satisfy it.
type Mutator interface {
	Insert(ctx context.Context, collection record.Collection, row any) (json.RawMessage, error)
	Delete(ctx context.Context, collection record.Collection, id string) error
}

// Backend is everything the controller needs from the row service.
type Backend interface {
	isync.Fetcher
	isync.Subscriber
	Mutator
}

// Assistant is the language model used for summaries, answers and note
// feedback.
type Assistant interface {
	Summarize(ctx context.Context, paperText string) (string, error)
	Answer(ctx context.Context, paperText, question string) (string, error)
	Critique(ctx context.Context, paperText, note string) (string, error)
}

// Options configures a Controller. Zero values select defaults.
type Options struct {
	PollInterval time.Duration
	MaxInFlight  int
	Logger       *slog.Logger
	// Extract reads an uploaded document; defaults to extract.ExtractText.
	Extract func(path string) (string, error)
	// NewTicker overrides the sessions' poll clock in tests.
	NewTicker isync.TickerFunc
}

// Controller owns the three sessions of one room. Session listeners only
// signal channels; the controller's own goroutine performs every session
// lifecycle call, so no listener ever re-enters a session.
type Controller struct {
	backend   Backend
	assistant Assistant
	extract   func(string) (string, error)
	ident     identity.Identity
	roomID    string
	logger    *slog.Logger
	// goneDelay separates the empty room fetch from the one confirming it.
	goneDelay time.Duration

	rooms  *isync.Session[record.Room]
	papers *isync.Session[record.Paper]
	notes  *isync.Session[record.Annotation]

	ctx    context.Context
	cancel context.CancelFunc

	focusCh chan struct{}
	goneCh  chan struct{}
	updates chan struct{}
	done    chan struct{}

	unlisten  []func()
	closeOnce sync.Once

	mu     sync.Mutex
	gone   bool
	tab    Tab
	answer Answer
	notice *Notice
	busy   string
}

// RoomScope selects the single room record.
func RoomScope(roomID string) isync.Scope {
	return isync.Scope{Collection: record.Rooms, Filter: record.Eq("id", roomID)}
}

// PapersScope selects every paper in a room.
func PapersScope(roomID string) isync.Scope {
	return isync.Scope{Collection: record.Papers, Filter: record.Eq("room_id", roomID)}
}

// NotesScope selects every annotation on a paper.
func NotesScope(paperID string) isync.Scope {
	return isync.Scope{Collection: record.Annotations, Filter: record.Eq("paper_id", paperID)}
}

// CreateRoom inserts a new room owned by id and returns it.
func CreateRoom(ctx context.Context, m Mutator, id identity.Identity) (record.Room, error) {
	name := norm.NFC.String(strings.TrimSpace(id.Name))
	if name == "" {
		return record.Room{}, fmt.Errorf("room: create: empty name: %w", record.ErrInvalidInput)
	}

	raw, err := m.Insert(ctx, record.Rooms, map[string]string{
		"name":       name + "'s Room",
		"created_by": name,
	})
	if err != nil {
		return record.Room{}, fmt.Errorf("room: create: %w", err)
	}

	var r record.Room
	if err := json.Unmarshal(raw, &r); err != nil {
		return record.Room{}, fmt.Errorf("room: decoding created room: %w", err)
	}

	return r, nil
}

// Open activates the room and papers sessions concurrently and starts the
// controller. A room that does not exist is not an error here: the
// controller reports it through State().Gone.
func Open(
	ctx context.Context, backend Backend, assistant Assistant, ident identity.Identity, roomID string, opts Options,
) (*Controller, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("room: empty room id: %w", record.ErrInvalidInput)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(slog.String("room", roomID))

	if opts.Extract == nil {
		opts.Extract = extract.ExtractText
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = isync.DefaultPollInterval
	}

	cctx, cancel := context.WithCancel(ctx)

	c := &Controller{
		backend:   backend,
		assistant: assistant,
		extract:   opts.Extract,
		ident:     ident,
		roomID:    roomID,
		logger:    logger,
		goneDelay: opts.PollInterval,
		ctx:       cctx,
		cancel:    cancel,
		focusCh:   make(chan struct{}, 1),
		goneCh:    make(chan struct{}, 1),
		updates:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	sessionOpts := func(order record.Order) isync.SessionOptions {
		return isync.SessionOptions{
			Order:        order,
			PollInterval: opts.PollInterval,
			MaxInFlight:  opts.MaxInFlight,
			OnError:      c.onSyncError,
			Logger:       logger,
			NewTicker:    opts.NewTicker,
		}
	}

	c.rooms = isync.NewSession[record.Room](backend, backend, sessionOpts(record.OldestFirst))
	c.papers = isync.NewSession[record.Paper](backend, backend, sessionOpts(record.NewestFirst))
	c.notes = isync.NewSession[record.Annotation](backend, backend, sessionOpts(record.OldestFirst))

	c.unlisten = append(c.unlisten,
		c.rooms.OnChange(func(v isync.View[record.Room]) {
			if len(v.Items) == 0 {
				signal(c.goneCh)
			}

			signal(c.updates)
		}),
		c.papers.OnChange(func(v isync.View[record.Paper]) {
			if v.FocusChange != isync.FocusUnchanged {
				signal(c.focusCh)
			}

			signal(c.updates)
		}),
		c.notes.OnChange(func(isync.View[record.Annotation]) {
			signal(c.updates)
		}),
	)

	var g errgroup.Group

	g.Go(func() error { return c.rooms.Activate(cctx, RoomScope(roomID)) })
	g.Go(func() error { return c.papers.Activate(cctx, PapersScope(roomID)) })

	if err := g.Wait(); err != nil {
		c.shutdown()
		return nil, fmt.Errorf("room: opening %s: %w", roomID, err)
	}

	go c.loop()

	logger.Info("room opened",
		slog.Int("papers", len(c.papers.Snapshot())),
		slog.String("identity", ident.Name),
	)

	return c, nil
}

// Close tears down the notes, papers and room sessions in that order.
// Idempotent.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		c.shutdown()
		c.logger.Info("room closed")
	})
}

func (c *Controller) shutdown() {
	for _, fn := range c.unlisten {
		fn()
	}

	c.notes.Deactivate()
	c.papers.Deactivate()
	c.rooms.Deactivate()
	c.cancel()
}

// Updates delivers a value whenever the rendered state may have changed.
// Bursts are coalesced.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

// loop performs session lifecycle work requested by listeners.
func (c *Controller) loop() {
	defer close(c.done)

	var confirm <-chan time.Time

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.goneCh:
			if confirm == nil && !c.isGone() {
				confirm = time.After(c.goneDelay)
			}
		case <-confirm:
			confirm = nil
			if c.confirmGone() {
				confirm = time.After(c.goneDelay)
			}
		case <-c.focusCh:
			c.followFocus()
		}
	}
}

// confirmGone refetches the room after an empty result. The room is gone
// only if the second fetch is empty too; one 404 from a flaky proxy is not
// enough. It reports whether the check must be retried.
func (c *Controller) confirmGone() (retry bool) {
	if c.isGone() {
		return false
	}

	if err := c.rooms.Refresh(c.ctx); err != nil {
		if c.ctx.Err() != nil {
			return false
		}

		c.logger.Debug("cannot confirm room deletion yet", slog.String("error", err.Error()))

		return true
	}

	if len(c.rooms.Snapshot()) > 0 {
		c.logger.Info("room is back after an empty fetch")
		return false
	}

	c.markGone()

	return false
}

// markGone tears down everything below the room. The state is permanent.
func (c *Controller) markGone() {
	c.mu.Lock()
	if c.gone {
		c.mu.Unlock()
		return
	}

	c.gone = true
	c.answer = Answer{}
	c.mu.Unlock()

	c.notes.ClearScope()
	c.papers.ClearScope()
	c.rooms.Deactivate()

	c.logger.Warn("room no longer exists")
	signal(c.updates)
}

// followFocus points the notes session at the focused paper, or clears it.
func (c *Controller) followFocus() {
	if c.isGone() {
		return
	}

	p, ok := c.papers.Focus()
	if !ok {
		c.notes.ClearScope()
		c.resetAnswer("")
		signal(c.updates)

		return
	}

	want := NotesScope(p.ID)
	if cur, active := c.notes.Scope(); active && cur == want {
		return
	}

	c.resetAnswer(p.ID)

	if err := c.notes.Activate(c.ctx, want); err != nil {
		c.logger.Warn("cannot follow focused paper", slog.String("error", err.Error()))
	}

	signal(c.updates)
}

// resetAnswer drops an answer that belongs to another paper.
func (c *Controller) resetAnswer(keepPaperID string) {
	c.mu.Lock()
	if c.answer.PaperID != keepPaperID {
		c.answer = Answer{}
	}
	c.mu.Unlock()
}

func (c *Controller) isGone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.gone
}

// onSyncError records background fetch failures. A gone room has nothing
// left worth reporting.
func (c *Controller) onSyncError(err error) {
	if c.isGone() {
		return
	}

	c.setNotice(err)
}

func (c *Controller) setNotice(err error) {
	c.mu.Lock()
	c.notice = &Notice{Kind: record.KindOf(err), Message: err.Error(), At: time.Now()}
	c.mu.Unlock()

	signal(c.updates)
}

// DismissNotice clears the current notice.
func (c *Controller) DismissNotice() {
	c.mu.Lock()
	c.notice = nil
	c.mu.Unlock()

	signal(c.updates)
}

// State returns a copy of everything the room screen renders.
func (c *Controller) State() State {
	rooms := c.rooms.Snapshot()
	pv := c.papers.View()
	focus, focused := pv.Focus, pv.Focused

	st := State{
		RoomID:      c.roomID,
		RoomLoaded:  len(rooms) > 0,
		Papers:      pv.Items,
		Focus:       focus,
		Focused:     focused,
		Identity:    c.ident,
		Connected:   c.papers.Stats().Connected,
		LastRefresh: c.papers.LastRefresh(),
	}

	if len(rooms) > 0 {
		st.Room = rooms[0]
	}

	if focused {
		if scope, active := c.notes.Scope(); active && scope == NotesScope(focus.ID) {
			st.Notes = c.notes.Snapshot()
		}
	}

	c.mu.Lock()
	st.Gone = c.gone
	st.Tab = c.tab
	st.Busy = c.busy

	if focused && c.answer.PaperID == focus.ID {
		st.Answer = c.answer
	}

	if c.notice != nil {
		n := *c.notice
		st.Notice = &n
	}
	c.mu.Unlock()

	if st.Gone {
		st.Papers, st.Notes, st.Focused, st.Focus = nil, nil, false, record.Paper{}
	}

	return st
}

// signal does a non-blocking send on a 1-buffered channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
