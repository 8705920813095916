package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/researchroom/internal/identity"
	"github.com/tonimelisma/researchroom/internal/localstore"
	"github.com/tonimelisma/researchroom/internal/record"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	w := &testLogWriter{t: t}
	t.Cleanup(w.close)

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testLogWriter struct {
	t    *testing.T
	mu   sync.Mutex
	done bool
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.done {
		w.t.Log(strings.TrimRight(string(p), "\n"))
	}

	return len(p), nil
}

func (w *testLogWriter) close() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
}

// fakeAssistant answers deterministically and can be told to fail.
type fakeAssistant struct {
	mu    sync.Mutex
	fail  error
	calls []string
}

func (f *fakeAssistant) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, op)

	return f.fail
}

func (f *fakeAssistant) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeAssistant) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

func (f *fakeAssistant) Summarize(_ context.Context, text string) (string, error) {
	if err := f.record("summarize"); err != nil {
		return "", err
	}

	return "summary: " + text, nil
}

func (f *fakeAssistant) Answer(_ context.Context, text, q string) (string, error) {
	if err := f.record("answer"); err != nil {
		return "", err
	}

	return fmt.Sprintf("answer to %q from %d chars", q, len(text)), nil
}

func (f *fakeAssistant) Critique(_ context.Context, _, note string) (string, error) {
	if err := f.record("critique"); err != nil {
		return "", err
	}

	return "feedback on " + note, nil
}

type fixture struct {
	store *localstore.Store
	asst  *fakeAssistant
	ada   identity.Identity
	room  record.Room
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := localstore.Open(context.Background(), filepath.Join(t.TempDir(), "room.db"), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ada, err := identity.New("Ada", "blue")
	require.NoError(t, err)

	r, err := CreateRoom(context.Background(), store, ada)
	require.NoError(t, err)

	return &fixture{store: store, asst: &fakeAssistant{}, ada: ada, room: r}
}

func (f *fixture) open(t *testing.T, ident identity.Identity, roomID string) *Controller {
	t.Helper()

	c, err := Open(context.Background(), f.store, f.asst, ident, roomID, Options{
		PollInterval: 50 * time.Millisecond,
		Logger:       testLogger(t),
		Extract: func(path string) (string, error) {
			if strings.HasSuffix(path, ".bin") {
				return "", fmt.Errorf("unsupported: %w", record.ErrInvalidInput)
			}

			return "full text of " + filepath.Base(path), nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return c
}

func (f *fixture) insertPaper(t *testing.T, title string) record.Paper {
	t.Helper()

	raw, err := f.store.Insert(context.Background(), record.Papers, map[string]string{
		"title": title, "summary": "s", "full_text": "text of " + title, "room_id": f.room.ID,
	})
	require.NoError(t, err)

	var p record.Paper
	require.NoError(t, json.Unmarshal(raw, &p))

	return p
}

func (f *fixture) insertNote(t *testing.T, paperID, author, content string) record.Annotation {
	t.Helper()

	raw, err := f.store.Insert(context.Background(), record.Annotations, map[string]string{
		"paper_id": paperID, "content": content, "user_identity": author, "color": "#EF4444",
	})
	require.NoError(t, err)

	var a record.Annotation
	require.NoError(t, json.Unmarshal(raw, &a))

	return a
}

func TestCreateRoom_NamesAfterCreator(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, "Ada's Room", f.room.Name)
	assert.Equal(t, "Ada", f.room.CreatedBy)
	assert.NotEmpty(t, f.room.ID)

	_, err := CreateRoom(context.Background(), f.store, identity.Identity{Name: "  "})
	assert.ErrorIs(t, err, record.ErrInvalidInput)
}

func TestOpen_LoadsRoomAndPapers(t *testing.T) {
	f := newFixture(t)
	f.insertPaper(t, "older")
	f.insertPaper(t, "newer")

	c := f.open(t, f.ada, f.room.ID)
	st := c.State()

	assert.True(t, st.RoomLoaded)
	assert.False(t, st.Gone)
	assert.Equal(t, f.room.ID, st.Room.ID)
	require.Len(t, st.Papers, 2)
	assert.Equal(t, "newer", st.Papers[0].Title)
	assert.False(t, st.Focused)
	assert.Equal(t, f.ada, st.Identity)
}

func TestOpen_EmptyRoomID(t *testing.T) {
	f := newFixture(t)

	_, err := Open(context.Background(), f.store, f.asst, f.ada, " ", Options{})
	assert.ErrorIs(t, err, record.ErrInvalidInput)
}

func TestOpen_UnknownRoomIsGone(t *testing.T) {
	f := newFixture(t)

	c := f.open(t, f.ada, "no-such-room")

	require.Eventually(t, func() bool { return c.State().Gone }, waitFor, tick)
	assert.ErrorIs(t, c.SelectPaper("x"), record.ErrNotFound)

	_, err := c.Upload(context.Background(), "paper.pdf")
	assert.ErrorIs(t, err, record.ErrNotFound)
}

func TestUpload_StoresSummarizesAndFocuses(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, f.ada, f.room.ID)

	p, err := c.Upload(context.Background(), "/tmp/attention.pdf")
	require.NoError(t, err)

	assert.Equal(t, "attention.pdf", p.Title)
	assert.Equal(t, "summary: full text of attention.pdf", p.Summary)
	assert.Equal(t, f.room.ID, p.RoomID)

	st := c.State()
	require.True(t, st.Focused)
	assert.Equal(t, p.ID, st.Focus.ID)
	assert.Equal(t, TabSummary, st.Tab)
	assert.Empty(t, st.Busy)

	// The notes session follows the new focus.
	require.Eventually(t, func() bool {
		scope, active := c.notes.Scope()
		return active && scope == NotesScope(p.ID)
	}, waitFor, tick)
}

func TestUpload_AssistantFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, f.ada, f.room.ID)

	f.asst.setFail(fmt.Errorf("quota: %w", record.ErrAssistantUnavailable))

	_, err := c.Upload(context.Background(), "paper.pdf")
	require.Error(t, err)
	assert.ErrorIs(t, err, record.ErrAssistantUnavailable)
	assert.Contains(t, err.Error(), "failed to process paper")

	st := c.State()
	require.NotNil(t, st.Notice)
	assert.Equal(t, record.KindAssistantUnavailable, st.Notice.Kind)
	assert.Empty(t, st.Papers)

	c.DismissNotice()
	assert.Nil(t, c.State().Notice)
}

func TestUpload_ExtractFailure(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, f.ada, f.room.ID)

	_, err := c.Upload(context.Background(), "scan.bin")
	assert.ErrorIs(t, err, record.ErrInvalidInput)
	assert.Equal(t, 0, f.asst.callCount())
}

func TestSelectPaper_UnknownID(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, f.ada, f.room.ID)

	assert.ErrorIs(t, c.SelectPaper("missing"), record.ErrNotFound)
}

func TestNotes_FollowFocus(t *testing.T) {
	f := newFixture(t)
	p1 := f.insertPaper(t, "one")
	p2 := f.insertPaper(t, "two")
	f.insertNote(t, p1.ID, "Grace", "on one")
	f.insertNote(t, p2.ID, "Grace", "on two")

	c := f.open(t, f.ada, f.room.ID)

	require.NoError(t, c.SelectPaper(p1.ID))
	require.Eventually(t, func() bool {
		n := c.State().Notes
		return len(n) == 1 && n[0].Content == "on one"
	}, waitFor, tick)

	require.NoError(t, c.SelectPaper(p2.ID))
	require.Eventually(t, func() bool {
		n := c.State().Notes
		return len(n) == 1 && n[0].Content == "on two"
	}, waitFor, tick)

	c.ClearSelection()
	require.Eventually(t, func() bool { return !c.notes.Active() }, waitFor, tick)
	assert.Empty(t, c.State().Notes)
}

func TestAddNote(t *testing.T) {
	f := newFixture(t)
	p := f.insertPaper(t, "paper")
	c := f.open(t, f.ada, f.room.ID)

	_, err := c.AddNote(context.Background(), "needs focus")
	assert.ErrorIs(t, err, record.ErrInvalidInput)

	require.NoError(t, c.SelectPaper(p.ID))

	_, err = c.AddNote(context.Background(), "  \n ")
	assert.ErrorIs(t, err, record.ErrInvalidInput)
	assert.Equal(t, 0, f.asst.callCount())

	a, err := c.AddNote(context.Background(), "the ablation is thin")
	require.NoError(t, err)
	assert.Equal(t, "feedback on the ablation is thin", a.AISuggestions)
	assert.Equal(t, record.PositionEnd, a.Position)
	assert.Equal(t, "Ada", a.UserIdentity)
	assert.Equal(t, "#3B82F6", a.Color)

	require.Eventually(t, func() bool { return len(c.State().Notes) == 1 }, waitFor, tick)
	assert.True(t, c.State().OwnNote(c.State().Notes[0]))
}

func TestAddNote_CritiqueFailureAborts(t *testing.T) {
	f := newFixture(t)
	p := f.insertPaper(t, "paper")
	c := f.open(t, f.ada, f.room.ID)
	require.NoError(t, c.SelectPaper(p.ID))

	f.asst.setFail(record.ErrAssistantUnavailable)

	_, err := c.AddNote(context.Background(), "note")
	assert.ErrorIs(t, err, record.ErrAssistantUnavailable)

	rows, err := f.store.FetchCollection(context.Background(), record.Annotations, record.Eq("paper_id", p.ID), record.OldestFirst)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDeleteNote_OnlyOwn(t *testing.T) {
	f := newFixture(t)
	p := f.insertPaper(t, "paper")
	theirs := f.insertNote(t, p.ID, "Grace", "hers")
	mine := f.insertNote(t, p.ID, "Ada", "mine")

	c := f.open(t, f.ada, f.room.ID)
	require.NoError(t, c.SelectPaper(p.ID))
	require.Eventually(t, func() bool { return len(c.State().Notes) == 2 }, waitFor, tick)

	err := c.DeleteNote(context.Background(), theirs.ID)
	assert.ErrorIs(t, err, record.ErrPermission)

	require.NoError(t, c.DeleteNote(context.Background(), mine.ID))

	notes := c.State().Notes
	require.Len(t, notes, 1)
	assert.Equal(t, theirs.ID, notes[0].ID)

	assert.ErrorIs(t, c.DeleteNote(context.Background(), "missing"), record.ErrNotFound)
}

func TestDeletePaper_ClearsFocusImmediately(t *testing.T) {
	f := newFixture(t)
	p := f.insertPaper(t, "paper")
	c := f.open(t, f.ada, f.room.ID)
	require.NoError(t, c.SelectPaper(p.ID))

	require.NoError(t, c.DeletePaper(context.Background(), p.ID))

	st := c.State()
	assert.False(t, st.Focused)
	assert.Empty(t, st.Papers)
}

func TestPaperDeletedElsewhere_FocusCleared(t *testing.T) {
	f := newFixture(t)
	p := f.insertPaper(t, "paper")
	f.insertNote(t, p.ID, "Grace", "note")

	c := f.open(t, f.ada, f.room.ID)
	require.NoError(t, c.SelectPaper(p.ID))
	require.Eventually(t, func() bool { return len(c.State().Notes) == 1 }, waitFor, tick)

	require.NoError(t, f.store.Delete(context.Background(), record.Papers, p.ID))

	require.Eventually(t, func() bool {
		st := c.State()
		return !st.Focused && len(st.Papers) == 0 && len(st.Notes) == 0
	}, waitFor, tick)
	require.Eventually(t, func() bool { return !c.notes.Active() }, waitFor, tick)
}

func TestRoomDeletedElsewhere_Gone(t *testing.T) {
	f := newFixture(t)
	p := f.insertPaper(t, "paper")
	c := f.open(t, f.ada, f.room.ID)
	require.NoError(t, c.SelectPaper(p.ID))

	require.NoError(t, f.store.Delete(context.Background(), record.Rooms, f.room.ID))

	require.Eventually(t, func() bool { return c.State().Gone }, waitFor, tick)

	st := c.State()
	assert.False(t, st.Focused)
	assert.Empty(t, st.Papers)
	assert.False(t, c.papers.Active())
	assert.False(t, c.notes.Active())
	assert.False(t, c.rooms.Active())
	assert.ErrorIs(t, c.Refresh(context.Background()), record.ErrNotFound)
}

func TestAsk(t *testing.T) {
	f := newFixture(t)
	p := f.insertPaper(t, "paper")
	c := f.open(t, f.ada, f.room.ID)

	_, err := c.Ask(context.Background(), "why?")
	assert.ErrorIs(t, err, record.ErrInvalidInput)

	require.NoError(t, c.SelectPaper(p.ID))

	_, err = c.Ask(context.Background(), "   ")
	assert.ErrorIs(t, err, record.ErrInvalidInput)
	assert.Equal(t, 0, f.asst.callCount())

	got, err := c.Ask(context.Background(), "why?")
	require.NoError(t, err)
	assert.Equal(t, `answer to "why?" from 13 chars`, got)

	st := c.State()
	assert.Equal(t, TabQA, st.Tab)
	assert.Equal(t, Answer{PaperID: p.ID, Question: "why?", Text: got}, st.Answer)

	f.asst.setFail(errors.New("boom"))

	_, err = c.Ask(context.Background(), "again?")
	require.Error(t, err)
	assert.NotNil(t, c.State().Notice)
}

func TestUpdates_Signalled(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, f.ada, f.room.ID)

	// Drain whatever Open produced.
	select {
	case <-c.Updates():
	default:
	}

	f.insertPaper(t, "late arrival")

	select {
	case <-c.Updates():
	case <-time.After(waitFor):
		t.Fatal("no update after a paper was added")
	}

	require.Eventually(t, func() bool { return len(c.State().Papers) == 1 }, waitFor, tick)
}

func TestClose_Idempotent(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, f.ada, f.room.ID)

	c.Close()
	c.Close()

	assert.False(t, c.rooms.Active())
	assert.False(t, c.papers.Active())
}

func TestParseTab(t *testing.T) {
	for in, want := range map[string]Tab{
		"summary": TabSummary, "QA": TabQA, "q&a": TabQA, "notes": TabCollaboration, "collaboration": TabCollaboration,
	} {
		got, err := ParseTab(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseTab("slides")
	assert.ErrorIs(t, err, record.ErrInvalidInput)
	assert.Equal(t, "collaboration", TabCollaboration.String())
}

// flakyRooms answers room fetches with NotFound while missing > 0.
type flakyRooms struct {
	*localstore.Store

	mu      sync.Mutex
	missing int
	fetched int
}

func (b *flakyRooms) FetchCollection(
	ctx context.Context, collection record.Collection, filter record.Filter, order record.Order,
) ([]json.RawMessage, error) {
	if collection == record.Rooms {
		b.mu.Lock()
		b.fetched++
		if b.missing > 0 {
			b.missing--
			b.mu.Unlock()

			return nil, fmt.Errorf("proxy: %w", record.ErrNotFound)
		}
		b.mu.Unlock()
	}

	return b.Store.FetchCollection(ctx, collection, filter, order)
}

func (b *flakyRooms) setMissing(n int) (fetchedSoFar int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.missing = n

	return b.fetched
}

func (b *flakyRooms) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.fetched
}

func TestTransientRoomNotFound_IsNotGone(t *testing.T) {
	f := newFixture(t)
	p := f.insertPaper(t, "paper")
	backend := &flakyRooms{Store: f.store}

	c, err := Open(context.Background(), backend, f.asst, f.ada, f.room.ID, Options{
		PollInterval: 50 * time.Millisecond,
		Logger:       testLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.SelectPaper(p.ID))

	// One poll answers 404; the confirming fetch and later polls succeed.
	before := backend.setMissing(1)

	require.Eventually(t, func() bool { return backend.fetchCount() >= before+4 }, waitFor, tick)
	require.Eventually(t, func() bool { return c.State().RoomLoaded }, waitFor, tick)

	st := c.State()
	assert.False(t, st.Gone)
	require.Len(t, st.Papers, 1)
	assert.True(t, c.papers.Active())
}

func TestRoomMissingOnConfirmation_IsGone(t *testing.T) {
	f := newFixture(t)
	backend := &flakyRooms{Store: f.store}

	c, err := Open(context.Background(), backend, f.asst, f.ada, f.room.ID, Options{
		PollInterval: 50 * time.Millisecond,
		Logger:       testLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	backend.setMissing(1 << 20)

	require.Eventually(t, func() bool { return c.State().Gone }, waitFor, tick)
	assert.False(t, c.papers.Active())
}
