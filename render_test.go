package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tonimelisma/researchroom/internal/identity"
	"github.com/tonimelisma/researchroom/internal/record"
	"github.com/tonimelisma/researchroom/internal/room"
)

func sampleState() room.State {
	created := time.Date(2026, 2, 3, 9, 30, 0, 0, time.UTC)
	papers := []record.Paper{
		{ID: "p2", Title: "Newer paper", Summary: "It is new.", CreatedAt: created},
		{ID: "p1", Title: "Older paper", Summary: "It is old.", CreatedAt: created.Add(-time.Hour)},
	}

	return room.State{
		RoomID:     "r1",
		Room:       record.Room{ID: "r1", Name: "Ada's Room", CreatedBy: "Ada"},
		RoomLoaded: true,
		Papers:     papers,
		Identity:   identity.Identity{Name: "Ada", Color: record.Palette[0]},
		Connected:  true,
	}
}

func renderString(st room.State) string {
	var buf bytes.Buffer
	renderState(&buf, st)

	return buf.String()
}

func TestRenderState_Gone(t *testing.T) {
	out := renderString(room.State{RoomID: "r1", Gone: true})

	assert.Contains(t, out, "no longer exists")
	assert.NotContains(t, out, "Loading")
}

func TestRenderState_Loading(t *testing.T) {
	out := renderString(room.State{RoomID: "r9"})

	assert.Contains(t, out, "Loading room r9")
}

func TestRenderState_PaperList(t *testing.T) {
	st := sampleState()
	out := renderString(st)

	assert.Contains(t, out, "== Ada's Room ==")
	assert.Contains(t, out, "[live]")
	assert.Contains(t, out, "you: Ada (blue)")
	assert.Less(t, strings.Index(out, "Newer paper"), strings.Index(out, "Older paper"))
	assert.Contains(t, out, "select <n>")

	st.Connected = false
	assert.Contains(t, renderString(st), "[polling]")
}

func TestRenderState_EmptyRoom(t *testing.T) {
	st := sampleState()
	st.Papers = nil

	assert.Contains(t, renderString(st), "No papers yet")
}

func TestRenderState_FocusedSummary(t *testing.T) {
	st := sampleState()
	st.Focused = true
	st.Focus = st.Papers[1]

	out := renderString(st)

	assert.Contains(t, out, ">2")
	assert.Contains(t, out, "-- Older paper --")
	assert.Contains(t, out, "[summary]")
	assert.Contains(t, out, "It is old.")
}

func TestRenderState_QATab(t *testing.T) {
	st := sampleState()
	st.Focused = true
	st.Focus = st.Papers[0]
	st.Tab = room.TabQA

	assert.Contains(t, renderString(st), "ask <question>")

	st.Answer = room.Answer{PaperID: "p2", Question: "Why?", Text: "Because."}
	out := renderString(st)

	assert.Contains(t, out, "[qa]")
	assert.Contains(t, out, "Q: Why?\nA: Because.")
}

func TestRenderState_Notes(t *testing.T) {
	st := sampleState()
	st.Focused = true
	st.Focus = st.Papers[0]
	st.Tab = room.TabCollaboration

	assert.Contains(t, renderString(st), "No notes yet")

	st.Notes = []record.Annotation{
		{ID: "n1", Content: "Mine", UserIdentity: "Ada", Color: record.Palette[0], AISuggestions: "Cite more."},
		{ID: "n2", Content: "Theirs", UserIdentity: "Grace", Color: record.Palette[1]},
	}

	out := renderString(st)

	assert.Contains(t, out, "[1] Ada (yours), blue: Mine")
	assert.Contains(t, out, "    mentor: Cite more.")
	assert.Contains(t, out, "[2] Grace, red: Theirs")
}

func TestRenderState_NoticeAndBusy(t *testing.T) {
	st := sampleState()
	st.Notice = &room.Notice{Kind: record.KindRemoteUnavailable, Message: "offline"}
	st.Busy = "summarizing"

	out := renderString(st)

	assert.Contains(t, out, "offline")
	assert.Contains(t, out, "... summarizing")
}

func TestScreen_SkipsUnchangedFrames(t *testing.T) {
	var buf bytes.Buffer

	sc := newScreen(&buf)
	sc.now = func() time.Time { return time.Time{} }

	st := sampleState()
	sc.render(st)
	first := buf.Len()
	assert.Positive(t, first)
	assert.False(t, sc.tty, "a buffer is not a terminal")

	sc.render(st)
	assert.Equal(t, first, buf.Len())

	st.Connected = false
	sc.render(st)
	assert.Greater(t, buf.Len(), first)
	assert.NotContains(t, buf.String(), clearScreen)
}

func TestRenderNotice_Format(t *testing.T) {
	var buf bytes.Buffer

	renderNotice(&buf, room.State{Notice: &room.Notice{Kind: record.KindPermission, Message: "nope"}})

	assert.Equal(t, "! Permission: nope (dismiss to hide)\n", buf.String())
}
