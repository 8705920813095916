package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/tonimelisma/researchroom/internal/record"
	"github.com/tonimelisma/researchroom/internal/room"
)

const (
	clearScreen   = "\033[H\033[2J"
	titleWidth    = 60
	noteWidth     = 200
	feedbackWidth = 400
)

// screen redraws the room view. On a terminal it clears and repaints;
// otherwise it appends, and only when the rendered text changed.
type screen struct {
	out  io.Writer
	tty  bool
	last string
	now  func() time.Time
}

func newScreen(out io.Writer) *screen {
	return &screen{out: out, tty: isTerminal(out), now: time.Now}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (s *screen) render(st room.State) {
	var buf bytes.Buffer
	renderState(&buf, st)

	body := buf.String()
	if body == s.last {
		return
	}

	s.last = body

	if s.tty {
		fmt.Fprint(s.out, clearScreen)
	}

	fmt.Fprint(s.out, body)
	fmt.Fprintf(s.out, "(synced %s) > ", formatAge(st.LastRefresh, s.now()))
}

// renderState writes a text rendering of the room.
func renderState(w io.Writer, st room.State) {
	if st.Gone {
		fmt.Fprintln(w, "This room no longer exists.")
		fmt.Fprintln(w, "Create a new one with: researchroom join --name <you>")

		return
	}

	if !st.RoomLoaded {
		fmt.Fprintf(w, "Loading room %s...\n", st.RoomID)
		renderNotice(w, st)

		return
	}

	link := "polling"
	if st.Connected {
		link = "live"
	}

	fmt.Fprintf(w, "== %s ==  created by %s  [%s]  you: %s (%s)\n",
		st.Room.Name, st.Room.CreatedBy, link, st.Identity.Name, record.ColorName(st.Identity.Color))

	renderNotice(w, st)

	if st.Busy != "" {
		fmt.Fprintf(w, "... %s\n", st.Busy)
	}

	fmt.Fprintln(w)
	renderPapers(w, st)

	if !st.Focused {
		fmt.Fprintln(w, "\nSelect a paper with: select <n>")
		return
	}

	fmt.Fprintf(w, "\n-- %s --\n", st.Focus.Title)
	renderTabs(w, st.Tab)

	switch st.Tab {
	case room.TabSummary:
		fmt.Fprintln(w, st.Focus.Summary)
	case room.TabQA:
		if st.Answer.Text == "" {
			fmt.Fprintln(w, "Ask about this paper with: ask <question>")
		} else {
			fmt.Fprintf(w, "Q: %s\nA: %s\n", st.Answer.Question, st.Answer.Text)
		}
	case room.TabCollaboration:
		renderNotes(w, st)
	}
}

func renderNotice(w io.Writer, st room.State) {
	if st.Notice == nil {
		return
	}

	fmt.Fprintf(w, "! %s: %s (dismiss to hide)\n", st.Notice.Kind, st.Notice.Message)
}

func renderPapers(w io.Writer, st room.State) {
	if len(st.Papers) == 0 {
		fmt.Fprintln(w, "No papers yet. Add one with: upload <file.pdf>")
		return
	}

	rows := make([][]string, 0, len(st.Papers))

	for i, p := range st.Papers {
		mark := " "
		if st.Focused && p.ID == st.Focus.ID {
			mark = ">"
		}

		rows = append(rows, []string{mark + strconv.Itoa(i+1), truncate(p.Title, titleWidth), formatTime(p.CreatedAt)})
	}

	printTable(w, []string{" #", "TITLE", "ADDED"}, rows)
}

func renderTabs(w io.Writer, active room.Tab) {
	for _, t := range []room.Tab{room.TabSummary, room.TabQA, room.TabCollaboration} {
		if t == active {
			fmt.Fprintf(w, "[%s] ", t)
		} else {
			fmt.Fprintf(w, " %s  ", t)
		}
	}

	fmt.Fprintln(w)
}

func renderNotes(w io.Writer, st room.State) {
	if len(st.Notes) == 0 {
		fmt.Fprintln(w, "No notes yet. Add one with: note <text>")
		return
	}

	for i, n := range st.Notes {
		own := ""
		if st.OwnNote(n) {
			own = " (yours)"
		}

		fmt.Fprintf(w, "[%d] %s%s, %s: %s\n", i+1, n.UserIdentity, own, record.ColorName(n.Color), truncate(n.Content, noteWidth))

		if n.AISuggestions != "" {
			fmt.Fprintf(w, "    mentor: %s\n", truncate(n.AISuggestions, feedbackWidth))
		}
	}
}
