package room

import (
	"fmt"
	"strings"
	"time"

	"github.com/tonimelisma/researchroom/internal/identity"
	"github.com/tonimelisma/researchroom/internal/record"
)

// Tab is the panel shown for the focused paper.
type Tab int

const (
	TabSummary Tab = iota
	TabQA
	TabCollaboration
)

func (t Tab) String() string {
	switch t {
	case TabSummary:
		return "summary"
	case TabQA:
		return "qa"
	case TabCollaboration:
		return "collaboration"
	default:
		return fmt.Sprintf("Tab(%d)", int(t))
	}
}

// ParseTab accepts a tab name or a short alias.
func ParseTab(s string) (Tab, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "summary", "s":
		return TabSummary, nil
	case "qa", "q&a", "q":
		return TabQA, nil
	case "collaboration", "notes", "c", "n":
		return TabCollaboration, nil
	default:
		return TabSummary, fmt.Errorf("room: unknown tab %q: %w", s, record.ErrInvalidInput)
	}
}

// Notice is the last transient failure, shown until dismissed or replaced.
type Notice struct {
	Kind    record.ErrorKind
	Message string
	At      time.Time
}

// Answer is the most recent Q&A exchange for the focused paper.
type Answer struct {
	PaperID  string
	Question string
	Text     string
}

// State is a point-in-time copy of everything the room screen renders.
type State struct {
	RoomID     string
	Room       record.Room
	RoomLoaded bool
	// Gone is permanent: the room was deleted or never existed.
	Gone bool

	Papers  []record.Paper
	Focus   record.Paper
	Focused bool
	Tab     Tab
	Answer  Answer

	Notes []record.Annotation

	Identity    identity.Identity
	Notice      *Notice
	Busy        string
	Connected   bool
	LastRefresh time.Time
}

// OwnNote reports whether a is authored by the local participant.
func (s State) OwnNote(a record.Annotation) bool {
	return a.UserIdentity == s.Identity.Name
}
