package sync

import (
	"fmt"
	stdsync "sync"

	"github.com/tonimelisma/researchroom/internal/record"
)

// FocusChange is the outcome of a focus transition.
type FocusChange int

const (
	// FocusUnchanged: no focus, or the focused record is identical.
	FocusUnchanged FocusChange = iota
	// FocusSelected: Unfocused or Focused(a) became Focused(b) by user choice.
	FocusSelected
	// FocusRefreshed: the focused record is still present with new values.
	FocusRefreshed
	// FocusCleared: the focused record disappeared or the scope was torn down.
	FocusCleared
)

func (c FocusChange) String() string {
	switch c {
	case FocusUnchanged:
		return "unchanged"
	case FocusSelected:
		return "selected"
	case FocusRefreshed:
		return "refreshed"
	case FocusCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// FocusTracker holds at most one selected record. It starts Unfocused and
// keeps the record as last seen in a snapshot, so a remote update is
// rendered without re-selection.
type FocusTracker[T Entity[T]] struct {
	mu      stdsync.Mutex
	focused bool
	rec     T
}

// NewFocusTracker returns an Unfocused tracker.
func NewFocusTracker[T Entity[T]]() *FocusTracker[T] {
	return &FocusTracker[T]{}
}

// Select focuses the record with the given id. The id must be present in
// snapshot; otherwise the focus is left as it was.
func (f *FocusTracker[T]) Select(id string, snapshot []T) error {
	for _, it := range snapshot {
		if it.EntityID() != id {
			continue
		}

		f.mu.Lock()
		f.focused = true
		f.rec = it
		f.mu.Unlock()

		return nil
	}

	return fmt.Errorf("sync: cannot focus %q: %w", id, record.ErrNotFound)
}

// Reconcile adjusts the focus to a newly adopted snapshot.
func (f *FocusTracker[T]) Reconcile(snapshot []T) FocusChange {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.focused {
		return FocusUnchanged
	}

	id := f.rec.EntityID()
	for _, it := range snapshot {
		if it.EntityID() != id {
			continue
		}

		if it.Equal(f.rec) {
			return FocusUnchanged
		}

		f.rec = it

		return FocusRefreshed
	}

	f.focused = false
	var zero T
	f.rec = zero

	return FocusCleared
}

// Clear drops the focus. It reports whether anything was focused.
func (f *FocusTracker[T]) Clear() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	was := f.focused
	f.focused = false
	var zero T
	f.rec = zero

	return was
}

// Current returns the focused record as of the last reconciliation.
func (f *FocusTracker[T]) Current() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.rec, f.focused
}

// ID returns the focused identity, or "" when Unfocused.
func (f *FocusTracker[T]) ID() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.focused {
		return ""
	}

	return f.rec.EntityID()
}
