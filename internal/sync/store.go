package sync

import (
	"slices"
	stdsync "sync"

	"github.com/tonimelisma/researchroom/internal/record"
)

// Snapshot is one adopted state of a Store. Items is owned by the
// snapshot and must not be modified.
type Snapshot[T Entity[T]] struct {
	Items   []T
	Version uint64
}

// Store holds the authoritative local snapshot of one collection.
// Replace discards the previous snapshot wholesale and never merges;
// Current is safe from any goroutine.
type Store[T Entity[T]] struct {
	order record.Order

	mu      stdsync.RWMutex
	items   []T
	index   map[string]int
	version uint64

	obsMu     stdsync.Mutex
	observers map[int]func(Snapshot[T])
	nextObs   int
}

// NewStore creates an empty store that keeps its snapshot sorted by
// creation time in the direction of order. Ties sort by id so that two
// replaces with the same rows in a different order are indistinguishable.
func NewStore[T Entity[T]](order record.Order) *Store[T] {
	return &Store[T]{
		order:     order,
		index:     map[string]int{},
		observers: map[int]func(Snapshot[T]){},
	}
}

func (s *Store[T]) compare(a, b T) int {
	ca, cb := a.EntityCreated(), b.EntityCreated()

	c := ca.Compare(cb)
	if !s.order.Ascending {
		c = -c
	}

	if c != 0 {
		return c
	}

	switch {
	case a.EntityID() < b.EntityID():
		return -1
	case a.EntityID() > b.EntityID():
		return 1
	default:
		return 0
	}
}

// Replace adopts items as the new snapshot. Duplicate identities collapse
// to the last occurrence. Replacing with a snapshot equal to the current
// one is a no-op: the version does not move and observers are not told.
// The second result reports whether the snapshot changed.
func (s *Store[T]) Replace(items []T) (Snapshot[T], bool) {
	snap, changed := s.swap(items)
	if changed {
		s.notify(snap)
	}

	return snap, changed
}

// swap is Replace without telling observers. A Session swaps under its own
// lock, together with focus reconciliation, and notifies after unlocking.
func (s *Store[T]) swap(items []T) (Snapshot[T], bool) {
	next := dedupe(items)
	slices.SortStableFunc(next, s.compare)

	s.mu.Lock()
	defer s.mu.Unlock()

	if sameItems(s.items, next) {
		return Snapshot[T]{Items: s.items, Version: s.version}, false
	}

	index := make(map[string]int, len(next))
	for i, it := range next {
		index[it.EntityID()] = i
	}

	s.items = next
	s.index = index
	s.version++

	return Snapshot[T]{Items: next, Version: s.version}, true
}

// Current returns a copy of the latest snapshot.
func (s *Store[T]) Current() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.items)
}

// Get looks up one record by identity.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		var zero T
		return zero, false
	}

	return s.items[i], true
}

// Len returns the number of records in the current snapshot.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.items)
}

// Version increases by one on every replace that changed the snapshot.
func (s *Store[T]) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.version
}

// OnReplace registers fn to run after every replace that changed the
// snapshot. The returned func removes the observer.
func (s *Store[T]) OnReplace(fn func(Snapshot[T])) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store[T]) notify(snap Snapshot[T]) {
	s.obsMu.Lock()
	fns := make([]func(Snapshot[T]), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func dedupe[T Entity[T]](items []T) []T {
	last := make(map[string]int, len(items))
	for i, it := range items {
		last[it.EntityID()] = i
	}

	out := make([]T, 0, len(last))
	for i, it := range items {
		if last[it.EntityID()] == i {
			out = append(out, it)
		}
	}

	return out
}

func sameItems[T Entity[T]](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}

	return true
}
