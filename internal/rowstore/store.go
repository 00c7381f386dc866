// Package rowstore implements the in-memory, observable table store that the
// sync listener, write coordinator, and UI all share. One Store instance per
// data partition; instances are plain values wired in by the owner, never
// package globals.
package rowstore

import "sync"

// Event describes one table mutation delivered to subscribers.
type Event struct {
	Table   string
	ID      string
	Removed bool
}

// Store is a set of named tables mapping row ID to Row. All operations are
// synchronous; subscribers are notified in mutation order.
type Store struct {
	mu     sync.Mutex
	tables map[string]map[string]Row

	subMu  sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		tables: make(map[string]map[string]Row),
		subs:   make(map[int]func(Event)),
	}
}

// Subscribe registers fn for every subsequent mutation and returns an
// unsubscribe func. Callbacks run synchronously on the mutating goroutine,
// after the mutation is visible, so a callback reading the store observes
// the new state.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// SetRow inserts or fully replaces the row. There is no partial-field merge
// at the store level; callers wanting merge semantics read-modify-write.
func (s *Store) SetRow(table, id string, row Row) {
	s.mu.Lock()
	t, ok := s.tables[table]
	if !ok {
		t = make(map[string]Row)
		s.tables[table] = t
	}
	t[id] = row.Clone()
	s.mu.Unlock()
	s.notify(Event{Table: table, ID: id})
}

// DelRow removes the row if present. Deleting an absent row is a no-op and
// does not notify.
func (s *Store) DelRow(table, id string) {
	s.mu.Lock()
	t, ok := s.tables[table]
	if ok {
		_, ok = t[id]
		if ok {
			delete(t, id)
		}
	}
	s.mu.Unlock()
	if ok {
		s.notify(Event{Table: table, ID: id, Removed: true})
	}
}

// GetRow returns a copy of the row, or (nil, false).
func (s *Store) GetRow(table, id string) (Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		return nil, false
	}
	row, ok := t[id]
	if !ok {
		return nil, false
	}
	return row.Clone(), true
}

// HasRow reports whether the row exists.
func (s *Store) HasRow(table, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		return false
	}
	_, ok = t[id]
	return ok
}

// GetTable returns a snapshot copy of the whole table (possibly empty).
func (s *Store) GetTable(table string) map[string]Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[table]
	out := make(map[string]Row, len(t))
	for id, row := range t {
		out[id] = row.Clone()
	}
	return out
}

// RowIDs returns the IDs currently present in the table.
func (s *Store) RowIDs(table string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[table]
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	return ids
}

// ClearTable drops every row in the table, notifying per row removed.
func (s *Store) ClearTable(table string) {
	s.mu.Lock()
	t := s.tables[table]
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	delete(s.tables, table)
	s.mu.Unlock()
	for _, id := range ids {
		s.notify(Event{Table: table, ID: id, Removed: true})
	}
}

func (s *Store) notify(ev Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
