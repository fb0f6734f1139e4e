package intent

// Store is an insert-only table of intents keyed by ID. It keeps insertion
// order so listings and matcher scans are deterministic. Store is not safe for
// concurrent use; callers serialise access.
type Store struct {
	records map[string]*Intent
	order   []string
}

func NewStore() *Store {
	return &Store{records: make(map[string]*Intent)}
}

func (s *Store) Has(id string) bool {
	_, ok := s.records[id]
	return ok
}

func (s *Store) Get(id string) (Intent, bool) {
	rec, ok := s.records[id]
	if !ok {
		return Intent{}, false
	}
	return *rec, true
}

// Put inserts rec if its ID is unseen. It returns false when a record with the
// same ID already exists; the existing record is left untouched.
func (s *Store) Put(rec Intent) bool {
	if _, ok := s.records[rec.ID]; ok {
		return false
	}
	if rec.Status == "" {
		rec.Status = StatusOpen
	}
	cp := rec
	s.records[rec.ID] = &cp
	s.order = append(s.order, rec.ID)
	return true
}

// SetStatus moves a record forward. Unknown IDs and illegal transitions leave
// the store unchanged and report changed=false.
func (s *Store) SetStatus(id string, next Status) (prev Status, changed bool) {
	rec, ok := s.records[id]
	if !ok {
		return "", false
	}
	prev = rec.Status
	if !prev.CanTransition(next) {
		return prev, false
	}
	rec.Status = next
	return prev, true
}

// ListOpen returns open intents in insertion order.
func (s *Store) ListOpen() []Intent {
	out := make([]Intent, 0, len(s.order))
	for _, id := range s.order {
		if rec := s.records[id]; rec.Status == StatusOpen {
			out = append(out, *rec)
		}
	}
	return out
}

// All returns every record in insertion order.
func (s *Store) All() []Intent {
	out := make([]Intent, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.records[id])
	}
	return out
}

func (s *Store) Len() int { return len(s.order) }
