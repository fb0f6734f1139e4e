package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketScores = []byte("scores")

	// ErrEmptyPeer is returned when a score operation names no peer.
	ErrEmptyPeer = errors.New("ledger: empty peer id")
)

// Entry is the persisted reputation state of one peer.
type Entry struct {
	Peer      string    `json:"peer"`
	Score     int64     `json:"score"`
	Matches   uint64    `json:"matches"`
	Reneges   uint64    `json:"reneges"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (e *Entry) apply(delta int64, now time.Time) {
	e.Score += delta
	switch {
	case delta > 0:
		e.Matches++
	case delta < 0:
		e.Reneges++
	}
	e.UpdatedAt = now
}

// BoltLedger persists peer scores in a BoltDB bucket.
type BoltLedger struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (and migrates) the score database at path.
func OpenBolt(path string, options *bolt.Options) (*BoltLedger, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketScores)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &BoltLedger{db: db, now: time.Now}, nil
}

// Close releases the Bolt handle.
func (l *BoltLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Score returns the current score for peer. Unknown peers score zero.
func (l *BoltLedger) Score(peer string) (int64, error) {
	entry, err := l.Entry(peer)
	if err != nil {
		return 0, err
	}
	return entry.Score, nil
}

// Entry returns the full record for peer.
func (l *BoltLedger) Entry(peer string) (Entry, error) {
	if peer == "" {
		return Entry{}, ErrEmptyPeer
	}
	entry := Entry{Peer: peer}
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketScores).Get([]byte(peer))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &entry)
	})
	return entry, err
}

// Adjust adds delta to peer's score inside a single write transaction.
func (l *BoltLedger) Adjust(peer string, delta int64) (int64, error) {
	if peer == "" {
		return 0, ErrEmptyPeer
	}
	var updated Entry
	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketScores)
		entry := Entry{Peer: peer}
		if raw := bucket.Get([]byte(peer)); raw != nil {
			if err := json.Unmarshal(raw, &entry); err != nil {
				return err
			}
		}
		entry.apply(delta, l.now().UTC())
		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		updated = entry
		return bucket.Put([]byte(peer), encoded)
	})
	if err != nil {
		return 0, fmt.Errorf("adjust score: %w", err)
	}
	return updated.Score, nil
}

// Entries lists every tracked peer ordered by descending score.
func (l *BoltLedger) Entries() ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScores).ForEach(func(_, raw []byte) error {
			var entry Entry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return err
			}
			out = append(out, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortEntries(out)
	return out, nil
}

// MemoryLedger keeps scores in process memory.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

func NewMemory() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]*Entry), now: time.Now}
}

func (l *MemoryLedger) Score(peer string) (int64, error) {
	entry, err := l.Entry(peer)
	return entry.Score, err
}

func (l *MemoryLedger) Entry(peer string) (Entry, error) {
	if peer == "" {
		return Entry{}, ErrEmptyPeer
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[peer]; ok {
		return *entry, nil
	}
	return Entry{Peer: peer}, nil
}

func (l *MemoryLedger) Adjust(peer string, delta int64) (int64, error) {
	if peer == "" {
		return 0, ErrEmptyPeer
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[peer]
	if !ok {
		entry = &Entry{Peer: peer}
		l.entries[peer] = entry
	}
	entry.apply(delta, l.now().UTC())
	return entry.Score, nil
}

func (l *MemoryLedger) Entries() ([]Entry, error) {
	l.mu.Lock()
	out := make([]Entry, 0, len(l.entries))
	for _, entry := range l.entries {
		out = append(out, *entry)
	}
	l.mu.Unlock()
	sortEntries(out)
	return out, nil
}

func (l *MemoryLedger) Close() error { return nil }

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Peer < entries[j].Peer
	})
}
