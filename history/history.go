package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// EventType names a recorded lifecycle step.
type EventType string

const (
	EventPost      EventType = "post"
	EventMatch     EventType = "match"
	EventCancel    EventType = "cancel"
	EventExpire    EventType = "expire"
	EventRenege    EventType = "renege"
	EventDelivered EventType = "delivered"
)

// ErrPathRequired is returned when no DSN or path is configured.
var ErrPathRequired = errors.New("history: dsn or path required")

// Event is one row of the append-only log.
type Event struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Type      EventType `gorm:"size:16;index" json:"type"`
	IntentID  string    `gorm:"size:64;index" json:"intentId"`
	CounterID string    `gorm:"size:64" json:"counterId,omitempty"`
	TradeID   string    `gorm:"size:64" json:"tradeId,omitempty"`
	Channel   string    `gorm:"size:160" json:"channel,omitempty"`
	Actor     string    `gorm:"size:160" json:"actor,omitempty"`
	Pair      string    `gorm:"size:160" json:"pair,omitempty"`
	At        time.Time `gorm:"index" json:"at"`
}

func (Event) TableName() string { return "history_events" }

// Store is a gorm-backed event log. SQLite paths and postgres URLs are both
// accepted.
type Store struct {
	db        *gorm.DB
	maxEvents int
	now       func() time.Time
}

const defaultFilePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// FileDSN converts a filesystem path into an on-disk SQLite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve history path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

func dialector(dsn string) (gorm.Dialector, error) {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case trimmed == "":
		return nil, ErrPathRequired
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"), strings.Contains(trimmed, "host="):
		return postgres.Open(trimmed), nil
	case strings.HasPrefix(trimmed, "file:"):
		return sqlite.Open(trimmed), nil
	default:
		fileDSN, err := FileDSN(trimmed)
		if err != nil {
			return nil, err
		}
		return sqlite.Open(fileDSN), nil
	}
}

// Open connects to dsn and migrates the events table. maxEvents <= 0 keeps
// every row.
func Open(dsn string, maxEvents int) (*Store, error) {
	d, err := dialector(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(d, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &Store{db: db, maxEvents: maxEvents, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append records ev, stamping it when At is zero, and prunes the oldest rows
// beyond the retention cap.
func (s *Store) Append(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	ev.ID = 0
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&ev).Error; err != nil {
			return fmt.Errorf("append history: %w", err)
		}
		if s.maxEvents <= 0 {
			return nil
		}
		cutoff := int64(ev.ID) - int64(s.maxEvents)
		if cutoff <= 0 {
			return nil
		}
		return tx.Where("id <= ?", cutoff).Delete(&Event{}).Error
	})
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Event
	err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// ForIntent returns every event naming id as either side, oldest first.
func (s *Store) ForIntent(ctx context.Context, id string) ([]Event, error) {
	var out []Event
	err := s.db.WithContext(ctx).
		Where("intent_id = ? OR counter_id = ?", id, id).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// All returns the whole log oldest first.
func (s *Store) All(ctx context.Context) ([]Event, error) {
	var out []Event
	err := s.db.WithContext(ctx).Order("id ASC").Find(&out).Error
	return out, err
}

// Memory is an in-process log used by tests and ephemeral nodes.
type Memory struct {
	mu     sync.Mutex
	events []Event
	next   uint64
	max    int
}

func NewMemory(maxEvents int) *Memory {
	return &Memory{max: maxEvents}
}

func (m *Memory) Append(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	ev.ID = m.next
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	m.events = append(m.events, ev)
	if m.max > 0 && len(m.events) > m.max {
		m.events = append([]Event(nil), m.events[len(m.events)-m.max:]...)
	}
	return nil
}

func (m *Memory) Recent(_ context.Context, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]Event, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

func (m *Memory) All(_ context.Context) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...), nil
}

func (m *Memory) Close() error { return nil }
