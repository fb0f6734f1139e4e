package p2p

import (
	"math"
	"sync"
	"time"
)

const (
	usefulRewardDelta            = 1
	malformedMessagePenaltyDelta = -5
	spamPenaltyDelta             = -10
	slowPenaltyDelta             = -5
)

// ReputationConfig sets the link-level scoring thresholds. This score governs
// transport hygiene only; trading reputation lives in the ledger.
type ReputationConfig struct {
	GreyScore        int
	BanScore         int
	BanDuration      time.Duration
	GreylistDuration time.Duration
	DecayHalfLife    time.Duration
}

// ReputationStatus is a peer's state after an adjustment.
type ReputationStatus struct {
	Score       int
	Greylisted  bool
	Banned      bool
	Until       time.Time
	Useful      uint64
	Misbehavior uint64
}

type reputationRecord struct {
	score       float64
	updatedAt   time.Time
	bannedTill  time.Time
	greyTill    time.Time
	useful      uint64
	misbehavior uint64
}

// ReputationManager keeps decaying per-peer link scores.
type ReputationManager struct {
	cfg ReputationConfig

	mu      sync.Mutex
	records map[string]*reputationRecord
}

func NewReputationManager(cfg ReputationConfig) *ReputationManager {
	if cfg.DecayHalfLife <= 0 {
		cfg.DecayHalfLife = 10 * time.Minute
	}
	if cfg.GreylistDuration <= 0 {
		cfg.GreylistDuration = 2 * time.Minute
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = 15 * time.Minute
	}
	return &ReputationManager{cfg: cfg, records: make(map[string]*reputationRecord)}
}

// Adjust applies delta after decay. Persistent peers are never banned.
func (m *ReputationManager) Adjust(id string, delta int, now time.Time, persistent bool) ReputationStatus {
	if id == "" {
		return ReputationStatus{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.ensureLocked(id, now)
	m.decayLocked(rec, now)
	rec.score += float64(delta)
	rec.updatedAt = now
	if delta < 0 {
		rec.misbehavior++
	}

	score := int(math.Round(rec.score))
	if persistent {
		rec.bannedTill = time.Time{}
	} else if m.cfg.BanScore > 0 && score <= -m.cfg.BanScore {
		rec.bannedTill = now.Add(m.cfg.BanDuration)
	}
	if m.cfg.GreyScore > 0 && score <= -m.cfg.GreyScore {
		rec.greyTill = now.Add(m.cfg.GreylistDuration)
	} else {
		rec.greyTill = time.Time{}
	}
	return m.statusLocked(rec, now)
}

// MarkUseful rewards a peer for a frame that changed local state.
func (m *ReputationManager) MarkUseful(id string, now time.Time) ReputationStatus {
	m.mu.Lock()
	if rec := m.records[id]; rec != nil {
		rec.useful++
	} else if id != "" {
		m.ensureLocked(id, now).useful++
	}
	m.mu.Unlock()
	return m.Adjust(id, usefulRewardDelta, now, false)
}

func (m *ReputationManager) PenalizeMalformed(id string, now time.Time, persistent bool) ReputationStatus {
	return m.Adjust(id, malformedMessagePenaltyDelta, now, persistent)
}

func (m *ReputationManager) PenalizeSpam(id string, now time.Time, persistent bool) ReputationStatus {
	return m.Adjust(id, spamPenaltyDelta, now, persistent)
}

// SetBan overrides the ban expiry for a peer.
func (m *ReputationManager) SetBan(id string, until time.Time, now time.Time) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.ensureLocked(id, now)
	rec.bannedTill = time.Time{}
	if until.After(now) {
		rec.bannedTill = until
	}
}

// BanInfo reports whether id is banned at now and until when.
func (m *ReputationManager) BanInfo(id string, now time.Time) (bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	if rec == nil || !rec.bannedTill.After(now) {
		return false, time.Time{}
	}
	return true, rec.bannedTill
}

func (m *ReputationManager) IsBanned(id string, now time.Time) bool {
	banned, _ := m.BanInfo(id, now)
	return banned
}

// Status returns the decayed state of id.
func (m *ReputationManager) Status(id string, now time.Time) ReputationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	if rec == nil {
		return ReputationStatus{}
	}
	m.decayLocked(rec, now)
	return m.statusLocked(rec, now)
}

func (m *ReputationManager) ensureLocked(id string, now time.Time) *reputationRecord {
	rec := m.records[id]
	if rec == nil {
		rec = &reputationRecord{updatedAt: now}
		m.records[id] = rec
	}
	return rec
}

func (m *ReputationManager) decayLocked(rec *reputationRecord, now time.Time) {
	if !now.After(rec.updatedAt) {
		return
	}
	periods := float64(now.Sub(rec.updatedAt)) / float64(m.cfg.DecayHalfLife)
	rec.score *= math.Pow(0.5, periods)
	if math.Abs(rec.score) < 1e-6 {
		rec.score = 0
	}
	rec.updatedAt = now
}

func (m *ReputationManager) statusLocked(rec *reputationRecord, now time.Time) ReputationStatus {
	status := ReputationStatus{
		Score:       int(math.Round(rec.score)),
		Useful:      rec.useful,
		Misbehavior: rec.misbehavior,
	}
	if rec.bannedTill.After(now) {
		status.Banned = true
		status.Until = rec.bannedTill
	}
	if rec.greyTill.After(now) {
		status.Greylisted = true
		if status.Until.IsZero() || rec.greyTill.Before(status.Until) {
			status.Until = rec.greyTill
		}
	}
	return status
}
