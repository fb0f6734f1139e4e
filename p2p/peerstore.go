package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	peerKeyPrefix      = "ghostswap/peer/"
	defaultBaseBackoff = time.Second
	defaultMaxBackoff  = 10 * time.Minute
)

var errPeerstoreClosed = errors.New("peerstore closed")

// PeerRecord is the dial metadata persisted for a peer we have completed a
// handshake with.
type PeerRecord struct {
	NodeID      string    `json:"nodeId"`
	Addr        string    `json:"addr"`
	Version     string    `json:"version,omitempty"`
	LastSeen    time.Time `json:"lastSeen"`
	Fails       int       `json:"fails"`
	BannedUntil time.Time `json:"bannedUntil,omitempty"`
}

// Peerstore remembers peer addresses across restarts so a node can rejoin the
// mesh without bootnodes.
type Peerstore struct {
	mu sync.RWMutex
	db *leveldb.DB

	byNode map[string]*PeerRecord
	byAddr map[string]string

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// OpenPeerstore opens or creates the LevelDB directory at path.
func OpenPeerstore(path string, baseBackoff, maxBackoff time.Duration) (*Peerstore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("peerstore path required")
	}
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peerstore: %w", err)
	}
	ps := &Peerstore{
		db:          db,
		byNode:      make(map[string]*PeerRecord),
		byAddr:      make(map[string]string),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
	if err := ps.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ps, nil
}

func (ps *Peerstore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return nil
	}
	err := ps.db.Close()
	ps.db = nil
	return err
}

// Put upserts rec, keeping earlier failure and ban bookkeeping when rec
// leaves them unset.
func (ps *Peerstore) Put(rec PeerRecord) error {
	if rec.NodeID == "" {
		return errors.New("nodeId required")
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if existing := ps.byNode[rec.NodeID]; existing != nil {
		if rec.Addr == "" {
			rec.Addr = existing.Addr
		}
		if rec.Version == "" {
			rec.Version = existing.Version
		}
		if rec.LastSeen.IsZero() {
			rec.LastSeen = existing.LastSeen
		}
		if rec.Fails == 0 {
			rec.Fails = existing.Fails
		}
		if rec.BannedUntil.IsZero() {
			rec.BannedUntil = existing.BannedUntil
		}
		if existing.Addr != rec.Addr {
			delete(ps.byAddr, existing.Addr)
		}
	}
	return ps.storeLocked(&rec)
}

func (ps *Peerstore) ByNodeID(nodeID string) (PeerRecord, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec := ps.byNode[nodeID]
	if rec == nil {
		return PeerRecord{}, false
	}
	return *rec, true
}

func (ps *Peerstore) ByAddr(addr string) (PeerRecord, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec := ps.byNode[ps.byAddr[strings.TrimSpace(addr)]]
	if rec == nil {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Known lists records not banned at now, most recently seen first.
func (ps *Peerstore) Known(now time.Time) []PeerRecord {
	ps.mu.RLock()
	out := make([]PeerRecord, 0, len(ps.byNode))
	for _, rec := range ps.byNode {
		if rec.Addr == "" || rec.BannedUntil.After(now) {
			continue
		}
		out = append(out, *rec)
	}
	ps.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// RecordSuccess clears failures after a completed handshake.
func (ps *Peerstore) RecordSuccess(nodeID string, now time.Time) error {
	return ps.update(nodeID, func(rec *PeerRecord) {
		rec.LastSeen = now
		rec.Fails = 0
	})
}

// RecordFail bumps the failure counter used for dial backoff.
func (ps *Peerstore) RecordFail(nodeID string, now time.Time) error {
	return ps.update(nodeID, func(rec *PeerRecord) {
		rec.Fails++
		rec.LastSeen = now
	})
}

func (ps *Peerstore) SetBan(nodeID string, until time.Time) error {
	return ps.update(nodeID, func(rec *PeerRecord) {
		rec.BannedUntil = until
	})
}

func (ps *Peerstore) IsBanned(nodeID string, now time.Time) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec := ps.byNode[nodeID]
	return rec != nil && rec.BannedUntil.After(now)
}

// NextDialAt returns the earliest time addr should be dialled again.
func (ps *Peerstore) NextDialAt(addr string, now time.Time) time.Time {
	rec, ok := ps.ByAddr(addr)
	if !ok {
		return now
	}
	if rec.BannedUntil.After(now) {
		return rec.BannedUntil
	}
	if rec.Fails <= 0 {
		return now
	}
	backoff := ps.baseBackoff
	for i := 1; i < rec.Fails && backoff < ps.maxBackoff; i++ {
		backoff *= 2
	}
	if backoff > ps.maxBackoff {
		backoff = ps.maxBackoff
	}
	next := rec.LastSeen.Add(backoff)
	if next.Before(now) {
		return now
	}
	return next
}

func (ps *Peerstore) update(nodeID string, fn func(*PeerRecord)) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec := ps.byNode[nodeID]
	if rec == nil {
		return fmt.Errorf("peer %s: %w", nodeID, leveldb.ErrNotFound)
	}
	cp := *rec
	fn(&cp)
	return ps.storeLocked(&cp)
}

func (ps *Peerstore) storeLocked(rec *PeerRecord) error {
	if ps.db == nil {
		return errPeerstoreClosed
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := ps.db.Put([]byte(peerKeyPrefix+rec.NodeID), blob, nil); err != nil {
		return err
	}
	ps.byNode[rec.NodeID] = rec
	if rec.Addr != "" {
		ps.byAddr[rec.Addr] = rec.NodeID
	}
	return nil
}

func (ps *Peerstore) load() error {
	iter := ps.db.NewIterator(util.BytesPrefix([]byte(peerKeyPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var rec PeerRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		ps.byNode[rec.NodeID] = &rec
		if rec.Addr != "" {
			ps.byAddr[rec.Addr] = rec.NodeID
		}
	}
	return iter.Error()
}
