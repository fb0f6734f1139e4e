package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ghostswap/history"
	"ghostswap/intent"
	"ghostswap/protocol"
)

const (
	// ExpiryActor marks cancels synthesised by the sweeper.
	ExpiryActor = "system:expiry"

	DefaultChannel       = "ghostswap"
	DefaultIntentTTL     = 600 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

var (
	ErrIntentNotFound = errors.New("intent not found")
	ErrNotOwner       = errors.New("intent owned by another peer")
	ErrNotOpen        = errors.New("intent is not open")
	ErrOwnIntent      = errors.New("cannot accept own intent")
	ErrNoCounterparty = errors.New("no open counterparty intent")
	ErrInvalidIntent  = errors.New("invalid intent")
)

// Broadcaster fans an encoded frame out to every connected peer except the
// one named by except.
type Broadcaster interface {
	Broadcast(frame []byte, except string) error
}

// Ledger is the reputation collaborator.
type Ledger interface {
	Score(peer string) (int64, error)
	Adjust(peer string, delta int64) (int64, error)
}

// History is the append-only event log collaborator.
type History interface {
	Append(ctx context.Context, ev history.Event) error
}

// Config tunes the engine.
type Config struct {
	// Self is the local peer identifier stamped on posted intents.
	Self string
	// Channel prefixes private follow-up channel names.
	Channel       string
	IntentTTL     time.Duration
	SweepInterval time.Duration
	// Discovery widens matching to every peer's open intents.
	Discovery bool
	// Relay re-broadcasts remote messages that changed local state.
	Relay bool
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Channel) == "" {
		c.Channel = DefaultChannel
	}
	if c.IntentTTL <= 0 {
		c.IntentTTL = DefaultIntentTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Engine applies intent messages to the local store. All mutations pass
// through Apply under a single mutex.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	store     *intent.Store
	settled   map[string]intent.Status
	reneged   map[string]struct{}
	delivered map[string]struct{}
	// paired maps each matched intent to the one it settled with.
	paired map[string]string

	broadcaster Broadcaster
	ledger      Ledger
	history     History
	feed        *feed

	clock   func() time.Time
	newID   func() string
	metrics *engineMetrics
	tracer  trace.Tracer
}

// New constructs an engine. Nil collaborators are replaced with no-ops.
func New(cfg Config, ledger Ledger, hist History) (*Engine, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Self) == "" {
		return nil, fmt.Errorf("engine: local peer id required")
	}
	if ledger == nil {
		ledger = nopLedger{}
	}
	if hist == nil {
		hist = nopHistory{}
	}
	return &Engine{
		cfg:         cfg,
		store:       intent.NewStore(),
		settled:     make(map[string]intent.Status),
		reneged:     make(map[string]struct{}),
		delivered:   make(map[string]struct{}),
		paired:      make(map[string]string),
		broadcaster: nopBroadcaster{},
		ledger:      ledger,
		history:     hist,
		feed:        newFeed(),
		clock:       time.Now,
		newID:       shortID,
		metrics:     newEngineMetrics(),
		tracer:      otel.Tracer("ghostswap/engine"),
	}, nil
}

// SetBroadcaster attaches the transport once it exists.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b == nil {
		b = nopBroadcaster{}
	}
	e.broadcaster = b
}

// Self returns the local peer identifier.
func (e *Engine) Self() string { return e.cfg.Self }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) log() *slog.Logger {
	return slog.Default().With(slog.String("component", "engine"))
}

func shortID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:6])
}

func (e *Engine) scope() intent.Scope {
	if e.cfg.Discovery {
		return intent.ScopeAny()
	}
	return intent.ScopeOwn(e.cfg.Self)
}

// HandleMessage decodes and applies one frame received from peerID. Protocol
// noise is returned to the caller so the transport can account for it; it
// never changes state.
func (e *Engine) HandleMessage(peerID string, frame []byte) error {
	msg, err := protocol.Decode(frame)
	if err != nil {
		e.metrics.recordMessage("unknown", "noise")
		e.log().Debug("discarding malformed frame", slog.String("peer", peerID), slog.Any("error", err))
		return err
	}
	_, err = e.apply(context.Background(), msg, peerID)
	return err
}

// Apply folds msg into local state and broadcasts any resulting match. It
// reports whether local state changed. Applying the same message twice is a
// no-op the second time.
func (e *Engine) Apply(ctx context.Context, msg protocol.Message) (bool, error) {
	return e.apply(ctx, msg, "")
}

func (e *Engine) apply(ctx context.Context, msg protocol.Message, origin string) (bool, error) {
	if msg == nil {
		return false, fmt.Errorf("%w: nil message", protocol.ErrMalformed)
	}
	ctx, span := e.tracer.Start(ctx, "engine.apply", trace.WithAttributes(
		attribute.String("message.kind", string(msg.Kind())),
		attribute.String("intent.id", msg.IntentID()),
		attribute.Bool("message.remote", origin != ""),
	))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	changed, emitted := e.applyLocked(ctx, msg)
	span.SetAttributes(attribute.Bool("state.changed", changed))
	if !changed {
		e.metrics.recordMessage(string(msg.Kind()), "duplicate")
		return false, nil
	}
	e.metrics.recordMessage(string(msg.Kind()), "applied")
	if origin != "" && e.cfg.Relay {
		if err := e.broadcastLocked(msg, origin); err != nil {
			span.RecordError(err)
		}
	}
	for _, out := range emitted {
		if err := e.broadcastLocked(out, ""); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	e.metrics.setOpen(len(e.store.ListOpen()))
	return true, nil
}

func (e *Engine) broadcastLocked(msg protocol.Message, except string) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := e.broadcaster.Broadcast(frame, except); err != nil {
		e.log().Warn("broadcast reached a subset of peers",
			slog.String("kind", string(msg.Kind())),
			slog.String("intent", msg.IntentID()),
			slog.Any("error", err))
		return err
	}
	return nil
}

func (e *Engine) applyLocked(ctx context.Context, msg protocol.Message) (bool, []protocol.Message) {
	switch m := msg.(type) {
	case protocol.Post:
		return e.applyPost(ctx, m)
	case protocol.Cancel:
		return e.applyCancel(ctx, m), nil
	case protocol.Match:
		return e.applyMatch(ctx, m), nil
	default:
		return false, nil
	}
}

func (e *Engine) applyPost(ctx context.Context, m protocol.Post) (bool, []protocol.Message) {
	if e.store.Has(m.ID) {
		return false, nil
	}
	rec := m.Intent()
	if status, ok := e.settled[m.ID]; ok {
		// cancel or match overtook the post; record it settled and skip matching
		rec.Status = status
		delete(e.settled, m.ID)
		e.store.Put(rec)
		e.record(ctx, history.Event{Type: history.EventPost, IntentID: rec.ID, Actor: rec.Poster, Pair: rec.Pair()})
		return true, nil
	}
	e.store.Put(rec)
	e.record(ctx, history.Event{Type: history.EventPost, IntentID: rec.ID, Actor: rec.Poster, Pair: rec.Pair()})
	e.feed.publish(Notification{Type: NotifyPosted, Intent: rec})

	if rec.Poster == e.cfg.Self && !e.cfg.Discovery {
		return true, nil
	}
	found, ok := intent.FindMatch(e.store, rec, e.scope())
	if !ok {
		return true, nil
	}
	e.metrics.recordMatch(found.Kind.String())
	if found.Kind == intent.MatchPartial {
		e.log().Info("partial match available",
			slog.String("intent", rec.ID),
			slog.String("counter", found.Counterparty.ID))
		e.feed.publish(Notification{Type: NotifyPartial, Intent: rec, Counter: found.Counterparty})
		return true, nil
	}
	match := e.newMatch(found.Counterparty, rec)
	e.applyMatch(ctx, match)
	e.feed.publish(Notification{Type: NotifyMatched, Intent: found.Counterparty, Counter: rec, Match: match})
	return true, []protocol.Message{match}
}

func (e *Engine) newMatch(local, remote intent.Intent) protocol.Match {
	tradeID := uuid.NewString()
	return protocol.Match{
		ID:           local.ID,
		MatchedWith:  remote.ID,
		Counterparty: remote.Poster,
		Channel:      e.cfg.Channel + ":" + tradeID,
		TradeID:      tradeID,
	}
}

func (e *Engine) applyCancel(ctx context.Context, m protocol.Cancel) bool {
	rec, ok := e.store.Get(m.ID)
	if !ok {
		if _, seen := e.settled[m.ID]; seen {
			return false
		}
		e.settled[m.ID] = intent.StatusCancelled
		return true
	}
	switch rec.Status {
	case intent.StatusOpen:
		e.store.SetStatus(m.ID, intent.StatusCancelled)
		evType := history.EventCancel
		if m.CancelledBy == ExpiryActor {
			evType = history.EventExpire
			e.metrics.recordExpired()
		}
		e.record(ctx, history.Event{Type: evType, IntentID: m.ID, Actor: m.CancelledBy, Pair: rec.Pair()})
		rec.Status = intent.StatusCancelled
		e.feed.publish(Notification{Type: NotifyCancelled, Intent: rec, Actor: m.CancelledBy})
		return true
	case intent.StatusMatched:
		if _, done := e.reneged[m.ID]; done {
			return false
		}
		e.reneged[m.ID] = struct{}{}
		actor := m.CancelledBy
		if actor == "" || actor == ExpiryActor {
			actor = rec.Poster
		}
		e.adjust(actor, -1)
		e.record(ctx, history.Event{Type: history.EventRenege, IntentID: m.ID, Actor: actor, Pair: rec.Pair()})
		e.log().Warn("matched intent withdrawn", slog.String("intent", m.ID), slog.String("actor", actor))
		return true
	default:
		return false
	}
}

// applyMatch moves both named intents to matched together. A match naming
// an intent that is already settled with someone else is ignored whole, so
// the other side stays open and nobody is credited.
func (e *Engine) applyMatch(ctx context.Context, m protocol.Match) bool {
	if e.paired[m.ID] == m.MatchedWith && e.paired[m.MatchedWith] == m.ID {
		return e.deliver(ctx, m)
	}
	for _, id := range []string{m.ID, m.MatchedWith} {
		if !e.available(id) {
			e.log().Debug("conflicting match ignored",
				slog.String("intent", m.ID),
				slog.String("counter", m.MatchedWith),
				slog.String("settled", id))
			return false
		}
	}
	e.paired[m.ID] = m.MatchedWith
	e.paired[m.MatchedWith] = m.ID

	var moved []intent.Intent
	for _, id := range []string{m.ID, m.MatchedWith} {
		rec, ok := e.store.Get(id)
		if !ok {
			e.settled[id] = intent.StatusMatched
			continue
		}
		e.store.SetStatus(id, intent.StatusMatched)
		rec.Status = intent.StatusMatched
		moved = append(moved, rec)
	}
	if len(moved) > 0 {
		e.creditPair(moved, m)
		e.record(ctx, history.Event{
			Type:      history.EventMatch,
			IntentID:  m.ID,
			CounterID: m.MatchedWith,
			TradeID:   m.TradeID,
			Channel:   m.Channel,
			Actor:     m.Counterparty,
			Pair:      moved[0].Pair(),
		})
	}
	e.deliver(ctx, m)
	return true
}

// available reports whether id can still take part in a match: it is open
// locally, or unseen and not already settled ahead of its post.
func (e *Engine) available(id string) bool {
	if rec, ok := e.store.Get(id); ok {
		return rec.Status == intent.StatusOpen
	}
	_, settled := e.settled[id]
	return !settled
}

// deliver raises the match to the local poster named as counterparty, once
// per intent.
func (e *Engine) deliver(ctx context.Context, m protocol.Match) bool {
	if m.Counterparty != e.cfg.Self {
		return false
	}
	if _, done := e.delivered[m.MatchedWith]; done {
		return false
	}
	e.delivered[m.MatchedWith] = struct{}{}
	mine, _ := e.store.Get(m.MatchedWith)
	theirs, _ := e.store.Get(m.ID)
	e.record(ctx, history.Event{Type: history.EventDelivered, IntentID: m.MatchedWith, CounterID: m.ID, TradeID: m.TradeID, Channel: m.Channel, Actor: e.cfg.Self})
	e.log().Info("matched with counterparty",
		slog.String("trade", m.TradeID),
		slog.String("channel", m.Channel),
		slog.String("intent", m.MatchedWith))
	e.feed.publish(Notification{Type: NotifyDelivered, Intent: mine, Counter: theirs, Match: m})
	return true
}

// creditPair gives +1 to each distinct poster of the intents a match moved,
// plus the named counterparty when its intent is not known locally.
func (e *Engine) creditPair(moved []intent.Intent, m protocol.Match) {
	credited := make(map[string]struct{}, 2)
	for _, rec := range moved {
		credited[rec.Poster] = struct{}{}
	}
	if m.Counterparty != "" {
		credited[m.Counterparty] = struct{}{}
	}
	for peer := range credited {
		e.adjust(peer, 1)
	}
}

func (e *Engine) adjust(peer string, delta int64) {
	if peer == "" {
		return
	}
	if _, err := e.ledger.Adjust(peer, delta); err != nil {
		e.log().Warn("reputation update failed", slog.String("peer", peer), slog.Int64("delta", delta), slog.Any("error", err))
	}
}

func (e *Engine) record(ctx context.Context, ev history.Event) {
	if ev.At.IsZero() {
		ev.At = e.clock().UTC()
	}
	if err := e.history.Append(ctx, ev); err != nil {
		e.log().Warn("history append failed", slog.String("type", string(ev.Type)), slog.Any("error", err))
	}
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast([]byte, string) error { return nil }

type nopLedger struct{}

func (nopLedger) Score(string) (int64, error)         { return 0, nil }
func (nopLedger) Adjust(string, int64) (int64, error) { return 0, nil }

type nopHistory struct{}

func (nopHistory) Append(context.Context, history.Event) error { return nil }
