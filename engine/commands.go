package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ghostswap/intent"
	"ghostswap/protocol"
)

// PostIntent creates a new local intent, applies it and announces it.
func (e *Engine) PostIntent(ctx context.Context, amount, fromToken, toToken string) (intent.Intent, error) {
	ctx, span := e.tracer.Start(ctx, "engine.post_intent")
	defer span.End()

	canonical, err := intent.ParseAmount(amount)
	if err != nil {
		return intent.Intent{}, fail(span, fmt.Errorf("%w: %v", ErrInvalidIntent, err))
	}
	rec := intent.Intent{
		ID:         e.newID(),
		FromAmount: canonical,
		FromToken:  intent.NormalizeToken(fromToken),
		ToToken:    intent.NormalizeToken(toToken),
		Poster:     e.cfg.Self,
		PostedAt:   e.clock().Unix(),
		Status:     intent.StatusOpen,
	}
	if err := rec.Validate(); err != nil {
		return intent.Intent{}, fail(span, fmt.Errorf("%w: %v", ErrInvalidIntent, err))
	}
	span.SetAttributes(attribute.String("intent.id", rec.ID))
	post := protocol.PostFromIntent(rec)

	e.mu.Lock()
	defer e.mu.Unlock()
	changed, emitted := e.applyLocked(ctx, post)
	if !changed {
		return intent.Intent{}, fail(span, fmt.Errorf("%w: duplicate id %s", ErrInvalidIntent, rec.ID))
	}
	e.metrics.recordMessage(string(protocol.KindPost), "local")
	_ = e.broadcastLocked(post, "")
	for _, out := range emitted {
		_ = e.broadcastLocked(out, "")
	}
	e.metrics.setOpen(len(e.store.ListOpen()))
	stored, _ := e.store.Get(rec.ID)
	e.log().Info("intent posted", slog.String("intent", rec.ID), slog.String("pair", rec.Pair()))
	return stored, nil
}

// CancelIntent withdraws an open intent owned by the local peer.
func (e *Engine) CancelIntent(ctx context.Context, id string) error {
	return e.cancelAs(ctx, id, e.cfg.Self)
}

func (e *Engine) cancelAs(ctx context.Context, id, actor string) error {
	ctx, span := e.tracer.Start(ctx, "engine.cancel_intent", trace.WithAttributes(attribute.String("intent.id", id)))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.store.Get(id)
	switch {
	case !ok:
		return fail(span, fmt.Errorf("%w: %s", ErrIntentNotFound, id))
	case rec.Poster != e.cfg.Self:
		return fail(span, fmt.Errorf("%w: %s", ErrNotOwner, id))
	case rec.Status != intent.StatusOpen:
		return fail(span, fmt.Errorf("%w: %s is %s", ErrNotOpen, id, rec.Status))
	}
	cancel := protocol.Cancel{ID: id, CancelledBy: actor}
	if !e.applyCancel(ctx, cancel) {
		return fail(span, fmt.Errorf("%w: %s", ErrNotOpen, id))
	}
	e.metrics.recordMessage(string(protocol.KindCancel), "local")
	_ = e.broadcastLocked(cancel, "")
	e.metrics.setOpen(len(e.store.ListOpen()))
	return nil
}

// AcceptPartial pairs a remote intent with one of the local peer's open
// counterparty intents even though the amounts differ.
func (e *Engine) AcceptPartial(ctx context.Context, id string) (protocol.Match, error) {
	ctx, span := e.tracer.Start(ctx, "engine.accept_partial", trace.WithAttributes(attribute.String("intent.id", id)))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	target, ok := e.store.Get(id)
	switch {
	case !ok:
		return protocol.Match{}, fail(span, fmt.Errorf("%w: %s", ErrIntentNotFound, id))
	case target.Poster == e.cfg.Self:
		return protocol.Match{}, fail(span, fmt.Errorf("%w: %s", ErrOwnIntent, id))
	case target.Status != intent.StatusOpen:
		return protocol.Match{}, fail(span, fmt.Errorf("%w: %s is %s", ErrNotOpen, id, target.Status))
	}
	found, ok := intent.FindMatch(e.store, target, intent.ScopeOwn(e.cfg.Self))
	if !ok {
		return protocol.Match{}, fail(span, fmt.Errorf("%w: %s", ErrNoCounterparty, id))
	}
	match := e.newMatch(found.Counterparty, target)
	e.applyMatch(ctx, match)
	e.metrics.recordMessage(string(protocol.KindMatch), "local")
	_ = e.broadcastLocked(match, "")
	e.metrics.setOpen(len(e.store.ListOpen()))
	e.feed.publish(Notification{Type: NotifyMatched, Intent: found.Counterparty, Counter: target, Match: match})
	e.log().Info("partial match accepted",
		slog.String("intent", found.Counterparty.ID),
		slog.String("counter", target.ID),
		slog.String("trade", match.TradeID))
	return match, nil
}

// ListOpenIntents returns every open intent in arrival order.
func (e *Engine) ListOpenIntents() []intent.Intent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.ListOpen()
}

// ListIntents returns every known intent, terminal ones included.
func (e *Engine) ListIntents() []intent.Intent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.All()
}

// Intent looks up a single record.
func (e *Engine) Intent(id string) (intent.Intent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Get(id)
}

// Partial pairs an open remote intent with the local one it partially mirrors.
type Partial struct {
	Remote intent.Intent `json:"remote"`
	Local  intent.Intent `json:"local"`
}

// PartialMatches lists open intents from other peers that mirror a local open
// intent with a different amount and have no exact counterparty.
func (e *Engine) PartialMatches() []Partial {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Partial
	for _, rec := range e.store.ListOpen() {
		if rec.Poster == e.cfg.Self {
			continue
		}
		found, ok := intent.FindMatch(e.store, rec, intent.ScopeOwn(e.cfg.Self))
		if ok && found.Kind == intent.MatchPartial {
			out = append(out, Partial{Remote: rec, Local: found.Counterparty})
		}
	}
	return out
}

// Score reads the advisory reputation of peer.
func (e *Engine) Score(peer string) (int64, error) {
	return e.ledger.Score(peer)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
