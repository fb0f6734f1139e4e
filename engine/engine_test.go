package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ghostswap/history"
	"ghostswap/intent"
	"ghostswap/ledger"
	"ghostswap/protocol"
)

type queued struct {
	from   string
	except string
	frame  []byte
}

// mesh delivers broadcasts between engines only when pumped, so no engine
// re-enters another while holding its own lock.
type mesh struct {
	mu    sync.Mutex
	nodes map[string]*Engine
	order []string
	queue []queued
	sent  map[string][]protocol.Message
}

type meshLink struct {
	m    *mesh
	self string
}

func (l meshLink) Broadcast(frame []byte, except string) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	l.m.queue = append(l.m.queue, queued{from: l.self, except: except, frame: append([]byte(nil), frame...)})
	if msg, err := protocol.Decode(frame); err == nil {
		l.m.sent[l.self] = append(l.m.sent[l.self], msg)
	}
	return nil
}

type node struct {
	*Engine
	ledger  *ledger.MemoryLedger
	history *history.Memory
}

func newMesh() *mesh {
	return &mesh{nodes: make(map[string]*Engine), sent: make(map[string][]protocol.Message)}
}

func (m *mesh) add(t *testing.T, cfg Config) node {
	t.Helper()
	led := ledger.NewMemory()
	hist := history.NewMemory(0)
	e, err := New(cfg, led, hist)
	require.NoError(t, err)
	e.SetBroadcaster(meshLink{m: m, self: cfg.Self})
	m.nodes[cfg.Self] = e
	m.order = append(m.order, cfg.Self)
	return node{Engine: e, ledger: led, history: hist}
}

func (m *mesh) pump(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		item := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		for _, id := range m.order {
			if id == item.from || id == item.except {
				continue
			}
			require.NoError(t, m.nodes[id].HandleMessage(item.from, item.frame))
		}
	}
	t.Fatalf("mesh did not settle")
}

func statusOf(t *testing.T, e *Engine, id string) intent.Status {
	t.Helper()
	rec, ok := e.Intent(id)
	require.True(t, ok, "intent %s unknown", id)
	return rec.Status
}

func drain(ch <-chan Notification) []Notification {
	var out []Notification
	for {
		select {
		case n := <-ch:
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestNewRequiresSelf(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
}

func TestPostIsIdempotent(t *testing.T) {
	e, err := New(Config{Self: "me"}, nil, nil)
	require.NoError(t, err)
	post := protocol.Post{ID: "a", FromAmount: "1", FromToken: "ETH", ToToken: "USDC", Poster: "them", PostedAt: 1}

	changed, err := e.Apply(context.Background(), post)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = e.Apply(context.Background(), post)
	require.NoError(t, err)
	require.False(t, changed)
	require.Len(t, e.ListIntents(), 1)
}

func TestExactMatchEndToEnd(t *testing.T) {
	ctx := context.Background()
	m := newMesh()
	alice := m.add(t, Config{Self: "alice", Relay: true})
	bob := m.add(t, Config{Self: "bob", Relay: true})
	bobEvents, unsubscribe := bob.Subscribe(16)
	defer unsubscribe()

	a, err := alice.PostIntent(ctx, "100", "usdc", "eth")
	require.NoError(t, err)
	require.Equal(t, "USDC", a.FromToken)
	m.pump(t)

	b, err := bob.PostIntent(ctx, "100", "ETH", "USDC")
	require.NoError(t, err)
	m.pump(t)

	for _, e := range []*Engine{alice.Engine, bob.Engine} {
		require.Equal(t, intent.StatusMatched, statusOf(t, e, a.ID))
		require.Equal(t, intent.StatusMatched, statusOf(t, e, b.ID))
		require.Empty(t, e.ListOpenIntents())
	}

	matches := m.sent["alice"]
	require.NotEmpty(t, matches)
	match, ok := matches[len(matches)-1].(protocol.Match)
	require.True(t, ok)
	require.Equal(t, a.ID, match.ID)
	require.Equal(t, b.ID, match.MatchedWith)
	require.Equal(t, "bob", match.Counterparty)
	require.Equal(t, "ghostswap:"+match.TradeID, match.Channel)

	var delivered []Notification
	for _, n := range drain(bobEvents) {
		if n.Type == NotifyDelivered {
			delivered = append(delivered, n)
		}
	}
	require.Len(t, delivered, 1)
	require.Equal(t, match.TradeID, delivered[0].Match.TradeID)
	require.Equal(t, b.ID, delivered[0].Intent.ID)

	score, err := alice.ledger.Score("alice")
	require.NoError(t, err)
	require.EqualValues(t, 1, score)
	score, err = alice.ledger.Score("bob")
	require.NoError(t, err)
	require.EqualValues(t, 1, score)

	// a later mirror can no longer pair with either side
	c := protocol.Post{ID: "late", FromAmount: "100", FromToken: "ETH", ToToken: "USDC", Poster: "carol", PostedAt: 2}
	changed, err := alice.Apply(ctx, c)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, intent.StatusOpen, statusOf(t, alice.Engine, "late"))
	require.Equal(t, intent.StatusMatched, statusOf(t, alice.Engine, a.ID))
}

func TestPartialMatchRequiresAcceptance(t *testing.T) {
	ctx := context.Background()
	m := newMesh()
	alice := m.add(t, Config{Self: "alice"})
	bob := m.add(t, Config{Self: "bob"})
	aliceEvents, unsubscribe := alice.Subscribe(16)
	defer unsubscribe()

	a, err := alice.PostIntent(ctx, "100", "USDC", "ETH")
	require.NoError(t, err)
	b, err := bob.PostIntent(ctx, "50", "ETH", "USDC")
	require.NoError(t, err)
	m.pump(t)

	require.Equal(t, intent.StatusOpen, statusOf(t, alice.Engine, a.ID))
	require.Equal(t, intent.StatusOpen, statusOf(t, alice.Engine, b.ID))

	partials := alice.PartialMatches()
	require.Len(t, partials, 1)
	require.Equal(t, b.ID, partials[0].Remote.ID)
	require.Equal(t, a.ID, partials[0].Local.ID)

	sawPartial := false
	for _, n := range drain(aliceEvents) {
		if n.Type == NotifyPartial {
			sawPartial = true
		}
	}
	require.True(t, sawPartial)

	match, err := alice.AcceptPartial(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, a.ID, match.ID)
	m.pump(t)

	require.Equal(t, intent.StatusMatched, statusOf(t, bob.Engine, a.ID))
	require.Equal(t, intent.StatusMatched, statusOf(t, bob.Engine, b.ID))
	require.Empty(t, alice.PartialMatches())
}

func TestAcceptPartialRejections(t *testing.T) {
	ctx := context.Background()
	e, err := New(Config{Self: "me"}, nil, nil)
	require.NoError(t, err)

	_, err = e.AcceptPartial(ctx, "nope")
	require.ErrorIs(t, err, ErrIntentNotFound)

	mine, err := e.PostIntent(ctx, "10", "ETH", "USDC")
	require.NoError(t, err)
	_, err = e.AcceptPartial(ctx, mine.ID)
	require.ErrorIs(t, err, ErrOwnIntent)

	_, err = e.Apply(ctx, protocol.Post{ID: "r", FromAmount: "5", FromToken: "BTC", ToToken: "DAI", Poster: "them"})
	require.NoError(t, err)
	_, err = e.AcceptPartial(ctx, "r")
	require.ErrorIs(t, err, ErrNoCounterparty)
}

func TestCancelOwnership(t *testing.T) {
	ctx := context.Background()
	e, err := New(Config{Self: "me"}, nil, nil)
	require.NoError(t, err)

	_, err = e.Apply(ctx, protocol.Post{ID: "theirs", FromAmount: "1", FromToken: "ETH", ToToken: "DAI", Poster: "them"})
	require.NoError(t, err)
	err = e.CancelIntent(ctx, "theirs")
	require.ErrorIs(t, err, ErrNotOwner)
	require.Equal(t, intent.StatusOpen, statusOf(t, e, "theirs"))

	require.ErrorIs(t, e.CancelIntent(ctx, "missing"), ErrIntentNotFound)

	mine, err := e.PostIntent(ctx, "1", "ETH", "DAI")
	require.NoError(t, err)
	require.NoError(t, e.CancelIntent(ctx, mine.ID))
	require.Equal(t, intent.StatusCancelled, statusOf(t, e, mine.ID))
	require.ErrorIs(t, e.CancelIntent(ctx, mine.ID), ErrNotOpen)
}

func TestInvalidPostRejected(t *testing.T) {
	e, err := New(Config{Self: "me"}, nil, nil)
	require.NoError(t, err)
	_, err = e.PostIntent(context.Background(), "-3", "ETH", "DAI")
	require.ErrorIs(t, err, ErrInvalidIntent)
	_, err = e.PostIntent(context.Background(), "3", "eth", "ETH")
	require.ErrorIs(t, err, ErrInvalidIntent)
	require.Empty(t, e.ListIntents())
}

func TestStatusIsForwardOnlyAndRenegePenalisedOnce(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewMemory()
	hist := history.NewMemory(0)
	e, err := New(Config{Self: "me"}, led, hist)
	require.NoError(t, err)

	_, err = e.Apply(ctx, protocol.Post{ID: "x", FromAmount: "1", FromToken: "A", ToToken: "B", Poster: "p"})
	require.NoError(t, err)
	_, err = e.Apply(ctx, protocol.Post{ID: "y", FromAmount: "1", FromToken: "B", ToToken: "A", Poster: "q"})
	require.NoError(t, err)
	_, err = e.Apply(ctx, protocol.Match{ID: "x", MatchedWith: "y", Counterparty: "q", Channel: "ghostswap:t", TradeID: "t"})
	require.NoError(t, err)

	cancel := protocol.Cancel{ID: "x", CancelledBy: "p"}
	changed, err := e.Apply(ctx, cancel)
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = e.Apply(ctx, cancel)
	require.NoError(t, err)
	require.False(t, changed)

	require.Equal(t, intent.StatusMatched, statusOf(t, e, "x"))
	score, err := led.Score("p")
	require.NoError(t, err)
	require.EqualValues(t, 0, score) // +1 for the match, -1 for walking away

	events, err := hist.All(ctx)
	require.NoError(t, err)
	types := []history.EventType{}
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	require.Equal(t, []history.EventType{history.EventPost, history.EventPost, history.EventMatch, history.EventRenege}, types)

	_, err = e.Apply(ctx, protocol.Post{ID: "z", FromAmount: "1", FromToken: "A", ToToken: "B", Poster: "p"})
	require.NoError(t, err)
	_, err = e.Apply(ctx, protocol.Cancel{ID: "z", CancelledBy: "p"})
	require.NoError(t, err)
	_, err = e.Apply(ctx, protocol.Match{ID: "z", MatchedWith: "y", Counterparty: "q", TradeID: "t2"})
	require.NoError(t, err)
	require.Equal(t, intent.StatusCancelled, statusOf(t, e, "z"))
}

func TestMatchExclusivity(t *testing.T) {
	posts := []protocol.Post{
		{ID: "x", FromAmount: "1", FromToken: "A", ToToken: "B", Poster: "a"},
		{ID: "y", FromAmount: "1", FromToken: "B", ToToken: "A", Poster: "b"},
		{ID: "z", FromAmount: "1", FromToken: "A", ToToken: "B", Poster: "c"},
	}
	first := protocol.Match{ID: "x", MatchedWith: "y", Counterparty: "b", Channel: "ghostswap:t1", TradeID: "t1"}
	cases := []struct {
		name   string
		second protocol.Match
	}{
		{"settled intent matched again", protocol.Match{ID: "x", MatchedWith: "z", Counterparty: "c", Channel: "ghostswap:t2", TradeID: "t2"}},
		{"two owners claim one intent", protocol.Match{ID: "z", MatchedWith: "y", Counterparty: "b", Channel: "ghostswap:t3", TradeID: "t3"}},
		{"relayed duplicate", first},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			led := ledger.NewMemory()
			hist := history.NewMemory(0)
			e, err := New(Config{Self: "me"}, led, hist)
			require.NoError(t, err)
			for _, p := range posts {
				_, err := e.Apply(ctx, p)
				require.NoError(t, err)
			}

			changed, err := e.Apply(ctx, first)
			require.NoError(t, err)
			require.True(t, changed)
			changed, err = e.Apply(ctx, tc.second)
			require.NoError(t, err)
			require.False(t, changed)

			require.Equal(t, intent.StatusMatched, statusOf(t, e, "x"))
			require.Equal(t, intent.StatusMatched, statusOf(t, e, "y"))
			require.Equal(t, intent.StatusOpen, statusOf(t, e, "z"))
			for peer, want := range map[string]int64{"a": 1, "b": 1, "c": 0} {
				score, err := led.Score(peer)
				require.NoError(t, err)
				require.EqualValues(t, want, score, "score of %s", peer)
			}

			events, err := hist.All(ctx)
			require.NoError(t, err)
			matches := 0
			for _, ev := range events {
				if ev.Type == history.EventMatch {
					matches++
				}
			}
			require.Equal(t, 1, matches)
		})
	}
}

func TestMatchAheadOfPostsStaysExclusive(t *testing.T) {
	ctx := context.Background()
	e, err := New(Config{Self: "me"}, nil, nil)
	require.NoError(t, err)

	changed, err := e.Apply(ctx, protocol.Match{ID: "m1", MatchedWith: "m2", Counterparty: "q", TradeID: "t1"})
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = e.Apply(ctx, protocol.Match{ID: "m3", MatchedWith: "m1", Counterparty: "p", TradeID: "t2"})
	require.NoError(t, err)
	require.False(t, changed)

	_, err = e.Apply(ctx, protocol.Post{ID: "m3", FromAmount: "5", FromToken: "DAI", ToToken: "ETH", Poster: "r"})
	require.NoError(t, err)
	require.Equal(t, intent.StatusOpen, statusOf(t, e, "m3"))
}

func TestRacingOwnersCreditOnce(t *testing.T) {
	ctx := context.Background()
	m := newMesh()
	alice := m.add(t, Config{Self: "alice"})
	carol := m.add(t, Config{Self: "carol"})
	bob := m.add(t, Config{Self: "bob"})
	observer := m.add(t, Config{Self: "observer"})

	a, err := alice.PostIntent(ctx, "3", "ETH", "DAI")
	require.NoError(t, err)
	c, err := carol.PostIntent(ctx, "3", "ETH", "DAI")
	require.NoError(t, err)
	m.pump(t)
	b, err := bob.PostIntent(ctx, "3", "DAI", "ETH")
	require.NoError(t, err)
	m.pump(t)

	// both owners paired locally; the first match to reach each peer wins
	require.Len(t, m.sent["alice"], 2)
	require.Len(t, m.sent["carol"], 2)
	require.Equal(t, intent.StatusMatched, statusOf(t, observer.Engine, a.ID))
	require.Equal(t, intent.StatusMatched, statusOf(t, observer.Engine, b.ID))
	require.Equal(t, intent.StatusOpen, statusOf(t, observer.Engine, c.ID))
	require.Equal(t, intent.StatusOpen, statusOf(t, bob.Engine, c.ID))

	for peer, want := range map[string]int64{"alice": 1, "bob": 1, "carol": 0} {
		score, err := observer.ledger.Score(peer)
		require.NoError(t, err)
		require.EqualValues(t, want, score, "score of %s", peer)
	}
}

func TestCancelWithoutActor(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewMemory()
	hist := history.NewMemory(0)
	e, err := New(Config{Self: "me"}, led, hist)
	require.NoError(t, err)

	for _, p := range []protocol.Post{
		{ID: "x", FromAmount: "1", FromToken: "A", ToToken: "B", Poster: "p"},
		{ID: "y", FromAmount: "1", FromToken: "B", ToToken: "A", Poster: "q"},
		{ID: "w", FromAmount: "1", FromToken: "C", ToToken: "D", Poster: "p"},
	} {
		_, err := e.Apply(ctx, p)
		require.NoError(t, err)
	}
	require.NoError(t, e.HandleMessage("p", []byte(`{"kind":"intent.cancel","intentId":"w"}`)))
	require.Equal(t, intent.StatusCancelled, statusOf(t, e, "w"))

	_, err = e.Apply(ctx, protocol.Match{ID: "x", MatchedWith: "y", Counterparty: "q", TradeID: "t"})
	require.NoError(t, err)
	require.NoError(t, e.HandleMessage("q", []byte(`{"kind":"intent.cancel","intentId":"y"}`)))

	score, err := led.Score("q")
	require.NoError(t, err)
	require.EqualValues(t, 0, score) // poster takes the renege when no actor is named
	events, err := hist.All(ctx)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, history.EventRenege, last.Type)
	require.Equal(t, "q", last.Actor)
}

func TestOutOfOrderDeliveryConverges(t *testing.T) {
	ctx := context.Background()
	e, err := New(Config{Self: "me"}, nil, nil)
	require.NoError(t, err)
	mine, err := e.PostIntent(ctx, "5", "ETH", "DAI")
	require.NoError(t, err)

	changed, err := e.Apply(ctx, protocol.Cancel{ID: "early", CancelledBy: "them"})
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = e.Apply(ctx, protocol.Cancel{ID: "early", CancelledBy: "them"})
	require.NoError(t, err)
	require.False(t, changed)

	_, err = e.Apply(ctx, protocol.Post{ID: "early", FromAmount: "5", FromToken: "DAI", ToToken: "ETH", Poster: "them"})
	require.NoError(t, err)
	require.Equal(t, intent.StatusCancelled, statusOf(t, e, "early"))
	require.Equal(t, intent.StatusOpen, statusOf(t, e, mine.ID))

	_, err = e.Apply(ctx, protocol.Match{ID: "m1", MatchedWith: "m2", Counterparty: "x", TradeID: "t"})
	require.NoError(t, err)
	_, err = e.Apply(ctx, protocol.Post{ID: "m1", FromAmount: "5", FromToken: "DAI", ToToken: "ETH", Poster: "them"})
	require.NoError(t, err)
	require.Equal(t, intent.StatusMatched, statusOf(t, e, "m1"))
	require.Equal(t, intent.StatusOpen, statusOf(t, e, mine.ID))
}

func TestHandleMessageDropsNoise(t *testing.T) {
	e, err := New(Config{Self: "me"}, nil, nil)
	require.NoError(t, err)
	require.True(t, protocol.IsNoise(e.HandleMessage("peer", []byte("{nope"))))
	require.True(t, protocol.IsNoise(e.HandleMessage("peer", []byte(`{"kind":"intent.zap","intentId":"a"}`))))
	require.Empty(t, e.ListIntents())
}

func TestRelayForwardsToOtherPeers(t *testing.T) {
	e, err := New(Config{Self: "me", Relay: true}, nil, nil)
	require.NoError(t, err)
	m := newMesh()
	e.SetBroadcaster(meshLink{m: m, self: "me"})

	frame, err := protocol.Encode(protocol.Post{ID: "a", FromAmount: "1", FromToken: "A", ToToken: "B", Poster: "far"})
	require.NoError(t, err)
	require.NoError(t, e.HandleMessage("near", frame))
	require.NoError(t, e.HandleMessage("other", frame))

	require.Len(t, m.queue, 1)
	require.Equal(t, "near", m.queue[0].except)
}

func TestDiscoveryModeMatchesAnyPoster(t *testing.T) {
	ctx := context.Background()
	m := newMesh()
	hub := m.add(t, Config{Self: "hub", Discovery: true})

	_, err := hub.Apply(ctx, protocol.Post{ID: "x", FromAmount: "7", FromToken: "A", ToToken: "B", Poster: "p"})
	require.NoError(t, err)
	_, err = hub.Apply(ctx, protocol.Post{ID: "y", FromAmount: "7", FromToken: "B", ToToken: "A", Poster: "q"})
	require.NoError(t, err)

	require.Equal(t, intent.StatusMatched, statusOf(t, hub.Engine, "x"))
	require.Equal(t, intent.StatusMatched, statusOf(t, hub.Engine, "y"))
	require.Len(t, m.sent["hub"], 1)
	_, isMatch := m.sent["hub"][0].(protocol.Match)
	require.True(t, isMatch)
}

func TestSweepExpiresStaleLocalIntents(t *testing.T) {
	ctx := context.Background()
	m := newMesh()
	n := m.add(t, Config{Self: "me", IntentTTL: 10 * time.Minute})
	now := time.Unix(1_700_000_000, 0)
	n.clock = func() time.Time { return now }

	old, err := n.PostIntent(ctx, "1", "ETH", "DAI")
	require.NoError(t, err)
	_, err = n.Apply(ctx, protocol.Post{ID: "remote", FromAmount: "1", FromToken: "X", ToToken: "Y", Poster: "them", PostedAt: now.Unix()})
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	fresh, err := n.PostIntent(ctx, "2", "ETH", "DAI")
	require.NoError(t, err)
	require.Empty(t, n.Sweep(ctx))

	now = now.Add(5*time.Minute + time.Second)
	require.Equal(t, []string{old.ID}, n.Sweep(ctx))
	require.Equal(t, intent.StatusCancelled, statusOf(t, n.Engine, old.ID))
	require.Equal(t, intent.StatusOpen, statusOf(t, n.Engine, fresh.ID))
	require.Equal(t, intent.StatusOpen, statusOf(t, n.Engine, "remote"))

	sent := m.sent["me"]
	cancel, ok := sent[len(sent)-1].(protocol.Cancel)
	require.True(t, ok)
	require.Equal(t, ExpiryActor, cancel.CancelledBy)

	events, err := n.history.All(ctx)
	require.NoError(t, err)
	require.Equal(t, history.EventExpire, events[len(events)-1].Type)
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	e, err := New(Config{Self: "me", SweepInterval: time.Millisecond}, nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.RunSweeper(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop")
	}
}
