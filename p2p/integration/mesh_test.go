package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ghostswap/engine"
	"ghostswap/history"
	"ghostswap/intent"
	"ghostswap/ledger"
	"ghostswap/p2p"
)

type meshNode struct {
	*engine.Engine
	server  *p2p.Server
	ledger  *ledger.MemoryLedger
	history *history.Memory
}

func startNode(t *testing.T, ctx context.Context, bootnodes ...string) meshNode {
	t.Helper()
	id, err := p2p.NewIdentity()
	require.NoError(t, err)

	led := ledger.NewMemory()
	hist := history.NewMemory(256)
	eng, err := engine.New(engine.Config{Self: id.NodeID, Channel: "mesh-test", Relay: true}, led, hist)
	require.NoError(t, err)

	server, err := p2p.NewServer(eng, id, p2p.Config{
		ListenAddress:    "127.0.0.1:0",
		Channel:          "mesh-test",
		ClientVersion:    "mesh-test/1.0",
		Bootnodes:        bootnodes,
		HandshakeTimeout: time.Second,
		PingInterval:     200 * time.Millisecond,
		ReadTimeout:      2 * time.Second,
		DialBackoff:      50 * time.Millisecond,
	})
	require.NoError(t, err)
	eng.SetBroadcaster(server)
	require.NoError(t, server.Start(ctx))
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Close(closeCtx)
	})
	return meshNode{Engine: eng, server: server, ledger: led, history: hist}
}

func statusOn(n meshNode, id string) intent.Status {
	rec, ok := n.Intent(id)
	if !ok {
		return ""
	}
	return rec.Status
}

func TestLineMeshRelaysMatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startNode(t, ctx)
	bob := startNode(t, ctx, alice.server.ListenAddr())
	carol := startNode(t, ctx, bob.server.ListenAddr())

	require.Eventually(t, func() bool {
		return len(alice.server.Peers()) == 1 && len(bob.server.Peers()) == 2 && len(carol.server.Peers()) == 1
	}, 3*time.Second, 10*time.Millisecond, "line topology did not form")

	carolEvents, unsubscribe := carol.Subscribe(32)
	defer unsubscribe()

	a, err := alice.PostIntent(ctx, "250", "USDC", "ETH")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return statusOn(carol, a.ID) == intent.StatusOpen },
		2*time.Second, 10*time.Millisecond, "alice's intent was not relayed to carol")

	c, err := carol.PostIntent(ctx, "250", "ETH", "USDC")
	require.NoError(t, err)

	for _, n := range []meshNode{alice, bob, carol} {
		require.Eventually(t, func() bool {
			return statusOn(n, a.ID) == intent.StatusMatched && statusOn(n, c.ID) == intent.StatusMatched
		}, 2*time.Second, 10*time.Millisecond, "match did not converge on %s", n.Self())
	}

	var delivered *engine.Notification
	require.Eventually(t, func() bool {
		for {
			select {
			case n := <-carolEvents:
				if n.Type == engine.NotifyDelivered {
					delivered = &n
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond, "carol was not told about the trade")
	require.Equal(t, c.ID, delivered.Intent.ID)
	require.Equal(t, carol.Self(), delivered.Match.Counterparty)

	score, err := carol.ledger.Score(alice.Self())
	require.NoError(t, err)
	require.EqualValues(t, 1, score)

	events, err := carol.history.All(ctx)
	require.NoError(t, err)
	var kinds []history.EventType
	for _, ev := range events {
		kinds = append(kinds, ev.Type)
	}
	require.Contains(t, kinds, history.EventDelivered)
}

func TestNodesOnOtherChannelsStayApart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startNode(t, ctx)

	id, err := p2p.NewIdentity()
	require.NoError(t, err)
	eng, err := engine.New(engine.Config{Self: id.NodeID, Channel: "elsewhere"}, nil, nil)
	require.NoError(t, err)
	outsider, err := p2p.NewServer(eng, id, p2p.Config{Channel: "elsewhere", HandshakeTimeout: time.Second})
	require.NoError(t, err)
	defer outsider.Close(context.Background())

	require.ErrorIs(t, outsider.Connect(ctx, alice.server.ListenAddr()), p2p.ErrTopicMismatch)
	require.Empty(t, alice.server.Peers())
}
