package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"ghostswap/engine"
	"ghostswap/intent"
	"ghostswap/p2p"
	"ghostswap/protocol"
)

// commander is the engine surface driven by the console.
type commander interface {
	Self() string
	PostIntent(ctx context.Context, amount, fromToken, toToken string) (intent.Intent, error)
	CancelIntent(ctx context.Context, id string) error
	AcceptPartial(ctx context.Context, id string) (protocol.Match, error)
	ListOpenIntents() []intent.Intent
	PartialMatches() []engine.Partial
	Score(peer string) (int64, error)
	Subscribe(buffer int) (<-chan engine.Notification, func())
}

type peerLister interface {
	Peers() []p2p.PeerInfo
}

const consoleHelp = `Commands:
  post <amount> <fromToken> for <toToken>   Post a swap intent
  list                                      Show open intents
  cancel <intentId>                         Cancel one of your intents
  accept <intentId>                         Accept a partial match offered by a peer
  partials                                  Show partial matches awaiting acceptance
  peers                                     Show connected peers
  score [peer]                              Show a peer's reputation (default: you)
  help                                      Show this help
  exit                                      Leave the mesh
`

var errConsoleExit = errors.New("console exit")

// console is a line-oriented operator shell.
type console struct {
	cmd    commander
	peers  peerLister
	in     io.Reader
	prompt string

	mu  sync.Mutex
	out io.Writer
}

func newConsole(cmd commander, peers peerLister, in io.Reader, out io.Writer, interactive bool) *console {
	c := &console{cmd: cmd, peers: peers, in: in, out: out}
	if interactive {
		c.prompt = "ghostswap> "
	}
	return c
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Run reads commands until exit, end of input or ctx is cancelled.
func (c *console) Run(ctx context.Context) error {
	events, unsubscribe := c.cmd.Subscribe(32)
	defer unsubscribe()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.printf("GhostSwap node %s\nType \"help\" for commands.\n%s", shortPeer(c.cmd.Self()), c.prompt)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case n, ok := <-events:
			if ok {
				c.notify(n)
			}
		case line := <-lines:
			err := c.execute(ctx, line)
			if errors.Is(err, errConsoleExit) {
				c.printf("Goodbye\n")
				return nil
			}
			if err != nil {
				c.printf("error: %v\n", err)
			}
			c.printf("%s", c.prompt)
		}
	}
}

func (c *console) execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	args := fields[1:]
	switch strings.ToLower(fields[0]) {
	case "post":
		return c.post(ctx, args)
	case "list", "ls":
		c.list()
	case "cancel":
		if len(args) != 1 {
			return errors.New("usage: cancel <intentId>")
		}
		if err := c.cmd.CancelIntent(ctx, args[0]); err != nil {
			return err
		}
		c.printf("Intent cancelled [%s]\n", args[0])
	case "accept":
		if len(args) != 1 {
			return errors.New("usage: accept <intentId>")
		}
		match, err := c.cmd.AcceptPartial(ctx, args[0])
		if err != nil {
			return err
		}
		c.printf("Partial accepted: [%s] with [%s]\n  Private channel: %s\n", match.ID, match.MatchedWith, match.Channel)
	case "partials":
		c.partials()
	case "peers":
		c.listPeers()
	case "score":
		peer := c.cmd.Self()
		if len(args) > 0 {
			peer = args[0]
		}
		score, err := c.cmd.Score(peer)
		if err != nil {
			return err
		}
		c.printf("%s score %d\n", shortPeer(peer), score)
	case "help":
		c.printf("%s", consoleHelp)
	case "exit", "quit":
		return errConsoleExit
	default:
		return fmt.Errorf("unknown command %q, type \"help\"", fields[0])
	}
	return nil
}

func (c *console) post(ctx context.Context, args []string) error {
	// "post 100 USDT for SOL" or "post 100 USDT SOL"
	if len(args) == 4 && strings.EqualFold(args[2], "for") {
		args = []string{args[0], args[1], args[3]}
	}
	if len(args) != 3 {
		return errors.New("usage: post <amount> <fromToken> for <toToken>")
	}
	rec, err := c.cmd.PostIntent(ctx, args[0], args[1], args[2])
	if err != nil {
		return err
	}
	c.printf("Intent posted [%s]: %s %s -> %s\n", rec.ID, rec.FromAmount, rec.FromToken, rec.ToToken)
	return nil
}

func (c *console) list() {
	open := c.cmd.ListOpenIntents()
	if len(open) == 0 {
		c.printf("(no open intents)\n")
		return
	}
	self := c.cmd.Self()
	var b strings.Builder
	b.WriteString("Open swap intents:\n")
	for _, rec := range open {
		mine := ""
		if rec.Poster == self {
			mine = " (yours)"
		}
		fmt.Fprintf(&b, "  [%s] %s %s -> %s%s\n", rec.ID, rec.FromAmount, rec.FromToken, rec.ToToken, mine)
	}
	c.printf("%s", b.String())
}

func (c *console) partials() {
	found := c.cmd.PartialMatches()
	if len(found) == 0 {
		c.printf("(no partial matches)\n")
		return
	}
	var b strings.Builder
	for _, p := range found {
		fmt.Fprintf(&b, "  [%s] %s %s -> %s mirrors your [%s] %s %s\n",
			p.Remote.ID, p.Remote.FromAmount, p.Remote.FromToken, p.Remote.ToToken,
			p.Local.ID, p.Local.FromAmount, p.Local.FromToken)
	}
	c.printf("%s", b.String())
}

func (c *console) listPeers() {
	if c.peers == nil {
		c.printf("(networking disabled)\n")
		return
	}
	peers := c.peers.Peers()
	if len(peers) == 0 {
		c.printf("(no peers connected)\n")
		return
	}
	var b strings.Builder
	for _, p := range peers {
		fmt.Fprintf(&b, "  %s %-8s %s score=%d\n", shortPeer(p.NodeID), p.Direction, p.RemoteAddr, p.Score)
	}
	c.printf("%s", b.String())
}

func (c *console) notify(n engine.Notification) {
	switch n.Type {
	case engine.NotifyMatched:
		c.printf("\nMATCH FOUND\n  Your intent : [%s] %s %s -> %s\n  Matched with: [%s] %s %s -> %s\n  Private channel: %s\n  Trade with  : %s\n%s",
			n.Intent.ID, n.Intent.FromAmount, n.Intent.FromToken, n.Intent.ToToken,
			n.Counter.ID, n.Counter.FromAmount, n.Counter.FromToken, n.Counter.ToToken,
			n.Match.Channel, shortPeer(n.Counter.Poster), c.prompt)
	case engine.NotifyDelivered:
		c.printf("\nYou've been matched\n  Intent     : [%s]\n  Private channel: %s\n  Trade with : %s\n%s",
			n.Intent.ID, n.Match.Channel, shortPeer(n.Counter.Poster), c.prompt)
	case engine.NotifyPartial:
		remote := n.Intent
		if remote.Poster == c.cmd.Self() {
			remote = n.Counter
		}
		c.printf("\nPartial match available: [%s] %s %s -> %s (type \"accept %s\")\n%s",
			remote.ID, remote.FromAmount, remote.FromToken, remote.ToToken, remote.ID, c.prompt)
	}
}

func shortPeer(id string) string {
	if len(id) <= 18 {
		return id
	}
	return id[:18] + "…"
}
