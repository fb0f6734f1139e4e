package p2p

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var keepaliveFrame = []byte("\n")

// Peer is one live, handshaken link. Frames are newline-delimited; blank lines
// are keepalives.
type Peer struct {
	id          string
	version     string
	conn        net.Conn
	reader      *bufio.Reader
	outbound    chan []byte
	server      *Server
	remoteAddr  string
	dialAddr    string
	inbound     bool
	persistent  bool
	connectedAt time.Time

	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	drainOnce sync.Once
	draining  chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(id, version string, conn net.Conn, reader *bufio.Reader, server *Server, inbound, persistent bool, dialAddr string) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Peer{
		id:          id,
		version:     version,
		conn:        conn,
		reader:      reader,
		outbound:    make(chan []byte, outboundQueueSize),
		server:      server,
		remoteAddr:  conn.RemoteAddr().String(),
		dialAddr:    strings.TrimSpace(dialAddr),
		inbound:     inbound,
		persistent:  persistent,
		connectedAt: server.now(),
		limiter:     newLimiter(server.cfg.RateMsgsPerSec, server.cfg.RateBurst),
		ctx:         ctx,
		cancel:      cancel,
		draining:    make(chan struct{}),
		closed:      make(chan struct{}),
	}
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) start() {
	go p.readLoop()
	go p.writeLoop()
}

// Enqueue queues frame without blocking.
func (p *Peer) Enqueue(frame []byte) error {
	select {
	case <-p.ctx.Done():
		return errPeerClosed
	default:
	}
	select {
	case p.outbound <- frame:
		return nil
	case <-p.ctx.Done():
		return errPeerClosed
	default:
		return errQueueFull
	}
}

func (p *Peer) readLoop() {
	for {
		if p.ctx.Err() != nil {
			return
		}
		if err := p.conn.SetReadDeadline(time.Now().Add(p.server.cfg.ReadTimeout)); err != nil {
			p.terminate(false, fmt.Errorf("set read deadline: %w", err))
			return
		}
		line, err := readLine(p.reader, p.server.cfg.MaxMessageBytes)
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, errFrameTooLarge):
				p.server.handleProtocolViolation(p, fmt.Errorf("%w: %d bytes", err, p.server.cfg.MaxMessageBytes))
			case errors.As(err, &ne) && ne.Timeout():
				p.terminate(false, fmt.Errorf("read timeout"))
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				p.terminate(false, io.EOF)
			default:
				p.terminate(false, fmt.Errorf("read error: %w", err))
			}
			return
		}

		frame := bytes.TrimSpace(line)
		if len(frame) == 0 {
			continue
		}
		now := time.Now()
		if !allow(p.limiter, now) {
			p.server.handleRateLimit(p, false)
			return
		}
		if !allow(p.server.globalLimit, now) {
			p.server.handleRateLimit(p, true)
			return
		}

		if err := p.server.handler.HandleMessage(p.id, frame); err != nil {
			if p.server.handleNoise(p, err) {
				return
			}
			continue
		}
		p.server.recordValidMessage(p)
	}
}

func (p *Peer) writeLoop() {
	ticker := time.NewTicker(p.server.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.draining:
			p.flush()
			p.terminate(false, ErrServerClosed)
			return
		case frame := <-p.outbound:
			if err := p.write(frame); err != nil {
				p.server.adjustScore(p.id, slowPenaltyDelta)
				p.terminate(false, fmt.Errorf("write error: %w", err))
				return
			}
			p.server.metrics.recordFrame("out", "ok")
		case <-ticker.C:
			if err := p.write(nil); err != nil {
				p.terminate(false, fmt.Errorf("keepalive: %w", err))
				return
			}
		}
	}
}

func (p *Peer) flush() {
	for {
		select {
		case frame := <-p.outbound:
			if err := p.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *Peer) write(frame []byte) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.server.cfg.WriteTimeout)); err != nil {
		return err
	}
	defer p.conn.SetWriteDeadline(time.Time{})
	if len(frame) == 0 {
		_, err := p.conn.Write(keepaliveFrame)
		return err
	}
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	_, err := p.conn.Write(append(buf, '\n'))
	return err
}

// drain asks the writer to flush queued frames and then close the link.
func (p *Peer) drain() {
	p.drainOnce.Do(func() { close(p.draining) })
}

func (p *Peer) terminate(ban bool, reason error) {
	p.closeOnce.Do(func() {
		p.cancel()
		p.conn.Close()
		close(p.closed)
		p.server.removePeer(p, ban, reason)
	})
}
