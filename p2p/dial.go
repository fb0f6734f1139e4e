package p2p

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"ghostswap/observability/logging"
	"ghostswap/p2p/seeds"
)

// startDialers connects to bootnodes and persistent peers, then to DNS seeds
// and remembered peers until the outbound budget is used.
func (s *Server) startDialers(ctx context.Context) {
	for _, addr := range s.bootstrapTargets(ctx) {
		go func(target string) {
			if err := s.Connect(ctx, target); err != nil {
				s.log().Warn("Bootstrap dial failed",
					logging.MaskField("peer_address", target),
					slog.Any("error", err))
				if s.isPersistent(target) {
					s.scheduleReconnect(target)
				}
			}
		}(addr)
	}
}

func (s *Server) bootstrapTargets(ctx context.Context) []string {
	seen := make(map[string]struct{})
	var targets []string
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" || addr == s.advertisedAddr() {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		targets = append(targets, addr)
	}
	for _, addr := range s.cfg.Bootnodes {
		add(addr)
	}
	for _, addr := range s.cfg.PersistentPeers {
		add(addr)
	}

	budget := s.cfg.MaxOutbound - len(targets)
	if len(s.cfg.Seeds) > 0 && budget > 0 {
		resolved, err := seeds.Resolve(ctx, s.cfg.SeedResolver, s.cfg.Seeds)
		if err != nil {
			s.log().Warn("Seed lookup incomplete", slog.Any("error", err))
		}
		for _, addr := range resolved {
			if len(targets) >= s.cfg.MaxOutbound {
				break
			}
			add(addr)
		}
	}
	if s.peerstore != nil {
		now := s.now()
		for _, rec := range s.peerstore.Known(now) {
			if len(targets) >= s.cfg.MaxOutbound {
				break
			}
			if s.peerstore.NextDialAt(rec.Addr, now).After(now) {
				continue
			}
			add(rec.Addr)
		}
	}
	return targets
}

func (s *Server) scheduleReconnect(addr string) {
	addr = strings.TrimSpace(addr)
	if addr == "" || s.ctx.Err() != nil || s.isConnectedToAddress(addr) {
		return
	}
	s.dialMu.Lock()
	if _, pending := s.pendingDial[addr]; pending {
		s.dialMu.Unlock()
		return
	}
	delay := s.backoff[addr]
	if delay == 0 {
		delay = s.cfg.DialBackoff
	} else {
		delay *= 2
		if delay > s.cfg.MaxDialBackoff {
			delay = s.cfg.MaxDialBackoff
		}
	}
	s.pendingDial[addr] = struct{}{}
	s.backoff[addr] = delay
	s.dialMu.Unlock()

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			return
		}
		s.dialMu.Lock()
		delete(s.pendingDial, addr)
		s.dialMu.Unlock()
		if err := s.Connect(s.ctx, addr); err != nil {
			s.log().Debug("Reconnect failed",
				logging.MaskField("peer_address", addr),
				slog.Duration("backoff", delay),
				slog.Any("error", err))
			s.scheduleReconnect(addr)
		}
	}()
}

func (s *Server) resetBackoff(addr string) {
	s.dialMu.Lock()
	delete(s.backoff, addr)
	s.dialMu.Unlock()
}

func (s *Server) isPersistent(addr string) bool {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	_, ok := s.persistent[strings.TrimSpace(addr)]
	return ok
}

func (s *Server) isConnectedToAddress(addr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byAddr[strings.TrimSpace(addr)]
	return ok
}

func (s *Server) markDialFailure(addr string) {
	if s.peerstore == nil {
		return
	}
	rec, ok := s.peerstore.ByAddr(addr)
	if !ok {
		return
	}
	if err := s.peerstore.RecordFail(rec.NodeID, s.now()); err != nil {
		s.log().Debug("Dial failure not recorded",
			logging.MaskField("peer_id", rec.NodeID),
			slog.Any("error", err))
	}
}
