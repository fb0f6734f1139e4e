package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ghostswap/observability/logging"
	"ghostswap/p2p/seeds"
)

const (
	outboundQueueSize = 64

	defaultHandshakeTimeout = 5 * time.Second
	defaultMaxPeers         = 32
	defaultPeerBan          = 15 * time.Minute
	defaultReadTimeout      = 90 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultMaxMessageSize   = 64 << 10
	defaultMsgRate          = 32.0
	defaultBurstRate        = 128.0
	defaultPingInterval     = 30 * time.Second
	defaultDrainTimeout     = 2 * time.Second
	maxDialBackoff          = time.Minute

	greylistRateMultiplier = 0.25
)

// Config holds the runtime settings for the mesh transport.
type Config struct {
	ListenAddress string
	// AdvertiseAddress is announced in the handshake so peers can persist a
	// dialable address. Defaults to the bound listen address.
	AdvertiseAddress string
	// Channel is the rendezvous name; peers on other channels are refused.
	Channel         string
	ClientVersion   string
	MaxPeers        int
	MaxInbound      int
	MaxOutbound     int
	Bootnodes       []string
	PersistentPeers []string
	// Seeds are DNS domains publishing bootstrap addresses as TXT records.
	Seeds            []string
	SeedResolver     seeds.Resolver
	PeerBanDuration  time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxMessageBytes  int
	RateMsgsPerSec   float64
	RateBurst        float64
	BanScore         int
	GreyScore        int
	HandshakeTimeout time.Duration
	DialBackoff      time.Duration
	MaxDialBackoff   time.Duration
	DrainTimeout     time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "127.0.0.1:0"
	}
	if strings.TrimSpace(cfg.Channel) == "" {
		cfg.Channel = "ghostswap"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "ghostswap/node"
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.MaxInbound <= 0 || cfg.MaxInbound > cfg.MaxPeers {
		cfg.MaxInbound = cfg.MaxPeers
	}
	if cfg.MaxOutbound <= 0 || cfg.MaxOutbound > cfg.MaxPeers {
		cfg.MaxOutbound = cfg.MaxPeers
	}
	if cfg.PeerBanDuration <= 0 {
		cfg.PeerBanDuration = defaultPeerBan
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageSize
	}
	if cfg.RateMsgsPerSec <= 0 {
		cfg.RateMsgsPerSec = defaultMsgRate
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultBurstRate
	}
	if cfg.BanScore <= 0 {
		cfg.BanScore = 100
	}
	if cfg.GreyScore <= 0 || cfg.GreyScore >= cfg.BanScore {
		cfg.GreyScore = cfg.BanScore / 2
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.DialBackoff <= 0 {
		cfg.DialBackoff = time.Second
	}
	if cfg.MaxDialBackoff <= 0 {
		cfg.MaxDialBackoff = maxDialBackoff
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	cfg.Bootnodes = uniqueStrings(cfg.Bootnodes)
	cfg.PersistentPeers = uniqueStrings(cfg.PersistentPeers)
	cfg.Seeds = uniqueStrings(cfg.Seeds)
	return cfg
}

// PeerInfo is the public view of a connected peer.
type PeerInfo struct {
	NodeID      string    `json:"nodeId"`
	Direction   string    `json:"dir"`
	Persistent  bool      `json:"persistent"`
	RemoteAddr  string    `json:"remoteAddr"`
	DialAddr    string    `json:"dialAddr,omitempty"`
	Version     string    `json:"version"`
	Score       int       `json:"score"`
	Greylisted  bool      `json:"greylisted"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Server maintains authenticated newline-framed links to every peer on the
// channel and hands inbound frames to the MessageHandler.
type Server struct {
	cfg      Config
	handler  MessageHandler
	identity *Identity
	topic    string
	logger   *slog.Logger

	now    func() time.Time
	dialFn func(ctx context.Context, addr string) (net.Conn, error)

	nonces     *nonceGuard
	reputation *ReputationManager
	metrics    *networkMetrics
	peerstore  *Peerstore

	globalLimit *rate.Limiter
	ipLimiter   *ipRateLimiter

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.RWMutex
	peers         map[string]*Peer
	byAddr        map[string]string
	inboundCount  int
	outboundCount int
	listener      net.Listener
	closed        bool

	dialMu      sync.Mutex
	backoff     map[string]time.Duration
	pendingDial map[string]struct{}
	persistent  map[string]struct{}
}

// NewServer builds a server for identity. Frames read from peers are passed to
// handler.
func NewServer(handler MessageHandler, identity *Identity, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("p2p: message handler required")
	}
	if identity == nil || identity.PrivateKey == nil {
		return nil, errors.New("p2p: identity required")
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:      cfg,
		handler:  handler,
		identity: identity,
		topic:    TopicDigest(cfg.Channel),
		logger:   slog.Default().With(slog.String("component", "p2p_server")),
		now:      time.Now,
		dialFn:   defaultDialer,
		nonces:   newNonceGuard(handshakeReplayWindow),
		reputation: NewReputationManager(ReputationConfig{
			GreyScore:   cfg.GreyScore,
			BanScore:    cfg.BanScore,
			BanDuration: cfg.PeerBanDuration,
		}),
		metrics:     newNetworkMetrics(),
		ipLimiter:   newIPRateLimiter(cfg.RateMsgsPerSec, cfg.RateBurst),
		ctx:         ctx,
		cancel:      cancel,
		peers:       make(map[string]*Peer),
		byAddr:      make(map[string]string),
		backoff:     make(map[string]time.Duration),
		pendingDial: make(map[string]struct{}),
		persistent:  make(map[string]struct{}),
	}
	s.globalLimit = newLimiter(cfg.RateMsgsPerSec*float64(cfg.MaxPeers), cfg.RateBurst*float64(cfg.MaxPeers))
	for _, addr := range cfg.Bootnodes {
		s.persistent[addr] = struct{}{}
	}
	for _, addr := range cfg.PersistentPeers {
		s.persistent[addr] = struct{}{}
	}
	return s, nil
}

// SetPeerstore attaches persistent dial metadata. Call before Start.
func (s *Server) SetPeerstore(store *Peerstore) {
	s.peerstore = store
}

func (s *Server) NodeID() string { return s.identity.NodeID }

// ListenAddr returns the bound address once Start has succeeded.
func (s *Server) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) advertisedAddr() string {
	if s.cfg.AdvertiseAddress != "" {
		return s.cfg.AdvertiseAddress
	}
	return s.ListenAddr()
}

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: defaultHandshakeTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

// Start binds the listener and begins accepting and dialling in the
// background. A bind failure is returned synchronously. Cancelling ctx stops
// new connections; Close drains the links.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("p2p listen %s: %w", s.cfg.ListenAddress, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.log().Info("P2P server listening",
		logging.MaskField("listen_address", ln.Addr().String()),
		logging.MaskField("node_id", s.identity.NodeID),
		slog.String("channel", s.cfg.Channel),
		slog.String("client_version", s.cfg.ClientVersion))

	go func() {
		select {
		case <-ctx.Done():
			s.stopAccepting()
		case <-s.ctx.Done():
		}
	}()
	go s.acceptLoop(ln)
	go s.startDialers(ctx)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.log().Warn("Accept failed", slog.Any("error", err))
			select {
			case <-time.After(50 * time.Millisecond):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		if !s.ipLimiter.allow(conn.RemoteAddr().String(), time.Now()) {
			s.metrics.recordDrop("accept_rate")
			conn.Close()
			continue
		}
		go s.handleInbound(conn)
	}
}

func (s *Server) handleInbound(conn net.Conn) {
	if err := s.initPeer(conn, true, false, ""); err != nil {
		s.log().Warn("Inbound connection rejected",
			logging.MaskField("peer_address", conn.RemoteAddr().String()),
			slog.Any("error", err))
		conn.Close()
	}
}

func (s *Server) initPeer(conn net.Conn, inbound, persistent bool, dialAddr string) (err error) {
	defer func() {
		if err != nil {
			s.metrics.recordHandshake("failure")
		} else {
			s.metrics.recordHandshake("success")
		}
	}()
	reader := bufio.NewReader(conn)
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	remote, err := s.performHandshake(ctx, conn, reader)
	if err != nil {
		return err
	}
	if remote.nodeID == s.identity.NodeID {
		return fmt.Errorf("self connection not allowed")
	}
	now := s.now()
	if s.reputation.IsBanned(remote.nodeID, now) {
		return fmt.Errorf("peer %s: %w", remote.nodeID, ErrPeerBanned)
	}
	if s.peerstore != nil && s.peerstore.IsBanned(remote.nodeID, now) {
		return fmt.Errorf("peer %s: %w", remote.nodeID, ErrPeerBanned)
	}

	addr := strings.TrimSpace(dialAddr)
	if addr == "" {
		addr = strings.TrimSpace(remote.ListenAddr)
	}
	s.rememberPeer(remote, addr, now)

	peer := newPeer(remote.nodeID, remote.ClientVersion, conn, reader, s, inbound, persistent, dialAddr)
	replaced, err := s.registerPeer(peer)
	if err != nil {
		return err
	}
	if replaced != nil {
		replaced.terminate(false, errDuplicateLink)
	}
	s.log().Info("Peer connected",
		logging.MaskField("peer_id", peer.id),
		logging.MaskField("peer_address", peer.remoteAddr),
		slog.String("client_version", remote.ClientVersion),
		slog.Bool("inbound", inbound))
	peer.start()
	return nil
}

func (s *Server) rememberPeer(remote *helloPacket, addr string, now time.Time) {
	if s.peerstore == nil || addr == "" {
		return
	}
	rec := PeerRecord{NodeID: remote.nodeID, Addr: addr, Version: remote.ClientVersion, LastSeen: now}
	if err := s.peerstore.Put(rec); err != nil {
		s.log().Warn("Failed to persist peer entry",
			logging.MaskField("peer_id", remote.nodeID),
			slog.Any("error", err))
		return
	}
	if err := s.peerstore.RecordSuccess(remote.nodeID, now); err != nil {
		s.log().Warn("Failed to record peer success",
			logging.MaskField("peer_id", remote.nodeID),
			slog.Any("error", err))
	}
}

// registerPeer admits peer. When both ends dialled each other the link opened
// by the lower node ID wins; the loser is returned for the caller to close.
func (s *Server) registerPeer(peer *Peer) (*Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServerClosed
	}
	var replaced *Peer
	if existing, exists := s.peers[peer.id]; exists {
		if !s.preferLink(peer, existing) {
			return nil, fmt.Errorf("peer %s: %w", peer.id, errDuplicateLink)
		}
		replaced = existing
		s.forgetLocked(existing)
	}
	if len(s.peers) >= s.cfg.MaxPeers {
		return nil, fmt.Errorf("maximum peers reached")
	}
	if peer.inbound && s.inboundCount >= s.cfg.MaxInbound {
		return nil, fmt.Errorf("maximum inbound peers reached")
	}
	if !peer.inbound && s.outboundCount >= s.cfg.MaxOutbound {
		return nil, fmt.Errorf("maximum outbound peers reached")
	}
	if peer.inbound {
		s.inboundCount++
	} else {
		s.outboundCount++
	}
	s.peers[peer.id] = peer
	if peer.dialAddr != "" {
		s.byAddr[peer.dialAddr] = peer.id
	}
	s.metrics.setPeers(len(s.peers))
	return replaced, nil
}

func (s *Server) preferLink(candidate, existing *Peer) bool {
	if candidate.inbound == existing.inbound {
		return false
	}
	dialer := func(p *Peer) string {
		if p.inbound {
			return p.id
		}
		return s.identity.NodeID
	}
	return dialer(candidate) < dialer(existing)
}

func (s *Server) forgetLocked(peer *Peer) {
	if current, ok := s.peers[peer.id]; !ok || current != peer {
		return
	}
	delete(s.peers, peer.id)
	if peer.inbound {
		s.inboundCount--
	} else {
		s.outboundCount--
	}
	if peer.dialAddr != "" {
		delete(s.byAddr, peer.dialAddr)
	}
}

func (s *Server) removePeer(peer *Peer, ban bool, reason error) {
	s.mu.Lock()
	s.forgetLocked(peer)
	_, stillLinked := s.peers[peer.id]
	count := len(s.peers)
	closing := s.closed
	s.mu.Unlock()

	s.metrics.setPeers(count)
	if !stillLinked {
		s.metrics.removePeer(peer.id)
	}

	if ban {
		s.applyBan(peer.id, peer.persistent)
		s.log().Warn("Peer disconnected and banned",
			logging.MaskField("peer_id", peer.id),
			logging.MaskField("peer_address", peer.remoteAddr),
			slog.Any("error", reason))
	} else {
		s.log().Info("Peer disconnected",
			logging.MaskField("peer_id", peer.id),
			logging.MaskField("peer_address", peer.remoteAddr),
			slog.Any("error", reason))
	}

	if peer.persistent && !peer.inbound && !closing {
		s.scheduleReconnect(peer.dialAddr)
	}
}

// Connect dials addr and completes the handshake.
func (s *Server) Connect(ctx context.Context, addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ErrDialTargetEmpty
	}
	if s.isConnectedToAddress(addr) {
		return nil
	}
	if s.ctx.Err() != nil {
		return ErrServerClosed
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := s.dialFn(dialCtx, addr)
	if err != nil {
		s.markDialFailure(addr)
		return err
	}
	if err := s.initPeer(conn, false, s.isPersistent(addr), addr); err != nil {
		conn.Close()
		if errors.Is(err, errDuplicateLink) {
			return nil
		}
		s.markDialFailure(addr)
		return fmt.Errorf("handshake with %s failed: %w", addr, err)
	}
	s.resetBackoff(addr)
	return nil
}

// Broadcast queues frame on every link except the one to except. A link whose
// queue is full or closed is dropped; the remaining peers still receive the
// frame and the failures are joined into the returned error.
func (s *Server) Broadcast(frame []byte, except string) error {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for id, peer := range s.peers {
		if id == except {
			continue
		}
		peers = append(peers, peer)
	}
	s.mu.RUnlock()

	var errs []error
	for _, peer := range peers {
		if err := peer.Enqueue(frame); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", peer.id, err))
			if errors.Is(err, errQueueFull) {
				s.metrics.recordDrop("queue_full")
				s.log().Warn("Peer send queue full",
					logging.MaskField("peer_id", peer.id))
				s.adjustScore(peer.id, slowPenaltyDelta)
			}
			peer.terminate(false, err)
		}
	}
	return errors.Join(errs...)
}

// Peers lists connected peers sorted by node ID.
func (s *Server) Peers() []PeerInfo {
	now := s.now()
	s.mu.RLock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, peer := range s.peers {
		status := s.reputation.Status(peer.id, now)
		out = append(out, PeerInfo{
			NodeID:      peer.id,
			Direction:   directionForPeer(peer),
			Persistent:  peer.persistent,
			RemoteAddr:  peer.remoteAddr,
			DialAddr:    peer.dialAddr,
			Version:     peer.version,
			Score:       status.Score,
			Greylisted:  status.Greylisted,
			ConnectedAt: peer.connectedAt,
		})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Disconnect closes the link to nodeID.
func (s *Server) Disconnect(nodeID string) error {
	s.mu.RLock()
	peer := s.peers[nodeID]
	s.mu.RUnlock()
	if peer == nil {
		return ErrPeerUnknown
	}
	peer.terminate(false, errors.New("disconnect requested"))
	return nil
}

// Close stops accepting, lets every link flush its queue and closes them. Links
// still open when ctx ends are closed immediately.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := make([]*Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		peers = append(peers, peer)
	}
	s.mu.Unlock()

	s.stopAccepting()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DrainTimeout)
		defer cancel()
	}
	for _, peer := range peers {
		peer.drain()
	}
	for _, peer := range peers {
		select {
		case <-peer.closed:
		case <-ctx.Done():
			peer.terminate(false, ErrServerClosed)
		}
	}
	s.log().Info("P2P server stopped", slog.Int("links", len(peers)))
	return nil
}

func (s *Server) stopAccepting() {
	s.cancel()
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		_ = ln.Close()
	}
}

func (s *Server) recordValidMessage(peer *Peer) {
	s.metrics.recordFrame("in", "ok")
	status := s.reputation.MarkUseful(peer.id, s.now())
	s.metrics.observeScore(peer.id, status)
	s.applyGreylist(peer, status)
}

// handleNoise charges the sender for a frame the handler rejected. It reports
// whether the link was closed as a result.
func (s *Server) handleNoise(peer *Peer, err error) bool {
	s.metrics.recordFrame("in", "noise")
	status := s.reputation.PenalizeMalformed(peer.id, s.now(), peer.persistent)
	s.metrics.observeScore(peer.id, status)
	s.log().Debug("Dropped malformed frame",
		logging.MaskField("peer_id", peer.id),
		slog.Int("score", status.Score),
		slog.Any("error", err))
	if status.Banned {
		s.metrics.recordDrop("banned")
		peer.terminate(true, fmt.Errorf("too many malformed frames: %w", err))
		return true
	}
	s.applyGreylist(peer, status)
	return false
}

func (s *Server) handleProtocolViolation(peer *Peer, err error) {
	status := s.adjustScore(peer.id, malformedMessagePenaltyDelta)
	s.metrics.recordDrop("protocol")
	s.log().Warn("Protocol violation",
		logging.MaskField("peer_id", peer.id),
		slog.Any("error", err),
		slog.Int("score", status.Score),
		slog.Bool("banned", status.Banned))
	peer.terminate(status.Banned, err)
}

func (s *Server) handleRateLimit(peer *Peer, global bool) {
	if global {
		s.metrics.recordDrop("global_rate")
		s.log().Warn("Global rate cap exceeded",
			logging.MaskField("peer_id", peer.id))
		peer.terminate(false, fmt.Errorf("global rate cap exceeded"))
		return
	}
	status := s.reputation.PenalizeSpam(peer.id, s.now(), peer.persistent)
	s.metrics.observeScore(peer.id, status)
	s.metrics.recordDrop("rate")
	s.log().Warn("Peer exceeded rate limit",
		logging.MaskField("peer_id", peer.id),
		slog.Int("score", status.Score))
	peer.terminate(status.Banned, fmt.Errorf("peer rate limit exceeded"))
}

func (s *Server) adjustScore(id string, delta int) ReputationStatus {
	status := s.reputation.Adjust(id, delta, s.now(), s.isPersistentPeer(id))
	s.metrics.observeScore(id, status)
	return status
}

func (s *Server) applyGreylist(peer *Peer, status ReputationStatus) {
	if peer.limiter == nil {
		return
	}
	limit := rate.Limit(s.cfg.RateMsgsPerSec)
	if status.Greylisted {
		limit = rate.Limit(s.cfg.RateMsgsPerSec * greylistRateMultiplier)
	}
	if peer.limiter.Limit() != limit {
		peer.limiter.SetLimit(limit)
	}
}

func (s *Server) applyBan(id string, persistent bool) {
	if persistent {
		return
	}
	now := s.now()
	until := now.Add(s.cfg.PeerBanDuration)
	s.reputation.SetBan(id, until, now)
	if s.peerstore != nil {
		if err := s.peerstore.SetBan(id, until); err != nil && !errors.Is(err, errPeerstoreClosed) {
			s.log().Debug("Peer ban not persisted",
				logging.MaskField("peer_id", id),
				slog.Any("error", err))
		}
	}
}

func (s *Server) isPersistentPeer(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer := s.peers[id]
	return peer != nil && peer.persistent
}

func directionForPeer(peer *Peer) string {
	if peer.inbound {
		return "inbound"
	}
	return "outbound"
}

func uniqueStrings(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{})
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default().With(slog.String("component", "p2p_server"))
	}
	return s.logger
}
