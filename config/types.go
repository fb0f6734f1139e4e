package config

import "time"

// P2P configures the mesh transport.
type P2P struct {
	ListenAddress    string        `toml:"ListenAddress" yaml:"listenAddress"`
	AdvertiseAddress string        `toml:"AdvertiseAddress" yaml:"advertiseAddress"`
	MaxPeers         int           `toml:"MaxPeers" yaml:"maxPeers"`
	MaxInbound       int           `toml:"MaxInbound" yaml:"maxInbound"`
	MaxOutbound      int           `toml:"MaxOutbound" yaml:"maxOutbound"`
	Bootnodes        []string      `toml:"Bootnodes" yaml:"bootnodes"`
	PersistentPeers  []string      `toml:"PersistentPeers" yaml:"persistentPeers"`
	Seeds            []string      `toml:"Seeds" yaml:"seeds"`
	SeedNameserver   string        `toml:"SeedNameserver" yaml:"seedNameserver"`
	PeerstoreDir     string        `toml:"PeerstoreDir" yaml:"peerstoreDir"`
	PeerBanDuration  time.Duration `toml:"PeerBanDuration" yaml:"peerBanDuration"`
	ReadTimeout      time.Duration `toml:"ReadTimeout" yaml:"readTimeout"`
	WriteTimeout     time.Duration `toml:"WriteTimeout" yaml:"writeTimeout"`
	PingInterval     time.Duration `toml:"PingInterval" yaml:"pingInterval"`
	HandshakeTimeout time.Duration `toml:"HandshakeTimeout" yaml:"handshakeTimeout"`
	DrainTimeout     time.Duration `toml:"DrainTimeout" yaml:"drainTimeout"`
	MaxMessageBytes  int           `toml:"MaxMessageBytes" yaml:"maxMessageBytes"`
	RateMsgsPerSec   float64       `toml:"RateMsgsPerSec" yaml:"rateMsgsPerSec"`
	RateBurst        float64       `toml:"RateBurst" yaml:"rateBurst"`
	BanScore         int           `toml:"BanScore" yaml:"banScore"`
	GreyScore        int           `toml:"GreyScore" yaml:"greyScore"`
}

// Engine tunes intent lifetime and matching scope.
type Engine struct {
	IntentTTL     time.Duration `toml:"IntentTTL" yaml:"intentTTL"`
	SweepInterval time.Duration `toml:"SweepInterval" yaml:"sweepInterval"`
	// Discovery matches against every peer's open intents, not just our own.
	Discovery bool `toml:"Discovery" yaml:"discovery"`
	Relay     bool `toml:"Relay" yaml:"relay"`
}

type Ledger struct {
	Path string `toml:"Path" yaml:"path"`
}

// History selects the event log backend. DSNs starting with postgres:// use
// Postgres; anything else is a SQLite file.
type History struct {
	DSN       string `toml:"DSN" yaml:"dsn"`
	MaxEvents int    `toml:"MaxEvents" yaml:"maxEvents"`
}

// API configures the HTTP command surface. Mutating routes require an HS256
// bearer token when a secret is configured.
type API struct {
	Enabled       bool          `toml:"Enabled" yaml:"enabled"`
	ListenAddress string        `toml:"ListenAddress" yaml:"listenAddress"`
	JWTSecret     string        `toml:"JWTSecret" yaml:"jwtSecret"`
	JWTSecretEnv  string        `toml:"JWTSecretEnv" yaml:"jwtSecretEnv"`
	JWTIssuer     string        `toml:"JWTIssuer" yaml:"jwtIssuer"`
	JWTAudience   string        `toml:"JWTAudience" yaml:"jwtAudience"`
	RatePerSecond float64       `toml:"RatePerSecond" yaml:"ratePerSecond"`
	RateBurst     int           `toml:"RateBurst" yaml:"rateBurst"`
	ReadTimeout   time.Duration `toml:"ReadTimeout" yaml:"readTimeout"`
	WriteTimeout  time.Duration `toml:"WriteTimeout" yaml:"writeTimeout"`
}

type Telemetry struct {
	Endpoint string            `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool              `toml:"Insecure" yaml:"insecure"`
	Headers  map[string]string `toml:"Headers" yaml:"headers"`
	Metrics  bool              `toml:"Metrics" yaml:"metrics"`
	Traces   bool              `toml:"Traces" yaml:"traces"`
}

type Logging struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
	// Reveal logs peer identifiers and addresses unmasked.
	Reveal bool `toml:"Reveal" yaml:"reveal"`
}
