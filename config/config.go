package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the node configuration file.
type Config struct {
	// Channel names the rendezvous topic; only peers on the same channel link.
	Channel      string `toml:"Channel" yaml:"channel"`
	DataDir      string `toml:"DataDir" yaml:"dataDir"`
	Env          string `toml:"Env" yaml:"env"`
	IdentityFile string `toml:"IdentityFile" yaml:"identityFile"`

	P2P       P2P       `toml:"p2p" yaml:"p2p"`
	Engine    Engine    `toml:"engine" yaml:"engine"`
	Ledger    Ledger    `toml:"ledger" yaml:"ledger"`
	History   History   `toml:"history" yaml:"history"`
	API       API       `toml:"api" yaml:"api"`
	Telemetry Telemetry `toml:"telemetry" yaml:"telemetry"`
	Logging   Logging   `toml:"logging" yaml:"logging"`
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	return &Config{
		Channel: "ghostswap",
		DataDir: "./ghostswap-data",
		Env:     "dev",
		P2P: P2P{
			ListenAddress:    "0.0.0.0:4100",
			MaxPeers:         32,
			MaxInbound:       24,
			MaxOutbound:      16,
			Bootnodes:        []string{},
			PersistentPeers:  []string{},
			Seeds:            []string{},
			PeerBanDuration:  15 * time.Minute,
			ReadTimeout:      90 * time.Second,
			WriteTimeout:     5 * time.Second,
			PingInterval:     30 * time.Second,
			HandshakeTimeout: 5 * time.Second,
			DrainTimeout:     2 * time.Second,
			MaxMessageBytes:  64 << 10,
			RateMsgsPerSec:   32,
			RateBurst:        128,
			BanScore:         100,
			GreyScore:        50,
		},
		Engine: Engine{
			IntentTTL:     600 * time.Second,
			SweepInterval: 30 * time.Second,
			Relay:         true,
		},
		History: History{MaxEvents: 10000},
		API: API{
			Enabled:       true,
			ListenAddress: "127.0.0.1:8480",
			JWTSecretEnv:  "GHOSTSWAP_API_SECRET",
			RatePerSecond: 20,
			RateBurst:     40,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
		},
		Telemetry: Telemetry{Endpoint: "localhost:4318", Insecure: true},
		Logging: Logging{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// Load reads the configuration at path, creating a default file when none
// exists. Files ending in .yaml or .yml are YAML; everything else is TOML.
// Fields absent from the file keep their default values.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path required")
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return createDefault(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if isYAML(path) {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	} else {
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// createDefault persists Default at path and returns it resolved.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	cfg.resolve()
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// resolve fills storage locations under DataDir and reads secrets from the
// environment.
func (cfg *Config) resolve() {
	cfg.Channel = strings.TrimSpace(cfg.Channel)
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "."
	}
	under := func(value, name string) string {
		value = strings.TrimSpace(value)
		if value == "" {
			return filepath.Join(cfg.DataDir, name)
		}
		return value
	}
	cfg.IdentityFile = under(cfg.IdentityFile, "node-key.json")
	cfg.Ledger.Path = under(cfg.Ledger.Path, "reputation.db")
	cfg.P2P.PeerstoreDir = under(cfg.P2P.PeerstoreDir, "peerstore")
	if strings.TrimSpace(cfg.History.DSN) == "" {
		cfg.History.DSN = filepath.Join(cfg.DataDir, "history.db")
	}
	if cfg.API.JWTSecret == "" && cfg.API.JWTSecretEnv != "" {
		cfg.API.JWTSecret = strings.TrimSpace(os.Getenv(cfg.API.JWTSecretEnv))
	}
	if cfg.P2P.Bootnodes == nil {
		cfg.P2P.Bootnodes = []string{}
	}
	if cfg.P2P.PersistentPeers == nil {
		cfg.P2P.PersistentPeers = []string{}
	}
}
