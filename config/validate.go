package config

import (
	"fmt"
	"net"
	"strings"
)

// Validate rejects settings the node cannot run with.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Channel == "" {
		return fmt.Errorf("channel must not be empty")
	}
	if strings.ContainsAny(cfg.Channel, " \t\n:") {
		return fmt.Errorf("channel %q must not contain whitespace or ':'", cfg.Channel)
	}
	if err := validateHostPort("p2p.ListenAddress", cfg.P2P.ListenAddress); err != nil {
		return err
	}
	for i, addr := range append(append([]string{}, cfg.P2P.Bootnodes...), cfg.P2P.PersistentPeers...) {
		if err := validateHostPort(fmt.Sprintf("p2p peer #%d", i+1), addr); err != nil {
			return err
		}
	}
	if cfg.P2P.SeedNameserver != "" {
		if err := validateHostPort("p2p.SeedNameserver", cfg.P2P.SeedNameserver); err != nil {
			return err
		}
	}
	if cfg.P2P.MaxPeers <= 0 {
		return fmt.Errorf("p2p.MaxPeers must be positive")
	}
	if cfg.P2P.GreyScore >= cfg.P2P.BanScore {
		return fmt.Errorf("p2p.GreyScore (%d) must be below p2p.BanScore (%d)", cfg.P2P.GreyScore, cfg.P2P.BanScore)
	}
	if cfg.P2P.PingInterval > 0 && cfg.P2P.ReadTimeout > 0 && cfg.P2P.ReadTimeout <= cfg.P2P.PingInterval {
		return fmt.Errorf("p2p.ReadTimeout must exceed p2p.PingInterval")
	}
	if cfg.Engine.IntentTTL <= 0 {
		return fmt.Errorf("engine.IntentTTL must be positive")
	}
	if cfg.Engine.SweepInterval <= 0 {
		return fmt.Errorf("engine.SweepInterval must be positive")
	}
	if cfg.History.MaxEvents < 0 {
		return fmt.Errorf("history.MaxEvents must not be negative")
	}
	if cfg.API.Enabled {
		if err := validateHostPort("api.ListenAddress", cfg.API.ListenAddress); err != nil {
			return err
		}
		if cfg.API.RatePerSecond < 0 || cfg.API.RateBurst < 0 {
			return fmt.Errorf("api rate limits must not be negative")
		}
		if strings.TrimSpace(cfg.API.JWTSecret) == "" && !isLoopback(cfg.API.ListenAddress) {
			return fmt.Errorf("api.ListenAddress %q is not loopback; set api.JWTSecret or %s", cfg.API.ListenAddress, cfg.API.JWTSecretEnv)
		}
	}
	return nil
}

// isLoopback reports whether addr binds only the local host. An empty host
// listens on every interface.
func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validateHostPort(field, value string) error {
	if _, _, err := net.SplitHostPort(strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("%s: invalid address %q: %w", field, value, err)
	}
	return nil
}
