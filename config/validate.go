package config

import (
	"fmt"

	"github.com/multiformats/go-multiaddr"
)

// Validate checks runtime config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if len(cfg.Servers) == 0 {
		return fmt.Errorf("servers must list at least one indexing server")
	}
	if err := validateServers(cfg.Servers); err != nil {
		return err
	}

	p := cfg.Protocol
	if p.RequestTimeout <= 0 {
		return fmt.Errorf("protocol.timeout must be positive")
	}
	if p.PollInterval <= 0 {
		return fmt.Errorf("protocol.poll_interval must be positive")
	}
	if p.ReconnectAttempts < 0 {
		return fmt.Errorf("protocol.reconnect_attempts must not be negative")
	}
	if p.BackoffInitial <= 0 || p.BackoffMax < p.BackoffInitial {
		return fmt.Errorf("protocol.backoff_initial must be positive and not exceed protocol.backoff_max")
	}

	w := cfg.Wallet
	if w.Name == "" {
		return fmt.Errorf("wallet.name is empty")
	}
	if w.GapLimit == 0 {
		return fmt.Errorf("wallet.gap_limit must be positive")
	}
	if w.MinConfirmations < 0 {
		return fmt.Errorf("wallet.min_confirmations must not be negative")
	}
	switch w.FeeMode {
	case FeeFlat, FeeSized:
	default:
		return fmt.Errorf("wallet.fee_mode must be %q or %q", FeeFlat, FeeSized)
	}
	switch w.Strategy {
	case "auto", "best_fit", "oldest_first", "consolidate_dust":
	default:
		return fmt.Errorf("wallet.strategy must be auto, best_fit, oldest_first, or consolidate_dust")
	}
	if w.MaxInputs <= 0 {
		return fmt.Errorf("wallet.max_inputs must be positive")
	}
	return nil
}

func validateServers(servers []string) error {
	seen := make(map[string]struct{}, len(servers))
	for i, s := range servers {
		if _, err := multiaddr.NewMultiaddr(s); err != nil {
			return fmt.Errorf("servers[%d] %q is not a valid multiaddr: %w", i, s, err)
		}
		if _, ok := seen[s]; ok {
			return fmt.Errorf("servers has duplicate entry %q", s)
		}
		seen[s] = struct{}{}
	}
	return nil
}
