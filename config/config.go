// Package config loads forkwallet settings.
//
// Network parameters (address encoding, message magic, sighash fork bit,
// default servers) are compiled in per network. Client settings come from
// defaults, then forkwallet.conf, then command-line flags, each layer
// overriding the one before. The conf struct tags name the file keys.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config holds client runtime configuration.
type Config struct {
	Network NetworkType `conf:"network"`
	DataDir string

	// Indexing servers as multiaddrs, tried in order on failover.
	Servers []string `conf:"servers"`

	Protocol ProtocolConfig
	Wallet   WalletConfig
	Log      LogConfig
}

// ProtocolConfig holds indexing-server connection settings.
type ProtocolConfig struct {
	RequestTimeout    time.Duration `conf:"protocol.timeout"`
	PollInterval      time.Duration `conf:"protocol.poll_interval"`
	ReconnectAttempts int           `conf:"protocol.reconnect_attempts"`
	BackoffInitial    time.Duration `conf:"protocol.backoff_initial"`
	BackoffMax        time.Duration `conf:"protocol.backoff_max"`
	PingInterval      time.Duration `conf:"protocol.ping_interval"`
}

// FeeMode selects how the coin selector prices a transaction.
type FeeMode string

const (
	FeeFlat  FeeMode = "flat"  // wallet.fee is the absolute fee
	FeeSized FeeMode = "sized" // wallet.fee is a rate per estimated byte
)

// WalletConfig holds wallet settings.
type WalletConfig struct {
	Name             string  `conf:"wallet.name"`
	GapLimit         uint32  `conf:"wallet.gap_limit"`
	MinConfirmations int     `conf:"wallet.min_confirmations"`
	AllowUnconfirmed bool    `conf:"wallet.allow_unconfirmed"`
	Fee              uint64  `conf:"wallet.fee"`
	FeeMode          FeeMode `conf:"wallet.fee_mode,lower"`
	Strategy         string  `conf:"wallet.strategy,lower"`
	MaxInputs        int     `conf:"wallet.max_inputs"`
	// ReserveInFlight keeps UTXOs spent by a pending send out of
	// concurrent selections for ReserveTTL.
	ReserveInFlight bool          `conf:"wallet.reserve_inflight"`
	ReserveTTL      time.Duration `conf:"wallet.reserve_ttl"`
}

type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.forkwallet
//	macOS:   ~/Library/Application Support/Forkwallet
//	Windows: %APPDATA%\Forkwallet
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".forkwallet"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Forkwallet")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Forkwallet")
		}
		return filepath.Join(home, "AppData", "Roaming", "Forkwallet")
	default:
		return filepath.Join(home, ".forkwallet")
	}
}

// NetworkDataDir is DataDir/<network>. Mainnet and testnet wallets never
// share a database.
func (c *Config) NetworkDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

func (c *Config) StoreDir() string { return filepath.Join(c.NetworkDataDir(), "store") }

func (c *Config) ConfigFile() string { return filepath.Join(c.DataDir, "forkwallet.conf") }

// Params returns the compiled-in parameters of the configured network.
func (c *Config) Params() *Network {
	return NetworkParams(c.Network)
}
