package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
)

// Global flag names.
const (
	FlagNetwork  = "network"
	FlagTestnet  = "testnet"
	FlagDataDir  = "datadir"
	FlagConfig   = "config"
	FlagServers  = "servers"
	FlagWallet   = "wallet"
	FlagFee      = "fee"
	FlagFeeMode  = "fee-mode"
	FlagStrategy = "strategy"
	FlagLogLevel = "log-level"
	FlagLogFile  = "log-file"
	FlagLogJSON  = "log-json"
)

// flagKeys maps flags that override a config file key onto that key.
var flagKeys = map[string]string{
	FlagServers:  "servers",
	FlagWallet:   "wallet.name",
	FlagFee:      "wallet.fee",
	FlagFeeMode:  "wallet.fee_mode",
	FlagStrategy: "wallet.strategy",
	FlagLogLevel: "log.level",
	FlagLogFile:  "log.file",
	FlagLogJSON:  "log.json",
}

// Flags returns the global command-line flags.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: FlagNetwork, Usage: "mainnet or testnet", EnvVars: []string{"FORKWALLET_NETWORK"}},
		&cli.BoolFlag{Name: FlagTestnet, Usage: "same as --network=testnet"},
		&cli.StringFlag{Name: FlagDataDir, Usage: "data directory (default: ~/.forkwallet)", EnvVars: []string{"FORKWALLET_DATADIR"}},
		&cli.StringFlag{Name: FlagConfig, Aliases: []string{"c"}, Usage: "config file (default: <datadir>/forkwallet.conf)"},
		&cli.StringFlag{Name: FlagServers, Usage: "comma-separated server multiaddrs"},
		&cli.StringFlag{Name: FlagWallet, Aliases: []string{"w"}, Usage: "wallet name"},
		&cli.Uint64Flag{Name: FlagFee, Usage: "absolute fee (flat) or satoshis per byte (sized)"},
		&cli.StringFlag{Name: FlagFeeMode, Usage: "flat or sized"},
		&cli.StringFlag{Name: FlagStrategy, Usage: "auto, best_fit, oldest_first or consolidate_dust"},
		&cli.StringFlag{Name: FlagLogLevel, Usage: "debug, info, warn or error"},
		&cli.StringFlag{Name: FlagLogFile, Usage: "also append JSON logs to this file"},
		&cli.BoolFlag{Name: FlagLogJSON, Usage: "log JSON instead of text"},
	}
}

// flagOverrides collects the explicitly set flags as config file keys.
func flagOverrides(c *cli.Context) map[string]string {
	out := make(map[string]string)
	for flag, key := range flagKeys {
		if c.IsSet(flag) {
			out[key] = fmt.Sprint(c.Value(flag))
		}
	}
	return out
}

func networkFromFlags(c *cli.Context) NetworkType {
	if c.Bool(FlagTestnet) || strings.EqualFold(c.String(FlagNetwork), string(Testnet)) {
		return Testnet
	}
	return Mainnet
}

// Load builds the configuration from defaults, the config file and the
// command-line flags, in that order. The network always comes from the
// flags so that a config file cannot switch it.
func Load(c *cli.Context) (*Config, error) {
	return load(networkFromFlags(c), c.String(FlagDataDir), c.String(FlagConfig), flagOverrides(c))
}

// LoadFromFile is Load without command-line flags.
func LoadFromFile(dataDir string, network NetworkType) (*Config, error) {
	return load(network, dataDir, "", nil)
}

func load(network NetworkType, dataDir, path string, overrides map[string]string) (*Config, error) {
	cfg := Default(network)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	dataDir = cfg.DataDir
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, err
	}
	if path == "" {
		path = cfg.ConfigFile()
	}
	values, err := LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := ApplyFileConfig(cfg, values); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, overrides); err != nil {
		return nil, fmt.Errorf("flags: %w", err)
	}
	cfg.Network, cfg.DataDir = network, dataDir
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// EnsureDataDirs creates the data and store directories and, on first
// run, a commented default config file.
func EnsureDataDirs(cfg *Config) error {
	for _, dir := range []string{cfg.DataDir, cfg.NetworkDataDir(), cfg.StoreDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	path := cfg.ConfigFile()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := WriteDefaultConfig(path, cfg.Network); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
	}
	return nil
}
