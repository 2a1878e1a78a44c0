package config

import "time"

// DefaultMainnet returns the default client configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Servers: append([]string(nil), MainnetParams.DefaultServers...),
		Protocol: ProtocolConfig{
			RequestTimeout:    30 * time.Second,
			PollInterval:      30 * time.Second,
			ReconnectAttempts: 5,
			BackoffInitial:    time.Second,
			BackoffMax:        30 * time.Second,
			PingInterval:      60 * time.Second,
		},
		Wallet: WalletConfig{
			Name:             "default",
			GapLimit:         20,
			MinConfirmations: 1,
			AllowUnconfirmed: false,
			Fee:              1000,
			FeeMode:          FeeFlat,
			Strategy:         "auto",
			MaxInputs:        500,
			ReserveInFlight:  true,
			ReserveTTL:       10 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default client configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Servers = append([]string(nil), TestnetParams.DefaultServers...)
	cfg.Wallet.MinConfirmations = 0
	cfg.Wallet.AllowUnconfirmed = true
	return cfg
}

// Default returns the default client configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
