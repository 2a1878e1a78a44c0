package config

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Denomination constants. 1 coin = 10^8 base units.
const (
	Decimals = 8
	Coin     = 100_000_000
)

// SigHashForkID is the replay-protection bit OR'd into every sighash type.
const SigHashForkID txscript.SigHashType = 0x40

// SigHashAllForkID is the hash type appended to every signature (0x41).
const SigHashAllForkID = txscript.SigHashAll | SigHashForkID

// Network bundles the fixed parameters of a network.
type Network struct {
	Name NetworkType

	// Chain supplies address version bytes for the btcutil codec. It is a
	// private copy and is never registered with chaincfg.
	Chain *chaincfg.Params

	// MessageMagic prefixes signed messages.
	MessageMagic string

	// CoinType is the BIP-44 coin type used in derivation paths.
	CoinType uint32

	// HashType is appended to every input signature.
	HashType txscript.SigHashType

	// DustThreshold is the smallest output value relayed by the network.
	DustThreshold uint64

	// DefaultServers are indexing servers in multiaddr form.
	DefaultServers []string
}

func chainParams(base chaincfg.Params, name string) *chaincfg.Params {
	p := base
	p.Name = name
	return &p
}

// MainnetParams are the mainnet parameters.
var MainnetParams = &Network{
	Name:          Mainnet,
	Chain:         chainParams(chaincfg.MainNetParams, "forkmain"),
	MessageMagic:  "Bitcoin Signed Message:\n",
	CoinType:      145,
	HashType:      SigHashAllForkID,
	DustThreshold: 546,
	DefaultServers: []string{
		"/dns4/bch.imaginary.cash/tcp/50002/tls",
		"/dns4/electroncash.de/tcp/50002/tls",
		"/dns4/bch.loping.net/tcp/50002/tls",
		"/dns4/bch.imaginary.cash/tcp/50004/wss",
	},
}

// TestnetParams are the testnet parameters.
var TestnetParams = &Network{
	Name:          Testnet,
	Chain:         chainParams(chaincfg.TestNet3Params, "forktest"),
	MessageMagic:  "Bitcoin Signed Message:\n",
	CoinType:      1,
	HashType:      SigHashAllForkID,
	DustThreshold: 546,
	DefaultServers: []string{
		"/dns4/testnet.imaginary.cash/tcp/50002/tls",
		"/dns4/blackie.c3-soft.com/tcp/60002/tls",
	},
}

// NetworkParams returns the parameters for network, defaulting to mainnet.
func NetworkParams(network NetworkType) *Network {
	if network == Testnet {
		return TestnetParams
	}
	return MainnetParams
}
