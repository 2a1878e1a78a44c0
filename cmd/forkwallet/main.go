// forkwallet is a non-custodial command-line wallet for a BCH-style
// chain. It talks to Electrum-protocol indexing servers and never holds
// keys outside the local encrypted keystore.
//
// Usage:
//
//	forkwallet [global flags] wallet create --name <n>
//	forkwallet [global flags] balance
//	forkwallet [global flags] send --to <addr> --amount <amt>
//	forkwallet --help
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/Klingon-tech/forkwallet/config"
	"github.com/Klingon-tech/forkwallet/internal/log"
)

func main() {
	app := &cli.App{
		Name:                 "forkwallet",
		Usage:                "non-custodial wallet for Electrum-indexed BCH-style chains",
		Flags:                config.Flags(),
		EnableBashCompletion: true,
		Before:               setup,
		Commands: []*cli.Command{
			walletCommand(),
			balanceCommand(),
			historyCommand(),
			sendCommand(),
			consolidateCommand(),
			cleanupCommand(),
			signMessageCommand(),
			verifyMessageCommand(),
			watchCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration and initializes logging before any command
// runs. The loaded config is kept in the app metadata.
func setup(c *cli.Context) error {
	cfg, err := config.Load(c)
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	if c.App.Metadata == nil {
		c.App.Metadata = make(map[string]interface{})
	}
	c.App.Metadata["config"] = cfg
	return nil
}

func loadedConfig(c *cli.Context) *config.Config {
	cfg, _ := c.App.Metadata["config"].(*config.Config)
	return cfg
}
