package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/Klingon-tech/forkwallet/internal/wallet"
)

func walletCommand() *cli.Command {
	return &cli.Command{
		Name:  "wallet",
		Usage: "create, import and inspect wallets",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "create a wallet from a new mnemonic",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "wallet name", Required: true},
				},
				Action: cmdWalletCreate,
			},
			{
				Name:  "import",
				Usage: "restore a wallet from its mnemonic",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "wallet name", Required: true},
					&cli.StringFlag{Name: "mnemonic", Usage: "BIP-39 phrase (prompted when omitted)"},
					&cli.StringFlag{Name: "passphrase", Usage: "optional BIP-39 passphrase"},
				},
				Action: cmdWalletImport,
			},
			{
				Name:   "list",
				Usage:  "list local wallets",
				Action: cmdWalletList,
			},
			{
				Name:  "address",
				Usage: "show the receive address",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "fresh", Usage: "derive a new, unused receive address"},
					&cli.BoolFlag{Name: "all", Usage: "list every watched address"},
				},
				Action: cmdWalletAddress,
			},
		},
	}
}

func cmdWalletCreate(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	password, err := readNewPassword()
	if err != nil {
		return err
	}
	rec, mnemonic, err := e.session.CreateWallet(c.String("name"), password)
	clear(password)
	if err != nil {
		return err
	}

	fmt.Println("Mnemonic (write this down!):")
	fmt.Printf("  %s\n\n", mnemonic)
	fmt.Printf("Wallet:  %s\n", rec.Name)
	fmt.Printf("Address: %s\n", rec.Address)
	return nil
}

func cmdWalletImport(c *cli.Context) error {
	mnemonic := c.String("mnemonic")
	if mnemonic == "" {
		fmt.Fprint(os.Stderr, "Mnemonic: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read mnemonic: %w", err)
		}
		mnemonic = line
	}
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !wallet.ValidateMnemonic(mnemonic) {
		return fmt.Errorf("invalid mnemonic")
	}

	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	password, err := readNewPassword()
	if err != nil {
		return err
	}
	rec, err := e.session.ImportWallet(c.String("name"), mnemonic, c.String("passphrase"), password)
	clear(password)
	if err != nil {
		return err
	}
	fmt.Printf("Wallet:  %s\n", rec.Name)
	fmt.Printf("Address: %s\n", rec.Address)
	return nil
}

func cmdWalletList(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	wallets, err := e.session.Wallets()
	if err != nil {
		return err
	}
	if len(wallets) == 0 {
		fmt.Println("No wallets. Create one with: forkwallet wallet create --name <name>")
		return nil
	}
	active, _ := e.store.ActiveWallet()
	for _, w := range wallets {
		marker := " "
		if w.Name == active {
			marker = "*"
		}
		fmt.Printf("%s %-16s %s  (%s)\n", marker, w.Name, w.Address, w.Network)
	}
	return nil
}

func cmdWalletAddress(c *cli.Context) error {
	return withWallet(c, func(ctx context.Context, e *env) error {
		if c.Bool("all") {
			addrs, err := e.session.Addresses()
			if err != nil {
				return err
			}
			for _, a := range addrs {
				fmt.Println(a)
			}
			return nil
		}
		addr, err := e.session.ReceiveAddress(ctx, c.Bool("fresh"))
		if addr != "" {
			fmt.Println(addr)
		}
		return err
	})
}
