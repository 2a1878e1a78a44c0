package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Klingon-tech/forkwallet/config"
	"github.com/Klingon-tech/forkwallet/internal/balance"
	"github.com/Klingon-tech/forkwallet/internal/electrum"
	"github.com/Klingon-tech/forkwallet/internal/log"
	"github.com/Klingon-tech/forkwallet/internal/session"
	"github.com/Klingon-tech/forkwallet/internal/store"
	"github.com/Klingon-tech/forkwallet/internal/txbuilder"
	"github.com/Klingon-tech/forkwallet/internal/wallet"
)

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:  "balance",
		Usage: "show the wallet balance",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON"},
		},
		Action: func(c *cli.Context) error {
			return withWallet(c, func(ctx context.Context, e *env) error {
				bal, err := e.session.Balance(ctx)
				if err != nil {
					return err
				}
				if c.Bool("json") {
					return printJSON(bal.Entry)
				}
				printBalance(bal)
				return nil
			})
		},
	}
}

func printBalance(bal balance.Result) {
	if !bal.Known {
		fmt.Println("Balance:     unknown (server unreachable, nothing cached)")
		return
	}
	fmt.Printf("Confirmed:   %s\n", formatAmount(bal.Confirmed))
	fmt.Printf("Unconfirmed: %s\n", formatAmount(bal.Unconfirmed))
	fmt.Printf("Total:       %s\n", formatAmount(bal.Total()))
	switch {
	case bal.Stale:
		fmt.Printf("(cached %s, server error: %v)\n", bal.UpdatedAt.Format(time.RFC3339), bal.FetchErr)
	case bal.Optimistic:
		fmt.Println("(includes pending sends)")
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "show transaction history",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Usage: "wallet address (default: primary)"},
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "records per page"},
			&cli.IntFlag{Name: "offset", Usage: "records to skip"},
			&cli.BoolFlag{Name: "refresh", Usage: "sync with the server first"},
			&cli.BoolFlag{Name: "rebuild", Usage: "drop stored history and sync it again"},
			&cli.BoolFlag{Name: "json", Usage: "print JSON"},
		},
		Action: func(c *cli.Context) error {
			return withWallet(c, func(ctx context.Context, e *env) error {
				switch {
				case c.Bool("rebuild"):
					n, err := e.session.Rebuild(ctx)
					if err != nil {
						return fmt.Errorf("rebuild: %w", err)
					}
					fmt.Printf("Dropped %d record(s) and re-synced\n", n)
					if err := e.db.Compact(); err != nil {
						log.Storage.Warn().Err(err).Msg("Value log GC failed")
					}
				case c.Bool("refresh"):
					if err := e.session.Refresh(ctx); err != nil {
						fmt.Printf("Warning: refresh failed: %v\n", err)
					}
				}
				recs, total, err := e.session.History(c.String("address"), c.Int("limit"), c.Int("offset"))
				if err != nil {
					return err
				}
				if c.Bool("json") {
					return printJSON(recs)
				}
				printHistory(recs, total, c.Int("offset"))
				return nil
			})
		},
	}
}

func printHistory(recs []store.TxRecord, total, offset int) {
	if total == 0 {
		fmt.Println("No transactions.")
		return
	}
	for _, r := range recs {
		amount := r.Amount
		if r.Type == store.TxSend {
			amount = -amount
		}
		conf := "pending"
		if r.Confirmations > 0 {
			conf = fmt.Sprintf("%d conf", r.Confirmations)
		}
		fmt.Printf("%s  %-7s %18s  %-10s %s  %s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04"),
			r.Type, formatAmount(amount), conf, shortID(r.TxID), r.Counterparty)
	}
	fmt.Printf("\nShowing %d-%d of %d\n", offset+1, offset+len(recs), total)
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "send coins",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "to", Usage: "recipient address"},
			&cli.StringFlag{Name: "amount", Usage: "amount in coins"},
			&cli.StringSliceFlag{Name: "output", Usage: "additional recipient as address=amount (repeatable)"},
		},
		Action: cmdSend,
	}
}

func cmdSend(c *cli.Context) error {
	var outputs []txbuilder.Output
	if to := c.String("to"); to != "" {
		value, err := parseAmount(c.String("amount"))
		if err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		outputs = append(outputs, txbuilder.Output{Address: to, Value: value})
	}
	for _, spec := range c.StringSlice("output") {
		addr, value, err := parseOutput(spec)
		if err != nil {
			return err
		}
		outputs = append(outputs, txbuilder.Output{Address: addr, Value: value})
	}
	if len(outputs) == 0 {
		return fmt.Errorf("no recipients: use --to and --amount or --output")
	}

	return withWallet(c, func(ctx context.Context, e *env) error {
		req := session.SendRequest{Outputs: outputs}
		if c.IsSet(config.FlagFee) {
			req.FeeRate = int64(c.Uint64(config.FlagFee))
		}
		res, err := e.session.Send(ctx, req)
		if err != nil {
			return sendError(err)
		}
		printSendResult(res)
		return nil
	})
}

func consolidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "consolidate",
		Usage: "merge small outputs into one output to the primary address",
		Action: func(c *cli.Context) error {
			return withWallet(c, func(ctx context.Context, e *env) error {
				var rate int64
				if c.IsSet(config.FlagFee) {
					rate = int64(c.Uint64(config.FlagFee))
				}
				res, err := e.session.Consolidate(ctx, rate)
				if err != nil {
					return sendError(err)
				}
				printSendResult(res)
				return nil
			})
		},
	}
}

// sendError adds the server's hint to a rejected broadcast.
func sendError(err error) error {
	var se *electrum.ServerError
	if errors.As(err, &se) {
		if hint := se.Hint(); hint != "" {
			return fmt.Errorf("%w\nhint: %s", err, hint)
		}
	}
	if errors.Is(err, wallet.ErrInsufficientFunds) {
		return fmt.Errorf("%w\nhint: check 'forkwallet balance'; unconfirmed outputs may not be spendable yet", err)
	}
	return err
}

func printSendResult(res *session.SendResult) {
	fmt.Printf("TxID:     %s\n", res.TxID)
	fmt.Printf("Amount:   %s\n", formatAmount(res.Amount))
	fmt.Printf("Fee:      %s\n", formatAmount(res.Fee))
	if res.Change > 0 {
		fmt.Printf("Change:   %s\n", formatAmount(res.Change))
	}
	fmt.Printf("Inputs:   %d (%s)\n", res.Inputs, res.Strategy)
	if res.FallbackInputs > 0 {
		fmt.Printf("Signed %d input(s) on the fallback path\n", res.FallbackInputs)
	}
}

func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "remove receive records duplicated by sends",
		Action: func(c *cli.Context) error {
			return withWallet(c, func(ctx context.Context, e *env) error {
				n, err := e.session.Cleanup()
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d record(s)\n", n)
				return nil
			})
		},
	}
}

func signMessageCommand() *cli.Command {
	return &cli.Command{
		Name:  "sign-message",
		Usage: "sign a message with a wallet address key",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Usage: "signing address (default: primary)"},
			&cli.StringFlag{Name: "message", Required: true},
		},
		Action: func(c *cli.Context) error {
			return withWallet(c, func(ctx context.Context, e *env) error {
				sig, err := e.session.SignMessage(c.String("address"), c.String("message"))
				if err != nil {
					return err
				}
				fmt.Println(sig)
				return nil
			})
		},
	}
}

func verifyMessageCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify-message",
		Usage: "verify a signed message",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Required: true},
			&cli.StringFlag{Name: "signature", Required: true},
			&cli.StringFlag{Name: "message", Required: true},
		},
		Action: func(c *cli.Context) error {
			net := loadedConfig(c).Params()
			err := wallet.VerifyMessage(c.String("address"), c.String("signature"), c.String("message"),
				net.MessageMagic, net.Chain)
			if err != nil {
				return err
			}
			fmt.Println("Signature OK")
			return nil
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "keep the wallet subscribed and print balance changes",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "interval", Value: 5 * time.Second, Usage: "print interval"},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			c.Context = ctx
			return withWallet(c, func(ctx context.Context, e *env) error {
				addrs, err := e.session.Addresses()
				if err != nil {
					return err
				}
				fmt.Printf("Watching %d address(es), Ctrl-C to stop\n", len(addrs))

				var last int64 = -1
				ticker := time.NewTicker(c.Duration("interval"))
				defer ticker.Stop()
				for {
					var total int64
					for _, a := range addrs {
						if entry, ok := e.session.CachedBalance(a); ok {
							total += entry.Total()
						}
					}
					if total != last {
						fmt.Printf("%s  balance %s\n", time.Now().Format("15:04:05"), formatAmount(total))
						last = total
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
}
