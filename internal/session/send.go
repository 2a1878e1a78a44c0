package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/forkwallet/config"
	"github.com/Klingon-tech/forkwallet/internal/electrum"
	"github.com/Klingon-tech/forkwallet/internal/txbuilder"
	"github.com/Klingon-tech/forkwallet/internal/wallet"
)

var (
	// ErrNoOutputs is returned for a send without recipients.
	ErrNoOutputs = errors.New("send has no outputs")

	// ErrChainHeightUnavailable accompanies a shortfall that may only exist
	// because mined outputs could not be counted against the tip.
	ErrChainHeightUnavailable = errors.New("chain height unavailable")
)

// SendRequest describes a payment. Zero fields take the configured
// defaults.
type SendRequest struct {
	Outputs  []txbuilder.Output
	FeeRate  int64
	FeeMode  config.FeeMode
	Strategy wallet.Strategy
}

// SendResult describes a broadcast transaction.
type SendResult struct {
	TxID     string
	Hex      string
	Amount   int64
	Fee      int64
	Change   int64
	Inputs   int
	Strategy wallet.Strategy
	// FallbackInputs counts inputs signed on the manual DER path.
	FallbackInputs int
}

// Send pays req.Outputs from the open wallet. UTXOs are read fresh from
// the server, selected, signed and broadcast; on success the cached
// balance is adjusted optimistically and a re-sync runs in the
// background. Nothing is recorded when any step fails.
//
// Outputs spent by a send still in flight in this process are skipped when
// in-flight reservation is enabled. Another process spending from the same
// wallet can still race; the server rejects the loser.
func (s *Session) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	ow, err := s.current()
	if err != nil {
		return nil, err
	}
	if len(req.Outputs) == 0 {
		return nil, ErrNoOutputs
	}
	var target int64
	for _, o := range req.Outputs {
		target += o.Value
	}

	utxos, tipKnown, err := s.spendable(ctx, ow)
	if err != nil {
		return nil, err
	}
	opts := s.selectOptions(ow, req.FeeMode, req.Strategy)
	opts.Recipients = len(req.Outputs)
	sel, err := wallet.Select(utxos, target, s.feeRate(req.FeeRate), opts)
	if err != nil {
		return nil, s.selectionError(err, tipKnown)
	}
	ow.log.Debug().
		Str("strategy", string(sel.Strategy)).
		Int("inputs", len(sel.Selected)).
		Int64("fee", sel.Fee).
		Int64("change", sel.Change).
		Msg("Inputs selected")

	raw, err := ow.signer.BuildAndSign(toInputs(sel.Selected), req.Outputs, opts.ChangeAddress, sel.Change)
	if err != nil {
		return nil, err
	}
	return s.broadcast(ctx, ow, sel, raw, target)
}

// Consolidate sweeps the wallet's small outputs into a single output to
// the primary address.
func (s *Session) Consolidate(ctx context.Context, feeRate int64) (*SendResult, error) {
	ow, err := s.current()
	if err != nil {
		return nil, err
	}
	utxos, tipKnown, err := s.spendable(ctx, ow)
	if err != nil {
		return nil, err
	}
	opts := s.selectOptions(ow, "", wallet.StrategyConsolidateDust)
	sel, err := wallet.Sweep(utxos, s.feeRate(feeRate), opts)
	if err != nil {
		return nil, s.selectionError(err, tipKnown)
	}
	amount := sel.Total - sel.Fee
	outputs := []txbuilder.Output{{Address: ow.primary(), Value: amount}}
	raw, err := ow.signer.BuildAndSign(toInputs(sel.Selected), outputs, "", 0)
	if err != nil {
		return nil, err
	}
	return s.broadcast(ctx, ow, sel, raw, amount)
}

// broadcast reserves the selected outputs, submits raw and applies the
// optimistic balance change. A rejected broadcast releases the
// reservation.
func (s *Session) broadcast(ctx context.Context, ow *openWallet, sel *wallet.SelectionResult, raw *txbuilder.RawTransaction, amount int64) (*SendResult, error) {
	if !s.relevant(ow.gen)() {
		return nil, ErrWalletSwitched
	}
	outpoints := sel.Outpoints()
	if s.reserved != nil {
		s.reserved.Reserve(raw.TxID, outpoints)
	}

	txid, err := s.client.Broadcast(ctx, raw.Hex())
	if err != nil {
		if s.reserved != nil {
			s.reserved.Release(outpoints)
		}
		var se *electrum.ServerError
		if errors.As(err, &se) {
			ow.log.Warn().Str("txid", raw.TxID).Str("error", se.Message).Str("hint", se.Hint()).Msg("Broadcast rejected")
		} else {
			ow.log.Warn().Err(err).Str("txid", raw.TxID).Msg("Broadcast failed")
		}
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	if txid != raw.TxID {
		ow.log.Warn().Str("built", raw.TxID).Str("server", txid).Msg("Server returned a different txid")
	}

	affected := s.applyOptimistic(ow, sel, raw)
	ow.log.Info().
		Str("txid", raw.TxID).
		Int64("amount", amount).
		Int64("fee", raw.Fee).
		Int("inputs", len(sel.Selected)).
		Int("fallback_inputs", raw.FallbackInputs).
		Msg("Transaction broadcast")

	s.resync(ow, affected)
	return &SendResult{
		TxID:           raw.TxID,
		Hex:            raw.Hex(),
		Amount:         amount,
		Fee:            raw.Fee,
		Change:         sel.Change,
		Inputs:         len(sel.Selected),
		Strategy:       sel.Strategy,
		FallbackInputs: raw.FallbackInputs,
	}, nil
}

// applyOptimistic adjusts cached balances for every wallet address the
// transaction touches and returns those addresses.
func (s *Session) applyOptimistic(ow *openWallet, sel *wallet.SelectionResult, raw *txbuilder.RawTransaction) []string {
	deltas := make(map[string]int64)
	for _, u := range sel.Selected {
		deltas[u.Address] -= u.Value
	}
	watched := make(map[string]bool)
	for _, a := range ow.watched() {
		watched[a] = true
	}
	for _, out := range raw.Tx.TxOut {
		addr := scriptAddress(s.net, out.PkScript)
		if watched[addr] {
			deltas[addr] += out.Value
		}
	}
	affected := make([]string, 0, len(deltas))
	for addr, d := range deltas {
		if d != 0 {
			s.balances.ApplyDelta(addr, d)
		}
		affected = append(affected, addr)
	}
	return affected
}

// resync refreshes addresses in the background.
func (s *Session) resync(ow *openWallet, addresses []string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(ow.ctx, resyncTimeout)
		defer cancel()
		for _, addr := range addresses {
			if err := s.refresh(ctx, ow, addr); err != nil && ctx.Err() == nil {
				ow.log.Warn().Err(err).Str("address", addr).Msg("Re-sync after send failed")
			}
		}
	}()
}

// spendable reads the unspent outputs of every watched address, drops
// outputs reserved by sends in flight and annotates them against the tip.
// Without a tip every mined output counts as one confirmation and tipKnown
// is false.
func (s *Session) spendable(ctx context.Context, ow *openWallet) (_ []wallet.EnhancedUTXO, tipKnown bool, _ error) {
	var utxos []wallet.UTXO
	for _, addr := range ow.watched() {
		sh, err := electrum.AddressScriptHash(addr, s.net.Chain)
		if err != nil {
			return nil, false, err
		}
		entries, err := s.client.ListUnspent(ctx, sh)
		if err != nil {
			return nil, false, fmt.Errorf("list unspent %s: %w", addr, err)
		}
		for _, e := range entries {
			hash, err := chainhash.NewHashFromStr(e.TxHash)
			if err != nil {
				ow.log.Warn().Err(err).Str("txid", e.TxHash).Msg("Skipping malformed unspent entry")
				continue
			}
			u := wallet.UTXO{
				Outpoint: wire.OutPoint{Hash: *hash, Index: e.TxPos},
				Value:    int64(e.Value),
				Address:  addr,
			}
			if e.Height > 0 {
				u.Height = e.Height
				u.Confirmations = 1
			}
			utxos = append(utxos, u)
		}
	}
	if s.reserved != nil {
		before := len(utxos)
		utxos = s.reserved.Filter(utxos)
		if n := before - len(utxos); n > 0 {
			ow.log.Debug().Int("reserved", n).Msg("Skipping outputs spent by sends in flight")
		}
	}

	tip, err := s.client.CurrentHeight(ctx)
	if err != nil {
		ow.log.Debug().Err(err).Msg("Chain height unavailable, confirmations approximated")
		tip = 0
	}
	return wallet.Enhance(utxos, tip), tip > 0, nil
}

// selectionError names the missing chain height when a confirmation
// threshold above one may have filtered out every mined output.
func (s *Session) selectionError(err error, tipKnown bool) error {
	if tipKnown || s.cfg.MinConfirmations <= 1 {
		return err
	}
	if errors.Is(err, wallet.ErrInsufficientFunds) || errors.Is(err, wallet.ErrNoUTXOs) || errors.Is(err, wallet.ErrNothingToSweep) {
		return fmt.Errorf("%w (%w: confirmations above 1 cannot be counted, min_confirmations=%d)",
			err, ErrChainHeightUnavailable, s.cfg.MinConfirmations)
	}
	return err
}

func (s *Session) selectOptions(ow *openWallet, mode config.FeeMode, strategy wallet.Strategy) wallet.SelectOptions {
	opts := wallet.DefaultSelectOptions(s.net)
	opts.MinConfirmations = int64(s.cfg.MinConfirmations)
	opts.AllowUnconfirmed = s.cfg.AllowUnconfirmed
	opts.MaxInputs = s.cfg.MaxInputs
	opts.ChangeAddress = ow.primary()
	opts.FeeMode = s.cfg.FeeMode
	if mode != "" {
		opts.FeeMode = mode
	}
	opts.Strategy = wallet.Strategy(s.cfg.Strategy)
	if strategy != "" {
		opts.Strategy = strategy
	}
	if opts.Strategy == "" {
		opts.Strategy = wallet.StrategyAuto
	}
	return opts
}

func (s *Session) feeRate(rate int64) int64 {
	if rate > 0 {
		return rate
	}
	return int64(s.cfg.Fee)
}

func toInputs(selected []wallet.EnhancedUTXO) []txbuilder.Input {
	inputs := make([]txbuilder.Input, len(selected))
	for i, u := range selected {
		inputs[i] = txbuilder.Input{
			Outpoint: u.Outpoint,
			Value:    u.Value,
			Address:  u.Address,
			PkScript: u.PkScript,
		}
	}
	return inputs
}

// scriptAddress returns the single address pkScript pays, or "".
func scriptAddress(net *config.Network, pkScript []byte) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, net.Chain)
	if err != nil || len(addrs) != 1 {
		return ""
	}
	return addrs[0].EncodeAddress()
}
