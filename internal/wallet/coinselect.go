package wallet

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/forkwallet/config"
)

// Coin selection errors.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrNoUTXOs               = errors.New("no UTXOs available")
	ErrTooManyInputs         = errors.New("selection exceeds max inputs")
	ErrChangeAddressRequired = errors.New("strategy requires a change address")
	ErrInvalidTarget         = errors.New("target must be positive")
	ErrUnknownStrategy       = errors.New("unknown selection strategy")
)

// Size model for P2PKH transactions, used when the fee is size based.
const (
	TxOverheadSize = 10
	InputSize      = 148
	OutputSize     = 34
)

// EstimateSize returns the approximate serialized size of a P2PKH
// transaction with the given input and output counts.
func EstimateSize(inputs, outputs int) int64 {
	return int64(TxOverheadSize + InputSize*inputs + OutputSize*outputs)
}

// UTXO is an unspent output owned by the wallet.
type UTXO struct {
	Outpoint      wire.OutPoint
	Value         int64
	Height        int64 // 0 while unconfirmed
	Confirmations int64
	Address       string
	PkScript      []byte
}

// EnhancedUTXO is a UTXO annotated for selection.
type EnhancedUTXO struct {
	UTXO
	IsConfirmed bool
	AgeInBlocks int64
}

// Enhance annotates utxos against the chain tip. A tip of 0 means unknown,
// in which case confirmations already on the UTXO are kept.
func Enhance(utxos []UTXO, tip int64) []EnhancedUTXO {
	out := make([]EnhancedUTXO, len(utxos))
	for i, u := range utxos {
		if tip > 0 && u.Height > 0 {
			u.Confirmations = max(0, tip-u.Height+1)
		}
		e := EnhancedUTXO{UTXO: u, IsConfirmed: u.Confirmations >= 1}
		if e.IsConfirmed {
			e.AgeInBlocks = u.Confirmations
		}
		out[i] = e
	}
	return out
}

// Strategy names a selection algorithm.
type Strategy string

const (
	StrategyAuto            Strategy = "auto"
	StrategyBestFit         Strategy = "best_fit"
	StrategyOldestFirst     Strategy = "oldest_first"
	StrategyConsolidateDust Strategy = "consolidate_dust"
)

// SelectOptions tune a Select call.
type SelectOptions struct {
	Strategy Strategy
	// FeeMode picks how the fee rate argument is read: FeeFlat treats it as
	// a fixed fee per transaction, FeeSized as base units per byte.
	FeeMode          config.FeeMode
	MinConfirmations int64
	AllowUnconfirmed bool
	// MaxInputs caps the number of inputs; 0 means no cap.
	MaxInputs     int
	DustThreshold int64
	// AllowDustChange keeps change at or below the dust threshold instead
	// of folding it into the fee.
	AllowDustChange bool
	// ChangeAddress receives change. Consolidation requires it.
	ChangeAddress string
	// Recipients is the number of payment outputs. Defaults to 1.
	Recipients int
	// SmallValue is the ceiling below which consolidation sweeps extra
	// inputs. Defaults to 100 times the dust threshold.
	SmallValue int64
}

// DefaultSelectOptions returns options for the given network.
func DefaultSelectOptions(net *config.Network) SelectOptions {
	return SelectOptions{
		Strategy:         StrategyAuto,
		FeeMode:          config.FeeFlat,
		MinConfirmations: 1,
		MaxInputs:        500,
		DustThreshold:    int64(net.DustThreshold),
		Recipients:       1,
	}
}

// SelectionResult holds the chosen inputs. Total always equals
// target + Fee + Change.
type SelectionResult struct {
	Selected []EnhancedUTXO
	Total    int64
	Fee      int64
	Change   int64
	Strategy Strategy
}

// Outpoints returns the outpoints of the selected inputs.
func (r *SelectionResult) Outpoints() []wire.OutPoint {
	out := make([]wire.OutPoint, len(r.Selected))
	for i, u := range r.Selected {
		out[i] = u.Outpoint
	}
	return out
}

type selector struct {
	target  int64
	feeRate int64
	opts    SelectOptions
}

func (s *selector) fee(inputs int, withChange bool) int64 {
	if s.opts.FeeMode != config.FeeSized {
		return s.feeRate
	}
	outputs := s.opts.Recipients
	if withChange {
		outputs++
	}
	return EstimateSize(inputs, outputs) * s.feeRate
}

// settle computes fee and change for a candidate input set. Change at or
// below the dust threshold is folded into the fee.
func (s *selector) settle(selected []EnhancedUTXO) (fee, change int64, ok bool) {
	total := sumValues(selected)
	withChange := s.fee(len(selected), true)
	if total >= s.target+withChange {
		c := total - s.target - withChange
		if c > s.opts.DustThreshold || (c > 0 && s.opts.AllowDustChange) {
			return withChange, c, true
		}
	}
	noChange := s.fee(len(selected), false)
	if total < s.target+noChange {
		return 0, 0, false
	}
	return total - s.target, 0, true
}

func (s *selector) result(selected []EnhancedUTXO, strategy Strategy) (*SelectionResult, bool) {
	fee, change, ok := s.settle(selected)
	if !ok {
		return nil, false
	}
	return &SelectionResult{
		Selected: selected,
		Total:    sumValues(selected),
		Fee:      fee,
		Change:   change,
		Strategy: strategy,
	}, true
}

// accumulate adds candidates in order until the target is covered.
func (s *selector) accumulate(candidates []EnhancedUTXO, strategy Strategy) (*SelectionResult, bool) {
	var selected []EnhancedUTXO
	for _, u := range candidates {
		selected = append(selected, u)
		if res, ok := s.result(selected, strategy); ok {
			return res, true
		}
	}
	return nil, false
}

// Select chooses inputs funding target at feeRate. It never truncates: a
// selection needing more than MaxInputs fails with ErrTooManyInputs.
func Select(utxos []EnhancedUTXO, target, feeRate int64, opts SelectOptions) (*SelectionResult, error) {
	if len(utxos) == 0 {
		return nil, ErrNoUTXOs
	}
	if target <= 0 {
		return nil, ErrInvalidTarget
	}
	if opts.Recipients <= 0 {
		opts.Recipients = 1
	}
	if opts.SmallValue <= 0 {
		opts.SmallValue = 100 * opts.DustThreshold
	}

	candidates := Eligible(utxos, opts)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no spendable outputs among %d (min confirmations %d)",
			ErrInsufficientFunds, len(utxos), opts.MinConfirmations)
	}

	strategy := opts.Strategy
	if strategy == "" || strategy == StrategyAuto {
		strategy = Recommend(candidates, target, feeRate, opts).Strategy
	}

	s := &selector{target: target, feeRate: feeRate, opts: opts}
	var (
		res *SelectionResult
		ok  bool
	)
	switch strategy {
	case StrategyBestFit:
		res, ok = s.bestFit(candidates)
	case StrategyOldestFirst:
		res, ok = s.oldestFirst(candidates)
	case StrategyConsolidateDust:
		if opts.ChangeAddress == "" {
			return nil, ErrChangeAddressRequired
		}
		res, ok = s.consolidate(candidates)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	if !ok {
		return nil, fmt.Errorf("%w: have %d, need %d plus fee",
			ErrInsufficientFunds, sumValues(candidates), target)
	}
	if opts.MaxInputs > 0 && len(res.Selected) > opts.MaxInputs {
		return nil, fmt.Errorf("%w: need %d inputs, max %d",
			ErrTooManyInputs, len(res.Selected), opts.MaxInputs)
	}
	return res, nil
}

// Eligible filters out zero-value outputs and, unless unconfirmed outputs
// are allowed, outputs below the confirmation minimum.
func Eligible(utxos []EnhancedUTXO, opts SelectOptions) []EnhancedUTXO {
	out := make([]EnhancedUTXO, 0, len(utxos))
	for _, u := range utxos {
		if u.Value <= 0 {
			continue
		}
		if !opts.AllowUnconfirmed && u.Confirmations < opts.MinConfirmations {
			continue
		}
		out = append(out, u)
	}
	return out
}

// bestFit prefers the smallest single input covering the target, then
// falls back to largest-first accumulation, which minimizes input count.
// Equal values are ordered by descending confirmations.
func (s *selector) bestFit(candidates []EnhancedUTXO) (*SelectionResult, bool) {
	sorted := sortedCopy(candidates, func(a, b EnhancedUTXO) bool {
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return a.Confirmations > b.Confirmations
	})
	for _, u := range sorted {
		if res, ok := s.result([]EnhancedUTXO{u}, StrategyBestFit); ok {
			return res, true
		}
	}

	sorted = sortedCopy(candidates, func(a, b EnhancedUTXO) bool {
		if a.Value != b.Value {
			return a.Value > b.Value
		}
		return a.Confirmations > b.Confirmations
	})
	return s.accumulate(sorted, StrategyBestFit)
}

// oldestFirst spends by ascending height with unconfirmed outputs last.
func (s *selector) oldestFirst(candidates []EnhancedUTXO) (*SelectionResult, bool) {
	sorted := sortedCopy(candidates, func(a, b EnhancedUTXO) bool {
		if a.IsConfirmed != b.IsConfirmed {
			return a.IsConfirmed
		}
		if a.Height != b.Height {
			return a.Height < b.Height
		}
		return a.Value > b.Value
	})
	return s.accumulate(sorted, StrategyOldestFirst)
}

// consolidate spends the smallest outputs first and then keeps sweeping
// small outputs up to MaxInputs. In sized mode an extra input is only
// swept when it is worth more than the bytes it adds.
func (s *selector) consolidate(candidates []EnhancedUTXO) (*SelectionResult, bool) {
	sorted := sortedCopy(candidates, func(a, b EnhancedUTXO) bool {
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return a.Confirmations > b.Confirmations
	})
	res, ok := s.accumulate(sorted, StrategyConsolidateDust)
	if !ok {
		return nil, false
	}

	selected := res.Selected
	for _, u := range sorted[len(selected):] {
		if s.opts.MaxInputs > 0 && len(selected) >= s.opts.MaxInputs {
			break
		}
		if u.Value > s.opts.SmallValue {
			break
		}
		if s.opts.FeeMode == config.FeeSized && u.Value <= InputSize*s.feeRate {
			continue
		}
		next := append(selected[:len(selected):len(selected)], u)
		if r, ok := s.result(next, StrategyConsolidateDust); ok {
			selected, res = next, r
		}
	}
	return res, true
}

// ErrNothingToSweep is returned when fewer than two small outputs exist.
var ErrNothingToSweep = errors.New("not enough small outputs to consolidate")

// Sweep selects the smallest eligible outputs, up to MaxInputs, for a
// transaction paying everything back to the wallet in a single output. The
// returned result has no change; Total minus Fee is the output value.
func Sweep(utxos []EnhancedUTXO, feeRate int64, opts SelectOptions) (*SelectionResult, error) {
	if opts.SmallValue <= 0 {
		opts.SmallValue = 100 * opts.DustThreshold
	}
	opts.Recipients = 1

	var small []EnhancedUTXO
	for _, u := range Eligible(utxos, opts) {
		if u.Value > opts.SmallValue {
			continue
		}
		if opts.FeeMode == config.FeeSized && u.Value <= InputSize*feeRate {
			continue
		}
		small = append(small, u)
	}
	small = sortedCopy(small, func(a, b EnhancedUTXO) bool {
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return a.Confirmations > b.Confirmations
	})
	if opts.MaxInputs > 0 && len(small) > opts.MaxInputs {
		small = small[:opts.MaxInputs]
	}
	if len(small) < 2 {
		return nil, fmt.Errorf("%w: %d eligible", ErrNothingToSweep, len(small))
	}

	s := &selector{feeRate: feeRate, opts: opts}
	total := sumValues(small)
	fee := s.fee(len(small), false)
	if total-fee <= opts.DustThreshold {
		return nil, fmt.Errorf("%w: %d in %d outputs does not cover fee %d",
			ErrInsufficientFunds, total, len(small), fee)
	}
	return &SelectionResult{
		Selected: small,
		Total:    total,
		Fee:      fee,
		Strategy: StrategyConsolidateDust,
	}, nil
}

// Recommendation is a suggested strategy with a short reason.
type Recommendation struct {
	Strategy Strategy
	Reason   string
}

// Recommend suggests a strategy for spending from utxos. Consolidation is
// only suggested when a change address is available.
func Recommend(utxos []EnhancedUTXO, target, feeRate int64, opts SelectOptions) Recommendation {
	if opts.SmallValue <= 0 {
		opts.SmallValue = 100 * opts.DustThreshold
	}
	small := 0
	for _, u := range utxos {
		if u.Value <= opts.SmallValue {
			small++
		}
	}

	if opts.ChangeAddress != "" && small >= 10 && small*2 > len(utxos) {
		return Recommendation{StrategyConsolidateDust,
			fmt.Sprintf("%d of %d outputs are small", small, len(utxos))}
	}

	s := &selector{target: target, feeRate: feeRate, opts: opts}
	for _, u := range utxos {
		if !u.IsConfirmed {
			continue
		}
		if _, _, ok := s.settle([]EnhancedUTXO{u}); ok {
			return Recommendation{StrategyBestFit, "single confirmed output covers the payment"}
		}
	}

	unconfirmed := 0
	for _, u := range utxos {
		if !u.IsConfirmed {
			unconfirmed++
		}
	}
	if unconfirmed > 0 && unconfirmed < len(utxos) {
		return Recommendation{StrategyOldestFirst, "spend confirmed outputs before unconfirmed ones"}
	}
	return Recommendation{StrategyBestFit, "fewest inputs"}
}

func sortedCopy(in []EnhancedUTXO, less func(a, b EnhancedUTXO) bool) []EnhancedUTXO {
	out := make([]EnhancedUTXO, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func sumValues(utxos []EnhancedUTXO) int64 {
	var total int64
	for _, u := range utxos {
		total += u.Value
	}
	return total
}
