// Package txhelper holds the per-wallet-worker mutable state the submit and
// confirm queues read: the next nonce, cached fee data, and the running
// balance estimate. Grounded on the teacher's ethereum.RPCHelper
// (src/chainadapter/ethereum/rpc.go) and ethereum.FeeEstimator
// (src/chainadapter/ethereum/fee.go), generalized from the teacher's
// speed-tiered fee estimate into the adjustment-factor fixed-point policy of
// SPEC_FULL.md §4.5.
package txhelper

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yourusername/crossrelay/internal/chainerr"
	"github.com/yourusername/crossrelay/internal/config"
	"github.com/yourusername/crossrelay/internal/rpcprovider"
)

// scaleBase is the fixed-point denominator adjustment factors are expressed
// against internally: a factor of 1.10 is carried as the integer 11000.
const scaleBase = 10000

// FeeData is the fee snapshot the submit and confirm queues apply to a
// transaction. GasPrice is set on the legacy path, MaxFeePerGas/
// MaxPriorityFeePerGas on the EIP-1559 path; exactly one of the two shapes is
// populated.
type FeeData struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// IsDynamic reports whether this FeeData is EIP-1559 shaped.
func (f FeeData) IsDynamic() bool {
	return f.MaxPriorityFeePerGas != nil
}

// bounds caches the parsed *big.Int form of the string-encoded config
// amounts, parsed once when the Helper is constructed.
type bounds struct {
	maxFeePerGas                *big.Int
	maxAllowedPriorityFeePerGas *big.Int
	maxAllowedGasPrice          *big.Int
	lowGasBalanceWarning        *big.Int
}

// Helper tracks nonce, fee data, and balance for one wallet worker.
type Helper struct {
	evm     *rpcprovider.EVMHelper
	address common.Address
	opts    config.WalletOptions
	bounds  bounds

	mu       sync.Mutex
	nonce    uint64
	hasNonce bool
	fee      FeeData
	hasFee   bool
	balance  *big.Int
}

// New constructs a Helper. The nonce is lazily fetched on first use. Any
// string-encoded wei amount in opts that fails to parse is treated as unset;
// neither New nor config.Validate rejects a malformed amount.
func New(evm *rpcprovider.EVMHelper, address common.Address, opts config.WalletOptions) *Helper {
	return &Helper{
		evm:     evm,
		address: address,
		opts:    opts,
		bounds: bounds{
			maxFeePerGas:                parseWei(opts.MaxFeePerGas),
			maxAllowedPriorityFeePerGas: parseWei(opts.MaxAllowedPriorityFeePerGas),
			maxAllowedGasPrice:          parseWei(opts.MaxAllowedGasPrice),
			lowGasBalanceWarning:        parseWei(opts.LowGasBalanceWarning),
		},
	}
}

func parseWei(s string) *big.Int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}

// Nonce returns the next nonce to use, fetching it from the chain via
// "pending" on first call.
func (h *Helper) Nonce(ctx context.Context) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hasNonce {
		return h.nonce, nil
	}
	n, err := h.evm.GetTransactionCount(ctx, h.address, "pending")
	if err != nil {
		return 0, chainerr.New(chainerr.KindTransientRPC, chainerr.CodeRPCUnavailable, "fetching initial nonce", err)
	}
	h.nonce = n
	h.hasNonce = true
	return h.nonce, nil
}

// AdvanceNonce increments the cached nonce after a successful send.
func (h *Helper) AdvanceNonce() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nonce++
}

// RefreshNonce re-fetches the nonce from the chain, discarding the cached
// value. Called on NONCE_EXPIRED / REPLACEMENT_UNDERPRICED / "invalid
// sequence" errors.
func (h *Helper) RefreshNonce(ctx context.Context) (uint64, error) {
	n, err := h.evm.GetTransactionCount(ctx, h.address, "pending")
	if err != nil {
		return 0, chainerr.New(chainerr.KindTransientRPC, chainerr.CodeRPCUnavailable, "refreshing nonce", err)
	}
	h.mu.Lock()
	h.nonce = n
	h.hasNonce = true
	cur := h.nonce
	h.mu.Unlock()
	return cur, nil
}

// Balance returns the last-fetched balance, refreshing it if never fetched.
func (h *Helper) Balance(ctx context.Context) (*big.Int, error) {
	h.mu.Lock()
	cached := h.balance
	h.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	return h.RefreshBalance(ctx)
}

// RefreshBalance re-queries the chain balance unconditionally.
func (h *Helper) RefreshBalance(ctx context.Context) (*big.Int, error) {
	bal, err := h.evm.GetBalance(ctx, h.address)
	if err != nil {
		return nil, chainerr.New(chainerr.KindTransientRPC, chainerr.CodeRPCUnavailable, "fetching balance", err)
	}
	h.mu.Lock()
	h.balance = bal
	h.mu.Unlock()
	return new(big.Int).Set(bal), nil
}

// DeductBalance subtracts cost from the cached running balance estimate.
// Called after a confirmed transaction's gas cost is known; this is an
// estimate only, reconciled against the chain on the next RefreshBalance.
func (h *Helper) DeductBalance(cost *big.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.balance == nil || cost == nil {
		return
	}
	h.balance = new(big.Int).Sub(h.balance, cost)
}

// LowBalance reports whether the last-fetched balance is below the
// configured lowGasBalanceWarning threshold.
func (h *Helper) LowBalance() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.balance == nil || h.bounds.lowGasBalanceWarning == nil {
		return false
	}
	return h.balance.Cmp(h.bounds.lowGasBalanceWarning) < 0
}

// FeeDataFor returns the current fee data, scaled by the priority multiplier
// when priority is requested. On RPC failure the previously cached fee data
// is returned unchanged rather than propagating the error, per §4.5.
func (h *Helper) FeeDataFor(ctx context.Context, priority bool) (FeeData, error) {
	fresh, err := h.queryFeeData(ctx)
	if err != nil {
		h.mu.Lock()
		cached, ok := h.fee, h.hasFee
		h.mu.Unlock()
		if !ok {
			return FeeData{}, err
		}
		fresh = cached
	} else {
		h.mu.Lock()
		h.fee = fresh
		h.hasFee = true
		h.mu.Unlock()
	}
	if priority {
		return applyFactor(fresh, floatToScaled(h.opts.PriorityAdjustmentFactor)), nil
	}
	return fresh, nil
}

func (h *Helper) queryFeeData(ctx context.Context) (FeeData, error) {
	priorityFee, err := h.evm.GetFeeHistory(ctx, 10)
	if err == nil {
		maxPriority := scale(priorityFee, floatToScaled(h.opts.MaxPriorityFeeAdjustmentFactor))
		if h.bounds.maxAllowedPriorityFeePerGas != nil && maxPriority.Cmp(h.bounds.maxAllowedPriorityFeePerGas) > 0 {
			maxPriority = h.bounds.maxAllowedPriorityFeePerGas
		}
		var maxFee *big.Int
		if h.bounds.maxFeePerGas != nil {
			maxFee = new(big.Int).Set(h.bounds.maxFeePerGas)
		} else {
			baseFee, berr := h.evm.GetBaseFee(ctx)
			if berr != nil {
				baseFee = big.NewInt(0)
			}
			maxFee = new(big.Int).Add(baseFee, maxPriority)
		}
		return FeeData{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: maxPriority}, nil
	}

	// Legacy path: no eth_feeHistory support, fall back to the base fee
	// scaled by gasPriceAdjustmentFactor.
	baseFee, berr := h.evm.GetBaseFee(ctx)
	if berr != nil {
		return FeeData{}, chainerr.New(chainerr.KindTransientRPC, chainerr.CodeRPCUnavailable, "querying fee data", berr)
	}
	gasPrice := scale(baseFee, floatToScaled(h.opts.GasPriceAdjustmentFactor))
	if h.bounds.maxAllowedGasPrice != nil && gasPrice.Cmp(h.bounds.maxAllowedGasPrice) > 0 {
		gasPrice = h.bounds.maxAllowedGasPrice
	}
	return FeeData{GasPrice: gasPrice}, nil
}

func floatToScaled(f float64) int64 {
	if f == 0 {
		return scaleBase
	}
	return int64(f * scaleBase)
}

// scale multiplies amount by factor expressed in fixed point with
// denominator scaleBase (e.g. 1.10 carried as 11000).
func scale(amount *big.Int, factorScaled int64) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	result := new(big.Int).Mul(amount, big.NewInt(factorScaled))
	return result.Div(result, big.NewInt(scaleBase))
}

func applyFactor(fee FeeData, factorScaled int64) FeeData {
	if fee.IsDynamic() {
		return FeeData{
			MaxFeePerGas:         scale(fee.MaxFeePerGas, factorScaled),
			MaxPriorityFeePerGas: scale(fee.MaxPriorityFeePerGas, factorScaled),
		}
	}
	return FeeData{GasPrice: scale(fee.GasPrice, factorScaled)}
}

// ReplacementFee computes the fee for a stuck transaction's replacement: the
// element-wise maximum of the original tx's fee scaled by
// priorityAdjustmentFactor and the current priority-scaled fee data. If both
// inputs are entirely absent the result is absent as well; neither this
// function nor its callers log a warning.
func ReplacementFee(original FeeData, current FeeData, priorityAdjustmentFactor float64) FeeData {
	bumped := applyFactor(original, floatToScaled(priorityAdjustmentFactor))
	if bumped.IsDynamic() || current.IsDynamic() {
		return FeeData{
			MaxFeePerGas:         maxBig(bumped.MaxFeePerGas, current.MaxFeePerGas),
			MaxPriorityFeePerGas: maxBig(bumped.MaxPriorityFeePerGas, current.MaxPriorityFeePerGas),
		}
	}
	return FeeData{GasPrice: maxBig(bumped.GasPrice, current.GasPrice)}
}

func maxBig(a, b *big.Int) *big.Int {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// ValidateAdjustmentFactors enforces the 1 ≤ f ≤ 5 bound on every configured
// adjustment factor, failing loudly at config-validation time rather than
// silently clamping at use time. config.WalletOptions.validateFactors
// already enforces this at decode time; this is exposed for callers (e.g.
// tests) constructing WalletOptions without going through config.Parse.
func ValidateAdjustmentFactors(opts config.WalletOptions) error {
	factors := map[string]float64{
		"maxPriorityFeeAdjustmentFactor": opts.MaxPriorityFeeAdjustmentFactor,
		"gasPriceAdjustmentFactor":       opts.GasPriceAdjustmentFactor,
		"priorityAdjustmentFactor":       opts.PriorityAdjustmentFactor,
	}
	for name, f := range factors {
		if f != 0 && (f < 1 || f > 5) {
			return fmt.Errorf("txhelper: %s must be between 1 and 5, got %v", name, f)
		}
	}
	return nil
}
