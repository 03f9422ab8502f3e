package resolver

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yourusername/crossrelay/internal/model"
	"github.com/yourusername/crossrelay/internal/rpcprovider"
)

// arbitrumResolver reads the L1 reference block number off
// eth_getBlockByNumber.l1BlockNumber, with bounded retry, and splits the gas
// estimate into L1/L2 portions. No NodeInterface ABI exists in the retrieved
// dependency corpus, so the L1 portion is approximated as 16 gas per calldata
// byte plus a fixed 2100-gas posting overhead rather than taken from a live
// gasEstimateComponents precompile call.
type arbitrumResolver struct {
	helper *rpcprovider.EVMHelper
}

func (r *arbitrumResolver) TransactionBlockNumber(ctx context.Context, observedBlockNumber uint64) (uint64, error) {
	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, l1BlockNumber, err := r.helper.GetBlockByNumber(ctx, observedBlockNumber)
		if err == nil {
			if l1BlockNumber == 0 {
				return observedBlockNumber, nil
			}
			return l1BlockNumber, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		}
	}
	return 0, fmt.Errorf("arbitrum resolver: reading l1BlockNumber: %w", lastErr)
}

func (r *arbitrumResolver) EstimateGas(ctx context.Context, req model.TransactionRequest, from common.Address) (GasEstimate, error) {
	total, err := estimateGasViaRPC(ctx, r.helper, req, from)
	if err != nil {
		return GasEstimate{}, err
	}
	// Arbitrum splits the reported estimate into L2 execution gas and an L1
	// calldata-posting component; absent the NodeInterface precompile, this
	// resolver approximates the L1 portion as a fixed per-byte calldata cost
	// plus a constant posting overhead. For a pathologically small total
	// estimate this can exceed the total itself, matching the precompile's
	// own documented failure mode.
	const l1PostingOverhead = 2100
	l1Portion := uint64(len(req.Data))*16 + l1PostingOverhead
	if l1Portion > total {
		return GasEstimate{}, fmt.Errorf("arbitrum resolver: %w", errInvalidGasEstimate)
	}
	l2Portion := total - l1Portion
	return GasEstimate{
		GasEstimate:           total,
		ObservedGasEstimate:   l2Portion,
		AdditionalFeeEstimate: big.NewInt(0),
	}, nil
}

var errInvalidGasEstimate = fmt.Errorf("invalid-gas-estimate")

// optimismResolver adds an L1 data-fee estimate on top of the L2 execution
// gas, per the OP-stack gas-pricing model (an L1 fee scalar applied to the
// calldata's compressed size). Grounded on the resolver contract in
// SPEC_FULL.md §4.2; the exact GasPriceOracle ABI call is approximated with
// a fixed per-byte L1 fee since no OP-stack predeploy ABI exists in the
// retrieved corpus.
type optimismResolver struct {
	helper *rpcprovider.EVMHelper
}

func (r *optimismResolver) TransactionBlockNumber(_ context.Context, observedBlockNumber uint64) (uint64, error) {
	return observedBlockNumber, nil
}

func (r *optimismResolver) EstimateGas(ctx context.Context, req model.TransactionRequest, from common.Address) (GasEstimate, error) {
	gas, err := estimateGasViaRPC(ctx, r.helper, req, from)
	if err != nil {
		return GasEstimate{}, err
	}
	baseFee, err := r.helper.GetBaseFee(ctx)
	if err != nil {
		baseFee = big.NewInt(0)
	}
	l1Fee := estimateL1DataFee(req.Data, baseFee)
	return GasEstimate{
		GasEstimate:           gas,
		ObservedGasEstimate:   gas,
		AdditionalFeeEstimate: l1Fee,
	}, nil
}

// estimateL1DataFee approximates the OP-stack L1 data fee as calldata gas (4
// per zero byte, 16 per non-zero byte) times the given base fee. No
// compression or fee scalar is applied.
func estimateL1DataFee(data []byte, l1BaseFee *big.Int) *big.Int {
	var zeroBytes, nonZeroBytes int64
	for _, b := range data {
		if b == 0 {
			zeroBytes++
		} else {
			nonZeroBytes++
		}
	}
	// Mirrors the historical fixed-point gas costs per byte (4 for zero, 16
	// for non-zero) used by the OP-stack L1 fee formula.
	gasUnits := zeroBytes*4 + nonZeroBytes*16
	fee := new(big.Int).Mul(big.NewInt(gasUnits), l1BaseFee)
	return fee
}
