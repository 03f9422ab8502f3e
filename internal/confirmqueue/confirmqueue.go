// Package confirmqueue implements the confirmation stage of the wallet
// worker (SPEC_FULL.md §4.7): await a receipt for each in-flight submission,
// and on timeout send a fee-bumped replacement, racing the original and the
// replacement to the first receipt. Grounded on the optimism txmgr.go
// sendTx/waitMined/queryReceipt split: one goroutine per in-flight order
// polling for a receipt, reporting onto a shared results channel.
package confirmqueue

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yourusername/crossrelay/internal/chainerr"
	"github.com/yourusername/crossrelay/internal/metrics"
	"github.com/yourusername/crossrelay/internal/model"
	"github.com/yourusername/crossrelay/internal/rpcprovider"
	"github.com/yourusername/crossrelay/internal/signer"
	"github.com/yourusername/crossrelay/internal/txbuilder"
	"github.com/yourusername/crossrelay/internal/txhelper"
	"go.uber.org/zap"
)

// Options tunes the confirm queue's polling and retry policy.
type Options struct {
	Confirmations            uint64
	ConfirmationTimeout      time.Duration
	PollInterval             time.Duration
	MaxTries                 int
	PriorityAdjustmentFactor float64
}

// Queue awaits confirmation for PendingTransactions, fee-bumping and
// replacing stuck transactions until maxTries timeouts are exhausted.
type Queue struct {
	chainId model.ChainId
	evm     *rpcprovider.EVMHelper
	helper  *txhelper.Helper
	signer  *signer.Signer
	opts    Options
	metrics metrics.Metrics
	log     *zap.SugaredLogger
}

// New constructs a confirm Queue for one chain's wallet worker.
func New(chainId model.ChainId, evm *rpcprovider.EVMHelper, helper *txhelper.Helper, s *signer.Signer, opts Options, m metrics.Metrics, log *zap.SugaredLogger) *Queue {
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxTries <= 0 {
		opts.MaxTries = 3
	}
	if opts.PriorityAdjustmentFactor <= 0 {
		opts.PriorityAdjustmentFactor = 1.10
	}
	if m == nil {
		m = metrics.NoOp{}
	}
	return &Queue{chainId: chainId, evm: evm, helper: helper, signer: s, opts: opts, metrics: m, log: log}
}

// Await blocks until pending reaches a terminal confirmation outcome:
// confirmed (with a receipt from either the original or a fee-bumped
// replacement), or unconfirmed after Options.MaxTries timeouts.
func (q *Queue) Await(ctx context.Context, pending model.PendingTransaction) model.ConfirmedTransaction {
	original := pending.Tx
	var replacement *model.SignedTx

	for attempt := 0; attempt < q.opts.MaxTries; attempt++ {
		var receipt *model.Receipt
		var err error
		if replacement == nil {
			receipt, err = q.waitMined(ctx, original.Hash)
		} else {
			receipt, err = q.raceMined(ctx, original.Hash, replacement.Hash)
		}

		q.metrics.RecordConfirm(string(q.chainId), attempt, err)

		if err == nil {
			pending.Tx = landedTx(original, replacement, receipt.TxHash)
			pending.TxReplacement = otherTx(original, replacement, receipt.TxHash)
			return model.ConfirmedTransaction{PendingTransaction: pending, TxReceipt: receipt}
		}
		if !chainerr.Is(err, chainerr.KindConfirmationTimeout) {
			// A nonce-class error (e.g. REPLACEMENT_UNDERPRICED on the
			// replacement) while a replacement is in flight keeps the
			// original's wait running; it counts against maxTries. Any other
			// non-timeout error is terminal.
			if chainerr.IsNonceClass(err) && replacement != nil {
				continue
			}
			pending.ConfirmationError = err
			return model.ConfirmedTransaction{PendingTransaction: pending}
		}

		bumped, berr := q.sendReplacement(ctx, pending, original, replacement)
		if berr != nil {
			// A nonce-class error here (e.g. REPLACEMENT_UNDERPRICED) means
			// only the bump attempt failed; the original (or the last
			// successful replacement) may still land, so keep waiting on it
			// instead of failing the whole confirmation. It still counts
			// against maxTries.
			if chainerr.IsNonceClass(berr) {
				continue
			}
			pending.ConfirmationError = berr
			return model.ConfirmedTransaction{PendingTransaction: pending}
		}
		replacement = bumped
		pending.TxReplacement = replacement
	}

	pending.ConfirmationError = chainerr.New(chainerr.KindConfirmationTimeout, chainerr.CodeUnconfirmed, "unconfirmed", nil)
	return model.ConfirmedTransaction{PendingTransaction: pending}
}

// waitMined polls for a single transaction's receipt until Confirmations
// blocks have passed since inclusion, or ConfirmationTimeout elapses.
func (q *Queue) waitMined(ctx context.Context, hash common.Hash) (*model.Receipt, error) {
	deadline := time.Now().Add(q.opts.ConfirmationTimeout)
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		if r, ok, err := q.queryReceipt(ctx, hash); err != nil {
			return nil, err
		} else if ok {
			return r, nil
		}
		if time.Now().After(deadline) {
			return nil, chainerr.New(chainerr.KindConfirmationTimeout, chainerr.CodeUnconfirmed, "confirmation timeout", nil)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// raceMined polls both the original and replacement hashes, returning the
// receipt for whichever lands first.
func (q *Queue) raceMined(ctx context.Context, original, replacement common.Hash) (*model.Receipt, error) {
	type result struct {
		receipt *model.Receipt
		err     error
	}
	results := make(chan result, 2)

	go func() {
		r, err := q.waitMined(ctx, original)
		results <- result{r, err}
	}()
	go func() {
		r, err := q.waitMined(ctx, replacement)
		results <- result{r, err}
	}()

	first := <-results
	if first.err == nil {
		return first.receipt, nil
	}
	second := <-results
	if second.err == nil {
		return second.receipt, nil
	}
	// Both rejected: surface the replacement's error per §4.7.
	return nil, second.err
}

func (q *Queue) queryReceipt(ctx context.Context, hash common.Hash) (*model.Receipt, bool, error) {
	r, err := q.evm.GetTransactionReceipt(ctx, hash)
	if err != nil {
		return nil, false, chainerr.New(chainerr.KindTransientRPC, chainerr.CodeRPCUnavailable, "querying receipt", err)
	}
	if !r.Found {
		return nil, false, nil
	}
	if q.opts.Confirmations > 1 {
		latest, err := q.evm.GetBlockNumber(ctx)
		if err != nil {
			return nil, false, chainerr.New(chainerr.KindTransientRPC, chainerr.CodeRPCUnavailable, "querying latest block", err)
		}
		if latest < r.BlockNumber || latest-r.BlockNumber+1 < q.opts.Confirmations {
			return nil, false, nil
		}
	}
	return &model.Receipt{
		TxHash:            hash,
		BlockNumber:       r.BlockNumber,
		Status:            r.Status,
		GasUsed:           r.GasUsed,
		EffectiveGasPrice: r.EffectiveGasPrice,
	}, true, nil
}

// sendReplacement builds, signs, and broadcasts a fee-bumped replacement for
// a stuck transaction, keeping {to, data, value, gasLimit, nonce, type}
// identical to the original.
func (q *Queue) sendReplacement(ctx context.Context, pending model.PendingTransaction, original, prevReplacement *model.SignedTx) (*model.SignedTx, error) {
	current, err := q.helper.FeeDataFor(ctx, true)
	if err != nil {
		return nil, err
	}

	base := original
	if prevReplacement != nil {
		base = prevReplacement
	}
	bumped := txhelper.ReplacementFee(
		txhelper.FeeData{GasPrice: base.GasPrice, MaxFeePerGas: base.GasFeeCap, MaxPriorityFeePerGas: base.GasTipCap},
		current,
		q.opts.PriorityAdjustmentFactor,
	)

	var gasFeeCap, gasTipCap *big.Int
	if bumped.IsDynamic() {
		gasFeeCap, gasTipCap = bumped.MaxFeePerGas, bumped.MaxPriorityFeePerGas
	} else {
		gasFeeCap = bumped.GasPrice
	}

	params := txbuilder.FromModelRequest(q.signer.ChainID(), pending.Nonce, pending.TxRequest, gasFeeCap, gasTipCap)
	tx, err := txbuilder.Build(params)
	if err != nil {
		return nil, chainerr.New(chainerr.KindConfiguration, chainerr.CodeBadConfig, "building replacement", err)
	}
	signedTx, err := q.signer.SignTransaction(tx)
	if err != nil {
		return nil, chainerr.New(chainerr.KindConfiguration, chainerr.CodeBadConfig, "signing replacement", err)
	}
	raw, err := txbuilder.RawSignedTx(signedTx)
	if err != nil {
		return nil, err
	}
	if _, err := q.evm.SendRawTransaction(ctx, raw); err != nil {
		return nil, classifyReplacementError(err)
	}
	return txbuilder.ToSignedTx(signedTx)
}

func classifyReplacementError(err error) error {
	if chainerr.IsNonceClass(err) {
		return chainerr.New(chainerr.KindNonce, chainerr.CodeReplacementUnderpriced, "replacement underpriced", err)
	}
	return chainerr.New(chainerr.KindTransientRPC, chainerr.CodeRPCUnavailable, "broadcasting replacement", err)
}

func landedTx(original, replacement *model.SignedTx, landedHash common.Hash) *model.SignedTx {
	if replacement != nil && replacement.Hash == landedHash {
		return replacement
	}
	return original
}

func otherTx(original, replacement *model.SignedTx, landedHash common.Hash) *model.SignedTx {
	if replacement == nil {
		return nil
	}
	if replacement.Hash == landedHash {
		return original
	}
	return replacement
}
