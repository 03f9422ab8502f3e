// Package submitqueue implements the strictly-serial submission stage of the
// wallet worker (SPEC_FULL.md §4.6): assign nonce and fee data, sign, and
// broadcast one transaction at a time, retrying nonce-class errors up to
// maxTries and otherwise recording a terminal submissionError. Grounded on
// the retry/backoff shape of the chainlink-style EthBroadcaster
// (one-at-a-time, bounded retries) combined with the teacher's
// ethereum.TransactionBuilder / EthereumSigner pair for constructing and
// signing the raw transaction.
package submitqueue

import (
	"context"
	"math/big"
	"time"

	"github.com/yourusername/crossrelay/internal/chainerr"
	"github.com/yourusername/crossrelay/internal/metrics"
	"github.com/yourusername/crossrelay/internal/model"
	"github.com/yourusername/crossrelay/internal/rpcprovider"
	"github.com/yourusername/crossrelay/internal/signer"
	"github.com/yourusername/crossrelay/internal/txbuilder"
	"github.com/yourusername/crossrelay/internal/txhelper"
	"go.uber.org/zap"
)

// Options tunes the submit queue's retry policy.
type Options struct {
	MaxTries int

	// ReplacementAdjustmentFactor scales the bump SubmitReplacement applies
	// over the prior transaction's fee when resubmitting at a fixed nonce
	// (e.g. the wallet worker's stuck-nonce cancellation send).
	ReplacementAdjustmentFactor float64
}

// Queue submits WalletTransactionRequests one at a time, in the order
// received, applying the current nonce and fee data from the shared Helper.
type Queue struct {
	chainId model.ChainId
	evm     *rpcprovider.EVMHelper
	helper  *txhelper.Helper
	signer  *signer.Signer
	opts    Options
	metrics metrics.Metrics
	log     *zap.SugaredLogger
}

// New constructs a submit Queue for one chain's wallet worker.
func New(chainId model.ChainId, evm *rpcprovider.EVMHelper, helper *txhelper.Helper, s *signer.Signer, opts Options, m metrics.Metrics, log *zap.SugaredLogger) *Queue {
	if opts.MaxTries <= 0 {
		opts.MaxTries = 3
	}
	if opts.ReplacementAdjustmentFactor <= 0 {
		opts.ReplacementAdjustmentFactor = 1.10
	}
	if m == nil {
		m = metrics.NoOp{}
	}
	return &Queue{chainId: chainId, evm: evm, helper: helper, signer: s, opts: opts, metrics: m, log: log}
}

// Submit assigns nonce/fee data to req, signs and broadcasts it, retrying
// nonce-class errors up to MaxTries. On success it returns a
// PendingTransaction ready for the confirm queue. On failure it returns a
// PendingTransaction carrying a terminal SubmissionError and a nil Tx.
func (q *Queue) Submit(ctx context.Context, req model.WalletTransactionRequest) model.PendingTransaction {
	if req.Options.Deadline != nil && time.Now().After(*req.Options.Deadline) {
		req.SubmissionError = chainerr.New(chainerr.KindDeadlineExceeded, chainerr.CodeDeadlineExceeded, "deadline passed before submission", nil)
		q.metrics.RecordSubmit(string(q.chainId), req.SubmissionError)
		return model.PendingTransaction{WalletTransactionRequest: req}
	}

	var lastErr error
	for attempt := 0; attempt < q.opts.MaxTries; attempt++ {
		pending, err := q.attempt(ctx, req)
		if err == nil {
			q.metrics.RecordSubmit(string(q.chainId), nil)
			return pending
		}
		lastErr = err
		if !chainerr.IsNonceClass(err) {
			break
		}
		if _, rerr := q.helper.RefreshNonce(ctx); rerr != nil {
			lastErr = rerr
			break
		}
	}

	if chainerr.IsNonceClass(lastErr) {
		lastErr = chainerr.New(chainerr.KindNonce, chainerr.CodeMaxTriesReached, "max-tries-reached", lastErr)
	}
	req.SubmissionError = lastErr
	q.metrics.RecordSubmit(string(q.chainId), lastErr)
	return model.PendingTransaction{WalletTransactionRequest: req}
}

func (q *Queue) attempt(ctx context.Context, req model.WalletTransactionRequest) (model.PendingTransaction, error) {
	nonce, err := q.helper.Nonce(ctx)
	if err != nil {
		return model.PendingTransaction{}, err
	}
	fee, err := q.helper.FeeDataFor(ctx, req.Options.Priority)
	if err != nil {
		return model.PendingTransaction{}, err
	}

	var gasFeeCap, gasTipCap *big.Int
	if fee.IsDynamic() {
		gasFeeCap, gasTipCap = fee.MaxFeePerGas, fee.MaxPriorityFeePerGas
	} else {
		gasFeeCap = fee.GasPrice
	}

	params := txbuilder.FromModelRequest(q.signer.ChainID(), nonce, req.TxRequest, gasFeeCap, gasTipCap)
	tx, err := txbuilder.Build(params)
	if err != nil {
		return model.PendingTransaction{}, chainerr.New(chainerr.KindConfiguration, chainerr.CodeBadConfig, "building transaction", err)
	}

	signedTx, err := q.signer.SignTransaction(tx)
	if err != nil {
		return model.PendingTransaction{}, chainerr.New(chainerr.KindConfiguration, chainerr.CodeBadConfig, "signing transaction", err)
	}

	raw, err := txbuilder.RawSignedTx(signedTx)
	if err != nil {
		return model.PendingTransaction{}, chainerr.New(chainerr.KindConfiguration, chainerr.CodeBadConfig, "encoding transaction", err)
	}

	if _, err := q.evm.SendRawTransaction(ctx, raw); err != nil {
		return model.PendingTransaction{}, classifySendError(err)
	}

	q.helper.AdvanceNonce()

	signed, err := txbuilder.ToSignedTx(signedTx)
	if err != nil {
		return model.PendingTransaction{}, err
	}

	return model.PendingTransaction{
		WalletTransactionRequest: req,
		Nonce:                    nonce,
		Tx:                       signed,
	}, nil
}

// SubmitReplacement builds, signs, and broadcasts req at a caller-supplied
// nonce with fees bumped above prior's (via txhelper.ReplacementFee), rather
// than assigning the helper's current nonce the way Submit does. It never
// advances the helper's nonce cursor. This is the path the wallet worker's
// stuck-nonce cancellation send uses: the cancellation must land at the
// exact nonce of the transaction it is replacing, not at a fresh one.
func (q *Queue) SubmitReplacement(ctx context.Context, req model.WalletTransactionRequest, nonce uint64, prior *model.SignedTx) model.PendingTransaction {
	current, err := q.helper.FeeDataFor(ctx, true)
	if err != nil {
		req.SubmissionError = err
		return model.PendingTransaction{WalletTransactionRequest: req, Nonce: nonce}
	}

	base := current
	if prior != nil {
		base = txhelper.FeeData{GasPrice: prior.GasPrice, MaxFeePerGas: prior.GasFeeCap, MaxPriorityFeePerGas: prior.GasTipCap}
	}
	bumped := txhelper.ReplacementFee(base, current, q.opts.ReplacementAdjustmentFactor)

	var gasFeeCap, gasTipCap *big.Int
	if bumped.IsDynamic() {
		gasFeeCap, gasTipCap = bumped.MaxFeePerGas, bumped.MaxPriorityFeePerGas
	} else {
		gasFeeCap = bumped.GasPrice
	}

	params := txbuilder.FromModelRequest(q.signer.ChainID(), nonce, req.TxRequest, gasFeeCap, gasTipCap)
	tx, err := txbuilder.Build(params)
	if err != nil {
		req.SubmissionError = chainerr.New(chainerr.KindConfiguration, chainerr.CodeBadConfig, "building replacement", err)
		return model.PendingTransaction{WalletTransactionRequest: req, Nonce: nonce}
	}
	signedTx, err := q.signer.SignTransaction(tx)
	if err != nil {
		req.SubmissionError = chainerr.New(chainerr.KindConfiguration, chainerr.CodeBadConfig, "signing replacement", err)
		return model.PendingTransaction{WalletTransactionRequest: req, Nonce: nonce}
	}
	raw, err := txbuilder.RawSignedTx(signedTx)
	if err != nil {
		req.SubmissionError = chainerr.New(chainerr.KindConfiguration, chainerr.CodeBadConfig, "encoding replacement", err)
		return model.PendingTransaction{WalletTransactionRequest: req, Nonce: nonce}
	}
	if _, err := q.evm.SendRawTransaction(ctx, raw); err != nil {
		req.SubmissionError = classifySendError(err)
		return model.PendingTransaction{WalletTransactionRequest: req, Nonce: nonce}
	}

	signed, err := txbuilder.ToSignedTx(signedTx)
	if err != nil {
		req.SubmissionError = err
		return model.PendingTransaction{WalletTransactionRequest: req, Nonce: nonce}
	}
	return model.PendingTransaction{WalletTransactionRequest: req, Nonce: nonce, Tx: signed}
}

// classifySendError maps a broadcast failure into the chainerr taxonomy. An
// error indicating NONCE_EXPIRED, REPLACEMENT_UNDERPRICED, or an
// "invalid sequence" RPC body is nonce-class and retryable per §4.6; every
// other failure is a terminal submission error.
func classifySendError(err error) error {
	if chainerr.IsNonceClass(err) {
		return chainerr.New(chainerr.KindNonce, chainerr.CodeNonceExpired, "nonce rejected", err)
	}
	return chainerr.New(chainerr.KindTransientRPC, chainerr.CodeRPCUnavailable, "broadcasting transaction", err)
}
