// Package walletworker implements the per-chain worker loop (SPEC_FULL.md
// §4.8): pull requests, submit, confirm, answer exactly once per request,
// requeue nonce-class confirmation failures, and cancel stuck transactions
// via a self-send before entering a stalled state. Grounded on the
// one-worker-per-key isolation model of a chainlink-style EthBroadcaster,
// composed with the submit/confirm split of optimism's txmgr.go.
package walletworker

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yourusername/crossrelay/internal/chainerr"
	"github.com/yourusername/crossrelay/internal/confirmqueue"
	"github.com/yourusername/crossrelay/internal/metrics"
	"github.com/yourusername/crossrelay/internal/model"
	"github.com/yourusername/crossrelay/internal/rpcprovider"
	"github.com/yourusername/crossrelay/internal/signer"
	"github.com/yourusername/crossrelay/internal/submitqueue"
	"github.com/yourusername/crossrelay/internal/txhelper"
	"go.uber.org/zap"
)

// Options tunes the worker's pull/sleep cadence and capacity.
type Options struct {
	MaxPendingTransactions int
	ProcessingInterval     time.Duration
	ConfirmationTimeout    time.Duration
	MaxTries               int
}

// Result is delivered exactly once per admitted request, on the port it
// arrived on.
type Result struct {
	PortId string
	model.TransactionResult
}

// Worker owns one chain's provider, signer, helper, and queues, and runs the
// pull-submit-confirm-handle cycle until its context is cancelled.
type Worker struct {
	chainId model.ChainId
	evm     *rpcprovider.EVMHelper
	helper  *txhelper.Helper
	signer  *signer.Signer
	submit  *submitqueue.Queue
	confirm *confirmqueue.Queue
	opts    Options
	metrics metrics.Metrics
	log     *zap.SugaredLogger

	inbox      chan model.WalletTransactionRequest
	results    chan Result
	cancelDone chan cancelOutcome

	stalled     bool
	stalledFrom uint64
}

// cancelOutcome is the terminal result of a stuck-nonce cancellation dance
// (handleUnconfirmed), delivered back to Run's single dispatch goroutine so
// state (stalled/stalledFrom) is only ever mutated there, even though the
// cancellation retries themselves run off the main loop.
type cancelOutcome struct {
	stuckNonce uint64
	stalled    bool
	portId     string
	result     model.TransactionResult
}

// New constructs a Worker. inbound is the channel the wallet service
// forwards WalletTransactionRequests on; the returned Worker's Results()
// channel carries the corresponding outcomes.
func New(chainId model.ChainId, evm *rpcprovider.EVMHelper, helper *txhelper.Helper, s *signer.Signer, submit *submitqueue.Queue, confirm *confirmqueue.Queue, opts Options, m metrics.Metrics, log *zap.SugaredLogger) *Worker {
	if opts.MaxPendingTransactions <= 0 {
		opts.MaxPendingTransactions = 50
	}
	if opts.ProcessingInterval <= 0 {
		opts.ProcessingInterval = 100 * time.Millisecond
	}
	if opts.MaxTries <= 0 {
		opts.MaxTries = 3
	}
	if m == nil {
		m = metrics.NoOp{}
	}
	return &Worker{
		chainId: chainId,
		evm:     evm,
		helper:  helper,
		signer:  s,
		submit:  submit,
		confirm: confirm,
		opts:    opts,
		metrics: m,
		log:     log,
		inbox:      make(chan model.WalletTransactionRequest, opts.MaxPendingTransactions),
		results:    make(chan Result, opts.MaxPendingTransactions),
		cancelDone: make(chan cancelOutcome, opts.MaxPendingTransactions),
	}
}

// Submit enqueues req for this worker. Blocks if the inbox is full.
func (w *Worker) Submit(req model.WalletTransactionRequest) {
	w.inbox <- req
}

// Results returns the channel every admitted request's terminal outcome is
// published on.
func (w *Worker) Results() <-chan Result {
	return w.results
}

// Run executes the main loop until ctx is cancelled. A panic anywhere in the
// dispatch loop is recovered and logged rather than crashing the process;
// Run then returns as if it had exited normally, and the wallet service's
// supervisor respawns the worker.
func (w *Worker) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			if w.log != nil {
				w.log.Errorw("wallet worker: recovered from panic", "chainId", w.chainId, "panic", r)
			}
		}
	}()

	var inConfirm []model.PendingTransaction
	confirmDone := make(chan model.ConfirmedTransaction, w.opts.MaxPendingTransactions)

	ticker := time.NewTicker(w.opts.ProcessingInterval)
	defer ticker.Stop()
	defer close(w.results)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.stalled {
				w.pollStall(ctx)
				continue
			}

			capacity := w.opts.MaxPendingTransactions - len(inConfirm)
			batch := w.drainInbox(capacity)
			for _, req := range batch {
				pending := w.submit.Submit(ctx, req)
				if pending.SubmissionError != nil {
					w.handleInvalid(pending)
					continue
				}
				inConfirm = append(inConfirm, pending)
				go func(p model.PendingTransaction) {
					confirmDone <- w.confirm.Await(ctx, p)
				}(pending)
			}
		case confirmed := <-confirmDone:
			inConfirm = removePending(inConfirm, confirmed.PendingTransaction)
			w.handleConfirmResult(ctx, confirmed)
		case outcome := <-w.cancelDone:
			if outcome.stalled {
				w.enterStalled(outcome.stuckNonce)
			}
			w.deliver(outcome.portId, outcome.result)
		}
	}
}

func (w *Worker) drainInbox(capacity int) []model.WalletTransactionRequest {
	var batch []model.WalletTransactionRequest
	for len(batch) < capacity {
		select {
		case req := <-w.inbox:
			batch = append(batch, req)
		default:
			return batch
		}
	}
	return batch
}

func (w *Worker) handleInvalid(pending model.PendingTransaction) {
	if w.log != nil {
		w.log.Warnw("wallet worker: submission failed", "chainId", w.chainId, "portId", pending.PortId, "error", pending.SubmissionError)
	}
	w.deliver(pending.PortId, model.TransactionResult{
		TxRequest:       pending.TxRequest,
		Metadata:        pending.Metadata,
		SubmissionError: pending.SubmissionError,
	})
}

func (w *Worker) handleConfirmResult(ctx context.Context, confirmed model.ConfirmedTransaction) {
	if confirmed.ConfirmationError == nil {
		w.handleConfirmed(confirmed)
		return
	}
	if chainerr.IsNonceClass(confirmed.ConfirmationError) {
		w.handleRejected(ctx, confirmed)
		return
	}
	w.handleUnconfirmed(ctx, confirmed)
}

// handleConfirmed delivers the receipt on the request's port. Gas cost
// deduction against the running balance estimate happens after confirmation,
// matching the teacher's historical ordering even though it overstates the
// balance during the submit/confirm window — see the latent-bug note in
// SPEC_FULL.md §9.
func (w *Worker) handleConfirmed(confirmed model.ConfirmedTransaction) {
	if w.log != nil {
		w.log.Infow("wallet worker: confirmed", "chainId", w.chainId, "portId", confirmed.PortId, "txHash", confirmed.Tx.Hash)
	}
	if confirmed.TxReceipt != nil {
		cost := new(big.Int).Mul(new(big.Int).SetUint64(confirmed.TxReceipt.GasUsed), confirmed.TxReceipt.EffectiveGasPrice)
		w.deductBalance(cost)
	}
	w.deliver(confirmed.PortId, model.TransactionResult{
		TxRequest: confirmed.TxRequest,
		Metadata:  confirmed.Metadata,
		Tx:        confirmed.Tx,
		TxReceipt: confirmed.TxReceipt,
	})
}

func (w *Worker) deductBalance(cost *big.Int) {
	w.helper.DeductBalance(cost)
}

// handleRejected requeues a confirmation-level nonce error back into the
// submit queue, unless the caller opted out or requeueCount is exhausted.
func (w *Worker) handleRejected(ctx context.Context, confirmed model.ConfirmedTransaction) {
	req := confirmed.WalletTransactionRequest
	if req.Options.DisableNonceConfirmationRetry || req.RequeueCount >= w.opts.MaxTries {
		w.handleUnconfirmed(ctx, confirmed)
		return
	}
	req.RequeueCount++
	if _, err := w.helper.RefreshNonce(ctx); err != nil {
		w.handleUnconfirmed(ctx, confirmed)
		return
	}
	if w.log != nil {
		w.log.Infow("wallet worker: requeueing after nonce-class confirmation error", "chainId", w.chainId, "portId", req.PortId, "requeueCount", req.RequeueCount)
	}
	w.Submit(req)
}

// handleUnconfirmed attempts a zero-value cancellation send at the stuck
// nonce, fee-bumped over the stuck transaction's last-known fee so it can
// actually displace it in the mempool; if that also fails to confirm within
// maxTries, the worker enters the stalled state. The cancellation dance runs
// off the dispatch goroutine (it can take MaxTries*ConfirmationTimeout to
// resolve) and reports its outcome back over cancelDone, so Run keeps
// servicing other in-flight transactions and new submissions meanwhile.
func (w *Worker) handleUnconfirmed(ctx context.Context, confirmed model.ConfirmedTransaction) {
	go func() {
		w.cancelDone <- w.runCancellation(ctx, confirmed)
	}()
}

func (w *Worker) runCancellation(ctx context.Context, confirmed model.ConfirmedTransaction) cancelOutcome {
	stuckNonce := confirmed.Nonce
	zero := common.Address{}
	cancelReq := model.WalletTransactionRequest{
		PortId:    confirmed.PortId,
		TxRequest: model.TransactionRequest{To: &zero, Data: nil, Value: big.NewInt(0), GasLimit: 21000},
		Options:   model.RequestOptions{Priority: true},
	}

	prior := confirmed.Tx
	if confirmed.TxReplacement != nil {
		prior = confirmed.TxReplacement
	}

	for attempt := 0; attempt < w.opts.MaxTries; attempt++ {
		pending := w.submit.SubmitReplacement(ctx, cancelReq, stuckNonce, prior)
		if pending.SubmissionError != nil {
			continue
		}
		prior = pending.Tx
		result := w.confirm.Await(ctx, pending)
		if result.ConfirmationError == nil {
			return cancelOutcome{
				portId: confirmed.PortId,
				result: model.TransactionResult{
					TxRequest:         confirmed.TxRequest,
					Metadata:          confirmed.Metadata,
					Tx:                result.Tx,
					TxReceipt:         result.TxReceipt,
					ConfirmationError: chainerr.New(chainerr.KindConfirmationTimeout, chainerr.CodeCancelled, "cancelled", nil),
				},
			}
		}
	}

	return cancelOutcome{
		stuckNonce: stuckNonce,
		stalled:    true,
		portId:     confirmed.PortId,
		result: model.TransactionResult{
			TxRequest:         confirmed.TxRequest,
			Metadata:          confirmed.Metadata,
			ConfirmationError: confirmed.ConfirmationError,
		},
	}
}

func (w *Worker) enterStalled(stuckNonce uint64) {
	w.stalled = true
	w.stalledFrom = stuckNonce
	if w.log != nil {
		w.log.Errorw("wallet worker: entering stalled state", "chainId", w.chainId, "stuckNonce", stuckNonce)
	}
}

// pollStall checks whether the chain's latest nonce has advanced past the
// stuck nonce; if so, resumes normal operation.
func (w *Worker) pollStall(ctx context.Context) {
	nonce, err := w.helper.RefreshNonce(ctx)
	if err != nil {
		return
	}
	if nonce > w.stalledFrom {
		if w.log != nil {
			w.log.Infow("wallet worker: exiting stalled state", "chainId", w.chainId)
		}
		w.stalled = false
	}
}

func (w *Worker) deliver(portId string, result model.TransactionResult) {
	select {
	case w.results <- Result{PortId: portId, TransactionResult: result}:
	default:
		if w.log != nil {
			w.log.Warnw("wallet worker: results channel full, dropping result", "chainId", w.chainId, "portId", portId)
		}
	}
}

func removePending(in []model.PendingTransaction, done model.PendingTransaction) []model.PendingTransaction {
	out := in[:0]
	for _, p := range in {
		if p.PortId == done.PortId && p.Nonce == done.Nonce {
			continue
		}
		out = append(out, p)
	}
	return out
}
