package walletworker

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yourusername/crossrelay/internal/chainerr"
	"github.com/yourusername/crossrelay/internal/config"
	"github.com/yourusername/crossrelay/internal/confirmqueue"
	"github.com/yourusername/crossrelay/internal/metrics"
	"github.com/yourusername/crossrelay/internal/model"
	"github.com/yourusername/crossrelay/internal/rpcprovider"
	"github.com/yourusername/crossrelay/internal/signer"
	"github.com/yourusername/crossrelay/internal/submitqueue"
	"github.com/yourusername/crossrelay/internal/txhelper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClient struct {
	responses  map[string]json.RawMessage
	errs       map[string]error
	neverMined bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		responses: map[string]json.RawMessage{
			"eth_getTransactionCount":  json.RawMessage(`"0x1"`),
			"eth_blockNumber":          json.RawMessage(`"0x64"`),
			"eth_sendRawTransaction":   json.RawMessage(`"0xbeef"`),
			"eth_feeHistory":           json.RawMessage(`{"reward":[["0x3b9aca00"]]}`),
			"eth_getBlockByNumber":     json.RawMessage(`{"hash":"0xaa","baseFeePerGas":"0x3b9aca00"}`),
			"eth_getTransactionReceipt": minedReceipt(),
		},
		errs: map[string]error{},
	}
}

func (f *fakeClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if err, ok := f.errs[method]; ok {
		return nil, err
	}
	if method == "eth_getTransactionReceipt" && f.neverMined {
		return json.RawMessage(`null`), nil
	}
	if raw, ok := f.responses[method]; ok {
		return raw, nil
	}
	return json.RawMessage(`"0x0"`), nil
}

func (f *fakeClient) CallBatch(ctx context.Context, reqs []rpcprovider.Request) ([]rpcprovider.Response, error) {
	return nil, nil
}

func (f *fakeClient) Close() error { return nil }

func testSigner(t *testing.T) *signer.Signer {
	t.Helper()
	key := make([]byte, 32)
	key[31] = 1
	s, err := signer.New(key, 1)
	require.NoError(t, err)
	return s
}

func minedReceipt() json.RawMessage {
	return json.RawMessage(`{"blockNumber":"0x1","status":"0x1","gasUsed":"0x5208","effectiveGasPrice":"0x3b9aca00"}`)
}

func newTestWorker(t *testing.T, fc *fakeClient) *Worker {
	t.Helper()
	evm := rpcprovider.NewEVMHelper(fc)
	s := testSigner(t)
	helper := txhelper.New(evm, s.Address(), config.WalletOptions{})
	submit := submitqueue.New("1", evm, helper, s, submitqueue.Options{}, metrics.NoOp{}, zap.NewNop().Sugar())
	confirm := confirmqueue.New("1", evm, helper, s, confirmqueue.Options{
		PollInterval:        time.Millisecond,
		ConfirmationTimeout: 50 * time.Millisecond,
		MaxTries:            2,
	}, metrics.NoOp{}, zap.NewNop().Sugar())
	return New("1", evm, helper, s, submit, confirm, Options{
		ProcessingInterval: time.Millisecond,
	}, metrics.NoOp{}, zap.NewNop().Sugar())
}

func TestWorker_Run_SubmitAndConfirmDeliversResult(t *testing.T) {
	fc := newFakeClient()
	w := newTestWorker(t, fc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Submit(model.WalletTransactionRequest{
		PortId:    "port-a",
		TxRequest: model.TransactionRequest{GasLimit: 21000},
	})

	select {
	case res := <-w.Results():
		assert.Equal(t, "port-a", res.PortId)
		assert.NoError(t, res.SubmissionError)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestWorker_Run_SubmissionFailureDeliversTerminalResult(t *testing.T) {
	fc := newFakeClient()
	fc.errs["eth_sendRawTransaction"] = assert.AnError
	w := newTestWorker(t, fc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Submit(model.WalletTransactionRequest{
		PortId:    "port-b",
		TxRequest: model.TransactionRequest{GasLimit: 21000},
	})

	select {
	case res := <-w.Results():
		assert.Equal(t, "port-b", res.PortId)
		assert.Error(t, res.SubmissionError)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestWorker_HandleUnconfirmed_CancelsAtStuckNonceAndDeliversReceipt(t *testing.T) {
	fc := newFakeClient()
	w := newTestWorker(t, fc)

	confirmed := model.ConfirmedTransaction{
		PendingTransaction: model.PendingTransaction{
			WalletTransactionRequest: model.WalletTransactionRequest{PortId: "port-stuck"},
			Nonce:                    7,
			Tx:                       &model.SignedTx{Hash: common.HexToHash("0xdead"), GasFeeCap: big.NewInt(100), GasTipCap: big.NewInt(10)},
			ConfirmationError:        chainerr.New(chainerr.KindConfirmationTimeout, chainerr.CodeUnconfirmed, "unconfirmed", nil),
		},
	}

	outcome := w.runCancellation(context.Background(), confirmed)
	assert.False(t, outcome.stalled, "a successful cancellation must not leave the worker stalled")
	assert.Equal(t, "port-stuck", outcome.portId)
	assert.True(t, chainerr.Is(outcome.result.ConfirmationError, chainerr.KindConfirmationTimeout))
	require.NotNil(t, outcome.result.TxReceipt, "a landed cancellation must deliver its receipt")
	assert.Equal(t, uint64(1), outcome.result.TxReceipt.Status)
}

func TestWorker_HandleUnconfirmed_RunsOffDispatchLoopAndDeliversViaCancelDone(t *testing.T) {
	fc := newFakeClient()
	w := newTestWorker(t, fc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	confirmed := model.ConfirmedTransaction{
		PendingTransaction: model.PendingTransaction{
			WalletTransactionRequest: model.WalletTransactionRequest{PortId: "port-stuck"},
			Nonce:                    7,
			Tx:                       &model.SignedTx{Hash: common.HexToHash("0xdead"), GasFeeCap: big.NewInt(100), GasTipCap: big.NewInt(10)},
			ConfirmationError:        chainerr.New(chainerr.KindConfirmationTimeout, chainerr.CodeUnconfirmed, "unconfirmed", nil),
		},
	}
	w.handleUnconfirmed(ctx, confirmed)

	select {
	case res := <-w.Results():
		assert.Equal(t, "port-stuck", res.PortId)
		require.NotNil(t, res.TxReceipt, "a landed cancellation must deliver its receipt")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation result via Run's dispatch loop")
	}
}

func TestWorker_HandleUnconfirmed_EntersStalledAfterMaxTries(t *testing.T) {
	fc := newFakeClient()
	fc.neverMined = true
	w := newTestWorker(t, fc)

	originalErr := chainerr.New(chainerr.KindConfirmationTimeout, chainerr.CodeUnconfirmed, "unconfirmed", nil)
	confirmed := model.ConfirmedTransaction{
		PendingTransaction: model.PendingTransaction{
			WalletTransactionRequest: model.WalletTransactionRequest{PortId: "port-stuck"},
			Nonce:                    9,
			Tx:                       &model.SignedTx{Hash: common.HexToHash("0xdead"), GasFeeCap: big.NewInt(100), GasTipCap: big.NewInt(10)},
			ConfirmationError:        originalErr,
		},
	}

	outcome := w.runCancellation(context.Background(), confirmed)

	assert.True(t, outcome.stalled, "exhausting cancellation attempts must enter the stalled state")
	assert.Equal(t, uint64(9), outcome.stuckNonce)
	assert.Equal(t, "port-stuck", outcome.portId)
	assert.Equal(t, originalErr, outcome.result.ConfirmationError)
	assert.Nil(t, outcome.result.TxReceipt)
}

func TestWorker_Run_RecoversFromPanicAndReturns(t *testing.T) {
	fc := newFakeClient()
	w := newTestWorker(t, fc)
	w.submit = nil // forces a nil-pointer panic inside Run's own dispatch loop

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Submit(model.WalletTransactionRequest{PortId: "port-panic", TxRequest: model.TransactionRequest{GasLimit: 21000}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after a panic; recover() did not contain it")
	}
}

func TestRemovePending_DropsMatchingEntry(t *testing.T) {
	in := []model.PendingTransaction{
		{WalletTransactionRequest: model.WalletTransactionRequest{PortId: "a"}, Nonce: 1},
		{WalletTransactionRequest: model.WalletTransactionRequest{PortId: "b"}, Nonce: 2},
	}
	done := model.PendingTransaction{WalletTransactionRequest: model.WalletTransactionRequest{PortId: "a"}, Nonce: 1}

	out := removePending(in, done)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].PortId)
}
