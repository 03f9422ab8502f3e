package confirmqueue

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yourusername/crossrelay/internal/chainerr"
	"github.com/yourusername/crossrelay/internal/config"
	"github.com/yourusername/crossrelay/internal/metrics"
	"github.com/yourusername/crossrelay/internal/model"
	"github.com/yourusername/crossrelay/internal/rpcprovider"
	"github.com/yourusername/crossrelay/internal/signer"
	"github.com/yourusername/crossrelay/internal/txhelper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClient struct {
	receipts     map[common.Hash]json.RawMessage
	responses    map[string]json.RawMessage
	errs         map[string]error
	sendErrs     []error // consumed in order by successive eth_sendRawTransaction calls
	sendCount    int
	originalHash *common.Hash // if set, any other hash is reported mined once a send has happened
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		receipts: make(map[common.Hash]json.RawMessage),
		responses: map[string]json.RawMessage{
			"eth_blockNumber":        json.RawMessage(`"0x64"`),
			"eth_sendRawTransaction": json.RawMessage(`"0xbeef"`),
			"eth_feeHistory":         json.RawMessage(`{"reward":[["0x3b9aca00"]]}`),
			"eth_getBlockByNumber":   json.RawMessage(`{"hash":"0xaa","baseFeePerGas":"0x3b9aca00"}`),
		},
		errs: map[string]error{},
	}
}

func (f *fakeClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if method == "eth_sendRawTransaction" {
		if f.sendCount < len(f.sendErrs) {
			err := f.sendErrs[f.sendCount]
			f.sendCount++
			if err != nil {
				return nil, err
			}
		} else {
			f.sendCount++
		}
	}
	if err, ok := f.errs[method]; ok {
		return nil, err
	}
	if method == "eth_getTransactionReceipt" {
		args := params.([]interface{})
		hash := common.HexToHash(args[0].(string))
		if raw, ok := f.receipts[hash]; ok {
			return raw, nil
		}
		if f.originalHash != nil && hash != *f.originalHash && f.sendCount >= 1 {
			return minedReceipt(), nil
		}
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
	return json.RawMessage(`{"blockNumber":"0x63","status":"0x1","gasUsed":"0x5208","effectiveGasPrice":"0x3b9aca00"}`)
}

func TestQueue_Await_ConfirmsImmediately(t *testing.T) {
	fc := newFakeClient()
	evm := rpcprovider.NewEVMHelper(fc)
	helper := txhelper.New(evm, testSigner(t).Address(), config.WalletOptions{})
	q := New("1", evm, helper, testSigner(t), Options{PollInterval: time.Millisecond, ConfirmationTimeout: time.Second}, metrics.NoOp{}, zap.NewNop().Sugar())

	txHash := common.HexToHash("0x01")
	fc.receipts[txHash] = minedReceipt()

	pending := model.PendingTransaction{
		Tx: &model.SignedTx{Hash: txHash},
	}
	confirmed := q.Await(context.Background(), pending)

	require.NoError(t, confirmed.ConfirmationError)
	require.NotNil(t, confirmed.TxReceipt)
	assert.Equal(t, uint64(1), confirmed.TxReceipt.Status)
}

func TestQueue_Await_TimesOutAndSendsReplacement(t *testing.T) {
	fc := newFakeClient()
	evm := rpcprovider.NewEVMHelper(fc)
	helper := txhelper.New(evm, testSigner(t).Address(), config.WalletOptions{})
	q := New("1", evm, helper, testSigner(t), Options{
		PollInterval:        time.Millisecond,
		ConfirmationTimeout: 5 * time.Millisecond,
		MaxTries:            2,
	}, metrics.NoOp{}, zap.NewNop().Sugar())

	original := common.HexToHash("0x01")
	pending := model.PendingTransaction{
		Tx: &model.SignedTx{Hash: original, GasFeeCap: big.NewInt(100), GasTipCap: big.NewInt(10)},
	}

	confirmed := q.Await(context.Background(), pending)

	require.Error(t, confirmed.ConfirmationError)
	assert.True(t, chainerr.Is(confirmed.ConfirmationError, chainerr.KindConfirmationTimeout))
	assert.GreaterOrEqual(t, fc.sendCount, 1, "a fee-bumped replacement must have been broadcast")
}

func TestQueue_Await_PropagatesNonTimeoutErrorImmediately(t *testing.T) {
	fc := newFakeClient()
	fc.errs["eth_getTransactionReceipt"] = assert.AnError
	evm := rpcprovider.NewEVMHelper(fc)
	helper := txhelper.New(evm, testSigner(t).Address(), config.WalletOptions{})
	q := New("1", evm, helper, testSigner(t), Options{
		PollInterval:        time.Millisecond,
		ConfirmationTimeout: time.Second,
		MaxTries:            3,
	}, metrics.NoOp{}, zap.NewNop().Sugar())

	pending := model.PendingTransaction{
		Tx: &model.SignedTx{Hash: common.HexToHash("0x01")},
	}
	confirmed := q.Await(context.Background(), pending)

	require.Error(t, confirmed.ConfirmationError)
	assert.True(t, chainerr.Is(confirmed.ConfirmationError, chainerr.KindTransientRPC))
}

func TestQueue_Await_FeeBumpReplacementLands(t *testing.T) {
	fc := newFakeClient()
	evm := rpcprovider.NewEVMHelper(fc)
	helper := txhelper.New(evm, testSigner(t).Address(), config.WalletOptions{})
	q := New("1", evm, helper, testSigner(t), Options{
		PollInterval:        time.Millisecond,
		ConfirmationTimeout: 5 * time.Millisecond,
		MaxTries:            3,
	}, metrics.NoOp{}, zap.NewNop().Sugar())

	original := common.HexToHash("0x01")
	fc.originalHash = &original

	pending := model.PendingTransaction{
		Tx: &model.SignedTx{Hash: original, GasFeeCap: big.NewInt(100), GasTipCap: big.NewInt(10)},
	}

	confirmed := q.Await(context.Background(), pending)

	require.NoError(t, confirmed.ConfirmationError)
	require.NotNil(t, confirmed.Tx)
	assert.NotEqual(t, original, confirmed.Tx.Hash, "the landed transaction must be the fee-bumped replacement, not the original")
	require.NotNil(t, confirmed.TxReplacement)
	assert.Equal(t, original, confirmed.TxReplacement.Hash)
}

func TestQueue_Await_ReplacementUnderpricedKeepsWaitingOnOriginal(t *testing.T) {
	fc := newFakeClient()
	fc.sendErrs = []error{chainerr.New(chainerr.KindNonce, chainerr.CodeReplacementUnderpriced, "replacement underpriced", nil)}
	evm := rpcprovider.NewEVMHelper(fc)
	helper := txhelper.New(evm, testSigner(t).Address(), config.WalletOptions{})
	q := New("1", evm, helper, testSigner(t), Options{
		PollInterval:        time.Millisecond,
		ConfirmationTimeout: 5 * time.Millisecond,
		MaxTries:            3,
	}, metrics.NoOp{}, zap.NewNop().Sugar())

	original := common.HexToHash("0x01")
	fc.originalHash = &original
	pending := model.PendingTransaction{
		Tx: &model.SignedTx{Hash: original, GasFeeCap: big.NewInt(100), GasTipCap: big.NewInt(10)},
	}

	confirmed := q.Await(context.Background(), pending)

	require.NoError(t, confirmed.ConfirmationError, "a REPLACEMENT_UNDERPRICED bump failure must not be terminal while the original can still land")
	assert.GreaterOrEqual(t, fc.sendCount, 2, "the first (rejected) bump attempt must still count against maxTries, with a further attempt landing")
}
