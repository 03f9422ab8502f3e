package rpcprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EVMHelper wraps a Client with the specific eth_* JSON-RPC calls the
// resolver, transaction helper, submit queue, and confirm queue need.
// Grounded on the teacher's ethereum.RPCHelper.
type EVMHelper struct {
	client Client
}

// NewEVMHelper wraps client.
func NewEVMHelper(client Client) *EVMHelper {
	return &EVMHelper{client: client}
}

// GetTransactionCount returns the pending (or "latest") nonce for address.
func (h *EVMHelper) GetTransactionCount(ctx context.Context, address common.Address, block string) (uint64, error) {
	raw, err := h.client.Call(ctx, "eth_getTransactionCount", []interface{}{address.Hex(), block})
	if err != nil {
		return 0, fmt.Errorf("eth_getTransactionCount: %w", err)
	}
	return decodeQuantity(raw)
}

// EstimateGas estimates the gas limit for the given call parameters.
func (h *EVMHelper) EstimateGas(ctx context.Context, from common.Address, to *common.Address, value *big.Int, data []byte) (uint64, error) {
	params := map[string]interface{}{
		"from": from.Hex(),
		"data": hexutil.Encode(data),
	}
	if to != nil {
		params["to"] = to.Hex()
	}
	if value != nil {
		params["value"] = hexutil.EncodeBig(value)
	}
	raw, err := h.client.Call(ctx, "eth_estimateGas", []interface{}{params})
	if err != nil {
		return 0, fmt.Errorf("eth_estimateGas: %w", err)
	}
	return decodeQuantity(raw)
}

// GetBalance returns address's latest wei balance.
func (h *EVMHelper) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	raw, err := h.client.Call(ctx, "eth_getBalance", []interface{}{address.Hex(), "latest"})
	if err != nil {
		return nil, fmt.Errorf("eth_getBalance: %w", err)
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, fmt.Errorf("eth_getBalance: decoding response: %w", err)
	}
	bal, err := hexutil.DecodeBig(hexStr)
	if err != nil {
		return nil, fmt.Errorf("eth_getBalance: decoding quantity: %w", err)
	}
	return bal, nil
}

// GetBaseFee reads baseFeePerGas off the latest block. Pre-London chains
// have no such field; this returns zero rather than an error.
func (h *EVMHelper) GetBaseFee(ctx context.Context) (*big.Int, error) {
	raw, err := h.client.Call(ctx, "eth_getBlockByNumber", []interface{}{"latest", false})
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber: %w", err)
	}
	var block struct {
		BaseFeePerGas *string `json:"baseFeePerGas"`
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("decoding block: %w", err)
	}
	if block.BaseFeePerGas == nil {
		return big.NewInt(0), nil
	}
	v, err := hexutil.DecodeBig(*block.BaseFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("decoding baseFeePerGas: %w", err)
	}
	return v, nil
}

// GetFeeHistory returns the RPC-suggested priority fee. A failed
// eth_feeHistory call (including a chain that doesn't support it) is returned
// as an error; a response with no usable reward data falls back to 2 gwei.
func (h *EVMHelper) GetFeeHistory(ctx context.Context, blockCount int) (*big.Int, error) {
	raw, err := h.client.Call(ctx, "eth_feeHistory", []interface{}{blockCount, "latest", []int{50}})
	if err != nil {
		return nil, fmt.Errorf("eth_feeHistory: %w", err)
	}
	var history struct {
		Reward [][]string `json:"reward"`
	}
	if err := json.Unmarshal(raw, &history); err != nil || len(history.Reward) == 0 {
		return big.NewInt(2e9), nil
	}
	last := history.Reward[len(history.Reward)-1]
	if len(last) == 0 {
		return big.NewInt(2e9), nil
	}
	v, err := hexutil.DecodeBig(last[0])
	if err != nil {
		return big.NewInt(2e9), nil
	}
	return v, nil
}

// GetBlockNumber returns the chain's latest block number.
func (h *EVMHelper) GetBlockNumber(ctx context.Context) (uint64, error) {
	raw, err := h.client.Call(ctx, "eth_blockNumber", []interface{}{})
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return decodeQuantity(raw)
}

// GetBlockByNumber returns the L1BlockNumber extension field Arbitrum-style
// chains attach, along with the block's own number and hash.
func (h *EVMHelper) GetBlockByNumber(ctx context.Context, number uint64) (blockHash common.Hash, l1BlockNumber uint64, err error) {
	raw, err := h.client.Call(ctx, "eth_getBlockByNumber", []interface{}{hexutil.EncodeUint64(number), false})
	if err != nil {
		return common.Hash{}, 0, fmt.Errorf("eth_getBlockByNumber: %w", err)
	}
	var block struct {
		Hash          string  `json:"hash"`
		L1BlockNumber *string `json:"l1BlockNumber"`
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		return common.Hash{}, 0, fmt.Errorf("decoding block: %w", err)
	}
	if block.L1BlockNumber != nil {
		l1, err := hexutil.DecodeUint64(*block.L1BlockNumber)
		if err == nil {
			l1BlockNumber = l1
		}
	}
	return common.HexToHash(block.Hash), l1BlockNumber, nil
}

// SendRawTransaction broadcasts a signed, RLP-encoded transaction.
func (h *EVMHelper) SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error) {
	raw, err := h.client.Call(ctx, "eth_sendRawTransaction", []interface{}{hexutil.Encode(rawTx)})
	if err != nil {
		return common.Hash{}, fmt.Errorf("eth_sendRawTransaction: %w", err)
	}
	var hexHash string
	if err := json.Unmarshal(raw, &hexHash); err != nil {
		return common.Hash{}, fmt.Errorf("decoding transaction hash: %w", err)
	}
	return common.HexToHash(hexHash), nil
}

// TransactionReceipt is the decoded subset of eth_getTransactionReceipt this
// relayer consumes.
type TransactionReceipt struct {
	Found             bool
	BlockNumber       uint64
	Status            uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

// GetTransactionReceipt returns the receipt for txHash, or Found=false if it
// is not yet mined.
func (h *EVMHelper) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (TransactionReceipt, error) {
	raw, err := h.client.Call(ctx, "eth_getTransactionReceipt", []interface{}{txHash.Hex()})
	if err != nil {
		return TransactionReceipt{}, fmt.Errorf("eth_getTransactionReceipt: %w", err)
	}
	if string(raw) == "null" || len(raw) == 0 {
		return TransactionReceipt{}, nil
	}
	var r struct {
		BlockNumber       string `json:"blockNumber"`
		Status            string `json:"status"`
		GasUsed           string `json:"gasUsed"`
		EffectiveGasPrice string `json:"effectiveGasPrice"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return TransactionReceipt{}, fmt.Errorf("decoding receipt: %w", err)
	}
	blockNumber, _ := hexutil.DecodeUint64(r.BlockNumber)
	status, _ := hexutil.DecodeUint64(r.Status)
	gasUsed, _ := hexutil.DecodeUint64(r.GasUsed)
	gasPrice := big.NewInt(0)
	if r.EffectiveGasPrice != "" {
		if v, err := hexutil.DecodeBig(r.EffectiveGasPrice); err == nil {
			gasPrice = v
		}
	}
	return TransactionReceipt{
		Found:             true,
		BlockNumber:       blockNumber,
		Status:            status,
		GasUsed:           gasUsed,
		EffectiveGasPrice: gasPrice,
	}, nil
}

// LogFilter is the subset of eth_getLogs parameters the collector scanners
// need.
type LogFilter struct {
	FromBlock uint64
	ToBlock   uint64
	Address   common.Address
	Topics    [][]common.Hash
}

// Log is the decoded subset of an Ethereum event log the scanners consume.
type Log struct {
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
}

// GetLogs fetches logs in the given window matching filter.
func (h *EVMHelper) GetLogs(ctx context.Context, filter LogFilter) ([]Log, error) {
	topics := make([][]string, len(filter.Topics))
	for i, group := range filter.Topics {
		row := make([]string, len(group))
		for j, t := range group {
			row[j] = t.Hex()
		}
		topics[i] = row
	}
	params := map[string]interface{}{
		"fromBlock": hexutil.EncodeUint64(filter.FromBlock),
		"toBlock":   hexutil.EncodeUint64(filter.ToBlock),
		"address":   filter.Address.Hex(),
		"topics":    topics,
	}
	raw, err := h.client.Call(ctx, "eth_getLogs", []interface{}{params})
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs: %w", err)
	}

	var entries []struct {
		Address     string   `json:"address"`
		Topics      []string `json:"topics"`
		Data        string   `json:"data"`
		BlockNumber string   `json:"blockNumber"`
		BlockHash   string   `json:"blockHash"`
		TxHash      string   `json:"transactionHash"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding logs: %w", err)
	}

	logs := make([]Log, len(entries))
	for i, e := range entries {
		topics := make([]common.Hash, len(e.Topics))
		for j, t := range e.Topics {
			topics[j] = common.HexToHash(t)
		}
		data, _ := hexutil.Decode(e.Data)
		blockNumber, _ := hexutil.DecodeUint64(e.BlockNumber)
		logs[i] = Log{
			Address:     common.HexToAddress(e.Address),
			Topics:      topics,
			Data:        data,
			BlockNumber: blockNumber,
			BlockHash:   common.HexToHash(e.BlockHash),
			TxHash:      common.HexToHash(e.TxHash),
		}
	}
	return logs, nil
}

func decodeQuantity(raw json.RawMessage) (uint64, error) {
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return 0, fmt.Errorf("decoding quantity: %w", err)
	}
	return hexutil.DecodeUint64(hexStr)
}
