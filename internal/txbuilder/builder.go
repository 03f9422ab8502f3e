// Package txbuilder constructs EIP-1559 (and legacy) go-ethereum
// transactions from a TransactionRequest plus the nonce/fee fields the
// submit queue assigns. Grounded on the teacher's
// src/chainadapter/ethereum/builder.go.
package txbuilder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/yourusername/crossrelay/internal/model"
)

// Params carries everything needed to build one transaction.
type Params struct {
	ChainID   *big.Int
	Nonce     uint64
	To        *common.Address
	Value     *big.Int
	Data      []byte
	GasLimit  uint64
	GasFeeCap *big.Int // maxFeePerGas (EIP-1559) or gasPrice (legacy, when GasTipCap is nil)
	GasTipCap *big.Int // maxPriorityFeePerGas; nil selects the legacy tx type
}

// BuildDynamicFeeTx builds an unsigned EIP-1559 transaction.
func BuildDynamicFeeTx(p Params) (*types.Transaction, error) {
	if p.GasFeeCap == nil {
		return nil, fmt.Errorf("txbuilder: GasFeeCap is required")
	}
	value := p.Value
	if value == nil {
		value = big.NewInt(0)
	}
	tipCap := p.GasTipCap
	if tipCap == nil {
		tipCap = big.NewInt(0)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   p.ChainID,
		Nonce:     p.Nonce,
		GasTipCap: tipCap,
		GasFeeCap: p.GasFeeCap,
		Gas:       p.GasLimit,
		To:        p.To,
		Value:     value,
		Data:      p.Data,
	})
	return tx, nil
}

// BuildLegacyTx builds an unsigned legacy (pre-EIP-1559) transaction.
func BuildLegacyTx(p Params) (*types.Transaction, error) {
	if p.GasFeeCap == nil {
		return nil, fmt.Errorf("txbuilder: GasFeeCap (gasPrice) is required")
	}
	value := p.Value
	if value == nil {
		value = big.NewInt(0)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    p.Nonce,
		GasPrice: p.GasFeeCap,
		Gas:      p.GasLimit,
		To:       p.To,
		Value:    value,
		Data:     p.Data,
	})
	return tx, nil
}

// Build constructs either an EIP-1559 or legacy transaction depending on
// whether p.GasTipCap is set.
func Build(p Params) (*types.Transaction, error) {
	if p.GasTipCap != nil {
		return BuildDynamicFeeTx(p)
	}
	return BuildLegacyTx(p)
}

// FromModelRequest adapts a model.TransactionRequest plus assigned nonce and
// fee data into builder Params.
func FromModelRequest(chainID *big.Int, nonce uint64, req model.TransactionRequest, gasFeeCap, gasTipCap *big.Int) Params {
	return Params{
		ChainID:   chainID,
		Nonce:     nonce,
		To:        req.To,
		Value:     req.Value,
		Data:      req.Data,
		GasLimit:  req.GasLimit,
		GasFeeCap: gasFeeCap,
		GasTipCap: gasTipCap,
	}
}

// RawSignedTx RLP-encodes a signed transaction for eth_sendRawTransaction.
func RawSignedTx(tx *types.Transaction) ([]byte, error) {
	return tx.MarshalBinary()
}

// ToSignedTx extracts the minimal fields the confirm queue needs from a
// signed transaction.
func ToSignedTx(tx *types.Transaction) (*model.SignedTx, error) {
	raw, err := RawSignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: encoding signed transaction: %w", err)
	}
	var gasPrice *big.Int
	if tx.Type() == types.LegacyTxType {
		gasPrice = tx.GasPrice()
	}
	return &model.SignedTx{
		Hash:        tx.Hash(),
		Nonce:       tx.Nonce(),
		GasFeeCap:   tx.GasFeeCap(),
		GasTipCap:   tx.GasTipCap(),
		GasPrice:    gasPrice,
		RawSignedTx: raw,
	}, nil
}
