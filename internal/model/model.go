// Package model defines the data-model entities shared across the store,
// scanners, and wallet pipeline: messages, proofs, the LayerZero payload-hash
// index, monitor status, and the transaction envelopes that flow through the
// submit and confirm queues.
package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainId is the decimal-string form of an EVM chain id, used as the key
// throughout the store, resolver registry, and wallet-worker routing table.
type ChainId string

// AMB names an arbitrary messaging bridge this relayer understands.
type AMB string

const (
	AMBLayerZero AMB = "layer-zero"
	AMBWormhole  AMB = "wormhole"
)

// Message is a cross-chain message observed in transit on its source chain.
type Message struct {
	MessageIdentifier [32]byte
	AMB               AMB
	FromChainId       ChainId
	ToChainId         ChainId
	FromIncentivesAddress common.Address
	ToIncentivesAddress   common.Address
	IncentivesPayload []byte
	RecoveryContext   []byte

	BlockNumber            uint64
	BlockHash               common.Hash
	TransactionHash         common.Hash
	TransactionBlockNumber  uint64
}

// Proof is a destination-chain-verifiable attestation that a Message was
// emitted on its source chain.
type Proof struct {
	MessageIdentifier [32]byte
	AMB               AMB
	FromChainId       ChainId
	ToChainId         ChainId
	Message           []byte
	MessageCtx        []byte
}

// PayloadIndexEntry is the LayerZero-only join record keyed by
// keccak256(guid ∥ message), bridging the PacketSent (source) and
// PayloadVerified (destination) observations of the same packet.
type PayloadIndexEntry struct {
	MessageIdentifier [32]byte
	DestinationChain  ChainId
	EncodedPacket     []byte
}

// MonitorStatus is the latest confirmed-block snapshot a monitor broadcasts
// to its subscribers.
type MonitorStatus struct {
	ObservedBlockNumber uint64
	BlockHash           common.Hash
	Timestamp           time.Time
}

// TransactionRequest is an unsigned transaction; nonce and fee fields are
// assigned by the submit queue, never by the caller.
type TransactionRequest struct {
	To       *common.Address // nil for contract creation
	Data     []byte
	Value    *big.Int // nil treated as zero
	GasLimit uint64
}

// RequestOptions carries per-request policy the wallet worker consults.
//
// DisableNonceConfirmationRetry opts a request OUT of the default behavior
// (retryOnNonceConfirmationError defaults to true per SPEC_FULL.md §4.8);
// expressed as a negative flag so the Go zero value matches the spec's
// default rather than inverting it.
type RequestOptions struct {
	Deadline                       *time.Time
	DisableNonceConfirmationRetry  bool
	Priority                       bool
}

// WalletTransactionRequest is the internal envelope a producer hands to the
// wallet service: a request plus routing metadata and submission state.
type WalletTransactionRequest struct {
	PortId          string
	MessageId       [32]byte
	TxRequest       TransactionRequest
	Metadata        map[string]string
	Options         RequestOptions
	RequeueCount    int
	SubmissionError error
}

// PendingTransaction is a submitted transaction awaiting confirmation.
type PendingTransaction struct {
	WalletTransactionRequest
	Nonce             uint64
	Tx                *SignedTx
	TxReplacement     *SignedTx
	ConfirmationError error
}

// SignedTx is the minimal view of a signed, broadcast transaction the confirm
// queue needs: its hash for polling and the fee fields for replacement.
type SignedTx struct {
	Hash               common.Hash
	Nonce              uint64
	GasFeeCap          *big.Int
	GasTipCap          *big.Int
	GasPrice           *big.Int // legacy path; nil when EIP-1559 fields are set
	RawSignedTx        []byte
}

// Receipt is the subset of an on-chain transaction receipt the pipeline
// needs to decide confirmation and deduct gas cost.
type Receipt struct {
	TxHash            common.Hash
	BlockNumber       uint64
	Status            uint64 // 1 success, 0 failed
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

// ConfirmedTransaction is a PendingTransaction that reached a terminal
// confirmation outcome, successful or not.
type ConfirmedTransaction struct {
	PendingTransaction
	TxReceipt *Receipt
}

// TransactionResult is the terminal, exactly-once response delivered on the
// request's originating port.
type TransactionResult struct {
	TxRequest         TransactionRequest
	Metadata          map[string]string
	Tx                *SignedTx
	TxReceipt         *Receipt
	SubmissionError   error
	ConfirmationError error
}
