// Package signer implements ECDSA secp256k1 transaction signing with
// EIP-155 replay protection and EIP-1559 dynamic-fee support. Grounded
// closely on the teacher's src/chainadapter/ethereum/signer.go, which
// already implements exactly the signing surface this relayer needs.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds one chain's wallet private key and signs transactions and
// arbitrary payloads on its behalf.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// New builds a Signer from a 32-byte raw private key and an EVM chain id.
func New(privKeyBytes []byte, chainID int64) (*Signer, error) {
	if len(privKeyBytes) != 32 {
		return nil, fmt.Errorf("signer: private key must be 32 bytes, got %d", len(privKeyBytes))
	}
	privKey, err := crypto.ToECDSA(privKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid private key: %w", err)
	}
	pubKeyECDSA, ok := privKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signer: error casting public key to ECDSA")
	}
	return &Signer{
		privateKey: privKey,
		address:    crypto.PubkeyToAddress(*pubKeyECDSA),
		chainID:    big.NewInt(chainID),
	}, nil
}

// Address returns the checksummed address this signer controls.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns a copy of the chain id this signer was built for.
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SignTransaction signs tx (legacy or EIP-1559) with the London signer for
// this signer's chain id.
func (s *Signer) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	londonSigner := types.NewLondonSigner(s.chainID)
	signed, err := types.SignTx(tx, londonSigner, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signer: signing transaction: %w", err)
	}
	return signed, nil
}

// Sign signs an arbitrary payload's Keccak256 hash with EIP-155 replay
// protection, returning R || S || V (65 bytes).
func (s *Signer) Sign(payload []byte) ([]byte, error) {
	hash := crypto.Keccak256Hash(payload)
	sig, err := crypto.Sign(hash.Bytes(), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signer: signing payload: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signer: unexpected signature length %d", len(sig))
	}
	v := sig[64]
	sig[64] = v + byte(s.chainID.Int64()*2+35)
	return sig, nil
}

// VerifySignature recovers the signer of hash/signature and reports whether
// it matches address. Normalizes both EIP-155 and legacy V-byte encodings.
func VerifySignature(hash, signature []byte, address common.Address) (bool, error) {
	if len(hash) != 32 {
		return false, fmt.Errorf("signer: hash must be 32 bytes, got %d", len(hash))
	}
	if len(signature) != 65 {
		return false, fmt.Errorf("signer: signature must be 65 bytes, got %d", len(signature))
	}
	sigCopy := make([]byte, 65)
	copy(sigCopy, signature)
	if sigCopy[64] >= 35 {
		sigCopy[64] = (sigCopy[64] - 35) % 2
	} else if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}
	pubKeyBytes, err := crypto.Ecrecover(hash, sigCopy)
	if err != nil {
		return false, fmt.Errorf("signer: public key recovery failed: %w", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return false, fmt.Errorf("signer: invalid recovered public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey) == address, nil
}
