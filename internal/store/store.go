// Package store defines the narrow persistence interface the wallet core
// and collector scanners depend on (SPEC_FULL.md §4.1), plus an in-memory
// reference implementation. Grounded on the teacher's
// storage.TransactionStateStore interface and storage.MemoryTxStore
// (mutex-guarded map with deep-copy-on-access).
package store

import (
	"encoding/hex"
	"sync"

	"github.com/yourusername/crossrelay/internal/model"
)

// Store is the cross-process rendezvous for scanners and the wallet
// pipeline. No transactional guarantees across keys are required; each
// operation is atomic at its own key.
type Store interface {
	SetMessage(chainId model.ChainId, msg model.Message) error
	GetMessage(messageIdentifier [32]byte) (model.Message, bool)
	SetProof(chainId model.ChainId, proof model.Proof) error
	GetProof(messageIdentifier [32]byte) (model.Proof, bool)
	SetPayloadIndex(payloadHash [32]byte, entry model.PayloadIndexEntry) error
	GetByPayloadHash(payloadHash [32]byte) (model.PayloadIndexEntry, bool)
	Quit() error
}

// Memory is the in-memory reference Store. Every Set stores a defensive
// copy of its input and every Get returns a defensive copy, so a caller
// holding a returned value can never mutate store-internal state through an
// aliased slice header — the same contract the teacher's MemoryTxStore
// upholds via its copyState helper.
type Memory struct {
	mu       sync.RWMutex
	messages map[[32]byte]model.Message
	proofs   map[[32]byte]model.Proof
	index    map[[32]byte]model.PayloadIndexEntry
}

var _ Store = (*Memory)(nil)

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages: make(map[[32]byte]model.Message),
		proofs:   make(map[[32]byte]model.Proof),
		index:    make(map[[32]byte]model.PayloadIndexEntry),
	}
}

func copyMessage(m model.Message) model.Message {
	out := m
	out.IncentivesPayload = append([]byte(nil), m.IncentivesPayload...)
	out.RecoveryContext = append([]byte(nil), m.RecoveryContext...)
	return out
}

func copyProof(p model.Proof) model.Proof {
	out := p
	out.Message = append([]byte(nil), p.Message...)
	out.MessageCtx = append([]byte(nil), p.MessageCtx...)
	return out
}

func copyIndexEntry(e model.PayloadIndexEntry) model.PayloadIndexEntry {
	out := e
	out.EncodedPacket = append([]byte(nil), e.EncodedPacket...)
	return out
}

// SetMessage upserts a message keyed by its messageIdentifier. Rewrites with
// identical fields are idempotent by construction: the map entry is simply
// replaced with an equal value.
func (s *Memory) SetMessage(_ model.ChainId, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.MessageIdentifier] = copyMessage(msg)
	return nil
}

func (s *Memory) GetMessage(messageIdentifier [32]byte) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageIdentifier]
	if !ok {
		return model.Message{}, false
	}
	return copyMessage(m), true
}

// SetProof upserts a proof keyed by its messageIdentifier. A Proof may exist
// without a matching Message, and vice versa (invariant 5).
func (s *Memory) SetProof(_ model.ChainId, proof model.Proof) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proofs[proof.MessageIdentifier] = copyProof(proof)
	return nil
}

func (s *Memory) GetProof(messageIdentifier [32]byte) (model.Proof, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proofs[messageIdentifier]
	if !ok {
		return model.Proof{}, false
	}
	return copyProof(p), true
}

func (s *Memory) SetPayloadIndex(payloadHash [32]byte, entry model.PayloadIndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[payloadHash] = copyIndexEntry(entry)
	return nil
}

func (s *Memory) GetByPayloadHash(payloadHash [32]byte) (model.PayloadIndexEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[payloadHash]
	if !ok {
		return model.PayloadIndexEntry{}, false
	}
	return copyIndexEntry(e), true
}

func (s *Memory) Quit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.proofs = nil
	s.index = nil
	return nil
}

// HexKey is a convenience for logging/debug output of a 32-byte identifier.
func HexKey(b [32]byte) string {
	return "0x" + hex.EncodeToString(b[:])
}
