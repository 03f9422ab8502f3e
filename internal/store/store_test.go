package store

import (
	"testing"

	"github.com/yourusername/crossrelay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SetGetMessage_RoundTrip(t *testing.T) {
	s := NewMemory()
	var id [32]byte
	id[0] = 0xAB

	msg := model.Message{
		MessageIdentifier: id,
		AMB:               model.AMBLayerZero,
		FromChainId:       "1",
		ToChainId:         "137",
		IncentivesPayload: []byte{1, 2, 3},
	}
	require.NoError(t, s.SetMessage("1", msg))

	got, ok := s.GetMessage(id)
	require.True(t, ok)
	assert.Equal(t, msg.MessageIdentifier, got.MessageIdentifier)
	assert.Equal(t, msg.IncentivesPayload, got.IncentivesPayload)

	_, ok = s.GetMessage([32]byte{0xFF})
	assert.False(t, ok)
}

func TestMemory_SetMessage_IsIdempotent(t *testing.T) {
	s := NewMemory()
	var id [32]byte
	id[0] = 1
	msg := model.Message{MessageIdentifier: id, IncentivesPayload: []byte{9}}
	require.NoError(t, s.SetMessage("1", msg))
	require.NoError(t, s.SetMessage("1", msg))

	got, ok := s.GetMessage(id)
	require.True(t, ok)
	assert.Equal(t, []byte{9}, got.IncentivesPayload)
}

func TestMemory_GetMessage_ReturnsDefensiveCopy(t *testing.T) {
	s := NewMemory()
	var id [32]byte
	id[0] = 2
	msg := model.Message{MessageIdentifier: id, IncentivesPayload: []byte{1, 2, 3}}
	require.NoError(t, s.SetMessage("1", msg))

	got, ok := s.GetMessage(id)
	require.True(t, ok)
	got.IncentivesPayload[0] = 0xFF

	again, ok := s.GetMessage(id)
	require.True(t, ok)
	assert.Equal(t, byte(1), again.IncentivesPayload[0], "mutating a returned message must not leak into the store")
}

func TestMemory_SetMessage_CopiesInput(t *testing.T) {
	s := NewMemory()
	var id [32]byte
	id[0] = 3
	payload := []byte{1, 2, 3}
	msg := model.Message{MessageIdentifier: id, IncentivesPayload: payload}
	require.NoError(t, s.SetMessage("1", msg))

	payload[0] = 0xFF // mutate the caller's slice after Set

	got, ok := s.GetMessage(id)
	require.True(t, ok)
	assert.Equal(t, byte(1), got.IncentivesPayload[0], "the store must not alias the caller's slice")
}

func TestMemory_Proof_MayExistWithoutMessage(t *testing.T) {
	s := NewMemory()
	var id [32]byte
	id[0] = 4
	proof := model.Proof{MessageIdentifier: id, Message: []byte{5, 6}}
	require.NoError(t, s.SetProof("137", proof))

	_, hasMessage := s.GetMessage(id)
	assert.False(t, hasMessage)

	gotProof, hasProof := s.GetProof(id)
	require.True(t, hasProof)
	assert.Equal(t, proof.Message, gotProof.Message)
}

func TestMemory_PayloadIndex_RoundTrip(t *testing.T) {
	s := NewMemory()
	var hash [32]byte
	hash[0] = 0x77
	var msgId [32]byte
	msgId[0] = 0x88

	entry := model.PayloadIndexEntry{
		MessageIdentifier: msgId,
		DestinationChain:  "137",
		EncodedPacket:     []byte{1, 2, 3, 4},
	}
	require.NoError(t, s.SetPayloadIndex(hash, entry))

	got, ok := s.GetByPayloadHash(hash)
	require.True(t, ok)
	assert.Equal(t, entry.MessageIdentifier, got.MessageIdentifier)
	assert.Equal(t, entry.DestinationChain, got.DestinationChain)

	_, ok = s.GetByPayloadHash([32]byte{0x99})
	assert.False(t, ok)
}

func TestMemory_Quit_ReleasesState(t *testing.T) {
	s := NewMemory()
	var id [32]byte
	id[0] = 1
	require.NoError(t, s.SetMessage("1", model.Message{MessageIdentifier: id}))
	require.NoError(t, s.Quit())

	_, ok := s.GetMessage(id)
	assert.False(t, ok)
}

func TestHexKey(t *testing.T) {
	var b [32]byte
	b[31] = 0xAB
	got := HexKey(b)
	assert.Equal(t, 66, len(got)) // "0x" + 64 hex chars
	assert.Equal(t, "0x", got[:2])
}
