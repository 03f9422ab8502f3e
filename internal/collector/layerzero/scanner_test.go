package layerzero

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/yourusername/crossrelay/internal/config"
	"github.com/yourusername/crossrelay/internal/model"
	"github.com/yourusername/crossrelay/internal/resolver"
	"github.com/yourusername/crossrelay/internal/rpcprovider"
	"github.com/yourusername/crossrelay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identityResolver(t *testing.T) resolver.Resolver {
	t.Helper()
	r, err := resolver.Default().Build("", nil)
	require.NoError(t, err)
	return r
}

func testScanner(t *testing.T, st store.Store) *Scanner {
	t.Helper()
	sender := common.HexToAddress("0x00000000000000000000000000000000000011")
	amb := config.AMBConfig{
		BridgeAddress:   "0x00000000000000000000000000000000000099",
		ReceiverAddress: "0x00000000000000000000000000000000000098",
		LayerZeroChainIds: map[string]string{
			"101": "1",
			"109": "2",
		},
	}
	incentives := map[model.ChainId]common.Address{"1": sender}
	s, err := New("1", amb, config.ChainConfig{}, nil, nil, identityResolver(t), st, Options{}, incentives, nil)
	require.NoError(t, err)
	return s
}

func buildPayloadVerifiedData(dvn common.Address, header []byte, confirmations uint64, proofHash [32]byte) []byte {
	var dvnWord, offsetWord, confirmationsWord, proofHashWord, headerLenWord [32]byte
	copy(dvnWord[12:], dvn[:])
	binary.BigEndian.PutUint64(offsetWord[24:], 128)
	binary.BigEndian.PutUint64(confirmationsWord[24:], confirmations)
	copy(proofHashWord[:], proofHash[:])
	binary.BigEndian.PutUint64(headerLenWord[24:], uint64(len(header)))

	padded := make([]byte, (len(header)+31)/32*32)
	copy(padded, header)

	out := append([]byte{}, dvnWord[:]...)
	out = append(out, offsetWord[:]...)
	out = append(out, confirmationsWord[:]...)
	out = append(out, proofHashWord[:]...)
	out = append(out, headerLenWord[:]...)
	out = append(out, padded...)
	return out
}

func rpcproviderLog(data []byte, blockNumber uint64) rpcprovider.Log {
	return rpcprovider.Log{Data: data, BlockNumber: blockNumber}
}

func buildHeader(srcEid, dstEid uint32, sender common.Address) []byte {
	header := make([]byte, 1+8+4+32+4)
	off := 1 + 8
	binary.BigEndian.PutUint32(header[off:], srcEid)
	off += 4
	copy(header[off+12:off+32], sender[:])
	off += 32
	binary.BigEndian.PutUint32(header[off:], dstEid)
	return header
}

func TestScanner_HandlePacketSent_StoresMessageAndPayloadIndex(t *testing.T) {
	st := store.NewMemory()
	s := testScanner(t, st)

	sender := common.HexToAddress("0x00000000000000000000000000000000000011")
	receiver := common.HexToAddress("0x00000000000000000000000000000000000022")
	var guid [32]byte
	guid[0] = 0xAB
	var messageId [32]byte
	messageId[0] = 0xCD
	message := append(append([]byte{}, messageId[:]...), []byte("payload")...)

	encodedPacket := buildEncodedPacket(1, 101, 109, sender, receiver, guid, message)
	logData := buildABIBytesField(encodedPacket)

	s.handlePacketSent(context.Background(), rpcproviderLog(logData, 100))

	msg, ok := st.GetMessage(messageId)
	require.True(t, ok)
	assert.Equal(t, model.ChainId("1"), msg.FromChainId)
	assert.Equal(t, model.ChainId("2"), msg.ToChainId)

	payloadHash := crypto.Keccak256Hash(append(append([]byte{}, guid[:]...), message...))
	entry, ok := st.GetByPayloadHash(payloadHash)
	require.True(t, ok)
	assert.Equal(t, messageId, entry.MessageIdentifier)
}

func TestScanner_HandlePacketSent_IgnoresUnknownSender(t *testing.T) {
	st := store.NewMemory()
	s := testScanner(t, st)

	stranger := common.HexToAddress("0x00000000000000000000000000000000009999")
	receiver := common.HexToAddress("0x00000000000000000000000000000000000022")
	var guid [32]byte
	var messageId [32]byte
	messageId[0] = 1
	message := append(append([]byte{}, messageId[:]...), []byte("payload")...)

	encodedPacket := buildEncodedPacket(1, 101, 109, stranger, receiver, guid, message)
	logData := buildABIBytesField(encodedPacket)

	s.handlePacketSent(context.Background(), rpcproviderLog(logData, 100))

	_, ok := st.GetMessage(messageId)
	assert.False(t, ok, "a packet from an unconfigured incentives address must be dropped")
}

func TestScanner_HandlePayloadVerified_WritesProofWhenIndexed(t *testing.T) {
	st := store.NewMemory()
	s := testScanner(t, st)

	sender := common.HexToAddress("0x00000000000000000000000000000000000011")
	var messageId [32]byte
	messageId[0] = 0xEE
	var payloadHash [32]byte
	payloadHash[0] = 0x55

	require.NoError(t, st.SetPayloadIndex(payloadHash, model.PayloadIndexEntry{
		MessageIdentifier: messageId,
		DestinationChain:  "2",
		EncodedPacket:     []byte{1, 2, 3},
	}))

	header := buildHeader(101, 109, sender)
	data := buildPayloadVerifiedData(common.HexToAddress("0x1"), header, 10, payloadHash)

	s.handlePayloadVerified(context.Background(), rpcproviderLog(data, 200))

	proof, ok := st.GetProof(messageId)
	require.True(t, ok)
	assert.Equal(t, model.ChainId("2"), proof.ToChainId)
	assert.Equal(t, model.AMBLayerZero, proof.AMB)
}

func TestScanner_HandlePayloadVerified_NoOpWhenNotIndexed(t *testing.T) {
	st := store.NewMemory()
	s := testScanner(t, st)

	sender := common.HexToAddress("0x00000000000000000000000000000000000011")
	var unknownHash [32]byte
	unknownHash[0] = 0x99

	header := buildHeader(101, 109, sender)
	data := buildPayloadVerifiedData(common.HexToAddress("0x1"), header, 10, unknownHash)

	s.handlePayloadVerified(context.Background(), rpcproviderLog(data, 200))
	// No panic and no proof written is success; nothing further to assert
	// since GetProof requires a messageIdentifier we never learned.
}
