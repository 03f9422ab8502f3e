package layerzero

import (
	"encoding/binary"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildEncodedPacket assembles a fixed-layout LayerZero packet matching
// decodePacket's expected offsets: version(1) nonce(8) srcEid(4) sender(32)
// dstEid(4) receiver(32) guid(32) message(...).
func buildEncodedPacket(nonce uint64, srcEid, dstEid uint32, sender, receiver common.Address, guid [32]byte, message []byte) []byte {
	buf := make([]byte, 1+8+4+32+4+32+32)
	off := 1
	binary.BigEndian.PutUint64(buf[off:], nonce)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], srcEid)
	off += 4
	copy(buf[off+12:off+32], sender[:])
	off += 32
	binary.BigEndian.PutUint32(buf[off:], dstEid)
	off += 4
	copy(buf[off+12:off+32], receiver[:])
	off += 32
	copy(buf[off:off+32], guid[:])
	return append(buf, message...)
}

func TestDecodePacket_RoundTrip(t *testing.T) {
	sender := common.HexToAddress("0x00000000000000000000000000000000000011")
	receiver := common.HexToAddress("0x00000000000000000000000000000000000022")
	var guid [32]byte
	guid[0] = 0xAB
	message := []byte{1, 2, 3, 4}

	encoded := buildEncodedPacket(7, 101, 109, sender, receiver, guid, message)
	p, err := decodePacket(encoded)
	require.NoError(t, err)

	assert.Equal(t, uint64(7), p.nonce)
	assert.Equal(t, uint32(101), p.srcEid)
	assert.Equal(t, uint32(109), p.dstEid)
	assert.Equal(t, sender, p.sender)
	assert.Equal(t, receiver, p.receiver)
	assert.Equal(t, guid, p.guid)
	assert.Equal(t, message, p.message)
}

func TestDecodePacket_RejectsTooShort(t *testing.T) {
	_, err := decodePacket(make([]byte, 10))
	assert.ErrorContains(t, err, "too short")
}

func TestDecodeHeader_RoundTrip(t *testing.T) {
	sender := common.HexToAddress("0x00000000000000000000000000000000000033")
	header := make([]byte, 1+8+4+32+4)
	off := 1 + 8
	binary.BigEndian.PutUint32(header[off:], 101)
	off += 4
	copy(header[off+12:off+32], sender[:])
	off += 32
	binary.BigEndian.PutUint32(header[off:], 109)

	h, err := decodeHeader(header)
	require.NoError(t, err)
	assert.Equal(t, uint32(101), h.srcEid)
	assert.Equal(t, uint32(109), h.dstEid)
	assert.Equal(t, sender, h.sender)
}

func TestDecodeHeader_RejectsTooShort(t *testing.T) {
	_, err := decodeHeader(make([]byte, 3))
	assert.ErrorContains(t, err, "too short")
}

// buildABIBytesField assembles a single dynamic `bytes` ABI parameter: a
// 32-byte offset word, a 32-byte length word, and the (32-byte-padded) data.
func buildABIBytesField(data []byte) []byte {
	var offsetWord, lengthWord [32]byte
	binary.BigEndian.PutUint64(offsetWord[24:], 32)
	binary.BigEndian.PutUint64(lengthWord[24:], uint64(len(data)))
	padded := make([]byte, (len(data)+31)/32*32)
	copy(padded, data)
	out := append([]byte{}, offsetWord[:]...)
	out = append(out, lengthWord[:]...)
	out = append(out, padded...)
	return out
}

func TestDecodeLogBytesField_RoundTrip(t *testing.T) {
	payload := []byte{9, 8, 7, 6, 5}
	encoded := buildABIBytesField(payload)
	got, err := decodeLogBytesField(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecodeLogBytesField_RejectsTooShort(t *testing.T) {
	_, err := decodeLogBytesField(make([]byte, 10))
	assert.ErrorContains(t, err, "too short")
}

func TestParsePayloadIdentifier(t *testing.T) {
	var id [32]byte
	id[0] = 0xFF
	message := append(id[:], []byte("trailing application data")...)

	got, err := parsePayloadIdentifier(message)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestParsePayloadIdentifier_RejectsShortMessage(t *testing.T) {
	_, err := parsePayloadIdentifier(make([]byte, 10))
	assert.ErrorContains(t, err, "too short")
}
