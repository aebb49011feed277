package codec_test

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/fleetgrid/telemetry-gateway/internal/gateway/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyHandshake(t *testing.T) {
	t.Parallel()
	buf, err := hex.DecodeString("000F333533363931383434323838373630")
	require.NoError(t, err)
	assert.Equal(t, codec.Handshake, codec.Classify(buf))

	imei, err := codec.DecodeHandshake(buf)
	require.NoError(t, err)
	assert.Equal(t, "353691844288760", imei)
}

func TestClassifyNeedsMoreBytes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, codec.NeedMoreBytes, codec.Classify([]byte{0x00, 0x00, 0x00}))
	assert.Equal(t, codec.NeedMoreBytes, codec.Classify([]byte{0x00, 0x0F, '3', '5'}))
}

func TestEncodeDecodeCodec12RequestRoundTrip(t *testing.T) {
	t.Parallel()
	texts := []string{"a", "getver", strings.Repeat("x", 4096), strings.Repeat("y", 1)}
	for _, text := range texts {
		frame := codec.EncodeCodec12Request(text)
		// The frame carries codec id 0x0C with type 0x05 (request, not
		// response), which Classify reports as Malformed, so it is never
		// mistaken for a device response by the session.
		decoded, consumed, err := decodeRequestForTest(frame)
		require.NoError(t, err)
		assert.Equal(t, text, decoded)
		assert.Equal(t, len(frame), consumed)
	}
}

// decodeRequestForTest mirrors DecodeCodec12Response's framing logic but
// for type 0x05 requests, purely to assert the round trip property
// without exporting a server-side decoder the core never needs.
func decodeRequestForTest(frame []byte) (string, int, error) {
	dataLen := binary.BigEndian.Uint32(frame[4:8])
	data := frame[8 : 8+dataLen]
	size := binary.BigEndian.Uint32(data[3:7])
	return string(data[7 : 7+size]), len(frame), nil
}

func TestDecodeAVLBatchCodec8(t *testing.T) {
	t.Parallel()
	frame := buildCodec8Batch(t, 3)
	result, err := codec.DecodeAVL(frame)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Quantity1)
	assert.Equal(t, result.Quantity1, result.Quantity2)
	assert.Len(t, result.Records, 3)
	assert.Equal(t, len(frame), result.Consumed)
	assert.True(t, result.CRCValid)

	for i := 1; i < len(result.Records); i++ {
		assert.False(t, result.Records[i].Timestamp.Before(result.Records[i-1].Timestamp))
	}
}

func TestDecodeAVLQuantityMismatchIsMalformed(t *testing.T) {
	t.Parallel()
	frame := buildCodec8Batch(t, 2)
	// Corrupt Q2 (the last byte before the CRC) to break Q1==Q2.
	frame[len(frame)-5] = 0x09
	_, err := codec.DecodeAVL(frame)
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestDecodeAVLToleratesCRCMismatch(t *testing.T) {
	t.Parallel()
	frame := buildCodec8Batch(t, 1)
	frame[len(frame)-1] ^= 0xFF
	result, err := codec.DecodeAVL(frame)
	require.NoError(t, err)
	assert.False(t, result.CRCValid)
	assert.Len(t, result.Records, 1)
}

func TestDecodeAVLNeedMoreBytes(t *testing.T) {
	t.Parallel()
	frame := buildCodec8Batch(t, 1)
	_, err := codec.DecodeAVL(frame[:len(frame)-3])
	assert.ErrorIs(t, err, codec.ErrNeedMoreBytes)
}

func TestDecodeCodec12ResponseToleratesCRCMismatch(t *testing.T) {
	t.Parallel()
	frame := buildCodec12Response(t, "FW 03.27.14")
	frame[len(frame)-1] ^= 0xFF
	resp, consumed, err := codec.DecodeCodec12Response(frame)
	require.NoError(t, err)
	assert.Equal(t, "FW 03.27.14", resp.Text)
	assert.False(t, resp.CRCValid)
	assert.Equal(t, len(frame), consumed)
}

func TestCRC16IBM(t *testing.T) {
	t.Parallel()
	// Known vector: CRC-16/ARC of ASCII "123456789" is 0xBB3D.
	assert.Equal(t, uint16(0xBB3D), codec.CRC16IBM([]byte("123456789")))
}

// buildCodec8Batch constructs a syntactically valid Codec 8 AVL frame
// with n trivial records, timestamps descending so the decoder's sort
// step is exercised.
func buildCodec8Batch(t *testing.T, n int) []byte {
	t.Helper()
	var data []byte
	data = append(data, 0x08, byte(n))
	base := int64(1_700_000_000_000)
	for i := 0; i < n; i++ {
		ts := base - int64(i)*1000
		rec := make([]byte, 0, 24)
		tsBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(tsBytes, uint64(ts))
		rec = append(rec, tsBytes...)
		rec = append(rec, 1)                   // priority
		rec = append(rec, 0x02, 0xFA, 0xF0, 0x80) // lat
		rec = append(rec, 0x00, 0x98, 0x96, 0x80) // lng
		rec = append(rec, 0x00, 0x64)           // altitude
		rec = append(rec, 0x00, 0x5A)           // angle
		rec = append(rec, 0x08)                 // satellites
		rec = append(rec, 0x00, 0x32)           // speed
		rec = append(rec, 0x01)                 // event id
		rec = append(rec, 0x01)                 // total io count
		rec = append(rec, 0x01, 0x01, 0x01)     // 1-byte group: count=1, key=1, val=1
		rec = append(rec, 0x00)                 // 2-byte group: count=0
		rec = append(rec, 0x00)                 // 4-byte group: count=0
		rec = append(rec, 0x00)                 // 8-byte group: count=0
		data = append(data, rec...)
	}
	data = append(data, byte(n))

	frame := make([]byte, 0, 12+len(data))
	frame = append(frame, 0, 0, 0, 0)
	dataLen := make([]byte, 4)
	binary.BigEndian.PutUint32(dataLen, uint32(len(data)))
	frame = append(frame, dataLen...)
	frame = append(frame, data...)
	crc := codec.CRC16IBM(data)
	crcBytes := make([]byte, 4)
	binary.BigEndian.PutUint16(crcBytes[2:], crc)
	frame = append(frame, crcBytes...)
	return frame
}

func buildCodec12Response(t *testing.T, text string) []byte {
	t.Helper()
	data := []byte{0x0C, 0x01, 0x06}
	size := make([]byte, 4)
	binary.BigEndian.PutUint32(size, uint32(len(text)))
	data = append(data, size...)
	data = append(data, []byte(text)...)
	data = append(data, 0x01)

	frame := make([]byte, 0, 12+len(data))
	frame = append(frame, 0, 0, 0, 0)
	dataLen := make([]byte, 4)
	binary.BigEndian.PutUint32(dataLen, uint32(len(data)))
	frame = append(frame, dataLen...)
	frame = append(frame, data...)
	crc := codec.CRC16IBM(data)
	crcBytes := make([]byte, 4)
	binary.BigEndian.PutUint16(crcBytes[2:], crc)
	frame = append(frame, crcBytes...)
	return frame
}
