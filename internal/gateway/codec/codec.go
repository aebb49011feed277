package codec

import (
	"encoding/binary"
	"errors"
	"sort"
	"time"
)

// ErrMalformed is returned by the decoders for a frame the codec can
// never recover from; the caller must close the session.
var ErrMalformed = errors.New("codec: malformed frame")

const (
	preambleLen      = 4
	dataLenFieldSize = 4
	crcFieldSize     = 4
	outerOverhead    = preambleLen + dataLenFieldSize + crcFieldSize
)

// Classify inspects buf without consuming it and reports what kind of
// frame it could be. It never returns an error; ambiguous or incomplete
// buffers come back as NeedMoreBytes, and buffers that can never be valid
// come back as Malformed.
func Classify(buf []byte) FrameKind {
	if len(buf) == handshakeFrameLen(buf) && isHandshakeCandidate(buf) {
		return Handshake
	}

	if len(buf) >= 9 && isZero(buf[:preambleLen]) {
		codecID := buf[8]
		switch Codec(codecID) {
		case Codec12:
			if len(buf) >= 11 {
				if buf[10] == 0x06 {
					return Codec12Response
				}
				return Malformed
			}
			return NeedMoreBytes
		case Codec8, Codec8E:
			return AvlBatch
		default:
			return Malformed
		}
	}

	if len(buf) < preambleLen {
		if isZero(buf) {
			return NeedMoreBytes
		}
	} else if isZero(buf[:preambleLen]) {
		return NeedMoreBytes
	}

	if len(buf) >= 2 {
		length := binary.BigEndian.Uint16(buf[:2])
		if length > 0 && length < 256 && len(buf) <= int(length)+2 {
			if allDigits(buf[2:]) {
				return NeedMoreBytes
			}
		}
	}

	return Malformed
}

// handshakeFrameLen reports the length a handshake frame claims to be,
// based on its 2-byte length prefix, so Classify can compare against the
// buffer it actually has. Returns -1 if buf is too short to carry a
// length prefix.
func handshakeFrameLen(buf []byte) int {
	if len(buf) < 2 {
		return -1
	}
	return int(binary.BigEndian.Uint16(buf[:2])) + 2
}

func isHandshakeCandidate(buf []byte) bool {
	if len(buf) < 3 {
		return false
	}
	length := binary.BigEndian.Uint16(buf[:2])
	if int(length) != len(buf)-2 {
		return false
	}
	return allDigits(buf[2:])
}

func allDigits(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// DecodeHandshake extracts the IMEI from a handshake frame. buf must be
// exactly the frame classified as Handshake by Classify.
func DecodeHandshake(buf []byte) (imei string, err error) {
	if len(buf) < 2 {
		return "", ErrMalformed
	}
	length := binary.BigEndian.Uint16(buf[:2])
	if int(length) != len(buf)-2 {
		return "", ErrMalformed
	}
	digits := buf[2:]
	if !allDigits(digits) {
		return "", ErrMalformed
	}
	return string(digits), nil
}

// EncodeHandshakeReply builds the single-byte accept/reject reply the
// device expects after a handshake.
func EncodeHandshakeReply(accept bool) []byte {
	if accept {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// avlLayout carries the per-codec field widths that differ between Codec
// 8 and Codec 8 Extended.
type avlLayout struct {
	eventWidth   int
	ioCountWidth int
	keyWidth     int
	hasVariable  bool
}

func layoutFor(codecID byte) (avlLayout, bool) {
	switch Codec(codecID) {
	case Codec8:
		return avlLayout{eventWidth: 1, ioCountWidth: 1, keyWidth: 1, hasVariable: false}, true
	case Codec8E:
		return avlLayout{eventWidth: 2, ioCountWidth: 2, keyWidth: 2, hasVariable: true}, true
	default:
		return avlLayout{}, false
	}
}

// DecodeResult is the product of a successful AVL batch decode.
type DecodeResult struct {
	Records   []AVLRecord
	Consumed  int
	Quantity1 int
	Quantity2 int
	CRCValid  bool
}

// ErrNeedMoreBytes is returned when buf is a valid prefix of an
// AVL batch or Codec 12 response but does not yet hold the complete frame.
var ErrNeedMoreBytes = errors.New("codec: need more bytes")

// DecodeAVL decodes a Codec 8 / 8E AVL batch per spec: a 4-byte zero
// preamble, a 4-byte data length, the data region (codec id, Q1, records,
// Q2), and a 4-byte CRC. A CRC mismatch is reported via DecodeResult but
// does not prevent the records from being returned.
func DecodeAVL(buf []byte) (DecodeResult, error) {
	if len(buf) < preambleLen+dataLenFieldSize {
		return DecodeResult{}, ErrNeedMoreBytes
	}
	if !isZero(buf[:preambleLen]) {
		return DecodeResult{}, ErrMalformed
	}
	dataLen := binary.BigEndian.Uint32(buf[preambleLen : preambleLen+dataLenFieldSize])
	total := outerOverhead + int(dataLen)
	if len(buf) < total {
		return DecodeResult{}, ErrNeedMoreBytes
	}

	data := buf[preambleLen+dataLenFieldSize : preambleLen+dataLenFieldSize+int(dataLen)]
	if len(data) < 2 {
		return DecodeResult{}, ErrMalformed
	}

	layout, ok := layoutFor(data[0])
	if !ok {
		return DecodeResult{}, ErrMalformed
	}

	q1 := int(data[1])
	cursor := 2
	records := make([]AVLRecord, 0, q1)
	for i := 0; i < q1; i++ {
		rec, n, err := decodeRecord(data[cursor:], layout)
		if err != nil {
			return DecodeResult{}, err
		}
		records = append(records, rec)
		cursor += n
	}
	if cursor >= len(data) {
		return DecodeResult{}, ErrMalformed
	}
	q2 := int(data[cursor])
	cursor++
	if q2 != q1 {
		return DecodeResult{}, ErrMalformed
	}
	if cursor != len(data) {
		return DecodeResult{}, ErrMalformed
	}

	crcRegion := buf[preambleLen+dataLenFieldSize+int(dataLen):total]
	wireCRC := binary.BigEndian.Uint32(crcRegion)
	computed := CRC16IBM(data)
	crcValid := wireCRC == uint32(computed)

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})

	return DecodeResult{
		Records:   records,
		Consumed:  total,
		Quantity1: q1,
		Quantity2: q2,
		CRCValid:  crcValid,
	}, nil
}

func decodeRecord(buf []byte, layout avlLayout) (AVLRecord, int, error) {
	const fixedHeader = 8 /*ts*/ + 1 /*priority*/ + 4 /*lat*/ + 4 /*lng*/ + 2 /*alt*/ + 2 /*angle*/ + 1 /*sat*/ + 2 /*speed*/
	if len(buf) < fixedHeader+layout.eventWidth+layout.ioCountWidth {
		return AVLRecord{}, 0, ErrMalformed
	}
	cursor := 0
	tsMS := binary.BigEndian.Uint64(buf[cursor : cursor+8])
	cursor += 8
	priority := buf[cursor]
	cursor++
	lat := int32(binary.BigEndian.Uint32(buf[cursor : cursor+4]))
	cursor += 4
	lng := int32(binary.BigEndian.Uint32(buf[cursor : cursor+4]))
	cursor += 4
	altitude := int16(binary.BigEndian.Uint16(buf[cursor : cursor+2]))
	cursor += 2
	angle := binary.BigEndian.Uint16(buf[cursor : cursor+2])
	cursor += 2
	sat := buf[cursor]
	cursor++
	speed := binary.BigEndian.Uint16(buf[cursor : cursor+2])
	cursor += 2

	eventID, n := readWidth(buf[cursor:], layout.eventWidth)
	cursor += n

	// Total IO count field; not independently validated against the sum
	// of the per-width group counts (the wire groups are authoritative).
	if len(buf) < cursor+layout.ioCountWidth {
		return AVLRecord{}, 0, ErrMalformed
	}
	cursor += layout.ioCountWidth

	io := make(map[uint16]IOValue)
	for _, width := range []int{1, 2, 4, 8} {
		count, n, err := readCount(buf[cursor:], layout.ioCountWidth)
		if err != nil {
			return AVLRecord{}, 0, err
		}
		cursor += n
		for i := 0; i < count; i++ {
			key, n, err := readKey(buf[cursor:], layout.keyWidth)
			if err != nil {
				return AVLRecord{}, 0, err
			}
			cursor += n
			if len(buf) < cursor+width {
				return AVLRecord{}, 0, ErrMalformed
			}
			value, _ := readWidth(buf[cursor:], width)
			cursor += width
			io[key] = IOValue{Width: width, Value: value}
		}
	}

	if layout.hasVariable {
		count, n, err := readCount(buf[cursor:], layout.ioCountWidth)
		if err != nil {
			return AVLRecord{}, 0, err
		}
		cursor += n
		for i := 0; i < count; i++ {
			key, n, err := readKey(buf[cursor:], layout.keyWidth)
			if err != nil {
				return AVLRecord{}, 0, err
			}
			cursor += n
			if len(buf) < cursor+2 {
				return AVLRecord{}, 0, ErrMalformed
			}
			valLen := int(binary.BigEndian.Uint16(buf[cursor : cursor+2]))
			cursor += 2
			if len(buf) < cursor+valLen {
				return AVLRecord{}, 0, ErrMalformed
			}
			raw := make([]byte, valLen)
			copy(raw, buf[cursor:cursor+valLen])
			cursor += valLen
			io[key] = IOValue{Width: -1, Bytes: raw}
		}
	}

	rec := AVLRecord{
		Timestamp:  time.UnixMilli(int64(tsMS)).UTC(),
		Priority:   priority,
		Latitude:   float64(lat) / 1e7,
		Longitude:  float64(lng) / 1e7,
		Altitude:   altitude,
		Angle:      angle,
		Satellites: sat,
		Speed:      speed,
		EventID:    uint16(eventID),
		FixValid:   sat > 0,
		IO:         io,
	}
	return rec, cursor, nil
}

func readWidth(buf []byte, width int) (uint64, int) {
	switch width {
	case 1:
		return uint64(buf[0]), 1
	case 2:
		return uint64(binary.BigEndian.Uint16(buf[:2])), 2
	case 4:
		return uint64(binary.BigEndian.Uint32(buf[:4])), 4
	case 8:
		return binary.BigEndian.Uint64(buf[:8]), 8
	default:
		return 0, 0
	}
}

func readCount(buf []byte, width int) (int, int, error) {
	if len(buf) < width {
		return 0, 0, ErrMalformed
	}
	v, n := readWidth(buf, width)
	return int(v), n, nil
}

func readKey(buf []byte, width int) (uint16, int, error) {
	if len(buf) < width {
		return 0, 0, ErrMalformed
	}
	v, n := readWidth(buf, width)
	return uint16(v), n, nil
}

// DecodeCodec12Response parses a device reply to a previously sent
// command: same outer envelope as an AVL batch, with codec id 0x0C, Q1=1,
// type=0x06, a 4-byte response size, the ASCII text, and a trailing Q2=1.
func DecodeCodec12Response(buf []byte) (Codec12ResponseFrame, int, error) {
	if len(buf) < preambleLen+dataLenFieldSize {
		return Codec12ResponseFrame{}, 0, ErrNeedMoreBytes
	}
	if !isZero(buf[:preambleLen]) {
		return Codec12ResponseFrame{}, 0, ErrMalformed
	}
	dataLen := binary.BigEndian.Uint32(buf[preambleLen : preambleLen+dataLenFieldSize])
	total := outerOverhead + int(dataLen)
	if len(buf) < total {
		return Codec12ResponseFrame{}, 0, ErrNeedMoreBytes
	}

	data := buf[preambleLen+dataLenFieldSize : preambleLen+dataLenFieldSize+int(dataLen)]
	const minData = 1 /*codec*/ + 1 /*q1*/ + 1 /*type*/ + 4 /*size*/ + 1 /*q2*/
	if len(data) < minData {
		return Codec12ResponseFrame{}, 0, ErrMalformed
	}
	if Codec(data[0]) != Codec12 {
		return Codec12ResponseFrame{}, 0, ErrMalformed
	}
	if data[1] != 1 {
		return Codec12ResponseFrame{}, 0, ErrMalformed
	}
	if data[2] != 0x06 {
		return Codec12ResponseFrame{}, 0, ErrMalformed
	}
	size := binary.BigEndian.Uint32(data[3:7])
	if len(data) != 7+int(size)+1 {
		return Codec12ResponseFrame{}, 0, ErrMalformed
	}
	text := string(data[7 : 7+size])
	q2 := data[7+size]
	if q2 != 1 {
		return Codec12ResponseFrame{}, 0, ErrMalformed
	}

	crcRegion := buf[preambleLen+dataLenFieldSize+int(dataLen) : total]
	wireCRC := binary.BigEndian.Uint32(crcRegion)
	computed := CRC16IBM(data)

	return Codec12ResponseFrame{
		Text:       text,
		CRCValid:   wireCRC == uint32(computed),
		WellFormed: true,
	}, total, nil
}

// EncodeCodec12Request frames an operator command the way the device
// expects to receive it: codec id 0x0C, Q1=1, type=0x05, a 4-byte command
// size, the ASCII command, Q2=1, and a CRC over the data region.
func EncodeCodec12Request(text string) []byte {
	data := make([]byte, 0, 7+len(text)+1)
	data = append(data, byte(Codec12))
	data = append(data, 0x01)
	data = append(data, 0x05)
	size := make([]byte, 4)
	binary.BigEndian.PutUint32(size, uint32(len(text)))
	data = append(data, size...)
	data = append(data, []byte(text)...)
	data = append(data, 0x01)

	frame := make([]byte, 0, outerOverhead+len(data))
	frame = append(frame, 0, 0, 0, 0)
	dataLen := make([]byte, 4)
	binary.BigEndian.PutUint32(dataLen, uint32(len(data)))
	frame = append(frame, dataLen...)
	frame = append(frame, data...)

	crc := CRC16IBM(data)
	crcBytes := make([]byte, 4)
	binary.BigEndian.PutUint16(crcBytes[2:], crc)
	frame = append(frame, crcBytes...)
	return frame
}
