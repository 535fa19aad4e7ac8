package jt1078

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/jmylchreest/jtstream/internal/util"
)

// Magic is the frame header identifier, "01cd" on the wire.
const Magic uint32 = 0x30316364

// Layout sizes.
const (
	FixedHeaderSize    = 16
	MaxTrailingSize    = 14
	MaxHeaderSize      = FixedHeaderSize + MaxTrailingSize
	terminalSerialSize = 6
)

// Byte offsets within the fixed header.
const (
	offMagic    = 0
	offFlags    = 4
	offMarker   = 5
	offSerial   = 6
	offTerminal = 8
	offChannel  = 14
	offDataType = 15
)

// FixedHeader holds the fields of the 16 byte fixed header prefix.
type FixedHeader struct {
	Version              uint8         `json:"version"`
	Padding              bool          `json:"padding"`
	Extension            bool          `json:"extension_bit"`
	CSRCCount            uint8         `json:"csrc_count"`
	Marker               bool          `json:"marker"`
	PayloadType          PayloadType   `json:"payload_type"`
	PackageSerialNumber  uint16        `json:"package_serial_number"`
	TerminalSerialNumber string        `json:"terminal_serial_number"`
	LogicalChannel       uint8         `json:"logical_channel_number"`
	DataType             DataType      `json:"data_type"`
	SubpacketFlag        SubpacketFlag `json:"subpacket_processing_flag"`
}

// Header is a fully decoded frame header. Optional fields are nil when the
// data type does not carry them.
type Header struct {
	FixedHeader

	Timestamp          *uint64 `json:"timestamp,omitempty"`
	LastIFrameInterval *uint16 `json:"last_i_frame_interval,omitempty"`
	LastFrameInterval  *uint16 `json:"last_frame_interval,omitempty"`
	DataBodyLength     uint16  `json:"data_body_length"`
}

// Size returns the encoded header length including the trailing layout.
func (h *Header) Size() int {
	n, err := TrailingLength(h.DataType)
	if err != nil {
		return FixedHeaderSize
	}
	return FixedHeaderSize + n
}

// TrailingLength returns the size of the variable header region for dt.
func TrailingLength(dt DataType) (int, error) {
	switch {
	case dt.HasIntervals():
		return 14, nil
	case dt == DataAudio:
		return 10, nil
	case dt == DataTransparent:
		return 2, nil
	}
	return 0, fieldError("data_type", offDataType, ErrInvalidDataType)
}

// DecodeFixed decodes the 16 byte fixed header prefix.
func DecodeFixed(buf []byte) (FixedHeader, error) {
	var h FixedHeader

	if len(buf) < FixedHeaderSize {
		return h, fieldError("header_id", offMagic, ErrShortBuffer)
	}
	if binary.BigEndian.Uint32(buf[offMagic:]) != Magic {
		return h, fieldError("header_id", offMagic, ErrInvalidMagic)
	}

	flags := buf[offFlags]
	v, err := util.FieldAt(flags, 7, 2)
	if err != nil {
		return h, fieldError("version", offFlags, err)
	}
	h.Version = v

	bit, err := util.BitAt(flags, 5)
	if err != nil {
		return h, fieldError("padding", offFlags, err)
	}
	h.Padding = bit == 1

	bit, err = util.BitAt(flags, 4)
	if err != nil {
		return h, fieldError("extension_bit", offFlags, err)
	}
	h.Extension = bit == 1

	cc, err := util.FieldAt(flags, 3, 4)
	if err != nil {
		return h, fieldError("csrc_count", offFlags, err)
	}
	h.CSRCCount = cc

	mpt := buf[offMarker]
	bit, err = util.BitAt(mpt, 7)
	if err != nil {
		return h, fieldError("marker", offMarker, err)
	}
	h.Marker = bit == 1

	pt, err := util.FieldAt(mpt, 6, 7)
	if err != nil {
		return h, fieldError("payload_type", offMarker, err)
	}
	h.PayloadType = PayloadType(pt)
	if !h.PayloadType.Valid() {
		return h, fieldError("payload_type", offMarker, ErrInvalidPayloadType)
	}

	h.PackageSerialNumber = binary.BigEndian.Uint16(buf[offSerial:])
	h.TerminalSerialNumber = strings.ToUpper(hex.EncodeToString(buf[offTerminal : offTerminal+terminalSerialSize]))
	h.LogicalChannel = buf[offChannel]

	typ := buf[offDataType]
	dt, err := util.FieldAt(typ, 7, 4)
	if err != nil {
		return h, fieldError("data_type", offDataType, err)
	}
	h.DataType = DataType(dt)
	if !h.DataType.Valid() {
		return h, fieldError("data_type", offDataType, ErrInvalidDataType)
	}

	sf, err := util.FieldAt(typ, 3, 4)
	if err != nil {
		return h, fieldError("subpacket_processing_flag", offDataType, err)
	}
	h.SubpacketFlag = SubpacketFlag(sf)
	if !h.SubpacketFlag.Valid() {
		return h, fieldError("subpacket_processing_flag", offDataType, ErrInvalidSubpacketFlag)
	}

	return h, nil
}

// DecodeTrailing completes fixed with the variable header region in buf.
// buf must start at byte 16 of the frame.
func DecodeTrailing(fixed FixedHeader, buf []byte) (Header, error) {
	h := Header{FixedHeader: fixed}

	if _, err := TrailingLength(fixed.DataType); err != nil {
		return h, err
	}

	off := 0
	if fixed.DataType.HasTimestamp() {
		if len(buf) < off+8 {
			return h, fieldError("timestamp", FixedHeaderSize+off, ErrShortBuffer)
		}
		ts := binary.BigEndian.Uint64(buf[off:])
		h.Timestamp = &ts
		off += 8
	}

	if fixed.DataType.HasIntervals() {
		if len(buf) < off+2 {
			return h, fieldError("last_i_frame_interval", FixedHeaderSize+off, ErrShortBuffer)
		}
		iv := binary.BigEndian.Uint16(buf[off:])
		h.LastIFrameInterval = &iv
		off += 2

		if len(buf) < off+2 {
			return h, fieldError("last_frame_interval", FixedHeaderSize+off, ErrShortBuffer)
		}
		fv := binary.BigEndian.Uint16(buf[off:])
		h.LastFrameInterval = &fv
		off += 2
	}

	if len(buf) < off+2 {
		return h, fieldError("data_body_length", FixedHeaderSize+off, ErrShortBuffer)
	}
	h.DataBodyLength = binary.BigEndian.Uint16(buf[off:])

	return h, nil
}

// DecodeHeader decodes a complete header from buf and returns it together
// with the number of bytes consumed.
func DecodeHeader(buf []byte) (Header, int, error) {
	fixed, err := DecodeFixed(buf)
	if err != nil {
		return Header{}, 0, err
	}
	h, err := DecodeTrailing(fixed, buf[FixedHeaderSize:])
	if err != nil {
		return Header{}, 0, err
	}
	return h, h.Size(), nil
}

// AppendBinary appends the wire form of h to b.
func (h *Header) AppendBinary(b []byte) ([]byte, error) {
	if !h.PayloadType.Valid() {
		return b, fieldError("payload_type", offMarker, ErrInvalidPayloadType)
	}
	if !h.DataType.Valid() {
		return b, fieldError("data_type", offDataType, ErrInvalidDataType)
	}
	if !h.SubpacketFlag.Valid() {
		return b, fieldError("subpacket_processing_flag", offDataType, ErrInvalidSubpacketFlag)
	}
	terminal, err := hex.DecodeString(h.TerminalSerialNumber)
	if err != nil || len(terminal) != terminalSerialSize {
		return b, fieldError("terminal_serial_number", offTerminal, ErrInvalidTerminal)
	}

	flags := (h.Version&0x03)<<6 | h.CSRCCount&0x0F
	if h.Padding {
		flags |= 1 << 5
	}
	if h.Extension {
		flags |= 1 << 4
	}
	mpt := uint8(h.PayloadType) & 0x7F
	if h.Marker {
		mpt |= 1 << 7
	}

	b = binary.BigEndian.AppendUint32(b, Magic)
	b = append(b, flags, mpt)
	b = binary.BigEndian.AppendUint16(b, h.PackageSerialNumber)
	b = append(b, terminal...)
	b = append(b, h.LogicalChannel, uint8(h.DataType)<<4|uint8(h.SubpacketFlag))

	if h.DataType.HasTimestamp() {
		b = binary.BigEndian.AppendUint64(b, deref(h.Timestamp))
	}
	if h.DataType.HasIntervals() {
		b = binary.BigEndian.AppendUint16(b, deref(h.LastIFrameInterval))
		b = binary.BigEndian.AppendUint16(b, deref(h.LastFrameInterval))
	}
	b = binary.BigEndian.AppendUint16(b, h.DataBodyLength)

	return b, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
