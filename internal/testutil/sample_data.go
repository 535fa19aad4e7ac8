// Package testutil provides test utilities including sample JT/T 1078 frame generation.
package testutil

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math/rand"
	"time"
)

// Magic is the four byte frame header identifier ("01cd").
var Magic = []byte{0x30, 0x31, 0x63, 0x64}

// Standard fictional terminal identifiers for test data.
var (
	Terminals = []string{
		"353071279375",
		"013800138000",
		"864213050117",
		"112233445566",
	}
)

// Payload type values as they appear on the wire.
const (
	PayloadH264   = 98
	PayloadH265   = 99
	PayloadG711A  = 6
	PayloadG711U  = 7
	DataVideoI    = 0
	DataVideoP    = 1
	DataVideoB    = 2
	DataAudio     = 3
	DataTransport = 4
)

// FrameSpec describes one frame to encode. Zero values produce a version 2,
// H.264, atomic video I-frame on channel 0.
type FrameSpec struct {
	Version        *uint8 // nil encodes version 2
	Padding        bool
	Extension      bool
	CSRCCount      uint8
	Marker         bool
	PayloadType    uint8
	Serial         uint16
	Terminal       string // 12 hex digits
	Channel        uint8
	DataType       uint8
	Subpacket      uint8
	Timestamp      uint64
	LastIInterval  uint16
	LastInterval   uint16
	Payload        []byte
	OverrideMagic  []byte // replaces Magic when set
	OverrideLength *uint16
}

// Encode renders the frame exactly as a device would send it.
// It does not validate the fields, so malformed frames can be produced on purpose.
func (f FrameSpec) Encode() []byte {
	var buf bytes.Buffer

	magic := Magic
	if f.OverrideMagic != nil {
		magic = f.OverrideMagic
	}
	buf.Write(magic)

	version := uint8(2)
	if f.Version != nil {
		version = *f.Version
	}
	b4 := (version&0x03)<<6 | f.CSRCCount&0x0F
	if f.Padding {
		b4 |= 1 << 5
	}
	if f.Extension {
		b4 |= 1 << 4
	}
	buf.WriteByte(b4)

	pt := f.PayloadType
	if pt == 0 {
		pt = PayloadH264
	}
	b5 := pt & 0x7F
	if f.Marker {
		b5 |= 1 << 7
	}
	buf.WriteByte(b5)

	_ = binary.Write(&buf, binary.BigEndian, f.Serial)

	terminal := f.Terminal
	if terminal == "" {
		terminal = Terminals[0]
	}
	raw, err := hex.DecodeString(terminal)
	if err != nil || len(raw) != 6 {
		raw = make([]byte, 6)
	}
	buf.Write(raw)

	buf.WriteByte(f.Channel)
	buf.WriteByte(f.DataType<<4 | f.Subpacket&0x0F)

	if f.DataType <= DataAudio {
		_ = binary.Write(&buf, binary.BigEndian, f.Timestamp)
	}
	if f.DataType <= DataVideoB {
		_ = binary.Write(&buf, binary.BigEndian, f.LastIInterval)
		_ = binary.Write(&buf, binary.BigEndian, f.LastInterval)
	}

	length := uint16(len(f.Payload))
	if f.OverrideLength != nil {
		length = *f.OverrideLength
	}
	_ = binary.Write(&buf, binary.BigEndian, length)
	buf.Write(f.Payload)

	return buf.Bytes()
}

// Ptr returns a pointer to v, for the optional FrameSpec fields.
func Ptr[T any](v T) *T {
	return &v
}

// SampleDataGenerator generates realistic frame streams for tests.
type SampleDataGenerator struct {
	rng *rand.Rand
}

// NewSampleDataGenerator creates a generator seeded from the clock.
func NewSampleDataGenerator() *SampleDataGenerator {
	return NewSampleDataGeneratorWithSeed(time.Now().UnixNano())
}

// NewSampleDataGeneratorWithSeed creates a deterministic generator.
func NewSampleDataGeneratorWithSeed(seed int64) *SampleDataGenerator {
	return &SampleDataGenerator{rng: rand.New(rand.NewSource(seed))}
}

// RandomTerminal returns one of the fictional terminal identifiers.
func (g *SampleDataGenerator) RandomTerminal() string {
	return Terminals[g.rng.Intn(len(Terminals))]
}

// RandomPayload returns n random bytes.
func (g *SampleDataGenerator) RandomPayload(n int) []byte {
	p := make([]byte, n)
	g.rng.Read(p)
	return p
}

// VideoStream returns count consecutive video frames for terminal. Every
// tenth frame is an I-frame; payload sizes vary between 1 and maxPayload.
func (g *SampleDataGenerator) VideoStream(terminal string, count, maxPayload int) []FrameSpec {
	frames := make([]FrameSpec, 0, count)
	ts := uint64(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
	for i := 0; i < count; i++ {
		dt := uint8(DataVideoP)
		if i%10 == 0 {
			dt = DataVideoI
		}
		frames = append(frames, FrameSpec{
			Serial:        uint16(i),
			Terminal:      terminal,
			DataType:      dt,
			Timestamp:     ts + uint64(i*40),
			LastIInterval: uint16((i % 10) * 40),
			LastInterval:  40,
			Payload:       g.RandomPayload(1 + g.rng.Intn(maxPayload)),
		})
	}
	return frames
}

// EncodeAll concatenates the wire form of frames.
func EncodeAll(frames []FrameSpec) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(f.Encode())
	}
	return buf.Bytes()
}

// Payloads concatenates the payloads of frames in order.
func Payloads(frames []FrameSpec) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(f.Payload)
	}
	return buf.Bytes()
}
