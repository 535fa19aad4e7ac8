package jt1078

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/jtstream/internal/testutil"
)

func readAll(t *testing.T, r *Reader) ([]*Packet, []error) {
	t.Helper()
	var (
		packets []*Packet
		errs    []error
	)
	for {
		p, err := r.ReadPacket()
		if errors.Is(err, io.EOF) {
			return packets, errs
		}
		if err != nil {
			errs = append(errs, err)
			if !IsProtocolError(err) {
				return packets, errs
			}
			continue
		}
		packets = append(packets, p)
	}
}

func TestReader_ReferenceFrame(t *testing.T) {
	r := NewReader(bytes.NewReader(referenceFrame(t)))

	p, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, "353071279375", p.DeviceID())
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, p.Payload)

	_, err = r.ReadPacket()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_PayloadLengthInvariant(t *testing.T) {
	gen := testutil.NewSampleDataGeneratorWithSeed(42)
	frames := gen.VideoStream(testutil.Terminals[2], 50, 2048)

	packets, errs := readAll(t, NewReader(bytes.NewReader(testutil.EncodeAll(frames))))
	require.Empty(t, errs)
	require.Len(t, packets, len(frames))

	for i, p := range packets {
		assert.Len(t, p.Payload, int(p.Header.DataBodyLength))
		assert.Equal(t, frames[i].Payload, p.Payload)
		assert.Equal(t, frames[i].Serial, p.Header.PackageSerialNumber)
	}
}

func TestReader_MixedDataTypes(t *testing.T) {
	frames := []testutil.FrameSpec{
		{DataType: testutil.DataVideoI, Payload: []byte{1}},
		{PayloadType: testutil.PayloadG711A, DataType: testutil.DataAudio, Payload: []byte{2, 2}},
		{DataType: testutil.DataTransport, Payload: []byte{3, 3, 3}},
		{DataType: testutil.DataVideoP, Payload: nil},
	}

	packets, errs := readAll(t, NewReader(bytes.NewReader(testutil.EncodeAll(frames))))
	require.Empty(t, errs)
	require.Len(t, packets, 4)
	assert.Equal(t, DataAudio, packets[1].Header.DataType)
	assert.Nil(t, packets[2].Header.Timestamp)
	assert.Empty(t, packets[3].Payload)
}

func TestReader_TruncatedFrame(t *testing.T) {
	frame := referenceFrame(t)

	tests := []struct {
		name string
		cut  int
	}{
		{"inside fixed header", 10},
		{"inside trailing header", 20},
		{"inside payload", len(frame) - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(bytes.NewReader(frame[:tt.cut]))
			_, err := r.ReadPacket()
			require.Error(t, err)
			assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
			assert.False(t, IsProtocolError(err))
		})
	}
}

func TestReader_EmptyStream(t *testing.T) {
	_, err := NewReader(bytes.NewReader(nil)).ReadPacket()
	assert.Equal(t, io.EOF, err)
}

func TestReader_BadMagicWithoutResync(t *testing.T) {
	bad := testutil.FrameSpec{OverrideMagic: []byte{0, 0, 0, 0}, DataType: testutil.DataTransport}.Encode()
	good := testutil.FrameSpec{Payload: []byte{9}}.Encode()

	r := NewReader(bytes.NewReader(append(bad, good...)))

	_, err := r.ReadPacket()
	assert.ErrorIs(t, err, ErrInvalidMagic)

	// The rejected 16 bytes are consumed; the two byte length field of the
	// bad frame is now misread as the start of the next header.
	_, err = r.ReadPacket()
	assert.True(t, IsProtocolError(err))
}

func TestReader_Resync(t *testing.T) {
	garbage := []byte{0xDE, 0xAD, 0x30, 0x31, 0xBE, 0xEF, 0x30}
	frames := []testutil.FrameSpec{
		{Serial: 1, Payload: []byte("first")},
		{Serial: 2, Payload: []byte("second")},
	}

	var stream []byte
	stream = append(stream, garbage...)
	stream = append(stream, frames[0].Encode()...)
	stream = append(stream, garbage...)
	stream = append(stream, frames[1].Encode()...)

	r := NewReader(bytes.NewReader(stream), WithResync(true))
	packets, errs := readAll(t, r)

	require.Len(t, packets, 2)
	assert.Equal(t, []byte("first"), packets[0].Payload)
	assert.Equal(t, []byte("second"), packets[1].Payload)
	assert.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrInvalidMagic)
	}
	assert.Equal(t, uint64(2*len(garbage)), r.Skipped())
}

func TestReader_ResyncTrailingGarbage(t *testing.T) {
	stream := append(testutil.FrameSpec{Payload: []byte{1}}.Encode(), bytes.Repeat([]byte{0xFF}, 40)...)

	r := NewReader(bytes.NewReader(stream), WithResync(true))
	packets, errs := readAll(t, r)

	assert.Len(t, packets, 1)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrInvalidMagic)
	assert.Equal(t, uint64(40), r.Skipped())
}

func TestReader_MaxPayload(t *testing.T) {
	frames := []testutil.FrameSpec{
		{Serial: 1, Payload: bytes.Repeat([]byte{1}, 100)},
		{Serial: 2, Payload: []byte{2}},
	}
	r := NewReader(bytes.NewReader(testutil.EncodeAll(frames)), WithMaxPayload(64))

	_, err := r.ReadPacket()
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	p, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), p.Header.PackageSerialNumber)
}

func TestReader_ConcurrentStreamsIndependent(t *testing.T) {
	gen := testutil.NewSampleDataGeneratorWithSeed(3)
	good := gen.VideoStream(testutil.Terminals[0], 30, 512)
	bad := testutil.EncodeAll(gen.VideoStream(testutil.Terminals[1], 30, 512))
	copy(bad, []byte{0x63, 0x64, 0x00, 0x00})

	var (
		wg                sync.WaitGroup
		goodPkts, badPkts []*Packet
		badErrs           []error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		goodPkts, _ = readAll(t, NewReader(bytes.NewReader(testutil.EncodeAll(good))))
	}()
	go func() {
		defer wg.Done()
		badPkts, badErrs = readAll(t, NewReader(bytes.NewReader(bad), WithResync(true)))
	}()
	wg.Wait()

	require.Len(t, goodPkts, 30)
	assert.Equal(t, testutil.Payloads(good), concatPayloads(goodPkts))
	require.NotEmpty(t, badErrs)
	assert.ErrorIs(t, badErrs[0], ErrInvalidMagic)
	assert.Len(t, badPkts, 29)
}

func TestPacket_MarshalBinary(t *testing.T) {
	frame := referenceFrame(t)
	p, err := NewReader(bytes.NewReader(frame)).ReadPacket()
	require.NoError(t, err)

	b, err := p.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, frame, b)
}

func concatPayloads(pkts []*Packet) []byte {
	var buf bytes.Buffer
	for _, p := range pkts {
		buf.Write(p.Payload)
	}
	return buf.Bytes()
}
