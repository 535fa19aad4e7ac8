package jt1078

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Packet is one decoded frame. len(Payload) always equals
// Header.DataBodyLength.
type Packet struct {
	Header  Header
	Payload []byte
}

// DeviceID returns the terminal serial number identifying the sender.
func (p *Packet) DeviceID() string {
	return p.Header.TerminalSerialNumber
}

// MarshalBinary returns the wire form of the packet.
func (p *Packet) MarshalBinary() ([]byte, error) {
	if len(p.Payload) > 0xFFFF {
		return nil, fieldError("data_body_length", p.Header.Size()-2, ErrPayloadTooLarge)
	}
	h := p.Header
	h.DataBodyLength = uint16(len(p.Payload))
	b, err := h.AppendBinary(make([]byte, 0, h.Size()+len(p.Payload)))
	if err != nil {
		return nil, err
	}
	return append(b, p.Payload...), nil
}

const defaultReaderSize = 64 * 1024

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithResync makes the reader scan forward to the next header id after a
// protocol error instead of decoding the bytes that immediately follow the
// rejected header.
func WithResync(enabled bool) ReaderOption {
	return func(r *Reader) {
		r.resync = enabled
	}
}

// WithMaxPayload rejects frames declaring a body longer than n bytes.
// Zero disables the check.
func WithMaxPayload(n int) ReaderOption {
	return func(r *Reader) {
		r.maxPayload = n
	}
}

// Reader reads frames from a byte stream.
//
// ReadPacket returns io.EOF when the stream ends cleanly between frames.
// Protocol errors (IsProtocolError) affect only the current frame; any other
// error means the stream itself failed.
type Reader struct {
	br         *bufio.Reader
	resync     bool
	maxPayload int

	needResync bool
	skipped    uint64
	trailing   [MaxTrailingSize]byte
}

// NewReader returns a frame reader over r.
func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok || br.Size() < MaxHeaderSize {
		br = bufio.NewReaderSize(r, defaultReaderSize)
	}
	rd := &Reader{br: br}
	for _, opt := range opts {
		opt(rd)
	}
	return rd
}

// Skipped returns the number of bytes discarded while resynchronizing.
func (r *Reader) Skipped() uint64 {
	return r.skipped
}

// ReadPacket reads the next frame.
func (r *Reader) ReadPacket() (*Packet, error) {
	if r.needResync {
		if err := r.resynchronize(); err != nil {
			return nil, err
		}
		r.needResync = false
	}

	buf, err := r.br.Peek(FixedHeaderSize)
	if err != nil {
		if len(buf) == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		_, _ = r.br.Discard(len(buf))
		return nil, fmt.Errorf("reading fixed header: %w", unexpected(err))
	}

	fixed, err := DecodeFixed(buf)
	if err != nil {
		if r.resync {
			// Only the first byte is known to be bad; the header id may
			// start anywhere after it.
			_, _ = r.br.Discard(1)
			r.skipped++
			r.needResync = true
		} else {
			_, _ = r.br.Discard(FixedHeaderSize)
		}
		return nil, err
	}
	_, _ = r.br.Discard(FixedHeaderSize)

	n, err := TrailingLength(fixed.DataType)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r.br, r.trailing[:n]); err != nil {
		return nil, fmt.Errorf("reading trailing header: %w", unexpected(err))
	}

	header, err := DecodeTrailing(fixed, r.trailing[:n])
	if err != nil {
		return nil, err
	}

	if r.maxPayload > 0 && int(header.DataBodyLength) > r.maxPayload {
		if _, err := r.br.Discard(int(header.DataBodyLength)); err != nil {
			return nil, fmt.Errorf("discarding oversized payload: %w", unexpected(err))
		}
		return nil, fieldError("data_body_length", header.Size()-2, ErrPayloadTooLarge)
	}

	payload := make([]byte, header.DataBodyLength)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return nil, fmt.Errorf("reading payload: %w", unexpected(err))
	}

	return &Packet{Header: header, Payload: payload}, nil
}

var magicBytes = binary.BigEndian.AppendUint32(nil, Magic)

// resynchronize discards bytes until the buffered stream starts with the
// header id.
func (r *Reader) resynchronize() error {
	for {
		buf, err := r.br.Peek(len(magicBytes))
		if err != nil {
			// Trailing garbage shorter than a header id ends the stream.
			_, _ = r.br.Discard(len(buf))
			r.skipped += uint64(len(buf))
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("resynchronizing: %w", err)
		}
		if bytes.Equal(buf, magicBytes) {
			return nil
		}

		window, _ := r.br.Peek(r.br.Buffered())
		skip := len(window) - len(magicBytes) + 1
		if idx := bytes.Index(window[1:], magicBytes); idx >= 0 {
			skip = idx + 1
		}
		_, _ = r.br.Discard(skip)
		r.skipped += uint64(skip)
	}
}

// unexpected maps a bare io.EOF inside a frame to io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
