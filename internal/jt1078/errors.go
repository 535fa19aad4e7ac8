package jt1078

import (
	"errors"
	"fmt"
)

// ErrProtocol is the root of every frame-level decoding failure. A protocol
// error poisons the current frame only; the stream itself may still be readable.
var ErrProtocol = errors.New("jt1078: protocol error")

// Protocol error kinds.
var (
	ErrInvalidMagic         = fmt.Errorf("%w: invalid header id", ErrProtocol)
	ErrInvalidPayloadType   = fmt.Errorf("%w: invalid payload type", ErrProtocol)
	ErrInvalidDataType      = fmt.Errorf("%w: invalid data type", ErrProtocol)
	ErrInvalidSubpacketFlag = fmt.Errorf("%w: invalid subpacket processing flag", ErrProtocol)
	ErrInvalidTerminal      = fmt.Errorf("%w: invalid terminal serial number", ErrProtocol)
	ErrShortBuffer          = fmt.Errorf("%w: short buffer", ErrProtocol)
	ErrMalformedBits        = fmt.Errorf("%w: malformed bit layout", ErrProtocol)
	ErrPayloadTooLarge      = fmt.Errorf("%w: payload too large", ErrProtocol)
)

// FieldDecodeError reports which named header field could not be decoded and
// at which byte offset of the header it starts.
type FieldDecodeError struct {
	Field  string
	Offset int
	Err    error
}

func (e *FieldDecodeError) Error() string {
	return fmt.Sprintf("failed to decode '%s' field at byte %d: %v", e.Field, e.Offset, e.Err)
}

func (e *FieldDecodeError) Unwrap() error {
	return e.Err
}

func fieldError(field string, offset int, err error) error {
	if !errors.Is(err, ErrProtocol) {
		err = fmt.Errorf("%w: %w", ErrMalformedBits, err)
	}
	return &FieldDecodeError{Field: field, Offset: offset, Err: err}
}

// IsProtocolError reports whether err is a frame-level decoding failure.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol)
}
