package util

import "errors"

// Bit extraction errors.
var (
	ErrIndexOutOfRange = errors.New("bit index out of range")
	ErrInvalidLength   = errors.New("invalid bit field length")
)

// BitAt returns the bit at index, counted from the least significant bit (0)
// to the most significant bit (7).
func BitAt(b byte, index uint) (uint8, error) {
	if index > 7 {
		return 0, ErrIndexOutOfRange
	}
	return (b >> index) & 1, nil
}

// FieldAt returns the unsigned value of length contiguous bits ending at
// index (inclusive), counted from the least significant bit.
//
// The field must fit at or below index: 1 <= length <= index+1.
func FieldAt(b byte, index, length uint) (uint8, error) {
	if index > 7 {
		return 0, ErrIndexOutOfRange
	}
	if length < 1 || length > index+1 {
		return 0, ErrInvalidLength
	}
	shift := index + 1 - length
	mask := byte(1<<length) - 1
	return (b >> shift) & mask, nil
}
