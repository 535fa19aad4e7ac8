// Package jt1078 decodes the JT/T 1078 real-time audio/video transport framing
// used by vehicle terminals: a 16 byte fixed header, a 2/10/14 byte trailing
// header selected by the data type, and the elementary stream payload.
package jt1078

import "strconv"

// PayloadType identifies the codec of the payload.
type PayloadType uint8

// Supported payload types.
const (
	PayloadG711A PayloadType = 6
	PayloadG711U PayloadType = 7
	PayloadH264  PayloadType = 98
	PayloadH265  PayloadType = 99
)

// Valid reports whether p is a known payload type.
func (p PayloadType) Valid() bool {
	switch p {
	case PayloadG711A, PayloadG711U, PayloadH264, PayloadH265:
		return true
	}
	return false
}

func (p PayloadType) String() string {
	switch p {
	case PayloadH264:
		return "H.264"
	case PayloadH265:
		return "H.265"
	case PayloadG711A:
		return "G.711A"
	case PayloadG711U:
		return "G.711U"
	}
	return "PayloadType(" + strconv.Itoa(int(p)) + ")"
}

// InputFormat returns the ffmpeg demuxer name for raw video payloads of
// this type, or "" for audio and unknown types.
func (p PayloadType) InputFormat() string {
	switch p {
	case PayloadH264:
		return "h264"
	case PayloadH265:
		return "hevc"
	}
	return ""
}

// IsVideo reports whether p carries a video elementary stream.
func (p PayloadType) IsVideo() bool {
	return p == PayloadH264 || p == PayloadH265
}

// DataType classifies the frame content and selects the trailing layout.
type DataType uint8

// Data types.
const (
	DataVideoI DataType = iota
	DataVideoP
	DataVideoB
	DataAudio
	DataTransparent
)

var dataTypeNames = [...]string{
	"Video I Frame",
	"Video P Frame",
	"Video B Frame",
	"Audio Frame",
	"Transparent Data Transmission",
}

// Valid reports whether d is a known data type.
func (d DataType) Valid() bool {
	return d <= DataTransparent
}

func (d DataType) String() string {
	if d.Valid() {
		return dataTypeNames[d]
	}
	return "DataType(" + strconv.Itoa(int(d)) + ")"
}

// HasTimestamp reports whether the trailing header carries a timestamp.
func (d DataType) HasTimestamp() bool {
	return d <= DataAudio
}

// HasIntervals reports whether the trailing header carries frame intervals.
func (d DataType) HasIntervals() bool {
	return d <= DataVideoB
}

// SubpacketFlag describes how a frame was split across packets.
type SubpacketFlag uint8

// Subpacket processing flags.
const (
	SubpacketAtomic SubpacketFlag = iota
	SubpacketFirst
	SubpacketLast
	SubpacketIntermediate
)

var subpacketNames = [...]string{
	"Atomic Packet",
	"First Packet",
	"Last Packet",
	"Intermediate Packet",
}

// Valid reports whether f is a known subpacket flag.
func (f SubpacketFlag) Valid() bool {
	return f <= SubpacketIntermediate
}

func (f SubpacketFlag) String() string {
	if f.Valid() {
		return subpacketNames[f]
	}
	return "SubpacketFlag(" + strconv.Itoa(int(f)) + ")"
}
