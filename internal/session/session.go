// Package session runs the per-connection pipeline that turns decoded
// JT/T 1078 packets into a transcoder feed.
//
// A Pipeline is created for every accepted connection. It stays Uninitialized
// until the first packet arrives, which fixes the device identity, takes the
// device lease from the Registry, prepares the output directory and starts a
// transcoder bridge. From then on every payload is forwarded verbatim in
// arrival order. When the packet queue closes, or forwarding fails, the bridge
// is shut down and the device directory removed.
package session

import (
	"errors"
	"time"

	"github.com/jmylchreest/jtstream/internal/storage"
	"github.com/jmylchreest/jtstream/internal/transcoder"
)

var (
	// ErrCleanup wraps failures while releasing session resources. It is
	// logged and reported in Result but never propagated.
	ErrCleanup = errors.New("session: resource cleanup failed")

	// ErrLeaseTimeout is returned when a previous session for the same device
	// did not finish closing within the lease timeout.
	ErrLeaseTimeout = errors.New("session: timed out waiting for device lease")
)

// State is the lifecycle position of a pipeline.
type State int32

// Pipeline states.
const (
	StateUninitialized State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CloseReason records why a session ended.
type CloseReason string

// Close reasons.
const (
	ReasonEndOfStream CloseReason = "end_of_stream"
	ReasonInitFailed  CloseReason = "init_failed"
	ReasonTransport   CloseReason = "transport_error"
	ReasonCancelled   CloseReason = "cancelled"
)

// defaultInputFormat is used when the first packet is not video.
const defaultInputFormat = "h264"

// Config holds pipeline settings.
type Config struct {
	// InputFormat forces the transcoder demuxer. Empty selects it from the
	// payload type of the first packet when that packet is video, h264
	// otherwise.
	InputFormat string

	// LeaseTimeout bounds the wait for a previous session of the same device
	// to close. Zero waits until the context is cancelled.
	LeaseTimeout time.Duration
}

// DefaultConfig returns the stock pipeline settings.
func DefaultConfig() Config {
	return Config{LeaseTimeout: 15 * time.Second}
}

// Result summarises a finished session.
type Result struct {
	SessionID   string      `json:"session_id"`
	DeviceID    string      `json:"device_id,omitempty"`
	RemoteAddr  string      `json:"remote_addr,omitempty"`
	PayloadType string      `json:"payload_type,omitempty"`
	InputFormat string      `json:"input_format,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	EndedAt     time.Time   `json:"ended_at"`
	Packets     uint64      `json:"packets"`
	Bytes       uint64      `json:"bytes"`
	Discarded   uint64      `json:"discarded"`
	State       State       `json:"state"`
	Reason      CloseReason `json:"reason"`
	Killed      bool        `json:"killed"`
	Err         error       `json:"-"`
	CleanupErr  error       `json:"-"`
}

// Duration returns the session lifetime.
func (r Result) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Initialized reports whether the session ever received a packet.
func (r Result) Initialized() bool {
	return r.DeviceID != ""
}

// Info is a live view of a running session.
type Info struct {
	SessionID   string            `json:"session_id"`
	DeviceID    string            `json:"device_id"`
	RemoteAddr  string            `json:"remote_addr,omitempty"`
	PayloadType string            `json:"payload_type,omitempty"`
	InputFormat string            `json:"input_format,omitempty"`
	State       State             `json:"state"`
	StartedAt   time.Time         `json:"started_at"`
	Packets     uint64            `json:"packets"`
	Bytes       uint64            `json:"bytes"`
	Paths       storage.Paths     `json:"-"`
	Transcoder  *transcoder.Stats `json:"transcoder,omitempty"`
}
