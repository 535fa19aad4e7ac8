// Package transcoder hands a session's elementary stream to an external
// FFmpeg process that writes segmented HLS output to disk.
//
// Two transports are available behind the Bridge interface: PipeBridge feeds
// FFmpeg through its stdin, SocketBridge through a loopback TCP connection.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jmylchreest/jtstream/internal/ffmpeg"
)

// ErrTransport is the root of every transcoder failure. It is fatal to the
// session that owns the bridge.
var ErrTransport = errors.New("transcoder: transport error")

// Transport failure kinds.
var (
	ErrSpawn          = fmt.Errorf("%w: spawn failed", ErrTransport)
	ErrWrite          = fmt.Errorf("%w: write failed", ErrTransport)
	ErrDial           = fmt.Errorf("%w: relay dial failed", ErrTransport)
	ErrClosed         = fmt.Errorf("%w: bridge closed", ErrTransport)
	ErrNotStarted     = fmt.Errorf("%w: bridge not started", ErrTransport)
	ErrAlreadyStarted = fmt.Errorf("%w: bridge already started", ErrTransport)
	ErrKilled         = fmt.Errorf("%w: process killed after shutdown timeout", ErrTransport)
)

// Transport selects how payload bytes reach FFmpeg.
type Transport string

// Transports.
const (
	TransportPipe   Transport = "pipe"
	TransportSocket Transport = "socket"
)

// Sink describes where a session's HLS output goes.
type Sink struct {
	Dir          string // per-device root, removed on session close
	StreamsDir   string // segment directory
	PlaylistPath string
	InputFormat  string // ffmpeg demuxer for the raw payload, e.g. "h264"
}

// Stats is a point-in-time view of a bridge.
type Stats struct {
	SessionID  string               `json:"session_id"`
	Transport  Transport            `json:"transport"`
	PID        int                  `json:"pid,omitempty"`
	Running    bool                 `json:"running"`
	Killed     bool                 `json:"killed"`
	BytesFed   uint64               `json:"bytes_fed"`
	StartedAt  time.Time            `json:"started_at"`
	LastStderr string               `json:"last_stderr,omitempty"`
	Process    *ffmpeg.ProcessStats `json:"process,omitempty"`
}

// Bridge owns one transcoder process for the lifetime of a session.
type Bridge interface {
	// Start spawns the transcoder writing to sink. ctx bounds the startup
	// only; the process runs until Shutdown.
	Start(ctx context.Context, sessionID string, sink Sink) error
	// Feed forwards payload bytes verbatim.
	Feed(p []byte) error
	// Shutdown closes the input, waits for the process and kills it if it
	// outlives the shutdown timeout. It is idempotent.
	Shutdown() error
	// Stats reports process and throughput figures.
	Stats() Stats
}

// Factory creates a fresh, unstarted Bridge.
type Factory func() Bridge

// Config configures transcoder bridges.
type Config struct {
	Transport  Transport
	FFmpegPath string
	LogLevel   string
	Realtime   bool

	// HLS muxer settings. SegmentPattern is relative to Sink.StreamsDir.
	HLSInitTime    int
	HLSTime        int
	HLSListSize    int
	HLSFlags       string
	SegmentPattern string

	ShutdownTimeout time.Duration
	StartupDelay    time.Duration
	DialTimeout     time.Duration

	// StderrLogDir, when set, receives one stderr log file per session.
	StderrLogDir string

	Logger *slog.Logger
}

// DefaultConfig returns the stock segmentation settings.
func DefaultConfig() Config {
	return Config{
		Transport:       TransportPipe,
		FFmpegPath:      "ffmpeg",
		LogLevel:        "error",
		Realtime:        true,
		HLSInitTime:     1,
		HLSTime:         6,
		HLSListSize:     10,
		HLSFlags:        "delete_segments",
		SegmentPattern:  "%Y-%m-%d_%H-%M-%S.ts",
		ShutdownTimeout: 10 * time.Second,
		StartupDelay:    time.Second,
		DialTimeout:     5 * time.Second,
	}
}

// New returns a Factory for the configured transport.
func New(cfg Config) (Factory, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FFmpegPath == "" {
		return nil, errors.New("ffmpeg path is required")
	}

	switch cfg.Transport {
	case TransportPipe, "":
		return func() Bridge { return NewPipeBridge(cfg) }, nil
	case TransportSocket:
		return func() Bridge { return NewSocketBridge(cfg) }, nil
	}
	return nil, fmt.Errorf("unknown transcoder transport %q", cfg.Transport)
}

// command builds the FFmpeg invocation reading from input.
func (cfg Config) command(sessionID, input string, sink Sink) *ffmpeg.Command {
	b := ffmpeg.NewCommandBuilder(cfg.FFmpegPath).
		HideBanner().
		LogLevel(cfg.LogLevel)
	if cfg.Realtime {
		b.Realtime()
	}
	b.InputFormat(sink.InputFormat).
		Input(input).
		CopyCodecs().
		HLS(ffmpeg.HLSOptions{
			InitTime:        cfg.HLSInitTime,
			SegmentTime:     cfg.HLSTime,
			ListSize:        cfg.HLSListSize,
			Flags:           cfg.HLSFlags,
			Strftime:        true,
			SegmentFilename: filepath.Join(sink.StreamsDir, cfg.SegmentPattern),
		}).
		Output(sink.PlaylistPath)
	if cfg.StderrLogDir != "" {
		b.StderrLogPath(filepath.Join(cfg.StderrLogDir, sessionID+".log"))
	}
	return b.Build()
}

// waitWithTimeout waits for cmd to exit, killing it if it does not exit
// within timeout. It reports whether the process was killed.
func waitWithTimeout(cmd *ffmpeg.Command, timeout time.Duration, logger *slog.Logger) (bool, error) {
	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()
	return awaitExit(exited, cmd, timeout, logger)
}

// awaitExit is waitWithTimeout for a caller already waiting on the process.
func awaitExit(exited <-chan error, cmd *ffmpeg.Command, timeout time.Duration, logger *slog.Logger) (bool, error) {
	select {
	case err := <-exited:
		return false, err
	case <-time.After(timeout):
	}

	logger.Warn("transcoder did not exit in time, killing",
		slog.Int("pid", cmd.PID()),
		slog.Duration("timeout", timeout))
	if err := cmd.Kill(); err != nil {
		logger.Error("failed to kill transcoder",
			slog.Int("pid", cmd.PID()),
			slog.String("error", err.Error()))
	}
	return true, <-exited
}

// stats fills the process-derived fields of s from cmd.
func stats(s Stats, cmd *ffmpeg.Command) Stats {
	if cmd == nil {
		return s
	}
	s.PID = cmd.PID()
	s.Running = cmd.IsRunning()
	s.LastStderr = cmd.LastStderrLine()
	s.Process = cmd.ProcessStats()
	return s
}

// spawnError wraps a startup failure with the last line FFmpeg printed.
func spawnError(cmd *ffmpeg.Command, err error) error {
	if line := cmd.LastStderrLine(); line != "" {
		return fmt.Errorf("%w: %w (ffmpeg: %s)", ErrSpawn, err, line)
	}
	return fmt.Errorf("%w: %w", ErrSpawn, err)
}
