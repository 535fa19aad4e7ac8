package transcoder

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/jtstream/internal/ffmpeg"
)

// PipeBridge feeds FFmpeg through its standard input.
type PipeBridge struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	sessionID string
	cmd       *ffmpeg.Command
	counter   *ffmpeg.CountingWriter
	w         *bufio.Writer
	startedAt time.Time
	started   bool
	closed    bool
	killed    bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewPipeBridge creates an unstarted pipe bridge.
func NewPipeBridge(cfg Config) *PipeBridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PipeBridge{
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Start spawns FFmpeg reading from stdin.
func (b *PipeBridge) Start(ctx context.Context, sessionID string, sink Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.started {
		return ErrAlreadyStarted
	}

	cmd := b.cfg.command(sessionID, ffmpeg.PipeInput, sink)
	if err := cmd.Start(ctx); err != nil {
		return spawnError(cmd, err)
	}

	b.sessionID = sessionID
	b.logger = b.logger.With(slog.String("session_id", sessionID))
	b.cmd = cmd
	b.counter = ffmpeg.NewCountingWriter(cmd.Stdin(), cmd.Monitor())
	b.w = bufio.NewWriter(b.counter)
	b.startedAt = time.Now()
	b.started = true

	b.logger.Debug("transcoder started",
		slog.String("transport", string(TransportPipe)),
		slog.Int("pid", cmd.PID()),
		slog.String("command", cmd.String()))

	return nil
}

// Feed writes p to FFmpeg and flushes it immediately. Feed and Shutdown
// must be called from the same goroutine.
func (b *PipeBridge) Feed(p []byte) error {
	b.mu.Lock()
	closed, started, w := b.closed, b.started, b.w
	b.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotStarted
	}

	if _, err := w.Write(p); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

// Shutdown closes stdin, waits for FFmpeg to finish and kills it after the
// shutdown timeout.
func (b *PipeBridge) Shutdown() error {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		cmd := b.cmd
		w := b.w
		b.mu.Unlock()

		if cmd == nil {
			return
		}

		if err := w.Flush(); err != nil {
			b.logger.Debug("flush on shutdown failed", slog.String("error", err.Error()))
		}
		if err := cmd.Stdin().Close(); err != nil {
			b.logger.Debug("closing transcoder stdin failed", slog.String("error", err.Error()))
		}

		killed, err := waitWithTimeout(cmd, b.cfg.ShutdownTimeout, b.logger)

		b.mu.Lock()
		b.killed = killed
		b.mu.Unlock()

		switch {
		case killed:
			b.shutdownErr = ErrKilled
		case err != nil:
			b.shutdownErr = fmt.Errorf("%w: ffmpeg exited: %w", ErrTransport, err)
		}

		b.logger.Debug("transcoder stopped",
			slog.Bool("killed", killed),
			slog.Duration("ran", time.Since(b.startedAt)),
			slog.String("last_stderr", cmd.LastStderrLine()))
	})
	return b.shutdownErr
}

// Stats reports process and throughput figures.
func (b *PipeBridge) Stats() Stats {
	b.mu.Lock()
	s := Stats{
		SessionID: b.sessionID,
		Transport: TransportPipe,
		Killed:    b.killed,
		StartedAt: b.startedAt,
	}
	if b.counter != nil {
		s.BytesFed = b.counter.Total()
	}
	cmd := b.cmd
	b.mu.Unlock()

	return stats(s, cmd)
}
