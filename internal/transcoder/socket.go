package transcoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jmylchreest/jtstream/internal/ffmpeg"
)

const dialRetryInterval = 100 * time.Millisecond

// SocketBridge feeds FFmpeg through a loopback TCP connection. FFmpeg listens
// on a reserved ephemeral port; the bridge dials it as a relay client. A
// supervisor goroutine owns the process and kills it when asked to stop
// before it has exited on its own.
type SocketBridge struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	sessionID string
	cmd       *ffmpeg.Command
	conn      net.Conn
	counter   *ffmpeg.CountingWriter
	startedAt time.Time
	started   bool
	closed    bool
	killed    bool
	exitErr   error

	stopCh         chan struct{}
	stopOnce       sync.Once
	supervisorDone chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewSocketBridge creates an unstarted socket bridge.
func NewSocketBridge(cfg Config) *SocketBridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SocketBridge{
		cfg:            cfg,
		logger:         cfg.Logger,
		stopCh:         make(chan struct{}),
		supervisorDone: make(chan struct{}),
	}
}

// Start reserves a port, spawns FFmpeg listening on it and connects to it.
func (b *SocketBridge) Start(ctx context.Context, sessionID string, sink Sink) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	b.sessionID = sessionID
	b.logger = b.logger.With(slog.String("session_id", sessionID))
	b.mu.Unlock()

	addr, err := reservePort()
	if err != nil {
		close(b.supervisorDone)
		return fmt.Errorf("%w: reserving relay port: %w", ErrSpawn, err)
	}

	cmd := b.cfg.command(sessionID, "tcp://"+addr+"?listen=1", sink)
	if err := cmd.Start(ctx); err != nil {
		close(b.supervisorDone)
		return spawnError(cmd, err)
	}

	b.mu.Lock()
	b.cmd = cmd
	b.startedAt = time.Now()
	b.mu.Unlock()

	go b.supervise(cmd)

	b.logger.Debug("transcoder started",
		slog.String("transport", string(TransportSocket)),
		slog.String("relay_addr", addr),
		slog.Int("pid", cmd.PID()),
		slog.String("command", cmd.String()))

	conn, err := b.dial(ctx, addr)
	if err != nil {
		b.stop()
		<-b.supervisorDone
		if errors.Is(err, errProcessExited) {
			return spawnError(cmd, err)
		}
		return fmt.Errorf("%w: %s: %w", ErrDial, addr, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.counter = ffmpeg.NewCountingWriter(conn, cmd.Monitor())
	b.mu.Unlock()

	return nil
}

var errProcessExited = errors.New("process exited before accepting the relay connection")

// dial connects to FFmpeg after the startup delay, retrying until the dial
// timeout elapses or the process exits.
func (b *SocketBridge) dial(ctx context.Context, addr string) (net.Conn, error) {
	select {
	case <-time.After(b.cfg.StartupDelay):
	case <-b.supervisorDone:
		return nil, errProcessExited
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	deadline := time.Now().Add(b.cfg.DialTimeout)
	var d net.Dialer
	for {
		attemptCtx, cancel := context.WithDeadline(ctx, deadline)
		conn, err := d.DialContext(attemptCtx, "tcp", addr)
		cancel()
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}

		select {
		case <-time.After(dialRetryInterval):
		case <-b.supervisorDone:
			return nil, errProcessExited
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// supervise waits for the process while racing the stop signal.
func (b *SocketBridge) supervise(cmd *ffmpeg.Command) {
	defer close(b.supervisorDone)

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	var err error
	select {
	case err = <-exited:
		b.logger.Debug("transcoder exited", slog.Any("error", err))
	case <-b.stopCh:
		var killed bool
		killed, err = awaitExit(exited, cmd, b.cfg.ShutdownTimeout, b.logger)
		b.mu.Lock()
		b.killed = killed
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.exitErr = err
	b.mu.Unlock()
}

func (b *SocketBridge) stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Feed writes p to the relay connection. Feed and Shutdown must be called
// from the same goroutine.
func (b *SocketBridge) Feed(p []byte) error {
	b.mu.Lock()
	closed, w := b.closed, b.counter
	b.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if w == nil {
		return ErrNotStarted
	}

	if _, err := w.Write(p); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

// Shutdown closes the relay connection and signals the supervisor, then
// waits for it to finish.
func (b *SocketBridge) Shutdown() error {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		started := b.started
		conn := b.conn
		b.mu.Unlock()

		if !started {
			return
		}
		if conn == nil {
			// Start failed and already reported why.
			b.stop()
			<-b.supervisorDone
			return
		}

		if err := conn.Close(); err != nil {
			b.logger.Debug("closing relay connection failed", slog.String("error", err.Error()))
		}
		b.stop()
		<-b.supervisorDone

		b.mu.Lock()
		killed, exitErr := b.killed, b.exitErr
		b.mu.Unlock()

		switch {
		case killed:
			b.shutdownErr = ErrKilled
		case exitErr != nil:
			b.shutdownErr = fmt.Errorf("%w: ffmpeg exited: %w", ErrTransport, exitErr)
		}

		b.logger.Debug("transcoder stopped",
			slog.Bool("killed", killed),
			slog.Duration("ran", time.Since(b.startedAt)))
	})
	return b.shutdownErr
}

// Stats reports process and throughput figures.
func (b *SocketBridge) Stats() Stats {
	b.mu.Lock()
	s := Stats{
		SessionID: b.sessionID,
		Transport: TransportSocket,
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

// reservePort picks a free loopback port by binding and releasing it.
func reservePort() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		return "", err
	}
	return addr, nil
}
