// Package ingest accepts device connections carrying JT/T 1078 frames and
// runs a decode loop and a session pipeline for each of them.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/jtstream/internal/jt1078"
	"github.com/jmylchreest/jtstream/internal/metrics"
	"github.com/jmylchreest/jtstream/internal/observability"
	"github.com/jmylchreest/jtstream/internal/session"
)

// ErrServerClosed is returned by Listen after Serve has returned.
var ErrServerClosed = errors.New("ingest: server closed")

const maxAcceptBackoff = time.Second

// Config configures the acceptor.
type Config struct {
	Addr string
	// QueueCapacity bounds the decoded packets waiting for the pipeline.
	// A full queue stops the connection from being read.
	QueueCapacity int
	Resync        bool
	MaxPayload    int
	// CancelSessionsOnShutdown cancels in-flight sessions when Serve's
	// context ends. Otherwise they run on until their device disconnects.
	CancelSessionsOnShutdown bool
	// DrainTimeout bounds how long Serve waits for sessions on shutdown.
	DrainTimeout time.Duration
}

// DefaultConfig returns the stock acceptor settings.
func DefaultConfig() Config {
	return Config{
		Addr:          ":8000",
		QueueCapacity: 100,
		DrainTimeout:  30 * time.Second,
	}
}

// Pipeline consumes one connection's packets.
type Pipeline interface {
	Run(ctx context.Context, packets <-chan *jt1078.Packet) session.Result
	// Closed is closed when the pipeline has stopped forwarding.
	Closed() <-chan struct{}
}

// PipelineFactory creates the pipeline for a new connection.
type PipelineFactory func(remoteAddr string) Pipeline

// Option configures a Server.
type Option func(*Server)

// WithMetrics records connection and decode metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTracker shares a session tracker with the caller.
func WithTracker(t *session.Tracker) Option {
	return func(s *Server) { s.tracker = t }
}

// Server is the TCP acceptor.
type Server struct {
	cfg     Config
	factory PipelineFactory
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracker *session.Tracker

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// NewServer creates an acceptor. Call Listen, or let Serve listen on
// cfg.Addr.
func NewServer(cfg Config, factory PipelineFactory, logger *slog.Logger, opts ...Option) *Server {
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		factory: factory,
		logger:  observability.WithComponent(logger, "ingest"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracker == nil {
		s.tracker = session.NewTracker()
	}
	return s
}

// Listen binds the listening socket with SO_REUSEADDR.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.ln != nil {
		return nil
	}

	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.logger.Info("ingest server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Tracker returns the tracker counting in-flight sessions.
func (s *Server) Tracker() *session.Tracker {
	return s.tracker
}

// Serve accepts connections until ctx is done, then waits up to
// DrainTimeout for in-flight sessions. It returns nil on a clean shutdown.
// Sessions still running when Serve returns are left alone unless
// CancelSessionsOnShutdown is set.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	// Sessions outlive ctx. Only CancelSessionsOnShutdown gives them a
	// context that shutdown can cancel; sessions left running past the
	// drain timeout keep going until their device disconnects.
	sessionCtx := context.WithoutCancel(ctx)
	cancelSessions := context.CancelFunc(func() {})
	if s.cfg.CancelSessionsOnShutdown {
		sessionCtx, cancelSessions = context.WithCancel(sessionCtx)
		defer cancelSessions()
	}

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			backoff = min(max(2*backoff, 5*time.Millisecond), maxAcceptBackoff)
			s.logger.Warn("accept failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
			}
			break
		}
		backoff = 0

		release := s.tracker.Acquire()
		go func() {
			defer release()
			s.handle(sessionCtx, conn)
		}()
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return s.drain(cancelSessions)
}

// drain waits for tracked sessions after the listener has closed.
func (s *Server) drain(cancelSessions context.CancelFunc) error {
	active := s.tracker.Active()
	s.logger.Info("ingest server stopped accepting",
		slog.Int("active_sessions", active),
		slog.Bool("cancel_sessions", s.cfg.CancelSessionsOnShutdown))
	if active == 0 {
		return nil
	}
	if s.cfg.CancelSessionsOnShutdown {
		cancelSessions()
	}

	waitCtx := context.Background()
	if s.cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(waitCtx, s.cfg.DrainTimeout)
		defer cancel()
	}
	if err := s.tracker.Wait(waitCtx); err != nil {
		s.logger.Warn("sessions still running after drain timeout",
			slog.Int("active_sessions", s.tracker.Active()),
			slog.Duration("drain_timeout", s.cfg.DrainTimeout))
	}
	return nil
}

// handle runs the decode loop and the pipeline of one connection.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	logger := s.logger.With(slog.String("remote_addr", remote))
	logger.Info("device connected")
	s.metrics.ConnectionAccepted()

	packets := make(chan *jt1078.Packet, s.cfg.QueueCapacity)
	pipeline := s.factory(remote)
	decoded := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		defer close(decoded)
		defer close(packets)
		return s.decodeLoop(conn, packets, logger)
	})
	g.Go(func() error {
		pipeline.Run(ctx, packets)
		return nil
	})
	g.Go(func() error {
		// A pipeline that stops before the stream ends no longer wants
		// the device's data; closing the socket ends the decode loop.
		select {
		case <-pipeline.Closed():
			_ = conn.Close()
		case <-decoded:
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Warn("connection ended with error", slog.String("error", err.Error()))
		return
	}
	logger.Info("device disconnected")
}

// decodeLoop reads frames into packets until the stream ends. Protocol
// errors are logged and reading continues from the current position.
func (s *Server) decodeLoop(conn net.Conn, packets chan<- *jt1078.Packet, logger *slog.Logger) error {
	r := jt1078.NewReader(conn,
		jt1078.WithResync(s.cfg.Resync),
		jt1078.WithMaxPayload(s.cfg.MaxPayload))

	for {
		pkt, err := r.ReadPacket()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case jt1078.IsProtocolError(err):
				field := "unknown"
				var fe *jt1078.FieldDecodeError
				if errors.As(err, &fe) {
					field = fe.Field
				}
				s.metrics.ProtocolError(field)
				logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
				continue
			case errors.Is(err, net.ErrClosed):
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		s.metrics.PacketDecoded(pkt.Header.DataType.String())
		packets <- pkt
	}
}
