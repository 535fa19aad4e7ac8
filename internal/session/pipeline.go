package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/jtstream/internal/jt1078"
	"github.com/jmylchreest/jtstream/internal/metrics"
	"github.com/jmylchreest/jtstream/internal/observability"
	"github.com/jmylchreest/jtstream/internal/storage"
	"github.com/jmylchreest/jtstream/internal/transcoder"
)

// Manager holds what every pipeline shares and creates pipelines for new
// connections.
type Manager struct {
	cfg      Config
	layout   *storage.Layout
	factory  transcoder.Factory
	registry *Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	hooksMu sync.RWMutex
	onClose []func(Result)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics records session metrics on mt.
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithRegistry shares an existing device registry.
func WithRegistry(r *Registry) ManagerOption {
	return func(m *Manager) { m.registry = r }
}

// NewManager creates a Manager writing output under layout and starting
// bridges from factory.
func NewManager(cfg Config, layout *storage.Layout, factory transcoder.Factory, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:     cfg,
		layout:  layout,
		factory: factory,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = NewRegistry()
	}
	m.logger = observability.WithComponent(m.logger, "session")
	return m
}

// Registry returns the device registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// OnClose registers fn to receive every finished session's Result.
func (m *Manager) OnClose(fn func(Result)) {
	m.hooksMu.Lock()
	m.onClose = append(m.onClose, fn)
	m.hooksMu.Unlock()
}

// NewPipeline creates an Uninitialized pipeline for a connection from
// remoteAddr.
func (m *Manager) NewPipeline(remoteAddr string) *Pipeline {
	id := ulid.Make().String()
	return &Pipeline{
		id:         id,
		remoteAddr: remoteAddr,
		manager:    m,
		startedAt:  time.Now(),
		logger:     observability.WithSession(m.logger, id),
		closed:     make(chan struct{}),
	}
}

// Samples returns per-session figures for the metrics exporter.
func (m *Manager) Samples() []metrics.SessionSample {
	infos := m.registry.Sessions()
	samples := make([]metrics.SessionSample, 0, len(infos))
	for _, info := range infos {
		s := metrics.SessionSample{DeviceID: info.DeviceID, Packets: info.Packets}
		if info.Transcoder != nil {
			s.BytesFed = info.Transcoder.BytesFed
			if ps := info.Transcoder.Process; ps != nil {
				s.CPUPercent = ps.CPUPercent
				s.RSSBytes = ps.MemoryRSSBytes
			}
		}
		samples = append(samples, s)
	}
	return samples
}

func (m *Manager) closed(r Result) {
	m.metrics.SessionClosed(string(r.Reason), r.Duration(), r.Killed)

	m.hooksMu.RLock()
	hooks := m.onClose
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(r)
	}
}

// Pipeline drives one connection's packets into a transcoder bridge.
type Pipeline struct {
	id         string
	remoteAddr string
	manager    *Manager
	startedAt  time.Time
	logger     *slog.Logger
	closed     chan struct{}

	state   atomic.Int32
	packets atomic.Uint64
	bytes   atomic.Uint64

	mu          sync.RWMutex
	deviceID    string
	payloadType jt1078.PayloadType
	inputFormat string
	paths       storage.Paths
	bridge      transcoder.Bridge
	release     func()
}

// ID returns the session id.
func (p *Pipeline) ID() string {
	return p.id
}

// Closed is closed once the session has released its resources, before
// any remaining queued packets are discarded.
func (p *Pipeline) Closed() <-chan struct{} {
	return p.closed
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	prev := State(p.state.Swap(int32(s)))
	if prev != s {
		p.logger.Debug("session state changed",
			slog.String("from", prev.String()),
			slog.String("to", s.String()))
	}
}

// Info returns a live view of the session.
func (p *Pipeline) Info() Info {
	p.mu.RLock()
	info := Info{
		SessionID:   p.id,
		DeviceID:    p.deviceID,
		RemoteAddr:  p.remoteAddr,
		InputFormat: p.inputFormat,
		State:       p.State(),
		StartedAt:   p.startedAt,
		Packets:     p.packets.Load(),
		Bytes:       p.bytes.Load(),
		Paths:       p.paths,
	}
	if p.deviceID != "" {
		info.PayloadType = p.payloadType.String()
	}
	bridge := p.bridge
	p.mu.RUnlock()

	if bridge != nil {
		stats := bridge.Stats()
		info.Transcoder = &stats
	}
	return info
}

// Run consumes packets until the channel is closed or ctx is cancelled and
// returns once every resource the session held has been released. The packet
// that hit a fatal error and every packet queued after it are counted as
// discarded; the channel is read until it closes so the producer never blocks.
func (p *Pipeline) Run(ctx context.Context, packets <-chan *jt1078.Packet) Result {
	res := Result{
		SessionID:  p.id,
		RemoteAddr: p.remoteAddr,
		StartedAt:  p.startedAt,
		Reason:     ReasonEndOfStream,
	}

loop:
	for {
		select {
		case <-ctx.Done():
			res.Reason = ReasonCancelled
			break loop
		case pkt, ok := <-packets:
			if !ok {
				break loop
			}
			if p.State() == StateUninitialized {
				if err := p.initialize(ctx, pkt); err != nil {
					p.logger.Error("session initialization failed", slog.String("error", err.Error()))
					res.Reason = ReasonInitFailed
					res.Err = err
					res.Discarded++
					break loop
				}
			}
			if err := p.forward(pkt); err != nil {
				p.logger.Error("forwarding payload failed", slog.String("error", err.Error()))
				res.Reason = ReasonTransport
				res.Err = err
				res.Discarded++
				break loop
			}
		}
	}

	res.Killed, res.CleanupErr = p.close(res.Err)

	for range packets {
		res.Discarded++
	}
	if res.Discarded > 0 {
		p.logger.Debug("discarded packets after session close", slog.Uint64("count", res.Discarded))
	}

	p.mu.RLock()
	res.DeviceID = p.deviceID
	res.InputFormat = p.inputFormat
	if p.deviceID != "" {
		res.PayloadType = p.payloadType.String()
	}
	p.mu.RUnlock()
	res.Packets = p.packets.Load()
	res.Bytes = p.bytes.Load()
	res.State = p.State()
	res.EndedAt = time.Now()

	p.logger.Info("session closed",
		slog.String("reason", string(res.Reason)),
		slog.Uint64("packets", res.Packets),
		slog.Uint64("bytes", res.Bytes),
		slog.Duration("duration", res.Duration()))

	p.manager.closed(res)
	return res
}

// initialize binds the session to the first packet's device and starts the
// transcoder.
func (p *Pipeline) initialize(ctx context.Context, first *jt1078.Packet) error {
	m := p.manager
	deviceID := first.DeviceID()
	format := m.cfg.InputFormat
	if format == "" {
		format = inputFormat(first.Header.PayloadType)
	}

	p.mu.Lock()
	p.deviceID = deviceID
	p.payloadType = first.Header.PayloadType
	p.inputFormat = format
	p.mu.Unlock()
	p.logger = observability.WithDevice(p.logger, deviceID)

	if !storage.ValidDeviceID(deviceID) {
		return fmt.Errorf("%w: %q", storage.ErrInvalidDeviceID, deviceID)
	}

	release, err := m.registry.Acquire(ctx, deviceID, p, m.cfg.LeaseTimeout)
	if err != nil {
		return fmt.Errorf("acquiring lease for %s: %w", deviceID, err)
	}
	p.mu.Lock()
	p.release = release
	p.mu.Unlock()

	paths, err := m.layout.Create(deviceID)
	if err != nil {
		return fmt.Errorf("preparing output directory: %w", err)
	}
	p.mu.Lock()
	p.paths = paths
	p.mu.Unlock()

	bridge := m.factory()
	sink := transcoder.Sink{
		Dir:          paths.Dir,
		StreamsDir:   paths.StreamsDir,
		PlaylistPath: paths.PlaylistPath,
		InputFormat:  format,
	}
	// The bridge is recorded before Start so a partially started process is
	// still shut down on close.
	p.mu.Lock()
	p.bridge = bridge
	p.mu.Unlock()
	if err := bridge.Start(ctx, p.id, sink); err != nil {
		m.metrics.TranscoderSpawned(false)
		return err
	}
	m.metrics.TranscoderSpawned(true)

	p.setState(StateActive)
	p.logger.Info("session started",
		slog.String("remote_addr", p.remoteAddr),
		slog.String("payload_type", first.Header.PayloadType.String()),
		slog.String("input_format", format),
		slog.String("dir", paths.Dir))
	return nil
}

// inputFormat picks the demuxer for a session. Every payload goes to one
// video demuxer, so a stream that opens with an audio frame still gets h264.
func inputFormat(pt jt1078.PayloadType) string {
	if pt.IsVideo() {
		return pt.InputFormat()
	}
	return defaultInputFormat
}

func (p *Pipeline) forward(pkt *jt1078.Packet) error {
	p.mu.RLock()
	bridge := p.bridge
	p.mu.RUnlock()

	if err := bridge.Feed(pkt.Payload); err != nil {
		return err
	}
	p.packets.Add(1)
	p.bytes.Add(uint64(len(pkt.Payload)))
	p.manager.metrics.BytesForwarded(len(pkt.Payload))
	return nil
}

// close moves through Draining to Closed: the bridge is shut down, the device
// directory removed and the lease released. Cleanup failures come back
// wrapped in ErrCleanup.
func (p *Pipeline) close(cause error) (killed bool, err error) {
	p.setState(StateDraining)

	p.mu.RLock()
	bridge := p.bridge
	paths := p.paths
	deviceID := p.deviceID
	release := p.release
	p.mu.RUnlock()

	var errs []error
	if bridge != nil {
		if serr := bridge.Shutdown(); serr != nil {
			killed = errors.Is(serr, transcoder.ErrKilled)
			// A bridge that already failed reports the same cause again.
			if cause == nil || !errors.Is(serr, transcoder.ErrTransport) {
				errs = append(errs, fmt.Errorf("shutting down transcoder: %w", serr))
			}
		}
	}

	if paths.Dir != "" {
		if rerr := p.manager.layout.Remove(deviceID); rerr != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", paths.Dir, rerr))
		}
	}

	if release != nil {
		release()
	}
	p.setState(StateClosed)
	close(p.closed)

	if len(errs) > 0 {
		err = fmt.Errorf("%w: %w", ErrCleanup, errors.Join(errs...))
		p.logger.Warn("session cleanup incomplete", slog.String("error", err.Error()))
	}
	return killed, err
}
