package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/jtstream/internal/jt1078"
	"github.com/jmylchreest/jtstream/internal/metrics"
	"github.com/jmylchreest/jtstream/internal/storage"
	"github.com/jmylchreest/jtstream/internal/testutil"
	"github.com/jmylchreest/jtstream/internal/transcoder"
)

// fakeBridge is an in-memory transcoder.
type fakeBridge struct {
	startErr    error
	failOnFeed  int // 1-based feed that fails; 0 never fails
	shutdownErr error
	blockStart  chan struct{}

	mu         sync.Mutex
	sessionID  string
	sink       transcoder.Sink
	sinkExists bool
	fed        bytes.Buffer
	feeds      int
	shutdowns  int
}

func (b *fakeBridge) Start(_ context.Context, sessionID string, sink transcoder.Sink) error {
	if b.blockStart != nil {
		<-b.blockStart
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionID = sessionID
	b.sink = sink
	_, err := os.Stat(sink.StreamsDir)
	b.sinkExists = err == nil
	return b.startErr
}

func (b *fakeBridge) Feed(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.feeds++
	if b.failOnFeed > 0 && b.feeds >= b.failOnFeed {
		return transcoder.ErrWrite
	}
	b.fed.Write(p)
	return nil
}

func (b *fakeBridge) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdowns++
	return b.shutdownErr
}

func (b *fakeBridge) Stats() transcoder.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return transcoder.Stats{SessionID: b.sessionID, Running: b.shutdowns == 0, BytesFed: uint64(b.fed.Len())}
}

type fixture struct {
	layout  *storage.Layout
	manager *Manager
	metrics *metrics.Metrics

	mu      sync.Mutex
	bridges []*fakeBridge
	next    func() *fakeBridge
	results []Result
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	layout, err := storage.NewLayout(filepath.Join(t.TempDir(), "media"))
	require.NoError(t, err)

	f := &fixture{layout: layout, metrics: metrics.New()}
	f.next = func() *fakeBridge { return &fakeBridge{} }
	factory := func() transcoder.Bridge {
		f.mu.Lock()
		defer f.mu.Unlock()
		b := f.next()
		f.bridges = append(f.bridges, b)
		return b
	}
	f.manager = NewManager(cfg, layout, factory, WithLogger(testLogger()), WithMetrics(f.metrics))
	f.manager.OnClose(func(r Result) {
		f.mu.Lock()
		f.results = append(f.results, r)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) bridge(i int) *fakeBridge {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bridges[i]
}

func (f *fixture) bridgeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bridges)
}

// feed queues packets decoded from frames into a closed channel.
func feed(t *testing.T, frames []testutil.FrameSpec) <-chan *jt1078.Packet {
	t.Helper()
	ch := make(chan *jt1078.Packet, len(frames))
	r := jt1078.NewReader(bytes.NewReader(testutil.EncodeAll(frames)))
	for range frames {
		pkt, err := r.ReadPacket()
		require.NoError(t, err)
		ch <- pkt
	}
	close(ch)
	return ch
}

func videoFrames(seed int64, terminal string, n int) []testutil.FrameSpec {
	return testutil.NewSampleDataGeneratorWithSeed(seed).VideoStream(terminal, n, 700)
}

func TestPipeline_ForwardsPayloadsVerbatim(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	frames := videoFrames(1, testutil.Terminals[0], 40)

	p := f.manager.NewPipeline("10.0.0.1:5555")
	assert.Equal(t, StateUninitialized, p.State())
	res := p.Run(context.Background(), feed(t, frames))

	require.Equal(t, 1, f.bridgeCount())
	b := f.bridge(0)
	assert.Equal(t, testutil.Payloads(frames), b.fed.Bytes())
	assert.Equal(t, 1, b.shutdowns)
	assert.Equal(t, p.ID(), b.sessionID)
	assert.True(t, b.sinkExists)
	assert.Equal(t, "h264", b.sink.InputFormat)
	assert.Equal(t, filepath.Join(f.layout.BaseDir(), testutil.Terminals[0], "playlist.m3u8"), b.sink.PlaylistPath)

	assert.Equal(t, testutil.Terminals[0], res.DeviceID)
	assert.Equal(t, "10.0.0.1:5555", res.RemoteAddr)
	assert.Equal(t, "H.264", res.PayloadType)
	assert.Equal(t, uint64(40), res.Packets)
	assert.Equal(t, uint64(len(testutil.Payloads(frames))), res.Bytes)
	assert.Equal(t, StateClosed, res.State)
	assert.Equal(t, ReasonEndOfStream, res.Reason)
	assert.NoError(t, res.Err)
	assert.NoError(t, res.CleanupErr)
	assert.Zero(t, res.Discarded)

	assert.NoDirExists(t, b.sink.Dir)
	assert.False(t, f.manager.Registry().Held(testutil.Terminals[0]))
	assert.Len(t, f.results, 1)
	select {
	case <-p.Closed():
	default:
		t.Fatal("Closed not signalled")
	}
}

func TestPipeline_InputFormat(t *testing.T) {
	tests := []struct {
		name     string
		override string
		payload  uint8
		want     string
	}{
		{"h264 from payload type", "", testutil.PayloadH264, "h264"},
		{"hevc from payload type", "", testutil.PayloadH265, "hevc"},
		{"configured override", "h264", testutil.PayloadH265, "h264"},
		{"audio first falls back to h264", "", testutil.PayloadG711A, "h264"},
		{"mu-law first falls back to h264", "", testutil.PayloadG711U, "h264"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.InputFormat = tt.override
			f := newFixture(t, cfg)
			frames := []testutil.FrameSpec{
				{Terminal: testutil.Terminals[1], PayloadType: tt.payload, DataType: testutil.DataAudio, Payload: []byte{0x01, 0x02}},
				{Terminal: testutil.Terminals[1], PayloadType: testutil.PayloadH264, Payload: []byte{0, 0, 0, 1, 0x67}},
			}
			if jt1078.PayloadType(tt.payload).IsVideo() {
				frames[0].DataType = testutil.DataVideoI
			}

			res := f.manager.NewPipeline("").Run(context.Background(), feed(t, frames))
			assert.Equal(t, tt.want, f.bridge(0).sink.InputFormat)
			assert.Equal(t, tt.want, res.InputFormat)
			// Every payload reaches the one demuxer, audio included.
			assert.Equal(t, testutil.Payloads(frames), f.bridge(0).fed.Bytes())
		})
	}
}

func TestPipeline_NoPacketsNeverInitializes(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ch := make(chan *jt1078.Packet)
	close(ch)

	res := f.manager.NewPipeline("").Run(context.Background(), ch)
	assert.Zero(t, f.bridgeCount())
	assert.False(t, res.Initialized())
	assert.Equal(t, StateClosed, res.State)
	assert.Equal(t, ReasonEndOfStream, res.Reason)

	devices, err := f.layout.Devices()
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestPipeline_StartFailureDrainsQueue(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.next = func() *fakeBridge { return &fakeBridge{startErr: transcoder.ErrSpawn} }
	frames := videoFrames(2, testutil.Terminals[2], 25)

	res := f.manager.NewPipeline("").Run(context.Background(), feed(t, frames))

	assert.Equal(t, ReasonInitFailed, res.Reason)
	assert.ErrorIs(t, res.Err, transcoder.ErrSpawn)
	assert.Equal(t, uint64(25), res.Discarded)
	assert.Zero(t, res.Packets)
	assert.Equal(t, uint64(len(frames)), res.Packets+res.Discarded)
	assert.Equal(t, 1, f.bridge(0).shutdowns)
	assert.NoDirExists(t, filepath.Join(f.layout.BaseDir(), testutil.Terminals[2]))
	assert.False(t, f.manager.Registry().Held(testutil.Terminals[2]))
}

func TestPipeline_InvalidDeviceID(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	// The decoder only yields hex digits; build the packet directly.
	pkt := &jt1078.Packet{Payload: []byte{1}}
	pkt.Header.TerminalSerialNumber = "../../../tmp"
	pkt.Header.PayloadType = jt1078.PayloadH264
	ch := make(chan *jt1078.Packet, 1)
	ch <- pkt
	close(ch)

	res := f.manager.NewPipeline("").Run(context.Background(), ch)
	assert.Equal(t, ReasonInitFailed, res.Reason)
	assert.ErrorIs(t, res.Err, storage.ErrInvalidDeviceID)
	assert.Equal(t, uint64(1), res.Discarded)
	assert.Zero(t, f.bridgeCount())
}

func TestPipeline_FeedFailureDrainsQueue(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.next = func() *fakeBridge { return &fakeBridge{failOnFeed: 11} }
	frames := videoFrames(3, testutil.Terminals[3], 30)

	res := f.manager.NewPipeline("").Run(context.Background(), feed(t, frames))

	assert.Equal(t, ReasonTransport, res.Reason)
	assert.ErrorIs(t, res.Err, transcoder.ErrWrite)
	// The packet whose feed failed counts as discarded with the rest.
	assert.Equal(t, uint64(10), res.Packets)
	assert.Equal(t, uint64(20), res.Discarded)
	assert.Equal(t, uint64(len(frames)), res.Packets+res.Discarded)
	assert.Equal(t, testutil.Payloads(frames[:10]), f.bridge(0).fed.Bytes())
	assert.NoDirExists(t, f.bridge(0).sink.Dir)
}

func TestPipeline_KilledTranscoderIsCleanupError(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.next = func() *fakeBridge { return &fakeBridge{shutdownErr: transcoder.ErrKilled} }

	res := f.manager.NewPipeline("").Run(context.Background(), feed(t, videoFrames(4, testutil.Terminals[0], 3)))

	assert.Equal(t, ReasonEndOfStream, res.Reason)
	assert.NoError(t, res.Err)
	assert.True(t, res.Killed)
	assert.ErrorIs(t, res.CleanupErr, ErrCleanup)
	assert.ErrorIs(t, res.CleanupErr, transcoder.ErrKilled)
}

func TestPipeline_Cancelled(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ch := make(chan *jt1078.Packet, 4)
	for pkt := range feed(t, videoFrames(5, testutil.Terminals[1], 2)) {
		ch <- pkt
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := f.manager.NewPipeline("")
	done := make(chan Result, 1)
	go func() { done <- p.Run(ctx, ch) }()

	require.Eventually(t, func() bool { return p.State() == StateActive && p.Info().Packets == 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-p.Closed()
	close(ch)

	res := <-done
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Equal(t, StateClosed, res.State)
}

func TestPipeline_ReconnectWaitsForLease(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	device := testutil.Terminals[0]

	first := f.manager.NewPipeline("a")
	firstCh := make(chan *jt1078.Packet, 8)
	for pkt := range feed(t, videoFrames(6, device, 2)) {
		firstCh <- pkt
	}
	firstDone := make(chan Result, 1)
	go func() { firstDone <- first.Run(context.Background(), firstCh) }()
	require.Eventually(t, func() bool { return first.State() == StateActive }, 5*time.Second, 5*time.Millisecond)

	info, ok := f.manager.Registry().Lookup(device)
	require.True(t, ok)
	assert.Equal(t, first.ID(), info.ID())

	second := f.manager.NewPipeline("b")
	secondDone := make(chan Result, 1)
	go func() { secondDone <- second.Run(context.Background(), feed(t, videoFrames(7, device, 3))) }()

	// The second session is parked on the lease while the first is live.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateUninitialized, second.State())
	assert.Equal(t, 1, f.bridgeCount())

	close(firstCh)
	<-firstDone
	res := <-secondDone
	assert.Equal(t, ReasonEndOfStream, res.Reason)
	assert.Equal(t, uint64(3), res.Packets)
	assert.Equal(t, 2, f.bridgeCount())
}

func TestPipeline_LeaseTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LeaseTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)
	device := testutil.Terminals[1]

	holder := f.manager.NewPipeline("")
	release, err := f.manager.Registry().Acquire(context.Background(), device, holder, 0)
	require.NoError(t, err)
	defer release()

	res := f.manager.NewPipeline("").Run(context.Background(), feed(t, videoFrames(8, device, 2)))
	assert.Equal(t, ReasonInitFailed, res.Reason)
	assert.ErrorIs(t, res.Err, ErrLeaseTimeout)
	assert.Zero(t, f.bridgeCount())
	// The directory belongs to the lease holder and is left alone.
	assert.True(t, f.manager.Registry().Held(device))
}

func TestManager_SessionsAndSamples(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	block := make(chan *jt1078.Packet, 4)
	for pkt := range feed(t, videoFrames(9, testutil.Terminals[2], 3)) {
		block <- pkt
	}
	p := f.manager.NewPipeline("192.0.2.1:4000")
	done := make(chan Result, 1)
	go func() { done <- p.Run(context.Background(), block) }()
	require.Eventually(t, func() bool { return p.Info().Packets == 3 }, 5*time.Second, 5*time.Millisecond)

	sessions := f.manager.Registry().Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, testutil.Terminals[2], sessions[0].DeviceID)
	assert.Equal(t, StateActive, sessions[0].State)
	require.NotNil(t, sessions[0].Transcoder)
	assert.True(t, sessions[0].Transcoder.Running)

	samples := f.manager.Samples()
	require.Len(t, samples, 1)
	assert.Equal(t, uint64(3), samples[0].Packets)
	assert.Equal(t, sessions[0].Bytes, samples[0].BytesFed)

	close(block)
	<-done
	assert.Empty(t, f.manager.Registry().Sessions())
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Wait(context.Background()))

	r1 := tr.Acquire()
	r2 := tr.Acquire()
	assert.Equal(t, 2, tr.Active())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.Wait(ctx), context.DeadlineExceeded)

	r1()
	r1()
	assert.Equal(t, 1, tr.Active())

	waited := make(chan error, 1)
	go func() { waited <- tr.Wait(context.Background()) }()
	r2()
	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestRegistry_AcquireCancelled(t *testing.T) {
	r := NewRegistry()
	release, err := r.Acquire(context.Background(), "353071279375", nil, 0)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Acquire(ctx, "353071279375", nil, 0)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, r.Len())
}
