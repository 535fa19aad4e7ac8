package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/jtstream/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestValidateCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 */5 * * * *", false},
		{"0 0 3 * * *", false},
		{"@every 1m", false},
		{"@daily", false},
		{"*/5 * * * *", true},
		{"not a schedule", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			err := ValidateCron(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScheduler_RegisterRejectsDuplicatesAndBadSchedules(t *testing.T) {
	s := New(quietLogger())
	noop := JobFunc(func(context.Context) (string, error) { return "", nil })

	require.NoError(t, s.Register("a", "@every 1h", noop))
	assert.Error(t, s.Register("a", "@every 1h", noop))
	assert.Error(t, s.Register("b", "every hour", noop))
	require.NoError(t, s.Register("manual", "", noop))

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Name)
	assert.Equal(t, "manual", jobs[1].Name)
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(quietLogger())
	fail := errors.New("boom")
	var calls atomic.Int32
	require.NoError(t, s.Register("count", "", JobFunc(func(context.Context) (string, error) {
		if calls.Add(1) == 2 {
			return "", fail
		}
		return "ok", nil
	})))

	res, err := s.RunNow(context.Background(), "count")
	require.NoError(t, err)
	assert.Equal(t, "ok", res)

	_, err = s.RunNow(context.Background(), "count")
	assert.ErrorIs(t, err, fail)

	st := s.Jobs()[0]
	assert.Equal(t, 2, st.Runs)
	assert.Equal(t, "boom", st.LastError)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	s := New(quietLogger())
	ran := make(chan struct{}, 1)
	require.NoError(t, s.Register("tick", "* * * * * *", JobFunc(func(context.Context) (string, error) {
		select {
		case ran <- struct{}{}:
		default:
		}
		return "ticked", nil
	})))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
	assert.False(t, s.Jobs()[0].Next.IsZero())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Error(t, s.Start(context.Background()))
}

func TestOrphanSweepHandler(t *testing.T) {
	layout, err := storage.NewLayout(t.TempDir())
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	for _, id := range []string{"353071279375", "013800138000"} {
		p, err := layout.Create(id)
		require.NoError(t, err)
		require.NoError(t, os.Chtimes(p.Dir, old, old))
	}

	h := &OrphanSweepHandler{
		Layout: layout,
		MaxAge: time.Hour,
		Active: func(id string) bool { return id == "013800138000" },
		Logger: quietLogger(),
	}
	res, err := h.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "removed 1 orphaned device directories", res)
	assert.NoDirExists(t, filepath.Join(layout.BaseDir(), "353071279375"))
	assert.DirExists(t, filepath.Join(layout.BaseDir(), "013800138000"))
}

type fakePruner struct {
	cutoff time.Time
	n      int64
	err    error
}

func (p *fakePruner) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return p.n, p.err
}

func TestRetentionHandler(t *testing.T) {
	now := time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)
	p := &fakePruner{n: 12}
	h := &RetentionHandler{Store: p, Retention: 30 * 24 * time.Hour, now: func() time.Time { return now }}

	res, err := h.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pruned 12 session records", res)
	assert.Equal(t, now.Add(-30*24*time.Hour), p.cutoff)

	p.err = errors.New("locked")
	_, err = h.Execute(context.Background())
	assert.Error(t, err)

	disabled := &RetentionHandler{Store: p}
	res, err = disabled.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "retention disabled", res)
}
