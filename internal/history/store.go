package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/jmylchreest/jtstream/internal/config"
	"github.com/jmylchreest/jtstream/internal/session"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("history: record not found")

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

// Record is the persisted summary of one finished session.
type Record struct {
	ID           string    `gorm:"primaryKey;type:varchar(26)" json:"id"`
	DeviceID     string    `gorm:"type:varchar(12);index;not null" json:"device_id"`
	RemoteAddr   string    `gorm:"type:varchar(64)" json:"remote_addr,omitempty"`
	PayloadType  string    `gorm:"type:varchar(32)" json:"payload_type"`
	InputFormat  string    `gorm:"type:varchar(16)" json:"input_format"`
	StartedAt    time.Time `gorm:"not null" json:"started_at"`
	EndedAt      time.Time `gorm:"index;not null" json:"ended_at"`
	DurationMS   int64     `json:"duration_ms"`
	Packets      uint64    `json:"packets"`
	Bytes        uint64    `json:"bytes"`
	Discarded    uint64    `json:"discarded"`
	Reason       string    `gorm:"type:varchar(32)" json:"reason"`
	Killed       bool      `json:"killed"`
	Error        string    `gorm:"type:text" json:"error,omitempty"`
	CleanupError string    `gorm:"type:text" json:"cleanup_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName sets the table name.
func (Record) TableName() string {
	return "session_history"
}

// Duration returns how long the session ran.
func (r Record) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

// FromResult converts a session result into a record.
func FromResult(res session.Result) Record {
	rec := Record{
		ID:          res.SessionID,
		DeviceID:    res.DeviceID,
		RemoteAddr:  res.RemoteAddr,
		PayloadType: res.PayloadType,
		InputFormat: res.InputFormat,
		StartedAt:   res.StartedAt.UTC(),
		EndedAt:     res.EndedAt.UTC(),
		DurationMS:  res.Duration().Milliseconds(),
		Packets:     res.Packets,
		Bytes:       res.Bytes,
		Discarded:   res.Discarded,
		Reason:      string(res.Reason),
		Killed:      res.Killed,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if res.CleanupErr != nil {
		rec.CleanupError = res.CleanupErr.Error()
	}
	return rec
}

// Query filters List.
type Query struct {
	DeviceID string
	Limit    int
}

// Store reads and writes session history.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects to the database described by cfg.
func Open(cfg config.HistoryConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := open(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, driver: cfg.Driver, logger: logger}, nil
}

// Driver returns the database driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Record stores res. Sessions that never received a packet are skipped.
func (s *Store) Record(ctx context.Context, res session.Result) error {
	if !res.Initialized() {
		return nil
	}
	if _, err := ulid.ParseStrict(res.SessionID); err != nil {
		return fmt.Errorf("session id %q: %w", res.SessionID, err)
	}
	rec := FromResult(res)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("recording session %s: %w", rec.ID, err)
	}
	return nil
}

// Hook returns a session close hook that records results, logging any
// failure instead of returning it.
func (s *Store) Hook(ctx context.Context) func(session.Result) {
	return func(res session.Result) {
		if err := s.Record(ctx, res); err != nil {
			s.logger.Error("failed to record session history",
				slog.String("session_id", res.SessionID),
				slog.String("error", err.Error()))
		}
	}
}

// List returns the most recently ended sessions first.
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	tx := s.db.WithContext(ctx).Order("ended_at DESC").Order("id DESC").Limit(limit)
	if q.DeviceID != "" {
		tx = tx.Where("device_id = ?", q.DeviceID)
	}
	var recs []Record
	if err := tx.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing session history: %w", err)
	}
	return recs, nil
}

// Get returns the record with the given session id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return &rec, nil
}

// Prune deletes records of sessions that ended before cutoff and returns
// how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("ended_at < ?", cutoff.UTC()).Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning session history: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
