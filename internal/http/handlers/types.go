package handlers

import (
	"time"

	"github.com/jmylchreest/jtstream/internal/ffmpeg"
	"github.com/jmylchreest/jtstream/internal/history"
	"github.com/jmylchreest/jtstream/internal/scheduler"
	"github.com/jmylchreest/jtstream/internal/session"
	"github.com/jmylchreest/jtstream/internal/storage"
)

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Status         string            `json:"status"`
	Version        string            `json:"version"`
	Uptime         string            `json:"uptime"`
	UptimeSeconds  float64           `json:"uptime_seconds"`
	ActiveSessions int               `json:"active_sessions"`
	Checks         map[string]string `json:"checks,omitempty"`
	Host           HostInfo          `json:"host"`
	Process        ProcessInfo       `json:"process"`
}

// HostInfo reports host load and memory.
type HostInfo struct {
	Cores                int     `json:"cores"`
	Load1                float64 `json:"load_1m"`
	Load5                float64 `json:"load_5m"`
	Load15               float64 `json:"load_15m"`
	MemoryTotalBytes     uint64  `json:"memory_total_bytes"`
	MemoryAvailableBytes uint64  `json:"memory_available_bytes"`
}

// ProcessInfo reports the memory of the server process tree.
type ProcessInfo struct {
	RSSBytes         uint64 `json:"rss_bytes"`
	Children         int    `json:"children"`
	ChildrenRSSBytes uint64 `json:"children_rss_bytes"`
}

// SessionResponse describes a live session.
type SessionResponse struct {
	SessionID   string                `json:"session_id"`
	DeviceID    string                `json:"device_id"`
	RemoteAddr  string                `json:"remote_addr,omitempty"`
	PayloadType string                `json:"payload_type,omitempty"`
	InputFormat string                `json:"input_format,omitempty"`
	State       string                `json:"state" enum:"uninitialized,active,draining,closed"`
	StartedAt   time.Time             `json:"started_at"`
	Uptime      string                `json:"uptime"`
	Packets     uint64                `json:"packets"`
	Bytes       uint64                `json:"bytes"`
	PlaylistURL string                `json:"playlist_url"`
	Transcoder  *TranscoderResponse   `json:"transcoder,omitempty"`
	Playlist    *storage.PlaylistInfo `json:"playlist,omitempty"`
}

// TranscoderResponse describes the transcoder of a session.
type TranscoderResponse struct {
	Transport  string               `json:"transport"`
	PID        int                  `json:"pid,omitempty"`
	Running    bool                 `json:"running"`
	BytesFed   uint64               `json:"bytes_fed"`
	LastStderr string               `json:"last_stderr,omitempty"`
	Process    *ffmpeg.ProcessStats `json:"process,omitempty"`
}

func sessionResponse(info session.Info) SessionResponse {
	resp := SessionResponse{
		SessionID:   info.SessionID,
		DeviceID:    info.DeviceID,
		RemoteAddr:  info.RemoteAddr,
		PayloadType: info.PayloadType,
		InputFormat: info.InputFormat,
		State:       info.State.String(),
		StartedAt:   info.StartedAt,
		Uptime:      time.Since(info.StartedAt).Round(time.Second).String(),
		Packets:     info.Packets,
		Bytes:       info.Bytes,
		PlaylistURL: "/streams/" + info.DeviceID + "/" + storage.PlaylistName,
	}
	if t := info.Transcoder; t != nil {
		resp.Transcoder = &TranscoderResponse{
			Transport:  string(t.Transport),
			PID:        t.PID,
			Running:    t.Running,
			BytesFed:   t.BytesFed,
			LastStderr: t.LastStderr,
			Process:    t.Process,
		}
	}
	return resp
}

// HistoryResponse is one closed session.
type HistoryResponse struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	PayloadType  string    `json:"payload_type"`
	InputFormat  string    `json:"input_format"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	Duration     string    `json:"duration"`
	Packets      uint64    `json:"packets"`
	Bytes        uint64    `json:"bytes"`
	Discarded    uint64    `json:"discarded"`
	Reason       string    `json:"reason"`
	Killed       bool      `json:"killed"`
	Error        string    `json:"error,omitempty"`
	CleanupError string    `json:"cleanup_error,omitempty"`
}

func historyResponse(r history.Record) HistoryResponse {
	return HistoryResponse{
		ID:           r.ID,
		DeviceID:     r.DeviceID,
		RemoteAddr:   r.RemoteAddr,
		PayloadType:  r.PayloadType,
		InputFormat:  r.InputFormat,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
		Duration:     r.Duration().String(),
		Packets:      r.Packets,
		Bytes:        r.Bytes,
		Discarded:    r.Discarded,
		Reason:       r.Reason,
		Killed:       r.Killed,
		Error:        r.Error,
		CleanupError: r.CleanupError,
	}
}

// JobResponse describes a scheduled job.
type JobResponse = scheduler.JobStatus
