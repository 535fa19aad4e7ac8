// Package handlers implements the HTTP routes: the HLS republisher, the
// health check and the JSON API.
package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the liveness check and the status report.
type HealthHandler struct {
	version   string
	startTime time.Time
	sessions  func() int
	db        Pinger
}

// NewHealthHandler creates a health handler. sessions returns the number
// of live sessions and may be nil.
func NewHealthHandler(version string, sessions func() int) *HealthHandler {
	return &HealthHandler{version: version, startTime: time.Now(), sessions: sessions}
}

// WithDB includes the history database in the status report.
func (h *HealthHandler) WithDB(db Pinger) *HealthHandler {
	h.db = db
	return h
}

// Mount adds GET /health_check, which answers 200 with an empty body.
func (h *HealthHandler) Mount(r chi.Router) {
	r.Get("/health_check", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// Register adds the status operation to the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStatus",
		Method:      http.MethodGet,
		Path:        "/api/v1/status",
		Summary:     "Service status",
		Description: "Returns uptime, live session count, host load and the memory used by the server and its transcoders",
		Tags:        []string{"System"},
	}, h.GetStatus)
}

// StatusOutput is the status response.
type StatusOutput struct {
	Body StatusResponse
}

// GetStatus reports service status.
func (h *HealthHandler) GetStatus(ctx context.Context, _ *struct{}) (*StatusOutput, error) {
	uptime := time.Since(h.startTime)
	resp := StatusResponse{
		Status:        "healthy",
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Checks:        map[string]string{},
		Host:          hostInfo(),
		Process:       processInfo(),
	}
	if h.sessions != nil {
		resp.ActiveSessions = h.sessions()
	}
	if h.db != nil {
		start := time.Now()
		if err := h.db.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks["database"] = "error: " + err.Error()
		} else {
			resp.Checks["database"] = "ok (" + time.Since(start).Round(time.Microsecond).String() + ")"
		}
	}
	return &StatusOutput{Body: resp}, nil
}

func hostInfo() HostInfo {
	info := HostInfo{Cores: runtime.NumCPU()}
	if avg, err := load.Avg(); err == nil && avg != nil {
		info.Load1, info.Load5, info.Load15 = avg.Load1, avg.Load5, avg.Load15
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		info.MemoryTotalBytes = vm.Total
		info.MemoryAvailableBytes = vm.Available
	}
	return info
}

// processInfo sums the RSS of this process and its children, which are the
// running transcoders.
func processInfo() ProcessInfo {
	var info ProcessInfo
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}
	if m, err := proc.MemoryInfo(); err == nil && m != nil {
		info.RSSBytes = m.RSS
	}
	children, err := proc.Children()
	if err != nil {
		return info
	}
	info.Children = len(children)
	for _, c := range children {
		if m, err := c.MemoryInfo(); err == nil && m != nil {
			info.ChildrenRSSBytes += m.RSS
		}
	}
	return info
}
