package handlers

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/jtstream/internal/session"
	"github.com/jmylchreest/jtstream/internal/storage"
)

// SessionSource lists live sessions.
type SessionSource interface {
	Sessions() []session.Info
}

// SessionsHandler serves the live session API.
type SessionsHandler struct {
	source SessionSource
	logger *slog.Logger
}

// NewSessionsHandler creates a sessions handler.
func NewSessionsHandler(source SessionSource, logger *slog.Logger) *SessionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionsHandler{source: source, logger: logger}
}

// Register adds the session operations to the API.
func (h *SessionsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listSessions",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions",
		Summary:     "List live sessions",
		Tags:        []string{"Sessions"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getSession",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{device_id}",
		Summary:     "Get a live session",
		Description: "Returns the session of a connected device with its transcoder stats and current playlist",
		Tags:        []string{"Sessions"},
	}, h.Get)
}

// ListSessionsOutput is the list response.
type ListSessionsOutput struct {
	Body struct {
		Sessions []SessionResponse `json:"sessions"`
		Count    int               `json:"count"`
	}
}

// List returns every live session.
func (h *SessionsHandler) List(_ context.Context, _ *struct{}) (*ListSessionsOutput, error) {
	infos := h.source.Sessions()
	out := &ListSessionsOutput{}
	out.Body.Sessions = make([]SessionResponse, 0, len(infos))
	for _, info := range infos {
		out.Body.Sessions = append(out.Body.Sessions, sessionResponse(info))
	}
	out.Body.Count = len(out.Body.Sessions)
	return out, nil
}

// GetSessionInput selects a device.
type GetSessionInput struct {
	DeviceID string `path:"device_id" pattern:"^[0-9A-F]{12}$" doc:"12 digit terminal serial number"`
}

// GetSessionOutput is the single session response.
type GetSessionOutput struct {
	Body SessionResponse
}

// Get returns the live session of one device.
func (h *SessionsHandler) Get(ctx context.Context, input *GetSessionInput) (*GetSessionOutput, error) {
	for _, info := range h.source.Sessions() {
		if info.DeviceID != input.DeviceID {
			continue
		}
		resp := sessionResponse(info)
		if info.Paths.PlaylistPath != "" {
			pl, err := storage.InspectPlaylist(info.Paths.PlaylistPath)
			switch {
			case err == nil:
				resp.Playlist = pl
			case !errors.Is(err, fs.ErrNotExist):
				h.logger.WarnContext(ctx, "failed to inspect playlist",
					slog.String("device_id", info.DeviceID),
					slog.String("error", err.Error()))
			}
		}
		return &GetSessionOutput{Body: resp}, nil
	}
	return nil, huma.Error404NotFound("no live session for device " + input.DeviceID)
}
