package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/jtstream/internal/history"
)

// HistoryStore reads closed sessions.
type HistoryStore interface {
	List(ctx context.Context, q history.Query) ([]history.Record, error)
	Get(ctx context.Context, id string) (*history.Record, error)
}

// HistoryHandler serves the session history API.
type HistoryHandler struct {
	store HistoryStore
}

// NewHistoryHandler creates a history handler.
func NewHistoryHandler(store HistoryStore) *HistoryHandler {
	return &HistoryHandler{store: store}
}

// Register adds the history operations to the API.
func (h *HistoryHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listHistory",
		Method:      http.MethodGet,
		Path:        "/api/v1/history",
		Summary:     "List closed sessions",
		Description: "Returns closed sessions, most recently ended first",
		Tags:        []string{"History"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getHistory",
		Method:      http.MethodGet,
		Path:        "/api/v1/history/{id}",
		Summary:     "Get a closed session",
		Tags:        []string{"History"},
	}, h.Get)
}

// ListHistoryInput filters the history.
type ListHistoryInput struct {
	DeviceID string `query:"device_id" doc:"Only sessions of this device"`
	Limit    int    `query:"limit" minimum:"1" maximum:"1000" default:"100"`
}

// ListHistoryOutput is the history list.
type ListHistoryOutput struct {
	Body struct {
		Sessions []HistoryResponse `json:"sessions"`
		Count    int               `json:"count"`
	}
}

// List returns closed sessions.
func (h *HistoryHandler) List(ctx context.Context, input *ListHistoryInput) (*ListHistoryOutput, error) {
	recs, err := h.store.List(ctx, history.Query{DeviceID: input.DeviceID, Limit: input.Limit})
	if err != nil {
		return nil, huma.Error500InternalServerError("listing history", err)
	}
	out := &ListHistoryOutput{}
	out.Body.Sessions = make([]HistoryResponse, 0, len(recs))
	for _, r := range recs {
		out.Body.Sessions = append(out.Body.Sessions, historyResponse(r))
	}
	out.Body.Count = len(out.Body.Sessions)
	return out, nil
}

// GetHistoryInput selects a session.
type GetHistoryInput struct {
	ID string `path:"id" doc:"Session ULID"`
}

// GetHistoryOutput is one closed session.
type GetHistoryOutput struct {
	Body HistoryResponse
}

// Get returns one closed session.
func (h *HistoryHandler) Get(ctx context.Context, input *GetHistoryInput) (*GetHistoryOutput, error) {
	rec, err := h.store.Get(ctx, input.ID)
	if errors.Is(err, history.ErrNotFound) {
		return nil, huma.Error404NotFound("session " + input.ID + " not found")
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("getting session", err)
	}
	return &GetHistoryOutput{Body: historyResponse(*rec)}, nil
}
