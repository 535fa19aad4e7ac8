package handlers

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/jtstream/internal/storage"
)

// Content types of the republished files.
const (
	ContentTypeSegment  = "video/mp2t"
	ContentTypePlaylist = "audio/x-mpegurl"
)

// StreamsHandler republishes the transcoder output tree.
type StreamsHandler struct {
	layout *storage.Layout
	logger *slog.Logger
}

// NewStreamsHandler creates a handler serving files under layout.
func NewStreamsHandler(layout *storage.Layout, logger *slog.Logger) *StreamsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamsHandler{layout: layout, logger: logger}
}

// Mount adds the playlist and segment routes.
func (h *StreamsHandler) Mount(r chi.Router) {
	r.Get("/streams/{device_id}/"+storage.PlaylistName, h.Playlist)
	r.Get("/streams/{device_id}/{segment}", h.Segment)
}

// Playlist serves {device}/playlist.m3u8. It is rewritten after every
// segment, so caches must revalidate.
func (h *StreamsHandler) Playlist(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	paths, err := h.layout.Paths(deviceID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	data, err := os.ReadFile(paths.PlaylistPath)
	if err != nil {
		h.fileError(w, r, paths.PlaylistPath, err)
		return
	}
	w.Header().Set("Content-Type", ContentTypePlaylist)
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

// Segment serves {device}/streams/{segment}.ts.
func (h *StreamsHandler) Segment(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	segment := chi.URLParam(r, "segment")
	if !strings.HasSuffix(segment, storage.SegmentExt) {
		http.NotFound(w, r)
		return
	}
	path, err := h.layout.SegmentPath(deviceID, segment)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		h.fileError(w, r, path, err)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		h.fileError(w, r, path, err)
		return
	}
	if st.IsDir() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", ContentTypeSegment)
	w.Header().Set("Cache-Control", "public, max-age=60")
	http.ServeContent(w, r, segment, st.ModTime(), f)
}

// fileError maps a missing file to 404 and anything else to 500.
func (h *StreamsHandler) fileError(w http.ResponseWriter, r *http.Request, path string, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		http.NotFound(w, r)
		return
	}
	h.logger.ErrorContext(r.Context(), "failed to read stream file",
		slog.String("path", path),
		slog.String("error", err.Error()))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}
