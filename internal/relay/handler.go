package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

const (
	manifestContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
)

// workdirResolver maps a feed to its working-storage directory. Satisfied by
// the Supervisor.
type workdirResolver interface {
	WorkDir(id FeedID) (string, bool)
}

// Handler exposes the gateway's REST and file-serving endpoints using go-chi.
type Handler struct {
	svc      *Service
	registry *Registry
	workdirs workdirResolver
	health   *HealthService
	log      *slog.Logger
}

// NewHandler returns a Handler over the given service, registry, workdir
// resolver, and health service.
func NewHandler(svc *Service, registry *Registry, workdirs workdirResolver, health *HealthService, log *slog.Logger) *Handler {
	return &Handler{svc: svc, registry: registry, workdirs: workdirs, health: health, log: log}
}

// ListStreams handles GET /api/streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams := h.registry.List()
	if streams == nil {
		streams = []FeedInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
}

// StreamDetail handles GET /api/streams/{stream_id}.
func (h *Handler) StreamDetail(w http.ResponseWriter, r *http.Request) {
	id := FeedID(chi.URLParam(r, "stream_id"))
	info, ok := h.registry.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "stream not found"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.health.Status(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, status)
}

// Stats handles GET /api/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats())
}

// ServeManifest handles GET /api/hls/{stream_id}/playlist.m3u8: the
// transcoder's own manifest, straight from the feed's working storage.
func (h *Handler) ServeManifest(w http.ResponseWriter, r *http.Request) {
	id := FeedID(chi.URLParam(r, "stream_id"))
	h.serveFeedFile(w, id, "playlist.m3u8", manifestContentType)
}

// ServeSegment handles GET /api/hls/{stream_id}/{segment}.
func (h *Handler) ServeSegment(w http.ResponseWriter, r *http.Request) {
	id := FeedID(chi.URLParam(r, "stream_id"))
	name := chi.URLParam(r, "segment")

	// Only bare segment filenames resolve; anything path-like is rejected.
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") || !strings.HasSuffix(name, ".ts") {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "segment not found"})
		return
	}

	h.serveFeedFile(w, id, name, segmentContentType)
}

func (h *Handler) serveFeedFile(w http.ResponseWriter, id FeedID, name, contentType string) {
	dir, ok := h.workdirs.WorkDir(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "stream not found"})
		return
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		h.log.Debug("feed file unavailable", "feed_id", id, "file", name, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "file not found"})
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "*")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
