package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
)

// fakeWorkdirs resolves feed workdirs from a plain map.
type fakeWorkdirs struct {
	dirs map[FeedID]string
}

func (f *fakeWorkdirs) WorkDir(id FeedID) (string, bool) {
	dir, ok := f.dirs[id]
	return dir, ok
}

type handlerFixture struct {
	handler  *Handler
	router   *chi.Mux
	registry *Registry
	procs    *fakeProcs
	workdirs *fakeWorkdirs
	svc      *Service
}

func newHandlerFixture(t *testing.T, ffmpegPath string) *handlerFixture {
	t.Helper()
	log := testLogger()
	registry := NewRegistry()
	groups := NewGroups(nil, log)
	procs := newFakeProcs()
	svc := NewService(registry, procs, groups, nil, log, nil)
	workdirs := &fakeWorkdirs{dirs: make(map[FeedID]string)}
	health := NewHealthService(ffmpegPath, nil, registry, procs)
	h := NewHandler(svc, registry, workdirs, health, log)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Get("/streams", h.ListStreams)
		r.Get("/streams/{stream_id}", h.StreamDetail)
		r.Get("/health", h.Health)
		r.Get("/stats", h.Stats)
		r.Route("/hls/{stream_id}", func(r chi.Router) {
			r.Get("/playlist.m3u8", h.ServeManifest)
			r.Get("/{segment}", h.ServeSegment)
		})
	})

	return &handlerFixture{handler: h, router: r, registry: registry, procs: procs, workdirs: workdirs, svc: svc}
}

func (f *handlerFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ListStreams(t *testing.T) {
	f := newHandlerFixture(t, "true")

	rec := f.get(t, "/api/streams")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Streams []FeedInfo `json:"streams"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Streams) != 0 {
		t.Errorf("expected empty list, got %d", len(body.Streams))
	}

	f.registry.Join(DeriveID("rtsp://cam1/feed"), "rtsp://cam1/feed", "Cam 1", "v1")
	rec = f.get(t, "/api/streams")
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Streams) != 1 || body.Streams[0].Title != "Cam 1" {
		t.Errorf("unexpected list: %+v", body.Streams)
	}
}

func TestHandler_StreamDetail(t *testing.T) {
	f := newHandlerFixture(t, "true")
	id := DeriveID("rtsp://cam1/feed")
	f.registry.Join(id, "rtsp://cam1/feed", "Cam 1", "v1")

	rec := f.get(t, "/api/streams/"+string(id))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var info FeedInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.ID != id || info.ViewerCount != 1 {
		t.Errorf("unexpected detail: %+v", info)
	}

	t.Run("not_found", func(t *testing.T) {
		rec := f.get(t, "/api/streams/missing")
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestHandler_Health(t *testing.T) {
	// "true" accepts -version and exits 0, standing in for an installed
	// transcoder binary.
	f := newHandlerFixture(t, "true")

	rec := f.get(t, "/api/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var status SystemStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Healthy || !status.Transcoder.OK || !status.Store.OK {
		t.Errorf("expected healthy report, got %+v", status)
	}
}

func TestHandler_Health_transcoderMissing(t *testing.T) {
	f := newHandlerFixture(t, "/nonexistent/transcoder-binary")

	rec := f.get(t, "/api/health")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var status SystemStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Healthy || status.Transcoder.OK {
		t.Errorf("expected unhealthy transcoder, got %+v", status)
	}
}

func TestHandler_Stats(t *testing.T) {
	f := newHandlerFixture(t, "true")
	ch := &fakeChannel{name: "c1"}
	f.svc.Watch(context.Background(), "rtsp://cam1/feed", "", "v1", ch)

	rec := f.get(t, "/api/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalFeeds != 1 || stats.ActiveProcesses != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestHandler_ServeManifest(t *testing.T) {
	f := newHandlerFixture(t, "true")
	id := DeriveID("rtsp://cam1/feed")
	dir := t.TempDir()
	f.workdirs.dirs[id] = dir

	manifest := "#EXTM3U\n#EXT-X-VERSION:3\n"
	if err := os.WriteFile(filepath.Join(dir, "playlist.m3u8"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := f.get(t, "/api/hls/"+string(id)+"/playlist.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != manifestContentType {
		t.Errorf("content type: got %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache, no-store, must-revalidate" {
		t.Errorf("cache control: got %q", cc)
	}
	if rec.Body.String() != manifest {
		t.Errorf("unexpected body: %q", rec.Body.String())
	}

	t.Run("feed_not_found", func(t *testing.T) {
		rec := f.get(t, "/api/hls/missing/playlist.m3u8")
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("manifest_not_yet_written", func(t *testing.T) {
		other := DeriveID("rtsp://cam2/feed")
		f.workdirs.dirs[other] = t.TempDir()
		rec := f.get(t, "/api/hls/"+string(other)+"/playlist.m3u8")
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestHandler_ServeSegment(t *testing.T) {
	f := newHandlerFixture(t, "true")
	id := DeriveID("rtsp://cam1/feed")
	dir := t.TempDir()
	f.workdirs.dirs[id] = dir

	payload := []byte{0x47, 0x01, 0x02}
	if err := os.WriteFile(filepath.Join(dir, "segment_001.ts"), payload, 0o644); err != nil {
		t.Fatal(err)
	}

	rec := f.get(t, "/api/hls/"+string(id)+"/segment_001.ts")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != segmentContentType {
		t.Errorf("content type: got %q", ct)
	}
	if rec.Body.String() != string(payload) {
		t.Error("segment bytes should be served verbatim")
	}

	t.Run("missing_segment", func(t *testing.T) {
		rec := f.get(t, "/api/hls/"+string(id)+"/segment_999.ts")
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("non_segment_name", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		rec := f.get(t, "/api/hls/"+string(id)+"/secret.txt")
		if rec.Code != http.StatusNotFound {
			t.Errorf("only .ts names resolve, got %d", rec.Code)
		}
	})

	t.Run("traversal_rejected", func(t *testing.T) {
		rec := f.get(t, "/api/hls/"+string(id)+"/..%2Fsecret.ts")
		if rec.Code != http.StatusNotFound {
			t.Errorf("path-like names must be rejected, got %d", rec.Code)
		}
	})
}
