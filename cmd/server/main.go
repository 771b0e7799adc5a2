package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rtsp-relay/internal/platform/config"
	"rtsp-relay/internal/platform/logger"
	"rtsp-relay/internal/platform/metrics"
	"rtsp-relay/internal/relay"
	"rtsp-relay/internal/transport"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	supCfg := relay.SupervisorConfig{
		FFmpegPath:      config.GetEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:     config.GetEnv("FFPROBE_PATH", "ffprobe"),
		SegmentSeconds:  config.GetEnvInt("HLS_SEGMENT_SECONDS", 2),
		ListSize:        config.GetEnvInt("HLS_LIST_SIZE", 3),
		PollInterval:    config.GetEnvDuration("SEGMENT_POLL_INTERVAL", 2*time.Second),
		SettleDelay:     config.GetEnvDuration("SEGMENT_SETTLE_DELAY", time.Second),
		StopGracePeriod: config.GetEnvDuration("STOP_GRACE_PERIOD", 5*time.Second),
		ProbeTimeout:    config.GetEnvDuration("PROBE_TIMEOUT", 15*time.Second),
	}

	var store relay.GroupStore = relay.NopGroupStore{}
	if addr := config.GetEnv("REDIS_ADDR", ""); addr != "" {
		store = relay.NewRedisGroupStore(addr)
		log.Info("group store mirror enabled", "addr", addr)
	}

	met := metrics.New()
	registry := relay.NewRegistry()
	groups := relay.NewGroups(store, log)
	publisher := relay.NewStatusPublisher(registry, groups, store, log)
	sup := relay.NewSupervisor(supCfg, registry, publisher, groups, log, met)
	svc := relay.NewService(registry, sup, groups, store, log, met)
	health := relay.NewHealthService(supCfg.FFmpegPath, store, registry, sup)

	h := relay.NewHandler(svc, registry, sup, health, log)
	ws := transport.NewHandler(svc, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetActiveFeeds(registry.ActiveCount())
			met.SetConnectedViewers(groups.ChannelCount())
		}).ServeHTTP(w, req)
	})
	r.Get("/ws/streams", ws.ServeWS)
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

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"segment_poll_interval", supCfg.PollInterval.String(),
		"stop_grace_period", supCfg.StopGracePeriod.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	sup.StopAll()

	log.Info("server stopped")
}
