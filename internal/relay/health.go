package relay

import (
	"context"
	"fmt"
	"os/exec"
)

// HealthService probes the gateway's external collaborators and summarizes
// system state.
type HealthService struct {
	ffmpegPath string
	store      GroupStore
	registry   *Registry
	procs      processManager
}

// NewHealthService returns a health service probing the given transcoder
// binary and store.
func NewHealthService(ffmpegPath string, store GroupStore, registry *Registry, procs processManager) *HealthService {
	if store == nil {
		store = NopGroupStore{}
	}
	return &HealthService{ffmpegPath: ffmpegPath, store: store, registry: registry, procs: procs}
}

// ComponentStatus is one collaborator's health verdict.
type ComponentStatus struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// FeedCounts summarizes live bookkeeping state.
type FeedCounts struct {
	ActiveFeeds     int `json:"active_feeds"`
	ActiveProcesses int `json:"active_processes"`
	TotalViewers    int `json:"total_viewers"`
}

// SystemStatus is the full health report.
type SystemStatus struct {
	Transcoder ComponentStatus `json:"transcoder"`
	Store      ComponentStatus `json:"store"`
	Feeds      FeedCounts      `json:"feeds"`
	Healthy    bool            `json:"healthy"`
}

// Status runs all checks and returns the combined report.
func (h *HealthService) Status(ctx context.Context) SystemStatus {
	transcoder := h.checkTranscoder(ctx)
	store := h.checkStore(ctx)

	return SystemStatus{
		Transcoder: transcoder,
		Store:      store,
		Feeds: FeedCounts{
			ActiveFeeds:     h.registry.ActiveCount(),
			ActiveProcesses: h.procs.Count(),
			TotalViewers:    h.registry.ViewerCount(),
		},
		Healthy: transcoder.OK && store.OK,
	}
}

func (h *HealthService) checkTranscoder(ctx context.Context) ComponentStatus {
	cmd := exec.CommandContext(ctx, h.ffmpegPath, "-version")
	if err := cmd.Run(); err != nil {
		return ComponentStatus{OK: false, Message: fmt.Sprintf("transcoder unavailable: %v", err)}
	}
	return ComponentStatus{OK: true, Message: "transcoder available"}
}

func (h *HealthService) checkStore(ctx context.Context) ComponentStatus {
	if err := h.store.Ping(ctx); err != nil {
		return ComponentStatus{OK: false, Message: fmt.Sprintf("store unreachable: %v", err)}
	}
	return ComponentStatus{OK: true, Message: "store reachable"}
}
