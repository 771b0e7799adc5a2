package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"rtsp-relay/internal/platform/metrics"
)

// SupervisorConfig carries the process-lifecycle and segment-relay knobs.
// Zero values fall back to the defaults below.
type SupervisorConfig struct {
	// FFmpegPath is the transcoder binary. FFprobePath is the reachability
	// probe binary; empty disables the probe.
	FFmpegPath  string
	FFprobePath string

	SegmentSeconds int
	ListSize       int

	PollInterval    time.Duration
	SettleDelay     time.Duration
	StopGracePeriod time.Duration
	ProbeTimeout    time.Duration
}

const (
	defaultSegmentSeconds  = 2
	defaultListSize        = 3
	defaultPollInterval    = 2 * time.Second
	defaultSettleDelay     = time.Second
	defaultStopGracePeriod = 5 * time.Second
	defaultProbeTimeout    = 15 * time.Second
)

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.SegmentSeconds <= 0 {
		c.SegmentSeconds = defaultSegmentSeconds
	}
	if c.ListSize <= 0 {
		c.ListSize = defaultListSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = defaultStopGracePeriod
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	return c
}

// ProcessHandle is the supervision record for one live transcoding process.
// Exactly one handle exists per feed; it is created on spawn and destroyed
// exactly once on teardown.
type ProcessHandle struct {
	FeedID        FeedID
	SourceAddress string
	WorkDir       string
	StartedAt     time.Time

	cmd      *exec.Cmd
	cancel   context.CancelFunc // stops the segment relay loop
	done     chan struct{}      // closed once process exit has been observed
	exitCode int                // valid after done is closed
	stopOnce sync.Once
}

// commandFunc builds the transcoder invocation. Injectable so tests can run
// stub processes instead of ffmpeg.
type commandFunc func(cfg SupervisorConfig, sourceAddress, outDir string) *exec.Cmd

// Supervisor owns the external transcoding process lifecycle, one process
// per feed: spawn, diagnostic monitoring, timeout-bounded termination, and
// working-storage cleanup.
type Supervisor struct {
	cfg       SupervisorConfig
	registry  *Registry
	publisher *StatusPublisher
	relay     *SegmentRelay
	log       *slog.Logger
	metrics   *metrics.Metrics
	command   commandFunc

	mu      sync.Mutex
	handles map[FeedID]*ProcessHandle
}

// NewSupervisor returns a supervisor broadcasting through groups. metrics
// may be nil.
func NewSupervisor(cfg SupervisorConfig, registry *Registry, publisher *StatusPublisher, groups *Groups, log *slog.Logger, m *metrics.Metrics) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:       cfg,
		registry:  registry,
		publisher: publisher,
		relay:     NewSegmentRelay(cfg.PollInterval, cfg.SettleDelay, groups, log, m),
		log:       log,
		metrics:   m,
		command:   transcodeCommand,
		handles:   make(map[FeedID]*ProcessHandle),
	}
}

// Start spawns the transcoding process for the feed and begins supervising
// it. A feed that already has a live handle is a no-op. Spawn failure is
// returned synchronously and leaves no handle and no working storage behind.
func (s *Supervisor) Start(ctx context.Context, id FeedID, sourceAddress string) error {
	s.mu.Lock()
	if _, ok := s.handles[id]; ok {
		s.mu.Unlock()
		s.log.Info("feed already processing", "feed_id", id)
		return nil
	}
	s.mu.Unlock()

	s.probeSource(ctx, id, sourceAddress)

	workDir, err := os.MkdirTemp("", "feed_"+string(id)+"_")
	if err != nil {
		return fmt.Errorf("create working storage: %w", err)
	}

	cmd := s.command(s.cfg, sourceAddress, workDir)

	// Own the diagnostic pipe so reading it never races process wait.
	pr, pw := io.Pipe()
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		os.RemoveAll(workDir)
		return fmt.Errorf("start transcoder: %w", err)
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	h := &ProcessHandle{
		FeedID:        id,
		SourceAddress: sourceAddress,
		WorkDir:       workDir,
		StartedAt:     time.Now().UTC(),
		cmd:           cmd,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	s.mu.Lock()
	if _, ok := s.handles[id]; ok {
		// Lost a race with another starter; callers serialize per feed, but
		// a second process for one feed must never survive.
		s.mu.Unlock()
		cmd.Process.Kill()
		cmd.Wait()
		pw.Close()
		cancel()
		os.RemoveAll(workDir)
		return nil
	}
	s.handles[id] = h
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		pw.Close()
		h.exitCode = exitCodeOf(err)
		close(h.done)
	}()

	s.log.Info("transcoder started", "feed_id", id, "work_dir", workDir, "pid", cmd.Process.Pid)
	s.publisher.Publish(id, StatusActive, "stream processing started")
	if s.metrics != nil {
		s.metrics.IncFeedsStarted()
	}

	go s.monitor(h, pr)
	go s.relay.Run(relayCtx, id, workDir)

	return nil
}

// Stop tears the feed's process down: graceful termination with a bounded
// grace period, forced kill on overrun, working-storage cleanup, and handle
// removal as the final step. Safe to call from multiple triggers
// concurrently; the teardown body runs exactly once. A feed without a handle
// is a no-op.
func (s *Supervisor) Stop(id FeedID) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	h.stopOnce.Do(func() { s.teardown(h) })
	return nil
}

func (s *Supervisor) teardown(h *ProcessHandle) {
	h.cancel()

	select {
	case <-h.done:
		// Already exited on its own.
	default:
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.log.Warn("terminate signal failed", "feed_id", h.FeedID, "error", err)
		}
		select {
		case <-h.done:
		case <-time.After(s.cfg.StopGracePeriod):
			s.log.Warn("transcoder ignored termination, killing", "feed_id", h.FeedID)
			if err := h.cmd.Process.Kill(); err != nil {
				s.log.Warn("kill failed", "feed_id", h.FeedID, "error", err)
			}
			<-h.done
		}
	}

	if err := os.RemoveAll(h.WorkDir); err != nil {
		s.log.Warn("working storage cleanup failed", "feed_id", h.FeedID, "error", err)
	}

	s.mu.Lock()
	delete(s.handles, h.FeedID)
	s.mu.Unlock()

	s.publisher.Publish(h.FeedID, StatusStopped, "stream processing stopped")
	s.registry.Remove(h.FeedID)
	if store := s.publisher.store; store != nil {
		if err := store.RemoveFeedInfo(context.Background(), h.FeedID); err != nil {
			s.log.Warn("group store feed removal failed", "feed_id", h.FeedID, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.IncFeedsStopped()
	}
	s.log.Info("transcoder stopped", "feed_id", h.FeedID)
}

// StopAll tears down every supervised process. Used on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]FeedID, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(id); err != nil {
			s.log.Error("stop failed during shutdown", "feed_id", id, "error", err)
		}
	}
}

// Running reports whether a live handle exists for the feed.
func (s *Supervisor) Running(id FeedID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[id]
	return ok
}

// WorkDir returns the feed's working-storage directory, if the feed has a
// live handle.
func (s *Supervisor) WorkDir(id FeedID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return "", false
	}
	return h.WorkDir, true
}

// Count returns the number of live handles.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// probeSource runs a bounded reachability check against the source address.
// The result is advisory only: a failed or timed-out probe is logged and the
// spawn proceeds regardless, since the transcoder is allowed to try and fail
// on its own terms.
func (s *Supervisor) probeSource(ctx context.Context, id FeedID, sourceAddress string) {
	if s.cfg.FFprobePath == "" {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, s.cfg.FFprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-rtsp_transport", "tcp",
		sourceAddress,
	)
	if err := cmd.Run(); err != nil {
		if probeCtx.Err() != nil {
			s.log.Warn("source probe timed out, proceeding anyway", "feed_id", id)
		} else {
			s.log.Warn("source probe failed, proceeding anyway", "feed_id", id, "error", err)
		}
		return
	}
	s.log.Info("source probe succeeded", "feed_id", id)
}

// transcodeCommand builds the ffmpeg invocation: short rotating HLS segments
// tuned for low-latency browser playback.
func transcodeCommand(cfg SupervisorConfig, sourceAddress, outDir string) *exec.Cmd {
	args := []string{
		"-rtsp_transport", "tcp",
		"-i", sourceAddress,
		"-f", "hls",
		"-hls_time", strconv.Itoa(cfg.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(cfg.ListSize),
		"-hls_flags", "delete_segments+append_list+omit_endlist",
		"-hls_start_number_source", "epoch",
		"-hls_segment_filename", filepath.Join(outDir, "segment_%03d.ts"),
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-level", "3.0",
		"-g", "30",
		"-sc_threshold", "0",
		"-b:v", "500k",
		"-maxrate", "600k",
		"-bufsize", "1200k",
		"-s", "640x480",
		"-r", "15",
		"-c:a", "aac",
		"-b:a", "64k",
		"-ac", "1",
		"-avoid_negative_ts", "make_zero",
		"-fflags", "+genpts",
		"-loglevel", "error",
		filepath.Join(outDir, "playlist.m3u8"),
	}
	return exec.Command(cfg.FFmpegPath, args...)
}

// monitor consumes the process's diagnostic stream line-by-line and awaits
// its exit. Terminal failure signatures mark the feed errored and trigger
// termination immediately; an unexplained non-zero exit is reported with its
// code. Every path out of here converges on Stop.
func (s *Supervisor) monitor(h *ProcessHandle, diag io.Reader) {
	defer s.Stop(h.FeedID)

	failed := false
	sc := bufio.NewScanner(diag)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || failed {
			// Keep draining after a failure so the pipe never blocks the
			// process while teardown is in flight.
			continue
		}
		class, msg := classifyTranscodeLine(line)
		switch {
		case class.terminal():
			s.log.Error("transcoder terminal failure", "feed_id", h.FeedID, "line", line)
			s.publisher.Publish(h.FeedID, StatusError, msg)
			if s.metrics != nil {
				s.metrics.IncTranscodeFailures()
			}
			failed = true
			go s.Stop(h.FeedID)
		case class == failureOther:
			s.log.Warn("transcoder reported error", "feed_id", h.FeedID, "line", line)
		}
	}

	<-h.done
	if !failed && h.exitCode != 0 {
		s.publisher.Publish(h.FeedID, StatusError,
			fmt.Sprintf("transcoder exited with code %d", h.exitCode))
		if s.metrics != nil {
			s.metrics.IncTranscodeFailures()
		}
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}
