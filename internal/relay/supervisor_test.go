package relay

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

// Test commands stand in for the transcoder so lifecycle tests do not depend
// on ffmpeg being installed.
func sleepCommand(SupervisorConfig, string, string) *exec.Cmd {
	return exec.Command("sleep", "60")
}

func shellCommand(script string) commandFunc {
	return func(SupervisorConfig, string, string) *exec.Cmd {
		return exec.Command("sh", "-c", script)
	}
}

func missingBinaryCommand(SupervisorConfig, string, string) *exec.Cmd {
	return exec.Command("/nonexistent/transcoder-binary")
}

func newTestSupervisor(t *testing.T, cmd commandFunc) (*Supervisor, *Registry, *Groups) {
	t.Helper()
	log := testLogger()
	registry := NewRegistry()
	groups := NewGroups(nil, log)
	publisher := NewStatusPublisher(registry, groups, nil, log)
	cfg := SupervisorConfig{
		PollInterval:    20 * time.Millisecond,
		SettleDelay:     5 * time.Millisecond,
		StopGracePeriod: 500 * time.Millisecond,
	}
	sup := NewSupervisor(cfg, registry, publisher, groups, log, nil)
	if cmd != nil {
		sup.command = cmd
	}
	t.Cleanup(sup.StopAll)
	return sup, registry, groups
}

func TestSupervisor_StartAndStop(t *testing.T) {
	sup, registry, groups := newTestSupervisor(t, sleepCommand)
	id := DeriveID("rtsp://cam1/feed")
	registry.Join(id, "rtsp://cam1/feed", "Cam 1", "v1")
	ch := &fakeChannel{name: "c1"}
	groups.Register(id, ch)

	if err := sup.Start(context.Background(), id, "rtsp://cam1/feed"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sup.Running(id) {
		t.Fatal("handle should exist after Start")
	}

	workDir, ok := sup.WorkDir(id)
	if !ok || workDir == "" {
		t.Fatal("WorkDir should resolve for a running feed")
	}

	info, _ := registry.Get(id)
	if info.Status != StatusActive {
		t.Errorf("feed should be active after Start, got %q", info.Status)
	}
	if got := len(ch.statusEvents(StatusActive)); got != 1 {
		t.Errorf("expected 1 active status event, got %d", got)
	}

	if err := sup.Stop(id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sup.Running(id) {
		t.Error("handle should be gone after Stop")
	}
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Errorf("working storage should be removed, stat err: %v", err)
	}
	if _, ok := registry.Get(id); ok {
		t.Error("feed should be removed from the registry after teardown")
	}
	if got := len(ch.statusEvents(StatusStopped)); got != 1 {
		t.Errorf("expected 1 stopped status event, got %d", got)
	}
}

func TestSupervisor_Start_idempotent(t *testing.T) {
	sup, registry, _ := newTestSupervisor(t, sleepCommand)
	id := DeriveID("rtsp://cam1/feed")
	registry.Join(id, "rtsp://cam1/feed", "", "v1")

	if err := sup.Start(context.Background(), id, "rtsp://cam1/feed"); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := sup.Start(context.Background(), id, "rtsp://cam1/feed"); err != nil {
		t.Fatalf("second Start should be a no-op: %v", err)
	}
	if got := sup.Count(); got != 1 {
		t.Errorf("expected 1 handle, got %d", got)
	}
}

func TestSupervisor_Stop_idempotentAndConcurrent(t *testing.T) {
	sup, registry, groups := newTestSupervisor(t, sleepCommand)
	id := DeriveID("rtsp://cam1/feed")
	registry.Join(id, "rtsp://cam1/feed", "", "v1")
	ch := &fakeChannel{name: "c1"}
	groups.Register(id, ch)

	if err := sup.Start(context.Background(), id, "rtsp://cam1/feed"); err != nil {
		t.Fatal(err)
	}

	// Last-viewer-leave and the failure monitor may both call Stop; the
	// teardown body must run exactly once.
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Stop(id)
		}()
	}
	wg.Wait()

	if got := len(ch.statusEvents(StatusStopped)); got != 1 {
		t.Errorf("teardown must publish stopped exactly once, got %d", got)
	}

	if err := sup.Stop(id); err != nil {
		t.Errorf("Stop after teardown should be a no-op: %v", err)
	}
}

func TestSupervisor_Stop_unknownFeed(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, sleepCommand)
	if err := sup.Stop("nope"); err != nil {
		t.Errorf("stopping an unsupervised feed is a no-op: %v", err)
	}
}

func TestSupervisor_Start_spawnFailure(t *testing.T) {
	sup, registry, _ := newTestSupervisor(t, missingBinaryCommand)
	id := DeriveID("rtsp://cam1/feed")
	registry.Join(id, "rtsp://cam1/feed", "", "v1")

	err := sup.Start(context.Background(), id, "rtsp://cam1/feed")
	if err == nil {
		t.Fatal("Start must fail synchronously when the binary is missing")
	}
	if !strings.Contains(err.Error(), "start transcoder") {
		t.Errorf("unexpected error: %v", err)
	}
	if sup.Running(id) {
		t.Error("no handle may survive a spawn failure")
	}
}

func TestSupervisor_monitor_terminalSignature(t *testing.T) {
	sup, registry, groups := newTestSupervisor(t,
		shellCommand(`echo "Connection refused" 1>&2; sleep 60`))
	id := DeriveID("rtsp://cam1/feed")
	registry.Join(id, "rtsp://cam1/feed", "", "v1")
	ch := &fakeChannel{name: "c1"}
	groups.Register(id, ch)

	if err := sup.Start(context.Background(), id, "rtsp://cam1/feed"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return len(ch.statusEvents(StatusError)) == 1
	}, "terminal failure signature never published an error status")

	waitFor(t, 5*time.Second, func() bool { return !sup.Running(id) },
		"feed was not torn down after terminal failure")

	if _, ok := registry.Get(id); ok {
		t.Error("errored feed should be removed from the registry")
	}
	events := ch.statusEvents(StatusError)
	if events[0].Message != "camera connection failed" {
		t.Errorf("unexpected error message: %q", events[0].Message)
	}
}

func TestSupervisor_monitor_nonzeroExit(t *testing.T) {
	sup, registry, groups := newTestSupervisor(t, shellCommand(`exit 3`))
	id := DeriveID("rtsp://cam1/feed")
	registry.Join(id, "rtsp://cam1/feed", "", "v1")
	ch := &fakeChannel{name: "c1"}
	groups.Register(id, ch)

	if err := sup.Start(context.Background(), id, "rtsp://cam1/feed"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return len(ch.statusEvents(StatusError)) == 1
	}, "nonzero exit never published an error status")

	events := ch.statusEvents(StatusError)
	if !strings.Contains(events[0].Message, "code 3") {
		t.Errorf("error should carry the exit code, got %q", events[0].Message)
	}

	waitFor(t, 5*time.Second, func() bool { return !sup.Running(id) },
		"feed was not torn down after process exit")
}

func TestSupervisor_monitor_cleanExitNoError(t *testing.T) {
	sup, registry, groups := newTestSupervisor(t, shellCommand(`exit 0`))
	id := DeriveID("rtsp://cam1/feed")
	registry.Join(id, "rtsp://cam1/feed", "", "v1")
	ch := &fakeChannel{name: "c1"}
	groups.Register(id, ch)

	if err := sup.Start(context.Background(), id, "rtsp://cam1/feed"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool { return !sup.Running(id) },
		"feed was not torn down after clean exit")

	if got := len(ch.statusEvents(StatusError)); got != 0 {
		t.Errorf("clean exit must not publish an error, got %d", got)
	}
}

func TestSupervisor_StopAll(t *testing.T) {
	sup, registry, _ := newTestSupervisor(t, sleepCommand)
	for _, url := range []string{"rtsp://cam1/feed", "rtsp://cam2/feed"} {
		id := DeriveID(url)
		registry.Join(id, url, "", "v1")
		if err := sup.Start(context.Background(), id, url); err != nil {
			t.Fatal(err)
		}
	}

	sup.StopAll()
	if got := sup.Count(); got != 0 {
		t.Errorf("expected 0 handles after StopAll, got %d", got)
	}
}

func TestTranscodeCommand_args(t *testing.T) {
	cfg := SupervisorConfig{FFmpegPath: "ffmpeg", SegmentSeconds: 2, ListSize: 3}
	cmd := transcodeCommand(cfg, "rtsp://cam1/feed", "/tmp/feed_x")
	args := strings.Join(cmd.Args, " ")

	for _, want := range []string{
		"-rtsp_transport tcp",
		"-i rtsp://cam1/feed",
		"-hls_time 2",
		"-hls_list_size 3",
		"-hls_flags delete_segments+append_list+omit_endlist",
		"-tune zerolatency",
		"/tmp/feed_x/playlist.m3u8",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("invocation missing %q: %s", want, args)
		}
	}
}
