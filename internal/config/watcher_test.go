package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/cyclevc/internal/config"
)

const pollInterval = 20 * time.Millisecond

// watchedYAML renders a valid config with the given log level and speakers.
func watchedYAML(level string, speakers ...string) string {
	stats := make([]string, len(speakers))
	for i, s := range speakers {
		stats[i] = "stats/" + s + ".h5"
	}
	return `
server:
  log_level: ` + level + `
store:
  postgres_dsn: "postgres://localhost/cyclevc"
dataset:
  speakers: [` + strings.Join(speakers, ", ") + `]
  stats: [` + strings.Join(stats, ", ") + `]
  train_feat_list: lists/train.scp
  feature_key: /feat_org_lf0
`
}

type change struct{ prev, next *config.Config }

// startWatcher writes content to a fresh config file and watches it. Every
// callback is delivered on the returned channel.
func startWatcher(t *testing.T, content string) (string, *config.Watcher, <-chan change) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cyclevc.yaml")
	rewrite(t, path, content)

	changes := make(chan change, 8)
	w, err := config.NewWatcher(path, func(prev, next *config.Config) {
		changes <- change{prev, next}
	}, config.WithInterval(pollInterval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, changes
}

func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func expectChange(t *testing.T, changes <-chan change) change {
	t.Helper()
	select {
	case c := <-changes:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
		return change{}
	}
}

func expectQuiet(t *testing.T, changes <-chan change) {
	t.Helper()
	select {
	case c := <-changes:
		t.Fatalf("unexpected reload to log level %q", c.next.Server.LogLevel)
	case <-time.After(10 * pollInterval):
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, w, _ := startWatcher(t, watchedYAML("warn", "SF1", "SM1"))
	cfg := w.Current()
	if cfg == nil || cfg.Server.LogLevel != config.LogWarn {
		t.Fatalf("Current() = %+v, want log level warn", cfg)
	}
	if cfg.Loader.Workers != config.DefaultWorkers {
		t.Errorf("defaults not applied: workers = %d", cfg.Loader.Workers)
	}
}

func TestWatcher_ReportsChange(t *testing.T) {
	t.Parallel()
	path, w, changes := startWatcher(t, watchedYAML("info", "SF1", "SM1"))

	rewrite(t, path, watchedYAML("debug", "SF1", "SM1", "TF1"))
	c := expectChange(t, changes)

	if c.prev.Server.LogLevel != config.LogInfo || c.next.Server.LogLevel != config.LogDebug {
		t.Errorf("log level %q -> %q, want info -> debug", c.prev.Server.LogLevel, c.next.Server.LogLevel)
	}
	d := config.Diff(c.prev, c.next)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want a log level change", d)
	}
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "dataset" {
		t.Errorf("restart required = %v, want [dataset]", d.RestartRequired)
	}
	if got := w.Current(); got != c.next {
		t.Error("Current() is not the reloaded config")
	}
}

func TestWatcher_SkipsInvalidRevision(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		invalid string
	}{
		{"bad log level", watchedYAML("bananas", "SF1", "SM1")},
		{"unknown field", watchedYAML("info", "SF1", "SM1") + "bogus: 1\n"},
		{"syntax error", "server: [unclosed\n"},
		{"missing dataset", "store: {postgres_dsn: x}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path, w, changes := startWatcher(t, watchedYAML("info", "SF1", "SM1"))
			initial := w.Current()

			rewrite(t, path, tt.invalid)
			expectQuiet(t, changes)
			if w.Current() != initial {
				t.Fatal("invalid revision replaced the current config")
			}

			// A later valid revision is still picked up and compared against
			// the last valid one.
			rewrite(t, path, watchedYAML("error", "SF1", "SM1"))
			c := expectChange(t, changes)
			if c.prev != initial || c.next.Server.LogLevel != config.LogError {
				t.Errorf("reload %q -> %q, want info -> error", c.prev.Server.LogLevel, c.next.Server.LogLevel)
			}
		})
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	path, _, changes := startWatcher(t, watchedYAML("info", "SF1", "SM1"))
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	expectQuiet(t, changes)
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	_, w, _ := startWatcher(t, watchedYAML("info", "SF1", "SM1"))
	w.Stop()
	w.Stop()
}
