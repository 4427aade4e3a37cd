package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/cyclevc/internal/config"
	"github.com/MrWong99/cyclevc/internal/pairing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRun_UsageErrors(t *testing.T) {
	t.Parallel()
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no command", nil, 2},
		{"bad flag", []string{"-nope"}, 2},
		{"missing config", []string{"-config", missing, "serve"}, 1},
	}
	for _, tt := range tests {
		if got := run(tt.args); got != tt.want {
			t.Errorf("%s: run(%v) = %d, want %d", tt.name, tt.args, got, tt.want)
		}
	}
}

func TestWritePairs(t *testing.T) {
	t.Parallel()
	tab, err := pairing.Build(context.Background(), pairing.Input{
		Speakers: []string{"A", "B"},
		Files:    [][]string{{"data/A/u1.h5"}, {"data/B/u1.h5"}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var sb strings.Builder
	writePairs(&sb, tab)
	out := sb.String()
	for _, want := range []string{"SOURCE", "PLACEHOLDER", "data/A/u1.h5", "data/B/u1.h5", "true"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if lines := strings.Count(out, "\n"); lines != 7 {
		t.Errorf("output has %d lines, want 7:\n%s", lines, out)
	}
}
