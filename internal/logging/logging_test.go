package logging

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mkaroly/wabridge/internal/config"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, slog.LevelInfo); got != tc.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSetup_WritesJSONFile(t *testing.T) {
	dir := t.TempDir()

	logger, closeLog, err := Setup(config.LogConfig{Level: "info", Dir: dir}, "15551234567", "test")
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}

	logger.Info("session ready", slog.String("state", "authenticated"))
	logger.Debug("should be filtered out")

	if err := closeLog(); err != nil {
		t.Fatalf("close log: %v", err)
	}

	path := filepath.Join(dir, "15551234567.test.log")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("expected log file at %s: %v", path, err)
	}
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("log line is not JSON: %v line=%q", err, sc.Text())
		}
		lines = append(lines, m)
	}

	if len(lines) != 1 {
		t.Fatalf("expected 1 log line (debug filtered), got %d", len(lines))
	}
	if lines[0]["msg"] != "session ready" {
		t.Fatalf("unexpected msg: %v", lines[0]["msg"])
	}
	if lines[0]["account"] != "15551234567" {
		t.Fatalf("expected account attr on every line, got %v", lines[0])
	}
	if lines[0]["state"] != "authenticated" {
		t.Fatalf("expected state attr, got %v", lines[0])
	}
}

func TestSetup_NoDirSkipsFile(t *testing.T) {
	logger, closeLog, err := Setup(config.LogConfig{Level: "debug"}, "1555", "test")
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	logger.Debug("console only")
	if err := closeLog(); err != nil {
		t.Fatalf("close log: %v", err)
	}
}
