// Package alert delivers operational alerts to a crash-reporting service.
// Every report is mirrored to the structured log; delivery failures are
// logged and never propagate to the caller.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mkaroly/wabridge/internal/config"
)

type Reporter interface {
	Report(ctx context.Context, level, message string)
}

// New returns an HTTP reporter when crash reporting is configured, otherwise
// a log-only reporter.
func New(cfg config.CrashConfig, log *slog.Logger) Reporter {
	if !cfg.Enabled {
		return &logReporter{log: log}
	}
	return &httpReporter{
		endpoint:    cfg.Endpoint,
		key:         cfg.Key,
		environment: cfg.Environment,
		log:         log,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type logReporter struct {
	log *slog.Logger
}

func (r *logReporter) Report(ctx context.Context, level, message string) {
	r.log.Warn("alert (reporting disabled)", slog.String("level", level), slog.String("message", message))
}

type httpReporter struct {
	endpoint    string
	key         string
	environment string
	client      *http.Client
	log         *slog.Logger
}

type itemRequest struct {
	AccessToken string   `json:"access_token"`
	Data        itemData `json:"data"`
}

type itemData struct {
	Environment string   `json:"environment"`
	Level       string   `json:"level"`
	Body        itemBody `json:"body"`
}

type itemBody struct {
	Message itemMessage `json:"message"`
}

type itemMessage struct {
	Body string `json:"body"`
}

func (r *httpReporter) Report(ctx context.Context, level, message string) {
	r.log.Warn("alert", slog.String("level", level), slog.String("message", message))

	payload, err := json.Marshal(itemRequest{
		AccessToken: r.key,
		Data: itemData{
			Environment: r.environment,
			Level:       level,
			Body:        itemBody{Message: itemMessage{Body: message}},
		},
	})
	if err != nil {
		r.log.Error("alert encode failed", slog.Any("err", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		r.log.Error("alert request failed", slog.Any("err", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Error("alert delivery failed", slog.Any("err", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.log.Error("alert delivery rejected", slog.Int("status", resp.StatusCode))
	}
}
