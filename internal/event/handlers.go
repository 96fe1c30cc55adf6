package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// LogHandler returns a handler that writes one structured log line per event.
func LogHandler(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, e Event) error {
		logger.Info("event",
			"type", e.Type,
			"id", e.ID,
			"user_id", e.UserID,
			"class_id", e.ClassID,
			"course_code", e.CourseCode,
			"recipients", len(e.Recipients),
			"summary", e.Summary,
		)
		return nil
	}
}

// Webhook posts every event as JSON to a fixed URL.
type Webhook struct {
	url        string
	httpClient *http.Client
}

func NewWebhook(url string, httpClient *http.Client) *Webhook {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{url: url, httpClient: httpClient}
}

// Handle implements Handler. Any non-2xx response is an error so the caller
// retries the delivery on its next pass.
func (w *Webhook) Handle(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event %s: %w", e.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Halowatch-Event", string(e.Type))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting event %s: %w", e.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("posting event %s: webhook returned %d", e.ID, resp.StatusCode)
	}
	return nil
}
