// Package notify delivers best-effort callbacks when jobs reach a terminal
// state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/spherical-ai/prospectus-engine/internal/observability"
	"github.com/spherical-ai/prospectus-engine/internal/store"
)

const defaultTimeout = 15 * time.Second

// Payload is the JSON body posted to the caller's callback URL.
type Payload struct {
	JobID     string           `json:"job_id"`
	Status    store.JobStatus  `json:"status"`
	Aggregate *store.Aggregate `json:"aggregate,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Notifier posts terminal job states to caller-supplied callback URLs.
// Delivery is a single attempt; failures are logged and swallowed so a dead
// callback endpoint never blocks or fails a job.
type Notifier struct {
	httpClient *http.Client
	logger     *observability.Logger
}

// NewNotifier creates a notifier with the given delivery timeout.
func NewNotifier(timeout time.Duration, logger *observability.Logger) *Notifier {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Notifier{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Notify posts the job's terminal state to url. A blank url means the caller
// did not ask for a callback.
func (n *Notifier) Notify(ctx context.Context, url string, job *store.Job) {
	if url == "" {
		return
	}

	payload := Payload{
		JobID:     job.ID,
		Status:    job.Status,
		Aggregate: job.AggregateResult,
		Error:     job.Error,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to encode callback payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error().Str("job_id", job.ID).Str("callback_url", url).Err(err).Msg("Failed to build callback request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Warn().Str("job_id", job.ID).Str("callback_url", url).Err(err).Msg("Callback delivery failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		n.logger.Warn().
			Str("job_id", job.ID).
			Str("callback_url", url).
			Int("status", resp.StatusCode).
			Msg("Callback endpoint returned non-success status")
		return
	}

	n.logger.Info().Str("job_id", job.ID).Str("callback_url", url).Msg("Callback delivered")
}
