package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cuongbtq/genjobs/internal/domain"
	"github.com/cuongbtq/genjobs/internal/webhook"
)

// ConventionAlternate spreads jobs across both payload conventions
const ConventionAlternate = "alternate"

// Report is one callback to the API service
type Report struct {
	ExternalJobID string
	Status        webhook.Status
	Milestone     string
	Progress      int
	Message       string
	Artifact      *domain.Artifact
	ErrorReason   string
}

// Reporter delivers callbacks
type Reporter interface {
	Report(ctx context.Context, callbackURL string, report Report) error
}

// HTTPReporter posts callbacks as JSON webhooks
type HTTPReporter struct {
	client     *http.Client
	convention string
	logger     *slog.Logger
}

// NewHTTPReporter creates a reporter. convention is legacy, v2 or alternate;
// with alternate each job sticks to one convention picked from its id.
func NewHTTPReporter(client *http.Client, convention string, logger *slog.Logger) *HTTPReporter {
	return &HTTPReporter{
		client:     client,
		convention: strings.ToLower(convention),
		logger:     logger,
	}
}

// Report encodes and posts one callback. Transport errors and 5xx answers are
// retryable; 4xx answers wrap ErrCallbackRejected.
func (r *HTTPReporter) Report(ctx context.Context, callbackURL string, report Report) error {
	convention := r.conventionFor(report.ExternalJobID)

	body, err := EncodePayload(convention, report)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to post callback: %w", err))
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return domain.NewRetryableError(fmt.Errorf("callback answered %d: %s", resp.StatusCode, snippet))
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("%w: status %d: %s", ErrCallbackRejected, resp.StatusCode, snippet)
	}

	r.logger.Debug("Callback delivered",
		slog.String("external_job_id", report.ExternalJobID),
		slog.String("status", string(report.Status)),
		slog.String("convention", convention),
		slog.Int("progress", report.Progress),
	)
	return nil
}

func (r *HTTPReporter) conventionFor(externalJobID string) string {
	if r.convention != ConventionAlternate {
		return r.convention
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(externalJobID))
	if h.Sum32()%2 == 0 {
		return webhook.ConventionLegacy
	}
	return webhook.ConventionV2
}

// EncodePayload renders a report in the given convention
func EncodePayload(convention string, report Report) ([]byte, error) {
	switch convention {
	case webhook.ConventionLegacy:
		return json.Marshal(legacyPayload(report))
	case webhook.ConventionV2:
		return json.Marshal(v2Payload(report))
	default:
		return nil, fmt.Errorf("unknown payload convention %q", convention)
	}
}

func legacyPayload(report Report) webhook.LegacyPayload {
	p := webhook.LegacyPayload{
		JobID:   report.ExternalJobID,
		Stage:   report.Milestone,
		Message: report.Message,
		Error:   report.ErrorReason,
	}

	switch report.Status {
	case webhook.StatusProgress:
		p.Status = "processing"
		progress := float64(report.Progress)
		p.Progress = &progress
	case webhook.StatusCompleted:
		p.Status = "completed"
	case webhook.StatusFailed:
		p.Status = "failed"
	}

	if a := report.Artifact; a != nil {
		p.Result = &webhook.LegacyResult{
			URL:      a.URI,
			Title:    a.Title,
			Content:  a.Content,
			MimeType: a.MimeType,
			Metadata: anyMap(a.Metadata),
		}
	}
	return p
}

func v2Payload(report Report) webhook.V2Payload {
	p := webhook.V2Payload{
		ExternalJobID: report.ExternalJobID,
		Milestone:     report.Milestone,
		Message:       report.Message,
		ErrorReason:   report.ErrorReason,
	}

	switch report.Status {
	case webhook.StatusProgress:
		p.Status = "progress"
		progress := float64(report.Progress)
		p.ProgressPct = &progress
	case webhook.StatusCompleted:
		p.Status = "succeeded"
	case webhook.StatusFailed:
		p.Status = "failed"
	}

	if a := report.Artifact; a != nil {
		p.Artifact = &webhook.V2Artifact{
			URI:      a.URI,
			Title:    a.Title,
			Content:  a.Content,
			MimeType: a.MimeType,
			Metadata: anyMap(a.Metadata),
		}
	}
	return p
}

func anyMap(m map[string]string) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
