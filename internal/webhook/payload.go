package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/cuongbtq/genjobs/internal/domain"
)

// ErrMalformedPayload is returned for callbacks that cannot be normalized
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Status is the normalized callback status
type Status string

// Callback statuses
const (
	StatusProgress  Status = "progress"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// IsTerminal reports whether the status ends the job
func (s Status) IsTerminal() bool {
	return s == StatusFailed || s == StatusCompleted
}

// Payload conventions in use by generation services
const (
	ConventionLegacy = "legacy"
	ConventionV2     = "v2"
)

// Signal is a callback normalized from either payload convention
type Signal struct {
	ExternalJobID string
	Status        Status
	Milestone     string
	Progress      int
	Message       string
	Artifact      domain.Artifact
	ErrorReason   string
	Convention    string
}

// LegacyPayload is the original callback shape
type LegacyPayload struct {
	JobID    string        `json:"job_id"`
	Status   string        `json:"status"`
	Progress *float64      `json:"progress,omitempty"`
	Stage    string        `json:"stage,omitempty"`
	Message  string        `json:"message,omitempty"`
	Result   *LegacyResult `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// LegacyResult is the artifact of a legacy completion
type LegacyResult struct {
	URL      string         `json:"url,omitempty"`
	Title    string         `json:"title,omitempty"`
	Content  string         `json:"content,omitempty"`
	MimeType string         `json:"mime_type,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// V2Payload is the current callback shape
type V2Payload struct {
	ExternalJobID string      `json:"externalJobId"`
	Status        string      `json:"status"`
	ProgressPct   *float64    `json:"progressPct,omitempty"`
	Milestone     string      `json:"milestone,omitempty"`
	Message       string      `json:"message,omitempty"`
	Artifact      *V2Artifact `json:"artifact,omitempty"`
	ErrorReason   string      `json:"errorReason,omitempty"`
}

// V2Artifact is the artifact of a v2 completion
type V2Artifact struct {
	URI      string         `json:"uri,omitempty"`
	Title    string         `json:"title,omitempty"`
	Content  string         `json:"content,omitempty"`
	MimeType string         `json:"mimeType,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Decode detects the convention of body by its identifier field and
// normalizes it into a Signal
func Decode(body []byte) (*Signal, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	_, isV2 := probe["externalJobId"]
	_, isLegacy := probe["job_id"]

	switch {
	case isV2 && isLegacy:
		return nil, fmt.Errorf("%w: both externalJobId and job_id present", ErrMalformedPayload)
	case isV2:
		var p V2Payload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return p.signal()
	case isLegacy:
		var p LegacyPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return p.signal()
	default:
		return nil, fmt.Errorf("%w: no job identifier", ErrMalformedPayload)
	}
}

func (p *V2Payload) signal() (*Signal, error) {
	sig := &Signal{
		ExternalJobID: strings.TrimSpace(p.ExternalJobID),
		Milestone:     p.Milestone,
		Message:       p.Message,
		ErrorReason:   p.ErrorReason,
		Convention:    ConventionV2,
	}
	if p.Artifact != nil {
		sig.Artifact = domain.Artifact{
			URI:      p.Artifact.URI,
			Title:    p.Artifact.Title,
			Content:  p.Artifact.Content,
			MimeType: p.Artifact.MimeType,
			Metadata: stringify(p.Artifact.Metadata),
		}
	}
	return sig, sig.finish(p.Status, p.ProgressPct)
}

func (p *LegacyPayload) signal() (*Signal, error) {
	sig := &Signal{
		ExternalJobID: strings.TrimSpace(p.JobID),
		Milestone:     p.Stage,
		Message:       p.Message,
		ErrorReason:   p.Error,
		Convention:    ConventionLegacy,
	}
	if p.Result != nil {
		sig.Artifact = domain.Artifact{
			URI:      p.Result.URL,
			Title:    p.Result.Title,
			Content:  p.Result.Content,
			MimeType: p.Result.MimeType,
			Metadata: stringify(p.Result.Metadata),
		}
	}
	return sig, sig.finish(p.Status, p.Progress)
}

func (s *Signal) finish(status string, progress *float64) error {
	if s.ExternalJobID == "" {
		return fmt.Errorf("%w: empty job identifier", ErrMalformedPayload)
	}

	normalized, err := parseStatus(status)
	if err != nil {
		return err
	}
	s.Status = normalized

	if s.Status == StatusProgress {
		if progress == nil {
			return fmt.Errorf("%w: progress status without a percentage", ErrMalformedPayload)
		}
		pct := math.Round(*progress)
		if pct < 0 || pct > 100 {
			return fmt.Errorf("%w: %v", domain.ErrInvalidProgress, *progress)
		}
		s.Progress = int(pct)
	}

	if s.Status == StatusFailed && strings.TrimSpace(s.ErrorReason) == "" {
		s.ErrorReason = "generation failed without a reason"
	}
	return nil
}

func parseStatus(status string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "progress", "processing", "in_progress", "running":
		return StatusProgress, nil
	case "failed", "failure", "error":
		return StatusFailed, nil
	case "completed", "complete", "succeeded", "success", "done":
		return StatusCompleted, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrMalformedPayload, status)
	}
}

func stringify(metadata map[string]any) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
