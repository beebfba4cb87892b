package domain

import (
	"fmt"
	"strings"
	"time"
)

// Artifact is the materialized result of a completed job
type Artifact struct {
	ID        string
	JobID     string
	Kind      JobKind
	URI       string
	Title     string
	Content   string
	MimeType  string
	Metadata  map[string]string
	CreatedAt time.Time
}

// Validate checks the fields each kind requires before the artifact can be persisted.
// Media kinds point at object storage; text kinds carry their body inline.
func (a *Artifact) Validate(kind JobKind) error {
	var missing []string

	switch kind {
	case JobKindImage, JobKindVideo:
		if strings.TrimSpace(a.URI) == "" {
			missing = append(missing, "uri")
		}
	case JobKindBlog, JobKindBook:
		if strings.TrimSpace(a.Title) == "" {
			missing = append(missing, "title")
		}
		if strings.TrimSpace(a.Content) == "" && strings.TrimSpace(a.URI) == "" {
			missing = append(missing, "content or uri")
		}
	default:
		return &MaterializationInvalidError{Reason: fmt.Sprintf("unsupported job kind %q", kind)}
	}

	if len(missing) > 0 {
		return &MaterializationInvalidError{
			Reason: fmt.Sprintf("missing required fields for %s artifact: %s", kind, strings.Join(missing, ", ")),
		}
	}

	return nil
}
