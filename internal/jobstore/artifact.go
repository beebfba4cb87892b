package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/genjobs/internal/domain"
)

type artifactRow struct {
	ID        string    `db:"id"`
	JobID     string    `db:"job_id"`
	Kind      string    `db:"kind"`
	URI       string    `db:"uri"`
	Title     string    `db:"title"`
	Content   string    `db:"content"`
	MimeType  string    `db:"mime_type"`
	Metadata  string    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

// CreateArtifact inserts the artifact of a job. A job holds at most one.
func (s *Store) CreateArtifact(ctx context.Context, a *domain.Artifact) error {
	metadata := "{}"
	if len(a.Metadata) > 0 {
		data, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode artifact metadata: %w", err)
		}
		metadata = string(data)
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO artifacts (id, job_id, kind, uri, title, content, mime_type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), a.ID, a.JobID, string(a.Kind), a.URI, a.Title, a.Content, a.MimeType, metadata, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	return nil
}

// GetArtifactByJobID returns domain.ErrArtifactNotFound until the job completes
func (s *Store) GetArtifactByJobID(ctx context.Context, jobID string) (*domain.Artifact, error) {
	var row artifactRow
	err := sqlx.GetContext(ctx, s.db, &row, s.db.Rebind(`
		SELECT id, job_id, kind, uri, title, content, mime_type, metadata, created_at
		FROM artifacts
		WHERE job_id = ?
	`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}

	artifact := &domain.Artifact{
		ID:        row.ID,
		JobID:     row.JobID,
		Kind:      domain.JobKind(row.Kind),
		URI:       row.URI,
		Title:     row.Title,
		Content:   row.Content,
		MimeType:  row.MimeType,
		CreatedAt: row.CreatedAt,
	}
	if row.Metadata != "" && row.Metadata != "{}" {
		if err := json.Unmarshal([]byte(row.Metadata), &artifact.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode artifact metadata: %w", err)
		}
	}
	return artifact, nil
}
