package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/genjobs/internal/domain"
)

func TestDecode_Legacy(t *testing.T) {
	t.Run("progress", func(t *testing.T) {
		sig, err := Decode([]byte(`{"job_id":"gen-1","status":"processing","progress":42.6,"stage":"drafting","message":"working"}`))
		require.NoError(t, err)

		assert.Equal(t, ConventionLegacy, sig.Convention)
		assert.Equal(t, "gen-1", sig.ExternalJobID)
		assert.Equal(t, StatusProgress, sig.Status)
		assert.Equal(t, 43, sig.Progress)
		assert.Equal(t, "drafting", sig.Milestone)
		assert.Equal(t, "working", sig.Message)
	})

	t.Run("completed", func(t *testing.T) {
		body := `{"job_id":"gen-1","status":"done","result":{"url":"s3://bucket/a.png","mime_type":"image/png","metadata":{"width":1024,"seed":"abc"}}}`
		sig, err := Decode([]byte(body))
		require.NoError(t, err)

		assert.Equal(t, StatusCompleted, sig.Status)
		assert.Equal(t, "s3://bucket/a.png", sig.Artifact.URI)
		assert.Equal(t, "image/png", sig.Artifact.MimeType)
		assert.Equal(t, map[string]string{"width": "1024", "seed": "abc"}, sig.Artifact.Metadata)
	})

	t.Run("failed", func(t *testing.T) {
		sig, err := Decode([]byte(`{"job_id":"gen-1","status":"error","error":"gpu oom"}`))
		require.NoError(t, err)

		assert.Equal(t, StatusFailed, sig.Status)
		assert.Equal(t, "gpu oom", sig.ErrorReason)
	})
}

func TestDecode_V2(t *testing.T) {
	t.Run("progress", func(t *testing.T) {
		sig, err := Decode([]byte(`{"externalJobId":"gen-2","status":"in_progress","progressPct":10,"milestone":"outline"}`))
		require.NoError(t, err)

		assert.Equal(t, ConventionV2, sig.Convention)
		assert.Equal(t, "gen-2", sig.ExternalJobID)
		assert.Equal(t, StatusProgress, sig.Status)
		assert.Equal(t, 10, sig.Progress)
		assert.Equal(t, "outline", sig.Milestone)
	})

	t.Run("completed", func(t *testing.T) {
		sig, err := Decode([]byte(`{"externalJobId":"gen-2","status":"SUCCEEDED","artifact":{"title":"Post","content":"Body","mimeType":"text/markdown"}}`))
		require.NoError(t, err)

		assert.Equal(t, StatusCompleted, sig.Status)
		assert.Equal(t, domain.Artifact{Title: "Post", Content: "Body", MimeType: "text/markdown"}, sig.Artifact)
	})

	t.Run("failed without reason", func(t *testing.T) {
		sig, err := Decode([]byte(`{"externalJobId":"gen-2","status":"failed"}`))
		require.NoError(t, err)

		assert.Equal(t, StatusFailed, sig.Status)
		assert.NotEmpty(t, sig.ErrorReason)
	})
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `not json`},
		{name: "no identifier", body: `{"status":"completed"}`},
		{name: "both identifiers", body: `{"job_id":"a","externalJobId":"b","status":"completed"}`},
		{name: "empty identifier", body: `{"job_id":"  ","status":"completed"}`},
		{name: "unknown status", body: `{"job_id":"a","status":"paused"}`},
		{name: "progress without percentage", body: `{"externalJobId":"a","status":"progress"}`},
		{name: "wrong field type", body: `{"job_id":"a","status":"progress","progress":"half"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestDecode_ProgressOutOfRange(t *testing.T) {
	_, err := Decode([]byte(`{"job_id":"a","status":"progress","progress":120}`))
	assert.ErrorIs(t, err, domain.ErrInvalidProgress)

	_, err = Decode([]byte(`{"externalJobId":"a","status":"progress","progressPct":-1}`))
	assert.ErrorIs(t, err, domain.ErrInvalidProgress)
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusProgress.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
}
