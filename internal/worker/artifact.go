package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuongbtq/genjobs/internal/dispatch"
	"github.com/cuongbtq/genjobs/internal/domain"
)

const artifactBucket = "s3://genjobs-artifacts"

// simulateArtifact fabricates a result carrying the fields each kind requires
func simulateArtifact(req *dispatch.Message) domain.Artifact {
	prompt := promptOf(req)

	switch req.Kind {
	case domain.JobKindImage:
		return domain.Artifact{
			URI:      fmt.Sprintf("%s/images/%s.png", artifactBucket, req.ExternalJobID),
			MimeType: "image/png",
			Metadata: map[string]string{"width": "1024", "height": "1024", "prompt": prompt},
		}
	case domain.JobKindVideo:
		return domain.Artifact{
			URI:      fmt.Sprintf("%s/videos/%s.mp4", artifactBucket, req.ExternalJobID),
			MimeType: "video/mp4",
			Metadata: map[string]string{"duration_seconds": "30", "prompt": prompt},
		}
	case domain.JobKindBlog:
		return domain.Artifact{
			Title:    titleFor(prompt, "Untitled post"),
			Content:  fmt.Sprintf("# %s\n\nA generated post about %s.\n", titleFor(prompt, "Untitled post"), prompt),
			MimeType: "text/markdown",
		}
	case domain.JobKindBook:
		return domain.Artifact{
			Title:    titleFor(prompt, "Untitled book"),
			URI:      fmt.Sprintf("%s/books/%s.epub", artifactBucket, req.ExternalJobID),
			Content:  fmt.Sprintf("A generated book about %s.", prompt),
			MimeType: "application/epub+zip",
			Metadata: map[string]string{"chapters": "12"},
		}
	default:
		return domain.Artifact{}
	}
}

func promptOf(req *dispatch.Message) string {
	var params struct {
		Prompt string `json:"prompt"`
		Topic  string `json:"topic"`
	}
	_ = json.Unmarshal(req.InputParameters, &params)

	switch {
	case params.Prompt != "":
		return params.Prompt
	case params.Topic != "":
		return params.Topic
	default:
		return "nothing in particular"
	}
}

func titleFor(prompt, fallback string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" || prompt == "nothing in particular" {
		return fallback
	}
	return strings.ToUpper(prompt[:1]) + prompt[1:]
}
