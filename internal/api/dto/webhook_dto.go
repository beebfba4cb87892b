package dto

// Webhook acknowledgement statuses
const (
	WebhookApplied   = "applied"
	WebhookIgnored   = "ignored"
	WebhookDuplicate = "duplicate"
)

type WebhookAckResponse struct {
	Status        string `json:"status"`
	ExternalJobID string `json:"external_job_id"`
	JobID         string `json:"job_id,omitempty"`
	State         string `json:"state,omitempty"`
}
