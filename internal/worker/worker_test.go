package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/genjobs/internal/dispatch"
	"github.com/cuongbtq/genjobs/internal/domain"
	"github.com/cuongbtq/genjobs/internal/webhook"
	"github.com/cuongbtq/genjobs/shared/logger"
)

type fakeSource struct {
	deliveries chan amqp.Delivery
	qosErr     error
}

func (s *fakeSource) Qos(int) error { return s.qosErr }

func (s *fakeSource) Consume(string) (<-chan amqp.Delivery, error) { return s.deliveries, nil }

type ackResult struct {
	tag     uint64
	acked   bool
	requeue bool
}

type fakeAcknowledger struct {
	results chan ackResult
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.results <- ackResult{tag: tag, acked: true}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.results <- ackResult{tag: tag, requeue: requeue}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.results <- ackResult{tag: tag, requeue: requeue}
	return nil
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []Report
	fail    func(Report) error
}

func (r *recordingReporter) Report(_ context.Context, _ string, report Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	if r.fail != nil {
		return r.fail(report)
	}
	return nil
}

func (r *recordingReporter) all() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.reports...)
}

type harness struct {
	worker   *Worker
	source   *fakeSource
	acks     *fakeAcknowledger
	reporter *recordingReporter
	done     chan error
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		source:   &fakeSource{deliveries: make(chan amqp.Delivery, 4)},
		acks:     &fakeAcknowledger{results: make(chan ackResult, 4)},
		reporter: &recordingReporter{},
		done:     make(chan error, 1),
	}

	cfg := &Config{
		Logger:      logger.NewDiscard().Logger,
		Source:      h.source,
		Reporter:    h.reporter,
		WorkerID:    "worker-test",
		Concurrency: 2,
		JobTimeout:  5 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}
	h.worker = NewWorker(cfg)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	go func() { h.done <- h.worker.Start(context.Background()) }()
	t.Cleanup(func() {
		h.worker.Stop()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
}

func (h *harness) deliver(t *testing.T, tag uint64, body []byte) {
	t.Helper()
	h.source.deliveries <- amqp.Delivery{Acknowledger: h.acks, DeliveryTag: tag, Body: body}
}

func (h *harness) waitAck(t *testing.T) ackResult {
	t.Helper()
	select {
	case res := <-h.acks.results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ack")
		return ackResult{}
	}
}

func dispatchBody(t *testing.T, kind domain.JobKind) []byte {
	t.Helper()
	body, err := json.Marshal(dispatch.Message{
		ExternalJobID:   "gen-123",
		JobID:           "job-123",
		UserID:          "u1",
		Kind:            kind,
		InputParameters: json.RawMessage(`{"prompt":"a lighthouse at dusk"}`),
		CallbackURL:     "http://api/api/v1/webhooks/generation",
		DispatchedAt:    time.Now(),
	})
	require.NoError(t, err)
	return body
}

func TestWorker_CompletesJob(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.deliver(t, 1, dispatchBody(t, domain.JobKindImage))

	res := h.waitAck(t)
	assert.Equal(t, ackResult{tag: 1, acked: true}, res)

	reports := h.reporter.all()
	milestones := domain.Milestones(domain.JobKindImage)
	require.Len(t, reports, len(milestones)+1)

	for i, m := range milestones {
		assert.Equal(t, webhook.StatusProgress, reports[i].Status)
		assert.Equal(t, m.Name, reports[i].Milestone)
		assert.Equal(t, m.Progress, reports[i].Progress)
		assert.Equal(t, "gen-123", reports[i].ExternalJobID)
	}

	last := reports[len(reports)-1]
	assert.Equal(t, webhook.StatusCompleted, last.Status)
	require.NotNil(t, last.Artifact)
	assert.NoError(t, last.Artifact.Validate(domain.JobKindImage))
}

func TestWorker_SimulatedFailure(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.FailureRate = 1 })
	h.start(t)

	h.deliver(t, 7, dispatchBody(t, domain.JobKindBlog))

	assert.True(t, h.waitAck(t).acked)

	reports := h.reporter.all()
	last := reports[len(reports)-1]
	assert.Equal(t, webhook.StatusFailed, last.Status)
	assert.NotEmpty(t, last.ErrorReason)
}

func TestWorker_MalformedMessageDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.deliver(t, 3, []byte(`not json`))
	assert.Equal(t, ackResult{tag: 3, requeue: false}, h.waitAck(t))

	noCallback, err := json.Marshal(dispatch.Message{ExternalJobID: "gen-1", Kind: domain.JobKindImage})
	require.NoError(t, err)
	h.deliver(t, 4, noCallback)
	assert.Equal(t, ackResult{tag: 4, requeue: false}, h.waitAck(t))

	assert.Empty(t, h.reporter.all())
}

func TestWorker_RetryableReportRequeues(t *testing.T) {
	h := newHarness(t, nil)
	h.reporter.fail = func(Report) error {
		return domain.NewRetryableError(errors.New("connection refused"))
	}
	h.start(t)

	h.deliver(t, 5, dispatchBody(t, domain.JobKindVideo))

	assert.Equal(t, ackResult{tag: 5, requeue: true}, h.waitAck(t))
	assert.Len(t, h.reporter.all(), 1)
}

func TestWorker_RejectedCallbackDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.reporter.fail = func(Report) error {
		return ErrCallbackRejected
	}
	h.start(t)

	h.deliver(t, 6, dispatchBody(t, domain.JobKindBook))

	assert.Equal(t, ackResult{tag: 6, requeue: false}, h.waitAck(t))
}

func TestWorker_TimeoutReportsFailure(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.JobTimeout = 20 * time.Millisecond
		c.StepDelay = time.Second
	})
	h.start(t)

	h.deliver(t, 8, dispatchBody(t, domain.JobKindImage))

	assert.True(t, h.waitAck(t).acked)

	reports := h.reporter.all()
	require.Len(t, reports, 1)
	assert.Equal(t, webhook.StatusFailed, reports[0].Status)
	assert.Contains(t, reports[0].ErrorReason, "timed out")
}

func TestWorker_StopsWhenDeliveriesClose(t *testing.T) {
	h := newHarness(t, nil)
	go func() { h.done <- h.worker.Start(context.Background()) }()

	close(h.source.deliveries)

	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_QosFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.source.qosErr = errors.New("channel closed")

	err := h.worker.Start(context.Background())
	assert.ErrorContains(t, err, "channel closed")
}

func TestSimulateArtifact_ValidForEveryKind(t *testing.T) {
	for _, kind := range []domain.JobKind{domain.JobKindImage, domain.JobKindVideo, domain.JobKindBlog, domain.JobKindBook} {
		t.Run(string(kind), func(t *testing.T) {
			a := simulateArtifact(&dispatch.Message{ExternalJobID: "gen-1", Kind: kind, InputParameters: json.RawMessage(`{}`)})
			assert.NoError(t, a.Validate(kind))
		})
	}
}

func TestShouldRequeueJob(t *testing.T) {
	assert.True(t, shouldRequeueJob(domain.NewRetryableError(errors.New("503"))))
	assert.False(t, shouldRequeueJob(ErrCallbackRejected))
	assert.False(t, shouldRequeueJob(errors.New("unknown")))
}
