package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/cuongbtq/genjobs/internal/domain"
	"github.com/cuongbtq/genjobs/internal/notify"
	"github.com/cuongbtq/genjobs/internal/notify/mocks"
	"github.com/cuongbtq/genjobs/shared/logger"
	"github.com/cuongbtq/genjobs/shared/rabbitmq"
)

func sampleEvent() domain.JobEvent {
	return domain.JobEvent{
		JobID:         "job-1",
		ExternalJobID: "gen-1",
		UserID:        "u1",
		Kind:          domain.JobKindBook,
		State:         domain.JobStateCompleted,
		ResultRef:     "artifact-1",
		OccurredAt:    time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRabbitMQSink_Notify(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := mocks.NewMockPublisher(ctrl)

	publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msg rabbitmq.Message) error {
			assert.Equal(t, notify.EventType, msg.Type)
			assert.Equal(t, "job-1:COMPLETED", msg.MessageID)

			var event domain.JobEvent
			require.NoError(t, json.Unmarshal(msg.Body, &event))
			assert.Equal(t, sampleEvent(), event)
			return nil
		},
	)

	sink := notify.NewRabbitMQSink(publisher, logger.NewDiscard().Logger)
	require.NoError(t, sink.Notify(context.Background(), sampleEvent()))
}

func TestRabbitMQSink_PublishError(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := mocks.NewMockPublisher(ctrl)
	publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("channel closed"))

	sink := notify.NewRabbitMQSink(publisher, logger.NewDiscard().Logger)
	err := sink.Notify(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel closed")
}

func TestLogSink_Notify(t *testing.T) {
	sink := notify.NewLogSink(logger.NewDiscard().Logger)
	assert.NoError(t, sink.Notify(context.Background(), sampleEvent()))
}
