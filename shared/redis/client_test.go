package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/genjobs/shared/logger"
)

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)
	log := logger.NewDiscard().Logger

	client, err := NewClient(context.Background(), &Config{URL: "redis://" + mr.Addr()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	assert.NoError(t, client.HealthCheck(context.Background()))
	assert.NotNil(t, client.Redis())
}

func TestNewClient_InvalidURL(t *testing.T) {
	log := logger.NewDiscard().Logger

	_, err := NewClient(context.Background(), &Config{URL: "://nope"}, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse Redis URL")
}

func TestHealthCheck_ServerGone(t *testing.T) {
	mr := miniredis.RunT(t)
	log := logger.NewDiscard().Logger

	client, err := NewClient(context.Background(), &Config{URL: "redis://" + mr.Addr()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	mr.Close()
	assert.Error(t, client.HealthCheck(context.Background()))
}
