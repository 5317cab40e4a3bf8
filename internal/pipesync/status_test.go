package pipesync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineStatusReportsQueueConflictsAndHealth(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	_, err := f.engine.Enqueue(ctx, SyncQueueItem{
		TenantID: "t1", Operation: OperationUpdate, EntityType: "lead", LocalEntityID: "7", RemoteID: "7",
		Payload: map[string]any{"stage_id": 5}, BaseSnapshot: map[string]any{"stage_id": 3},
	})
	require.NoError(t, err)
	_, err = f.engine.Enqueue(ctx, SyncQueueItem{
		TenantID: "t1", Operation: OperationCreate, EntityType: "note", LocalEntityID: "n1",
		Payload: map[string]any{"content": "x"},
	})
	require.NoError(t, err)
	_, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)

	status, err := f.engine.Status(ctx, StatusRequest{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 1, status.Queue[QueueParked])
	assert.Equal(t, 1, status.Queue[QueueCompleted])
	assert.Zero(t, status.Queue[QueueFailed])
	require.Len(t, status.OpenConflicts.Items, 1)
	assert.True(t, status.Health.IsHealthy)
	assert.False(t, status.Paused)
	require.NotEmpty(t, status.Metrics)
	assert.Equal(t, dayKey(f.clock.Now()), status.Metrics[0].Day)

	_, err = f.engine.Status(ctx, StatusRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
