package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paiban/carecover/pkg/model"
)

func sampleAssignment() *model.Assignment {
	return &model.Assignment{
		BaseModel:        model.NewBaseModel(),
		TimeBlockID:      uuid.New(),
		PatientID:        uuid.New(),
		TherapistID:      uuid.New(),
		Date:             "2024-01-15",
		Status:           model.StatusAssigned,
		AssignmentMethod: model.MethodAuto,
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	n := NewLogNotifier(&base)

	a := sampleAssignment()
	require.NoError(t, n.Notify(context.Background(), NewEvent(EventCommitted, a)))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "notify", entry["component"])
	assert.Equal(t, string(EventCommitted), entry["type"])
	assert.Equal(t, a.ID.String(), entry["assignment_id"])
}

func TestRedisStreamNotifier(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	n := NewRedisStreamNotifier(client, "carecover:assignments", 100)
	a := sampleAssignment()
	require.NoError(t, n.Notify(context.Background(), NewEvent(EventCommitted, a)))
	require.NoError(t, n.Notify(context.Background(), NewEvent(EventStatusChanged, a)))

	msgs, err := client.XRange(context.Background(), "carecover:assignments", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, string(EventCommitted), msgs[0].Values["type"])

	var event Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &event))
	assert.Equal(t, a.ID, event.AssignmentID)
	assert.Equal(t, "2024-01-15", event.Date)

	mr.Close()
	assert.Error(t, n.Notify(context.Background(), NewEvent(EventCommitted, a)))
}
