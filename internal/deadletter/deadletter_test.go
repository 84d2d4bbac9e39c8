package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/cuongbtq/reviewbot/internal/testsupport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	letter, err := New(42, "delivery", "post failed", map[string]string{"review_text": "LGTM"})
	require.NoError(t, err)

	_, err = uuid.Parse(letter.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), letter.RequestID)
	assert.JSONEq(t, `{"review_text": "LGTM"}`, string(letter.Payload))
	assert.False(t, letter.CreatedAt.IsZero())

	_, err = New(1, "delivery", "x", make(chan int))
	assert.Error(t, err)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	letter, err := New(7, "delivery", "boom", nil)
	require.NoError(t, err)
	require.NoError(t, sink.Put(context.Background(), letter))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Dead letter", entry["msg"])
	assert.Equal(t, float64(7), entry["request_id"])
	assert.Equal(t, "boom", entry["reason"])
}

func TestSQLSink(t *testing.T) {
	ctx := context.Background()
	sink := NewSQLSink(testsupport.NewSQLiteDB(t))

	for _, id := range []int64{1, 2} {
		letter, err := New(id, "delivery", "post failed", map[string]int64{"id": id})
		require.NoError(t, err)
		require.NoError(t, sink.Put(ctx, letter))
	}

	letters, err := sink.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, int64(2), letters[0].RequestID)
	assert.Equal(t, "delivery", letters[0].Stage)
	assert.JSONEq(t, `{"id": 2}`, string(letters[0].Payload))

	letters, err = sink.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, letters, 1)
}

type fakePublisher struct {
	bodies [][]byte
	err    error
}

func (f *fakePublisher) PublishWithRetry(_ context.Context, body []byte, contentType string) error {
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	return nil
}

func TestRabbitSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewRabbitSink(pub)

	letter, err := New(9, "delivery", "post failed", "text")
	require.NoError(t, err)
	require.NoError(t, sink.Put(context.Background(), letter))

	require.Len(t, pub.bodies, 1)
	var decoded Letter
	require.NoError(t, json.Unmarshal(pub.bodies[0], &decoded))
	assert.Equal(t, letter.ID, decoded.ID)
	assert.Equal(t, int64(9), decoded.RequestID)

	pub.err = errors.New("channel closed")
	err = sink.Put(context.Background(), letter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish dead letter")
}
