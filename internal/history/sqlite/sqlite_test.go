package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/juinit/internal/history"
)

func TestSinkSendAndRecent(t *testing.T) {
	ctx := context.Background()
	sink, err := New("sqlite://:memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	code := 3
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: now,
		Record: history.Record{Service: "web", PID: 100, State: "running"}}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventExit, OccurredAt: now.Add(time.Second),
		Record: history.Record{Service: "web", PID: 100, State: "failed", RestartCount: 2, ExitCode: &code, Message: "exit status 3"}}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: now,
		Record: history.Record{Service: "db", PID: 200, State: "running"}}))

	events, err := sink.recent(ctx, "web", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, history.EventExit, events[0].Type)
	require.NotNil(t, events[0].Record.ExitCode)
	assert.Equal(t, 3, *events[0].Record.ExitCode)
	assert.Equal(t, uint32(2), events[0].Record.RestartCount)
	assert.Equal(t, "exit status 3", events[0].Record.Message)
	assert.Nil(t, events[1].Record.ExitCode)
	assert.Equal(t, 100, events[1].Record.PID)
}

func TestSinkFilePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := New(path)
	require.NoError(t, err)
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStop, OccurredAt: time.Now(),
		Record: history.Record{Service: "cache", State: "stopped"}}))
	require.NoError(t, sink.Close())

	again, err := New("sqlite://" + path)
	require.NoError(t, err)
	defer func() { _ = again.Close() }()
	events, err := again.recent(ctx, "cache", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
