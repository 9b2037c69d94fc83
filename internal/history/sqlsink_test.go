package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSQLSinkRoundTrip(t *testing.T) {
	s, err := NewSQLSinkFromDSN(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	now := time.Now()
	events := []Event{
		{Type: EventStart, OccurredAt: now, Process: "api"},
		{Type: EventReady, OccurredAt: now.Add(time.Second), Process: "api"},
		{Type: EventCrash, OccurredAt: now.Add(2 * time.Second), Process: "db", Detail: "exit code 1"},
	}
	for _, e := range events {
		require.NoError(t, s.Send(ctx, e))
	}

	got, err := s.Recent(ctx, "api", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// newest first
	require.Equal(t, EventReady, got[0].Type)
	require.Equal(t, EventStart, got[1].Type)

	all, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "exit code 1", all[0].Detail)
}

func TestSQLSinkEmptyDSN(t *testing.T) {
	_, err := NewSQLSinkFromDSN("  ")
	require.Error(t, err)
}

func TestSQLSinkSqliteURLPrefix(t *testing.T) {
	s, err := NewSQLSinkFromDSN("sqlite://" + filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
