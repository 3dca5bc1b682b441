package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHistory struct {
	mu      sync.Mutex
	cutoffs []time.Time
	count   int64
	err     error
}

func (m *mockHistory) DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, before)
	return m.count, m.err
}

func (m *mockHistory) calls() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.cutoffs...)
}

func TestCleanupJob(t *testing.T) {
	t.Run("prunes history older than retention", func(t *testing.T) {
		history := &mockHistory{count: 3}
		job := NewCleanupJob(history, 30*24*time.Hour, time.Hour)
		now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
		job.now = func() time.Time { return now }

		job.cleanup()

		require.Len(t, history.calls(), 1)
		assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), history.calls()[0])
	})

	t.Run("errors are logged not fatal", func(t *testing.T) {
		history := &mockHistory{err: errors.New("db down")}
		job := NewCleanupJob(history, time.Hour, time.Hour)
		assert.NotPanics(t, job.cleanup)
	})

	t.Run("runs immediately then on every tick", func(t *testing.T) {
		history := &mockHistory{}
		job := NewCleanupJob(history, time.Hour, 10*time.Millisecond)
		job.Start()

		require.Eventually(t, func() bool { return len(history.calls()) >= 2 }, time.Second, 5*time.Millisecond)
		job.Stop()

		n := len(history.calls())
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, n, len(history.calls()))
	})

	t.Run("zero retention never prunes", func(t *testing.T) {
		history := &mockHistory{}
		job := NewCleanupJob(history, 0, time.Millisecond)
		job.Start()
		job.Stop()
		assert.Empty(t, history.calls())
	})
}
