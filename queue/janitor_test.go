package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJanitorRejectsBadSchedule(t *testing.T) {
	q, clk := newQueue(t)
	_, err := NewJanitor(q, "every tuesday", time.Hour, clk, nil)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestJanitorPurgesOnSchedule(t *testing.T) {
	q, clk := newQueue(t)

	stale := textEntry("tx-1", "stale")
	stale.CreatedAt = epoch.Add(-90 * time.Minute)
	_, err := q.Enqueue(stale)
	require.NoError(t, err)
	_, err = q.Enqueue(textEntry("tx-1", "recent"))
	require.NoError(t, err)

	var batches [][]string
	j, err := NewJanitor(q, "", time.Hour, clk, func(es []Entry) {
		batches = append(batches, texts(es))
	})
	require.NoError(t, err)
	require.NoError(t, j.Start())

	// epoch is 00:30; the first hourly tick is at 01:00.
	clk.Advance(29 * time.Minute)
	assert.Empty(t, batches)

	clk.Advance(time.Minute)
	assert.Equal(t, [][]string{{"stale"}}, batches)
	assert.Equal(t, []string{"recent"}, texts(q.Entries("")))

	// 02:00 purges the entry created at 00:30.
	clk.Advance(time.Hour)
	assert.Equal(t, [][]string{{"stale"}, {"recent"}}, batches)

	j.Stop()
	assert.Equal(t, 0, clk.Pending())
}

func TestJanitorRunOnce(t *testing.T) {
	q, clk := newQueue(t)
	old := textEntry("tx-1", "old")
	old.CreatedAt = epoch.Add(-48 * time.Hour)
	_, err := q.Enqueue(old)
	require.NoError(t, err)

	j, err := NewJanitor(q, "*/5 * * * *", 24*time.Hour, clk, nil)
	require.NoError(t, err)
	purged, err := j.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, texts(purged))
}
