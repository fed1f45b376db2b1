package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalfasyan/desto/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := store.NewClientFromRedis(rdb)
	return NewRegistry(client, store.NewTracker(client, nil, 0))
}

func TestCreateSessionDuplicateRejected(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.CreateSession(ctx, "x", "cmd", "path", false)
	require.NoError(t, err)
	assert.Equal(t, store.SessionScheduled, first.Status)

	_, err = r.CreateSession(ctx, "x", "other", "other", false)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestCreateSessionDuplicateDoesNotClobberStartTime(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	s, _, err := r.StartSessionWithJob(ctx, "x", "cmd", "path", false)
	require.NoError(t, err)
	started := s.StartTime
	require.False(t, started.IsZero())

	time.Sleep(10 * time.Millisecond)
	_, err = r.CreateSession(ctx, "x", "cmd", "path", false)
	require.ErrorIs(t, err, ErrDuplicate)

	got, err := r.GetSessionByName(ctx, "x")
	require.NoError(t, err)
	assert.True(t, got.StartTime.Equal(started))
}

func TestCreateSessionAllowedAfterTerminal(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.StartSessionWithJob(ctx, "x", "cmd", "path", false)
	require.NoError(t, err)
	require.NoError(t, r.FinishSession(ctx, "x", 0))

	_, err = r.CreateSession(ctx, "x", "cmd", "path", false)
	assert.NoError(t, err)
}

func TestStartSessionWithJobCreatesBoth(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	s, j, err := r.StartSessionWithJob(ctx, "build", "./b.sh", "/s/b.sh", true)
	require.NoError(t, err)
	assert.Equal(t, store.SessionRunning, s.Status)
	assert.True(t, s.KeepAlive)
	assert.Len(t, s.JobIDs, 1)
	assert.Equal(t, s.JobIDs[0], j.ID)
	assert.Equal(t, store.JobRunning, j.Status)
}

func TestStartSessionWithJobTransitionsScheduled(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.CreateSession(ctx, "later", "cmd", "path", false)
	require.NoError(t, err)

	s, _, err := r.StartSessionWithJob(ctx, "later", "cmd", "path", false)
	require.NoError(t, err)
	assert.Equal(t, store.SessionRunning, s.Status)
	assert.False(t, s.StartTime.IsZero())

	// A second start while running is still a duplicate.
	_, _, err = r.StartSessionWithJob(ctx, "later", "cmd", "path", false)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestRegistryRejectsWhenStoreDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := store.NewClientFromRedis(rdb)
	r := NewRegistry(client, store.NewTracker(client, nil, 0))
	mr.Close()

	_, err := r.CreateSession(context.Background(), "x", "cmd", "path", false)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	_, _, err = r.StartSessionWithJob(context.Background(), "x", "cmd", "path", false)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestDisplayStatusTrustsJobOverSession(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.StartSessionWithJob(ctx, "ka", "cmd", "path", true)
	require.NoError(t, err)
	assert.Equal(t, "Running", r.DisplayStatus(ctx, "ka"))

	require.NoError(t, r.FinishJob(ctx, "ka", 0))
	s, err := r.GetSessionByName(ctx, "ka")
	require.NoError(t, err)
	// Session stays running (keep-alive tail), display resolves to Finished.
	assert.Equal(t, store.SessionRunning, s.Status)
	assert.Equal(t, "Finished", r.DisplayStatus(ctx, "ka"))
}

func TestFailedJobAlsoDisplaysFinished(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.StartSessionWithJob(ctx, "ka", "cmd", "path", true)
	require.NoError(t, err)
	require.NoError(t, r.FailJob(ctx, "ka", "job exited with code 2"))
	assert.Equal(t, "Finished", r.DisplayStatus(ctx, "ka"))
}

func TestAppendJobOnKeptAliveSession(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, first, err := r.StartSessionWithJob(ctx, "ka", "cmd", "path", true)
	require.NoError(t, err)
	require.NoError(t, r.FinishJob(ctx, "ka", 0))

	second, err := r.AppendJob(ctx, "ka")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	s, err := r.GetSessionByName(ctx, "ka")
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID, second.ID}, s.JobIDs)
	assert.Equal(t, store.JobRunning, r.GetJobStatus(ctx, "ka"))
}

func TestLookupsUnknownName(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.GetSessionByName(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.GetJob(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.AppendJob(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAllSessions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.StartSessionWithJob(ctx, "a", "cmd", "path", false)
	require.NoError(t, err)
	_, err = r.CreateSession(ctx, "b", "cmd", "path", false)
	require.NoError(t, err)

	all, err := r.ListAllSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	names := map[string]bool{}
	for _, s := range all {
		names[s.Name] = true
	}
	assert.True(t, names["a"] && names["b"])
}
