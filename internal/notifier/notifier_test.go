package notifier

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

func newTestNotifier(t *testing.T) (*Notifier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(store.NewClientFromRedis(rdb)), mr
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	n, _ := newTestNotifier(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := n.Subscribe(ctx)
	require.NoError(t, err)

	n.Publish(ctx, "deploy-1", map[string]string{"status": "running", "command": "./deploy.sh"})

	select {
	case upd := <-ch:
		assert.Equal(t, "deploy-1", upd.SessionName)
		assert.False(t, upd.Timestamp.IsZero())
		assert.Equal(t, "running", upd.Fields["status"])
		assert.Equal(t, "./deploy.sh", upd.Fields["command"])
	case <-ctx.Done():
		t.Fatal("no update received")
	}
}

func TestPublishFailureDoesNotPanic(t *testing.T) {
	n, mr := newTestNotifier(t)
	mr.Close()
	// Must swallow the connection error.
	n.Publish(context.Background(), "x", map[string]string{"status": "running"})
}

func TestPublishDisabledClientNoop(t *testing.T) {
	n := New(store.NewClient(store.Config{Enabled: false}))
	n.Publish(context.Background(), "x", map[string]string{"status": "running"})

	_, err := n.Subscribe(context.Background())
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestTrackerPublishesOnMutation(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := store.NewClientFromRedis(rdb)
	n := New(client)
	tr := store.NewTracker(client, n, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := n.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, tr.MarkSessionStarted(ctx, "watched", "cmd", "cmd"))
	select {
	case upd := <-ch:
		assert.Equal(t, "watched", upd.SessionName)
		assert.Equal(t, "running", upd.Fields["status"])
	case <-ctx.Done():
		t.Fatal("no update received after mark_session_started")
	}

	require.NoError(t, tr.MarkJobFinished(ctx, "watched", 0))
	select {
	case upd := <-ch:
		assert.Equal(t, "finished", upd.Fields["job_status"])
		assert.Equal(t, "0", upd.Fields["job_exit_code"])
	case <-ctx.Done():
		t.Fatal("no update received after mark_job_finished")
	}
}
