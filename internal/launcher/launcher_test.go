package launcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalfasyan/desto/internal/session"
	"github.com/kalfasyan/desto/internal/store"
)

type fakeSupervisor struct {
	mu      sync.Mutex
	live    map[string]bool
	started map[string]string // name -> script
	err     error
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{live: map[string]bool{}, started: map[string]string{}}
}

func (f *fakeSupervisor) HasSession(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[name], nil
}

func (f *fakeSupervisor) NewSession(_ context.Context, name, script string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.live[name] = true
	f.started[name] = script
	return nil
}

type fakeWatcher struct {
	mu      sync.Mutex
	watched []string
}

func (f *fakeWatcher) Watch(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, name)
}

func testLauncher(t *testing.T) (*Launcher, *fakeSupervisor, *fakeWatcher, *session.Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := store.NewClientFromRedis(rdb)
	reg := session.NewRegistry(client, store.NewTracker(client, nil, 0))

	sup := newFakeSupervisor()
	w := &fakeWatcher{}
	dir := t.TempDir()
	l, err := New(sup, reg, w, Config{
		LogDir:      filepath.Join(dir, "logs"),
		ScriptsDir:  filepath.Join(dir, "scripts"),
		MarkCommand: "/usr/local/bin/desto mark",
	})
	require.NoError(t, err)
	return l, sup, w, reg, mr
}

func TestLaunchRegistersAndWatches(t *testing.T) {
	l, sup, w, reg, _ := testLauncher(t)
	ctx := context.Background()

	s, err := l.Launch(ctx, "deploy", "./deploy.sh", "/scripts/deploy.sh", false)
	require.NoError(t, err)
	assert.Equal(t, store.SessionRunning, s.Status)
	assert.True(t, sup.live["deploy"])
	assert.Equal(t, []string{"deploy"}, w.watched)

	got, err := reg.GetSessionByName(ctx, "deploy")
	require.NoError(t, err)
	assert.Equal(t, "./deploy.sh", got.Command)
	assert.Equal(t, store.JobRunning, reg.GetJobStatus(ctx, "deploy"))
}

func TestLaunchRejectsLiveDuplicate(t *testing.T) {
	l, sup, _, _, _ := testLauncher(t)
	sup.live["busy"] = true

	_, err := l.Launch(context.Background(), "busy", "cmd", "path", false)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Empty(t, sup.started)
}

func TestLaunchRejectsTrackedDuplicateBeforeStarting(t *testing.T) {
	l, sup, _, reg, _ := testLauncher(t)
	ctx := context.Background()

	_, _, err := reg.StartSessionWithJob(ctx, "tracked", "cmd", "path", false)
	require.NoError(t, err)

	_, err = l.Launch(ctx, "tracked", "cmd", "path", false)
	assert.ErrorIs(t, err, session.ErrDuplicate)
	assert.Empty(t, sup.started, "no process may start on rejection")
}

func TestLaunchSurvivesStoreOutage(t *testing.T) {
	l, sup, w, _, mr := testLauncher(t)
	mr.Close()

	s, err := l.Launch(context.Background(), "untracked", "cmd", "path", false)
	require.NoError(t, err, "tracking failures must not block process start")
	assert.Equal(t, "untracked", s.Name)
	assert.True(t, sup.live["untracked"])
	assert.Empty(t, w.watched, "no monitor without tracking")
}

func TestLaunchPropagatesSupervisorFailure(t *testing.T) {
	l, sup, w, reg, _ := testLauncher(t)
	sup.err = assert.AnError

	_, err := l.Launch(context.Background(), "broken", "cmd", "path", false)
	require.Error(t, err)
	_, err = reg.GetSessionByName(context.Background(), "broken")
	assert.ErrorIs(t, err, session.ErrNotFound, "no registry mutation on start failure")
	assert.Empty(t, w.watched)
}

func TestBuildScriptFreshLog(t *testing.T) {
	l, _, _, _, _ := testLauncher(t)

	script := l.buildScript("job1", "echo hello", false)
	lines := strings.Split(script, "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "SCRIPT STARTING")
	assert.Contains(t, lines[0], "> '"+l.LogFile("job1")+"'")
	assert.Equal(t, "(echo hello) >> '"+l.LogFile("job1")+"' 2>&1", lines[1])
	assert.Equal(t, "SCRIPT_EXIT_CODE=$?", lines[2])
	assert.Contains(t, lines[3], "SCRIPT FINISHED")
	assert.Equal(t, "/usr/local/bin/desto mark job-finished 'job1' $SCRIPT_EXIT_CODE", lines[4])
	assert.NotContains(t, script, "tail -f")
}

func TestBuildScriptAppendMode(t *testing.T) {
	l, _, _, _, _ := testLauncher(t)
	require.NoError(t, os.WriteFile(l.LogFile("job2"), []byte("old run\n"), 0o644))

	script := l.buildScript("job2", "true", false)
	assert.Contains(t, script, "---- NEW SESSION")
	assert.Contains(t, script, ">> '"+l.LogFile("job2")+"'")
	// Append mode never truncates.
	assert.NotContains(t, script, " > '"+l.LogFile("job2")+"'")
}

func TestBuildScriptKeepAliveTail(t *testing.T) {
	l, _, _, _, _ := testLauncher(t)

	script := l.buildScript("ka", "./run.sh", true)
	lines := strings.Split(script, "\n")
	last := lines[len(lines)-1]
	assert.Equal(t, "tail -f /dev/null >> '"+l.LogFile("ka")+"' 2>&1", last)
	// The completion signal runs before the tail, with the captured code.
	assert.Contains(t, lines[len(lines)-2], "job-finished 'ka' $SCRIPT_EXIT_CODE")
}

func TestQuoteShell(t *testing.T) {
	assert.Equal(t, `'plain'`, QuoteShell("plain"))
	assert.Equal(t, `'it'"'"'s'`, QuoteShell("it's"))
}
