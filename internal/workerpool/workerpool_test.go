package workerpool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/agentd/internal/capture"
	"github.com/swarmguard/agentd/internal/core"
	"github.com/swarmguard/agentd/internal/eventbus"
	"github.com/swarmguard/agentd/internal/store"
	"github.com/swarmguard/agentd/internal/supervisor"
)

type fixedCap int

func (c fixedCap) Cap() int { return int(c) }

func newTestPool(t *testing.T, cap int) (*Pool, store.Store, *eventbus.Bus) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "pool-test.db")
	s, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	capMgr := capture.NewManager(filepath.Join(t.TempDir(), "spill"), s)
	sup := supervisor.New(2 * time.Second)
	bus := eventbus.New()

	pool := New(sup, capMgr, fixedCap(cap), bus, 5*time.Second, 1<<20)
	return pool, s, bus
}

func seedTask(t *testing.T, s store.Store, id, prompt string) *store.Task {
	t.Helper()
	task := &store.Task{
		ID:        id,
		Prompt:    prompt,
		Priority:  store.PriorityP1,
		Status:    store.StatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveTask(context.Background(), task))
	return task
}

func waitForExit(t *testing.T, bus *eventbus.Bus) ExitPayload {
	t.Helper()
	ch := make(chan ExitPayload, 1)
	bus.Subscribe(eventbus.WorkerExited, func(ctx context.Context, evt eventbus.Event) *core.Error {
		ch <- evt.Payload.(ExitPayload)
		return nil
	})
	select {
	case p := <-ch:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for WorkerExited")
		return ExitPayload{}
	}
}

func TestSpawnRunsTaskAndEmitsWorkerExited(t *testing.T) {
	pool, s, bus := newTestPool(t, 2)
	task := seedTask(t, s, "t1", "echo hi")

	w, err := pool.Spawn(core.NewID(), task, task.Prompt)
	require.Nil(t, err)
	assert.NotEmpty(t, w.ID)
	assert.Greater(t, w.Pid, 0)

	payload := waitForExit(t, bus)
	assert.Equal(t, "t1", payload.TaskID)
	assert.Equal(t, supervisor.ReasonSuccess, payload.Result.Reason)
	assert.Eventually(t, func() bool { return pool.WorkerCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSpawnRejectsAtCapacity(t *testing.T) {
	pool, s, _ := newTestPool(t, 1)
	blocker := seedTask(t, s, "t-block", "sleep 5")
	_, err := pool.Spawn(core.NewID(), blocker, blocker.Prompt)
	require.Nil(t, err)

	overflow := seedTask(t, s, "t-overflow", "echo hi")
	_, err = pool.Spawn(core.NewID(), overflow, overflow.Prompt)
	require.NotNil(t, err)
	assert.True(t, core.IsCode(err, core.ErrResourceExhausted))

	pool.KillByTaskID("t-block", "cancel")
}

func TestConcurrentSpawnsNeverExceedCap(t *testing.T) {
	const cap = 3
	const attempts = 20
	pool, s, _ := newTestPool(t, cap)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < attempts; i++ {
		task := seedTask(t, s, core.NewID(), "sleep 5")
		wg.Add(1)
		go func(task *store.Task) {
			defer wg.Done()
			if _, err := pool.Spawn(core.NewID(), task, task.Prompt); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(task)
	}
	wg.Wait()

	assert.LessOrEqual(t, admitted, cap)
	assert.LessOrEqual(t, pool.WorkerCount(), cap)

	pool.KillAll(2 * time.Second)
}

func TestKillByTaskIDClassifiesAsCancelled(t *testing.T) {
	pool, s, bus := newTestPool(t, 2)
	task := seedTask(t, s, "t2", "sleep 10")

	_, err := pool.Spawn(core.NewID(), task, task.Prompt)
	require.Nil(t, err)

	killErr := pool.KillByTaskID("t2", "cancel")
	require.Nil(t, killErr)

	payload := waitForExit(t, bus)
	assert.Equal(t, supervisor.ReasonCancelled, payload.Result.Reason)
}

func TestKillByTaskIDNotFound(t *testing.T) {
	pool, _, _ := newTestPool(t, 2)
	err := pool.KillByTaskID("nope", "cancel")
	require.NotNil(t, err)
	assert.True(t, core.IsCode(err, core.ErrNotFound))
}

func TestKillAllDrainsAllWorkers(t *testing.T) {
	pool, s, _ := newTestPool(t, 4)
	for _, id := range []string{"a", "b", "c"} {
		task := seedTask(t, s, id, "sleep 10")
		_, err := pool.Spawn(core.NewID(), task, task.Prompt)
		require.Nil(t, err)
	}
	require.Equal(t, 3, pool.WorkerCount())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.KillAll(2 * time.Second)
	}()
	wg.Wait()

	assert.Eventually(t, func() bool { return pool.WorkerCount() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestTimeoutKillsLongRunningTask(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pool-timeout.db")
	s, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	capMgr := capture.NewManager(filepath.Join(t.TempDir(), "spill"), s)
	sup := supervisor.New(500 * time.Millisecond)
	bus := eventbus.New()
	pool := New(sup, capMgr, fixedCap(2), bus, 200*time.Millisecond, 1<<20)

	task := seedTask(t, s, "t-timeout", "sleep 10")
	_, spawnErr := pool.Spawn(core.NewID(), task, task.Prompt)
	require.Nil(t, spawnErr)

	payload := waitForExit(t, bus)
	assert.Equal(t, supervisor.ReasonTimeout, payload.Result.Reason)
}
