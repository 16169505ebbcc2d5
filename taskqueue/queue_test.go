package taskqueue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailored-agentic-units/fabric/config"
	"github.com/tailored-agentic-units/fabric/messaging"
	"github.com/tailored-agentic-units/fabric/store"
	"github.com/tailored-agentic-units/fabric/taskqueue"
	"github.com/tailored-agentic-units/fabric/transport"
)

func newQueue(t *testing.T) *taskqueue.Queue {
	t.Helper()

	tr, err := transport.New(context.Background(), config.DefaultTransportConfig())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	cfg := config.DefaultQueueConfig()
	cfg.WaitPollInterval = config.Duration(20 * time.Millisecond)

	q, err := taskqueue.New(store.NewMemory(), tr, cfg)
	require.NoError(t, err)
	return q
}

func TestQueue_EnqueueClaimComplete(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "", taskqueue.Spec{Type: "summarize", Payload: "doc-1", CreatedBy: "planner"})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, taskqueue.DefaultQueue, task.Queue)
	assert.Equal(t, taskqueue.StatusPending, task.Status)

	claimed, err := q.Claim(ctx, "", "worker-1", "summarize")
	require.NoError(t, err)
	assert.Equal(t, task.ID, claimed.ID)
	assert.Equal(t, taskqueue.StatusAssigned, claimed.Status)
	assert.Equal(t, "worker-1", claimed.AssignedTo)

	started, err := q.Start(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusInProgress, started.Status)

	done, err := q.Complete(ctx, task.ID, "worker-1", "summary text")
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusCompleted, done.Status)
	assert.Equal(t, "summary text", done.Result)
}

func TestQueue_QueuesAreIsolated(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "ingest", taskqueue.Spec{Type: "fetch"})
	require.NoError(t, err)
	assert.Equal(t, "ingest", task.Queue)

	// Workers on a different queue never see it.
	_, err = q.Claim(ctx, "publish", "worker-1")
	assert.ErrorIs(t, err, taskqueue.ErrNoTasksAvailable)
	_, err = q.Claim(ctx, "", "worker-1")
	assert.ErrorIs(t, err, taskqueue.ErrNoTasksAvailable)

	claimed, err := q.Claim(ctx, "ingest", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, task.ID, claimed.ID)
}

func TestQueue_ClaimFiltersByType(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "", taskqueue.Spec{Type: "translate"})
	require.NoError(t, err)

	_, err = q.Claim(ctx, "", "worker-1", "summarize")
	assert.ErrorIs(t, err, taskqueue.ErrNoTasksAvailable)

	claimed, err := q.Claim(ctx, "", "worker-1", "translate")
	require.NoError(t, err)
	assert.Equal(t, "translate", claimed.Type)
}

func TestQueue_ClaimPrefersHigherPriority(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "", taskqueue.Spec{Type: "work", Priority: messaging.PriorityLow})
	require.NoError(t, err)
	urgent, err := q.Enqueue(ctx, "", taskqueue.Spec{Type: "work", Priority: messaging.PriorityCritical})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, urgent.ID, claimed.ID)
}

func TestQueue_ClaimSkipsExpiredDeadline(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	stale, err := q.Enqueue(ctx, "", taskqueue.Spec{
		Type:     "report",
		Deadline: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	_, err = q.Claim(ctx, "", "worker-1")
	assert.ErrorIs(t, err, taskqueue.ErrNoTasksAvailable)

	// The missed deadline fails the task terminally.
	got, err := q.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "deadline")

	// A live deadline stays claimable.
	fresh, err := q.Enqueue(ctx, "", taskqueue.Spec{
		Type:     "report",
		Deadline: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, "", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, claimed.ID)
}

func TestQueue_ConcurrentClaimSingleWinner(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "", taskqueue.Spec{Type: "work"})
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	winners := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := q.Claim(ctx, "", string(rune('a'+i)))
			if err == nil {
				winners <- claimed.AssignedTo
			} else {
				assert.ErrorIs(t, err, taskqueue.ErrNoTasksAvailable)
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	assert.Equal(t, 1, count, "exactly one worker must win the claim")

	got, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusAssigned, got.Status)
}

// A task with a retry budget of N gets N+1 attempts: the first N failures
// requeue it, the one after that is terminal.
func TestQueue_FailRequeuesUntilBudgetSpent(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "", taskqueue.Spec{Type: "flaky", MaxRetries: 2})
	require.NoError(t, err)

	boom := errors.New("boom")

	attempts := 0
	for {
		claimed, err := q.Claim(ctx, "", "worker-1", "flaky")
		if errors.Is(err, taskqueue.ErrNoTasksAvailable) {
			break
		}
		require.NoError(t, err)
		attempts++

		failed, err := q.Fail(ctx, claimed.ID, "worker-1", boom)
		if errors.Is(err, taskqueue.ErrRetryExceeded) {
			assert.Equal(t, taskqueue.StatusFailed, failed.Status)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, taskqueue.StatusPending, failed.Status)
		assert.Equal(t, attempts, failed.RetryCount)
		assert.Empty(t, failed.AssignedTo)
	}

	assert.Equal(t, 3, attempts, "MaxRetries=2 allows exactly three attempts")

	got, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, "boom", got.Error)
}

// With a budget of one retry the first failure must requeue, not kill.
func TestQueue_SingleRetryBudgetPermitsARetry(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "", taskqueue.Spec{Type: "flaky", MaxRetries: 1})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "", "worker-1")
	require.NoError(t, err)

	requeued, err := q.Fail(ctx, claimed.ID, "worker-1", errors.New("boom"))
	require.NoError(t, err, "first failure must requeue when one retry remains")
	assert.Equal(t, taskqueue.StatusPending, requeued.Status)

	claimed, err = q.Claim(ctx, "", "worker-1")
	require.NoError(t, err)
	_, err = q.Fail(ctx, claimed.ID, "worker-1", errors.New("boom"))
	assert.ErrorIs(t, err, taskqueue.ErrRetryExceeded)
}

func TestQueue_CompleteByWrongWorkerRejected(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "", taskqueue.Spec{Type: "work"})
	require.NoError(t, err)

	_, err = q.Claim(ctx, "", "worker-1")
	require.NoError(t, err)

	_, err = q.Complete(ctx, task.ID, "worker-2", nil)
	assert.ErrorIs(t, err, taskqueue.ErrInvalidTransition)
}

func TestQueue_DependencyBlocking(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	upstream, err := q.Enqueue(ctx, "", taskqueue.Spec{Type: "fetch"})
	require.NoError(t, err)

	downstream, err := q.Enqueue(ctx, "", taskqueue.Spec{
		Type:      "analyze",
		DependsOn: []taskqueue.Dependency{{TaskID: upstream.ID}},
	})
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusBlocked, downstream.Status)

	// Blocked tasks are invisible to Claim.
	claimed, err := q.Claim(ctx, "", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, upstream.ID, claimed.ID)
	_, err = q.Claim(ctx, "", "worker-2")
	assert.ErrorIs(t, err, taskqueue.ErrNoTasksAvailable)

	// Completing the dependency unblocks the dependent.
	_, err = q.Complete(ctx, upstream.ID, "worker-1", "data")
	require.NoError(t, err)

	got, err := q.Get(ctx, downstream.ID)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusPending, got.Status)
}

// A dependency can require a non-terminal status: the dependent is released
// as soon as the dependency is observed there.
func TestQueue_DependencyRequiredStatus(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	upstream, err := q.Enqueue(ctx, "", taskqueue.Spec{Type: "serve"})
	require.NoError(t, err)

	monitor, err := q.Enqueue(ctx, "", taskqueue.Spec{
		Type:      "healthcheck",
		DependsOn: []taskqueue.Dependency{{TaskID: upstream.ID, RequiredStatus: taskqueue.StatusInProgress}},
	})
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusBlocked, monitor.Status)

	_, err = q.Claim(ctx, "", "worker-1", "serve")
	require.NoError(t, err)

	got, err := q.Get(ctx, monitor.ID)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusBlocked, got.Status, "assigned is not yet in_progress")

	_, err = q.Start(ctx, upstream.ID, "worker-1")
	require.NoError(t, err)

	got, err = q.Get(ctx, monitor.ID)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusPending, got.Status)
}

func TestQueue_DependencyFailureCascades(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	upstream, err := q.Enqueue(ctx, "", taskqueue.Spec{Type: "fetch"})
	require.NoError(t, err)
	downstream, err := q.Enqueue(ctx, "", taskqueue.Spec{
		Type:      "analyze",
		DependsOn: []taskqueue.Dependency{{TaskID: upstream.ID}},
	})
	require.NoError(t, err)

	// Spend the whole retry budget.
	for {
		_, err = q.Claim(ctx, "", "worker-1")
		if errors.Is(err, taskqueue.ErrNoTasksAvailable) {
			break
		}
		require.NoError(t, err)
		_, err = q.Fail(ctx, upstream.ID, "worker-1", errors.New("unreachable"))
		if errors.Is(err, taskqueue.ErrRetryExceeded) {
			break
		}
		require.NoError(t, err)
	}

	got, err := q.Get(ctx, downstream.ID)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusFailed, got.Status)
	assert.Contains(t, got.Error, upstream.ID)
}

func TestQueue_Cancel(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "", taskqueue.Spec{Type: "work"})
	require.NoError(t, err)

	canceled, err := q.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusCanceled, canceled.Status)

	// Idempotent.
	_, err = q.Cancel(ctx, task.ID)
	require.NoError(t, err)

	// Completed tasks cannot be canceled.
	other, err := q.Enqueue(ctx, "", taskqueue.Spec{Type: "work"})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "", "worker-1")
	require.NoError(t, err)
	_, err = q.Complete(ctx, other.ID, "worker-1", nil)
	require.NoError(t, err)
	_, err = q.Cancel(ctx, other.ID)
	assert.ErrorIs(t, err, taskqueue.ErrInvalidTransition)
}

func TestQueue_WaitForCompletion(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "", taskqueue.Spec{Type: "slow"})
	require.NoError(t, err)

	go func() {
		claimed, err := q.Claim(ctx, "", "worker-1")
		if err != nil {
			return
		}
		time.Sleep(30 * time.Millisecond)
		_, _ = q.Complete(ctx, claimed.ID, "worker-1", 42)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	done, err := q.WaitForCompletion(waitCtx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusCompleted, done.Status)
	assert.Equal(t, float64(42), done.Result)
}

// Waiters must not mistake a failed or canceled task for success.
func TestQueue_WaitForCompletionRejectsFailureAndCancel(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	doomed, err := q.Enqueue(ctx, "", taskqueue.Spec{Type: "doomed", MaxRetries: 1})
	require.NoError(t, err)
	for {
		_, err = q.Claim(ctx, "", "worker-1", "doomed")
		require.NoError(t, err)
		if _, err = q.Fail(ctx, doomed.ID, "worker-1", errors.New("boom")); err != nil {
			break
		}
	}

	task, err := q.WaitForCompletion(ctx, doomed.ID)
	assert.ErrorIs(t, err, taskqueue.ErrRetryExceeded)
	assert.Equal(t, taskqueue.StatusFailed, task.Status)

	dropped, err := q.Enqueue(ctx, "", taskqueue.Spec{Type: "dropped"})
	require.NoError(t, err)
	_, err = q.Cancel(ctx, dropped.ID)
	require.NoError(t, err)

	task, err = q.WaitForCompletion(ctx, dropped.ID)
	assert.ErrorIs(t, err, taskqueue.ErrTaskCanceled)
	assert.Equal(t, taskqueue.StatusCanceled, task.Status)
}

func TestQueue_EnqueueUnknownDependency(t *testing.T) {
	q := newQueue(t)

	_, err := q.Enqueue(context.Background(), "", taskqueue.Spec{
		Type:      "work",
		DependsOn: []taskqueue.Dependency{{TaskID: "ghost"}},
	})
	assert.ErrorIs(t, err, taskqueue.ErrTaskNotFound)
}
