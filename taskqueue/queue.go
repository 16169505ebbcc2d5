// Package taskqueue distributes units of work across named queues of
// workers. Tasks move through pending, assigned, in_progress, and one of the
// terminal states; claims go through the store's check-and-set so a task is
// never handed to two workers. Failed tasks are requeued until their retry
// budget is spent. Tasks with dependencies stay blocked until every
// dependency reaches its required status.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/fabric/config"
	"github.com/tailored-agentic-units/fabric/messaging"
	"github.com/tailored-agentic-units/fabric/observability"
	"github.com/tailored-agentic-units/fabric/store"
	"github.com/tailored-agentic-units/fabric/transport"
)

// KeyPrefix namespaces task records in the backing store.
const KeyPrefix = "task."

// TopicPrefix is the notification topic prefix for task transitions; the
// task ID is appended. UpdateTopic is the firehose carrying every
// transition.
const (
	TopicPrefix = "task.updated."
	UpdateTopic = "task.updated"
)

var (
	// ErrTaskNotFound is returned for unknown task IDs.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNoTasksAvailable is returned by Claim when nothing claimable
	// matches.
	ErrNoTasksAvailable = errors.New("no tasks available")

	// ErrRetryExceeded marks a failure that spent the task's retry budget:
	// the task is now terminally failed. Waiters on a failed task get this.
	ErrRetryExceeded = errors.New("retry budget exceeded")

	// ErrTaskCanceled is returned to waiters when the task they wait on was
	// canceled.
	ErrTaskCanceled = errors.New("task canceled")

	// ErrInvalidTransition rejects an operation the task's current status
	// does not allow, including completion by a worker that does not hold
	// the claim.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// casAttempts bounds a transition's check-and-set loop. Every conflict means
// some other writer made progress, so the bound only guards against livelock.
const casAttempts = 32

// Queue coordinates task distribution. It holds no task state itself; every
// transition is a check-and-set against the backing store.
type Queue struct {
	kv        store.KV
	transport transport.Transport
	cfg       config.QueueConfig
	logger    *slog.Logger
	observer  observability.Observer
}

// Option customizes a Queue.
type Option func(*Queue)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithObserver overrides the observer resolved from configuration.
func WithObserver(observer observability.Observer) Option {
	return func(q *Queue) {
		q.observer = observability.OrNoOp(observer)
	}
}

// New creates a task queue over kv. Transition notifications are published
// through tr; pass nil to disable them (WaitForCompletion then polls only).
func New(kv store.KV, tr transport.Transport, cfg config.QueueConfig, opts ...Option) (*Queue, error) {
	observer, err := observability.GetObserver(cfg.Observer)
	if err != nil {
		return nil, fmt.Errorf("resolve observer: %w", err)
	}

	q := &Queue{
		kv:        kv,
		transport: tr,
		cfg:       cfg,
		logger:    slog.Default(),
		observer:  observer,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue creates a task from spec on the named queue (DefaultQueue when
// empty). Tasks whose dependencies have not reached their required statuses
// start blocked; the rest start pending. Every dependency must already
// exist, and a dependency already parked in the wrong terminal status is
// rejected.
func (q *Queue) Enqueue(ctx context.Context, queueName string, spec Spec) (Task, error) {
	if queueName == "" {
		queueName = DefaultQueue
	}

	status := StatusPending
	for _, dep := range spec.DependsOn {
		depTask, err := q.Get(ctx, dep.TaskID)
		if err != nil {
			return Task{}, fmt.Errorf("dependency %s: %w", dep.TaskID, err)
		}
		required := dep.required()
		switch {
		case depTask.Status == required:
		case depTask.Status.Terminal():
			return Task{}, fmt.Errorf("%w: dependency %s is %s, required %s",
				ErrInvalidTransition, dep.TaskID, depTask.Status, required)
		default:
			status = StatusBlocked
		}
	}

	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.cfg.DefaultMaxRetries
	}

	now := time.Now()
	task := Task{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Queue:      queueName,
		Type:       spec.Type,
		Payload:    spec.Payload,
		Priority:   spec.Priority,
		Status:     status,
		CreatedBy:  spec.CreatedBy,
		DependsOn:  spec.DependsOn,
		Deadline:   spec.Deadline,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := q.create(ctx, task); err != nil {
		return Task{}, err
	}

	q.observer.OnEvent(ctx, observability.NewEvent(
		observability.EventTaskCreated,
		observability.LevelInfo,
		"taskqueue",
		map[string]any{"task_id": task.ID, "queue": queueName, "type": task.Type, "status": string(task.Status)},
	))
	q.notify(ctx, task)
	return task, nil
}

// Get returns the task with the given ID.
func (q *Queue) Get(ctx context.Context, taskID string) (Task, error) {
	rec, err := q.kv.Get(ctx, KeyPrefix+taskID)
	if errors.Is(err, store.ErrNotFound) {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return Task{}, err
	}

	task, _, err := decodeTask(rec)
	return task, err
}

// Claim hands the highest-priority pending task on the named queue matching
// one of taskTypes to workerID. An empty taskTypes matches every type.
// Priority is advisory: candidates are tried best-first, but under
// contention a worker may win a lower-priority task. Pending tasks whose
// deadline has passed are failed instead of handed out. Returns
// ErrNoTasksAvailable when nothing matches.
func (q *Queue) Claim(ctx context.Context, queueName, workerID string, taskTypes ...string) (Task, error) {
	if queueName == "" {
		queueName = DefaultQueue
	}
	accepts := make(map[string]bool, len(taskTypes))
	for _, t := range taskTypes {
		accepts[t] = true
	}

	records, err := q.kv.List(ctx, KeyPrefix)
	if err != nil {
		return Task{}, fmt.Errorf("list tasks: %w", err)
	}

	now := time.Now()
	type candidate struct {
		task    Task
		version int64
	}
	var candidates []candidate
	for _, rec := range records {
		task, version, err := decodeTask(rec)
		if err != nil {
			q.logger.WarnContext(ctx, "skipping undecodable task record",
				slog.String("key", rec.Key), slog.String("error", err.Error()))
			continue
		}
		if task.Status != StatusPending || task.Queue != queueName {
			continue
		}
		if len(accepts) > 0 && !accepts[task.Type] {
			continue
		}
		if !task.Deadline.IsZero() && now.After(task.Deadline) {
			q.expireDeadline(ctx, task.ID)
			continue
		}
		candidates = append(candidates, candidate{task: task, version: version})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].task.Priority != candidates[j].task.Priority {
			return candidates[i].task.Priority > candidates[j].task.Priority
		}
		return candidates[i].task.CreatedAt.Before(candidates[j].task.CreatedAt)
	})

	for _, c := range candidates {
		claimed := c.task
		claimed.Status = StatusAssigned
		claimed.AssignedTo = workerID
		claimed.UpdatedAt = time.Now()

		err := q.put(ctx, claimed, c.version)
		if errors.Is(err, store.ErrVersionMismatch) {
			// Another worker won this one; try the next candidate.
			continue
		}
		if err != nil {
			return Task{}, err
		}

		q.observer.OnEvent(ctx, observability.NewEvent(
			observability.EventTaskClaimed,
			observability.LevelInfo,
			"taskqueue",
			map[string]any{"task_id": claimed.ID, "queue": queueName, "worker": workerID},
		))
		q.notify(ctx, claimed)
		q.reevaluateDependents(ctx, claimed.ID)
		return claimed, nil
	}

	return Task{}, ErrNoTasksAvailable
}

// Start marks an assigned task as actively executing. Only the claiming
// worker may start it.
func (q *Queue) Start(ctx context.Context, taskID, workerID string) (Task, error) {
	task, err := q.transition(ctx, taskID, func(t Task) (Task, error) {
		if t.Status != StatusAssigned || t.AssignedTo != workerID {
			return Task{}, fmt.Errorf("%w: %s is %s (assigned to %q)", ErrInvalidTransition, t.ID, t.Status, t.AssignedTo)
		}
		t.Status = StatusInProgress
		return t, nil
	})
	if err != nil {
		return Task{}, err
	}
	q.notify(ctx, task)
	q.reevaluateDependents(ctx, task.ID)
	return task, nil
}

// Complete records result and moves the task to its terminal success state.
// Only the claiming worker may complete it. Blocked dependents whose
// dependencies are now all satisfied become pending.
func (q *Queue) Complete(ctx context.Context, taskID, workerID string, result any) (Task, error) {
	task, err := q.transition(ctx, taskID, func(t Task) (Task, error) {
		if (t.Status != StatusAssigned && t.Status != StatusInProgress) || t.AssignedTo != workerID {
			return Task{}, fmt.Errorf("%w: %s is %s (assigned to %q)", ErrInvalidTransition, t.ID, t.Status, t.AssignedTo)
		}
		t.Status = StatusCompleted
		t.Result = result
		return t, nil
	})
	if err != nil {
		return Task{}, err
	}

	q.observer.OnEvent(ctx, observability.NewEvent(
		observability.EventTaskCompleted,
		observability.LevelInfo,
		"taskqueue",
		map[string]any{"task_id": task.ID, "worker": workerID},
	))
	q.notify(ctx, task)
	q.reevaluateDependents(ctx, task.ID)
	return task, nil
}

// Fail records a failed attempt. While budget remains the task is requeued
// as pending with its claim cleared; once MaxRetries requeues have been
// spent the next failure is terminal and ErrRetryExceeded is returned
// alongside the task, so MaxRetries of N allows N+1 attempts in total.
// Dependents of a terminally failed task fail with it.
func (q *Queue) Fail(ctx context.Context, taskID, workerID string, taskErr error) (Task, error) {
	reason := ""
	if taskErr != nil {
		reason = taskErr.Error()
	}

	task, err := q.transition(ctx, taskID, func(t Task) (Task, error) {
		if (t.Status != StatusAssigned && t.Status != StatusInProgress) || t.AssignedTo != workerID {
			return Task{}, fmt.Errorf("%w: %s is %s (assigned to %q)", ErrInvalidTransition, t.ID, t.Status, t.AssignedTo)
		}
		t.Error = reason
		t.RetryCount++
		if t.RetryCount > t.MaxRetries {
			t.Status = StatusFailed
		} else {
			t.Status = StatusPending
			t.AssignedTo = ""
		}
		return t, nil
	})
	if err != nil {
		return Task{}, err
	}

	if task.Status == StatusFailed {
		q.observer.OnEvent(ctx, observability.NewEvent(
			observability.EventTaskFailed,
			observability.LevelWarning,
			"taskqueue",
			map[string]any{"task_id": task.ID, "attempts": task.RetryCount, "error": reason},
		))
		q.notify(ctx, task)
		q.reevaluateDependents(ctx, task.ID)
		return task, fmt.Errorf("%w: %s after %d attempts", ErrRetryExceeded, task.ID, task.RetryCount)
	}

	q.observer.OnEvent(ctx, observability.NewEvent(
		observability.EventTaskRetried,
		observability.LevelInfo,
		"taskqueue",
		map[string]any{"task_id": task.ID, "attempt": task.RetryCount, "error": reason},
	))
	q.notify(ctx, task)
	q.reevaluateDependents(ctx, task.ID)
	return task, nil
}

// Cancel terminally cancels a task. Canceling an already-canceled task is a
// no-op; canceling a completed or failed one is rejected. Dependents of a
// canceled task fail.
func (q *Queue) Cancel(ctx context.Context, taskID string) (Task, error) {
	task, err := q.transition(ctx, taskID, func(t Task) (Task, error) {
		switch t.Status {
		case StatusCanceled:
			return t, nil
		case StatusCompleted, StatusFailed:
			return Task{}, fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, t.ID, t.Status)
		}
		t.Status = StatusCanceled
		return t, nil
	})
	if err != nil {
		return Task{}, err
	}

	q.notify(ctx, task)
	q.reevaluateDependents(ctx, task.ID)
	return task, nil
}

// WaitForCompletion blocks until the task reaches a terminal status or ctx
// is cancelled. Transition notifications drive the wakeups; a poll at the
// configured interval covers missed ones. A task that ends failed or
// canceled is returned together with an error wrapping ErrRetryExceeded or
// ErrTaskCanceled.
func (q *Queue) WaitForCompletion(ctx context.Context, taskID string) (Task, error) {
	updates := make(chan struct{}, 1)
	if q.transport != nil {
		unsubscribe, err := q.transport.Subscribe(TopicPrefix+taskID, func(ctx context.Context, msg *messaging.Message) (*messaging.Message, error) {
			select {
			case updates <- struct{}{}:
			default:
			}
			return nil, nil
		})
		if err != nil {
			return Task{}, fmt.Errorf("subscribe to task updates: %w", err)
		}
		defer unsubscribe()
	}

	poll := q.cfg.WaitPollInterval.Std()
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		task, err := q.Get(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		switch task.Status {
		case StatusCompleted:
			return task, nil
		case StatusCanceled:
			return task, fmt.Errorf("%w: %s", ErrTaskCanceled, taskID)
		case StatusFailed:
			return task, fmt.Errorf("%w: %s: %s", ErrRetryExceeded, taskID, task.Error)
		}

		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-updates:
		case <-ticker.C:
		}
	}
}

// List returns all tasks in the given statuses; no statuses means all tasks.
func (q *Queue) List(ctx context.Context, statuses ...Status) ([]Task, error) {
	wanted := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	records, err := q.kv.List(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	var tasks []Task
	for _, rec := range records {
		task, _, err := decodeTask(rec)
		if err != nil {
			continue
		}
		if len(wanted) > 0 && !wanted[task.Status] {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// dependsOn reports whether task lists depID among its dependencies.
func dependsOn(task Task, depID string) bool {
	for _, dep := range task.DependsOn {
		if dep.TaskID == depID {
			return true
		}
	}
	return false
}

// expireDeadline terminally fails a pending task whose deadline has passed.
func (q *Queue) expireDeadline(ctx context.Context, taskID string) {
	task, err := q.transition(ctx, taskID, func(t Task) (Task, error) {
		if t.Status != StatusPending {
			return t, nil
		}
		t.Status = StatusFailed
		t.Error = fmt.Sprintf("deadline %s exceeded", t.Deadline.Format(time.RFC3339))
		return t, nil
	})
	if err != nil {
		q.logger.WarnContext(ctx, "deadline expiry failed",
			slog.String("task_id", taskID), slog.String("error", err.Error()))
		return
	}
	if task.Status != StatusFailed {
		return
	}

	q.observer.OnEvent(ctx, observability.NewEvent(
		observability.EventTaskFailed,
		observability.LevelWarning,
		"taskqueue",
		map[string]any{"task_id": task.ID, "error": task.Error},
	))
	q.notify(ctx, task)
	q.reevaluateDependents(ctx, task.ID)
}

// reevaluateDependents re-examines blocked tasks after a dependency changed
// status: dependents whose dependencies all reached their required statuses
// become pending, dependents of a dependency parked in the wrong terminal
// status fail.
func (q *Queue) reevaluateDependents(ctx context.Context, depID string) {
	blocked, err := q.List(ctx, StatusBlocked)
	if err != nil {
		q.logger.WarnContext(ctx, "dependent re-evaluation failed",
			slog.String("dependency", depID), slog.String("error", err.Error()))
		return
	}

	for _, task := range blocked {
		if !dependsOn(task, depID) {
			continue
		}

		updated, err := q.transition(ctx, task.ID, func(t Task) (Task, error) {
			if t.Status != StatusBlocked {
				return t, nil
			}
			satisfied := true
			for _, dep := range t.DependsOn {
				depTask, err := q.Get(ctx, dep.TaskID)
				if err != nil {
					return Task{}, err
				}
				required := dep.required()
				switch {
				case depTask.Status == required:
				case depTask.Status.Terminal():
					t.Status = StatusFailed
					t.Error = fmt.Sprintf("dependency %s is %s, required %s", dep.TaskID, depTask.Status, required)
					return t, nil
				default:
					satisfied = false
				}
			}
			if satisfied {
				t.Status = StatusPending
			}
			return t, nil
		})
		if err != nil {
			q.logger.WarnContext(ctx, "dependent transition failed",
				slog.String("task_id", task.ID), slog.String("error", err.Error()))
			continue
		}

		switch updated.Status {
		case StatusPending:
			q.observer.OnEvent(ctx, observability.NewEvent(
				observability.EventTaskUnblocked,
				observability.LevelInfo,
				"taskqueue",
				map[string]any{"task_id": updated.ID, "dependency": depID},
			))
			q.notify(ctx, updated)
		case StatusFailed:
			q.observer.OnEvent(ctx, observability.NewEvent(
				observability.EventTaskFailed,
				observability.LevelWarning,
				"taskqueue",
				map[string]any{"task_id": updated.ID, "error": updated.Error},
			))
			q.notify(ctx, updated)
			q.reevaluateDependents(ctx, updated.ID)
		}
	}
}

// transition applies fn to the task under check-and-set, retrying on
// conflict with a fresh read.
func (q *Queue) transition(ctx context.Context, taskID string, fn func(Task) (Task, error)) (Task, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := q.kv.Get(ctx, KeyPrefix+taskID)
		if errors.Is(err, store.ErrNotFound) {
			return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if err != nil {
			return Task{}, err
		}

		task, version, err := decodeTask(rec)
		if err != nil {
			return Task{}, err
		}

		updated, err := fn(task)
		if err != nil {
			return Task{}, err
		}
		if updated.Status == task.Status && updated.RetryCount == task.RetryCount {
			return updated, nil
		}
		updated.UpdatedAt = time.Now()

		err = q.put(ctx, updated, version)
		if errors.Is(err, store.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return Task{}, err
		}
		return updated, nil
	}
	return Task{}, fmt.Errorf("transition of %s did not settle after %d attempts", taskID, casAttempts)
}

func (q *Queue) create(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	_, err = q.kv.Put(ctx, store.Record{
		Key:       KeyPrefix + task.ID,
		Value:     data,
		UpdatedBy: task.CreatedBy,
	}, 0)
	return err
}

func (q *Queue) put(ctx context.Context, task Task, version int64) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	_, err = q.kv.Put(ctx, store.Record{
		Key:       KeyPrefix + task.ID,
		Value:     data,
		UpdatedBy: task.AssignedTo,
	}, version)
	return err
}

// notify publishes the transition on the per-task topic and the firehose.
func (q *Queue) notify(ctx context.Context, task Task) {
	if q.transport == nil {
		return
	}

	sender := messaging.Participant{ID: "taskqueue", Role: "task-queue"}
	for _, topic := range []string{TopicPrefix + task.ID, UpdateTopic} {
		msg := messaging.NewNotification(sender, topic, task).Build()
		if err := q.transport.Publish(ctx, topic, msg); err != nil {
			q.logger.WarnContext(ctx, "task notification failed",
				slog.String("task_id", task.ID),
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
		}
	}
}

func decodeTask(rec store.Record) (Task, int64, error) {
	var task Task
	if err := json.Unmarshal(rec.Value, &task); err != nil {
		return Task{}, 0, fmt.Errorf("decode task %s: %w", rec.Key, err)
	}
	return task, rec.Version, nil
}
