// Package coordinate builds the fabric's collaboration patterns on top of
// the transport, registry, and state store: a central orchestrator driving
// multi-stage workflows, direct peer-to-peer exchange, and a
// chain-of-responsibility pipeline.
package coordinate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tailored-agentic-units/fabric/messaging"
	"github.com/tailored-agentic-units/fabric/observability"
	"github.com/tailored-agentic-units/fabric/registry"
	"github.com/tailored-agentic-units/fabric/retry"
	"github.com/tailored-agentic-units/fabric/state"
	"github.com/tailored-agentic-units/fabric/transport"
)

// WorkflowKeyPrefix namespaces persisted workflows in the state store.
const WorkflowKeyPrefix = "workflow."

// WorkflowStatus is a workflow's lifecycle state.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// StageTask is one unit of work inside a stage, dispatched to the
// least-loaded live agent matching Capability and Type.
type StageTask struct {
	Capability string        `json:"capability"`
	Type       string        `json:"type,omitempty"`
	Payload    any           `json:"payload,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// Stage is a named group of tasks that run in parallel. Stages run in
// order; a stage starts only after the previous one completed.
type Stage struct {
	Name  string      `json:"name"`
	Tasks []StageTask `json:"tasks"`
}

// WorkflowDef describes a workflow to run. OnFailure, when set, runs after
// the workflow is marked failed; it is the place to undo the side effects of
// completed stages.
type WorkflowDef struct {
	Name      string
	Stages    []Stage
	OnFailure func(ctx context.Context, wf Workflow, cause error)
}

// Workflow is the persisted execution record, stored under
// "workflow.<id>" so any agent can observe progress.
type Workflow struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Status WorkflowStatus `json:"status"`

	// CurrentStage is the index of the running stage, or of the stage that
	// failed.
	CurrentStage int `json:"current_stage"`

	// Results holds each completed stage's task results, ordered as the
	// stage's tasks, keyed by stage name.
	Results map[string][]any `json:"results,omitempty"`
	Error   string           `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Orchestrator drives workflows: it selects an agent per task, sends the
// request, gathers replies, and persists progress after every transition.
type Orchestrator struct {
	transport transport.Transport
	registry  *registry.Registry
	state     *state.Store
	policy    retry.Policy
	identity  messaging.Participant

	stageTimeout time.Duration
	logger       *slog.Logger
	observer     observability.Observer
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithStageTimeout sets the default per-task reply timeout.
func WithStageTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.stageTimeout = d
	}
}

// WithRetryPolicy bounds retries of agent selection and dispatch when no
// agent is momentarily available.
func WithRetryPolicy(policy retry.Policy) OrchestratorOption {
	return func(o *Orchestrator) {
		o.policy = policy
	}
}

// WithOrchestratorLogger overrides the default logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithOrchestratorObserver overrides the no-op observer.
func WithOrchestratorObserver(observer observability.Observer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.observer = observability.OrNoOp(observer)
	}
}

// NewOrchestrator creates an orchestrator named id.
func NewOrchestrator(id string, tr transport.Transport, reg *registry.Registry, st *state.Store, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		transport:    tr,
		registry:     reg,
		state:        st,
		policy:       retry.Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.2},
		identity:     messaging.Participant{ID: id, Role: "orchestrator"},
		stageTimeout: 30 * time.Second,
		logger:       slog.Default(),
		observer:     observability.NoOpObserver{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes def stage by stage and returns the final workflow record. A
// failing task fails its stage and the whole workflow; later stages never
// start. The failed workflow record, with CurrentStage pointing at the
// culprit, is persisted before OnFailure runs and before Run returns.
func (o *Orchestrator) Run(ctx context.Context, def WorkflowDef) (Workflow, error) {
	wf := Workflow{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Name:         def.Name,
		Status:       WorkflowRunning,
		CurrentStage: 0,
		Results:      make(map[string][]any, len(def.Stages)),
		StartedAt:    time.Now(),
	}
	if err := o.persist(ctx, wf); err != nil {
		return Workflow{}, err
	}

	o.observer.OnEvent(ctx, observability.NewEvent(
		observability.EventWorkflowStart,
		observability.LevelInfo,
		"coordinate",
		map[string]any{"workflow_id": wf.ID, "name": wf.Name, "stages": len(def.Stages)},
	))
	o.logger.InfoContext(ctx, "workflow started",
		slog.String("workflow_id", wf.ID),
		slog.String("name", wf.Name),
		slog.Int("stages", len(def.Stages)),
	)

	for i, stage := range def.Stages {
		wf.CurrentStage = i
		if err := o.persist(ctx, wf); err != nil {
			return o.fail(ctx, def, wf, err)
		}

		o.observer.OnEvent(ctx, observability.NewEvent(
			observability.EventStageStart,
			observability.LevelInfo,
			"coordinate",
			map[string]any{"workflow_id": wf.ID, "stage": stage.Name, "tasks": len(stage.Tasks)},
		))

		results, err := o.runStage(ctx, wf.ID, stage)
		if err != nil {
			return o.fail(ctx, def, wf, fmt.Errorf("stage %s: %w", stage.Name, err))
		}
		wf.Results[stage.Name] = results

		o.observer.OnEvent(ctx, observability.NewEvent(
			observability.EventStageComplete,
			observability.LevelInfo,
			"coordinate",
			map[string]any{"workflow_id": wf.ID, "stage": stage.Name},
		))
	}

	wf.Status = WorkflowCompleted
	wf.FinishedAt = time.Now()
	if err := o.persist(ctx, wf); err != nil {
		return Workflow{}, err
	}

	o.observer.OnEvent(ctx, observability.NewEvent(
		observability.EventWorkflowComplete,
		observability.LevelInfo,
		"coordinate",
		map[string]any{"workflow_id": wf.ID, "name": wf.Name},
	))
	return wf, nil
}

// Get loads a persisted workflow record.
func (o *Orchestrator) Get(ctx context.Context, workflowID string) (Workflow, error) {
	entry, err := o.state.Get(ctx, WorkflowKeyPrefix+workflowID)
	if err != nil {
		return Workflow{}, err
	}
	return decodeWorkflow(entry.Value)
}

// runStage dispatches every task in the stage concurrently and collects
// results in task order. The first task error cancels the rest.
func (o *Orchestrator) runStage(ctx context.Context, workflowID string, stage Stage) ([]any, error) {
	results := make([]any, len(stage.Tasks))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, task := range stage.Tasks {
		group.Go(func() error {
			result, err := o.dispatch(groupCtx, workflowID, stage.Name, task)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// dispatch selects an agent for the task and exchanges request for reply.
// Selection retries under the policy when no agent is momentarily live;
// a reply timeout or error reply fails immediately.
func (o *Orchestrator) dispatch(ctx context.Context, workflowID, stageName string, task StageTask) (any, error) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = o.stageTimeout
	}

	var result any
	err := o.policy.Do(ctx, func(ctx context.Context) error {
		agent, err := o.registry.Select(ctx, registry.Query{Capabilities: []string{task.Capability}, Type: task.Type})
		if err != nil {
			// Agents come and go; a later attempt may find one.
			return err
		}

		msg := messaging.NewRequest(o.identity, agent.ID, task.Payload).
			Header("workflow_id", workflowID).
			Header("stage", stageName).
			Build()

		reply, err := o.transport.SendWithReply(ctx, agent.ID, msg, timeout)
		if errors.Is(err, transport.ErrRecipientNotFound) {
			// Registered but gone from the transport; try another agent.
			return err
		}
		if err != nil {
			return retry.Permanent{Err: err}
		}
		if reply.IsError() {
			return retry.Permanent{Err: fmt.Errorf("agent %s: %v", agent.ID, reply.Payload)}
		}

		result = reply.Payload
		return nil
	})
	if errors.Is(err, retry.ErrBudgetExhausted) {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// fail persists the failed record, fires the compensation hook, and returns
// the stage error.
func (o *Orchestrator) fail(ctx context.Context, def WorkflowDef, wf Workflow, cause error) (Workflow, error) {
	wf.Status = WorkflowFailed
	wf.Error = cause.Error()
	wf.FinishedAt = time.Now()
	if err := o.persist(ctx, wf); err != nil {
		o.logger.ErrorContext(ctx, "failed workflow could not be persisted",
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()),
		)
	}

	o.observer.OnEvent(ctx, observability.NewEvent(
		observability.EventWorkflowFailed,
		observability.LevelError,
		"coordinate",
		map[string]any{"workflow_id": wf.ID, "stage_index": wf.CurrentStage, "error": wf.Error},
	))
	o.logger.ErrorContext(ctx, "workflow failed",
		slog.String("workflow_id", wf.ID),
		slog.Int("stage_index", wf.CurrentStage),
		slog.String("error", wf.Error),
	)

	if def.OnFailure != nil {
		def.OnFailure(ctx, wf, cause)
	}
	return wf, cause
}

func (o *Orchestrator) persist(ctx context.Context, wf Workflow) error {
	_, err := o.state.Set(ctx, WorkflowKeyPrefix+wf.ID, wf, state.By(o.identity.ID))
	if err != nil {
		return fmt.Errorf("persist workflow %s: %w", wf.ID, err)
	}
	return nil
}

// decodeWorkflow rebuilds a Workflow from the state store's generic decoded
// value.
func decodeWorkflow(value any) (Workflow, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return Workflow{}, fmt.Errorf("re-encode workflow entry: %w", err)
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return Workflow{}, fmt.Errorf("decode workflow entry: %w", err)
	}
	return wf, nil
}
