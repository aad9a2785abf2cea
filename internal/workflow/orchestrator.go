package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"operator-backend/internal/database"
)

// StepSubmitter submits one operator job from a stored step config and a run
// input. Satisfied by the operators submission service.
type StepSubmitter interface {
	SubmitFromConfig(ctx context.Context, operatorType string, input, config json.RawMessage, username string) (database.JobRecord, error)
}

// Orchestrator drives workflow runs. A run is one execution row per template
// step; submitting a step is a suspend point, the run resumes when the
// reconciler reports the step's job terminal and Advance is called.
type Orchestrator struct {
	db        *gorm.DB
	submitter StepSubmitter
}

func NewOrchestrator(db *gorm.DB, submitter StepSubmitter) *Orchestrator {
	return &Orchestrator{db: db, submitter: submitter}
}

// StartRun snapshots the workflow's steps into execution rows and submits
// step 1. The run is identified by the returned execution uuid. A failed
// first submission leaves the run halted but the uuid is still returned so
// the failure stays inspectable.
func (o *Orchestrator) StartRun(ctx context.Context, workflowId int64, input json.RawMessage, userId, username string) (string, error) {
	var workflow database.Workflow
	err := o.db.WithContext(ctx).
		Preload("Steps", func(query *gorm.DB) *gorm.DB { return query.Order("step asc") }).
		First(&workflow, "id = ?", workflowId).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrWorkflowNotFound
		}
		return "", fmt.Errorf("could not load workflow %d: %w", workflowId, err)
	}
	if len(workflow.Steps) == 0 {
		return "", ErrNoSteps
	}

	executionUuid := uuid.NewString()
	rows := make([]database.WorkflowExecution, len(workflow.Steps))
	for i, step := range workflow.Steps {
		rows[i] = database.WorkflowExecution{
			WorkflowStepId: step.Id,
			ExecutionUuid:  executionUuid,
			Step:           step.Step,
			OperatorType:   step.OperatorType,
			ConfigJson:     step.ConfigJson,
			Status:         database.JobCreated,
			UserId:         userId,
			CreatedBy:      username,
		}
	}
	if err := database.CreateExecutions(ctx, o.db, rows); err != nil {
		return "", err
	}

	slog.Info("workflow run started", "workflow_id", workflowId, "execution_uuid", executionUuid, "steps", len(rows))

	if err := o.runStep(ctx, &rows[0], input); err != nil {
		return executionUuid, err
	}
	return executionUuid, nil
}

func (o *Orchestrator) runStep(ctx context.Context, execution *database.WorkflowExecution, input json.RawMessage) error {
	if execution.OperatorId.Valid {
		slog.Info("workflow step already submitted", "execution_uuid", execution.ExecutionUuid, "step", execution.Step)
		return nil
	}

	if err := database.UpdateExecutionStatus(ctx, o.db, execution.Id, database.JobInProgress); err != nil {
		return err
	}

	record, err := o.submitter.SubmitFromConfig(ctx, execution.OperatorType, input, json.RawMessage(execution.ConfigJson), execution.CreatedBy)
	if err != nil {
		slog.Error("workflow step submission failed", "execution_uuid", execution.ExecutionUuid, "step", execution.Step, "operator", execution.OperatorType, "error", err)
		if statusErr := database.UpdateExecutionStatus(ctx, o.db, execution.Id, database.JobFailed); statusErr != nil {
			return statusErr
		}
		return err
	}

	if err := database.ResolveExecution(ctx, o.db, execution.Id, record.JobId()); err != nil {
		return err
	}

	slog.Info("workflow step submitted", "execution_uuid", execution.ExecutionUuid, "step", execution.Step, "operator", execution.OperatorType, "job_id", record.JobId())
	return nil
}

// Advance reacts to a job reaching a terminal status. If the job belongs to a
// run, its row is settled; on success the next step is submitted with the
// job's destination model id as input, on failure the run halts where it is.
// Jobs submitted outside any workflow are ignored.
func (o *Orchestrator) Advance(ctx context.Context, operatorType string, operatorId int64) error {
	execution, err := database.FindExecutionByOperator(ctx, o.db, operatorType, operatorId)
	if err != nil {
		if errors.Is(err, database.ErrExecutionNotFound) {
			return nil
		}
		return err
	}
	if execution.Status == database.JobDone || execution.Status == database.JobFailed {
		return nil
	}

	record, err := database.GetJob(ctx, o.db, operatorType, operatorId)
	if err != nil {
		return err
	}

	modelId, _ := record.Destination()
	if record.JobStatus() != database.JobDone || modelId == "" {
		slog.Warn("workflow run halted", "execution_uuid", execution.ExecutionUuid, "step", execution.Step, "operator", operatorType, "job_id", operatorId, "job_status", record.JobStatus())
		return database.UpdateExecutionStatus(ctx, o.db, execution.Id, database.JobFailed)
	}

	if err := database.UpdateExecutionStatus(ctx, o.db, execution.Id, database.JobDone); err != nil {
		return err
	}

	next, err := database.NextExecution(ctx, o.db, execution.ExecutionUuid, execution.Step)
	if err != nil {
		if errors.Is(err, database.ErrExecutionNotFound) {
			slog.Info("workflow run completed", "execution_uuid", execution.ExecutionUuid, "steps", execution.Step)
			return nil
		}
		return err
	}

	input, err := json.Marshal(modelId)
	if err != nil {
		return fmt.Errorf("could not marshal step input: %w", err)
	}
	return o.runStep(ctx, next, input)
}
