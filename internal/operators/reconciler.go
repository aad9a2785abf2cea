package operators

import (
	"context"
	"errors"
	"log/slog"

	"gorm.io/gorm"

	"operator-backend/internal/compute"
	"operator-backend/internal/database"
	"operator-backend/pkg/models"
)

// TaskPublisher is the slice of the message queue the reconciler and poller
// need.
type TaskPublisher interface {
	PublishReconcileTask(ctx context.Context, payload models.ReconcileTaskPayload) error
	PublishWorkflowAdvanceTask(ctx context.Context, payload models.WorkflowAdvanceTaskPayload) error
}

// Reconciler folds backend ticket state into job records. Both delivery
// paths, callbacks pushed by the backend and the periodic poll sweep, end in
// Apply, whose guarded status transition makes duplicate deliveries
// harmless.
type Reconciler struct {
	db           *gorm.DB
	compute      *compute.Client
	materializer *Materializer
	publisher    TaskPublisher
}

func NewReconciler(db *gorm.DB, computeClient *compute.Client, materializer *Materializer, publisher TaskPublisher) *Reconciler {
	return &Reconciler{db: db, compute: computeClient, materializer: materializer, publisher: publisher}
}

// ReconcileTicket pulls the ticket's current state from the backend and
// applies it. A status query the backend answers with a definitive rejection
// marks the job failed; transport errors and unavailability are returned
// without touching the job, so the next sweep retries the same ticket.
func (r *Reconciler) ReconcileTicket(ctx context.Context, ticketId string) (string, []compute.FileError, error) {
	record, err := database.FindJobByTicket(ctx, r.db, ticketId)
	if err != nil {
		return "", nil, err
	}

	ticket, err := r.compute.TicketStatus(ctx, ticketId)
	if err != nil {
		if !definitiveQueryFailure(err) {
			return "", nil, err
		}
		failures := []compute.FileError{{Message: err.Error()}}
		if _, applyErr := r.Apply(ctx, record, database.JobFailed, failures); applyErr != nil {
			return "", nil, applyErr
		}
		return database.JobFailed, failures, nil
	}

	status, failures := ticket.Canonical()
	if _, err := r.Apply(ctx, record, status, failures); err != nil {
		return "", nil, err
	}
	return status, failures, nil
}

// definitiveQueryFailure reports whether a ticket status query error is the
// backend's answer about the ticket rather than a delivery problem. Only the
// former may settle the job; transitions are monotonic, so failing a job on a
// transient error would make a later completion unreachable.
func definitiveQueryFailure(err error) bool {
	if errors.Is(err, compute.ErrNotFound) {
		return true
	}
	var backendErr *compute.BackendError
	if errors.As(err, &backendErr) {
		return backendErr.StatusCode >= 400 && backendErr.StatusCode < 500
	}
	return false
}

// Apply moves the job to the observed status and reports whether this call
// won the transition. Only the winner of the guarded transition into DONE
// materializes the destination content; both terminal statuses enqueue a
// workflow advance so the owning run can proceed or halt.
func (r *Reconciler) Apply(ctx context.Context, record database.JobRecord, status string, failures []compute.FileError) (bool, error) {
	switch status {
	case database.JobInProgress, database.JobDone, database.JobFailed:
	default:
		return false, nil
	}

	applied, err := database.TransitionJobStatus(ctx, r.db, record.Operator(), record.JobId(), status)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	switch status {
	case database.JobDone:
		if _, err := r.materializer.Materialize(ctx, record); err != nil {
			// The job stays DONE without a destination; a workflow run
			// containing it halts when the advance below finds no model id.
			slog.Error("destination materialization failed", "operator", record.Operator(), "job_id", record.JobId(), "error", err)
		}
	case database.JobFailed:
		for _, failure := range failures {
			slog.Warn("job failed", "operator", record.Operator(), "job_id", record.JobId(), "file_id", failure.FileId, "message", failure.Message)
		}
	}

	if status == database.JobDone || status == database.JobFailed {
		payload := models.WorkflowAdvanceTaskPayload{OperatorType: record.Operator(), OperatorId: record.JobId()}
		if err := r.publisher.PublishWorkflowAdvanceTask(ctx, payload); err != nil {
			slog.Error("error publishing workflow advance task", "operator", record.Operator(), "job_id", record.JobId(), "error", err)
		}
	}
	return true, nil
}
