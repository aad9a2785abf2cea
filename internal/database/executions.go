package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

var ErrExecutionNotFound = errors.New("workflow execution not found")

func CreateExecutions(ctx context.Context, db *gorm.DB, rows []WorkflowExecution) error {
	if err := db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("could not create workflow executions: %w", err)
	}
	return nil
}

func GetExecution(ctx context.Context, db *gorm.DB, id int64) (*WorkflowExecution, error) {
	var row WorkflowExecution
	if err := db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("could not load workflow execution %d: %w", id, err)
	}
	return &row, nil
}

// FindExecutionByOperator locates the execution row resolved to the given
// job, if the job was submitted as part of a workflow run.
func FindExecutionByOperator(ctx context.Context, db *gorm.DB, operatorType string, operatorId int64) (*WorkflowExecution, error) {
	var row WorkflowExecution
	err := db.WithContext(ctx).
		First(&row, "operator_type = ? AND operator_id = ?", operatorType, operatorId).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("could not search executions for %s job %d: %w", operatorType, operatorId, err)
	}
	return &row, nil
}

// NextExecution returns the lowest-numbered step of the run after the given
// step, or ErrExecutionNotFound when the run has no further steps.
func NextExecution(ctx context.Context, db *gorm.DB, executionUuid string, afterStep int) (*WorkflowExecution, error) {
	var row WorkflowExecution
	err := db.WithContext(ctx).
		Where("execution_uuid = ? AND step > ?", executionUuid, afterStep).
		Order("step asc").
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("could not load next step of run %s: %w", executionUuid, err)
	}
	return &row, nil
}

func UpdateExecutionStatus(ctx context.Context, db *gorm.DB, id int64, status string) error {
	err := db.WithContext(ctx).
		Model(&WorkflowExecution{Id: id}).
		Update("status", status).
		Error
	if err != nil {
		slog.Error("error updating execution status", "execution_id", id, "status", status, "error", err)
		return fmt.Errorf("could not update execution %d status: %w", id, err)
	}
	slog.Info("workflow execution status updated", "execution_id", id, "status", status)
	return nil
}

// ResolveExecution binds the execution row to the job that was submitted for
// its step.
func ResolveExecution(ctx context.Context, db *gorm.DB, id int64, operatorId int64) error {
	err := db.WithContext(ctx).
		Model(&WorkflowExecution{Id: id}).
		Update("operator_id", sql.NullInt64{Int64: operatorId, Valid: true}).
		Error
	if err != nil {
		slog.Error("error resolving execution", "execution_id", id, "operator_id", operatorId, "error", err)
		return fmt.Errorf("could not resolve execution %d: %w", id, err)
	}
	return nil
}

// CountExecutionSteps reports how many steps a run has.
func CountExecutionSteps(ctx context.Context, db *gorm.DB, executionUuid string) (int, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&WorkflowExecution{}).
		Where("execution_uuid = ?", executionUuid).
		Count(&count).
		Error
	if err != nil {
		return 0, fmt.Errorf("could not count steps of run %s: %w", executionUuid, err)
	}
	return int(count), nil
}

// ListExecutions returns execution rows, optionally filtered to the user who
// started the run.
func ListExecutions(ctx context.Context, db *gorm.DB, username string) ([]WorkflowExecution, error) {
	var rows []WorkflowExecution
	query := db.WithContext(ctx)
	if username != "" {
		query = query.Where("created_by = ?", username)
	}
	if err := query.Order("execution_uuid, step").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("could not list workflow executions: %w", err)
	}
	return rows, nil
}

// ListPendingExecutions returns execution rows whose step has not been
// submitted yet. These appear in the processing-status view as pending
// entries.
func ListPendingExecutions(ctx context.Context, db *gorm.DB, username string) ([]WorkflowExecution, error) {
	var rows []WorkflowExecution
	query := db.WithContext(ctx).Where("operator_id IS NULL")
	if username != "" {
		query = query.Where("created_by = ?", username)
	}
	if err := query.Order("execution_uuid, step").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("could not list pending executions: %w", err)
	}
	return rows, nil
}
