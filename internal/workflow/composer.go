package workflow

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"operator-backend/internal/database"
)

var (
	ErrWorkflowNotFound      = errors.New("workflow not found")
	ErrStepNotFound          = errors.New("workflow step not found")
	ErrNoSteps               = errors.New("a workflow needs at least one step")
	ErrEmptyName             = errors.New("workflow name must not be empty")
	ErrDataStructureNotFirst = errors.New("a data-structure step is only allowed as the first step of a workflow")
)

type StepInput struct {
	OperatorType string
	Config       datatypes.JSON
}

// Composer manages workflow templates: ordered operator steps with stored
// configs, numbered contiguously from 1.
type Composer struct {
	db *gorm.DB
}

func NewComposer(db *gorm.DB) *Composer {
	return &Composer{db: db}
}

func validateSteps(steps []StepInput) error {
	if len(steps) == 0 {
		return ErrNoSteps
	}
	for i, step := range steps {
		if _, err := operatorKnown(step.OperatorType); err != nil {
			return err
		}
		if step.OperatorType == database.OpDataStructure && i != 0 {
			return ErrDataStructureNotFirst
		}
	}
	return nil
}

func operatorKnown(operator string) (string, error) {
	for _, known := range database.OperatorTypes {
		if known == operator {
			return operator, nil
		}
	}
	return "", fmt.Errorf("%w: %s", database.ErrUnknownOperator, operator)
}

func (c *Composer) CreateWorkflow(ctx context.Context, name string, steps []StepInput) (*database.Workflow, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if err := validateSteps(steps); err != nil {
		return nil, err
	}

	workflow := database.Workflow{Name: name}
	for i, step := range steps {
		workflow.Steps = append(workflow.Steps, database.WorkflowStep{
			Step:         i + 1,
			OperatorType: step.OperatorType,
			ConfigJson:   step.Config,
		})
	}

	if err := c.db.WithContext(ctx).Create(&workflow).Error; err != nil {
		return nil, fmt.Errorf("could not create workflow: %w", err)
	}
	return &workflow, nil
}

func (c *Composer) GetWorkflow(ctx context.Context, id int64) (*database.Workflow, error) {
	var workflow database.Workflow
	err := c.db.WithContext(ctx).
		Preload("Steps", func(query *gorm.DB) *gorm.DB { return query.Order("step asc") }).
		First(&workflow, "id = ?", id).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("could not load workflow %d: %w", id, err)
	}
	return &workflow, nil
}

func (c *Composer) ListWorkflows(ctx context.Context) ([]database.Workflow, error) {
	var workflows []database.Workflow
	err := c.db.WithContext(ctx).
		Preload("Steps", func(query *gorm.DB) *gorm.DB { return query.Order("step asc") }).
		Order("id asc").
		Find(&workflows).
		Error
	if err != nil {
		return nil, fmt.Errorf("could not list workflows: %w", err)
	}
	return workflows, nil
}

func (c *Composer) DeleteWorkflow(ctx context.Context, id int64) error {
	return c.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Where("workflow_id = ?", id).Delete(&database.WorkflowStep{}).Error; err != nil {
			return fmt.Errorf("could not delete workflow steps: %w", err)
		}
		result := txn.Delete(&database.Workflow{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("could not delete workflow %d: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrWorkflowNotFound
		}
		return nil
	})
}

// AppendStep adds a step at the end of the workflow. A dataStructure step can
// only become step 1, so it is rejected once the workflow has any steps.
func (c *Composer) AppendStep(ctx context.Context, workflowId int64, step StepInput) (*database.Workflow, error) {
	if _, err := operatorKnown(step.OperatorType); err != nil {
		return nil, err
	}

	workflow, err := c.GetWorkflow(ctx, workflowId)
	if err != nil {
		return nil, err
	}

	if step.OperatorType == database.OpDataStructure && len(workflow.Steps) > 0 {
		return nil, ErrDataStructureNotFirst
	}

	row := database.WorkflowStep{
		WorkflowId:   workflowId,
		Step:         len(workflow.Steps) + 1,
		OperatorType: step.OperatorType,
		ConfigJson:   step.Config,
	}
	if err := c.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("could not append workflow step: %w", err)
	}

	return c.GetWorkflow(ctx, workflowId)
}

// RemoveStep deletes the given step and renumbers the steps after it so the
// sequence stays contiguous. Removing step 1 of a workflow that starts with
// dataStructure is fine, the remaining steps just consume prepared content.
func (c *Composer) RemoveStep(ctx context.Context, workflowId int64, step int) (*database.Workflow, error) {
	err := c.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		result := txn.Where("workflow_id = ? AND step = ?", workflowId, step).Delete(&database.WorkflowStep{})
		if result.Error != nil {
			return fmt.Errorf("could not delete workflow step: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrStepNotFound
		}

		return txn.Model(&database.WorkflowStep{}).
			Where("workflow_id = ? AND step > ?", workflowId, step).
			Update("step", gorm.Expr("step - 1")).
			Error
	})
	if err != nil {
		return nil, err
	}

	return c.GetWorkflow(ctx, workflowId)
}

// ImportSteps creates a new workflow with the same steps as an existing one.
func (c *Composer) ImportSteps(ctx context.Context, name string, sourceId int64) (*database.Workflow, error) {
	source, err := c.GetWorkflow(ctx, sourceId)
	if err != nil {
		return nil, err
	}

	steps := make([]StepInput, len(source.Steps))
	for i, step := range source.Steps {
		steps[i] = StepInput{OperatorType: step.OperatorType, Config: step.ConfigJson}
	}
	return c.CreateWorkflow(ctx, name, steps)
}
