package messaging

import (
	"context"
	"time"

	"operator-backend/pkg/models"
)

const (
	ReconcileQueue  = "reconcile_queue"
	WorkflowQueue   = "workflow_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type Publisher interface {
	PublishReconcileTask(ctx context.Context, payload models.ReconcileTaskPayload) error

	PublishWorkflowAdvanceTask(ctx context.Context, payload models.WorkflowAdvanceTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
