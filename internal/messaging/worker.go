package messaging

import (
	"context"
	"log/slog"
	"sync"
)

// TaskHandler processes the payload of one task. A returned error rejects
// the task.
type TaskHandler func(ctx context.Context, payload []byte) error

// Worker consumes tasks from a receiver and dispatches them to the handler
// registered for the task's queue.
type Worker struct {
	receiver Reciever
	handlers map[string]TaskHandler
	wg       sync.WaitGroup
}

func NewWorker(receiver Reciever) *Worker {
	return &Worker{
		receiver: receiver,
		handlers: map[string]TaskHandler{},
	}
}

func (w *Worker) Handle(queue string, handler TaskHandler) {
	w.handlers[queue] = handler
}

func (w *Worker) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.consume(ctx)
		}()
	}
}

func (w *Worker) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-w.receiver.Tasks():
			if !ok {
				return
			}
			w.processTask(ctx, task)
		}
	}
}

func (w *Worker) processTask(ctx context.Context, task Task) {
	handler, ok := w.handlers[task.Type()]
	if !ok {
		slog.Error("no handler registered for task", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting task", "queue", task.Type(), "error", err)
		}
		return
	}

	if err := handler(ctx, task.Payload()); err != nil {
		slog.Error("task handler failed", "queue", task.Type(), "error", err)
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting task", "queue", task.Type(), "error", err)
		}
		return
	}

	if err := task.Ack(); err != nil {
		slog.Error("error acking task", "queue", task.Type(), "error", err)
	}
}

// Wait blocks until all consumer goroutines have exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}
