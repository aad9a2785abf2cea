package operators

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"operator-backend/internal/database"
	"operator-backend/pkg/models"
)

// Poller periodically enqueues a reconcile task for every job whose ticket
// has not reached a terminal status. This is the pull half of status
// reconciliation; it catches tickets whose callbacks were lost.
type Poller struct {
	db        *gorm.DB
	publisher TaskPublisher
	interval  time.Duration
}

func NewPoller(db *gorm.DB, publisher TaskPublisher, interval time.Duration) *Poller {
	return &Poller{db: db, publisher: publisher, interval: interval}
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping ticket poller")
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

func (p *Poller) Sweep(ctx context.Context) {
	records, err := database.ListActiveTickets(ctx, p.db)
	if err != nil {
		slog.Error("error listing active tickets for poll sweep", "error", err)
		return
	}

	for _, record := range records {
		payload := models.ReconcileTaskPayload{TicketId: record.Ticket()}
		if err := p.publisher.PublishReconcileTask(ctx, payload); err != nil {
			slog.Error("error publishing reconcile task", "ticket_id", record.Ticket(), "error", err)
		}
	}

	if len(records) > 0 {
		slog.Info("ticket poll sweep enqueued", "count", len(records))
	}
}
