package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"operator-backend/cmd"
	"operator-backend/internal/cms"
	"operator-backend/internal/compute"
	"operator-backend/internal/database"
	"operator-backend/internal/messaging"
	"operator-backend/internal/operators"
	"operator-backend/internal/workflow"
	"operator-backend/pkg/models"
)

type WorkerConfig struct {
	DatabaseURL     string        `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL     string        `env:"RABBITMQ_URL,notEmpty,required"`
	ComputeEndpoint string        `env:"COMPUTE_ENDPOINT"`
	PublicURL       string        `env:"PUBLIC_URL,notEmpty,required"`
	CMSEndpoint     string        `env:"CMS_ENDPOINT,notEmpty,required"`
	CMSProjectId    string        `env:"CMS_PROJECT_ID"`
	CMSModelPrefix  string        `env:"CMS_MODEL_PREFIX" envDefault:"operator"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"1m"`
	Concurrency     int           `env:"CONCURRENCY" envDefault:"1"`
}

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to start RabbitMQ consumer: %v", err)
	}
	defer receiver.Close()

	computeClient := compute.NewClient(cfg.ComputeEndpoint, cfg.PublicURL, cfg.HTTPTimeout)
	cmsClient := cms.NewClient(cfg.CMSEndpoint, cfg.CMSProjectId, cfg.CMSModelPrefix, cfg.HTTPTimeout)

	service := operators.NewService(db, computeClient)
	materializer := operators.NewMaterializer(db, cmsClient)
	reconciler := operators.NewReconciler(db, computeClient, materializer, publisher)
	orchestrator := workflow.NewOrchestrator(db, service)
	poller := operators.NewPoller(db, publisher, cfg.PollInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := messaging.NewWorker(receiver)
	worker.Handle(messaging.ReconcileQueue, func(ctx context.Context, payload []byte) error {
		var task models.ReconcileTaskPayload
		if err := json.Unmarshal(payload, &task); err != nil {
			return err
		}
		_, _, err := reconciler.ReconcileTicket(ctx, task.TicketId)
		if errors.Is(err, database.ErrJobNotFound) {
			slog.Warn("reconcile task for unknown ticket", "ticket_id", task.TicketId)
			return nil
		}
		return err
	})
	worker.Handle(messaging.WorkflowQueue, func(ctx context.Context, payload []byte) error {
		var task models.WorkflowAdvanceTaskPayload
		if err := json.Unmarshal(payload, &task); err != nil {
			return err
		}
		return orchestrator.Advance(ctx, task.OperatorType, task.OperatorId)
	})

	worker.Start(ctx, cfg.Concurrency)

	go poller.Run(ctx)

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")

	// Wait for termination signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, waiting for workers to finish...")

	cancel()
	worker.Wait()

	log.Println("Worker process stopped.")
}
