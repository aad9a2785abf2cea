package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"operator-backend/cmd"
	"operator-backend/internal/api"
	"operator-backend/internal/cms"
	"operator-backend/internal/compute"
	"operator-backend/internal/database"
	"operator-backend/internal/messaging"
	"operator-backend/internal/operators"
	"operator-backend/internal/status"
	"operator-backend/internal/workflow"
)

type APIConfig struct {
	DatabaseURL     string        `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL     string        `env:"RABBITMQ_URL,notEmpty,required"`
	ComputeEndpoint string        `env:"COMPUTE_ENDPOINT"`
	PublicURL       string        `env:"PUBLIC_URL,notEmpty,required"`
	CMSEndpoint     string        `env:"CMS_ENDPOINT,notEmpty,required"`
	CMSProjectId    string        `env:"CMS_PROJECT_ID"`
	CMSModelPrefix  string        `env:"CMS_MODEL_PREFIX" envDefault:"operator"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	APIPort         string        `env:"API_PORT" envDefault:"8001"`
}

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	var cfg APIConfig
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

	computeClient := compute.NewClient(cfg.ComputeEndpoint, cfg.PublicURL, cfg.HTTPTimeout)
	cmsClient := cms.NewClient(cfg.CMSEndpoint, cfg.CMSProjectId, cfg.CMSModelPrefix, cfg.HTTPTimeout)

	service := operators.NewService(db, computeClient)
	materializer := operators.NewMaterializer(db, cmsClient)
	reconciler := operators.NewReconciler(db, computeClient, materializer, publisher)
	composer := workflow.NewComposer(db)
	orchestrator := workflow.NewOrchestrator(db, service)
	aggregator := status.NewAggregator(db)

	// --- Chi Router Setup ---
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)                    // Log requests
	r.Use(middleware.Recoverer)                 // Recover from panics
	r.Use(middleware.Timeout(60 * time.Second)) // Set request timeout
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	apiHandler := api.NewBackendService(db, service, reconciler, composer, orchestrator, aggregator, cmsClient)

	apiHandler.AddRoutes(r)

	// --- Start HTTP Server ---
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("API server listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	log.Println("Server stopped.")
}
