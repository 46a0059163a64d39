package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hivegrid/scheduler/internal/config"
	"github.com/hivegrid/scheduler/internal/handler"
	"github.com/hivegrid/scheduler/internal/model"
	"github.com/hivegrid/scheduler/internal/scheduler"
)

// EchoHandler is a trivial local handler useful for smoke testing a
// fresh deployment
type EchoHandler struct {
	logger *zap.Logger
}

func (h *EchoHandler) Execute(ctx context.Context, job *model.Job) (*model.JobResult, error) {
	h.logger.Info("Echoing job",
		zap.String("job_id", job.ID),
		zap.String("task_type", job.Type))

	return &model.JobResult{
		Status: model.JobStatusCompleted,
		Result: job.Payload,
	}, nil
}

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	sched, err := scheduler.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create scheduler", zap.Error(err))
	}

	sched.RegisterHandler("echo", &EchoHandler{logger: logger})
	sched.RegisterHandler("http_request", handler.NewHTTPRequestHandler(logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Periodic stats log
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := sched.Stats()
				logger.Info("Scheduler stats",
					zap.Int("queued", stats.QueuedJobs),
					zap.Int("active", stats.ActiveJobs),
					zap.Int("local_active", stats.LocalActive),
					zap.Int("workers_total", stats.TotalWorkers),
					zap.Int("workers_healthy", stats.HealthyWorkers),
					zap.Int("load_score", sched.LoadScore()))
			}
		}
	}()

	<-ctx.Done()

	sched.Shutdown()
	logger.Info("Server stopped")
}
