package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/stackwatch/dbsentry/pkg/alerts"
	"github.com/stackwatch/dbsentry/pkg/api"
	"github.com/stackwatch/dbsentry/pkg/config"
	_ "github.com/stackwatch/dbsentry/pkg/dump/mysql"
	_ "github.com/stackwatch/dbsentry/pkg/dump/postgres"
	_ "github.com/stackwatch/dbsentry/pkg/dump/sqlserver"
	"github.com/stackwatch/dbsentry/pkg/events"
	"github.com/stackwatch/dbsentry/pkg/metrics"
	"github.com/stackwatch/dbsentry/pkg/queue"
	"github.com/stackwatch/dbsentry/pkg/retention"
	"github.com/stackwatch/dbsentry/pkg/scheduler"
	"github.com/stackwatch/dbsentry/pkg/storage"
	"github.com/stackwatch/dbsentry/pkg/store"
	"github.com/stackwatch/dbsentry/pkg/worker"
)

func main() {
	log.Println("Starting dbsentry...")

	// Load and validate configuration
	config.LoadConfiguration()
	if err := config.ValidateConfig(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	if config.CFG.Debug {
		log.Println("Configuration loaded and validated successfully")
		log.Printf("Store: %s@%s:%d/%s", config.CFG.Store.Username,
			config.CFG.Store.Host, config.CFG.Store.Port, config.CFG.Store.Database)
		log.Printf("S3 secret key: %s", config.MaskSensitive(config.CFG.S3.SecretKey))
	}

	// Configuration store
	db, err := store.Connect(config.CFG.Store, config.CFG.Debug)
	if err != nil {
		log.Fatalf("Failed to connect to configuration store: %v", err)
	}
	defer store.Close(db)

	policyRepo := store.NewPolicyRepository(db)
	databaseRepo := store.NewDatabaseRepository(db)
	scheduleRepo := store.NewScheduleRepository(db)
	resultRepo := store.NewResultRepository(db)
	leaseRepo := store.NewLeaseRepository(db)

	if err := policyRepo.EnsureSystemPolicy(); err != nil {
		log.Fatalf("Failed to ensure system policy: %v", err)
	}
	if err := databaseRepo.SyncEngines(config.CFG.Engines); err != nil {
		log.Fatalf("Failed to sync engine definitions: %v", err)
	}

	// Object store
	objects, err := storage.NewFromConfig(&config.CFG)
	if err != nil {
		log.Fatalf("Failed to initialize object store: %v", err)
	}
	log.Printf("Object store: %s", objects.Name())

	// Queue
	wmLogger := watermill.NewStdLogger(config.CFG.Debug, config.CFG.Debug)
	broker, err := queue.NewBroker(config.CFG.Queue, wmLogger)
	if err != nil {
		log.Fatalf("Failed to initialize queue broker: %v", err)
	}
	defer broker.Close()
	log.Printf("Queue driver: %s", broker.Driver())

	jobPublisher := queue.NewJobPublisher(broker.Publisher, config.CFG.Queue.JobsTopic)
	eventSink := events.NewSink(broker.Publisher, config.CFG.Queue.EventsTopic)

	// Supporting components
	tracker := alerts.NewTracker(db, config.CFG.Alerts.Threshold)
	enforcer := retention.NewEnforcer(resultRepo, policyRepo, databaseRepo, leaseRepo,
		objects, config.CFG.LeaseTTL())

	// Worker pool
	processor := worker.NewProcessor(
		broker.Subscriber, jobPublisher,
		resultRepo, databaseRepo, leaseRepo,
		tracker, enforcer, objects, eventSink,
		worker.Config{
			Topic:               config.CFG.Queue.JobsTopic,
			Concurrency:         config.CFG.Worker.Concurrency,
			DumpTimeout:         config.CFG.DumpTimeout(),
			LeaseTTL:            config.CFG.LeaseTTL(),
			MaxDeliveryAttempts: config.CFG.Worker.MaxDeliveryAttempts,
			StoragePrefix:       config.CFG.S3.Prefix,
		},
	)

	if err := processor.RecoverOrphans(); err != nil {
		log.Printf("Warning: orphan recovery failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := processor.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("Worker pool exited: %v", err)
		}
	}()

	// Scheduler
	sched := scheduler.NewScheduler(
		databaseRepo, policyRepo, scheduleRepo, leaseRepo,
		jobPublisher, enforcer,
		config.CFG.SchedulerTick(), config.CFG.LeaderLeaseTTL(),
	)

	if config.CFG.Scheduler.Enabled {
		if err := sched.SetupJobs(); err != nil {
			log.Fatalf("Failed to setup scheduled jobs: %v", err)
		}
		sched.Start()
		defer sched.Stop()
	} else {
		log.Println("Scheduler disabled; running as worker only")
	}

	// HTTP surfaces
	go metrics.StartMetricsServer(config.CFG.MetricsPort)

	apiServer := api.NewServer(sched, resultRepo, policyRepo, databaseRepo, tracker, objects)
	go apiServer.Start(config.CFG.APIPort)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	cancel()
}
