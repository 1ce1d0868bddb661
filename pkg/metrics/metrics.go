// Package metrics provides Prometheus metrics for backup operations.
package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics
var (
	// BackupCount tracks backup jobs by database, trigger, and outcome
	BackupCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbsentry_backup_total",
		Help: "The total number of backup jobs processed",
	}, []string{"database", "triggered_by", "status"})

	// BackupDuration measures time taken to run a backup end to end
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbsentry_backup_duration_seconds",
		Help:    "Time taken to dump and upload a backup",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"database", "engine"})

	// BackupSize tracks size of the last backup artifact in bytes
	BackupSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbsentry_backup_size_bytes",
		Help: "Size of the last backup artifact in bytes",
	}, []string{"database", "storage"})

	// LastBackupTimestamp records when the last successful backup completed
	LastBackupTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbsentry_backup_last_timestamp",
		Help: "Unix timestamp of the last successful backup",
	}, []string{"database"})

	// RetentionDeletes counts artifacts deleted by retention
	RetentionDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbsentry_retention_deletions_total",
		Help: "The total number of artifacts deleted by retention",
	}, []string{"tier"})

	// JobsEnqueued counts backup jobs published to the queue
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbsentry_jobs_enqueued_total",
		Help: "The total number of backup jobs enqueued",
	}, []string{"triggered_by"})

	// JobsRequeued counts lease-contention requeues
	JobsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbsentry_jobs_requeued_total",
		Help: "The total number of jobs requeued after lease contention",
	})

	// ConsecutiveFailures exposes the failure streak per database
	ConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbsentry_consecutive_failures",
		Help: "Consecutive backup failures per database",
	}, []string{"database"})

	// SchedulerTicks counts scheduler evaluation passes
	SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbsentry_scheduler_ticks_total",
		Help: "The total number of scheduler evaluation passes",
	})
)

// StartMetricsServer starts the HTTP server for metrics and health check endpoints
func StartMetricsServer(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("Starting metrics server on port %s", port)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Failed to start metrics server: %v", err)
	}
}
