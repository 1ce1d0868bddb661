// Package worker consumes backup jobs from the queue and executes them:
// dump, compress, upload, record, retention. Execution is serialized per
// database through leases, and every step is idempotent or conditionally
// guarded, so at-least-once delivery never yields two artifacts for one job.
package worker

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/stackwatch/dbsentry/pkg/alerts"
	"github.com/stackwatch/dbsentry/pkg/dump"
	"github.com/stackwatch/dbsentry/pkg/events"
	"github.com/stackwatch/dbsentry/pkg/metrics"
	"github.com/stackwatch/dbsentry/pkg/queue"
	"github.com/stackwatch/dbsentry/pkg/retention"
	"github.com/stackwatch/dbsentry/pkg/storage"
	"github.com/stackwatch/dbsentry/pkg/store"
)

// Config carries the processor's tunables.
type Config struct {
	Topic               string
	Concurrency         int
	DumpTimeout         time.Duration
	LeaseTTL            time.Duration
	MaxDeliveryAttempts int
	StoragePrefix       string
}

// Processor is the worker pool.
type Processor struct {
	subscriber message.Subscriber
	publisher  *queue.JobPublisher
	results    *store.ResultRepository
	databases  *store.DatabaseRepository
	leases     *store.LeaseRepository
	tracker    *alerts.Tracker
	enforcer   *retention.Enforcer
	objects    storage.ObjectStore
	sink       *events.Sink
	cfg        Config
	owner      string
}

// NewProcessor creates a worker pool. The owner identity scopes its database
// leases.
func NewProcessor(
	subscriber message.Subscriber,
	publisher *queue.JobPublisher,
	results *store.ResultRepository,
	databases *store.DatabaseRepository,
	leases *store.LeaseRepository,
	tracker *alerts.Tracker,
	enforcer *retention.Enforcer,
	objects storage.ObjectStore,
	sink *events.Sink,
	cfg Config,
) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Processor{
		subscriber: subscriber,
		publisher:  publisher,
		results:    results,
		databases:  databases,
		leases:     leases,
		tracker:    tracker,
		enforcer:   enforcer,
		objects:    objects,
		sink:       sink,
		cfg:        cfg,
		owner:      "worker-" + uuid.New().String(),
	}
}

// Run consumes jobs until ctx is cancelled. A semaphore bounds concurrent
// dumps; messages are acked once their outcome is durably recorded.
func (p *Processor) Run(ctx context.Context) error {
	messages, err := p.subscriber.Subscribe(ctx, p.cfg.Topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", p.cfg.Topic, err)
	}

	log.Printf("Worker pool started (concurrency: %d)", p.cfg.Concurrency)

	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Println("Worker pool stopped")
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				wg.Wait()
				return nil
			}

			sem <- struct{}{}
			wg.Add(1)
			go func(msg *message.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				p.handleMessage(ctx, msg)
			}(msg)
		}
	}
}

// handleMessage processes one delivery. Every exit path acks: outcomes live
// in the result store, and redelivery of a recorded job is a no-op anyway.
// Nacking is reserved for transport-level trouble we want the broker to
// retry, which leaves nothing here.
func (p *Processor) handleMessage(ctx context.Context, msg *message.Message) {
	defer msg.Ack()

	job, err := queue.UnmarshalJob(msg)
	if err != nil {
		log.Printf("Worker: dropping malformed message %s: %v", msg.UUID, err)
		return
	}

	// Redelivery of a job that already has a result is a no-op.
	existing, err := p.results.GetResultByJobID(job.JobID)
	if err != nil {
		log.Printf("Worker: failed to check job %s, requeueing: %v", job.JobID, err)
		p.requeue(msg, job)
		return
	}
	if existing != nil {
		log.Printf("Worker: job %s already has result %s (%s), skipping",
			job.JobID, existing.ID, existing.Status)
		return
	}

	// One backup per database at a time, across all workers. The claim is
	// owned by the job, not the process: lease re-acquisition by the same
	// owner extends the expiry, so two goroutines of one worker sharing an
	// owner string would both hold the lease.
	leaseKey := "backup/" + job.DatabaseID
	leaseOwner := p.owner + "/" + job.JobID
	acquired, err := p.leases.Acquire(leaseKey, leaseOwner, p.cfg.LeaseTTL)
	if err != nil {
		log.Printf("Worker: lease check failed for %s: %v", leaseKey, err)
		p.requeue(msg, job)
		return
	}
	if !acquired {
		p.requeue(msg, job)
		return
	}
	defer func() {
		if err := p.leases.Release(leaseKey, leaseOwner); err != nil {
			log.Printf("Worker: failed to release lease %s: %v", leaseKey, err)
		}
	}()

	p.execute(ctx, job, leaseKey, leaseOwner)
}

// requeue gives a job back to the queue with backoff. Once delivery attempts
// are exhausted the job is dropped and surfaced as stuck; an unprocessable
// job must not circulate forever.
func (p *Processor) requeue(msg *message.Message, job *queue.BackupJob) {
	attempts := queue.Attempts(msg)
	if attempts+1 >= p.cfg.MaxDeliveryAttempts {
		log.Printf("ALERT: job %s for database %s stuck after %d attempts, dropping",
			job.JobID, job.DatabaseID, attempts+1)
		p.sink.Emit(events.KindJobStuck, job.DatabaseID, job.JobID,
			fmt.Sprintf("dropped after %d delivery attempts", attempts+1))
		return
	}

	// Linear backoff keeps a contended database from being hammered.
	time.Sleep(time.Duration(attempts+1) * time.Second)

	if err := p.publisher.Requeue(msg); err != nil {
		log.Printf("Worker: failed to requeue job %s: %v", job.JobID, err)
		return
	}
	metrics.JobsRequeued.Inc()
}

// execute runs the backup while holding the database lease.
func (p *Processor) execute(ctx context.Context, job *queue.BackupJob, leaseKey, leaseOwner string) {
	result, err := p.results.CreateResult(job.JobID, job.DatabaseID, job.TriggeredBy, job.Tiers)
	if err != nil {
		log.Printf("Worker: failed to create result for job %s: %v", job.JobID, err)
		return
	}

	db, err := p.databases.GetDatabaseByID(job.DatabaseID)
	if err != nil || db == nil || db.Engine == nil {
		p.fail(result, db, fmt.Errorf("database %s not found or has no engine", job.DatabaseID))
		return
	}
	if !db.Enabled {
		now := time.Now()
		if err := p.results.MarkCancelled(result.ID, now); err != nil {
			log.Printf("Worker: failed to cancel job for disabled database %s: %v", db.ID, err)
		}
		return
	}

	started := time.Now()
	if err := p.results.MarkInProgress(result.ID, started); err != nil {
		log.Printf("Worker: %v", err)
		return
	}
	result.Status = store.StatusInProgress

	// Keep the lease alive for dumps that outlive the TTL.
	renewCtx, stopRenewal := context.WithCancel(ctx)
	defer stopRenewal()
	go p.renewLease(renewCtx, leaseKey, leaseOwner)

	dumpCtx, cancel := context.WithTimeout(ctx, p.cfg.DumpTimeout)
	defer cancel()

	size, artifactKey, err := p.runDump(dumpCtx, db, job)
	if err != nil {
		p.fail(result, db, err)
		return
	}

	completed := time.Now()
	if err := p.results.MarkCompleted(result.ID, artifactKey, size, completed); err != nil {
		log.Printf("Worker: %v", err)
		return
	}

	duration := completed.Sub(started)
	metrics.BackupCount.WithLabelValues(db.ID, job.TriggeredBy, string(store.StatusCompleted)).Inc()
	metrics.BackupDuration.WithLabelValues(db.ID, db.Engine.Type).Observe(duration.Seconds())
	metrics.BackupSize.WithLabelValues(db.ID, p.objects.Name()).Set(float64(size))
	metrics.LastBackupTimestamp.WithLabelValues(db.ID).Set(float64(completed.Unix()))

	log.Printf("Backup completed: database %s, artifact %s (%s) in %s",
		db.ID, artifactKey, humanize.Bytes(uint64(size)), duration.Round(time.Second))

	wasAlerting, _ := p.tracker.Alerting(db.ID)
	if err := p.tracker.RecordSuccess(db.ID); err != nil {
		log.Printf("Worker: failed to reset failure streak for %s: %v", db.ID, err)
	}
	if wasAlerting {
		p.sink.Emit(events.KindAlertCleared, db.ID, job.JobID, "backup succeeded")
	}
	p.sink.Emit(events.KindJobCompleted, db.ID, job.JobID, artifactKey)

	// Success is the natural moment to prune: each credited tier just gained
	// an artifact.
	for _, tier := range job.Tiers {
		if err := p.enforcer.EnforceTier(ctx, db.ID, tier); err != nil {
			log.Printf("Worker: retention failed for %s/%s: %v", db.ID, tier, err)
		}
	}
}

// runDump streams the engine dump through optional gzip into the object
// store and returns the stored size and key.
func (p *Processor) runDump(ctx context.Context, db *store.Database, job *queue.BackupJob) (int64, string, error) {
	provider, err := dump.NewProvider(db.Engine.Type, dump.Params{
		Host:     db.Engine.Host,
		Port:     db.Engine.Port,
		Username: db.Engine.Username,
		Password: db.Engine.Password,
	})
	if err != nil {
		return 0, "", err
	}

	if err := provider.Connect(ctx); err != nil {
		return 0, "", err
	}
	defer provider.Close()

	artifactKey := storage.ArtifactKey(p.cfg.StoragePrefix, db.ID, job.JobID, db.Compression)

	pr, pw := io.Pipe()
	go func() {
		var dst io.Writer = pw
		var gz *gzip.Writer
		if db.Compression {
			gz = gzip.NewWriter(pw)
			dst = gz
		}

		dumpErr := provider.Dump(ctx, db.Name, dst)
		if gz != nil {
			if closeErr := gz.Close(); dumpErr == nil {
				dumpErr = closeErr
			}
		}
		pw.CloseWithError(dumpErr)
	}()

	size, err := p.objects.Upload(ctx, artifactKey, pr)
	if err != nil {
		pr.CloseWithError(err)
		return 0, "", err
	}

	return size, artifactKey, nil
}

// fail records a terminal failure and advances the alert streak. Retention
// never runs on failure.
func (p *Processor) fail(result *store.BackupResult, db *store.Database, err error) {
	password := ""
	if db != nil && db.Engine != nil {
		password = db.Engine.Password
	}
	sanitized := dump.SanitizeError(err, password)

	log.Printf("Backup failed: database %s: %s", result.DatabaseID, sanitized)

	now := time.Now()
	if result.Status == store.StatusPending {
		// The dump never started; pending cannot reach failed directly.
		if err := p.results.MarkInProgress(result.ID, now); err != nil {
			log.Printf("Worker: %v", err)
			return
		}
	}
	if err := p.results.MarkFailed(result.ID, sanitized, now); err != nil {
		log.Printf("Worker: %v", err)
		return
	}

	metrics.BackupCount.WithLabelValues(result.DatabaseID, result.TriggeredBy, string(store.StatusFailed)).Inc()

	count, trackErr := p.tracker.RecordFailure(result.DatabaseID, sanitized)
	if trackErr != nil {
		log.Printf("Worker: failed to record failure streak for %s: %v", result.DatabaseID, trackErr)
	}

	p.sink.Emit(events.KindJobFailed, result.DatabaseID, result.JobID, sanitized)
	if count == p.tracker.Threshold() {
		p.sink.Emit(events.KindAlertRaised, result.DatabaseID, result.JobID,
			fmt.Sprintf("%d consecutive failures", count))
	}
}

// renewLease extends the database lease until the job finishes.
func (p *Processor) renewLease(ctx context.Context, key, owner string) {
	interval := p.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := p.leases.Renew(key, owner, p.cfg.LeaseTTL)
			if err != nil {
				log.Printf("Worker: lease renewal error for %s: %v", key, err)
			} else if !renewed {
				log.Printf("Warning: lease %s lost during backup", key)
				return
			}
		}
	}
}

// RecoverOrphans sweeps non-terminal results left behind by crashed workers.
// Only results older than the dump timeout are touched, and only when no
// live worker holds the database lease.
func (p *Processor) RecoverOrphans() error {
	ctx := context.Background()

	stale, err := p.results.ListNonTerminal()
	if err != nil {
		return fmt.Errorf("failed to list non-terminal results: %w", err)
	}

	cutoff := time.Now().Add(-p.cfg.DumpTimeout)
	recovered := 0

	for i := range stale {
		result := &stale[i]
		if result.CreatedAt.After(cutoff) {
			continue
		}

		// A holdable lease means whoever owned this result is gone.
		leaseKey := "backup/" + result.DatabaseID
		acquired, err := p.leases.Acquire(leaseKey, p.owner, time.Minute)
		if err != nil || !acquired {
			continue
		}

		now := time.Now()
		switch result.Status {
		case store.StatusPending:
			err = p.results.MarkCancelled(result.ID, now)
		case store.StatusInProgress:
			err = p.recoverInProgress(ctx, result, now)
		}
		if err != nil {
			log.Printf("Recovery: failed to resolve result %s: %v", result.ID, err)
		} else {
			log.Printf("Recovery: resolved orphaned result %s (was %s)", result.ID, result.Status)
			recovered++
		}

		if err := p.leases.Release(leaseKey, p.owner); err != nil {
			log.Printf("Recovery: failed to release lease %s: %v", leaseKey, err)
		}
	}

	if recovered > 0 {
		log.Printf("Recovery: resolved %d orphaned results", recovered)
	}
	return nil
}

// recoverInProgress resolves a result whose worker died mid-backup. Artifact
// keys are derived from job identity, so the object store knows whether the
// upload finished before the crash: a present artifact is recorded as a
// completed backup, a missing one means the dump never made it.
func (p *Processor) recoverInProgress(ctx context.Context, result *store.BackupResult, now time.Time) error {
	db, err := p.databases.GetDatabaseByID(result.DatabaseID)
	if err != nil {
		return fmt.Errorf("failed to load database %s: %w", result.DatabaseID, err)
	}
	if db == nil {
		return p.results.MarkFailed(result.ID, "worker terminated during backup", now)
	}

	key := storage.ArtifactKey(p.cfg.StoragePrefix, result.DatabaseID, result.JobID, db.Compression)
	objects, err := p.objects.List(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to check artifact %s: %w", key, err)
	}
	for i := range objects {
		if objects[i].Key == key {
			log.Printf("Recovery: result %s left a finished artifact %s, recording it", result.ID, key)
			return p.results.MarkCompleted(result.ID, key, objects[i].Size, now)
		}
	}
	return p.results.MarkFailed(result.ID, "worker terminated during backup", now)
}
