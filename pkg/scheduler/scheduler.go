// Package scheduler evaluates backup policies on a fixed tick and enqueues
// due backup jobs. Multiple scheduler instances may run; a leader lease
// keeps all but one of them passive, and per-boundary conditional marks make
// even a botched failover unable to double-fire a boundary.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/stackwatch/dbsentry/pkg/metrics"
	"github.com/stackwatch/dbsentry/pkg/policy"
	"github.com/stackwatch/dbsentry/pkg/queue"
	"github.com/stackwatch/dbsentry/pkg/retention"
	"github.com/stackwatch/dbsentry/pkg/store"
)

const leaderLeaseKey = "scheduler/leader"

// publishAttempts bounds the enqueue retry loop inside one tick.
const publishAttempts = 3

// Scheduler drives the tick loop and the periodic retention sweep.
type Scheduler struct {
	cronScheduler *cron.Cron
	databases     *store.DatabaseRepository
	policies      *store.PolicyRepository
	schedules     *store.ScheduleRepository
	leases        *store.LeaseRepository
	publisher     *queue.JobPublisher
	enforcer      *retention.Enforcer

	tick      time.Duration
	leaderTTL time.Duration
	owner     string
}

// NewScheduler creates a scheduler. The owner identity is unique per process
// and scopes the leader lease.
func NewScheduler(
	databases *store.DatabaseRepository,
	policies *store.PolicyRepository,
	schedules *store.ScheduleRepository,
	leases *store.LeaseRepository,
	publisher *queue.JobPublisher,
	enforcer *retention.Enforcer,
	tick, leaderTTL time.Duration,
) *Scheduler {
	if tick <= 0 {
		tick = policy.DefaultTick
	}
	return &Scheduler{
		cronScheduler: cron.New(),
		databases:     databases,
		policies:      policies,
		schedules:     schedules,
		leases:        leases,
		publisher:     publisher,
		enforcer:      enforcer,
		tick:          tick,
		leaderTTL:     leaderTTL,
		owner:         "scheduler-" + uuid.New().String(),
	}
}

// SetupJobs registers the tick loop and the hourly retention sweep.
func (s *Scheduler) SetupJobs() error {
	_, err := s.cronScheduler.AddFunc(fmt.Sprintf("@every %s", s.tick), func() {
		s.Tick(time.Now())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule evaluation tick: %w", err)
	}
	log.Printf("Scheduled policy evaluation every %s", s.tick)

	_, err = s.cronScheduler.AddFunc("15 * * * *", func() {
		s.retentionSweep()
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	log.Println("Scheduled retention sweep at minute 15 of every hour")

	return nil
}

// Start begins the scheduled jobs
func (s *Scheduler) Start() {
	s.cronScheduler.Start()
	log.Println("Backup scheduler started successfully")
}

// Stop halts all scheduled jobs and waits for running ones.
func (s *Scheduler) Stop() {
	ctx := s.cronScheduler.Stop()
	<-ctx.Done()

	if err := s.leases.Release(leaderLeaseKey, s.owner); err != nil {
		log.Printf("Warning: failed to release leader lease: %v", err)
	}
	log.Println("Backup scheduler stopped")
}

// Tick runs one evaluation pass at now. Exported for tests; the cron loop is
// just Tick on a timer.
func (s *Scheduler) Tick(now time.Time) {
	isLeader, err := s.leases.Acquire(leaderLeaseKey, s.owner, s.leaderTTL)
	if err != nil {
		log.Printf("Scheduler: leader lease check failed: %v", err)
		return
	}
	if !isLeader {
		return
	}

	metrics.SchedulerTicks.Inc()

	databases, err := s.databases.GetEnabledDatabases()
	if err != nil {
		log.Printf("Scheduler: failed to list databases: %v", err)
		return
	}

	for i := range databases {
		db := &databases[i]
		if db.PolicyID == "" {
			continue
		}
		if err := s.evaluateDatabase(db, now); err != nil {
			log.Printf("Scheduler: evaluation failed for database %s: %v", db.ID, err)
		}
	}
}

// evaluateDatabase checks one database's tiers and enqueues a single
// coalesced job for every boundary this instance wins.
func (s *Scheduler) evaluateDatabase(db *store.Database, now time.Time) error {
	pol, err := s.policies.GetPolicyByID(db.PolicyID)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	if pol == nil {
		return fmt.Errorf("policy %s not found", db.PolicyID)
	}

	marks, err := s.schedules.GetMarks(db.ID)
	if err != nil {
		return fmt.Errorf("failed to load schedule marks: %w", err)
	}

	due := policy.DueTiers(pol, now, marks, s.tick)
	if len(due) == 0 {
		return nil
	}

	// Claim each due boundary before enqueueing. A crash between claim and
	// publish costs one backup, never duplicates one.
	var claimed []policy.Tier
	for _, tier := range due {
		instant, ok := policy.DueInstant(tier, pol.Tiers[tier], now)
		if !ok {
			continue
		}
		won, err := s.schedules.MarkFired(db.ID, tier, marks[tier], instant)
		if err != nil {
			log.Printf("Scheduler: failed to mark %s/%s fired: %v", db.ID, tier, err)
			continue
		}
		if won {
			claimed = append(claimed, tier)
		}
	}
	if len(claimed) == 0 {
		return nil
	}

	job := queue.NewBackupJob(db.ID, claimed, queue.TriggeredByScheduler)
	if err := s.publishWithRetry(job); err != nil {
		return fmt.Errorf("failed to enqueue job for tiers %v: %w", claimed, err)
	}

	metrics.JobsEnqueued.WithLabelValues(queue.TriggeredByScheduler).Inc()
	log.Printf("Enqueued backup job %s for database %s (tiers: %v)", job.JobID, db.ID, claimed)
	return nil
}

// TriggerManual enqueues an on-demand backup for a database, credited to
// every enabled tier of its policy so the artifact participates in retention
// like any scheduled one. Returns the job id.
func (s *Scheduler) TriggerManual(databaseID string) (string, error) {
	db, err := s.databases.GetDatabaseByID(databaseID)
	if err != nil {
		return "", fmt.Errorf("failed to load database: %w", err)
	}
	if db == nil {
		return "", fmt.Errorf("database %s not found", databaseID)
	}
	if db.PolicyID == "" {
		return "", fmt.Errorf("database %s has no backup policy assigned", databaseID)
	}

	pol, err := s.policies.GetPolicyByID(db.PolicyID)
	if err != nil {
		return "", fmt.Errorf("failed to load policy: %w", err)
	}
	if pol == nil {
		return "", fmt.Errorf("policy %s not found", db.PolicyID)
	}

	tiers := pol.EnabledTiers()
	if len(tiers) == 0 {
		return "", fmt.Errorf("policy %s has no enabled tiers", pol.Name)
	}

	job := queue.NewBackupJob(databaseID, tiers, queue.TriggeredByManual)
	if err := s.publishWithRetry(job); err != nil {
		return "", fmt.Errorf("failed to enqueue manual job: %w", err)
	}

	metrics.JobsEnqueued.WithLabelValues(queue.TriggeredByManual).Inc()
	log.Printf("Enqueued manual backup job %s for database %s", job.JobID, databaseID)
	return job.JobID, nil
}

func (s *Scheduler) publishWithRetry(job *queue.BackupJob) error {
	var err error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(publishBackoff(attempt))
		}
		if err = s.publisher.PublishJob(job); err == nil {
			return nil
		}
	}
	return err
}

// publishBackoff doubles per retry: 500ms, 1s, 2s, ...
func publishBackoff(attempt int) time.Duration {
	return 500 * time.Millisecond << (attempt - 1)
}

// retentionSweep runs retention and reconciliation across all enabled
// databases. Leader-gated like the tick loop; the per-tier leases below it
// make a race harmless anyway.
func (s *Scheduler) retentionSweep() {
	if s.enforcer == nil {
		return
	}

	isLeader, err := s.leases.Acquire(leaderLeaseKey, s.owner, s.leaderTTL)
	if err != nil || !isLeader {
		return
	}

	databases, err := s.databases.GetEnabledDatabases()
	if err != nil {
		log.Printf("Retention sweep: failed to list databases: %v", err)
		return
	}

	// Reconciliation runs inside each tier's enforcement, before partitioning.
	ctx := context.Background()
	for i := range databases {
		db := &databases[i]
		if err := s.enforcer.EnforceAll(ctx, db.ID); err != nil {
			log.Printf("Retention sweep: enforcement failed for %s: %v", db.ID, err)
		}
	}
}
