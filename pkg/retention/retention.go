// Package retention prunes backup artifacts beyond each tier's keep count.
// Pruning is evaluated per (database, tier), newest first, with a cross-tier
// union so an artifact credited to several tiers survives until every tier
// has let go of it.
package retention

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/stackwatch/dbsentry/pkg/metrics"
	"github.com/stackwatch/dbsentry/pkg/policy"
	"github.com/stackwatch/dbsentry/pkg/storage"
	"github.com/stackwatch/dbsentry/pkg/store"
)

// Partition splits completed results (newest first) into the kept head and
// the prune tail. keepCount <= 0 means the tier keeps everything.
func Partition(results []store.BackupResult, keepCount int) (keep, prune []store.BackupResult) {
	if keepCount <= 0 || len(results) <= keepCount {
		return results, nil
	}
	return results[:keepCount], results[keepCount:]
}

// Enforcer evaluates and applies retention. Each enforcement run is
// serialized per (database, tier) through a lease, and deletions are
// two-phase: artifact first, record second, so a crash between the phases
// leaves an orphaned record for Reconcile rather than a record pointing at
// nothing the operator can restore from.
type Enforcer struct {
	results   *store.ResultRepository
	policies  *store.PolicyRepository
	databases *store.DatabaseRepository
	leases    *store.LeaseRepository
	objects   storage.ObjectStore
	owner     string
	leaseTTL  time.Duration
}

// NewEnforcer creates a retention enforcer. The owner identity scopes its
// leases; one per process is enough.
func NewEnforcer(
	results *store.ResultRepository,
	policies *store.PolicyRepository,
	databases *store.DatabaseRepository,
	leases *store.LeaseRepository,
	objects storage.ObjectStore,
	leaseTTL time.Duration,
) *Enforcer {
	return &Enforcer{
		results:   results,
		policies:  policies,
		databases: databases,
		leases:    leases,
		objects:   objects,
		owner:     "retention-" + uuid.New().String(),
		leaseTTL:  leaseTTL,
	}
}

func retentionLeaseKey(databaseID string, tier policy.Tier) string {
	return fmt.Sprintf("retention/%s/%s", databaseID, tier)
}

// EnforceTier applies retention for one (database, tier). Contention with a
// concurrent enforcement run is not an error: the run holding the lease will
// arrive at the same decisions. The pass is idempotent, so partial failures
// are repaired by simply running again.
func (e *Enforcer) EnforceTier(ctx context.Context, databaseID string, tier policy.Tier) error {
	key := retentionLeaseKey(databaseID, tier)
	acquired, err := e.leases.Acquire(key, e.owner, e.leaseTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire retention lease for %s: %w", key, err)
	}
	if !acquired {
		log.Printf("Retention for %s/%s already running elsewhere, skipping", databaseID, tier)
		return nil
	}
	defer func() {
		if err := e.leases.Release(key, e.owner); err != nil {
			log.Printf("Warning: failed to release retention lease %s: %v", key, err)
		}
	}()

	// Ghost records from a crash between the two delete phases would occupy
	// keep slots and shield live artifacts from pruning, so reconcile before
	// partitioning. Failure here only makes the pass conservative.
	if _, err := e.Reconcile(ctx, databaseID); err != nil {
		log.Printf("Retention: reconciliation before %s/%s failed: %v", databaseID, tier, err)
	}

	db, err := e.databases.GetDatabaseByID(databaseID)
	if err != nil {
		return fmt.Errorf("failed to load database %s: %w", databaseID, err)
	}
	if db == nil || db.PolicyID == "" {
		return nil
	}

	pol, err := e.policies.GetPolicyByID(db.PolicyID)
	if err != nil {
		return fmt.Errorf("failed to load policy %s: %w", db.PolicyID, err)
	}
	if pol == nil {
		return nil
	}

	cfg, ok := pol.Tiers[tier]
	if !ok {
		return nil
	}

	results, err := e.results.ListCompletedForTier(databaseID, tier)
	if err != nil {
		return fmt.Errorf("failed to list results for %s/%s: %w", databaseID, tier, err)
	}

	_, prune := Partition(results, cfg.KeepCount)
	if len(prune) == 0 {
		return nil
	}

	// An artifact pruned by this tier may still be inside another tier's
	// keep window. Build the union of every tier's keep set and only delete
	// what no tier wants.
	keepSet, err := e.keepUnion(databaseID, pol)
	if err != nil {
		return err
	}

	deleted := 0
	for i := range prune {
		result := &prune[i]
		if keepSet[result.ID] {
			continue
		}
		if err := e.deleteResult(ctx, result); err != nil {
			// Keep going; the next pass retries whatever failed here.
			log.Printf("Retention: failed to prune result %s (%s): %v", result.ID, result.ArtifactName, err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		log.Printf("Retention: pruned %d artifacts for %s/%s", deleted, databaseID, tier)
		metrics.RetentionDeletes.WithLabelValues(string(tier)).Add(float64(deleted))
	}
	return nil
}

// EnforceAll runs retention across every tier of a database's policy.
func (e *Enforcer) EnforceAll(ctx context.Context, databaseID string) error {
	db, err := e.databases.GetDatabaseByID(databaseID)
	if err != nil {
		return err
	}
	if db == nil || db.PolicyID == "" {
		return nil
	}

	pol, err := e.policies.GetPolicyByID(db.PolicyID)
	if err != nil {
		return err
	}
	if pol == nil {
		return nil
	}

	for tier := range pol.Tiers {
		if err := e.EnforceTier(ctx, databaseID, tier); err != nil {
			return err
		}
	}
	return nil
}

// keepUnion returns the IDs of results protected by any tier of the policy.
func (e *Enforcer) keepUnion(databaseID string, pol *policy.BackupPolicy) (map[string]bool, error) {
	keepSet := make(map[string]bool)
	for tier, cfg := range pol.Tiers {
		results, err := e.results.ListCompletedForTier(databaseID, tier)
		if err != nil {
			return nil, fmt.Errorf("failed to list results for keep union on %s: %w", tier, err)
		}
		keep, _ := Partition(results, cfg.KeepCount)
		for i := range keep {
			keepSet[keep[i].ID] = true
		}
	}
	return keepSet, nil
}

// deleteResult removes the artifact and then the record. Phase order
// matters: a record without an artifact is a harmless orphan, an artifact
// without a record is invisible garbage.
func (e *Enforcer) deleteResult(ctx context.Context, result *store.BackupResult) error {
	if result.ArtifactName != "" {
		if err := e.objects.Delete(ctx, result.ArtifactName); err != nil {
			return fmt.Errorf("artifact delete failed: %w", err)
		}
	}
	if err := e.results.DeleteResult(result.ID); err != nil {
		return fmt.Errorf("record delete failed: %w", err)
	}
	return nil
}

// Reconcile removes completed records whose artifacts no longer exist in the
// object store. This repairs crashes between the two delete phases and
// artifacts removed out-of-band.
func (e *Enforcer) Reconcile(ctx context.Context, databaseID string) (int, error) {
	results, err := e.results.ListCompletedForDatabase(databaseID)
	if err != nil {
		return 0, fmt.Errorf("failed to list results for reconciliation: %w", err)
	}

	removed := 0
	for i := range results {
		result := &results[i]
		if result.ArtifactName == "" {
			continue
		}

		exists, err := e.objects.Exists(ctx, result.ArtifactName)
		if err != nil {
			log.Printf("Reconcile: failed to check artifact %s: %v", result.ArtifactName, err)
			continue
		}
		if exists {
			continue
		}

		if err := e.results.DeleteResult(result.ID); err != nil {
			log.Printf("Reconcile: failed to remove orphaned record %s: %v", result.ID, err)
			continue
		}
		log.Printf("Reconcile: removed orphaned record %s (artifact %s missing)", result.ID, result.ArtifactName)
		removed++
	}
	return removed, nil
}
