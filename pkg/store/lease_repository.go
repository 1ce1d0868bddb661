package store

import (
	"time"

	"gorm.io/gorm"
)

// LeaseRepository implements time-bounded exclusive-access tokens in the
// configuration store. Leases survive process crashes by expiring rather
// than by being released, so a dead worker never wedges its database.
type LeaseRepository struct {
	db *gorm.DB
}

// NewLeaseRepository creates a new lease repository.
func NewLeaseRepository(db *gorm.DB) *LeaseRepository {
	return &LeaseRepository{db: db}
}

// Acquire attempts to take the lease for key on behalf of owner. It succeeds
// when no lease exists, the existing lease has expired, or owner already
// holds it (re-acquisition extends the expiry, which is how the scheduler
// keeps leadership across ticks). Returns false on contention. Callers that
// need mutual exclusion between their own claims must use a distinct owner
// per claim; the worker derives its lease owner from the job id for this
// reason.
func (r *LeaseRepository) Acquire(key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl)

	acquired := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var existing Lease
		err := tx.Where("`key` = ?", key).First(&existing).Error

		switch {
		case err == gorm.ErrRecordNotFound:
			lease := Lease{Key: key, Owner: owner, ExpiresAt: expires}
			if err := tx.Create(&lease).Error; err != nil {
				// Primary-key conflict: someone else created it first.
				return nil
			}
			acquired = true
			return nil

		case err != nil:
			return err
		}

		if existing.Owner != owner && existing.ExpiresAt.After(now) {
			// Held by someone else and still live.
			return nil
		}

		// Expired or re-acquired by the same owner: take it over. The
		// conditional write guards against a concurrent takeover.
		result := tx.Model(&Lease{}).
			Where("`key` = ? AND owner = ? AND expires_at = ?", key, existing.Owner, existing.ExpiresAt).
			Updates(map[string]interface{}{
				"owner":      owner,
				"expires_at": expires,
			})
		if result.Error != nil {
			return result.Error
		}
		acquired = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// Renew extends the lease expiry, but only while owner still holds it.
// Returns false when the lease was lost (expired and taken over).
func (r *LeaseRepository) Renew(key, owner string, ttl time.Duration) (bool, error) {
	result := r.db.Model(&Lease{}).
		Where("`key` = ? AND owner = ?", key, owner).
		Update("expires_at", time.Now().Add(ttl))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Release drops the lease if owner still holds it. Releasing a lease that
// was already taken over is a no-op, not an error.
func (r *LeaseRepository) Release(key, owner string) error {
	return r.db.Where("`key` = ? AND owner = ?", key, owner).Delete(&Lease{}).Error
}

// Held reports whether owner currently holds an unexpired lease for key.
func (r *LeaseRepository) Held(key, owner string) (bool, error) {
	var count int64
	err := r.db.Model(&Lease{}).
		Where("`key` = ? AND owner = ? AND expires_at > ?", key, owner, time.Now()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
