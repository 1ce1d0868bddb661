// Package store provides the GORM-backed configuration store: engines,
// databases, policies, schedule marks, backup results, alert states, and
// leases.
package store

import (
	"time"
)

// ResultStatus is the lifecycle state of a backup result.
type ResultStatus string

const (
	// StatusPending is set when a job is dequeued, before the dump starts.
	StatusPending ResultStatus = "pending"
	// StatusInProgress is set immediately before invoking the dump tool.
	StatusInProgress ResultStatus = "in_progress"
	// StatusCompleted is terminal: the artifact was uploaded and recorded.
	StatusCompleted ResultStatus = "completed"
	// StatusFailed is terminal: the dump or upload failed.
	StatusFailed ResultStatus = "failed"
	// StatusCancelled is terminal, reachable only via explicit cancellation.
	StatusCancelled ResultStatus = "cancelled"
)

// Terminal reports whether s is a terminal status. Terminal results are
// immutable except for deletion by retention.
func (s ResultStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a result may move from s to next.
// pending -> in_progress | cancelled; in_progress -> completed | failed |
// cancelled; terminal states have no successors.
func (s ResultStatus) CanTransition(next ResultStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress || next == StatusCancelled
	case StatusInProgress:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	}
	return false
}

// Engine is a database server reachable by the dump tools.
type Engine struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)"`
	Name      string    `gorm:"type:varchar(255);not null;uniqueIndex"`
	Type      string    `gorm:"type:varchar(50);not null"` // mysql, postgres, sqlserver
	Host      string    `gorm:"type:varchar(255);not null"`
	Port      int       `gorm:"not null"`
	Username  string    `gorm:"type:varchar(255);not null"`
	Password  string    `gorm:"type:varchar(255);not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName specifies the table name for the Engine model.
func (Engine) TableName() string {
	return "engines"
}

// Database is a single database on an engine, enrolled for backups.
type Database struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)"`
	EngineID    string    `gorm:"type:varchar(64);not null;index"`
	Name        string    `gorm:"type:varchar(255);not null"`
	PolicyID    string    `gorm:"type:varchar(64);not null;index"`
	Enabled     bool      `gorm:"not null;default:true"`
	Compression bool      `gorm:"not null;default:true"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`

	Engine *Engine `gorm:"foreignKey:EngineID"`
}

// TableName specifies the table name for the Database model.
func (Database) TableName() string {
	return "databases"
}

// Policy is the persisted form of a backup policy. Tier rows hold the
// per-tier configuration.
type Policy struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)"`
	Name      string    `gorm:"type:varchar(255);not null;uniqueIndex"`
	System    bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	Tiers []PolicyTier `gorm:"foreignKey:PolicyID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for the Policy model.
func (Policy) TableName() string {
	return "policies"
}

// PolicyTier is one tier's configuration within a policy.
type PolicyTier struct {
	PolicyID      string `gorm:"primaryKey;type:varchar(64)"`
	Tier          string `gorm:"primaryKey;type:varchar(20)"`
	Enabled       bool   `gorm:"not null;default:false"`
	KeepCount     int    `gorm:"not null;default:0"`
	IntervalHours int    `gorm:"not null;default:0"`
	TimeOfDay     string `gorm:"type:varchar(5)"`
	DayOfWeek     int    `gorm:"not null;default:0"`
	DayOfMonth    int    `gorm:"not null;default:0"`
	Month         int    `gorm:"not null;default:0"`
}

// TableName specifies the table name for the PolicyTier model.
func (PolicyTier) TableName() string {
	return "policy_tiers"
}

// ScheduleMark records the last fired instant per (database, tier). Owned
// exclusively by the scheduler; updated via conditional write so a failed-over
// leader cannot lose updates.
type ScheduleMark struct {
	DatabaseID string    `gorm:"primaryKey;type:varchar(64)"`
	Tier       string    `gorm:"primaryKey;type:varchar(20)"`
	FiredAt    time.Time `gorm:"not null"`
}

// TableName specifies the table name for the ScheduleMark model.
func (ScheduleMark) TableName() string {
	return "schedule_marks"
}

// BackupResult is the persisted outcome of one backup job. One artifact can
// satisfy several tiers; the tier set lives in ResultTier rows.
type BackupResult struct {
	ID           string       `gorm:"primaryKey;type:varchar(64)"`
	JobID        string       `gorm:"type:varchar(64);not null;uniqueIndex"`
	DatabaseID   string       `gorm:"type:varchar(64);not null;index"`
	Status       ResultStatus `gorm:"type:varchar(20);not null;index"`
	TriggeredBy  string       `gorm:"type:varchar(20);not null"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ArtifactName string `gorm:"type:varchar(1024)"`
	ArtifactSize int64
	ErrorMessage string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null"`

	Tiers []ResultTier `gorm:"foreignKey:ResultID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for the BackupResult model.
func (BackupResult) TableName() string {
	return "backup_results"
}

// TierSet returns the tiers this result is credited to.
func (r *BackupResult) TierSet() []string {
	tiers := make([]string, 0, len(r.Tiers))
	for _, t := range r.Tiers {
		tiers = append(tiers, t.Tier)
	}
	return tiers
}

// ResultTier credits a backup result to one retention tier.
type ResultTier struct {
	ResultID string `gorm:"primaryKey;type:varchar(64)"`
	Tier     string `gorm:"primaryKey;type:varchar(20)"`
}

// TableName specifies the table name for the ResultTier model.
func (ResultTier) TableName() string {
	return "result_tiers"
}

// AlertState tracks consecutive failures per database.
type AlertState struct {
	DatabaseID          string `gorm:"primaryKey;type:varchar(64)"`
	ConsecutiveFailures int    `gorm:"not null;default:0"`
	LastFailureAt       *time.Time
	LastError           string    `gorm:"type:text"`
	UpdatedAt           time.Time `gorm:"not null"`
}

// TableName specifies the table name for the AlertState model.
func (AlertState) TableName() string {
	return "alert_states"
}

// Lease is a time-bounded exclusive-access token. Workers hold one per
// database while a job runs; the scheduler holds one for leadership.
// Never an in-memory lock: workers may span processes.
type Lease struct {
	Key       string    `gorm:"primaryKey;type:varchar(255)"`
	Owner     string    `gorm:"type:varchar(128);not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
}

// TableName specifies the table name for the Lease model.
func (Lease) TableName() string {
	return "leases"
}
