// Package api exposes the HTTP surface: manual backup triggers, backup
// listings, artifact download links, alerting databases, and policy
// management.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/stackwatch/dbsentry/pkg/alerts"
	"github.com/stackwatch/dbsentry/pkg/policy"
	"github.com/stackwatch/dbsentry/pkg/scheduler"
	"github.com/stackwatch/dbsentry/pkg/storage"
	"github.com/stackwatch/dbsentry/pkg/store"
)

// downloadURLExpiry bounds presigned artifact links.
const downloadURLExpiry = 15 * time.Minute

// Server wires the HTTP handlers to their backing components.
type Server struct {
	scheduler *scheduler.Scheduler
	results   *store.ResultRepository
	policies  *store.PolicyRepository
	databases *store.DatabaseRepository
	tracker   *alerts.Tracker
	objects   storage.ObjectStore
}

// NewServer creates the API server.
func NewServer(
	sched *scheduler.Scheduler,
	results *store.ResultRepository,
	policies *store.PolicyRepository,
	databases *store.DatabaseRepository,
	tracker *alerts.Tracker,
	objects storage.ObjectStore,
) *Server {
	return &Server{
		scheduler: sched,
		results:   results,
		policies:  policies,
		databases: databases,
		tracker:   tracker,
		objects:   objects,
	}
}

// RegisterRoutes registers all API routes on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/backups", s.handleBackups)
	mux.HandleFunc("/api/backups/run", s.handleRunBackup)
	mux.HandleFunc("/api/backups/download", s.handleDownload)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/api/policies", s.handlePolicies)
	mux.HandleFunc("/api/databases", s.handleDatabases)
}

// Start runs the API server on the given port.
func (s *Server) Start(port string) {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("Starting API server on port %s", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start API server: %v", err)
	}
}

// backupResponse is the API shape of a backup result.
type backupResponse struct {
	ID           string     `json:"id"`
	JobID        string     `json:"jobId"`
	DatabaseID   string     `json:"databaseId"`
	Status       string     `json:"status"`
	TriggeredBy  string     `json:"triggeredBy"`
	Tiers        []string   `json:"tiers"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ArtifactName string     `json:"artifactName,omitempty"`
	ArtifactSize string     `json:"artifactSize,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

func toBackupResponse(r *store.BackupResult) backupResponse {
	resp := backupResponse{
		ID:           r.ID,
		JobID:        r.JobID,
		DatabaseID:   r.DatabaseID,
		Status:       string(r.Status),
		TriggeredBy:  r.TriggeredBy,
		Tiers:        r.TierSet(),
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		ArtifactName: r.ArtifactName,
		ErrorMessage: r.ErrorMessage,
	}
	if r.ArtifactSize > 0 {
		resp.ArtifactSize = humanize.Bytes(uint64(r.ArtifactSize))
	}
	return resp
}

// handleBackups lists backup results filtered by database, tier, and status.
func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	tier := query.Get("tier")
	if tier != "" && !policy.ValidTier(tier) {
		http.Error(w, fmt.Sprintf("Invalid tier %q", tier), http.StatusBadRequest)
		return
	}

	results, err := s.results.ListFiltered(query.Get("database"), tier, query.Get("status"))
	if err != nil {
		http.Error(w, "Failed to retrieve backups: "+err.Error(), http.StatusInternalServerError)
		return
	}

	response := make([]backupResponse, 0, len(results))
	for i := range results {
		response = append(response, toBackupResponse(&results[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleRunBackup enqueues a manual backup for a database.
func (s *Server) handleRunBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	databaseID := r.URL.Query().Get("database")
	if databaseID == "" {
		http.Error(w, "Missing required parameter: database", http.StatusBadRequest)
		return
	}

	jobID, err := s.scheduler.TriggerManual(databaseID)
	if err != nil {
		http.Error(w, "Failed to trigger backup: "+err.Error(), http.StatusInternalServerError)
		return
	}

	// The job id doubles as the queue message id; both are reported so
	// callers can correlate against broker tooling.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"status":         "enqueued",
		"jobId":          jobID,
		"queueMessageId": jobID,
	})
}

// handleDownload returns a time-limited download URL for an artifact.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing required parameter: id", http.StatusBadRequest)
		return
	}

	result, err := s.results.GetResultByID(id)
	if err != nil {
		http.Error(w, "Failed to load backup: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if result == nil {
		http.Error(w, "Backup not found", http.StatusNotFound)
		return
	}
	if result.Status != store.StatusCompleted || result.ArtifactName == "" {
		http.Error(w, "Backup has no downloadable artifact", http.StatusConflict)
		return
	}

	url, err := s.objects.SignedURL(r.Context(), result.ArtifactName, downloadURLExpiry)
	if err != nil {
		http.Error(w, "Failed to generate download URL: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"url":       url,
		"expiresIn": downloadURLExpiry.String(),
	})
}

// alertResponse is the API shape of an alerting database.
type alertResponse struct {
	DatabaseID          string     `json:"databaseId"`
	DatabaseName        string     `json:"databaseName,omitempty"`
	DatabaseType        string     `json:"databaseType,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
}

// handleAlerts lists databases at or above the failure threshold.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	threshold := 0
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "Invalid threshold", http.StatusBadRequest)
			return
		}
		threshold = parsed
	}

	states, err := s.tracker.ListAlerting(threshold)
	if err != nil {
		http.Error(w, "Failed to retrieve alerts: "+err.Error(), http.StatusInternalServerError)
		return
	}

	response := make([]alertResponse, 0, len(states))
	for i := range states {
		state := &states[i]
		resp := alertResponse{
			DatabaseID:          state.DatabaseID,
			ConsecutiveFailures: state.ConsecutiveFailures,
			LastFailureAt:       state.LastFailureAt,
			LastError:           state.LastError,
		}
		// A database deleted after its streak started still alerts; it just
		// has no name to show.
		if db, err := s.databases.GetDatabaseByID(state.DatabaseID); err == nil && db != nil {
			resp.DatabaseName = db.Name
			if db.Engine != nil {
				resp.DatabaseType = db.Engine.Type
			}
		}
		response = append(response, resp)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handlePolicies handles policy listing and creation.
func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		policies, err := s.policies.GetAllPolicies()
		if err != nil {
			http.Error(w, "Failed to retrieve policies: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(policies)

	case http.MethodPost:
		var p policy.BackupPolicy
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "Invalid policy payload: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.policies.SavePolicy(&p); err != nil {
			http.Error(w, "Failed to save policy: "+err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(p)

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing required parameter: id", http.StatusBadRequest)
			return
		}
		if err := s.policies.DeletePolicy(id); err != nil {
			http.Error(w, "Failed to delete policy: "+err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDatabases lists enrolled databases and updates their assignment.
func (s *Server) handleDatabases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		databases, err := s.databases.GetAllDatabases()
		if err != nil {
			http.Error(w, "Failed to retrieve databases: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(databases)

	case http.MethodPost:
		var req struct {
			DatabaseID string `json:"databaseId"`
			PolicyID   string `json:"policyId"`
			Enabled    *bool  `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid payload: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.DatabaseID == "" {
			http.Error(w, "Missing databaseId", http.StatusBadRequest)
			return
		}

		if req.PolicyID != "" {
			p, err := s.policies.GetPolicyByID(req.PolicyID)
			if err != nil || p == nil {
				http.Error(w, "Policy not found", http.StatusNotFound)
				return
			}
			if err := s.databases.AssignPolicy(req.DatabaseID, p); err != nil {
				http.Error(w, "Failed to assign policy: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		if req.Enabled != nil {
			if err := s.databases.SetEnabled(req.DatabaseID, *req.Enabled); err != nil {
				http.Error(w, "Failed to update database: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
