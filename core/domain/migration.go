package domain

import (
	"fmt"
	"time"
)

// =============================================================================
// Migration Domain
// =============================================================================

// MigrationStage labels one of the five sequential migration stages.
type MigrationStage string

const (
	StageBackup   MigrationStage = "backup"
	StageDownload MigrationStage = "download"
	StageUpload   MigrationStage = "upload"
	StageMerge    MigrationStage = "merge"
	StageCleanup  MigrationStage = "cleanup"
)

// ConflictPolicy decides the winner when the same ID exists locally and
// remotely with different content.
type ConflictPolicy string

const (
	PolicyLocal  ConflictPolicy = "local"  // local copy wins
	PolicyRemote ConflictPolicy = "remote" // remote copy wins
	PolicyLatest ConflictPolicy = "latest" // higher timestamp wins (default)
	PolicyMerge  ConflictPolicy = "merge"  // field-level merge, later timestamp as base
)

// Valid reports whether p is a known policy.
func (p ConflictPolicy) Valid() bool {
	switch p {
	case PolicyLocal, PolicyRemote, PolicyLatest, PolicyMerge:
		return true
	}
	return false
}

// MigrationError records a stage failure. Only backup failures are fatal;
// every other stage degrades gracefully and is counted in the result.
type MigrationError struct {
	Stage       MigrationStage `json:"stage"`
	Message     string         `json:"message"`
	Recoverable bool           `json:"recoverable"`
	Err         error          `json:"-"`
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s: %s", e.Stage, e.Message)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// MigrationProgress is reported through the progress callback at stage
// boundaries and between upload/merge batches.
type MigrationProgress struct {
	Stage     MigrationStage `json:"stage"`
	Processed int            `json:"processed"`
	Total     int            `json:"total"`
	Message   string         `json:"message,omitempty"`
}

// MigrationResult summarizes a single migration run.
type MigrationResult struct {
	Success    bool             `json:"success"`
	DryRun     bool             `json:"dry_run"`
	LocalItems int              `json:"local_items"`
	RemoteItems int             `json:"remote_items"`
	Uploaded   int              `json:"uploaded"`
	Merged     int              `json:"merged"`
	Conflicts  int              `json:"conflicts"`
	Failed     int              `json:"failed"`
	Errors     []MigrationError `json:"errors,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// MigrationLogEntry is one row of the rolling migration log. The log is
// bounded to the most recent 100 entries and 7 days of retention.
type MigrationLogEntry struct {
	ID       string    `json:"id"`
	OwnerID  string    `json:"owner_id"`
	RanAt    time.Time `json:"ran_at"`
	Success  bool      `json:"success"`
	DryRun   bool      `json:"dry_run"`
	Uploaded int       `json:"uploaded"`
	Merged   int       `json:"merged"`
	Failed   int       `json:"failed"`
}
