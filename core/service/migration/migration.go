package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"history_server/core/domain"
	"history_server/core/port/out"
	"history_server/core/service/history"
	"history_server/pkg/apperr"
	"history_server/pkg/logger"
)

// =============================================================================
// Migration Engine - Local Cache to Remote Store
// =============================================================================
//
// Moves an owner's locally cached history into the remote store in five
// sequential stages: backup, download, upload, merge, cleanup. Only a backup
// failure aborts the run; stage errors after that are collected into the
// result and the run continues with what it has.

const (
	backupKeyPrefix = "history:migration:backup:v1:"
	doneKeyPrefix   = "history:migration:done:v1:"
	logKey          = "history:migration:log:v1"

	// Rolling log bounds.
	maxLogEntries = 100
	logRetention  = 7 * 24 * time.Hour

	// Page size used when pulling the full remote list.
	downloadPageSize = 500

	// Upload concurrency: each batch is issued concurrently and awaited
	// jointly, bounding in-flight requests against the remote store.
	uploadBatchSize = 10
)

// Options configures a single migration run.
type Options struct {
	DryRun     bool
	Policy     domain.ConflictPolicy
	OnProgress func(domain.MigrationProgress)
}

type backupSnapshot struct {
	OwnerID string                        `json:"owner_id"`
	TakenAt int64                         `json:"taken_at"`
	Items   []*domain.AnalysisHistoryItem `json:"items"`
}

// Engine runs migrations. One run at a time per process; concurrent Run
// calls for any owner are rejected.
type Engine struct {
	local  *history.PersistentCache
	remote out.HistoryStore
	kv     out.KeyValueStore
	clk    out.Clock
	log    *logger.Logger

	mu      sync.Mutex
	running bool
}

func NewEngine(local *history.PersistentCache, remote out.HistoryStore, kv out.KeyValueStore, clk out.Clock, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		local:  local,
		remote: remote,
		kv:     kv,
		clk:    clk,
		log:    log,
	}
}

// NeedsMigration reports whether the owner still has locally cached items
// and no completed migration on record.
func (e *Engine) NeedsMigration(ctx context.Context, ownerID string) bool {
	if _, ok, err := e.kv.GetItem(ctx, doneKeyPrefix+ownerID); err == nil && ok {
		return false
	}
	return len(e.local.GetAll(ctx, ownerID, 1)) > 0
}

// Run executes the five-stage migration for one owner. Every mutation is
// skipped when opts.DryRun is set; counting and conflict detection still
// happen so the result predicts what a real run would do.
func (e *Engine) Run(ctx context.Context, ownerID string, opts Options) (*domain.MigrationResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, apperr.Conflict("migration already in progress")
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	if opts.Policy == "" {
		opts.Policy = domain.PolicyLatest
	}
	if !opts.Policy.Valid() {
		return nil, apperr.InvalidInput("policy", fmt.Sprintf("unknown conflict policy %q", opts.Policy))
	}

	result := &domain.MigrationResult{
		DryRun:    opts.DryRun,
		StartedAt: e.clk.Now(),
	}
	report := func(p domain.MigrationProgress) {
		if opts.OnProgress != nil {
			opts.OnProgress(p)
		}
	}

	e.log.WithOwner(ownerID).Info("[Engine.Run] starting migration (dry_run=%v policy=%s)", opts.DryRun, opts.Policy)

	// Stage 1: backup. Fatal on failure.
	report(domain.MigrationProgress{Stage: domain.StageBackup, Message: "backing up local items"})
	local, err := e.backup(ctx, ownerID, opts.DryRun)
	if err != nil {
		result.FinishedAt = e.clk.Now()
		e.appendLog(ctx, ownerID, result)
		return result, &domain.MigrationError{
			Stage:       domain.StageBackup,
			Message:     err.Error(),
			Recoverable: false,
			Err:         err,
		}
	}
	result.LocalItems = len(local)

	// Stage 2: download.
	report(domain.MigrationProgress{Stage: domain.StageDownload, Message: "downloading remote items"})
	remote, err := e.download(ctx, ownerID)
	if err != nil {
		result.Errors = append(result.Errors, domain.MigrationError{
			Stage:       domain.StageDownload,
			Message:     err.Error(),
			Recoverable: true,
			Err:         err,
		})
		remote = nil
	}
	result.RemoteItems = len(remote)

	remoteByID := make(map[string]*domain.AnalysisHistoryItem, len(remote))
	for _, item := range remote {
		remoteByID[item.ID] = item
	}

	// Stage 3: upload local-only items.
	e.upload(ctx, ownerID, local, remoteByID, opts, result, report)

	// Stage 4: merge items present on both sides.
	e.merge(ctx, local, remoteByID, opts, result, report)

	// Stage 5: cleanup. Skipped entirely on dry runs and when earlier
	// stages recorded failures.
	report(domain.MigrationProgress{Stage: domain.StageCleanup, Message: "finalizing"})
	result.Success = result.Failed == 0 && len(result.Errors) == 0
	if result.Success && !opts.DryRun {
		if err := e.cleanup(ctx, ownerID); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, domain.MigrationError{
				Stage:       domain.StageCleanup,
				Message:     err.Error(),
				Recoverable: true,
				Err:         err,
			})
		}
	}

	result.FinishedAt = e.clk.Now()
	e.appendLog(ctx, ownerID, result)
	e.log.WithOwner(ownerID).Info("[Engine.Run] finished: success=%v uploaded=%d merged=%d conflicts=%d failed=%d",
		result.Success, result.Uploaded, result.Merged, result.Conflicts, result.Failed)
	return result, nil
}

// =============================================================================
// Stages
// =============================================================================

// backup snapshots the local cache into the KV store before anything is
// mutated. The snapshot is the rollback point, so a write failure aborts
// the whole run.
func (e *Engine) backup(ctx context.Context, ownerID string, dryRun bool) ([]*domain.AnalysisHistoryItem, error) {
	items := e.local.GetAll(ctx, ownerID, 0)
	if dryRun {
		return items, nil
	}

	snap := backupSnapshot{
		OwnerID: ownerID,
		TakenAt: e.clk.Now().UnixMilli(),
		Items:   items,
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal backup: %w", err)
	}
	if err := e.kv.SetItem(ctx, backupKeyPrefix+ownerID, string(raw)); err != nil {
		return nil, fmt.Errorf("write backup: %w", err)
	}
	return items, nil
}

func (e *Engine) download(ctx context.Context, ownerID string) ([]*domain.AnalysisHistoryItem, error) {
	var all []*domain.AnalysisHistoryItem
	offset := 0
	for {
		filter := (&domain.HistoryFilter{
			OwnerID: ownerID,
			Limit:   downloadPageSize,
			Offset:  offset,
		}).Normalize()
		page, err := e.remote.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < downloadPageSize {
			return all, nil
		}
		offset += downloadPageSize
	}
}

// upload pushes local items the remote store has never seen. Per-item
// failures are counted and the stage keeps going.
func (e *Engine) upload(
	ctx context.Context,
	ownerID string,
	local []*domain.AnalysisHistoryItem,
	remoteByID map[string]*domain.AnalysisHistoryItem,
	opts Options,
	result *domain.MigrationResult,
	report func(domain.MigrationProgress),
) {
	var toUpload []*domain.AnalysisHistoryItem
	for _, item := range local {
		if _, exists := remoteByID[item.ID]; !exists {
			toUpload = append(toUpload, item)
		}
	}

	if opts.DryRun {
		result.Uploaded = len(toUpload)
		report(domain.MigrationProgress{Stage: domain.StageUpload, Processed: len(toUpload), Total: len(toUpload)})
		return
	}

	// Batches run concurrently and settle jointly; a failed item never
	// blocks the rest of its batch or the batches after it.
	var resultMu sync.Mutex
	for start := 0; start < len(toUpload); start += uploadBatchSize {
		end := start + uploadBatchSize
		if end > len(toUpload) {
			end = len(toUpload)
		}
		report(domain.MigrationProgress{
			Stage:     domain.StageUpload,
			Processed: start,
			Total:     len(toUpload),
		})

		g, gctx := errgroup.WithContext(ctx)
		for _, item := range toUpload[start:end] {
			item := item
			g.Go(func() error {
				err := e.remote.Insert(gctx, item, ownerID)
				resultMu.Lock()
				defer resultMu.Unlock()
				if err != nil {
					result.Failed++
					result.Errors = append(result.Errors, domain.MigrationError{
						Stage:       domain.StageUpload,
						Message:     fmt.Sprintf("item %s: %v", item.ID, err),
						Recoverable: true,
						Err:         err,
					})
					return nil
				}
				result.Uploaded++
				return nil
			})
		}
		g.Wait()
	}
	report(domain.MigrationProgress{Stage: domain.StageUpload, Processed: len(toUpload), Total: len(toUpload)})
}

// merge resolves items that exist on both sides with different content.
func (e *Engine) merge(
	ctx context.Context,
	local []*domain.AnalysisHistoryItem,
	remoteByID map[string]*domain.AnalysisHistoryItem,
	opts Options,
	result *domain.MigrationResult,
	report func(domain.MigrationProgress),
) {
	var conflicts []*domain.AnalysisHistoryItem
	for _, item := range local {
		remote, exists := remoteByID[item.ID]
		if exists && !sameContent(item, remote) {
			conflicts = append(conflicts, item)
		}
	}
	result.Conflicts = len(conflicts)

	for i, localItem := range conflicts {
		report(domain.MigrationProgress{
			Stage:     domain.StageMerge,
			Processed: i,
			Total:     len(conflicts),
		})

		remoteItem := remoteByID[localItem.ID]
		winner, changed := Resolve(localItem, remoteItem, opts.Policy)
		if !changed {
			continue
		}
		if opts.DryRun {
			result.Merged++
			continue
		}
		if err := e.remote.Update(ctx, winner.ID, winner); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, domain.MigrationError{
				Stage:       domain.StageMerge,
				Message:     fmt.Sprintf("item %s: %v", winner.ID, err),
				Recoverable: true,
				Err:         err,
			})
			continue
		}
		result.Merged++
	}
	report(domain.MigrationProgress{Stage: domain.StageMerge, Processed: len(conflicts), Total: len(conflicts)})
}

// cleanup marks the migration done and drops the now-migrated local blob.
// The backup snapshot is kept for the retention window.
func (e *Engine) cleanup(ctx context.Context, ownerID string) error {
	if err := e.local.Clear(ctx, ownerID); err != nil {
		return fmt.Errorf("clear local cache: %w", err)
	}
	stamp := fmt.Sprintf("%d", e.clk.Now().UnixMilli())
	if err := e.kv.SetItem(ctx, doneKeyPrefix+ownerID, stamp); err != nil {
		return fmt.Errorf("write completion marker: %w", err)
	}
	return nil
}

// =============================================================================
// Rolling Log
// =============================================================================

// GetLogs returns the retained migration log entries, newest first.
func (e *Engine) GetLogs(ctx context.Context) ([]*domain.MigrationLogEntry, error) {
	raw, ok, err := e.kv.GetItem(ctx, logKey)
	if err != nil {
		return nil, apperr.DatabaseError("read migration log", err)
	}
	if !ok {
		return nil, nil
	}

	var entries []*domain.MigrationLogEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		e.log.WithError(err).Warn("[Engine.GetLogs] corrupt migration log discarded")
		_ = e.kv.RemoveItem(ctx, logKey)
		return nil, nil
	}
	return entries, nil
}

func (e *Engine) appendLog(ctx context.Context, ownerID string, result *domain.MigrationResult) {
	entries, err := e.GetLogs(ctx)
	if err != nil {
		entries = nil
	}

	entry := &domain.MigrationLogEntry{
		ID:       uuid.New().String(),
		OwnerID:  ownerID,
		RanAt:    result.FinishedAt,
		Success:  result.Success,
		DryRun:   result.DryRun,
		Uploaded: result.Uploaded,
		Merged:   result.Merged,
		Failed:   result.Failed,
	}
	entries = append([]*domain.MigrationLogEntry{entry}, entries...)

	cutoff := e.clk.Now().Add(-logRetention)
	kept := entries[:0]
	for _, en := range entries {
		if len(kept) >= maxLogEntries {
			break
		}
		if en.RanAt.Before(cutoff) {
			continue
		}
		kept = append(kept, en)
	}

	raw, err := json.Marshal(kept)
	if err != nil {
		e.log.WithError(err).Error("[Engine.appendLog] marshal failed")
		return
	}
	if err := e.kv.SetItem(ctx, logKey, string(raw)); err != nil {
		e.log.WithError(err).Warn("[Engine.appendLog] persist failed")
	}
}
