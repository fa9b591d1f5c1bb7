package offline

import (
	"context"
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
// SyncManager - Offline-First Operation Queue
// =============================================================================
//
// Wraps the cache manager with an offline-aware write path. Remote write
// failures become queued operations that are replayed when connectivity
// returns, on a fixed interval, or on demand. Operations that exhaust their
// retries move to a failed quarantine for manual retry.

const (
	DefaultMaxRetries    = 3
	DefaultSyncInterval  = 30 * time.Second
	DefaultBatchSize     = 10
	DefaultDebounceDelay = 2 * time.Second
	DefaultPruneAge      = 7 * 24 * time.Hour

	queueKey = "history:queue:v1"
)

// SyncConfig tunes queue behavior. Zero values fall back to defaults.
type SyncConfig struct {
	MaxRetries    int
	SyncInterval  time.Duration
	BatchSize     int
	DebounceDelay time.Duration
	PruneAge      time.Duration
}

func (c *SyncConfig) withDefaults() SyncConfig {
	out := SyncConfig{}
	if c != nil {
		out = *c
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.SyncInterval <= 0 {
		out.SyncInterval = DefaultSyncInterval
	}
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultBatchSize
	}
	if out.DebounceDelay <= 0 {
		out.DebounceDelay = DefaultDebounceDelay
	}
	if out.PruneAge <= 0 {
		out.PruneAge = DefaultPruneAge
	}
	return out
}

type SyncManager struct {
	cache  *history.CacheManager
	remote out.HistoryStore
	kv     out.KeyValueStore
	clk    out.Clock
	conn   out.ConnectivityObserver
	cfg    SyncConfig
	log    *logger.Logger

	mu       sync.Mutex
	pending  []*domain.PendingOperation
	failed   []*domain.PendingOperation
	syncing  bool
	lastSync time.Time
	loaded   bool

	debounceGen int

	stopOnce sync.Once
	stopCh   chan struct{}
	unsub    func()
	wg       sync.WaitGroup
}

func NewSyncManager(
	cache *history.CacheManager,
	remote out.HistoryStore,
	kv out.KeyValueStore,
	clk out.Clock,
	conn out.ConnectivityObserver,
	cfg *SyncConfig,
	log *logger.Logger,
) *SyncManager {
	if log == nil {
		log = logger.Default()
	}
	return &SyncManager{
		cache:  cache,
		remote: remote,
		kv:     kv,
		clk:    clk,
		conn:   conn,
		cfg:    cfg.withDefaults(),
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start loads the persisted queue, subscribes to connectivity changes, and
// begins the periodic sync loop. The loop stops when ctx is canceled or
// Stop is called.
func (s *SyncManager) Start(ctx context.Context) error {
	if err := s.loadQueue(ctx); err != nil {
		s.log.WithError(err).Warn("[SyncManager.Start] queue restore failed, starting empty")
	}

	s.unsub = s.conn.Subscribe(func(online bool) {
		if online {
			s.scheduleDebouncedSync(ctx)
		}
	})

	s.wg.Add(1)
	go s.syncLoop(ctx)

	s.log.Info("[SyncManager.Start] started (interval=%s batch=%d)", s.cfg.SyncInterval, s.cfg.BatchSize)
	return nil
}

// Stop halts the sync loop and connectivity subscription. In-flight drains
// finish; no new ones start.
func (s *SyncManager) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.unsub != nil {
			s.unsub()
		}
	})
	s.wg.Wait()
}

func (s *SyncManager) syncLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.clk.After(s.cfg.SyncInterval):
			if s.conn.Online() {
				s.drain(ctx)
			}
		}
	}
}

// scheduleDebouncedSync defers the drain so that flapping connectivity does
// not trigger a burst of sync attempts. Only the latest reconnect wins.
func (s *SyncManager) scheduleDebouncedSync(ctx context.Context) {
	s.mu.Lock()
	s.debounceGen++
	gen := s.debounceGen
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.clk.After(s.cfg.DebounceDelay):
		}

		s.mu.Lock()
		stale := gen != s.debounceGen
		s.mu.Unlock()
		if stale || !s.conn.Online() {
			return
		}
		s.drain(ctx)
	}()
}

// =============================================================================
// Write Path
// =============================================================================

// AddItem writes through the cache tiers. When offline the remote write is
// not attempted at all; when the remote write fails for a non-auth reason
// the operation is queued for later replay. Either way the caller sees
// success: the item is already visible locally.
func (s *SyncManager) AddItem(ctx context.Context, item *domain.AnalysisHistoryItem, ownerID string) error {
	if item != nil && item.ID == "" {
		item.ID = uuid.New().String()
	}

	if !s.conn.Online() {
		if err := s.cache.AddLocal(ctx, item, ownerID); err != nil {
			return err
		}
		s.enqueue(ctx, &domain.PendingOperation{
			Type:    domain.OperationAdd,
			ItemID:  item.ID,
			OwnerID: ownerID,
			Data:    item.Clone(),
		}, nil)
		return nil
	}

	err := s.cache.AddItem(ctx, item, ownerID)
	if err == nil {
		return nil
	}
	if !queueable(err) {
		return err
	}

	s.enqueue(ctx, &domain.PendingOperation{
		Type:    domain.OperationAdd,
		ItemID:  item.ID,
		OwnerID: ownerID,
		Data:    item.Clone(),
	}, err)
	return nil
}

// UpdateItem updates locally and queues the remote update on failure.
func (s *SyncManager) UpdateItem(ctx context.Context, item *domain.AnalysisHistoryItem, ownerID string) error {
	if item == nil || item.ID == "" {
		return apperr.InvalidInput("id", "must not be empty")
	}

	s.cache.Memory().Set(item.ID, item)
	if err := s.cache.Persistent().SaveOne(ctx, ownerID, item); err != nil {
		s.log.WithError(err).WithOwner(ownerID).Warn("[SyncManager.UpdateItem] L2 save failed")
	}

	if !s.conn.Online() {
		s.enqueue(ctx, &domain.PendingOperation{
			Type:    domain.OperationUpdate,
			ItemID:  item.ID,
			OwnerID: ownerID,
			Data:    item.Clone(),
		}, nil)
		return nil
	}

	err := s.remote.Update(ctx, item.ID, item)
	if err == nil {
		return nil
	}
	if !queueable(err) {
		return err
	}

	s.enqueue(ctx, &domain.PendingOperation{
		Type:    domain.OperationUpdate,
		ItemID:  item.ID,
		OwnerID: ownerID,
		Data:    item.Clone(),
	}, err)
	return nil
}

// RemoveItem deletes locally and queues the remote delete when offline or
// on failure.
func (s *SyncManager) RemoveItem(ctx context.Context, id, ownerID string) error {
	if !s.conn.Online() {
		if err := s.cache.RemoveLocal(ctx, id, ownerID); err != nil {
			return err
		}
		s.enqueue(ctx, &domain.PendingOperation{
			Type:    domain.OperationDelete,
			ItemID:  id,
			OwnerID: ownerID,
		}, nil)
		return nil
	}

	err := s.cache.RemoveItem(ctx, id, ownerID)
	if err == nil {
		return nil
	}
	if !queueable(err) {
		return err
	}

	s.enqueue(ctx, &domain.PendingOperation{
		Type:    domain.OperationDelete,
		ItemID:  id,
		OwnerID: ownerID,
	}, err)
	return nil
}

// queueable reports whether a remote write failure is worth replaying.
// Auth and validation failures repeat deterministically, so queueing them
// would only fill the quarantine.
func queueable(err error) bool {
	if apperr.IsAuth(err) {
		return false
	}
	if ae := apperr.AsAppError(err); ae != nil {
		switch ae.Code {
		case apperr.CodeBadRequest, apperr.CodeInvalidInput, apperr.CodeNotFound, apperr.CodeConflict:
			return false
		}
	}
	return true
}

// enqueue records a deferred remote write, coalescing against any pending
// operation for the same item:
//   - update after an unsynced add stays an add carrying the new data
//   - delete after an unsynced add cancels both
//   - otherwise the newer operation replaces the older one
//
// Coalescing sees only queued entries. If a drain has the add in flight when
// the delete arrives, cancelling the pair can leave a remote copy behind with
// no queued delete to remove it. Concurrent writes to the same item carry no
// ordering guarantee, so callers must not rely on one.
func (s *SyncManager) enqueue(ctx context.Context, op *domain.PendingOperation, cause error) {
	op.ID = uuid.New().String()
	op.Timestamp = s.clk.Now().UnixMilli()
	if cause != nil {
		op.LastError = cause.Error()
	}

	s.mu.Lock()
	replaced := false
	for i, existing := range s.pending {
		if existing.ItemID != op.ItemID || existing.OwnerID != op.OwnerID {
			continue
		}
		switch {
		case existing.Type == domain.OperationAdd && op.Type == domain.OperationDelete:
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
		case existing.Type == domain.OperationAdd && op.Type == domain.OperationUpdate:
			existing.Data = op.Data
			existing.Timestamp = op.Timestamp
			existing.RetryCount = 0
			existing.LastError = op.LastError
		default:
			op.ID = existing.ID
			s.pending[i] = op
		}
		replaced = true
		break
	}
	if !replaced {
		s.pending = append(s.pending, op)
	}
	count := len(s.pending)
	s.mu.Unlock()

	s.persistQueue(ctx)
	s.log.WithOwner(op.OwnerID).Info("[SyncManager.enqueue] queued %s for item %s (pending=%d)", op.Type, op.ItemID, count)
}

// =============================================================================
// Drain
// =============================================================================

// drain replays pending operations in batches. A reentrancy guard keeps
// overlapping triggers (interval + reconnect + manual) from double-applying.
func (s *SyncManager) drain(ctx context.Context) {
	s.mu.Lock()
	if s.syncing || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	s.syncing = true
	batch := make([]*domain.PendingOperation, len(s.pending))
	copy(batch, s.pending)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.lastSync = s.clk.Now()
		s.mu.Unlock()
		s.persistQueue(ctx)
	}()

	s.log.Info("[SyncManager.drain] replaying %d operations", len(batch))

	for start := 0; start < len(batch); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(batch) {
			end = len(batch)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, op := range batch[start:end] {
			op := op
			g.Go(func() error {
				s.applyOne(gctx, op)
				return nil
			})
		}
		g.Wait()

		if !s.conn.Online() {
			s.log.Warn("[SyncManager.drain] connectivity lost mid-drain, stopping")
			return
		}
	}
}

// applyOne replays a single operation against the remote store and updates
// the queue according to the outcome.
func (s *SyncManager) applyOne(ctx context.Context, op *domain.PendingOperation) {
	var err error
	switch op.Type {
	case domain.OperationAdd:
		err = s.remote.Insert(ctx, op.Data, op.OwnerID)
	case domain.OperationUpdate:
		err = s.remote.Update(ctx, op.ItemID, op.Data)
	case domain.OperationDelete:
		err = s.remote.Delete(ctx, op.ItemID, op.OwnerID)
	default:
		err = apperr.BadRequest("unknown operation type " + string(op.Type))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, p := range s.pending {
		if p.ID == op.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	if err == nil {
		s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
		return
	}

	p := s.pending[idx]
	p.RetryCount++
	p.LastError = err.Error()
	if !p.CanRetry(s.cfg.MaxRetries) {
		s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
		s.failed = append(s.failed, p)
		s.log.WithOwner(p.OwnerID).Error("[SyncManager.applyOne] %s for item %s quarantined after %d attempts: %v",
			p.Type, p.ItemID, p.RetryCount, err)
	}
}

// ForceSync drains immediately, regardless of the interval timer. Returns
// apperr when offline.
func (s *SyncManager) ForceSync(ctx context.Context) error {
	if !s.conn.Online() {
		return apperr.RemoteUnavailable("force sync", nil)
	}
	s.drain(ctx)
	return nil
}

// RetryFailedOperations moves quarantined operations back into the pending
// queue with a fresh retry budget, then drains if online.
func (s *SyncManager) RetryFailedOperations(ctx context.Context) int {
	s.mu.Lock()
	moved := len(s.failed)
	for _, op := range s.failed {
		op.RetryCount = 0
		op.LastError = ""
		s.pending = append(s.pending, op)
	}
	s.failed = nil
	s.mu.Unlock()

	if moved > 0 {
		s.persistQueue(ctx)
		s.log.Info("[SyncManager.RetryFailedOperations] requeued %d operations", moved)
		if s.conn.Online() {
			s.drain(ctx)
		}
	}
	return moved
}

// GetStatus reports queue health for the sync endpoint.
func (s *SyncManager) GetStatus() *domain.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &domain.QueueStatus{
		Online:       s.conn.Online(),
		Syncing:      s.syncing,
		PendingCount: len(s.pending),
		FailedCount:  len(s.failed),
	}
	if !s.lastSync.IsZero() {
		st.LastSyncAt = s.lastSync
	}
	return st
}

// PendingOperations returns a snapshot of the queue, oldest first.
func (s *SyncManager) PendingOperations() []*domain.PendingOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.PendingOperation, len(s.pending))
	copy(out, s.pending)
	return out
}

// FailedOperations returns a snapshot of the quarantine.
func (s *SyncManager) FailedOperations() []*domain.PendingOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.PendingOperation, len(s.failed))
	copy(out, s.failed)
	return out
}

// =============================================================================
// Persistence
// =============================================================================

type queueSnapshot struct {
	Pending []*domain.PendingOperation `json:"pending"`
	Failed  []*domain.PendingOperation `json:"failed"`
}

// loadQueue restores the persisted queue and prunes operations older than
// the prune age. Corrupt payloads are discarded rather than blocking startup.
func (s *SyncManager) loadQueue(ctx context.Context) error {
	raw, ok, err := s.kv.GetItem(ctx, queueKey)
	if err != nil {
		return err
	}
	if !ok {
		s.mu.Lock()
		s.loaded = true
		s.mu.Unlock()
		return nil
	}

	var snap queueSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		s.log.WithError(err).Warn("[SyncManager.loadQueue] corrupt queue snapshot discarded")
		_ = s.kv.RemoveItem(ctx, queueKey)
		s.mu.Lock()
		s.loaded = true
		s.mu.Unlock()
		return nil
	}

	cutoff := s.clk.Now().Add(-s.cfg.PruneAge)
	pruned := 0
	keep := func(ops []*domain.PendingOperation) []*domain.PendingOperation {
		out := ops[:0]
		for _, op := range ops {
			if op.OlderThan(cutoff) {
				pruned++
				continue
			}
			out = append(out, op)
		}
		return out
	}

	s.mu.Lock()
	s.pending = keep(snap.Pending)
	s.failed = keep(snap.Failed)
	s.loaded = true
	restored := len(s.pending) + len(s.failed)
	s.mu.Unlock()

	if pruned > 0 {
		s.log.Info("[SyncManager.loadQueue] pruned %d stale operations", pruned)
		s.persistQueue(ctx)
	}
	if restored > 0 {
		s.log.Info("[SyncManager.loadQueue] restored %d operations", restored)
	}
	return nil
}

func (s *SyncManager) persistQueue(ctx context.Context) {
	s.mu.Lock()
	snap := queueSnapshot{
		Pending: make([]*domain.PendingOperation, len(s.pending)),
		Failed:  make([]*domain.PendingOperation, len(s.failed)),
	}
	copy(snap.Pending, s.pending)
	copy(snap.Failed, s.failed)
	s.mu.Unlock()

	raw, err := json.Marshal(snap)
	if err != nil {
		s.log.WithError(err).Error("[SyncManager.persistQueue] marshal failed")
		return
	}
	if err := s.kv.SetItem(ctx, queueKey, string(raw)); err != nil {
		s.log.WithError(err).Warn("[SyncManager.persistQueue] persist failed")
	}
}
