package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"history_server/core/service/common"
)

// =============================================================================
// CacheJanitor - Periodic In-Memory Cache Purge
// =============================================================================
//
// Sweeps the in-memory tier on an interval, evicting entries that have sat
// untouched past the stale age. The persistent tier carries its own expiry
// envelope and needs no sweeping.

type CacheJanitor struct {
	memory        *common.MemoryCache
	staleAge      time.Duration
	checkInterval time.Duration
	log           zerolog.Logger
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewCacheJanitor(memory *common.MemoryCache, log zerolog.Logger) *CacheJanitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &CacheJanitor{
		memory:        memory,
		staleAge:      common.DefaultStaleAge,
		checkInterval: time.Hour,
		log:           log.With().Str("component", "cache_janitor").Logger(),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start starts the purge loop.
func (j *CacheJanitor) Start() {
	j.log.Info().Dur("interval", j.checkInterval).Msg("starting")
	go j.run()
}

// Stop stops the purge loop.
func (j *CacheJanitor) Stop() {
	j.log.Info().Msg("stopping")
	j.cancel()
}

func (j *CacheJanitor) run() {
	ticker := time.NewTicker(j.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			j.log.Info().Msg("stopped")
			return
		case <-ticker.C:
			j.purge()
		}
	}
}

func (j *CacheJanitor) purge() {
	if removed := j.memory.PurgeStale(j.staleAge); removed > 0 {
		j.log.Info().Int("removed", removed).Msg("purged stale entries")
	}
}

// SetCheckInterval sets the check interval (for testing).
func (j *CacheJanitor) SetCheckInterval(interval time.Duration) {
	j.checkInterval = interval
}

// SetStaleAge sets the stale age threshold (for testing).
func (j *CacheJanitor) SetStaleAge(age time.Duration) {
	j.staleAge = age
}
