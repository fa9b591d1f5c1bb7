package bootstrap

import (
	"context"

	"history_server/config"
	"history_server/pkg/logger"
)

// Worker runs the background components without an HTTP surface: the
// connectivity probe, the offline sync loop, and the cache janitor. Used by
// deployments that split the queue drainer from the API.
type Worker struct {
	deps   *Dependencies
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	logger.Init(logger.Config{
		Level:   logger.LevelInfo,
		Service: "history-worker",
	})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	return &Worker{
		deps: deps,
		done: make(chan struct{}),
	}, cleanup, nil
}

// Start runs until Stop is called.
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.deps.Connectivity.Start(ctx)
	if err := w.deps.SyncManager.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start sync manager")
	}
	if w.deps.Janitor != nil {
		w.deps.Janitor.Start()
	}

	logger.Info("Worker started")
	<-w.done
}

// Stop halts all background components.
func (w *Worker) Stop() {
	if w.deps.Janitor != nil {
		w.deps.Janitor.Stop()
	}
	w.deps.SyncManager.Stop()
	w.deps.Connectivity.Stop()
	if w.cancel != nil {
		w.cancel()
	}
	close(w.done)
}
