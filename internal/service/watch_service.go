package service

import (
	"context"

	"github.com/devrev/guildstore/internal/metrics"
	"github.com/devrev/guildstore/internal/storage/layout"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchService drops cached documents whose canonical file changes on
// disk, including changes made by other processes or by hand.
type WatchService struct {
	layout  *layout.Layout
	cache   *CacheService
	metrics *metrics.Metrics
	logger  *zap.Logger
	watcher *fsnotify.Watcher
}

// NewWatchService starts watching the data directory
func NewWatchService(l *layout.Layout, cache *CacheService, m *metrics.Metrics, logger *zap.Logger) (*WatchService, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(l.Dir()); err != nil {
		watcher.Close()
		return nil, err
	}

	return &WatchService{
		layout:  l,
		cache:   cache,
		metrics: m,
		logger:  logger,
		watcher: watcher,
	}, nil
}

// Run processes events until ctx is done, then closes the watcher
func (w *WatchService) Run(ctx context.Context) {
	defer w.watcher.Close()

	w.logger.Info("Watching data directory", zap.String("dir", w.layout.Dir()))

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Overflow means events were lost; nothing cached can be trusted.
			w.logger.Warn("Watcher error, purging cache", zap.Error(err))
			w.cache.Purge()
		}
	}
}

func (w *WatchService) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	tenantID, ok := w.layout.TenantFromPath(event.Name)
	if !ok {
		return
	}

	if w.cache.Remove(tenantID) {
		w.metrics.RecordCacheInvalidation()
		w.logger.Debug("Invalidated cached document",
			zap.String("tenant_id", tenantID),
			zap.String("op", event.Op.String()))
	}
}
