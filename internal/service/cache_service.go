package service

import (
	"sync"
	"time"

	"github.com/devrev/guildstore/internal/metrics"
	"github.com/devrev/guildstore/internal/model"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// CacheService keeps recently loaded documents in process memory.
// Documents are cloned on the way in and out, so callers never share
// a document with the cache. A nil *CacheService is a disabled cache.
type CacheService struct {
	lru     *expirable.LRU[string, *model.TenantDocument]
	mu      sync.Mutex
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(cfg *CacheConfig, m *metrics.Metrics, logger *zap.Logger) *CacheService {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 2000
	}
	s := &CacheService{
		metrics: m,
		logger:  logger,
	}
	s.lru = expirable.NewLRU[string, *model.TenantDocument](cfg.MaxEntries, nil, cfg.TTL)
	return s
}

// Get returns a copy of the cached document for tenantID
func (s *CacheService) Get(tenantID string) (*model.TenantDocument, bool) {
	if s == nil {
		return nil, false
	}

	doc, ok := s.lru.Get(tenantID)
	if !ok {
		s.metrics.RecordCacheMiss()
		return nil, false
	}
	s.metrics.RecordCacheHit()
	return doc.Clone(), true
}

// Put caches a copy of doc unless a newer revision is already cached.
func (s *CacheService) Put(tenantID string, doc *model.TenantDocument) {
	if s == nil || doc == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.lru.Peek(tenantID); ok && existing.Rev > doc.Rev {
		s.logger.Debug("Skipping stale cache fill",
			zap.String("tenant_id", tenantID),
			zap.Int64("cached_rev", existing.Rev),
			zap.Int64("rev", doc.Rev))
		return
	}
	s.lru.Add(tenantID, doc.Clone())
	s.metrics.UpdateCacheEntries(s.lru.Len())
}

// Remove drops a tenant's entry
func (s *CacheService) Remove(tenantID string) bool {
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.lru.Remove(tenantID)
	s.metrics.UpdateCacheEntries(s.lru.Len())
	return removed
}

// Len returns the number of cached documents
func (s *CacheService) Len() int {
	if s == nil {
		return 0
	}
	return s.lru.Len()
}

// Purge drops every entry
func (s *CacheService) Purge() {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lru.Purge()
	s.metrics.UpdateCacheEntries(0)
}
