package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/devrev/guildstore/internal/codec"
	"github.com/devrev/guildstore/internal/errors"
	"github.com/devrev/guildstore/internal/metrics"
	"github.com/devrev/guildstore/internal/model"
	"github.com/devrev/guildstore/internal/storage/atomicfile"
	"github.com/devrev/guildstore/internal/storage/filelock"
	"github.com/devrev/guildstore/internal/storage/layout"
	"github.com/devrev/guildstore/internal/validation"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxSaveAttempts bounds the compare-and-retry loop of a save.
const DefaultMaxSaveAttempts = 5

// errRevisionMoved reports that another writer committed between a save's
// read and its commit.
var errRevisionMoved = stderrors.New("revision moved")

// DocumentService loads and saves tenant documents. Saves are optimistic:
// the current document is read and merged without holding any lock, and
// the commit only succeeds if the on-disk revision has not moved since.
type DocumentService struct {
	layout      *layout.Layout
	validator   *validation.Validator
	writer      *atomicfile.Writer
	locker      filelock.Locker
	cache       *CacheService
	metrics     *metrics.Metrics
	logger      *zap.Logger
	maxAttempts int

	loads       singleflight.Group
	tenantLocks sync.Map // tenant ID -> *sync.Mutex

	// afterRead runs between a save attempt's read and its commit.
	afterRead func(tenantID string, attempt int)
}

// DocumentServiceConfig holds document service configuration
type DocumentServiceConfig struct {
	MaxSaveAttempts int
	// ProcessLock takes an advisory file lock around each commit so that
	// several processes can share one data directory.
	ProcessLock bool
}

// NewDocumentService creates a new document service. cache may be nil.
func NewDocumentService(
	cfg *DocumentServiceConfig,
	l *layout.Layout,
	validator *validation.Validator,
	writer *atomicfile.Writer,
	cache *CacheService,
	m *metrics.Metrics,
	logger *zap.Logger,
) *DocumentService {
	maxAttempts := cfg.MaxSaveAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxSaveAttempts
	}

	locker := filelock.Nop()
	if cfg.ProcessLock {
		locker = filelock.New()
	}

	return &DocumentService{
		layout:      l,
		validator:   validator,
		writer:      writer,
		locker:      locker,
		cache:       cache,
		metrics:     m,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// snapshot is one read of a tenant's files
type snapshot struct {
	doc          *model.TenantDocument
	source       string
	needsRewrite bool
}

// Load returns the tenant's current document. A tenant without a file
// gets a fresh default document; Load never writes.
func (s *DocumentService) Load(ctx context.Context, tenantID string) (*model.TenantDocument, error) {
	if err := s.validator.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if doc, ok := s.cache.Get(tenantID); ok {
		s.metrics.RecordLoad(metrics.SourceCache)
		return doc, nil
	}

	v, _, _ := s.loads.Do(tenantID, func() (interface{}, error) {
		snap := s.readCurrent(s.layout.Paths(tenantID))
		s.metrics.RecordLoad(snap.source)
		if snap.source != metrics.SourceDefault {
			s.cache.Put(tenantID, snap.doc)
		}
		return snap, nil
	})

	return v.(*snapshot).doc.Clone(), nil
}

// EnsureLoaded loads the tenant's document and, when the stored form is
// legacy, incomplete, recovered from backup or missing, rewrites it in
// canonical form. The rewrite keeps the revision. A failed rewrite is
// logged and the in-memory document is still returned.
func (s *DocumentService) EnsureLoaded(ctx context.Context, tenantID string) (*model.TenantDocument, error) {
	doc, _, err := s.ensureLoaded(ctx, tenantID)
	if doc == nil {
		return nil, err
	}
	return doc, nil
}

// ensureLoaded reports whether a rewrite happened. A rewrite failure is
// returned as healErr alongside a usable document.
func (s *DocumentService) ensureLoaded(ctx context.Context, tenantID string) (doc *model.TenantDocument, healed bool, err error) {
	if err := s.validator.ValidateTenantID(tenantID); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	paths := s.layout.Paths(tenantID)
	snap := s.readCurrent(paths)
	s.metrics.RecordLoad(snap.source)

	if !snap.needsRewrite && snap.source == metrics.SourceCanonical {
		s.cache.Put(tenantID, snap.doc)
		return snap.doc.Clone(), false, nil
	}

	written, healErr := s.commit(paths, snap.doc.Rev, snap.doc, false)
	switch {
	case healErr == nil:
		s.metrics.RecordSelfHeal()
		s.logger.Info("Rewrote tenant document in canonical form",
			zap.String("tenant_id", tenantID),
			zap.String("source", snap.source),
			zap.Int64("rev", written.Rev))
		return written.Clone(), true, nil
	case stderrors.Is(healErr, errRevisionMoved):
		// Another writer got there first; its document is already canonical.
		return s.readCurrent(paths).doc, false, nil
	default:
		s.logger.Warn("Self-heal rewrite failed",
			zap.String("tenant_id", tenantID),
			zap.String("source", snap.source),
			zap.Error(healErr))
		return snap.doc.Clone(), false, healErr
	}
}

// Save persists doc using MergeOverlay to reconcile concurrent writers.
func (s *DocumentService) Save(ctx context.Context, tenantID string, doc *model.TenantDocument) (*model.TenantDocument, error) {
	return s.SaveWithMerge(ctx, tenantID, doc, MergeOverlay)
}

// SaveWithMerge persists doc. If doc.Rev matches the stored revision the
// document is written as given; otherwise merge combines it with the
// stored document. The returned document carries the new revision.
func (s *DocumentService) SaveWithMerge(ctx context.Context, tenantID string, doc *model.TenantDocument, merge MergeFunc) (*model.TenantDocument, error) {
	if merge == nil {
		merge = MergeOverlay
	}
	intent := codec.NormalizeDocument(doc.Clone())

	return s.compareAndSwap(ctx, tenantID, func(current *model.TenantDocument) (*model.TenantDocument, bool, error) {
		if current.Rev == intent.Rev {
			return intent.Clone(), false, nil
		}
		return merge(current, intent.Clone()), true, nil
	})
}

// Update applies mutate to the current document and persists the result.
// mutate runs once per attempt against a fresh copy, so it sees every
// concurrent commit and its deletions are preserved. It must not retain doc.
func (s *DocumentService) Update(ctx context.Context, tenantID string, mutate func(doc *model.TenantDocument) error) (*model.TenantDocument, error) {
	return s.compareAndSwap(ctx, tenantID, func(current *model.TenantDocument) (*model.TenantDocument, bool, error) {
		if err := mutate(current); err != nil {
			return nil, false, err
		}
		return current, false, nil
	})
}

// buildFunc turns the freshly read document into the one to commit and
// reports whether it had to merge.
type buildFunc func(current *model.TenantDocument) (next *model.TenantDocument, merged bool, err error)

func (s *DocumentService) compareAndSwap(ctx context.Context, tenantID string, build buildFunc) (*model.TenantDocument, error) {
	if err := s.validator.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	start := time.Now()
	paths := s.layout.Paths(tenantID)
	var lastRev int64

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			s.metrics.RecordSave(metrics.OutcomeError, time.Since(start))
			return nil, err
		}

		current := s.readCurrent(paths)
		lastRev = current.doc.Rev

		next, merged, err := build(current.doc.Clone())
		if err != nil {
			s.metrics.RecordSave(metrics.OutcomeError, time.Since(start))
			return nil, err
		}
		next = codec.NormalizeDocument(next)
		next.SchemaVersion = model.CurrentSchemaVersion

		if s.afterRead != nil {
			s.afterRead(tenantID, attempt)
		}

		written, err := s.commit(paths, current.doc.Rev, next, true)
		if stderrors.Is(err, errRevisionMoved) {
			s.metrics.RecordSaveRetry()
			s.logger.Debug("Revision moved during save, retrying",
				zap.String("tenant_id", tenantID),
				zap.Int("attempt", attempt),
				zap.Int64("read_rev", current.doc.Rev))
			continue
		}
		if err != nil {
			s.metrics.RecordSave(metrics.OutcomeError, time.Since(start))
			s.logger.Error("Save failed",
				zap.String("tenant_id", tenantID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return nil, err
		}

		outcome := metrics.OutcomeAccepted
		if merged {
			outcome = metrics.OutcomeMerged
		}
		s.metrics.RecordSave(outcome, time.Since(start))
		s.logger.Debug("Saved tenant document",
			zap.String("tenant_id", tenantID),
			zap.String("outcome", outcome),
			zap.Int64("rev", written.Rev),
			zap.Int("attempts", attempt))

		return written.Clone(), nil
	}

	s.metrics.RecordSave(metrics.OutcomeConflict, time.Since(start))
	s.logger.Warn("Save gave up after repeated conflicts",
		zap.String("tenant_id", tenantID),
		zap.Int("attempts", s.maxAttempts),
		zap.Int64("last_rev", lastRev))

	return nil, errors.SaveConflict(tenantID, s.maxAttempts, lastRev)
}

// commit writes next if the stored revision still equals expectedRev.
// With bumpRev the written document gets expectedRev+1, otherwise it
// keeps expectedRev.
func (s *DocumentService) commit(paths layout.Paths, expectedRev int64, next *model.TenantDocument, bumpRev bool) (*model.TenantDocument, error) {
	unlock, err := s.lockTenant(paths)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current := s.readCurrent(paths)
	if current.doc.Rev != expectedRev {
		return nil, errRevisionMoved
	}

	toWrite := next.Clone()
	toWrite.Rev = expectedRev
	if bumpRev {
		toWrite.Rev++
	}

	data, err := codec.Encode(toWrite)
	if err != nil {
		return nil, errors.InternalError("failed to encode document", err)
	}

	// A document recovered from backup must not overwrite that backup with
	// the corrupt canonical file.
	opts := atomicfile.WriteOptions{SkipBackup: current.source != metrics.SourceCanonical}
	if _, err := s.writer.WriteFile(paths, data, opts); err != nil {
		if errors.IsStoreError(err) {
			return nil, err
		}
		return nil, errors.WriteFailed(paths.TenantID, err)
	}

	s.cache.Put(paths.TenantID, toWrite)
	return toWrite, nil
}

// lockTenant serialises commits for one tenant within the process and,
// when enabled, across processes.
func (s *DocumentService) lockTenant(paths layout.Paths) (func(), error) {
	v, _ := s.tenantLocks.LoadOrStore(paths.TenantID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()

	release, err := s.locker.Lock(paths.Lock)
	if err != nil {
		mu.Unlock()
		return nil, errors.LockFailed(paths.Lock, err)
	}

	return func() {
		if err := release(); err != nil {
			s.logger.Warn("Failed to release tenant file lock",
				zap.String("tenant_id", paths.TenantID),
				zap.Error(err))
		}
		mu.Unlock()
	}, nil
}

// readCurrent reads the canonical file, falling back to the backup and
// then to a default document. It never fails.
func (s *DocumentService) readCurrent(paths layout.Paths) *snapshot {
	decoded, err := s.readFile(paths.Canonical)
	if err == nil {
		return &snapshot{
			doc:          decoded.Doc,
			source:       metrics.SourceCanonical,
			needsRewrite: decoded.NeedsRewrite(),
		}
	}
	if !os.IsNotExist(err) {
		s.logger.Warn("Canonical document unreadable, trying backup",
			zap.String("tenant_id", paths.TenantID),
			zap.Error(err))
	}

	decoded, backupErr := s.readFile(paths.Backup)
	if backupErr == nil {
		s.logger.Warn("Recovered tenant document from backup",
			zap.String("tenant_id", paths.TenantID),
			zap.Int64("rev", decoded.Doc.Rev))
		return &snapshot{
			doc:          decoded.Doc,
			source:       metrics.SourceBackup,
			needsRewrite: true,
		}
	}
	if !os.IsNotExist(backupErr) {
		s.logger.Error("Backup document unreadable, using default",
			zap.String("tenant_id", paths.TenantID),
			zap.Error(backupErr))
	}

	return &snapshot{
		doc:          model.NewTenantDocument(),
		source:       metrics.SourceDefault,
		needsRewrite: true,
	}
}

func (s *DocumentService) readFile(path string) (*codec.Decoded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decoded, err := codec.Decode(data)
	if err != nil {
		return nil, errors.CorruptedData(fmt.Sprintf("cannot decode %s", path), err)
	}
	return decoded, nil
}

// Layout returns the directory layout the service reads and writes
func (s *DocumentService) Layout() *layout.Layout {
	return s.layout
}

// Cache returns the document cache, which may be nil
func (s *DocumentService) Cache() *CacheService {
	return s.cache
}
