package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrev/guildstore/internal/metrics"
	"github.com/devrev/guildstore/internal/util/workerpool"
	"go.uber.org/zap"
)

// Repair results
const (
	RepairClean  = "clean"
	RepairHealed = "healed"
	RepairFailed = "failed"
)

// RepairReport summarises one sweep over the data directory
type RepairReport struct {
	Scanned  int
	Clean    int
	Healed   int
	Failed   int
	Duration time.Duration
	// FailedTenants lists tenants whose rewrite failed, sorted.
	FailedTenants []string
}

// RepairService runs EnsureLoaded over every stored tenant so legacy and
// damaged files are rewritten ahead of their next use.
type RepairService struct {
	docs    *DocumentService
	pool    *workerpool.Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// RepairConfig holds repair sweep configuration
type RepairConfig struct {
	Workers   int
	QueueSize int
}

// NewRepairService creates a new repair service
func NewRepairService(cfg *RepairConfig, docs *DocumentService, m *metrics.Metrics, logger *zap.Logger) *RepairService {
	return &RepairService{
		docs: docs,
		pool: &workerpool.Config{
			Name:       "repair",
			MaxWorkers: cfg.Workers,
			QueueSize:  cfg.QueueSize,
			Logger:     logger,
		},
		metrics: m,
		logger:  logger,
	}
}

// RepairAll visits every tenant in the data directory. It stops queueing
// work when ctx is done but reports on everything already visited.
func (r *RepairService) RepairAll(ctx context.Context) (*RepairReport, error) {
	start := time.Now()

	tenants, err := r.docs.Layout().ListTenants()
	if err != nil {
		return nil, err
	}

	cfg := *r.pool
	pool := workerpool.NewWorkerPool(&cfg)

	var mu sync.Mutex
	report := &RepairReport{}
	record := func(tenantID, result string) {
		mu.Lock()
		defer mu.Unlock()
		report.Scanned++
		switch result {
		case RepairClean:
			report.Clean++
		case RepairHealed:
			report.Healed++
		case RepairFailed:
			report.Failed++
			report.FailedTenants = append(report.FailedTenants, tenantID)
		}
		r.metrics.RecordRepair(result)
	}

	var submitErr error
	for _, tenantID := range tenants {
		tenantID := tenantID
		submitErr = pool.Submit(ctx, workerpool.Task{
			ID: tenantID,
			Fn: func(context.Context) error {
				_, healed, err := r.docs.ensureLoaded(ctx, tenantID)
				switch {
				case err != nil:
					record(tenantID, RepairFailed)
					return err
				case healed:
					record(tenantID, RepairHealed)
				default:
					record(tenantID, RepairClean)
				}
				return nil
			},
		})
		if submitErr != nil {
			break
		}
	}

	if err := pool.Close(time.Minute); err != nil {
		r.logger.Warn("Repair workers did not finish in time", zap.Error(err))
	}

	report.Duration = time.Since(start)
	sort.Strings(report.FailedTenants)

	r.logger.Info("Repair sweep finished",
		zap.Int("tenants", len(tenants)),
		zap.Int("scanned", report.Scanned),
		zap.Int("healed", report.Healed),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration))

	return report, submitErr
}
