package commands

import (
	"fmt"

	"github.com/devrev/guildstore/internal/config"
	"github.com/devrev/guildstore/internal/metrics"
	"github.com/devrev/guildstore/internal/service"
	"github.com/devrev/guildstore/internal/storage/atomicfile"
	"github.com/devrev/guildstore/internal/storage/diskmanager"
	"github.com/devrev/guildstore/internal/storage/layout"
	"github.com/devrev/guildstore/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app holds the services shared by every command
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	layout   *layout.Layout
	disk     *diskmanager.DiskManager
	cache    *service.CacheService
	docs     *service.DocumentService
}

func newAppFromCommand(cmd *cobra.Command) (*app, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfigOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

func newApp(cfg *config.Config) (*app, error) {
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	l := layout.New(cfg.Storage.DataDir)
	if err := l.EnsureDir(); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	disk, err := diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{
		DataDir:                 l.Dir(),
		CheckInterval:           cfg.Disk.CheckInterval,
		WarningThreshold:        cfg.Disk.WarningThreshold,
		ThrottleThreshold:       cfg.Disk.ThrottleThreshold,
		CircuitBreakerThreshold: cfg.Disk.CircuitBreakerThreshold,
	}, logger)
	if err != nil {
		return nil, err
	}

	format, err := validation.ParseFormat(cfg.Storage.TenantIDFormat)
	if err != nil {
		return nil, err
	}
	mode, err := cfg.Storage.Mode()
	if err != nil {
		return nil, err
	}

	writer := atomicfile.NewWriter(atomicfile.Config{
		FileMode: mode,
		SyncDir:  *cfg.Storage.SyncDir,
	}, disk, m, logger)

	var cache *service.CacheService
	if cfg.Cache.Enabled {
		cache = service.NewCacheService(&service.CacheConfig{
			MaxEntries: cfg.Cache.MaxEntries,
			TTL:        cfg.Cache.TTL,
		}, m, logger)
	}

	docs := service.NewDocumentService(
		&service.DocumentServiceConfig{
			MaxSaveAttempts: cfg.Storage.MaxSaveAttempts,
			ProcessLock:     cfg.Storage.ProcessLock,
		},
		l,
		validation.NewValidator(format),
		writer,
		cache,
		m,
		logger,
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  m,
		layout:   l,
		disk:     disk,
		cache:    cache,
		docs:     docs,
	}, nil
}

func (a *app) close() {
	a.logger.Sync()
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
