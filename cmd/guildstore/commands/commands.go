package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/guildstore/internal/codec"
	"github.com/devrev/guildstore/internal/kvcache"
	"github.com/devrev/guildstore/internal/model"
	"github.com/devrev/guildstore/internal/schema"
	"github.com/devrev/guildstore/internal/server"
	"github.com/devrev/guildstore/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Set at build time with -ldflags "-X .../commands.Version=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the metrics and health endpoints and watch the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAppFromCommand(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			repairOnStart, _ := cmd.Flags().GetBool("repair-on-start")
			return runServe(a, repairOnStart)
		},
	}
	cmd.Flags().Bool("repair-on-start", false, "rewrite legacy and damaged documents before serving")
	return cmd
}

func runServe(a *app, repairOnStart bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := kvcache.New(a.cfg.KVCacheClientConfig(), a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize kv cache: %w", err)
	}
	defer kv.Close()

	if repairOnStart {
		repair := service.NewRepairService(&service.RepairConfig{
			Workers:   a.cfg.Repair.Workers,
			QueueSize: a.cfg.Repair.QueueSize,
		}, a.docs, a.metrics, a.logger)
		if _, err := repair.RepairAll(ctx); err != nil {
			a.logger.Error("Startup repair sweep failed", zap.Error(err))
		}
	}

	if a.cfg.Watcher.Enabled && a.cache != nil {
		watcher, err := service.NewWatchService(a.layout, a.cache, a.metrics, a.logger)
		if err != nil {
			return fmt.Errorf("failed to watch data directory: %w", err)
		}
		go watcher.Run(ctx)
	}

	if a.cfg.Metrics.Enabled {
		srv := server.NewMetricsServer(&server.MetricsServerConfig{
			Port:            a.cfg.Metrics.Port,
			Path:            a.cfg.Metrics.Path,
			ShutdownTimeout: a.cfg.Metrics.ShutdownTimeout,
		}, a.registry, a.metrics, a.disk, []server.ReadinessCheck{
			server.DataDirWritable(a.layout.Dir()),
			server.DiskBelowCircuitBreaker(a.disk),
			server.Reachable("kvcache", kv),
		}, a.logger)

		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			if err := srv.Stop(); err != nil {
				a.logger.Error("Failed to stop metrics server", zap.Error(err))
			}
		}()
	}

	a.logger.Info("guildstore serving",
		zap.String("data_dir", a.layout.Dir()),
		zap.String("version", Version))

	<-ctx.Done()
	a.logger.Info("Shutting down gracefully...")
	return nil
}

// NewGetCommand creates the get command
func NewGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <tenant-id>",
		Short: "Print a tenant's normalized document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAppFromCommand(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			heal, _ := cmd.Flags().GetBool("heal")

			var doc *model.TenantDocument
			if heal {
				doc, err = a.docs.EnsureLoaded(cmd.Context(), args[0])
			} else {
				doc, err = a.docs.Load(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}

			data, err := codec.Encode(doc)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().Bool("heal", false, "rewrite the stored file in canonical form if needed")
	return cmd
}

// NewSetCommand creates the set command
func NewSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <tenant-id> <key> <json-value>",
		Short: "Set or delete a top-level key in a tenant's document",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAppFromCommand(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			del, _ := cmd.Flags().GetBool("delete")
			tenantID, key := args[0], args[1]

			var value json.RawMessage
			if !del {
				if len(args) != 3 {
					return fmt.Errorf("a JSON value is required unless --delete is given")
				}
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("value is not valid JSON: %s", args[2])
				}
				value = json.RawMessage(args[2])
			}

			saved, err := a.docs.Update(cmd.Context(), tenantID, func(doc *model.TenantDocument) error {
				switch key {
				case model.KeySchemaVersion, model.KeyRev, model.KeyVoice:
					return fmt.Errorf("%q is managed by the store", key)
				}
				if del {
					doc.Delete(key)
					return nil
				}
				doc.Extra[key] = value
				return nil
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s saved at rev %d\n", tenantID, saved.Rev)
			return nil
		},
	}
	cmd.Flags().Bool("delete", false, "remove the key instead of setting it")
	return cmd
}

// NewRepairCommand creates the repair command
func NewRepairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Rewrite every legacy, incomplete or damaged document in canonical form",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAppFromCommand(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			repair := service.NewRepairService(&service.RepairConfig{
				Workers:   a.cfg.Repair.Workers,
				QueueSize: a.cfg.Repair.QueueSize,
			}, a.docs, a.metrics, a.logger)

			report, err := repair.RepairAll(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "scanned: %d\nclean:   %d\nhealed:  %d\nfailed:  %d\ntook:    %s\n",
				report.Scanned, report.Clean, report.Healed, report.Failed, report.Duration.Round(time.Millisecond))
			for _, tenantID := range report.FailedTenants {
				fmt.Fprintf(out, "  failed: %s\n", tenantID)
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d tenants could not be repaired", report.Failed)
			}
			return nil
		},
	}
}

// NewVerifyCommand creates the verify command
func NewVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Report stored documents that are not in canonical form, without changing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAppFromCommand(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			verifier, err := schema.NewVerifier()
			if err != nil {
				return err
			}

			tenants, err := a.layout.ListTenants()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			invalid := 0
			for _, tenantID := range tenants {
				raw, err := os.ReadFile(a.layout.Paths(tenantID).Canonical)
				if err != nil {
					invalid++
					fmt.Fprintf(out, "%s: canonical file unreadable: %v\n", tenantID, err)
					continue
				}
				report := verifier.Verify(raw)
				if report.Valid {
					continue
				}
				invalid++
				for _, v := range report.Violations {
					fmt.Fprintf(out, "%s: %s\n", tenantID, v)
				}
			}

			fmt.Fprintf(out, "%d of %d documents need repair\n", invalid, len(tenants))
			if invalid > 0 {
				return fmt.Errorf("%d documents failed verification", invalid)
			}
			return nil
		},
	}
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print guildstore version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "guildstore %s (commit %s)\n", Version, GitCommit)
		},
	}
}
