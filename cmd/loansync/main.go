package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcclellann/loansync/pkg/config"
	"github.com/mcclellann/loansync/pkg/deadletter"
	"github.com/mcclellann/loansync/pkg/lease"
	"github.com/mcclellann/loansync/pkg/ledger"
	"github.com/mcclellann/loansync/pkg/logger"
	"github.com/mcclellann/loansync/pkg/metrics"
	"github.com/mcclellann/loansync/pkg/models"
	"github.com/mcclellann/loansync/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "loansync",
		Short:        "Rebuilds installment payment allocations from loan-tape payments",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(allocateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is everything a subcommand needs, built from the environment.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	source   *store.SQLStore
	target   *store.SQLStore
	registry *prometheus.Registry
	ledger   *ledger.Ledger

	closers []func() error
}

func openStore(ctx context.Context, dialect, dsn string) (*store.SQLStore, error) {
	s, err := store.Open(dialect, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == store.DialectSQLite {
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	log, err := logger.New(logger.Config{
		ServiceName: "loansync",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		return nil, err
	}

	for _, w := range cfg.Warnings {
		log.Warn("configuration", zap.String("detail", w))
	}

	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.closers = append(a.closers, func() error { _ = log.Sync(); return nil })

	a.source, err = openStore(ctx, cfg.SourceDialect, cfg.SourceDSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open source database: %w", err)
	}
	a.closers = append(a.closers, a.source.Close)

	a.target = a.source
	if !cfg.SameDatabase() {
		a.target, err = openStore(ctx, cfg.TargetDialect, cfg.TargetDSN)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open target database: %w", err)
		}
		a.closers = append(a.closers, a.target.Close)
	}

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sinks := deadletter.Fanout{deadletter.NewStoreSink(a.target)}
	if len(cfg.KafkaBrokers) > 0 {
		ks := deadletter.NewKafkaSink(cfg.KafkaBrokers, cfg.DeadLetterTopic)
		a.closers = append(a.closers, ks.Close)
		sinks = append(sinks, ks)
	}

	var locker lease.Locker = lease.NewLocalLocker(nil)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		a.closers = append(a.closers, rdb.Close)
		locker = lease.NewRedisLocker(rdb)
	}

	a.ledger = ledger.NewLedger(a.source,
		ledger.WithTarget(a.target),
		ledger.WithDeadLetterSink(sinks),
		ledger.WithLocker(locker),
		ledger.WithMetrics(metrics.New(a.registry)),
		ledger.WithLogger(log),
		ledger.WithConfig(ledger.Config{
			BatchSize:  cfg.BatchSize,
			Workers:    cfg.Workers,
			MaxRetries: cfg.MaxRetries,
			LeaseTTL:   cfg.LeaseTTL,
		}),
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func printStats(cmd *cobra.Command, stats ledger.RunStats) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func allocateCmd() *cobra.Command {
	var trackName string
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Re-allocate every queued loan of a track",
		RunE: func(cmd *cobra.Command, args []string) error {
			track, err := models.ParseTrack(trackName)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, runErr := a.ledger.RunAllocation(ctx, track)
			if err := printStats(cmd, stats); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&trackName, "track", "t", string(models.TrackFIP), "Track to allocate (fip, pif)")
	return cmd
}

func sweepCmd() *cobra.Command {
	var trackName string
	cmd := &cobra.Command{
		Use:   "sweep-overdue",
		Short: "Flag unpaid installments past their due date as overdue",
		RunE: func(cmd *cobra.Command, args []string) error {
			track, err := models.ParseTrack(trackName)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, runErr := a.ledger.SweepOverdue(ctx, track)
			if err := printStats(cmd, stats); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&trackName, "track", "t", string(models.TrackFIP), "Track to sweep (fip, pif)")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run allocation and overdue sweeps on an interval behind the admin endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			server := NewServer(a.ledger, a.target, a.target, a.registry, a.log)
			httpServer := &http.Server{
				Addr:              a.cfg.AdminAddr,
				Handler:           server.Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			go runLoop(ctx, a.ledger, a.cfg.RunInterval, a.log)

			errCh := make(chan error, 1)
			go func() {
				a.log.Info("admin server starting", zap.String("addr", a.cfg.AdminAddr))
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
}

// runLoop allocates then sweeps both tracks, once at start and then every interval.
func runLoop(ctx context.Context, l *ledger.Ledger, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, track := range []models.Track{models.TrackFIP, models.TrackPIF} {
			if _, err := l.RunAllocation(ctx, track); err != nil {
				log.Error("allocation run failed", zap.String("track", string(track)), zap.Error(err))
			}
			if _, err := l.SweepOverdue(ctx, track); err != nil {
				log.Error("overdue sweep failed", zap.String("track", string(track)), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
