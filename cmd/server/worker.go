package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/config"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/database"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/logger"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run scheduled maintenance jobs",
	Long:  `Runs the idempotency record purge on the configured cron schedule.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		return runWorker(cfg, log)
	},
}

func runWorker(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, databaseConfig(cfg))
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	store := repository.NewPgStore(db)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.CronJob(cfg.Idempotency.PurgeCron, false),
		gocron.NewTask(func() {
			purgeIdempotency(ctx, store, cfg.Idempotency.Retention, log)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule idempotency purge: %w", err)
	}

	scheduler.Start()
	log.Info().
		Str("cron", cfg.Idempotency.PurgeCron).
		Dur("retention", cfg.Idempotency.Retention).
		Msg("Worker started")

	<-ctx.Done()
	log.Info().Msg("Shutting down worker...")
	if err := scheduler.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Scheduler shutdown failed")
	}
	log.Info().Msg("Worker stopped")
	return nil
}

func purgeIdempotency(ctx context.Context, store repository.Store, retention time.Duration, log *logger.Logger) {
	cutoff := time.Now().Add(-retention)
	var purged int64
	err := store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		var err error
		purged, err = r.Idempotency.PurgeBefore(ctx, cutoff)
		return err
	})
	if err != nil {
		log.Error().Err(err).Time("cutoff", cutoff).Msg("Idempotency purge failed")
		return
	}
	log.Info().Int64("purged", purged).Time("cutoff", cutoff).Msg("Idempotency records purged")
}
