package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wp-statistics/wp-statistics-sub008/internal/adapter"
	api "github.com/wp-statistics/wp-statistics-sub008/internal/api"
	"github.com/wp-statistics/wp-statistics-sub008/internal/artifact"
	"github.com/wp-statistics/wp-statistics-sub008/internal/backup"
	"github.com/wp-statistics/wp-statistics-sub008/internal/config"
	"github.com/wp-statistics/wp-statistics-sub008/internal/diagnostics"
	"github.com/wp-statistics/wp-statistics-sub008/internal/exporter"
	"github.com/wp-statistics/wp-statistics-sub008/internal/importer"
	"github.com/wp-statistics/wp-statistics-sub008/internal/lock"
	"github.com/wp-statistics/wp-statistics-sub008/internal/migrate"
	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
	"github.com/wp-statistics/wp-statistics-sub008/internal/progress"
	"github.com/wp-statistics/wp-statistics-sub008/internal/records"
	"github.com/wp-statistics/wp-statistics-sub008/internal/scheduler"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := records.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.ProvisionSchema(ctx); err != nil {
		log.Fatalf("provision schema: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	var artifacts artifact.Store
	if cfg.ArtifactS3Bucket != "" {
		artifacts, err = artifact.NewS3Store(ctx, cfg)
		if err != nil {
			log.Fatalf("s3 artifact store: %v", err)
		}
	} else {
		artifacts = artifact.NewLocalStore(cfg.ArtifactDir)
	}

	locks := lock.NewManager(client, cfg.LockTTL)
	prog := progress.NewStore(client)
	registry := adapter.Default()

	imports := importer.NewManager(cfg, client, locks, prog, registry, artifacts, st, logger)
	exports := exporter.NewManager(cfg, client, artifacts, st, logger)
	backups := backup.NewManager(artifacts, st, func(ctx context.Context) (backup.Stage, error) {
		return st.NewRestoreStage(ctx)
	}, logger)
	mig := migrate.NewManager(client, prog, st, st, backups, logger)

	sched := scheduler.New(cfg, locks, prog, client, logger)
	sched.Register(models.Job{
		Key:         "aggregate_summaries",
		Label:       "Aggregate summaries",
		Description: "Folds raw events into daily summary rows",
		Recurrence:  models.RecurrenceDaily,
		Enabled:     true,
	}, scheduler.NewSummaryRunner(st, st))
	sched.Register(models.Job{
		Key:         "prune_raw_events",
		Label:       "Prune raw events",
		Description: "Archives then deletes raw events past retention",
		Recurrence:  models.RecurrenceDaily,
		Enabled:     true,
	}, scheduler.NewPruneRunner(st, backups, cfg.RetentionDays))
	sched.Register(models.Job{
		Key:         "cleanup_sessions",
		Label:       "Clean up sessions",
		Description: "Removes artifacts left by expired import and export sessions",
		Recurrence:  models.RecurrenceDaily,
		Enabled:     true,
	}, scheduler.NewCleanupRunner(
		importer.NewSweeper(client, artifacts),
		exporter.NewSweeper(client, artifacts),
	))
	sched.Register(models.Job{
		Key:         migrate.JobKey,
		Label:       "Legacy migration",
		Description: "Moves legacy-schema rows into the current schema",
		Recurrence:  models.RecurrenceNone,
		Enabled:     true,
	}, mig.Runner())
	mig.SetTrigger(sched)

	jobKeys := map[string]bool{
		"aggregate_summaries": true,
		"prune_raw_events":    true,
		"cleanup_sessions":    true,
		migrate.JobKey:        true,
	}

	diags := diagnostics.NewEngine(locks, logger)
	diags.Register(&diagnostics.TableEngineCheck{Store: st})
	diags.Register(&diagnostics.SchemaVersionCheck{Store: st})
	diags.Register(&diagnostics.ArtifactStoreCheck{Artifacts: artifacts})
	diags.Register(&diagnostics.OrphanedProgressCheck{
		Progress: prog,
		Live: func(ctx context.Context, scope string) (bool, error) {
			if jobKeys[scope] {
				return true, nil
			}
			if id, ok := strings.CutPrefix(scope, "import:"); ok {
				n, err := client.Exists(ctx, "import:session:"+id).Result()
				return n == 1, err
			}
			return false, nil
		},
	})

	if cfg.TickInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.TickInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := sched.Tick(ctx); err != nil {
						logger.WithError(err).Error("scheduler tick failed")
					}
				}
			}
		}()
	}

	server := api.New(cfg, sched, registry, imports, exports, backups, mig, diags, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.WithField("port", cfg.HTTPPort).Info("engine listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
