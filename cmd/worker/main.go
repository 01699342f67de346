package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/config"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/escalate"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/jobs"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/store"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/telemetry"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	var archive escalate.Archive
	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		archive = st
	}

	broker := escalate.NewBroker(client, cfg.EscalateVisibility)
	esc := escalate.New(client, broker, archive, escalate.Options{
		MaxAttempts: cfg.EscalateMaxAttempts,
		ResultTTL:   cfg.EscalateResultTTL,
	})

	pools := workerpool.NewManager(cfg.PoolDefaultWorkers, cfg.PoolBacklogFactor)
	defer pools.ShutdownAll(true)

	runner := escalate.NewRunner(esc, cfg.EscalatePollInterval, cfg.EscalateRetryDelay)

	maintenance, err := jobs.NewMaintenanceHandler(ctx, cfg)
	if err != nil {
		log.Fatalf("init maintenance handler: %v", err)
	}
	runner.RegisterHandler("database_backup", func(ctx context.Context, task *escalate.Task) (any, error) {
		return maintenance.HandleBackup(ctx, task.Payload)
	})

	sender := jobs.NewDocumentSender(pools, cfg.PoolDefaultWorkers)
	runner.RegisterHandler("bulk_document_send", func(ctx context.Context, task *escalate.Task) (any, error) {
		return sender.Send(ctx, task.Payload)
	})

	images, err := jobs.NewImageVariantHandler(ctx, cfg)
	if err != nil {
		log.Fatalf("init image handler: %v", err)
	}
	runner.RegisterHandler("image_variants", func(ctx context.Context, task *escalate.Task) (any, error) {
		return images.Render(ctx, task.Payload)
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("runner started with visibility=%s retry_delay=%s max_attempts=%d",
		cfg.EscalateVisibility, cfg.EscalateRetryDelay, cfg.EscalateMaxAttempts)
	if err := runner.Run(ctx); err != nil {
		log.Printf("runner stopped: %v", err)
	}
}
