package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	api "github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/api"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/config"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/escalate"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/jobqueue"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/jobs"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/monitor"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/ratelimit"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/service"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/store"
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
		signal.Notify(ch, os.Interrupt)
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

	queue := jobqueue.New(jobqueue.Options{
		Capacity:     cfg.QueueCapacity,
		HistorySize:  cfg.QueueHistory,
		PollInterval: cfg.QueuePollInterval,
	})
	pools := workerpool.NewManager(cfg.PoolDefaultWorkers, cfg.PoolBacklogFactor)
	broker := escalate.NewBroker(client, cfg.EscalateVisibility)
	esc := escalate.New(client, broker, archive, escalate.Options{
		MaxAttempts: cfg.EscalateMaxAttempts,
		ResultTTL:   cfg.EscalateResultTTL,
	})

	mon := monitor.New(client, monitor.Options{
		Interval:        cfg.MonitorInterval,
		CPUThreshold:    cfg.MonitorCPUThreshold,
		MemoryThreshold: cfg.MonitorMemoryThreshold,
		DiskThreshold:   cfg.MonitorDiskThreshold,
		DiskPath:        cfg.MonitorDiskPath,
	})
	mon.Start()

	svc := service.New(queue, pools, esc, mon)

	maintenance, err := jobs.NewMaintenanceHandler(ctx, cfg)
	if err != nil {
		log.Fatalf("init maintenance handler: %v", err)
	}
	svc.RegisterHandler("system_maintenance", maintenance.Handle)
	svc.RegisterDurable("database_backup")
	svc.RegisterDurable("bulk_document_send")
	svc.RegisterDurable("image_variants")

	if cfg.MonitorMaintenance {
		svc.WatchAlerts(mon.Alerts(), 0)
	}

	limiter := ratelimit.NewLimiter(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, svc, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	svc.Shutdown(true)
}
