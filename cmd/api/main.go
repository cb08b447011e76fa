package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftmail/email-scheduler/internal/config"
	"github.com/driftmail/email-scheduler/internal/core"
	database "github.com/driftmail/email-scheduler/internal/db"
	"github.com/driftmail/email-scheduler/internal/dispatch"
	httpapi "github.com/driftmail/email-scheduler/internal/http"
	"github.com/driftmail/email-scheduler/internal/ingest"
	"github.com/driftmail/email-scheduler/internal/metrics"
	"github.com/driftmail/email-scheduler/internal/provider"
	"github.com/driftmail/email-scheduler/internal/schedule"
	"github.com/driftmail/email-scheduler/internal/scheduler"
)

func main() {
	cfg := config.Load()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := database.Connect(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()
	if err := database.ApplyMigrations(rootCtx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	resolver, err := schedule.NewResolver(cfg.ScheduleOffset)
	if err != nil {
		log.Fatalf("schedule: %v", err)
	}

	mailer, err := buildMailer(cfg)
	if err != nil {
		log.Fatalf("provider: %v", err)
	}

	store := &core.Store{DB: pool}
	strategy, window := buildStrategy(cfg, store, mailer)

	sched := scheduler.New(store, strategy, scheduler.Options{
		Spec:      cfg.SchedulerSpec,
		BatchSize: cfg.SchedulerBatch,
		Window:    window,
	})
	if cfg.EnableScheduler {
		if err := sched.Start(); err != nil {
			log.Fatalf("scheduler: %v", err)
		}
		defer sched.Stop()
	} else {
		log.Println("scheduler disabled (ENABLE_SCHEDULER=false); rely on GET /cron")
	}

	metrics.MustRegister()
	stop := make(chan struct{})
	go metrics.NewPGXPoolStats(pool).Start(10*time.Second, stop)
	defer close(stop)

	srv := httpapi.NewServer(store, resolver, sched, ingest.New(store), cfg)
	server := &http.Server{
		Addr:         cfg.Host + ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("HTTP listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	// ---- Graceful shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	cancel()
	_ = server.Shutdown(shutdownCtx)
}

// buildMailer fails fast when provider credentials are required but
// missing; development falls back to the dummy provider.
func buildMailer(cfg config.Config) (provider.Mailer, error) {
	if cfg.ResendAPIKey != "" {
		return provider.NewResend(cfg.ResendAPIKey, cfg.MailFrom)
	}
	if cfg.Development() {
		log.Println("no RESEND_API_KEY, using dummy provider")
		return provider.NewDummy(), nil
	}
	return nil, core.Misconfigured("RESEND_API_KEY is required outside development")
}

// buildStrategy picks the deployment's dispatch variant. The claim
// window is widened by the hand-off lead only for the provider
// strategy, so local deployments never claim early.
func buildStrategy(cfg config.Config, store *core.Store, mailer provider.Mailer) (dispatch.Strategy, time.Duration) {
	opt := dispatch.Options{
		ProviderQPS:   cfg.ProviderQPS,
		ProviderBurst: cfg.ProviderBurst,
		SendTimeout:   cfg.SendTimeout,
	}
	if cfg.DispatchStrategy == config.StrategyProvider {
		return dispatch.NewDeferred(store, mailer, cfg.DeferredHorizon, opt), cfg.DeferredLead
	}
	return dispatch.NewEngine(store, mailer, opt), 0
}
