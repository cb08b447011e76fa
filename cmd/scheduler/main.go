// Standalone scheduler-loop binary for deployments that keep the API
// and the background loop in separate processes. Only one scheduler
// instance may run per deployment; external mutual exclusion is on the
// operator when scaling out.
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
	"github.com/driftmail/email-scheduler/internal/provider"
	"github.com/driftmail/email-scheduler/internal/scheduler"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg := config.Load()

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := database.Connect(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("db: %v", err)
		exitCode = 1
		return
	}
	defer pool.Close()
	if err := database.ApplyMigrations(rootCtx, pool); err != nil {
		log.Printf("migrate: %v", err)
		exitCode = 1
		return
	}

	var mailer provider.Mailer
	if cfg.ResendAPIKey != "" {
		mailer, err = provider.NewResend(cfg.ResendAPIKey, cfg.MailFrom)
		if err != nil {
			log.Printf("provider: %v", err)
			exitCode = 1
			return
		}
	} else if cfg.Development() {
		mailer = provider.NewDummy()
	} else {
		log.Print("RESEND_API_KEY is required outside development")
		exitCode = 1
		return
	}

	store := &core.Store{DB: pool}
	opt := dispatch.Options{
		ProviderQPS:   cfg.ProviderQPS,
		ProviderBurst: cfg.ProviderBurst,
		SendTimeout:   cfg.SendTimeout,
	}
	var strategy dispatch.Strategy
	var window time.Duration
	if cfg.DispatchStrategy == config.StrategyProvider {
		strategy = dispatch.NewDeferred(store, mailer, cfg.DeferredHorizon, opt)
		window = cfg.DeferredLead
	} else {
		strategy = dispatch.NewEngine(store, mailer, opt)
	}

	sched := scheduler.New(store, strategy, scheduler.Options{
		Spec:      cfg.SchedulerSpec,
		BatchSize: cfg.SchedulerBatch,
		Window:    window,
	})
	if err := sched.Start(); err != nil {
		log.Printf("scheduler: %v", err)
		exitCode = 1
		return
	}

	go serveHealthz()

	<-rootCtx.Done()
	sched.Stop()
}

func serveHealthz() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	addr := env("HEALTH_ADDR", "0.0.0.0:9090")
	_ = http.ListenAndServe(addr, mux)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
