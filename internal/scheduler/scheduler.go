// Package scheduler owns the recurring loop that promotes due
// campaigns into the dispatch pipeline. The loop is an explicit
// process-wide background task: it is constructed and started from
// main, never as an import side effect, and Start is idempotent so a
// second call cannot spawn a second timer.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/driftmail/email-scheduler/internal/core"
	"github.com/driftmail/email-scheduler/internal/dispatch"
	"github.com/driftmail/email-scheduler/internal/metrics"
)

// Store is the claim surface the loop needs from persistence.
type Store interface {
	ClaimDue(ctx context.Context, limit int, window time.Duration) ([]core.Campaign, error)
}

type Options struct {
	Spec      string        // cron spec, default every minute
	BatchSize int           // max campaigns claimed per tick
	Window    time.Duration // claim lead for the provider-deferred strategy, 0 for local
}

type Summary struct {
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`

	// Err is set when the claim step itself failed; per-campaign
	// dispatch failures are counted, not reported here.
	Err error `json:"-"`
}

type Scheduler struct {
	store    Store
	strategy dispatch.Strategy
	opt      Options

	cron    *cron.Cron
	startMu sync.Mutex
	started bool

	// runMu serializes loop invocations: a manual trigger racing the
	// cron tick must not double-process. The DB claim is atomic anyway,
	// this just keeps the two passes from interleaving.
	runMu sync.Mutex
}

func New(store Store, strategy dispatch.Strategy, opt Options) *Scheduler {
	if opt.Spec == "" {
		opt.Spec = "* * * * *"
	}
	if opt.BatchSize <= 0 {
		opt.BatchSize = 10
	}
	return &Scheduler{store: store, strategy: strategy, opt: opt}
}

// Start arms the recurring tick. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		log.Println("scheduler: already started")
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(s.opt.Spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		s.RunOnce(ctx)
	})
	if err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.started = true
	log.Printf("scheduler: started (spec %q, batch %d)", s.opt.Spec, s.opt.BatchSize)
	return nil
}

// Stop halts the tick and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.runMu.Lock() // wait out a running pass
	s.runMu.Unlock()
	s.started = false
	log.Println("scheduler: stopped")
}

// RunOnce claims one batch of due campaigns (oldest first, bounded by
// BatchSize) and dispatches them sequentially. A per-campaign failure
// is counted and logged, never propagated to the rest of the batch.
func (s *Scheduler) RunOnce(ctx context.Context) Summary {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	claimed, err := s.store.ClaimDue(ctx, s.opt.BatchSize, s.opt.Window)
	if err != nil {
		log.Printf("scheduler: claim failed: %v", err)
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		return Summary{Duration: time.Since(start), Err: err}
	}
	metrics.ClaimBatchSize.Observe(float64(len(claimed)))
	if len(claimed) == 0 {
		metrics.SchedulerTicks.WithLabelValues("empty").Inc()
		return Summary{Duration: time.Since(start)}
	}

	sum := Summary{Processed: len(claimed)}
	for _, c := range claimed {
		out, err := s.strategy.Dispatch(ctx, c)
		if err != nil {
			log.Printf("scheduler: dispatch %s failed: %v", c.ID, err)
			metrics.CampaignDispatchTotal.WithLabelValues("error").Inc()
			sum.Failed++
			continue
		}
		if out.Success {
			metrics.CampaignDispatchTotal.WithLabelValues("sent").Inc()
			sum.Succeeded++
		} else {
			metrics.CampaignDispatchTotal.WithLabelValues("failed").Inc()
			sum.Failed++
		}
		log.Printf("scheduler: campaign %s done (%d sent, %d failed)", c.ID, out.SuccessCount, out.FailCount)
	}

	metrics.SchedulerTicks.WithLabelValues("ok").Inc()
	sum.Duration = time.Since(start)
	log.Printf("scheduler: processed %d campaigns in %s (%d succeeded, %d failed)",
		sum.Processed, sum.Duration, sum.Succeeded, sum.Failed)
	return sum
}
