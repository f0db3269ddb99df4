package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/job"
	"github.com/sells-group/outreach-cli/internal/pipeline"
	"github.com/sells-group/outreach-cli/internal/ratelimit"
	"github.com/sells-group/outreach-cli/internal/stage"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/internal/worker"
	anthropicpkg "github.com/sells-group/outreach-cli/pkg/anthropic"
	"github.com/sells-group/outreach-cli/pkg/hunter"
	"github.com/sells-group/outreach-cli/pkg/resend"
	"github.com/sells-group/outreach-cli/pkg/serper"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "outreach.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: int32(cfg.Store.MaxConns),
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// engine wires the store, rate limiter, provider clients, and orchestrator.
// Worker goroutines run on their own context so jobs survive the request or
// command that started them until Stop is called.
type engine struct {
	store store.Store
	jobs  *job.Manager
	orch  *pipeline.Orchestrator
	rdb   *redis.Client
	stop  context.CancelFunc
}

func initEngine(ctx context.Context) (*engine, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	var rdb *redis.Client
	var windows ratelimit.WindowStore
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		windows = ratelimit.NewRedisStore(rdb)
	} else {
		windows = ratelimit.NewMemoryStore()
	}

	limiter, err := ratelimit.New(windows, cfg.Budgets)
	if err != nil {
		st.Close()
		return nil, err
	}

	serperClient := serper.NewClient(cfg.Serper.Key, serper.WithBaseURL(cfg.Serper.BaseURL))
	hunterClient := hunter.NewClient(cfg.Hunter.Key, hunter.WithBaseURL(cfg.Hunter.BaseURL))
	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	resendClient := resend.NewClient(cfg.Resend.Key, resend.WithBaseURL(cfg.Resend.BaseURL))

	drafter := worker.NewAnthropicDrafter(anthropicClient, cfg.Anthropic.Model, int64(cfg.Anthropic.MaxTokens))
	sender := worker.NewResendSender(resendClient, cfg.Resend.From)

	followUpAfter := time.Duration(cfg.Pipeline.FollowUpDays) * 24 * time.Hour
	jobs := job.NewManager(st, time.Duration(cfg.Pipeline.MaxExecutionMinutes)*time.Minute)
	runner := worker.NewRunner(st, jobs, limiter, worker.RunnerConfig{
		ItemDelay:     time.Duration(cfg.Pipeline.ItemDelayMS) * time.Millisecond,
		FollowUpAfter: followUpAfter,
	})

	units := map[stage.Stage]worker.Unit{
		stage.Scrape:   worker.NewScrapeUnit(st, worker.NewHunterExtractor(hunterClient)),
		stage.Verify:   worker.NewVerifyUnit(st, worker.NewHunterVerifier(hunterClient, cfg.Pipeline.VerifyConfidenceThreshold)),
		stage.Draft:    worker.NewDraftUnit(st, drafter),
		stage.Send:     worker.NewSendUnit(st, sender),
		stage.FollowUp: worker.NewFollowUpUnit(st, drafter, sender),
	}
	discovery := worker.NewDiscoveryWorker(st, jobs, worker.NewSerperSearcher(serperClient), cfg.Pipeline.MaxDiscoveryResults)

	workerCtx, stop := context.WithCancel(context.Background())
	orch := pipeline.New(workerCtx, pipeline.Deps{
		Store:         st,
		Jobs:          jobs,
		Runner:        runner,
		Discovery:     discovery,
		Units:         units,
		FollowUpAfter: followUpAfter,
		WorkerSlots:   cfg.Pipeline.WorkerSlots,
	})

	return &engine{store: st, jobs: jobs, orch: orch, rdb: rdb, stop: stop}, nil
}

// Wait blocks until all launched jobs have finished.
func (e *engine) Wait() {
	e.orch.Wait()
}

// Stop cancels in-flight workers; they wind down at the next item boundary.
func (e *engine) Stop() {
	e.stop()
	e.orch.Wait()
}

func (e *engine) Close() {
	if e.rdb != nil {
		_ = e.rdb.Close()
	}
	_ = e.store.Close()
}

func (e *engine) followUpAfter() time.Duration {
	return time.Duration(cfg.Pipeline.FollowUpDays) * 24 * time.Hour
}
