package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/rookery/internal/agent"
	"github.com/dyluth/rookery/internal/config"
	"github.com/dyluth/rookery/internal/health"
	"github.com/dyluth/rookery/internal/modelreg"
	"github.com/dyluth/rookery/internal/orchestrator"
	"github.com/dyluth/rookery/internal/queue"
	"github.com/dyluth/rookery/internal/scheduler"
	"github.com/dyluth/rookery/pkg/blackboard"
)

// Version information - set during build
var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "rookery.yml", "path to rookery.yml")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rookeryd %s (commit: %s)\n", version, commit)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// 2. Build Redis options; REDIS_URL overrides the file for container runs
	redisOpts := &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		redisOpts, err = redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
	}

	// 3. Create blackboard client and verify connectivity
	bb, err := blackboard.NewClient(redisOpts, cfg.Instance)
	if err != nil {
		return fmt.Errorf("failed to create blackboard client: %w", err)
	}
	defer bb.Close()

	ctx := context.Background()
	if err := bb.Ping(ctx); err != nil {
		return fmt.Errorf("redis not accessible: %w", err)
	}

	log.Printf("[rookeryd] starting instance '%s' (version %s)", cfg.Instance, version)

	// 4. Job queue
	q := queue.New(bb, queueOptions(cfg.Queue))

	// 5. Model registry, seeded from the catalogue, with router and evaluator
	models, err := modelreg.NewRegistry(ctx, bb)
	if err != nil {
		return fmt.Errorf("failed to load model registry: %w", err)
	}
	if err := seedModels(ctx, models, cfg.Models); err != nil {
		return err
	}

	weights := modelreg.DefaultWeights()
	if cfg.Routing != nil && cfg.Routing.Weights != nil {
		w := cfg.Routing.Weights
		weights = modelreg.Weights{
			Quality:     w.Quality,
			Reliability: w.Reliability,
			Latency:     w.Latency,
			Cost:        w.Cost,
			LocalBonus:  w.LocalBonus,
		}
	}
	router := modelreg.NewRouter(models, weights)
	evaluator := modelreg.NewEvaluator(bb, models)

	// 6. Agents
	agents := agent.NewRegistry()
	responder, err := buildResponder(ctx, cfg, models, router)
	if err != nil {
		return err
	}
	agents.Register(responder)
	log.Printf("[rookeryd] registered %d agents, %d models enabled", agents.Count(), models.EnabledCount())

	// 7. Coordinator
	coord := orchestrator.New(bb, q, agents)

	// 8. Scheduler with the built-in handlers; maintenance and metrics run on
	// self-perpetuating cycles, seeded here unless a previous run left one
	// behind in Redis.
	handlers := scheduler.NewHandlers(scheduler.HandlerDeps{
		BB:               bb,
		Queue:            q,
		Agents:           agents,
		Evaluator:        evaluator,
		Dispatcher:       coord,
		MaintenanceEvery: maintenanceEvery,
		MetricsEvery:     metricsEvery,
	})
	sched, err := scheduler.New(q, handlers, schedulerOptions(cfg))
	if err != nil {
		return err
	}
	if err := seedPeriodicJobs(ctx, q); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	// 9. HTTP server: health plus the request endpoints
	checker := health.NewChecker(bb, q, models, agents)
	server := health.NewServer(checker, coord)
	if err := server.Start(cfg.Server.Addr); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	log.Printf("[rookeryd] listening on %s", cfg.Server.Addr)

	// 10. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("[rookeryd] received %v, shutting down", sig)

	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[rookeryd] server shutdown: %v", err)
	}

	log.Printf("[rookeryd] stopped")
	return nil
}

func queueOptions(qc *config.QueueConfig) queue.Options {
	var opts queue.Options
	if qc == nil {
		return opts
	}
	if qc.MaxAttempts != nil {
		opts.MaxAttempts = *qc.MaxAttempts
	}
	if qc.LeaseTime != nil {
		opts.LeaseTime = qc.LeaseTime.Std()
	}
	if qc.BackoffBase != nil {
		opts.BackoffBase = qc.BackoffBase.Std()
	}
	if qc.BackoffCap != nil {
		opts.BackoffCap = qc.BackoffCap.Std()
	}
	return opts
}

func schedulerOptions(cfg *config.RookeryConfig) scheduler.Options {
	hostname, _ := os.Hostname()
	opts := scheduler.Options{WorkerID: fmt.Sprintf("%s-%d", hostname, os.Getpid())}
	sc := cfg.Scheduler
	if sc == nil {
		return opts
	}
	if sc.Interval != nil {
		opts.Interval = sc.Interval.Std()
	}
	if sc.BatchSize != nil {
		opts.BatchSize = *sc.BatchSize
	}
	if sc.Concurrency != nil {
		opts.Concurrency = *sc.Concurrency
	}
	if sc.JobTimeout != nil {
		opts.JobTimeout = sc.JobTimeout.Std()
	}
	if sc.StaleAfter != nil {
		opts.StaleAfter = sc.StaleAfter.Std()
	}
	return opts
}

// Cycle lengths for the periodic jobs the daemon keeps alive.
const (
	maintenanceEvery = 5 * time.Minute
	metricsEvery     = 15 * time.Minute
)

// seedPeriodicJobs enqueues the first maintenance_tick and update_metrics of
// the self-perpetuating cycles. A job of the same type already pending or
// running means a previous run's cycle survived in Redis; don't double it.
func seedPeriodicJobs(ctx context.Context, q *queue.Queue) error {
	for _, jobType := range []queue.JobType{queue.TypeMaintenance, queue.TypeUpdateMetrics} {
		alive, err := jobTypeAlive(ctx, q, jobType)
		if err != nil {
			return err
		}
		if alive {
			continue
		}
		if err := q.Enqueue(ctx, &queue.Job{Type: jobType}); err != nil {
			return fmt.Errorf("failed to seed %s cycle: %w", jobType, err)
		}
		log.Printf("[rookeryd] seeded %s cycle", jobType)
	}
	return nil
}

func jobTypeAlive(ctx context.Context, q *queue.Queue, jobType queue.JobType) (bool, error) {
	for _, state := range []queue.JobState{queue.StatePending, queue.StateRunning} {
		jobs, err := q.List(ctx, state, 100)
		if err != nil {
			return false, err
		}
		for _, j := range jobs {
			if j.Type == jobType {
				return true, nil
			}
		}
	}
	return false, nil
}

// seedModels loads catalogue entries that are not already in the registry.
// Existing entries keep their evaluator-refined scores.
func seedModels(ctx context.Context, models *modelreg.Registry, seeds []config.ModelSeed) error {
	for _, s := range seeds {
		if _, err := models.Get(s.ID); err == nil {
			continue
		}
		m := &modelreg.ModelConfig{
			ID:               s.ID,
			Provider:         s.Provider,
			DisplayName:      s.DisplayName,
			Endpoint:         s.Endpoint,
			Modalities:       s.Modalities,
			QualityScore:     s.QualityScore,
			ReliabilityScore: s.ReliabilityScore,
			AvgLatencyMs:     s.AvgLatencyMs,
			CostPer1KTokens:  s.CostPer1KTokens,
			IsEnabled:        s.IsEnabled(),
		}
		if err := models.Put(ctx, m); err != nil {
			return fmt.Errorf("failed to seed model '%s': %w", s.ID, err)
		}
		log.Printf("[rookeryd] seeded model %s (%s)", s.ID, s.Provider)
	}
	return nil
}

func buildResponder(ctx context.Context, cfg *config.RookeryConfig, models *modelreg.Registry, router *modelreg.Router) (*agent.Responder, error) {
	responder := agent.NewResponder(router, cfg.APIKeys())
	if cfg.Routing != nil {
		responder.SelectOptions.PreferLocal = cfg.Routing.PreferLocal
	}
	if ac, ok := cfg.Agents["responder"]; ok {
		responder.SystemPrompt = ac.SystemPrompt
		responder.SelectOptions.MinQuality = ac.MinQuality
		responder.SelectOptions.MaxCost = ac.MaxCost
		for _, id := range ac.Fallbacks {
			responder.FallbackChain = append(responder.FallbackChain, modelreg.Fallback{ModelID: id})
		}
	}

	// Stored preferences bias selection towards the models the operator
	// pinned for this agent.
	prefs, err := models.Preferences(ctx, responder.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to load model preferences: %w", err)
	}
	for _, p := range prefs {
		responder.SelectOptions.Preferred = append(responder.SelectOptions.Preferred, p.ModelID)
	}
	return responder, nil
}
