// Command kernelctl is a composition-root example, not a transport or
// CLI surface in its own right: it wires the kernel's packages against
// real infrastructure (Postgres, Redis, AWS Bedrock) the way a service
// entrypoint would, builds the resolution and authoring surfaces over
// that wiring, then runs the outbox projector worker until interrupted.
// Operators embed this wiring in whatever transport layer fronts their
// own deployment; nothing here is a public operation.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/go-logr/zapr"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/semregistry/kernel/internal/config"
	"github.com/semregistry/kernel/internal/storage/postgres"
	"github.com/semregistry/kernel/pkg/authoring"
	"github.com/semregistry/kernel/pkg/cache"
	"github.com/semregistry/kernel/pkg/gates"
	"github.com/semregistry/kernel/pkg/projector"
	"github.com/semregistry/kernel/pkg/reasoning"
	"github.com/semregistry/kernel/pkg/resolution"
	"github.com/semregistry/kernel/pkg/resolution/policy"
	"github.com/semregistry/kernel/pkg/snapshot"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kernelctl:", err)
		os.Exit(1)
	}
}

func run() error {
	zapLog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zapLog.Sync()
	log := zapr.NewLogger(zapLog)

	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, dryRunner, closeStore, err := newStore(ctx, log)
	if err != nil {
		return err
	}
	defer closeStore()

	resolver := resolution.NewResolver(store, policy.NewRegoEvaluator())
	_ = resolver // a real entrypoint exposes resolve_context behind its own transport; pkg/resolution.Resolver.Enricher stays nil here, since no concrete ports.Enricher backend ships in this tree (see pkg/reasoning.BreakerEnricher's doc comment)

	pipeline := authoring.NewPipeline(store, gates.StandardGates(store), nil, dryRunner)
	if backend, err := newReasoningBackend(); err != nil {
		log.Error(err, "reasoning backend disabled, dry_run advisory step degrades to no-advice")
	} else if backend != nil {
		pipeline.Reasoning = reasoning.NewAdvisor(backend)
		log.Info("bedrock reasoning backend wired")
	}

	worker := newOutboxWorker(log, cfg)
	log.Info("kernelctl composition root wired", "evidence_mode", cfg.Evidence.DefaultMode)

	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received, draining outbox worker")
	}()

	_ = pipeline // a real entrypoint exposes pipeline.Propose/Validate/DryRun/Publish behind its own transport
	return worker.Run(ctx)
}

// newStore opens a real Postgres connection when KERNEL_DATABASE_URL
// is set, falling back to an in-memory store (with its own in-process
// outbox) for local exploration. The returned DryRunner mirrors
// whichever store was chosen: a Postgres-backed ScratchDryRunner needs
// the same *sql.DB the store itself was built from, since both the
// provisioning connection and the scratch store's own queries must
// share search_path. close releases whatever was opened.
func newStore(ctx context.Context, log logger) (snapshot.Store, authoring.DryRunner, func(), error) {
	dsn := os.Getenv("KERNEL_DATABASE_URL")
	if dsn == "" {
		log.Info("KERNEL_DATABASE_URL unset, using in-memory store")
		store := snapshot.NewInMemoryStore(snapshot.NewOutboxLog())
		return store, authoring.ScratchDryRunner{Source: store}, func() {}, nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := postgres.New(db)
	dryRunner := postgres.ScratchDryRunner{DB: db, Source: store}
	return store, dryRunner, func() { db.Close() }, nil
}

// newReasoningBackend builds a Bedrock-backed ports.ReasoningService
// when KERNEL_BEDROCK_MODEL_ID is set, reusing the package's own
// circuit breaker. A nil, nil return means no reasoning backend is
// configured and dry_run's advisory step degrades to "no advice".
func newReasoningBackend() (*reasoning.BedrockBackend, error) {
	modelID := os.Getenv("KERNEL_BEDROCK_MODEL_ID")
	if modelID == "" {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := bedrockruntime.NewFromConfig(awsCfg)
	return reasoning.NewBedrockBackend(client, modelID), nil
}

// newOutboxWorker wires the projector worker against an in-process
// outbox and, when KERNEL_REDIS_ADDR is set, a real read-through cache
// as its invalidation hook.
//
// The in-process outbox is deliberate even against a Postgres store:
// pkg/projector.Worker.Outbox is still a concrete *snapshot.OutboxLog
// field rather than an interface, so a Postgres outbox_events table
// cannot be plugged in here until that field is generalized.
func newOutboxWorker(log logger, cfg config.Config) *projector.Worker {
	outbox := snapshot.NewOutboxLog()
	worker := projector.NewWorker(outbox, projector.NewProjection(), "kernelctl")
	worker.PollInterval = cfg.Outbox.PollInterval

	if addr := os.Getenv("KERNEL_REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		worker.Cache = cache.New(rdb, 10*time.Minute)
		log.Info("read-through cache wired", "addr", addr)
	}
	return worker
}

// logger is the narrow logr surface this file's helpers need.
type logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(err error, msg string, keysAndValues ...interface{})
}
