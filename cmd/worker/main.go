package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"threadline.dev/bridge/common/id"
	"threadline.dev/bridge/common/logger"
	"threadline.dev/bridge/common/otel"
	"threadline.dev/bridge/core/config"
	"threadline.dev/bridge/core/db"
	"threadline.dev/bridge/internal/dedup"
	"threadline.dev/bridge/internal/dispatch"
	"threadline.dev/bridge/internal/mapping"
	"threadline.dev/bridge/internal/model"
	"threadline.dev/bridge/internal/platform"
	"threadline.dev/bridge/internal/queue"
	"threadline.dev/bridge/internal/relay"
	"threadline.dev/bridge/internal/retry"
	"threadline.dev/bridge/internal/store"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "bridge worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Queue.ConsumerGroup,
		"consumer_name", cfg.Queue.ConsumerName)

	// Different node ID than the server.
	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected")

	policy := retry.Policy{
		BaseDelay:   cfg.Queue.BackoffBase,
		MaxDelay:    cfg.Queue.BackoffMax,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}
	manager, err := queue.NewManager(redisClient, queue.Config{
		ConsumerGroup: cfg.Queue.ConsumerGroup,
		ConsumerName:  cfg.Queue.ConsumerName,
	}, policy, nil)
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize queue manager", "error", err)
		os.Exit(1)
	}

	bindings := mapping.NewStore(redisClient)
	resolver := mapping.NewResolver(bindings, mapping.ResolverConfig{
		Attempts:  cfg.Mapping.LookupAttempts,
		BaseDelay: cfg.Mapping.LookupBaseDelay,
		MaxDelay:  cfg.Mapping.LookupMaxDelay,
		Window:    cfg.Mapping.LookupWindow,
	})
	index := dedup.NewIndex(redisClient, cfg.Dedup.TTL)
	outcomes := store.NewOutcomeStore(database.Pool())
	manager.SetAuditSink(outcomes)

	chatClient := platform.NewChatHTTPClient(cfg.Chat.BaseURL, cfg.Chat.Token)
	ticketingClient := platform.NewTicketingHTTPClient(cfg.Ticketing.BaseURL, cfg.Ticketing.APIKey)

	syncer := relay.NewSyncer(resolver, bindings, index, chatClient, ticketingClient, outcomes, relay.Config{
		MaxLengthRatio:     cfg.Dedup.MaxLengthRatio,
		RecentMessageLimit: cfg.Dedup.RecentMessageLimit,
		DeletionGuard:      cfg.Dedup.DeletionGuard,
		ChatChannelID:      cfg.Chat.ChannelID,
	})

	registry := dispatch.NewRegistry()
	registry.Register(model.EventMessageCreated, syncer.HandleMessageCreated)
	registry.Register(model.EventAttachmentAdded, syncer.HandleAttachmentAdded)
	registry.Register(model.EventThreadCreated, syncer.HandleThreadCreated)
	registry.Register(model.EventConversationStatusChanged, syncer.HandleConversationStatusChanged)

	dispatcher := dispatch.New(manager, registry, redisClient, dispatch.Config{
		NormalConcurrency:   cfg.Queue.NormalConcurrency,
		PriorityConcurrency: cfg.Queue.PriorityConcurrency,
		LeaseDuration:       cfg.Queue.LeaseDuration,
		HandlerTimeout:      cfg.Queue.HandlerTimeout,
		RatePerSecond:       cfg.Queue.RatePerSecond,
		RateBurst:           cfg.Queue.RateBurst,
		DrainTimeout:        cfg.Queue.DrainTimeout,
		IdlePause:           cfg.Queue.IdlePause,
	})

	scheduler := queue.NewDelayScheduler(redisClient, cfg.Queue.SchedulerInterval)

	reclaimer := queue.NewReclaimer(redisClient, queue.ReclaimerConfig{
		ConsumerGroup: cfg.Queue.ConsumerGroup,
		ConsumerName:  cfg.Queue.ConsumerName + "-reclaimer",
		MinIdle:       cfg.Queue.LeaseDuration,
		Interval:      cfg.Queue.ReclaimInterval,
		BatchSize:     cfg.Queue.ReclaimBatchSize,
	}, manager, dispatcher.Process)

	errCh := make(chan error, 3)
	go func() {
		errCh <- dispatcher.Run(ctx)
	}()
	go func() {
		scheduler.Run(ctx)
		errCh <- nil
	}()
	go func() {
		reclaimer.Run(ctx)
		errCh <- nil
	}()

	slog.InfoContext(ctx, "worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.DrainTimeout+10*time.Second)
	defer cancel()

	// Stop intake first so nothing new starts, then let in-flight drain.
	scheduler.Stop()
	reclaimer.Stop()
	dispatcher.Stop()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-errCh:
		if err != nil {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}
