package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmoreau/opsync/config"
	"github.com/jmoreau/opsync/ot"
	"github.com/jmoreau/opsync/server"
	"github.com/jmoreau/opsync/store"
)

func init() {
	var cfgPath string

	var serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	serveCmd.Flags().StringVarP(&cfgPath, "config", "c", "opsync.toml", "path to config file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	strategy, err := ot.ParseStrategy(cfg.Strategy)
	if err != nil {
		return err
	}

	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := server.NewHub(st, strategy)
	hub.SetRateLimit(cfg.RateLimit, cfg.RateBurst)

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		defer rdb.Close()
		hub.SetBridge(server.NewRedisBridge(rdb))
		log.Printf("cross-instance bridge enabled via redis at %s", cfg.RedisAddr)
	}

	go hub.Run()

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.NewHandler(hub),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("listening on %s (store=%s, strategy=%s)", cfg.Addr, cfg.StoreBackend, strategy)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Print("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildStore creates the configured backend. Remote backends are wrapped in
// the write-back cache so every edit doesn't turn into a network round trip.
func buildStore(ctx context.Context, cfg config.Config) (store.DocumentStore, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil

	case "bolt":
		bs, err := store.OpenBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bolt store: %w", err)
		}
		return bs, func() { bs.Close() }, nil

	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, nil, fmt.Errorf("postgres backend requires store.postgres_url or OPSYNC_POSTGRES_URL")
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		ps := store.NewPostgresStore(pool)
		if err := ps.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to ensure schema: %w", err)
		}
		cached := store.NewCachedStore(ps, cfg.CacheFlush)
		return cached, func() { cached.Close(); pool.Close() }, nil

	case "firestore":
		if cfg.FirestoreProject == "" {
			return nil, nil, fmt.Errorf("firestore backend requires store.firestore_project or OPSYNC_FIRESTORE_PROJECT")
		}
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		fs := store.NewFirestoreStore(client)
		cached := store.NewCachedStore(fs, cfg.CacheFlush)
		return cached, func() { cached.Close(); client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
