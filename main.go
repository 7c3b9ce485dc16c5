package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"relaychat/internal/api"
	"relaychat/internal/arbiter"
	"relaychat/internal/config"
	"relaychat/internal/feed"
	"relaychat/internal/logging"
	"relaychat/internal/redis"
	"relaychat/internal/service/ai"
	"relaychat/internal/storage"
	"relaychat/internal/store"
	"relaychat/internal/telemetry"
	"relaychat/internal/transport"
	"relaychat/internal/upstream"
	"relaychat/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("relaychat stopped")
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		cfg     *config.Config
	)
	root := &cobra.Command{
		Use:           "relaychat",
		Short:         "Conversational session engine and reference generation backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				cfgPath = os.Getenv("RELAYCHAT_CONFIG")
			}
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			cfg = loaded
			logging.Init(cfg.Log.Level, cfg.Log.Format)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default $RELAYCHAT_CONFIG or config.json)")

	var withUpstream bool
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the session engine HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg, withUpstream)
		},
	}
	serve.Flags().BoolVar(&withUpstream, "with-upstream", false, "also run the reference upstream in this process")

	up := &cobra.Command{
		Use:   "upstream",
		Short: "Run the reference generation backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpstream(cmd.Context(), cfg)
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create the session store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			log.Info().Str("driver", cfg.Database.Driver).Msg("schema up to date")
			return nil
		},
	}

	root.AddCommand(serve, up, migrate)
	return root
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := storage.Open(cfg.Database.Driver, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := storage.Migrate(db, cfg.Database.Driver); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return db, nil
}

// feedBackend picks the change-feed record store. Without redis the records
// live in process, which only works when the upstream runs alongside.
type feedBackend interface {
	feed.Source
	feed.RecordWriter
}

func openFeed(cfg *config.Config) (feedBackend, *redis.Client, error) {
	if cfg.Redis.Host == "" {
		log.Warn().Msg("redis not configured, change-feed records are kept in process")
		return feed.NewMemorySource(), nil, nil
	}
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create redis client")
	}
	return feed.NewRedisSource(rdb), rdb, nil
}

func runServe(ctx context.Context, cfg *config.Config, withUpstream bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Enabled)
	if err != nil {
		return errors.Wrap(err, "init telemetry")
	}
	defer flushTracing(shutdownTracing)

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	records, rdb, err := openFeed(cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	sessions := store.NewSQLStore(db, cfg.Database.Driver)
	hub := api.NewHub()
	defer hub.Close()
	adapter := transport.NewAdapter(cfg.Upstream.SubmitURL, cfg.Upstream.Timeout(),
		transport.WithSessionsURL(cfg.Upstream.SessionsURL))
	manager := arbiter.NewManager(sessions, arbiter.Deps{
		Submitter: adapter,
		Watcher:   feed.NewObserver(records),
		Notifier:  hub,
	}, arbiter.Config{
		ObserveTimeout: cfg.Arbiter.ObserveTimeout(),
		TitleLength:    cfg.Arbiter.TitleLength,
	})
	defer manager.Close()

	router := gin.Default()
	api.NewHandler(manager, sessions, hub).RegisterRoutes(router)
	servers := []*http.Server{{Addr: cfg.Server.Address, Handler: router}}

	if withUpstream {
		upRouter, closeUpstream, err := buildUpstream(ctx, cfg, records, rdb)
		if err != nil {
			return err
		}
		defer closeUpstream()
		servers = append(servers, &http.Server{Addr: cfg.Server.UpstreamAddress, Handler: upRouter})
	}

	log.Info().Str("addr", cfg.Server.Address).Str("upstream", cfg.Upstream.SubmitURL).Msg("session engine listening")
	return serveAll(ctx, servers...)
}

func runUpstream(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName+"-upstream", cfg.Telemetry.Enabled)
	if err != nil {
		return errors.Wrap(err, "init telemetry")
	}
	defer flushTracing(shutdownTracing)

	records, rdb, err := openFeed(cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	router, closeUpstream, err := buildUpstream(ctx, cfg, records, rdb)
	if err != nil {
		return err
	}
	defer closeUpstream()

	log.Info().Str("addr", cfg.Server.UpstreamAddress).Str("provider", cfg.Generator.Provider).Msg("upstream listening")
	return serveAll(ctx, &http.Server{Addr: cfg.Server.UpstreamAddress, Handler: router})
}

func buildUpstream(ctx context.Context, cfg *config.Config, records feed.RecordWriter, rdb *redis.Client) (*gin.Engine, func(), error) {
	chatModel, err := ai.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	svc, err := ai.NewService(ctx, chatModel, ai.InitToolsChain(ctx))
	if err != nil {
		return nil, nil, err
	}

	var renderer worker.AssetRenderer
	if cfg.Generator.AssetURL != "" {
		renderer = worker.NewHTTPAssetRenderer(cfg.Generator.AssetURL, cfg.Upstream.Timeout())
	}
	workers, err := worker.NewManager(cfg.Worker, worker.NewRunner(svc, renderer, records, 0), svc.Forget, rdb)
	if err != nil {
		return nil, nil, errors.Wrap(err, "start workers")
	}

	router := gin.Default()
	upstream.NewServer(svc, workers, cfg.Generator).RegisterRoutes(router)
	return router, workers.Close, nil
}

// serveAll runs the servers until ctx is done or one of them fails, then
// shuts all of them down.
func serveAll(ctx context.Context, servers ...*http.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrapf(err, "listen %s", srv.Addr)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Str("addr", srv.Addr).Msg("shutdown")
			}
		}
		return nil
	})
	return g.Wait()
}

func flushTracing(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("flush traces")
	}
}
