package quarry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/edgeflare/quarry/pkg/config"
	"github.com/edgeflare/quarry/pkg/feed"
	"github.com/edgeflare/quarry/pkg/httputil"
	mw "github.com/edgeflare/quarry/pkg/httputil/middleware"
	"github.com/edgeflare/quarry/pkg/metrics"
	"github.com/edgeflare/quarry/pkg/pgx"
	"github.com/edgeflare/quarry/pkg/rest"
	"github.com/edgeflare/quarry/pkg/rules"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	// Register built-in publishers
	_ "github.com/edgeflare/quarry/pkg/feed/publisher/clickhouse"
	_ "github.com/edgeflare/quarry/pkg/feed/publisher/kafka"
	_ "github.com/edgeflare/quarry/pkg/feed/publisher/logger"
	_ "github.com/edgeflare/quarry/pkg/feed/publisher/mqtt"
	_ "github.com/edgeflare/quarry/pkg/feed/publisher/nats"
	_ "github.com/edgeflare/quarry/pkg/feed/publisher/postgres"
)

var serveOpts struct {
	listenAddr string
	baseURL    string
	maxResults int
	tlsCert    string
	tlsKey     string
	metrics    bool
	pingWait   time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Starts the REST server for the databases and tables in the config file`,
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&serveOpts.listenAddr, "listen-addr", "l", "", "listen address (overrides listenAddr)")
	f.StringVar(&serveOpts.baseURL, "base-url", "", "path prefix of every resource, e.g. /api (overrides baseURL)")
	f.IntVar(&serveOpts.maxResults, "max-results", 0, "server-wide findAll cap (overrides maxResults)")
	f.StringVar(&serveOpts.tlsCert, "tls-cert", "", "TLS certificate file, generated when missing")
	f.StringVar(&serveOpts.tlsKey, "tls-key", "", "TLS key file, generated when missing")
	f.BoolVar(&serveOpts.metrics, "metrics", false, "serve prometheus metrics (overrides metrics.enabled)")
	f.DurationVar(&serveOpts.pingWait, "ping-wait", 30*time.Second, "how long to retry the initial database ping")
	rootCmd.AddCommand(serveCmd)
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("listen-addr") {
		cfg.ListenAddr = serveOpts.listenAddr
	}
	if f.Changed("base-url") {
		cfg.BaseURL = serveOpts.baseURL
	}
	if f.Changed("max-results") {
		cfg.MaxResults = serveOpts.maxResults
	}
	if f.Changed("metrics") {
		cfg.Metrics.Enabled = serveOpts.metrics
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	applyServeFlags(cmd, cfg)
	if len(cfg.Databases) == 0 {
		return errors.New("no databases configured")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pools := make([]pgx.Pool, len(cfg.Databases))
	for i, db := range cfg.Databases {
		pools[i] = pgx.Pool{Name: db.Name, ConnString: db.ConnStringOr(cfg.Connection)}
	}
	pm, err := pgx.NewPoolManager(ctx, pools, pgx.PoolOptions{MaxPingElapsed: serveOpts.pingWait, Logger: logger})
	if err != nil {
		return fmt.Errorf("connecting to databases: %w", err)
	}
	defer pm.Close()

	engine, err := rules.NewEngine()
	if err != nil {
		return err
	}
	registry, err := rest.RegistryFromConfig(cfg, pm, engine, logger)
	if err != nil {
		return fmt.Errorf("building table registry: %w", err)
	}

	publishers, err := feed.NewManager(cfg.Feed.Publishers, logger)
	if err != nil {
		return fmt.Errorf("starting change feed: %w", err)
	}
	defer publishers.Close()

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		prometheus.MustRegister(metrics.NewPoolCollector(poolStats(pm)))
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
			Addr:   cfg.Metrics.Addr,
			Path:   cfg.Metrics.Path,
			Logger: logger,
		})
	}

	routerOpts := []httputil.RouterOptions{
		httputil.WithLogger(logger),
		httputil.WithServerOptions(func(s *http.Server) {
			s.ReadHeaderTimeout = 10 * time.Second
		}),
	}
	if serveOpts.tlsCert != "" || serveOpts.tlsKey != "" {
		routerOpts = append(routerOpts, httputil.WithTLS(serveOpts.tlsCert, serveOpts.tlsKey))
	}
	r := httputil.NewRouter(routerOpts...)

	chain := []httputil.Middleware{
		mw.RequestID,
		mw.CORSWithOptions(&mw.CORSOptions{
			AllowedOrigins: []string{cfg.AllowOrigin},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-Api-Key", mw.RequestIDHeader},
			ExposedHeaders: []string{"Allow", "ETag", mw.RequestIDHeader},
		}),
	}
	if logLevel != "none" {
		chain = append(chain, mw.LoggerWithOptions(&mw.LoggerOptions{Logger: logger}))
	}

	server := rest.NewServer(registry,
		rest.WithBaseURL(cfg.BaseURL),
		rest.WithLogger(logger),
		rest.WithFeed(publishers),
	)
	r.Group(strings.TrimSuffix(cfg.BaseURL, "/")).Handle("/", mw.Chain(server, chain...))

	logger.Info("serving",
		zap.Strings("databases", registry.Databases()),
		zap.Int("publishers", publishers.Len()),
		zap.String("baseURL", cfg.BaseURL))

	errCh := make(chan error, 1)
	go func() {
		if err := r.ListenAndServe(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	wg.Wait()
	logger.Info("server gracefully stopped")
	return nil
}

func poolStats(pm *pgx.PoolManager) func() map[string]metrics.PoolStat {
	return func() map[string]metrics.PoolStat {
		stats := make(map[string]metrics.PoolStat)
		for _, name := range pm.List() {
			if pool, err := pm.Get(name); err == nil {
				stats[name] = pool.Stat()
			}
		}
		return stats
	}
}
