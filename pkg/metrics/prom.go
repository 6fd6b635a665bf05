package metrics

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_requests_total",
			Help: "Total number of REST requests by database, table, action and status code",
		},
		[]string{"database", "table", "action", "status"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_query_duration_seconds",
			Help:    "Duration of statement execution, including the count query of paginated reads",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	FeedPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_feed_published_total",
			Help: "Total number of change events published by publisher",
		},
		[]string{"publisher"},
	)

	FeedPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_feed_publish_errors_total",
			Help: "Total number of change event publish errors by publisher",
		},
		[]string{"publisher"},
	)
)

// PromServerOpts configures the /metrics listener. Zero fields take defaults.
type PromServerOpts struct {
	Addr              string        // defaults to :9100
	Path              string        // defaults to /metrics
	ShutdownTimeout   time.Duration // defaults to 5s
	ReadHeaderTimeout time.Duration // defaults to 3s
	Logger            *zap.Logger
	// Gatherer serves the given registry instead of the default one.
	Gatherer prometheus.Gatherer
}

func (o *PromServerOpts) withDefaults() PromServerOpts {
	var out PromServerOpts
	if o != nil {
		out = *o
	}
	out.Addr = cmp.Or(out.Addr, ":9100")
	out.Path = cmp.Or(out.Path, "/metrics")
	out.ShutdownTimeout = cmp.Or(out.ShutdownTimeout, 5*time.Second)
	out.ReadHeaderTimeout = cmp.Or(out.ReadHeaderTimeout, 3*time.Second)
	out.Logger = cmp.Or(out.Logger, zap.NewNop())
	if out.Gatherer == nil {
		out.Gatherer = prometheus.DefaultGatherer
	}
	return out
}

// StartPrometheusServer serves metrics until ctx is canceled, then shuts the listener down.
// wg is done once the listener has stopped.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	o := opts.withDefaults()
	logger := o.Logger.With(zap.String("addr", o.Addr))

	mux := http.NewServeMux()
	mux.Handle(o.Path, promhttp.HandlerFor(o.Gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: o.Addr, Handler: mux, ReadHeaderTimeout: o.ReadHeaderTimeout}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting metrics server", zap.String("path", o.Path))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), o.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
			return
		}
		logger.Info("metrics server shutdown complete")
	}()
}
