// Package exporter serves the latest polled telemetry as Prometheus metrics
// together with liveness and readiness endpoints.
package exporter

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/logger"
	"codeberg.org/mutker/orinwatch/internal/watcher"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace         = "orinwatch"
	DefaultStaleAfter = 15 * time.Second
	maxGoroutines     = 200
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

type Config struct {
	Listen     string
	StaleAfter time.Duration
}

// Exporter implements watcher.Handler.
type Exporter struct {
	cfg      Config
	registry *prometheus.Registry
	power    prometheus.Gauge
	temp     *prometheus.GaugeVec
	mode     prometheus.Gauge
	marker   prometheus.Gauge
	updates  prometheus.Counter
	health   healthcheck.Handler
	lastSeen atomic.Int64
	now      func() time.Time
}

var _ watcher.Handler = (*Exporter)(nil)

func New(cfg Config) *Exporter {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}

	e := &Exporter{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		power: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "power_milliwatts",
			Help:      "Total module power draw in mW, NaN when unavailable.",
		}),
		temp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Thermal zone temperature in degrees Celsius, NaN when unavailable.",
		}, []string{"zone"}),
		mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mode",
			Help:      "Requested operating mode, 0 normal and 1 reduced.",
		}),
		marker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "marker",
			Help:      "Freshness marker of the last polled record.",
		}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Polls that returned a new record.",
		}),
		health: healthcheck.NewHandler(),
		now:    time.Now,
	}

	e.registry.MustRegister(
		e.power, e.temp, e.mode, e.marker, e.updates,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	e.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	e.health.AddReadinessCheck("telemetry-fresh", e.Ready)

	return e
}

// Handle records an update.
func (e *Exporter) Handle(_ context.Context, u watcher.Update) error {
	e.power.Set(u.Record.PowerMW)
	e.temp.WithLabelValues("cpu").Set(u.Record.CPUTempC)
	e.temp.WithLabelValues("gpu").Set(u.Record.GPUTempC)
	e.temp.WithLabelValues("soc").Set(u.Record.SoCTempC)
	e.mode.Set(float64(u.Record.Mode))
	e.marker.Set(float64(u.Marker))
	e.updates.Inc()

	received := u.Received
	if received.IsZero() {
		received = e.now()
	}
	e.lastSeen.Store(received.UnixNano())

	return nil
}

// Ready fails until an update arrives and whenever the last one is older
// than StaleAfter.
func (e *Exporter) Ready() error {
	errFactory := errors.New()

	last := e.lastSeen.Load()
	if last == 0 {
		return errFactory.New(ErrNoData)
	}

	age := e.now().Sub(time.Unix(0, last))
	if age > e.cfg.StaleAfter {
		return errFactory.WithData(ErrStale, age.Round(time.Millisecond).String())
	}

	return nil
}

// Handler serves /metrics, /live and /ready.
func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry}))
	mux.HandleFunc("/live", e.health.LiveEndpoint)
	mux.HandleFunc("/ready", e.health.ReadyEndpoint)

	return mux
}

// ListenAndServe serves Handler on cfg.Listen until ctx is done.
func (e *Exporter) ListenAndServe(ctx context.Context) error {
	errFactory := errors.New()

	ln, err := net.Listen("tcp", e.cfg.Listen)
	if err != nil {
		return errFactory.Wrap(ErrListenFailed, err)
	}

	srv := &http.Server{
		Handler:           e.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Exporter shutdown failed")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("Exporter listening")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errFactory.Wrap(ErrServeFailed, err)
	}

	return nil
}
