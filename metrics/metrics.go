// Package metrics exposes run stream counters in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallnest/flowpost/internal/logger"
	"github.com/smallnest/flowpost/types"
	"go.uber.org/zap"
)

// Stream holds the collectors for one watch process on its own registry.
type Stream struct {
	registry *prometheus.Registry

	// Connects counts successful (re)connections
	Connects prometheus.Counter
	// Disconnects counts terminal disconnects by reason
	Disconnects *prometheus.CounterVec
	// Errors counts OnError deliveries by error kind
	Errors *prometheus.CounterVec
	// LogBatches counts flow:log deliveries
	LogBatches prometheus.Counter
	// LogEntries counts entries across all batches
	LogEntries prometheus.Counter
	// BatchSize tracks entries per batch
	BatchSize prometheus.Histogram
	// Connected is 1 while the stream is connected
	Connected prometheus.Gauge
}

// NewStream 创建指标集合，附带 Go 运行时与进程指标
func NewStream() *Stream {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Stream{
		registry: reg,
		Connects: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowpost_stream_connects_total",
			Help: "Total number of successful stream connections",
		}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpost_stream_disconnects_total",
			Help: "Total number of terminal stream disconnects",
		}, []string{"reason"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpost_stream_errors_total",
			Help: "Total number of stream errors reported to the caller",
		}, []string{"kind"}),
		LogBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowpost_stream_log_batches_total",
			Help: "Total number of log batches delivered",
		}),
		LogEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowpost_stream_log_entries_total",
			Help: "Total number of log entries delivered",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowpost_stream_batch_entries",
			Help:    "Entries per delivered log batch",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowpost_stream_connected",
			Help: "Whether the stream is currently connected",
		}),
	}
}

// Registry 返回私有注册表
func (s *Stream) Registry() *prometheus.Registry {
	return s.registry
}

// RecordConnect records a successful connection
func (s *Stream) RecordConnect() {
	s.Connects.Inc()
	s.Connected.Set(1)
}

// RecordDisconnect records a terminal disconnect
func (s *Stream) RecordDisconnect(reason string) {
	s.Disconnects.WithLabelValues(reason).Inc()
	s.Connected.Set(0)
}

// RecordError records an error by its kind. A transient error means the
// connection dropped, so the gauge goes to 0 until the next connect.
func (s *Stream) RecordError(err error) {
	kind := types.ClassifyError(err)
	s.Errors.WithLabelValues(string(kind)).Inc()
	if kind == types.ErrorKindTransient {
		s.Connected.Set(0)
	}
}

// RecordBatch records one delivered batch of n entries
func (s *Stream) RecordBatch(n int) {
	s.LogBatches.Inc()
	s.LogEntries.Add(float64(n))
	s.BatchSize.Observe(float64(n))
}

// Handler returns the Prometheus metrics HTTP handler
func (s *Stream) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// Serve exposes /metrics on addr until ctx ends.
func (s *Stream) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Stream) serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics server listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
