package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics counts what the simulation engine and the decode path do. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Ticks         prometheus.Counter
	TickDuration  prometheus.Histogram
	ActiveSignals prometheus.Gauge
	FramesEmitted *prometheus.CounterVec
	FramesDecoded *prometheus.CounterVec
	CodecErrors   *prometheus.CounterVec
	SinkErrors    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cansim_ticks_total",
			Help: "Simulation ticks executed",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cansim_tick_duration_seconds",
			Help:    "Time spent in one simulation tick",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		ActiveSignals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cansim_active_signals",
			Help: "Signals owned by the engine",
		}),
		FramesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cansim_frames_emitted_total",
			Help: "Frames handed to the outbound transport",
		}, []string{"can_id"}),
		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cansim_frames_decoded_total",
			Help: "Frames decoded from the bus",
		}, []string{"can_id"}),
		CodecErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cansim_codec_errors_total",
			Help: "Signals skipped by the frame codec",
		}, []string{"signal", "reason"}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cansim_sink_errors_total",
			Help: "Frames or snapshots the collaborators rejected",
		}),
	}
	reg.MustRegister(
		m.Ticks,
		m.TickDuration,
		m.ActiveSignals,
		m.FramesEmitted,
		m.FramesDecoded,
		m.CodecErrors,
		m.SinkErrors,
	)
	return m
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickDuration.Observe(d.Seconds())
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ActiveSignals.Set(float64(n))
}

func (m *Metrics) FrameEmitted(id uint32) {
	if m == nil {
		return
	}
	m.FramesEmitted.WithLabelValues(canLabel(id)).Inc()
}

func (m *Metrics) FrameDecoded(id uint32) {
	if m == nil {
		return
	}
	m.FramesDecoded.WithLabelValues(canLabel(id)).Inc()
}

func (m *Metrics) CodecError(signal, reason string) {
	if m == nil {
		return
	}
	m.CodecErrors.WithLabelValues(signal, reason).Inc()
}

func (m *Metrics) SinkError() {
	if m == nil {
		return
	}
	m.SinkErrors.Inc()
}

func canLabel(id uint32) string {
	return fmt.Sprintf("0x%03X", id)
}

// Serve exposes /metrics and /health until ctx is done.
func Serve(ctx context.Context, port int, gatherer prometheus.Gatherer, log logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("metrics server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
