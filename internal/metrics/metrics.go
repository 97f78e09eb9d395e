package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Engine metrics
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ktime_tick_duration_seconds",
			Help:    "Duration of one accounting tick in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	TicksSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_ticks_skipped_total",
			Help: "Per-user ticks whose elapsed time was discarded",
		},
		[]string{"reason"},
	)

	ObserverErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktime_observer_errors_total",
			Help: "Session snapshots that could not be taken",
		},
	)

	TrackedUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ktime_tracked_users",
			Help: "Number of users with runtime state in memory",
		},
	)

	// Usage metrics
	SecondsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_seconds_consumed_total",
			Help: "Total seconds deducted from a budget",
		},
		[]string{"user", "budget"},
	)

	RemainingSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ktime_remaining_seconds",
			Help: "Remaining seconds of a budget",
		},
		[]string{"user", "budget"},
	)

	// Enforcement metrics
	StageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_stage_transitions_total",
			Help: "Enforcement stage transitions",
		},
		[]string{"user", "stage"},
	)

	LockoutsInvoked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_lockouts_invoked_total",
			Help: "Lockout actions invoked",
		},
		[]string{"user", "action", "result"},
	)

	NotificationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_notification_errors_total",
			Help: "Notifications that could not be delivered",
		},
		[]string{"kind"},
	)

	// Persistence metrics
	PersistenceWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_persistence_writes_total",
			Help: "Runtime record writes",
		},
		[]string{"result"},
	)

	RecordsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktime_records_expired_total",
			Help: "Runtime records removed by retention cleanup",
		},
	)

	// Admin metrics
	AdminRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_admin_requests_total",
			Help: "Administrative commands by operation and status",
		},
		[]string{"operation", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		TickDuration,
		TicksSkipped,
		ObserverErrors,
		TrackedUsers,
		SecondsConsumed,
		RemainingSeconds,
		StageTransitions,
		LockoutsInvoked,
		NotificationErrors,
		PersistenceWrites,
		RecordsExpired,
		AdminRequests,
	)
}

// Server exposes the Prometheus registry and liveness and readiness probes.
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener
	ready    func() bool
}

// NewServer creates a metrics server for addr. Until SetReadiness is called
// /ready always reports ready.
func NewServer(addr string, logger zerolog.Logger) *Server {
	s := &Server{
		logger: logger.With().Str("component", "metrics").Logger(),
		ready:  func() bool { return true },
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ready", s.handleReady)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// SetReadiness installs the check behind /ready.
func (s *Server) SetReadiness(ready func() bool) {
	s.ready = ready
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("NOT READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}

// Start binds the listen address, unless a listener was set, and serves in
// the background.
func (s *Server) Start() error {
	ln := s.listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", s.server.Addr); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
		}
	} else {
		s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting metrics server")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
