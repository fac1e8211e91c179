// Package metrics exposes a Prometheus collector bundle for the
// account-level operations resync, watch, and conn drive. Grounded on
// fenilsonani-email-server/internal/metrics's promauto/Record* shape, but
// instantiated per caller rather than registered globally: this core never
// starts its own HTTP server or touches prometheus.DefaultRegisterer, so a
// Set is built with NewSet(reg) and registered into whatever
// *prometheus.Registry the embedding application already runs.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles every collector this module exposes. A nil *Set is valid and
// every Record*/Set* method on it is a no-op, so components can hold an
// optional *Set without a separate "metrics enabled" check at every call
// site.
type Set struct {
	Reconnects        *prometheus.CounterVec
	ConnectionsOnline *prometheus.GaugeVec
	IdleRoundTrips    prometheus.Counter
	WatchMode         *prometheus.GaugeVec
	ResyncDuration    *prometheus.HistogramVec
	ResyncFailures    *prometheus.CounterVec
	CommandsSent      *prometheus.CounterVec
	Errors            *prometheus.CounterVec
}

// NewSet builds a Set and registers every collector into reg. Pass
// prometheus.NewRegistry() for an isolated registry, or an application's
// existing one. reg must not be nil.
func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imapcore_reconnects_total",
			Help: "Total number of connection re-establishments, by connection role",
		}, []string{"role"}),

		ConnectionsOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "imapcore_connections_online",
			Help: "Whether an account's connection is currently online (1) or offline (0)",
		}, []string{"account"}),

		IdleRoundTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imapcore_idle_round_trips_total",
			Help: "Total number of IDLE enter/DONE round trips",
		}),

		WatchMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "imapcore_watch_mode",
			Help: "1 if the account's watcher is currently running in the named mode (idle or poll)",
		}, []string{"account", "mode"}),

		ResyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imapcore_resync_duration_seconds",
			Help:    "Time taken to resynchronize a mailbox",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"kind"}),

		ResyncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imapcore_resync_failures_total",
			Help: "Total number of failed mailbox resynchronizations",
		}, []string{"kind"}),

		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imapcore_commands_total",
			Help: "Total IMAP commands sent, by command name",
		}, []string{"command"}),

		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imapcore_errors_total",
			Help: "Total errors, by component and imap.Kind",
		}, []string{"component", "kind"}),
	}

	reg.MustRegister(
		s.Reconnects, s.ConnectionsOnline, s.IdleRoundTrips, s.WatchMode,
		s.ResyncDuration, s.ResyncFailures, s.CommandsSent, s.Errors,
	)
	return s
}

// RecordReconnect records a connection re-establishment for the named role
// ("idle" or "main").
func (s *Set) RecordReconnect(role string) {
	if s == nil {
		return
	}
	s.Reconnects.WithLabelValues(role).Inc()
}

// SetOnline records whether an account's connection is currently online.
func (s *Set) SetOnline(account string, online bool) {
	if s == nil {
		return
	}
	v := 0.0
	if online {
		v = 1.0
	}
	s.ConnectionsOnline.WithLabelValues(account).Set(v)
}

// RecordIdleRoundTrip records one IDLE enter/DONE cycle.
func (s *Set) RecordIdleRoundTrip() {
	if s == nil {
		return
	}
	s.IdleRoundTrips.Inc()
}

// SetWatchMode records which mode (idle or poll) an account's watcher is
// currently running in, clearing the other mode's gauge for that account.
func (s *Set) SetWatchMode(account, mode string) {
	if s == nil {
		return
	}
	for _, m := range []string{"idle", "poll"} {
		v := 0.0
		if m == mode {
			v = 1.0
		}
		s.WatchMode.WithLabelValues(account, m).Set(v)
	}
}

// RecordResync records the duration and outcome of a resync of the given
// kind ("cold", "warm").
func (s *Set) RecordResync(kind string, durationSeconds float64, err error) {
	if s == nil {
		return
	}
	s.ResyncDuration.WithLabelValues(kind).Observe(durationSeconds)
	if err != nil {
		s.ResyncFailures.WithLabelValues(kind).Inc()
	}
}

// RecordCommand records one IMAP command having been sent.
func (s *Set) RecordCommand(command string) {
	if s == nil {
		return
	}
	s.CommandsSent.WithLabelValues(command).Inc()
}

// RecordError records an error tagged with the imap.Kind string it carries.
func (s *Set) RecordError(component, kind string) {
	if s == nil {
		return
	}
	s.Errors.WithLabelValues(component, kind).Inc()
}
