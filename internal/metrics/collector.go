package metrics

import (
	"net/http"
	"strconv"
	"time"

	"golive/native/internal/domain"
	"golive/native/internal/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var states = []domain.State{
	domain.StateIdle,
	domain.StateCreated,
	domain.StateDeviceSelected,
	domain.StateNegotiating,
	domain.StateLive,
	domain.StateStopping,
	domain.StateError,
}

// Collector exports session and negotiation metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	sessionState *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	failures     *prometheus.CounterVec
	liveSeconds  prometheus.Counter

	negotiationDuration *prometheus.HistogramVec
	gatheringDuration   *prometheus.HistogramVec

	liveSince time.Time
}

// NewCollector registers every metric on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,

		sessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "golive_session_state",
			Help: "1 for the current session state, 0 otherwise",
		}, []string{"state"}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "golive_state_transitions_total",
			Help: "Session state transitions",
		}, []string{"from", "to", "event"}),

		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "golive_failures_total",
			Help: "Session failures by kind",
		}, []string{"kind"}),

		liveSeconds: factory.NewCounter(prometheus.CounterOpts{
			Name: "golive_live_seconds_total",
			Help: "Time spent live",
		}),

		negotiationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "golive_negotiation_duration_seconds",
			Help:    "Duration of WHIP negotiation attempts",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"outcome"}),

		gatheringDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "golive_ice_gathering_duration_seconds",
			Help:    "Time spent gathering ICE candidates",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 9),
		}, []string{"complete"}),
	}

	c.setState(domain.StateIdle)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// OnChange records session state changes. Observers are called serially, so
// no locking is needed here.
func (c *Collector) OnChange(ch session.Change) {
	if ch.From == ch.To {
		return
	}
	c.transitions.WithLabelValues(string(ch.From), string(ch.To), string(ch.Event)).Inc()
	c.setState(ch.To)

	if ch.To == domain.StateLive {
		c.liveSince = ch.At
	}
	if ch.From == domain.StateLive && !c.liveSince.IsZero() {
		c.liveSeconds.Add(ch.At.Sub(c.liveSince).Seconds())
		c.liveSince = time.Time{}
	}
	if ch.To == domain.StateError && ch.Session.LastError != nil {
		c.failures.WithLabelValues(string(ch.Session.LastError.Kind)).Inc()
	}
}

func (c *Collector) setState(current domain.State) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		c.sessionState.WithLabelValues(string(s)).Set(v)
	}
}

// ObserveNegotiation records one negotiation attempt.
func (c *Collector) ObserveNegotiation(kind domain.ErrorKind, d time.Duration) {
	outcome := "success"
	if kind != "" {
		outcome = string(kind)
	}
	c.negotiationDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveGathering records how long candidate gathering took.
func (c *Collector) ObserveGathering(complete bool, d time.Duration) {
	c.gatheringDuration.WithLabelValues(strconv.FormatBool(complete)).Observe(d.Seconds())
}
