package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golive/native/internal/domain"
	"golive/native/internal/session"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func change(from, to domain.State, ev session.Event, at time.Time) session.Change {
	return session.Change{From: from, To: to, Event: ev, At: at}
}

func TestOnChange_TracksCurrentState(t *testing.T) {
	c := NewCollector()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionState.WithLabelValues("idle")))

	c.OnChange(change(domain.StateIdle, domain.StateCreated, session.EventCreated, time.Now()))

	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionState.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionState.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("idle", "created", "created")))
}

func TestOnChange_IgnoresInPlaceChanges(t *testing.T) {
	c := NewCollector()
	c.OnChange(change(domain.StateLive, domain.StateLive, session.EventAudioToggled, time.Now()))
	assert.Equal(t, 0, testutil.CollectAndCount(c.transitions))
}

func TestOnChange_CountsFailuresAndLiveTime(t *testing.T) {
	c := NewCollector()
	start := time.Now()

	c.OnChange(change(domain.StateNegotiating, domain.StateLive, session.EventNegotiationSucceeded, start))

	lost := change(domain.StateLive, domain.StateError, session.EventFailed, start.Add(90*time.Second))
	lost.Session.LastError = domain.NewError(domain.KindConnectionLost, "transport disconnected")
	c.OnChange(lost)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.failures.WithLabelValues("ConnectionLost")))
	assert.InDelta(t, 90.0, testutil.ToFloat64(c.liveSeconds), 0.001)
}

func TestHandler_ExposesNegotiationMetrics(t *testing.T) {
	c := NewCollector()
	c.ObserveNegotiation("", 1500*time.Millisecond)
	c.ObserveNegotiation(domain.KindNegotiationFailed, 200*time.Millisecond)
	c.ObserveGathering(true, 300*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `golive_negotiation_duration_seconds_count{outcome="success"} 1`)
	assert.Contains(t, body, `golive_negotiation_duration_seconds_count{outcome="NegotiationFailed"} 1`)
	assert.Contains(t, body, `golive_ice_gathering_duration_seconds_count{complete="true"} 1`)
}
