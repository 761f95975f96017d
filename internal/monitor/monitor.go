package monitor

import (
	"context"
	"sync"
	"time"

	"golive/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Monitor folds the peer's state callbacks into a single outcome. Several
// events may report the same failure; only the first is kept and the failure
// handler runs at most once.
type Monitor struct {
	logger *zap.SugaredLogger

	connected chan struct{}
	failed    chan struct{}

	mu            sync.Mutex
	everConnected bool
	stopped       bool
	err           error
	onFailure     func(error)
}

// New creates a monitor for one connection attempt.
func New(logger *zap.SugaredLogger) *Monitor {
	return &Monitor{
		logger:    logger,
		connected: make(chan struct{}),
		failed:    make(chan struct{}),
	}
}

// HandleGatheringState logs gathering progress.
func (m *Monitor) HandleGatheringState(s pion.ICEGatheringState) {
	m.logger.Debugw("ice gathering state", "state", s.String())
}

// HandleICEState treats an ICE failure as a connection failure.
func (m *Monitor) HandleICEState(s pion.ICEConnectionState) {
	m.logger.Debugw("ice connection state", "state", s.String())
	if s == pion.ICEConnectionStateFailed {
		m.fail(m.classify("ice connectivity failed"))
	}
}

// HandleConnectionState drives the outcome from the peer connection state.
func (m *Monitor) HandleConnectionState(s pion.PeerConnectionState) {
	m.logger.Debugw("peer connection state", "state", s.String())
	switch s {
	case pion.PeerConnectionStateConnected:
		m.markConnected()
	case pion.PeerConnectionStateFailed:
		m.fail(m.classify("transport failed"))
	case pion.PeerConnectionStateDisconnected:
		m.fail(m.classify("transport disconnected"))
	case pion.PeerConnectionStateClosed:
		m.fail(m.classify("transport closed"))
	}
}

func (m *Monitor) classify(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.everConnected {
		return domain.NewError(domain.KindConnectionLost, reason)
	}
	return domain.NewError(domain.KindNegotiationFailed, reason)
}

func (m *Monitor) markConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.err != nil || m.everConnected {
		return
	}
	m.everConnected = true
	close(m.connected)
}

// fail records err if no outcome was recorded yet and runs the armed failure
// handler. It reports whether err was the one kept.
func (m *Monitor) fail(err error) bool {
	m.mu.Lock()
	if m.stopped || m.err != nil {
		m.mu.Unlock()
		return false
	}
	m.err = err
	close(m.failed)
	handler := m.onFailure
	m.mu.Unlock()

	m.logger.Warnw("connection failed", "kind", domain.KindOf(err), "error", err)
	if handler != nil {
		handler(err)
	}
	return true
}

// Err returns the recorded failure, if any.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Wait blocks until the transport connects, fails, the deadline passes or
// ctx is cancelled. Reaching the deadline records a ConnectionTimeout and
// cancellation records Aborted.
func (m *Monitor) Wait(ctx context.Context, deadline time.Time) error {
	select {
	case <-m.connected:
		return nil
	case <-m.failed:
		return m.Err()
	default:
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-m.connected:
		return nil
	case <-m.failed:
		return m.Err()
	case <-timer.C:
		select {
		case <-m.connected:
			return nil
		default:
		}
		m.fail(domain.NewError(domain.KindConnectionTimeout, "connection not established in time"))
		return m.Err()
	case <-ctx.Done():
		m.fail(domain.WrapError(ctx.Err(), domain.KindAborted, "negotiation cancelled"))
		return m.Err()
	}
}

// Arm installs the handler for failures after the connection is established.
// It returns the failure already recorded, if one raced in before arming.
func (m *Monitor) Arm(onFailure func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.onFailure = onFailure
	return nil
}

// Stop ignores every later event. Called before a deliberate teardown so
// closing the peer is not reported as a loss.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.onFailure = nil
}
