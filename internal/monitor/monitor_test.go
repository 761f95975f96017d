package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"golive/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMonitor() *Monitor {
	return New(zap.NewNop().Sugar())
}

func TestWait_ResolvesOnConnected(t *testing.T) {
	m := newMonitor()
	go func() {
		time.Sleep(20 * time.Millisecond)
		m.HandleConnectionState(pion.PeerConnectionStateConnecting)
		m.HandleConnectionState(pion.PeerConnectionStateConnected)
	}()

	start := time.Now()
	err := m.Wait(context.Background(), time.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWait_FailureBeforeConnectIsNegotiationFailure(t *testing.T) {
	m := newMonitor()
	m.HandleConnectionState(pion.PeerConnectionStateFailed)

	err := m.Wait(context.Background(), time.Now().Add(time.Second))
	assert.ErrorIs(t, err, domain.ErrNegotiationFailed)
}

func TestWait_TimesOut(t *testing.T) {
	m := newMonitor()

	err := m.Wait(context.Background(), time.Now().Add(50*time.Millisecond))
	assert.ErrorIs(t, err, domain.ErrConnectionTimeout)

	// A late connect does not overwrite the outcome.
	m.HandleConnectionState(pion.PeerConnectionStateConnected)
	assert.ErrorIs(t, m.Err(), domain.ErrConnectionTimeout)
}

func TestWait_CancelIsAborted(t *testing.T) {
	m := newMonitor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Wait(ctx, time.Now().Add(time.Second))
	assert.ErrorIs(t, err, domain.ErrAborted)
}

func TestFailure_HandledExactlyOnce(t *testing.T) {
	m := newMonitor()
	m.HandleConnectionState(pion.PeerConnectionStateConnected)

	var mu sync.Mutex
	var got []error
	require.NoError(t, m.Arm(func(err error) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.HandleICEState(pion.ICEConnectionStateFailed)
			m.HandleConnectionState(pion.PeerConnectionStateDisconnected)
			m.HandleConnectionState(pion.PeerConnectionStateFailed)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], domain.ErrConnectionLost)
}

func TestArm_ReturnsFailureThatRacedIn(t *testing.T) {
	m := newMonitor()
	m.HandleConnectionState(pion.PeerConnectionStateConnected)
	m.HandleConnectionState(pion.PeerConnectionStateDisconnected)

	called := false
	err := m.Arm(func(error) { called = true })
	assert.ErrorIs(t, err, domain.ErrConnectionLost)
	assert.False(t, called)
}

func TestStop_SuppressesTeardownEvents(t *testing.T) {
	m := newMonitor()
	m.HandleConnectionState(pion.PeerConnectionStateConnected)

	called := false
	require.NoError(t, m.Arm(func(error) { called = true }))

	m.Stop()
	m.HandleConnectionState(pion.PeerConnectionStateClosed)

	assert.False(t, called)
	assert.NoError(t, m.Err())
}
