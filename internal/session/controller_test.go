package session_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"golive/native/internal/api"
	"golive/native/internal/capture"
	"golive/native/internal/capture/capturetest"
	"golive/native/internal/domain"
	"golive/native/internal/session"
	"golive/native/internal/testsupport/backendstub"
	"golive/native/internal/whip"
	"golive/native/internal/whip/whiptest"

	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const creator = "did:plc:alice"

// changes records every observed change.
type changes struct {
	mu  sync.Mutex
	all []session.Change
}

func (c *changes) OnChange(ch session.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = append(c.all, ch)
}

func (c *changes) states() []domain.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.State
	for _, ch := range c.all {
		if ch.From != ch.To {
			out = append(out, ch.To)
		}
	}
	return out
}

type harness struct {
	ctrl    *session.Controller
	backend *backendstub.Backend
	device  *capturetest.Device
	ingest  *whiptest.Ingest
	peers   *whiptest.Factory
	changes *changes
}

func newHarness(t *testing.T, backend *backendstub.Backend, configure func(*whiptest.Peer)) *harness {
	t.Helper()
	if backend == nil {
		backend = backendstub.Start(backendstub.Options{ManualServerURL: "rtmp://ingest.example.com/live"})
		t.Cleanup(backend.Close)
	}
	ingest := whiptest.NewIngest()
	t.Cleanup(ingest.Close)

	logger := zap.NewNop().Sugar()
	device := capturetest.NewDevice()
	manager := capture.NewManager(device,
		capture.Constraints{Width: 1280, Height: 720, FrameRate: 30},
		capture.Constraints{Width: 1920, Height: 1080, FrameRate: 30},
		logger)

	peers := &whiptest.Factory{Configure: configure}
	negotiator := whip.New(whip.Config{
		CanonicalURL:   ingest.URL() + "/webrtc",
		ICEUsername:    "livepeer",
		ICECredential:  "livepeer",
		GatherTimeout:  time.Second,
		ConnectTimeout: 5 * time.Second,
	}, func(servers []pion.ICEServer) (whip.Peer, error) { return peers.New(servers) }, logger)

	registry := api.NewClient(backend.URL(), creator, 5*time.Second, logger)
	ctrl := session.NewController(registry, manager, negotiator, session.Config{
		CanonicalIngestURL: ingest.URL() + "/webrtc",
		CreatorID:          creator,
	}, logger)

	ch := &changes{}
	ctrl.AddObserver(ch)

	return &harness{
		ctrl:    ctrl,
		backend: backend,
		device:  device,
		ingest:  ingest,
		peers:   peers,
		changes: ch,
	}
}

func (h *harness) state() domain.State {
	return h.ctrl.Snapshot().State
}

func (h *harness) goLive(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.ctrl.CreateSession(ctx, "My Show"))
	require.NoError(t, h.ctrl.SelectCaptureSource(ctx, domain.CaptureCamera))
	require.NoError(t, h.ctrl.StartBroadcast(ctx))
	require.Equal(t, domain.StateLive, h.state())
}

func (h *harness) assertTornDown(t *testing.T) {
	t.Helper()
	assert.Equal(t, domain.StateIdle, h.state())
	assert.Equal(t, 0, h.device.LiveTracks())
	for _, p := range h.peers.Peers() {
		assert.GreaterOrEqual(t, p.Closes(), 1, "peer left open")
	}
}

func TestBroadcast_FullLifecycle(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.goLive(t)

	snap := h.ctrl.Snapshot()
	assert.NotEmpty(t, snap.ID)
	assert.NotEmpty(t, snap.PlaybackURL)
	assert.Empty(t, snap.StreamKey, "snapshot must not expose the key")
	assert.Equal(t, domain.CaptureCamera, snap.CaptureSource)
	assert.True(t, snap.AudioEnabled)
	assert.True(t, snap.VideoEnabled)

	peer := h.peers.Last()
	require.NotNil(t, peer)
	assert.Equal(t, whiptest.Answer, peer.Answer())
	assert.Equal(t, []string{"audio-1", "video-1"}, peer.Tracks())

	_, _, path := h.ingest.Received()
	manual, err := h.ctrl.ManualIngest()
	require.NoError(t, err)
	assert.Equal(t, "/webrtc/"+manual.StreamKey, path)

	h.ctrl.StopBroadcast()
	h.assertTornDown(t)
	assert.Equal(t, 1, peer.Closes())

	assert.Equal(t, []domain.State{
		domain.StateCreated,
		domain.StateDeviceSelected,
		domain.StateNegotiating,
		domain.StateLive,
		domain.StateStopping,
		domain.StateIdle,
	}, h.changes.states())

	h.ctrl.StopBroadcast()
	h.assertTornDown(t)
}

func TestCreateSession_InvalidTitleMakesNoRequest(t *testing.T) {
	h := newHarness(t, nil, nil)

	for _, title := range []string{"", "bad/title", string(make([]byte, 101))} {
		err := h.ctrl.CreateSession(context.Background(), title)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, "title %q", title)
	}
	assert.Empty(t, h.backend.Operations())
	assert.Equal(t, domain.StateIdle, h.state())
}

func TestCreateSession_ConflictReportsActiveTitle(t *testing.T) {
	first := newHarness(t, nil, nil)
	require.NoError(t, first.ctrl.CreateSession(context.Background(), "My Show"))

	second := newHarness(t, first.backend, nil)
	err := second.ctrl.CreateSession(context.Background(), "My Show 2")
	require.ErrorIs(t, err, domain.ErrSessionConflict)

	e, ok := domain.AsError(err)
	require.True(t, ok)
	require.NotNil(t, e.ActiveStream)
	assert.Equal(t, "My Show", e.ActiveStream.Title)

	snap := second.ctrl.Snapshot()
	assert.Equal(t, domain.StateIdle, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, domain.KindSessionConflict, snap.LastError.Kind)
}

func TestSelectCapture_PermissionDeniedStaysCreated(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.device.CameraErr = domain.NewError(domain.KindPermissionDenied, "camera access denied")

	require.NoError(t, h.ctrl.CreateSession(context.Background(), "My Show"))
	err := h.ctrl.SelectCaptureSource(context.Background(), domain.CaptureCamera)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, domain.StateCreated, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, domain.KindPermissionDenied, snap.LastError.Kind)
	assert.Empty(t, h.peers.Peers(), "no peer may exist")

	err = h.ctrl.StartBroadcast(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestSelectCapture_SwitchingKeepsOneCaptureAndOneKey(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, h.ctrl.CreateSession(ctx, "My Show"))
	before, err := h.ctrl.ManualIngest()
	require.NoError(t, err)

	for _, src := range []domain.CaptureSource{
		domain.CaptureCamera, domain.CaptureScreen, domain.CaptureCamera, domain.CaptureScreen,
	} {
		require.NoError(t, h.ctrl.SelectCaptureSource(ctx, src))
		assert.Equal(t, 2, h.device.LiveTracks())
		assert.Equal(t, src, h.ctrl.Snapshot().CaptureSource)
	}

	after, err := h.ctrl.ManualIngest()
	require.NoError(t, err)
	assert.Equal(t, before.StreamKey, after.StreamKey)
	assert.Len(t, h.backend.Operations(), 1)
}

func TestStartBroadcast_IngestErrorGoesToError(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.ingest.Status = http.StatusServiceUnavailable
	ctx := context.Background()

	require.NoError(t, h.ctrl.CreateSession(ctx, "My Show"))
	require.NoError(t, h.ctrl.SelectCaptureSource(ctx, domain.CaptureCamera))

	err := h.ctrl.StartBroadcast(ctx)
	assert.ErrorIs(t, err, domain.ErrNegotiationFailed)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, domain.StateError, snap.State)
	assert.Equal(t, domain.KindNegotiationFailed, snap.LastError.Kind)
	assert.Equal(t, 0, h.device.LiveTracks())

	peer := h.peers.Last()
	assert.Empty(t, peer.Answer(), "never Live without an applied answer")
	assert.Equal(t, 1, peer.Closes())

	// Retry path: reselect capture on the same credentials.
	require.NoError(t, h.ctrl.SelectCaptureSource(ctx, domain.CaptureCamera))
	assert.Equal(t, domain.StateDeviceSelected, h.state())
	assert.Len(t, h.backend.Operations(), 1)
}

func TestStartBroadcast_RequiresSelectedCapture(t *testing.T) {
	h := newHarness(t, nil, nil)
	assert.ErrorIs(t, h.ctrl.StartBroadcast(context.Background()), domain.ErrInvalidState)

	require.NoError(t, h.ctrl.CreateSession(context.Background(), "My Show"))
	assert.ErrorIs(t, h.ctrl.StartBroadcast(context.Background()), domain.ErrInvalidState)
}

func TestStopBroadcast_FromEveryState(t *testing.T) {
	ctx := context.Background()

	cases := map[string]struct {
		reach func(t *testing.T, h *harness)
	}{
		"idle": {
			reach: func(t *testing.T, h *harness) {},
		},
		"created": {
			reach: func(t *testing.T, h *harness) {
				require.NoError(t, h.ctrl.CreateSession(ctx, "My Show"))
			},
		},
		"device selected": {
			reach: func(t *testing.T, h *harness) {
				require.NoError(t, h.ctrl.CreateSession(ctx, "My Show"))
				require.NoError(t, h.ctrl.SelectCaptureSource(ctx, domain.CaptureScreen))
			},
		},
		"live": {
			reach: func(t *testing.T, h *harness) { h.goLive(t) },
		},
		"error": {
			reach: func(t *testing.T, h *harness) {
				h.ingest.Status = http.StatusInternalServerError
				require.NoError(t, h.ctrl.CreateSession(ctx, "My Show"))
				require.NoError(t, h.ctrl.SelectCaptureSource(ctx, domain.CaptureCamera))
				require.Error(t, h.ctrl.StartBroadcast(ctx))
				require.Equal(t, domain.StateError, h.state())
			},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil, nil)
			tc.reach(t, h)

			h.ctrl.StopBroadcast()
			h.assertTornDown(t)
			_, err := h.ctrl.ManualIngest()
			assert.ErrorIs(t, err, domain.ErrInvalidState, "credentials must be cleared")
		})
	}
}

func TestStopBroadcast_CancelsNegotiation(t *testing.T) {
	h := newHarness(t, nil, func(p *whiptest.Peer) { p.AfterAnswer = pion.PeerConnectionStateUnknown })
	ctx := context.Background()
	require.NoError(t, h.ctrl.CreateSession(ctx, "My Show"))
	require.NoError(t, h.ctrl.SelectCaptureSource(ctx, domain.CaptureCamera))

	errCh := make(chan error, 1)
	go func() { errCh <- h.ctrl.StartBroadcast(ctx) }()

	require.Eventually(t, func() bool { return h.ingest.Posts() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.StateNegotiating, h.state())

	h.ctrl.StopBroadcast()
	h.assertTornDown(t)
	require.Len(t, h.peers.Peers(), 1)

	assert.ErrorIs(t, <-errCh, domain.ErrAborted)
	assert.Equal(t, domain.StateIdle, h.state())
}

func TestTeardown_StopsTracksBeforeClosingPeer(t *testing.T) {
	ctx := context.Background()
	noAnswer := func(p *whiptest.Peer) { p.AfterAnswer = pion.PeerConnectionStateUnknown }

	cases := map[string]struct {
		configure func(*whiptest.Peer)
		run       func(t *testing.T, h *harness)
	}{
		"ingest rejects offer": {
			run: func(t *testing.T, h *harness) {
				h.ingest.Status = http.StatusInternalServerError
				require.NoError(t, h.ctrl.CreateSession(ctx, "My Show"))
				require.NoError(t, h.ctrl.SelectCaptureSource(ctx, domain.CaptureCamera))
				require.ErrorIs(t, h.ctrl.StartBroadcast(ctx), domain.ErrNegotiationFailed)
			},
		},
		"stop during negotiation": {
			configure: noAnswer,
			run: func(t *testing.T, h *harness) {
				require.NoError(t, h.ctrl.CreateSession(ctx, "My Show"))
				require.NoError(t, h.ctrl.SelectCaptureSource(ctx, domain.CaptureCamera))

				errCh := make(chan error, 1)
				go func() { errCh <- h.ctrl.StartBroadcast(ctx) }()
				require.Eventually(t, func() bool { return h.ingest.Posts() == 1 }, 2*time.Second, 10*time.Millisecond)

				h.ctrl.StopBroadcast()
				assert.ErrorIs(t, <-errCh, domain.ErrAborted)
			},
		},
		"stop while live": {
			run: func(t *testing.T, h *harness) {
				h.goLive(t)
				h.ctrl.StopBroadcast()
			},
		},
		"connection lost": {
			run: func(t *testing.T, h *harness) {
				h.goLive(t)
				h.peers.Last().Emit(pion.PeerConnectionStateFailed)
			},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var (
				h       *harness
				mu      sync.Mutex
				atClose []int
			)
			h = newHarness(t, nil, func(p *whiptest.Peer) {
				if tc.configure != nil {
					tc.configure(p)
				}
				p.OnClose = func() {
					mu.Lock()
					defer mu.Unlock()
					atClose = append(atClose, h.device.LiveTracks())
				}
			})

			tc.run(t, h)

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(atClose) > 0
			}, time.Second, 10*time.Millisecond)

			mu.Lock()
			defer mu.Unlock()
			for _, live := range atClose {
				assert.Zero(t, live, "peer closed with live tracks")
			}
		})
	}
}

func TestToggleAudio_TwiceRestores(t *testing.T) {
	h := newHarness(t, nil, nil)
	assert.False(t, h.ctrl.ToggleAudio(), "no tracks yet")

	h.goLive(t)
	assert.False(t, h.ctrl.ToggleAudio())
	assert.False(t, h.ctrl.Snapshot().AudioEnabled)
	assert.True(t, h.ctrl.ToggleAudio())
	assert.True(t, h.ctrl.Snapshot().AudioEnabled)

	assert.False(t, h.ctrl.ToggleVideo())
	assert.False(t, h.ctrl.Snapshot().VideoEnabled)
	assert.Len(t, h.peers.Peers(), 1, "toggles must not renegotiate")
}

func TestConnectionLost_GoesToError(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.goLive(t)

	h.peers.Last().Emit(pion.PeerConnectionStateDisconnected)

	require.Eventually(t, func() bool { return h.state() == domain.StateError }, time.Second, 10*time.Millisecond)
	snap := h.ctrl.Snapshot()
	assert.Equal(t, domain.KindConnectionLost, snap.LastError.Kind)
	assert.Equal(t, 0, h.device.LiveTracks())
	assert.Equal(t, 1, h.peers.Last().Closes())
}

func TestScreenEnded_RunsStopTeardown(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, h.ctrl.CreateSession(ctx, "My Show"))
	require.NoError(t, h.ctrl.SelectCaptureSource(ctx, domain.CaptureScreen))
	require.NoError(t, h.ctrl.StartBroadcast(ctx))

	issued := h.device.Issued()
	issued[len(issued)-1].End(nil)

	require.Eventually(t, func() bool { return h.state() == domain.StateIdle }, time.Second, 10*time.Millisecond)
	h.assertTornDown(t)
}

func TestResume_RestoresPublicFields(t *testing.T) {
	first := newHarness(t, nil, nil)
	require.NoError(t, first.ctrl.CreateSession(context.Background(), "Evening Stream"))

	second := newHarness(t, first.backend, nil)
	active, err := second.ctrl.Resume(context.Background())
	require.NoError(t, err)
	require.NotNil(t, active)

	snap := second.ctrl.Snapshot()
	assert.Equal(t, "Evening Stream", snap.Title)
	assert.Equal(t, active.ID, snap.ID)
	assert.Equal(t, domain.StateIdle, snap.State)

	_, err = second.ctrl.ManualIngest()
	assert.ErrorIs(t, err, domain.ErrInvalidState, "lookup never yields a key")
}
