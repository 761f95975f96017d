package capture

import (
	"context"
	"sync"

	"golive/native/internal/domain"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Track is one local media track. The manager owns it; the negotiator only
// borrows it to attach to a peer.
type Track interface {
	webrtc.TrackLocal
	Close() error
	OnEnded(func(error))
	SetEnabled(bool)
	Enabled() bool
}

// Constraints describe what to ask the platform for.
type Constraints struct {
	Width     int
	Height    int
	FrameRate float64
	Audio     bool
}

// Device is the platform media surface: camera/microphone and display capture.
// Implementations return classified errors (KindPermissionDenied,
// KindDeviceUnavailable) where they can tell the two apart.
type Device interface {
	UserMedia(c Constraints) ([]Track, error)
	DisplayMedia(c Constraints) ([]Track, error)
}

// Bundle is the single active capture: at most one audio and one video track.
type Bundle struct {
	Source   domain.CaptureSource
	Audio    Track
	Video    Track
	Degraded bool
}

// Tracks returns the bundle's tracks, audio first.
func (b *Bundle) Tracks() []Track {
	var tracks []Track
	if b.Audio != nil {
		tracks = append(tracks, b.Audio)
	}
	if b.Video != nil {
		tracks = append(tracks, b.Video)
	}
	return tracks
}

// Manager produces exactly one capture bundle at a time.
type Manager struct {
	device Device
	camera Constraints
	screen Constraints
	logger *zap.SugaredLogger

	mu      sync.Mutex
	active  *Bundle
	onEnded func()
}

// NewManager creates a capture manager. camera and screen carry the video
// constraints for each source; audio is always requested.
func NewManager(device Device, camera, screen Constraints, logger *zap.SugaredLogger) *Manager {
	camera.Audio = true
	screen.Audio = true
	return &Manager{
		device: device,
		camera: camera,
		screen: screen,
		logger: logger,
	}
}

// OnEnded registers the hook run when the platform ends a screen capture on
// its own, e.g. the user pressed the native "stop sharing" control.
func (m *Manager) OnEnded(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnded = f
}

type acquireResult struct {
	tracks []Track
	err    error
}

// Acquire requests capture from the platform. The previous bundle must have
// been released first. The permission prompt may block indefinitely; ctx
// cancellation abandons it and releases whatever the platform hands back later.
func (m *Manager) Acquire(ctx context.Context, kind domain.CaptureSource) (*Bundle, error) {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, domain.NewError(domain.KindInvalidState, "a capture is already active; release it first")
	}
	m.mu.Unlock()

	var request func() ([]Track, error)
	switch kind {
	case domain.CaptureCamera:
		request = func() ([]Track, error) { return m.device.UserMedia(m.camera) }
	case domain.CaptureScreen:
		request = func() ([]Track, error) { return m.device.DisplayMedia(m.screen) }
	default:
		return nil, domain.NewError(domain.KindInvalidInput, "unknown capture source")
	}

	ch := make(chan acquireResult, 1)
	go func() {
		tracks, err := request()
		ch <- acquireResult{tracks: tracks, err: err}
	}()

	var res acquireResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		go func() {
			late := <-ch
			closeTracks(late.tracks)
		}()
		return nil, domain.WrapError(ctx.Err(), domain.KindAborted, "capture request cancelled")
	}

	if res.err != nil {
		closeTracks(res.tracks)
		if _, ok := domain.AsError(res.err); ok {
			return nil, res.err
		}
		return nil, domain.WrapError(res.err, domain.KindDeviceUnavailable, "acquire "+string(kind))
	}

	bundle, extra := assemble(kind, res.tracks)
	closeTracks(extra)
	if bundle == nil {
		return nil, domain.NewError(domain.KindDeviceUnavailable, "no "+string(kind)+" track available")
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		closeTracks(bundle.Tracks())
		return nil, domain.NewError(domain.KindInvalidState, "a capture is already active; release it first")
	}
	m.active = bundle
	m.mu.Unlock()

	if kind == domain.CaptureScreen && bundle.Video != nil {
		bundle.Video.OnEnded(func(err error) { m.ended(bundle, err) })
	}

	m.logger.Infow("capture acquired",
		"source", kind,
		"audio", bundle.Audio != nil,
		"video", bundle.Video != nil,
		"degraded", bundle.Degraded,
	)
	return bundle, nil
}

// assemble keeps the first audio and first video track and returns the rest.
func assemble(kind domain.CaptureSource, tracks []Track) (*Bundle, []Track) {
	b := &Bundle{Source: kind}
	var extra []Track
	for _, t := range tracks {
		switch {
		case t.Kind() == webrtc.RTPCodecTypeAudio && b.Audio == nil:
			b.Audio = t
		case t.Kind() == webrtc.RTPCodecTypeVideo && b.Video == nil:
			b.Video = t
		default:
			extra = append(extra, t)
		}
	}
	if b.Audio == nil && b.Video == nil {
		return nil, extra
	}
	for _, t := range b.Tracks() {
		t.SetEnabled(true)
	}
	b.Degraded = b.Audio == nil || b.Video == nil
	return b, extra
}

func (m *Manager) ended(b *Bundle, err error) {
	m.mu.Lock()
	current := m.active == b
	hook := m.onEnded
	m.mu.Unlock()
	if !current {
		return
	}

	m.logger.Infow("capture ended by platform", "source", b.Source, "reason", err)
	if hook != nil {
		hook()
	}
}

// Release stops every track of the active bundle. Safe to call repeatedly.
func (m *Manager) Release() {
	m.mu.Lock()
	b := m.active
	m.active = nil
	m.mu.Unlock()
	if b == nil {
		return
	}

	closeTracks(b.Tracks())
	m.logger.Infow("capture released", "source", b.Source)
}

// Active returns the current bundle, or nil.
func (m *Manager) Active() *Bundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SetAudioEnabled flips the audio track's enabled flag in place. It reports
// false when there is no audio track.
func (m *Manager) SetAudioEnabled(enabled bool) bool {
	return m.setEnabled(func(b *Bundle) Track { return b.Audio }, enabled)
}

// SetVideoEnabled flips the video track's enabled flag in place. It reports
// false when there is no video track.
func (m *Manager) SetVideoEnabled(enabled bool) bool {
	return m.setEnabled(func(b *Bundle) Track { return b.Video }, enabled)
}

func (m *Manager) setEnabled(pick func(*Bundle) Track, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return false
	}
	t := pick(m.active)
	if t == nil {
		return false
	}
	t.SetEnabled(enabled)
	return true
}

// AudioEnabled reports the audio flag and whether an audio track exists.
func (m *Manager) AudioEnabled() (enabled, ok bool) {
	return m.enabled(func(b *Bundle) Track { return b.Audio })
}

// VideoEnabled reports the video flag and whether a video track exists.
func (m *Manager) VideoEnabled() (enabled, ok bool) {
	return m.enabled(func(b *Bundle) Track { return b.Video })
}

func (m *Manager) enabled(pick func(*Bundle) Track) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return false, false
	}
	t := pick(m.active)
	if t == nil {
		return false, false
	}
	return t.Enabled(), true
}

func closeTracks(tracks []Track) {
	for _, t := range tracks {
		_ = t.Close()
	}
}
