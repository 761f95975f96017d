// Package capturetest provides an in-memory capture.Device for tests.
package capturetest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golive/native/internal/capture"

	"github.com/pion/webrtc/v4"
)

// Track is a fake local track backed by a real pion sample track so it can
// be attached to a PeerConnection.
type Track struct {
	*webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	closed  atomic.Bool

	mu    sync.Mutex
	ended func(error)
}

// NewTrack creates a fake track of the given kind.
func NewTrack(kind webrtc.RTPCodecType, id string) *Track {
	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "golive-test")
	if err != nil {
		panic(err)
	}
	t := &Track{TrackLocalStaticSample: local}
	t.enabled.Store(true)
	return t
}

func (t *Track) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *Track) OnEnded(f func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = f
}

// End simulates the platform ending the capture.
func (t *Track) End(err error) {
	t.mu.Lock()
	f := t.ended
	t.mu.Unlock()
	if f != nil {
		f(err)
	}
}

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *Track) Enabled() bool { return t.enabled.Load() }

// Closed reports whether the track was stopped.
func (t *Track) Closed() bool { return t.closed.Load() }

// Device is a capture.Device whose behaviour is set per source.
type Device struct {
	mu sync.Mutex

	// CameraErr and ScreenErr are returned instead of tracks when set.
	CameraErr error
	ScreenErr error

	// AudioOnly makes the device return no video track.
	AudioOnly bool

	// Block, when non-nil, is waited on before answering (a pending permission prompt).
	Block chan struct{}

	seq     int
	issued  []*Track
	camera  []capture.Constraints
	display []capture.Constraints
}

// NewDevice creates a device that grants every request.
func NewDevice() *Device {
	return &Device{}
}

func (d *Device) UserMedia(c capture.Constraints) ([]capture.Track, error) {
	d.mu.Lock()
	d.camera = append(d.camera, c)
	err := d.CameraErr
	d.mu.Unlock()
	return d.answer(c, err)
}

func (d *Device) DisplayMedia(c capture.Constraints) ([]capture.Track, error) {
	d.mu.Lock()
	d.display = append(d.display, c)
	err := d.ScreenErr
	d.mu.Unlock()
	return d.answer(c, err)
}

func (d *Device) answer(c capture.Constraints, err error) ([]capture.Track, error) {
	if d.Block != nil {
		<-d.Block
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	var tracks []capture.Track
	if c.Audio {
		t := NewTrack(webrtc.RTPCodecTypeAudio, fmt.Sprintf("audio-%d", d.seq))
		d.issued = append(d.issued, t)
		tracks = append(tracks, t)
	}
	if !d.AudioOnly {
		t := NewTrack(webrtc.RTPCodecTypeVideo, fmt.Sprintf("video-%d", d.seq))
		d.issued = append(d.issued, t)
		tracks = append(tracks, t)
	}
	return tracks, nil
}

// Issued returns every track the device has handed out.
func (d *Device) Issued() []*Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Track(nil), d.issued...)
}

// LiveTracks counts handed-out tracks that have not been stopped.
func (d *Device) LiveTracks() int {
	n := 0
	for _, t := range d.Issued() {
		if !t.Closed() {
			n++
		}
	}
	return n
}

// CameraRequests returns the constraints of every camera request.
func (d *Device) CameraRequests() []capture.Constraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]capture.Constraints(nil), d.camera...)
}

// DisplayRequests returns the constraints of every display request.
func (d *Device) DisplayRequests() []capture.Constraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]capture.Constraints(nil), d.display...)
}
