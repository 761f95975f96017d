package capture

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"strings"
	"sync/atomic"

	"golive/native/internal/domain"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
)

// MediaDevices captures through pion/mediadevices. Camera, microphone and
// screen drivers must be registered by the binary with blank imports.
type MediaDevices struct {
	selector *mediadevices.CodecSelector
}

// NewMediaDevices configures VP8 video at videoBitrate and Opus audio.
func NewMediaDevices(videoBitrate int) (*MediaDevices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = videoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &MediaDevices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs registers the encoders' codecs so captured tracks can bind
// to a peer built on m.
func (d *MediaDevices) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

// UserMedia opens the camera and, if requested, the microphone.
func (d *MediaDevices) UserMedia(c Constraints) ([]Track, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Video: videoConstraints(c),
		Codec: d.selector,
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classify(err, "camera")
	}
	return wrapTracks(stream.GetTracks()), nil
}

// DisplayMedia captures the screen. Display capture carries no audio, so the
// microphone is opened separately; without one the bundle is video-only.
func (d *MediaDevices) DisplayMedia(c Constraints) ([]Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: videoConstraints(c),
		Codec: d.selector,
	})
	if err != nil {
		return nil, classify(err, "screen")
	}
	tracks := wrapTracks(stream.GetTracks())

	if c.Audio {
		mic, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(*mediadevices.MediaTrackConstraints) {},
			Codec: d.selector,
		})
		if err == nil {
			tracks = append(tracks, wrapTracks(mic.GetAudioTracks())...)
		}
	}
	return tracks, nil
}

func videoConstraints(c Constraints) mediadevices.MediaOption {
	return func(mc *mediadevices.MediaTrackConstraints) {
		mc.Width = prop.Int(c.Width)
		mc.Height = prop.Int(c.Height)
		mc.FrameRate = prop.Float(c.FrameRate)
	}
}

// classify tells a denied device apart from a missing one.
func classify(err error, what string) error {
	msg := strings.ToLower(err.Error())
	if errors.Is(err, fs.ErrPermission) ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not permitted") {
		return domain.WrapError(err, domain.KindPermissionDenied, what+" access denied")
	}
	return domain.WrapError(err, domain.KindDeviceUnavailable, "no matching "+what)
}

// mediaTrack adds an enabled flag to a mediadevices track. A disabled track
// keeps flowing, carrying black frames or silence.
type mediaTrack struct {
	mediadevices.Track
	enabled atomic.Bool
}

func wrapTracks(tracks []mediadevices.Track) []Track {
	out := make([]Track, 0, len(tracks))
	for _, t := range tracks {
		mt := &mediaTrack{Track: t}
		mt.enabled.Store(true)
		switch src := t.(type) {
		case *mediadevices.VideoTrack:
			src.Transform(blankWhenDisabled(&mt.enabled))
		case *mediadevices.AudioTrack:
			src.Transform(silenceWhenDisabled(&mt.enabled))
		}
		out = append(out, mt)
	}
	return out
}

func (t *mediaTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *mediaTrack) Enabled() bool { return t.enabled.Load() }

func blankWhenDisabled(enabled *atomic.Bool) video.TransformFunc {
	return func(r video.Reader) video.Reader {
		return video.ReaderFunc(func() (image.Image, func(), error) {
			img, release, err := r.Read()
			if err != nil || enabled.Load() {
				return img, release, err
			}
			return blackFrame(img.Bounds()), release, nil
		})
	}
}

func blackFrame(bounds image.Rectangle) image.Image {
	img := image.NewYCbCr(bounds, image.YCbCrSubsampleRatio420)
	for i := range img.Cb {
		img.Cb[i] = 128
	}
	for i := range img.Cr {
		img.Cr[i] = 128
	}
	return img
}

func silenceWhenDisabled(enabled *atomic.Bool) audio.TransformFunc {
	return func(r audio.Reader) audio.Reader {
		return audio.ReaderFunc(func() (wave.Audio, func(), error) {
			chunk, release, err := r.Read()
			if err != nil || enabled.Load() {
				return chunk, release, err
			}
			return silence(chunk), release, nil
		})
	}
}

func silence(chunk wave.Audio) wave.Audio {
	info := chunk.ChunkInfo()
	switch chunk.(type) {
	case *wave.Int16Interleaved:
		return wave.NewInt16Interleaved(info)
	case *wave.Int16NonInterleaved:
		return wave.NewInt16NonInterleaved(info)
	case *wave.Float32Interleaved:
		return wave.NewFloat32Interleaved(info)
	case *wave.Float32NonInterleaved:
		return wave.NewFloat32NonInterleaved(info)
	}
	return chunk
}
