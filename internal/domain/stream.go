package domain

// State is the lifecycle phase of a broadcast attempt.
type State string

const (
	StateIdle           State = "idle"
	StateCreated        State = "created"
	StateDeviceSelected State = "device_selected"
	StateNegotiating    State = "negotiating"
	StateLive           State = "live"
	StateStopping       State = "stopping"
	StateError          State = "error"
)

// CaptureSource selects what the local capture is taken from.
type CaptureSource string

const (
	CaptureNone   CaptureSource = "none"
	CaptureCamera CaptureSource = "camera"
	CaptureScreen CaptureSource = "screen"
)

// ParseCaptureSource maps a user-facing name onto a CaptureSource.
func ParseCaptureSource(s string) (CaptureSource, error) {
	switch CaptureSource(s) {
	case CaptureCamera, CaptureScreen:
		return CaptureSource(s), nil
	}
	return CaptureNone, NewError(KindInvalidInput, "capture source must be camera or screen")
}

// Credentials are returned by the backend when a stream is created.
type Credentials struct {
	ID              string `json:"id"`
	StreamKey       string `json:"streamKey"`
	PlaybackID      string `json:"playbackId"`
	PlaybackURL     string `json:"playbackUrl"`
	ManualServerURL string `json:"rtmpIngestUrl"`
}

// ActiveStream summarises the creator's existing live stream in a conflict.
type ActiveStream struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// StreamSummary is what lookups expose: no secret key.
type StreamSummary struct {
	ID          string `json:"id"`
	PlaybackID  string `json:"playbackId"`
	PlaybackURL string `json:"playbackUrl"`
	Title       string `json:"name"`
}

// StreamSession represents one broadcast attempt.
type StreamSession struct {
	ID              string        `json:"id,omitempty"`
	StreamKey       string        `json:"-"`
	PlaybackID      string        `json:"playbackId,omitempty"`
	PlaybackURL     string        `json:"playbackUrl,omitempty"`
	IngestURL       string        `json:"-"`
	ManualServerURL string        `json:"manualServerUrl,omitempty"`
	Title           string        `json:"title,omitempty"`
	State           State         `json:"state"`
	CaptureSource   CaptureSource `json:"captureSource"`
	AudioEnabled    bool          `json:"audioEnabled"`
	VideoEnabled    bool          `json:"videoEnabled"`
	LastError       *Error        `json:"lastError,omitempty"`
}

// HasCredentials reports whether a backend stream backs the session.
func (s *StreamSession) HasCredentials() bool {
	return s.StreamKey != ""
}

// ManualIngest holds the literal strings pasted into third-party broadcaster
// software. Nothing is negotiated for this path.
type ManualIngest struct {
	ServerURL string `json:"serverUrl"`
	StreamKey string `json:"streamKey"`
}
