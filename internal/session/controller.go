package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"golive/native/internal/capture"
	"golive/native/internal/domain"
	"golive/native/internal/whip"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Capturer is the capture surface the controller drives.
type Capturer interface {
	Acquire(ctx context.Context, kind domain.CaptureSource) (*capture.Bundle, error)
	Release()
	OnEnded(f func())
	SetAudioEnabled(enabled bool) bool
	SetVideoEnabled(enabled bool) bool
	AudioEnabled() (enabled, ok bool)
	VideoEnabled() (enabled, ok bool)
}

// Publisher negotiates a media session with the ingest.
type Publisher interface {
	Negotiate(ctx context.Context, streamKey string, tracks []pion.TrackLocal, release func(), onLost func(error)) (*whip.Session, error)
}

// Change describes one observable change of the session.
type Change struct {
	From    domain.State
	To      domain.State
	Event   Event
	Session domain.StreamSession
	At      time.Time
}

// Observer is notified of every change in order. Implementations must not
// block or call back into the controller.
type Observer interface {
	OnChange(c Change)
}

// Config carries what the controller needs besides its collaborators.
type Config struct {
	// CanonicalIngestURL is used to expose the session's WHIP URL.
	CanonicalIngestURL string
	// CreatorID identifies the broadcaster for active stream lookups.
	CreatorID string
}

// operation is an in-flight blocking call that StopBroadcast can abort.
type operation struct {
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// Controller owns one broadcast session: its credentials, its capture
// bundle and its ingest connection. All methods are safe for concurrent use.
type Controller struct {
	registry  domain.Registry
	capture   Capturer
	publisher Publisher
	cfg       Config
	logger    *zap.SugaredLogger

	mu          sync.Mutex
	session     domain.StreamSession
	bundle      *capture.Bundle
	live        *whip.Session
	op          *operation
	generation  uint64
	pendingLoss error
	observers   []Observer
}

// NewController creates a controller in the Idle state.
func NewController(registry domain.Registry, capturer Capturer, publisher Publisher, cfg Config, logger *zap.SugaredLogger) *Controller {
	c := &Controller{
		registry:  registry,
		capture:   capturer,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		session:   idleSession(),
	}
	capturer.OnEnded(func() {
		c.logger.Infow("screen capture ended by the platform, stopping")
		go c.StopBroadcast()
	})
	return c
}

func idleSession() domain.StreamSession {
	return domain.StreamSession{
		State:         domain.StateIdle,
		CaptureSource: domain.CaptureNone,
	}
}

// AddObserver registers o for every later change.
func (c *Controller) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Snapshot returns a copy of the session without its secrets.
func (c *Controller) Snapshot() domain.StreamSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redacted()
}

func (c *Controller) redacted() domain.StreamSession {
	s := c.session
	s.StreamKey = ""
	s.IngestURL = ""
	return s
}

// CreateSession asks the backend for stream credentials. The title is
// validated locally first. A creator with an active stream gets a
// KindSessionConflict carrying that stream's title; the state stays Idle.
func (c *Controller) CreateSession(ctx context.Context, title string) error {
	if err := domain.ValidateTitle(title); err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.checkLocked(EventCreated); err != nil {
		c.mu.Unlock()
		return err
	}
	op, opCtx := c.beginLocked(ctx)
	c.mu.Unlock()

	creds, err := c.registry.Create(opCtx, title)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.endLocked(op)

	if op.stopped {
		return domain.NewError(domain.KindAborted, "session creation cancelled")
	}
	if err != nil {
		if domain.KindOf(err) == domain.KindSessionConflict {
			c.session.LastError = classify(err)
			c.applyLocked(EventCreateConflict)
			return err
		}
		c.session.LastError = classify(err)
		return err
	}

	c.session = domain.StreamSession{
		ID:              creds.ID,
		StreamKey:       creds.StreamKey,
		PlaybackID:      creds.PlaybackID,
		PlaybackURL:     creds.PlaybackURL,
		IngestURL:       strings.TrimRight(c.cfg.CanonicalIngestURL, "/") + "/" + creds.StreamKey,
		ManualServerURL: creds.ManualServerURL,
		Title:           title,
		State:           domain.StateIdle,
		CaptureSource:   domain.CaptureNone,
	}
	c.applyLocked(EventCreated)
	c.logger.Infow("stream created", "stream_id", creds.ID, "title", title)
	return nil
}

// SelectCaptureSource releases the current capture and acquires kind. The
// stream key is kept. On failure the state does not advance and LastError is
// set; from DeviceSelected it falls back to Created since the old capture is
// gone.
func (c *Controller) SelectCaptureSource(ctx context.Context, kind domain.CaptureSource) error {
	if _, err := domain.ParseCaptureSource(string(kind)); err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.checkLocked(EventCaptureSelected); err != nil {
		c.mu.Unlock()
		return err
	}
	c.bundle = nil
	op, opCtx := c.beginLocked(ctx)
	c.mu.Unlock()

	c.capture.Release()
	bundle, err := c.capture.Acquire(opCtx, kind)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.endLocked(op)

	if op.stopped {
		if bundle != nil {
			c.capture.Release()
		}
		return domain.NewError(domain.KindAborted, "capture selection cancelled")
	}
	if err != nil {
		c.session.LastError = classify(err)
		c.session.CaptureSource = domain.CaptureNone
		c.applyLocked(EventCaptureFailed)
		c.logger.Warnw("capture failed", "source", kind, "kind", domain.KindOf(err))
		return err
	}

	c.bundle = bundle
	c.session.CaptureSource = kind
	c.session.AudioEnabled = bundle.Audio != nil && bundle.Audio.Enabled()
	c.session.VideoEnabled = bundle.Video != nil && bundle.Video.Enabled()
	c.session.LastError = nil
	c.applyLocked(EventCaptureSelected)
	return nil
}

// StartBroadcast negotiates with the ingest using the selected capture and
// goes Live once the transport connects. Any failure tears the attempt down
// and leaves the session in Error. Nothing is retried.
func (c *Controller) StartBroadcast(ctx context.Context) error {
	c.mu.Lock()
	if err := c.checkLocked(EventNegotiationStarted); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.bundle == nil {
		c.mu.Unlock()
		return domain.NewError(domain.KindInvalidState, "no capture selected")
	}
	var tracks []pion.TrackLocal
	for _, t := range c.bundle.Tracks() {
		tracks = append(tracks, t)
	}
	key := c.session.StreamKey
	c.generation++
	gen := c.generation
	c.pendingLoss = nil
	op, opCtx := c.beginLocked(ctx)
	c.applyLocked(EventNegotiationStarted)
	c.mu.Unlock()

	sess, err := c.publisher.Negotiate(opCtx, key, tracks, c.capture.Release, func(err error) { c.lost(gen, err) })

	c.mu.Lock()
	if op.stopped {
		c.mu.Unlock()
		if sess != nil {
			c.capture.Release()
			sess.Close()
		}
		c.mu.Lock()
		c.endLocked(op)
		c.mu.Unlock()
		return domain.NewError(domain.KindAborted, "broadcast cancelled")
	}
	if err == nil && c.pendingLoss != nil {
		err = c.pendingLoss
	}
	if err != nil {
		bundle := c.failLocked(err)
		c.endLocked(op)
		c.mu.Unlock()
		teardown(c.capture, bundle, sess)
		return err
	}

	c.live = sess
	c.session.LastError = nil
	c.applyLocked(EventNegotiationSucceeded)
	c.endLocked(op)
	c.mu.Unlock()

	c.logger.Infow("broadcast live", "stream_id", c.Snapshot().ID, "ingest", sess.IngestHost())
	return nil
}

// lost handles a connection drop reported after the attempt connected.
func (c *Controller) lost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	switch c.session.State {
	case domain.StateNegotiating:
		c.pendingLoss = err
		c.mu.Unlock()
		return
	case domain.StateLive:
	default:
		c.mu.Unlock()
		return
	}

	live := c.live
	c.live = nil
	bundle := c.failLocked(err)
	c.mu.Unlock()

	c.logger.Warnw("broadcast lost", "kind", domain.KindOf(err), "error", err)
	teardown(c.capture, bundle, live)
}

// failLocked moves to Error and detaches the capture for teardown.
func (c *Controller) failLocked(err error) *capture.Bundle {
	bundle := c.bundle
	c.bundle = nil
	c.session.LastError = classify(err)
	c.session.CaptureSource = domain.CaptureNone
	c.applyLocked(EventFailed)
	return bundle
}

// StopBroadcast tears everything down and returns to Idle from any state.
// An in-flight operation is cancelled and waited for, so on return no track
// is live and no peer is open. Safe to call repeatedly.
func (c *Controller) StopBroadcast() {
	c.mu.Lock()
	if op := c.op; op != nil {
		op.stopped = true
		c.mu.Unlock()
		c.capture.Release()
		op.cancel()
		<-op.done
		c.mu.Lock()
	}

	if c.session.State == domain.StateIdle || c.session.State == domain.StateStopping {
		c.mu.Unlock()
		return
	}

	bundle := c.bundle
	live := c.live
	c.bundle = nil
	c.live = nil
	c.generation++
	c.applyLocked(EventStopRequested)
	c.mu.Unlock()

	teardown(c.capture, bundle, live)

	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.session.State
	c.session = idleSession()
	c.session.State = from
	c.applyLocked(EventReset)
	c.logger.Infow("broadcast stopped")
}

// teardown stops the tracks before closing the peer.
func teardown(capturer Capturer, bundle *capture.Bundle, live *whip.Session) {
	if bundle != nil {
		capturer.Release()
	}
	if live != nil {
		live.Close()
	}
}

// ToggleAudio flips the audio track's enabled flag without renegotiating and
// returns the new flag. Without an audio track it does nothing.
func (c *Controller) ToggleAudio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	enabled, ok := c.capture.AudioEnabled()
	if !ok || !c.capture.SetAudioEnabled(!enabled) {
		return false
	}
	c.session.AudioEnabled = !enabled
	c.notifyLocked(c.session.State, EventAudioToggled)
	return !enabled
}

// ToggleVideo flips the video track's enabled flag without renegotiating and
// returns the new flag. Without a video track it does nothing.
func (c *Controller) ToggleVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	enabled, ok := c.capture.VideoEnabled()
	if !ok || !c.capture.SetVideoEnabled(!enabled) {
		return false
	}
	c.session.VideoEnabled = !enabled
	c.notifyLocked(c.session.State, EventVideoToggled)
	return !enabled
}

// Resume looks up the creator's active stream after a restart and exposes
// its public fields while Idle. The stream key is never returned by the
// lookup, so the stream cannot be published to from here.
func (c *Controller) Resume(ctx context.Context) (*domain.StreamSummary, error) {
	active, err := c.registry.LookupActive(ctx, c.cfg.CreatorID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.State != domain.StateIdle || c.session.HasCredentials() {
		return active, nil
	}
	c.session.ID = active.ID
	c.session.PlaybackID = active.PlaybackID
	c.session.PlaybackURL = active.PlaybackURL
	c.session.Title = active.Title
	c.notifyLocked(c.session.State, EventResumed)
	return active, nil
}

// ManualIngest returns the literal server URL and key for third-party
// broadcaster software. Nothing is negotiated.
func (c *Controller) ManualIngest() (domain.ManualIngest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.session.HasCredentials() {
		return domain.ManualIngest{}, domain.NewError(domain.KindInvalidState, "no stream created")
	}
	return domain.ManualIngest{
		ServerURL: c.session.ManualServerURL,
		StreamKey: c.session.StreamKey,
	}, nil
}

func (c *Controller) checkLocked(ev Event) error {
	if c.op != nil {
		return domain.NewError(domain.KindInvalidState, "another operation is in progress")
	}
	_, err := Transition(c.session.State, ev)
	return err
}

func (c *Controller) beginLocked(ctx context.Context) (*operation, context.Context) {
	opCtx, cancel := context.WithCancel(ctx)
	op := &operation{cancel: cancel, done: make(chan struct{})}
	c.op = op
	return op, opCtx
}

func (c *Controller) endLocked(op *operation) {
	op.cancel()
	if c.op == op {
		c.op = nil
	}
	close(op.done)
}

// applyLocked runs ev through the transition table and notifies observers.
func (c *Controller) applyLocked(ev Event) {
	from := c.session.State
	to, err := Transition(from, ev)
	if err != nil {
		c.logger.Errorw("rejected transition", "from", from, "event", ev)
		return
	}
	c.session.State = to
	c.logger.Debugw("state", "from", from, "to", to, "event", ev)
	c.notifyLocked(from, ev)
}

func (c *Controller) notifyLocked(from domain.State, ev Event) {
	change := Change{
		From:    from,
		To:      c.session.State,
		Event:   ev,
		Session: c.redacted(),
		At:      time.Now(),
	}
	for _, o := range c.observers {
		o.OnChange(change)
	}
}

// classify turns err into the error recorded on the session.
func classify(err error) *domain.Error {
	if e, ok := domain.AsError(err); ok {
		return e
	}
	return domain.WrapError(err, domain.KindBackend, "unexpected failure")
}
