package whip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golive/native/internal/domain"
	"golive/native/internal/monitor"
	"golive/native/internal/tracing"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const sdpContentType = "application/sdp"

// Peer is the subset of a publishing PeerConnection the negotiator drives.
type Peer interface {
	AddTrack(track pion.TrackLocal) error
	CreateOffer() error
	GatheringComplete() <-chan struct{}
	LocalDescription() string
	SetAnswer(sdp string) error
	OnICEGatheringStateChange(func(pion.ICEGatheringState))
	OnICEConnectionStateChange(func(pion.ICEConnectionState))
	OnConnectionStateChange(func(pion.PeerConnectionState))
	Close() error
}

// PeerFactory builds a peer for the given ICE servers.
type PeerFactory func(iceServers []pion.ICEServer) (Peer, error)

// Recorder observes negotiation outcomes. kind is empty on success.
type Recorder interface {
	ObserveGathering(complete bool, d time.Duration)
	ObserveNegotiation(kind domain.ErrorKind, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveGathering(bool, time.Duration)               {}
func (nopRecorder) ObserveNegotiation(domain.ErrorKind, time.Duration) {}

// Config holds the ingest endpoint and the negotiation bounds.
type Config struct {
	CanonicalURL   string
	ICEUsername    string
	ICECredential  string
	GatherTimeout  time.Duration
	ConnectTimeout time.Duration
}

// Negotiator publishes local tracks to a WHIP ingest endpoint.
type Negotiator struct {
	cfg        Config
	newPeer    PeerFactory
	httpClient *http.Client
	recorder   Recorder
	logger     *zap.SugaredLogger
}

// Option customizes a Negotiator.
type Option func(*Negotiator)

// WithHTTPClient sets the client used for the HEAD and POST requests.
// Redirects are never followed regardless of the client's policy.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Negotiator) {
		clone := *c
		n.httpClient = &clone
	}
}

// WithRecorder reports negotiation metrics to r.
func WithRecorder(r Recorder) Option {
	return func(n *Negotiator) { n.recorder = r }
}

// New creates a negotiator.
func New(cfg Config, newPeer PeerFactory, logger *zap.SugaredLogger, opts ...Option) *Negotiator {
	n := &Negotiator{
		cfg:        cfg,
		newPeer:    newPeer,
		httpClient: &http.Client{},
		recorder:   nopRecorder{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return n
}

// Negotiate runs one publish attempt: resolve the regional ingest, create the
// peer, attach tracks, gather candidates, exchange SDP and wait for the
// transport to connect. The whole attempt is bounded by ConnectTimeout from
// its start. On success the returned Session owns the peer; onLost runs at
// most once if the connection later drops. On failure the peer is closed,
// after release has stopped the tracks.
func (n *Negotiator) Negotiate(ctx context.Context, streamKey string, tracks []pion.TrackLocal, release func(), onLost func(error)) (*Session, error) {
	start := time.Now()
	deadline := start.Add(n.cfg.ConnectTimeout)

	sess, err := n.negotiate(ctx, streamKey, tracks, deadline, release, onLost)
	n.recorder.ObserveNegotiation(domain.KindOf(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	n.logger.Infow("ingest connected",
		"ingest", sess.IngestHost(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return sess, nil
}

func (n *Negotiator) negotiate(ctx context.Context, streamKey string, tracks []pion.TrackLocal, deadline time.Time, release func(), onLost func(error)) (*Session, error) {
	if streamKey == "" {
		return nil, domain.NewError(domain.KindInvalidInput, "stream key is required")
	}
	if len(tracks) == 0 {
		return nil, domain.NewError(domain.KindInvalidInput, "no tracks to publish")
	}

	attemptCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	canonical := strings.TrimRight(n.cfg.CanonicalURL, "/") + "/" + url.PathEscape(streamKey)
	ingestURL := n.resolveIngest(attemptCtx, canonical)
	ingest, err := url.Parse(ingestURL)
	if err != nil {
		return nil, domain.WrapError(err, domain.KindNegotiationFailed, "parse ingest url")
	}

	peer, err := n.newPeer(n.iceServers(ingest.Hostname()))
	if err != nil {
		return nil, domain.WrapError(err, domain.KindNegotiationFailed, "create peer")
	}

	mon := monitor.New(n.logger.With("ingest", ingest.Host))
	peer.OnICEGatheringStateChange(mon.HandleGatheringState)
	peer.OnICEConnectionStateChange(mon.HandleICEState)
	peer.OnConnectionStateChange(mon.HandleConnectionState)

	abort := func(err error) (*Session, error) {
		mon.Stop()
		if release != nil {
			release()
		}
		_ = peer.Close()
		return nil, err
	}

	for _, t := range tracks {
		if err := peer.AddTrack(t); err != nil {
			return abort(domain.WrapError(err, domain.KindNegotiationFailed, "attach track"))
		}
	}

	if err := peer.CreateOffer(); err != nil {
		return abort(domain.WrapError(err, domain.KindNegotiationFailed, "create offer"))
	}

	gatherCtx, gatherSpan := tracing.TraceNegotiation(attemptCtx, "gather", ingest.Host)
	gatherStart := time.Now()
	complete, err := waitForGathering(gatherCtx, peer.GatheringComplete(), n.cfg.GatherTimeout)
	gatherSpan.SetAttributes(tracing.GatherCompleteKey.Bool(complete))
	gatherSpan.End()
	if err != nil {
		return abort(n.contextError(ctx, err))
	}
	n.recorder.ObserveGathering(complete, time.Since(gatherStart))
	if !complete {
		n.logger.Warnw("ice gathering incomplete, sending offer with partial candidates",
			"timeout", n.cfg.GatherTimeout)
	}

	offer := peer.LocalDescription()
	if offer == "" {
		return abort(domain.NewError(domain.KindNegotiationFailed, "no local description"))
	}

	answer, resource, err := n.publish(attemptCtx, ingestURL, offer)
	if err != nil {
		if attemptCtx.Err() != nil {
			return abort(n.contextError(ctx, attemptCtx.Err()))
		}
		return abort(err)
	}

	if err := peer.SetAnswer(answer); err != nil {
		return abort(domain.WrapError(err, domain.KindNegotiationFailed, "apply answer"))
	}

	_, convergeSpan := tracing.TraceNegotiation(attemptCtx, "converge", ingest.Host)
	err = mon.Wait(ctx, deadline)
	tracing.RecordError(convergeSpan, err)
	convergeSpan.End()
	if err != nil {
		return abort(err)
	}

	if err := mon.Arm(onLost); err != nil {
		return abort(err)
	}

	return &Session{
		peer:        peer,
		monitor:     mon,
		ingestURL:   ingestURL,
		resourceURL: resource,
		httpClient:  n.httpClient,
		logger:      n.logger,
	}, nil
}

// contextError maps the end of the attempt context: cancellation by the
// caller aborts, anything else is the overall deadline.
func (n *Negotiator) contextError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return domain.WrapError(parent.Err(), domain.KindAborted, "negotiation cancelled")
	}
	return domain.WrapError(err, domain.KindConnectionTimeout, "connection not established in time")
}

// resolveIngest asks the canonical endpoint for its regional ingest host
// without following the redirect. Any failure keeps the canonical URL.
func (n *Negotiator) resolveIngest(ctx context.Context, canonical string) string {
	ctx, span := tracing.TraceNegotiation(ctx, "resolve", hostOf(canonical))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, canonical, nil)
	if err != nil {
		n.logger.Warnw("ingest resolution skipped", "error", err)
		return canonical
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Warnw("ingest resolution failed, using canonical endpoint", "error", err)
		return canonical
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return canonical
	}
	loc, err := resp.Location()
	if err != nil {
		n.logger.Warnw("redirect without usable location, using canonical endpoint",
			"status", resp.StatusCode, "error", err)
		return canonical
	}
	n.logger.Debugw("ingest resolved", "host", loc.Host)
	return loc.String()
}

// iceServers builds STUN and TURN entries on the ingest host itself.
func (n *Negotiator) iceServers(host string) []pion.ICEServer {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return []pion.ICEServer{
		{URLs: []string{"stun:" + host}},
		{
			URLs:       []string{"turn:" + host},
			Username:   n.cfg.ICEUsername,
			Credential: n.cfg.ICECredential,
		},
	}
}

// publish posts the offer and returns the answer and the session resource URL.
func (n *Negotiator) publish(ctx context.Context, ingestURL, offer string) (string, string, error) {
	ctx, span := tracing.TraceNegotiation(ctx, "publish", hostOf(ingestURL))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ingestURL, bytes.NewBufferString(offer))
	if err != nil {
		return "", "", domain.WrapError(err, domain.KindNegotiationFailed, "create offer request")
	}
	req.Header.Set("Content-Type", sdpContentType)
	req.Header.Set("Accept", sdpContentType)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(span, err)
		return "", "", domain.WrapError(err, domain.KindNegotiationFailed, "post offer")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", domain.WrapError(err, domain.KindNegotiationFailed, "read answer")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := domain.WrapError(
			fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			domain.KindNegotiationFailed, "ingest rejected offer")
		tracing.RecordError(span, err)
		return "", "", err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", "", domain.NewError(domain.KindNegotiationFailed, "empty answer")
	}

	var resource string
	if loc, err := resp.Location(); err == nil {
		resource = loc.String()
	} else if !errors.Is(err, http.ErrNoLocation) {
		n.logger.Debugw("ignoring session location", "error", err)
	}
	return string(body), resource, nil
}

// hostOf returns the host of raw. Ingest URLs embed the stream key, so only
// the host is ever logged or traced.
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// waitForGathering reports whether gathering finished before timeout. A
// gathering that already finished resolves without waiting; a nil channel
// only resolves by timeout.
func waitForGathering(ctx context.Context, done <-chan struct{}, timeout time.Duration) (bool, error) {
	select {
	case <-done:
		return true, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
