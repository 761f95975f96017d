package webrtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/interceptor/pkg/report"
	pion "github.com/pion/webrtc/v4"
)

// ErrTrackAttached is returned when a track is submitted to the same peer twice.
var ErrTrackAttached = errors.New("track already attached")

// Options configures a publishing peer.
type Options struct {
	ICEServers []pion.ICEServer

	// RegisterCodecs populates the media engine with the codecs the local
	// tracks are encoded with. Pion's defaults are used when nil.
	RegisterCodecs func(*pion.MediaEngine) error

	// IncludeLoopback gathers 127.0.0.1 candidates. Only useful in tests.
	IncludeLoopback bool
}

// Peer wraps a Pion PeerConnection that only sends media.
type Peer struct {
	pc       *pion.PeerConnection
	gathered <-chan struct{}

	mu       sync.Mutex
	attached map[string]struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewPeer creates a PeerConnection with a single bundled transport and
// multiplexed RTCP.
func NewPeer(opts Options) (*Peer, error) {
	m := &pion.MediaEngine{}
	if opts.RegisterCodecs != nil {
		if err := opts.RegisterCodecs(m); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)

	senderReports, err := report.NewSenderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create sender reports: %w", err)
	}
	i.Add(senderReports)

	// The ingest side cannot resolve mDNS names, so candidates carry raw addresses.
	s := pion.SettingEngine{}
	s.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	s.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(s),
	)

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:    opts.ICEServers,
		BundlePolicy:  pion.BundlePolicyMaxBundle,
		RTCPMuxPolicy: pion.RTCPMuxPolicyRequire,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	return &Peer{
		pc:       pc,
		attached: make(map[string]struct{}),
	}, nil
}

// AddTrack attaches a local track as a send-only transceiver. Each track is
// accepted once per peer.
func (p *Peer) AddTrack(track pion.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.attached[track.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrTrackAttached, track.ID())
	}

	tr, err := p.pc.AddTransceiverFromTrack(track, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return fmt.Errorf("add %s transceiver: %w", track.Kind(), err)
	}
	p.attached[track.ID()] = struct{}{}

	// RTCP must be read for the interceptors (NACK, reports) to run.
	go func(sender *pion.RTPSender) {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}(tr.Sender())

	return nil
}

// CreateOffer creates an SDP offer and sets it as the local description.
// Candidate gathering starts here; GatheringComplete reports its end.
func (p *Peer) CreateOffer() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	gathered := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	p.mu.Lock()
	p.gathered = gathered
	p.mu.Unlock()
	return nil
}

// GatheringComplete is closed once candidate gathering has finished. It is
// nil before CreateOffer.
func (p *Peer) GatheringComplete() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gathered
}

// LocalDescription returns the current local SDP including every candidate
// gathered so far.
func (p *Peer) LocalDescription() string {
	desc := p.pc.LocalDescription()
	if desc == nil {
		return ""
	}
	return desc.SDP
}

// SetAnswer applies the remote SDP answer.
func (p *Peer) SetAnswer(sdp string) error {
	answer := pion.SessionDescription{
		Type: pion.SDPTypeAnswer,
		SDP:  sdp,
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// OnICEGatheringStateChange registers f for ICE gathering state changes.
func (p *Peer) OnICEGatheringStateChange(f func(pion.ICEGatheringState)) {
	p.pc.OnICEGatheringStateChange(f)
}

// OnICEConnectionStateChange registers f for ICE connection state changes.
func (p *Peer) OnICEConnectionStateChange(f func(pion.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(f)
}

// OnConnectionStateChange registers f for peer connection state changes.
func (p *Peer) OnConnectionStateChange(f func(pion.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

// Close shuts down the PeerConnection. Safe to call repeatedly.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}
