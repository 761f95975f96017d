// Package whiptest provides a scripted peer connection and WHIP endpoint for
// tests that exercise negotiation without media.
package whiptest

import (
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"
)

// Offer is the SDP every fake peer offers.
const Offer = "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=fake-offer\r\n"

// Peer scripts a peer connection: when gathering completes and what the
// transport does once an answer is applied.
type Peer struct {
	GatherNow    bool
	GatherNever  bool
	ConnectAfter time.Duration
	AfterAnswer  pion.PeerConnectionState

	// OnClose, when set, runs at the start of every Close.
	OnClose func()

	mu         sync.Mutex
	iceServers []pion.ICEServer
	tracks     []string
	gathered   chan struct{}
	answer     string
	closes     int
	onConn     func(pion.PeerConnectionState)
}

func (p *Peer) AddTrack(track pion.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track.ID())
	return nil
}

func (p *Peer) CreateOffer() error {
	ch := make(chan struct{})
	p.mu.Lock()
	p.gathered = ch
	p.mu.Unlock()

	switch {
	case p.GatherNow:
		close(ch)
	case p.GatherNever:
	default:
		go func() {
			time.Sleep(20 * time.Millisecond)
			close(ch)
		}()
	}
	return nil
}

func (p *Peer) GatheringComplete() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gathered
}

func (p *Peer) LocalDescription() string { return Offer }

func (p *Peer) SetAnswer(sdp string) error {
	p.mu.Lock()
	p.answer = sdp
	p.mu.Unlock()

	if p.AfterAnswer == pion.PeerConnectionStateUnknown {
		return nil
	}
	go func() {
		time.Sleep(p.ConnectAfter)
		p.Emit(p.AfterAnswer)
	}()
	return nil
}

// Emit delivers a connection state change as the transport would.
func (p *Peer) Emit(s pion.PeerConnectionState) {
	p.mu.Lock()
	f := p.onConn
	p.mu.Unlock()
	if f != nil {
		f(s)
	}
}

func (p *Peer) OnICEGatheringStateChange(func(pion.ICEGatheringState))   {}
func (p *Peer) OnICEConnectionStateChange(func(pion.ICEConnectionState)) {}

func (p *Peer) OnConnectionStateChange(f func(pion.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConn = f
}

func (p *Peer) Close() error {
	if p.OnClose != nil {
		p.OnClose()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

// ICEServers returns the servers the peer was built with.
func (p *Peer) ICEServers() []pion.ICEServer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.iceServers
}

// Tracks returns the IDs of attached tracks in order.
func (p *Peer) Tracks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tracks...)
}

// Answer returns the applied remote SDP, empty if none.
func (p *Peer) Answer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answer
}

// Closes counts Close calls.
func (p *Peer) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// Factory builds fake peers and remembers them.
type Factory struct {
	// Configure scripts each new peer before it is handed out.
	Configure func(*Peer)

	mu    sync.Mutex
	peers []*Peer
}

// New creates a peer for the given ICE servers.
func (f *Factory) New(servers []pion.ICEServer) (*Peer, error) {
	p := &Peer{AfterAnswer: pion.PeerConnectionStateConnected, iceServers: servers}
	if f.Configure != nil {
		f.Configure(p)
	}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

// Peers returns every peer created so far.
func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Last returns the most recent peer, or nil.
func (f *Factory) Last() *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}
