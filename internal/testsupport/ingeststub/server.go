// Package ingeststub runs an in-process WHIP ingest backed by a real Pion
// answerer. The canonical endpoint redirects HEAD requests to a regional one,
// the way a geo-routed ingest does.
package ingeststub

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	pion "github.com/pion/webrtc/v4"
)

// Server is a pair of canonical and regional ingest endpoints.
type Server struct {
	canonical *httptest.Server
	regional  *httptest.Server
	api       *pion.API

	mu    sync.Mutex
	peers map[string]*pion.PeerConnection
	seq   int
}

// Start launches the endpoints.
func Start() (*Server, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	s := pion.SettingEngine{}
	s.SetLite(true)
	s.SetIncludeLoopbackCandidate(true)
	s.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	s.SetNetworkTypes([]pion.NetworkType{pion.NetworkTypeUDP4})

	srv := &Server{
		api:   pion.NewAPI(pion.WithMediaEngine(m), pion.WithSettingEngine(s)),
		peers: make(map[string]*pion.PeerConnection),
	}
	srv.regional = httptest.NewServer(http.HandlerFunc(srv.handleRegional))
	srv.canonical = httptest.NewServer(http.HandlerFunc(srv.handleCanonical))
	return srv, nil
}

// CanonicalURL is the base URL to configure as the ingest endpoint.
func (s *Server) CanonicalURL() string {
	return s.canonical.URL + "/webrtc"
}

// RegionalHost is the host clients are redirected to.
func (s *Server) RegionalHost() string {
	return strings.TrimPrefix(s.regional.URL, "http://")
}

// Sessions returns the number of live answerer peers.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close shuts down every peer and both endpoints.
func (s *Server) Close() {
	s.mu.Lock()
	peers := s.peers
	s.peers = map[string]*pion.PeerConnection{}
	s.mu.Unlock()
	for _, pc := range peers {
		_ = pc.Close()
	}
	s.canonical.Close()
	s.regional.Close()
}

func (s *Server) handleCanonical(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodHead {
		http.Error(w, "use the regional endpoint", http.StatusMisdirectedRequest)
		return
	}
	w.Header().Set("Location", s.regional.URL+r.URL.Path)
	w.WriteHeader(http.StatusTemporaryRedirect)
}

func (s *Server) handleRegional(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.answer(w, r)
	case http.MethodDelete:
		s.mu.Lock()
		pc := s.peers[r.URL.Path]
		delete(s.peers, r.URL.Path)
		s.mu.Unlock()
		if pc != nil {
			_ = pc.Close()
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) answer(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Content-Type") != "application/sdp" {
		http.Error(w, "expected application/sdp", http.StatusUnsupportedMediaType)
		return
	}
	offer, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pc, err := s.api.NewPeerConnection(pion.Configuration{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fail := func(err error) {
		_ = pc.Close()
		http.Error(w, err.Error(), http.StatusBadRequest)
	}

	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: string(offer)}); err != nil {
		fail(err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		fail(err)
		return
	}
	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		fail(err)
		return
	}
	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
	}

	s.mu.Lock()
	s.seq++
	resource := r.URL.Path + "/session-" + strconv.Itoa(s.seq)
	s.peers[resource] = pc
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", resource)
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, pc.LocalDescription().SDP)
}
