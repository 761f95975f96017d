// Package backendstub hosts a fake stream registry backend for tests.
package backendstub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Options describes how the fake backend should behave.
type Options struct {
	// ManualServerURL is returned as rtmpIngestUrl on create.
	ManualServerURL string

	// FailCreates causes create requests to return HTTP 500.
	FailCreates bool
}

// Operation represents a recorded backend interaction.
type Operation struct {
	Method    string
	Path      string
	Creator   string
	RequestID string
	Status    int
}

type stream struct {
	id         string
	key        string
	playbackID string
	title      string
	creator    string
}

// Backend serves /stream/create and /stream/by-creator. One active stream is
// allowed per creator; the creator is the bearer token.
type Backend struct {
	server *httptest.Server
	opts   Options

	mu         sync.Mutex
	seq        int
	active     map[string]*stream
	operations []Operation
}

// Start spins up a new backend stub.
func Start(opts Options) *Backend {
	if opts.ManualServerURL == "" {
		opts.ManualServerURL = "rtmp://rtmp.example.com/live"
	}
	b := &Backend{opts: opts, active: make(map[string]*stream)}
	b.server = httptest.NewServer(http.HandlerFunc(b.handle))
	return b
}

// URL returns the base URL of the stub.
func (b *Backend) URL() string { return b.server.URL }

// Close shuts down the underlying HTTP server.
func (b *Backend) Close() { b.server.Close() }

// EndStream marks the creator's active stream as finished.
func (b *Backend) EndStream(creator string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, creator)
}

// Operations returns a copy of the recorded interactions.
func (b *Backend) Operations() []Operation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Operation(nil), b.operations...)
}

func (b *Backend) handle(w http.ResponseWriter, r *http.Request) {
	creator := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	status := http.StatusOK
	defer func() {
		b.mu.Lock()
		b.operations = append(b.operations, Operation{
			Method:    r.Method,
			Path:      r.URL.Path,
			Creator:   creator,
			RequestID: r.Header.Get("X-Request-ID"),
			Status:    status,
		})
		b.mu.Unlock()
	}()

	if creator == "" {
		status = http.StatusUnauthorized
		http.Error(w, "unauthorized", status)
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/stream/create":
		status = b.create(w, r, creator)
	case r.Method == http.MethodGet && r.URL.Path == "/stream/by-creator":
		status = b.byCreator(w, r.URL.Query().Get("creatorDID"))
	default:
		status = http.StatusNotFound
		http.NotFound(w, r)
	}
}

func (b *Backend) create(w http.ResponseWriter, r *http.Request, creator string) int {
	if b.opts.FailCreates {
		http.Error(w, "backend unavailable", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return http.StatusBadRequest
	}

	b.mu.Lock()
	if s, ok := b.active[creator]; ok {
		b.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]any{
			"activeStream": map[string]string{"id": s.id, "title": s.title},
		})
		return http.StatusConflict
	}
	b.seq++
	s := &stream{
		id:         fmt.Sprintf("stream-%d", b.seq),
		key:        fmt.Sprintf("key-%d", b.seq),
		playbackID: fmt.Sprintf("pb-%d", b.seq),
		title:      req.Name,
		creator:    creator,
	}
	b.active[creator] = s
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"id":            s.id,
		"streamKey":     s.key,
		"playbackId":    s.playbackID,
		"playbackUrl":   "https://playback.example.com/hls/" + s.playbackID + "/index.m3u8",
		"rtmpIngestUrl": b.opts.ManualServerURL,
	})
	return http.StatusOK
}

func (b *Backend) byCreator(w http.ResponseWriter, creator string) int {
	b.mu.Lock()
	s, ok := b.active[creator]
	b.mu.Unlock()

	streams := []map[string]string{}
	if ok {
		streams = append(streams, map[string]string{
			"id":          s.id,
			"playbackId":  s.playbackID,
			"playbackUrl": "https://playback.example.com/hls/" + s.playbackID + "/index.m3u8",
			"name":        s.title,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
