package whiptest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"
)

// Answer is the SDP every Ingest answers with.
const Answer = "v=0\r\ns=answer\r\n"

// Ingest is a scripted WHIP endpoint. Set the exported fields before the
// first request.
type Ingest struct {
	// Redirect, when set, is returned as the Location of a 307 to HEAD.
	Redirect string
	// Status is the POST response status; 201 by default.
	Status int
	// Delay holds the POST response back.
	Delay time.Duration

	srv     *httptest.Server
	heads   atomic.Int32
	posts   atomic.Int32
	deletes atomic.Int32

	mu    sync.Mutex
	offer string
	ctype string
	path  string
}

// NewIngest starts the endpoint.
func NewIngest() *Ingest {
	in := &Ingest{Status: http.StatusCreated}
	in.srv = httptest.NewServer(http.HandlerFunc(in.handle))
	return in
}

func (in *Ingest) URL() string { return in.srv.URL }
func (in *Ingest) Close()      { in.srv.Close() }
func (in *Ingest) Heads() int  { return int(in.heads.Load()) }
func (in *Ingest) Posts() int  { return int(in.posts.Load()) }

func (in *Ingest) Deletes() int { return int(in.deletes.Load()) }

// Received returns the last offer, its content type and the request path.
func (in *Ingest) Received() (offer, contentType, path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.offer, in.ctype, in.path
}

func (in *Ingest) handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		in.heads.Add(1)
		if in.Redirect != "" {
			w.Header().Set("Location", in.Redirect)
			w.WriteHeader(http.StatusTemporaryRedirect)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPost:
		in.posts.Add(1)
		body, _ := io.ReadAll(r.Body)
		in.mu.Lock()
		in.offer = string(body)
		in.ctype = r.Header.Get("Content-Type")
		in.path = r.URL.Path
		in.mu.Unlock()
		if in.Delay > 0 {
			time.Sleep(in.Delay)
		}
		if in.Status >= 300 {
			http.Error(w, "ingest unavailable", in.Status)
			return
		}
		w.Header().Set("Content-Type", "application/sdp")
		w.Header().Set("Location", "/session/abc")
		w.WriteHeader(in.Status)
		io.WriteString(w, Answer)
	case http.MethodDelete:
		in.deletes.Add(1)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
