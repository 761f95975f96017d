package whip

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golive/native/internal/monitor"

	"go.uber.org/zap"
)

const deleteTimeout = 2 * time.Second

// Session is a connected publish. It owns the peer until Close.
type Session struct {
	peer        Peer
	monitor     *monitor.Monitor
	ingestURL   string
	resourceURL string
	httpClient  *http.Client
	logger      *zap.SugaredLogger

	closeOnce sync.Once
}

// IngestHost is the regional host the session publishes to.
func (s *Session) IngestHost() string {
	return hostOf(s.ingestURL)
}

// Close stops monitoring and closes the peer. When the ingest returned a
// session resource it is deleted in the background. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.monitor.Stop()
		if err := s.peer.Close(); err != nil {
			s.logger.Warnw("close peer", "error", err)
		}
		if s.resourceURL != "" {
			go s.deleteResource()
		}
	})
}

func (s *Session) deleteResource() {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.resourceURL, nil)
	if err != nil {
		return
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Debugw("delete ingest session", "host", hostOf(s.resourceURL), "error", err)
		return
	}
	resp.Body.Close()
}
