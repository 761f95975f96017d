package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golive/native/internal/domain"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Controller is the session surface exposed over HTTP.
type Controller interface {
	Snapshot() domain.StreamSession
	CreateSession(ctx context.Context, title string) error
	SelectCaptureSource(ctx context.Context, kind domain.CaptureSource) error
	StartBroadcast(ctx context.Context) error
	StopBroadcast()
	ToggleAudio() bool
	ToggleVideo() bool
	ManualIngest() (domain.ManualIngest, error)
}

// Server is the local control API: the UI boundary of the publisher.
type Server struct {
	ctrl    Controller
	logger  *zap.SugaredLogger
	router  *gin.Engine
	httpSrv *http.Server
	started time.Time
}

type createRequest struct {
	Title string `json:"title"`
}

type captureRequest struct {
	Source string `json:"source"`
}

// NewServer wires the routes. feed serves the WebSocket status stream and
// metrics the Prometheus endpoint; either may be nil.
func NewServer(addr string, ctrl Controller, feed, metrics http.Handler, logger *zap.SugaredLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(recovery(logger), traced(), errorHandler(logger))

	s := &Server{
		ctrl:    ctrl,
		logger:  logger,
		router:  router,
		started: time.Now(),
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	router.GET("/healthz", s.health)

	api := router.Group("/session")
	{
		api.GET("", s.snapshot)
		api.POST("", s.create)
		api.POST("/capture", s.selectCapture)
		api.POST("/start", s.start)
		api.POST("/stop", s.stop)
		api.POST("/audio/toggle", s.toggleAudio)
		api.POST("/video/toggle", s.toggleVideo)
		api.GET("/manual", s.manual)
	}

	if feed != nil {
		router.GET("/ws", gin.WrapH(feed))
	}
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Infow("control api listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"state":  s.ctrl.Snapshot().State,
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(domain.WrapError(err, domain.KindInvalidInput, "invalid request body"))
		return
	}
	if err := s.ctrl.CreateSession(c.Request.Context(), req.Title); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, s.ctrl.Snapshot())
}

func (s *Server) selectCapture(c *gin.Context) {
	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(domain.WrapError(err, domain.KindInvalidInput, "invalid request body"))
		return
	}
	kind, err := domain.ParseCaptureSource(req.Source)
	if err != nil {
		c.Error(err)
		return
	}
	// The permission prompt outlives a dropped HTTP client.
	if err := s.ctrl.SelectCaptureSource(context.WithoutCancel(c.Request.Context()), kind); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) start(c *gin.Context) {
	if err := s.ctrl.StartBroadcast(context.WithoutCancel(c.Request.Context())); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) stop(c *gin.Context) {
	s.ctrl.StopBroadcast()
	c.JSON(http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) toggleAudio(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"enabled": s.ctrl.ToggleAudio()})
}

func (s *Server) toggleVideo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"enabled": s.ctrl.ToggleVideo()})
}

func (s *Server) manual(c *gin.Context) {
	m, err := s.ctrl.ManualIngest()
	if err != nil {
		c.Error(err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, m)
}
