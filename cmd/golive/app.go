package main

import (
	"context"
	"fmt"
	"time"

	"golive/native/internal/api"
	"golive/native/internal/capture"
	"golive/native/internal/config"
	"golive/native/internal/logging"
	"golive/native/internal/metrics"
	"golive/native/internal/session"
	"golive/native/internal/tracing"
	"golive/native/internal/webrtc"
	"golive/native/internal/whip"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// app holds what every subcommand shares.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	log      *zap.SugaredLogger
	registry *api.Client
	creator  string
	tracer   *tracing.Provider
	metrics  *metrics.Collector
}

func newApp(o *rootOptions) (*app, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := cfg.RequireToken(); err != nil {
		return nil, err
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.Sugar()

	creator := cfg.API.CreatorDID
	if creator == "" {
		if creator, err = api.CreatorFromToken(cfg.API.Token); err != nil {
			log.Debugw("creator not derivable from token", "error", err)
		}
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "golive",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		log:      log,
		registry: api.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout, log.Named("api")),
		creator:  creator,
		tracer:   tp,
		metrics:  metrics.NewCollector(),
	}, nil
}

// controller assembles capture, negotiation and the session controller.
func (a *app) controller() (*session.Controller, error) {
	devices, err := capture.NewMediaDevices(a.cfg.Capture.Bitrate)
	if err != nil {
		return nil, fmt.Errorf("init media devices: %w", err)
	}

	manager := capture.NewManager(devices,
		constraints(a.cfg.Capture.Camera),
		constraints(a.cfg.Capture.Screen),
		a.log.Named("capture"))

	newPeer := func(servers []pion.ICEServer) (whip.Peer, error) {
		peer, err := webrtc.NewPeer(webrtc.Options{
			ICEServers:     servers,
			RegisterCodecs: devices.RegisterCodecs,
		})
		if err != nil {
			return nil, err
		}
		return peer, nil
	}
	negotiator := whip.New(whip.Config{
		CanonicalURL:   a.cfg.Ingest.CanonicalURL,
		ICEUsername:    a.cfg.Ingest.ICEUsername,
		ICECredential:  a.cfg.Ingest.ICECredential,
		GatherTimeout:  a.cfg.Ingest.GatherTimeout,
		ConnectTimeout: a.cfg.Ingest.ConnectTimeout,
	}, newPeer, a.log.Named("whip"), whip.WithRecorder(a.metrics))

	ctrl := session.NewController(a.registry, manager, negotiator, session.Config{
		CanonicalIngestURL: a.cfg.Ingest.CanonicalURL,
		CreatorID:          a.creator,
	}, a.log.Named("session"))
	ctrl.AddObserver(a.metrics)
	return ctrl, nil
}

func constraints(r config.Resolution) capture.Constraints {
	return capture.Constraints{
		Width:     r.Width,
		Height:    r.Height,
		FrameRate: r.FrameRate,
	}
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.log.Warnw("tracing shutdown", "error", err)
	}
	_ = a.logger.Sync()
}
