package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golive/native/internal/control"
	"golive/native/internal/domain"
	"golive/native/internal/session"
	"golive/native/internal/statusfeed"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
)

func main() {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:          "golive",
		Short:        "Broadcast a camera or screen to a WHIP ingest",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "golive.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(
		broadcastCmd(opts),
		serveCmd(opts),
		createCmd(opts),
		activeCmd(opts),
		manualCmd(opts),
	)

	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		os.Exit(1)
	}
}

func broadcastCmd(opts *rootOptions) *cobra.Command {
	var title, source string
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Create a stream, capture and go live until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := domain.CaptureSource(source)
			if kind != domain.CaptureCamera && kind != domain.CaptureScreen {
				return fmt.Errorf("unknown source %q, want camera or screen", source)
			}

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			ctrl, err := a.controller()
			if err != nil {
				return err
			}
			ended := newEndWatch()
			ctrl.AddObserver(ended)

			return a.serve(cmd.Context(), ctrl, func(ctx context.Context) error {
				defer ctrl.StopBroadcast()

				if err := ctrl.CreateSession(ctx, title); err != nil {
					return err
				}
				if err := ctrl.SelectCaptureSource(ctx, kind); err != nil {
					return err
				}
				if err := ctrl.StartBroadcast(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Live: %s\n", ctrl.Snapshot().PlaybackURL)

				select {
				case <-ctx.Done():
					return nil
				case err := <-ended.C:
					return err
				}
			})
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "Stream title")
	cmd.Flags().StringVarP(&source, "source", "s", string(domain.CaptureCamera), "Capture source: camera or screen")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func serveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local control API and wait for a UI to drive the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			ctrl, err := a.controller()
			if err != nil {
				return err
			}

			return a.serve(cmd.Context(), ctrl, func(ctx context.Context) error {
				defer ctrl.StopBroadcast()

				if active, err := ctrl.Resume(ctx); err != nil {
					a.log.Warnw("active stream lookup failed", "error", err)
				} else if active != nil {
					a.log.Infow("resumed active stream", "id", active.ID, "title", active.Title)
				}
				<-ctx.Done()
				return nil
			})
		},
	}
}

func createCmd(opts *rootOptions) *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a stream without going live",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			ctrl, err := a.controller()
			if err != nil {
				return err
			}

			if err := ctrl.CreateSession(cmd.Context(), title); err != nil {
				return err
			}
			s := ctrl.Snapshot()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:       %s\n", s.ID)
			fmt.Fprintf(out, "Playback: %s\n", s.PlaybackURL)
			return nil
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "Stream title")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func activeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "Show the creator's active stream, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			active, err := a.registry.LookupActive(cmd.Context(), a.creator)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if active == nil {
				fmt.Fprintln(out, "No active stream")
				return nil
			}
			fmt.Fprintf(out, "Title:    %s\n", active.Title)
			fmt.Fprintf(out, "ID:       %s\n", active.ID)
			fmt.Fprintf(out, "Playback: %s\n", active.PlaybackURL)
			return nil
		},
	}
}

func manualCmd(opts *rootOptions) *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "manual",
		Short: "Create a stream and print the server URL and key for external software",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			ctrl, err := a.controller()
			if err != nil {
				return err
			}

			if err := ctrl.CreateSession(cmd.Context(), title); err != nil {
				return err
			}
			manual, err := ctrl.ManualIngest()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server:     %s\n", manual.ServerURL)
			fmt.Fprintf(out, "Stream key: %s\n", manual.StreamKey)
			fmt.Fprintf(out, "Playback:   %s\n", ctrl.Snapshot().PlaybackURL)
			return nil
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "Stream title")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

// serve runs the control API next to run until a signal arrives, run
// returns or the server fails.
func (a *app) serve(parent context.Context, ctrl *session.Controller, run func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := statusfeed.NewHub(ctrl.Snapshot, a.log.Named("statusfeed"))
	ctrl.AddObserver(hub)
	srv := control.NewServer(a.cfg.Control.Address, ctrl, hub, a.metrics.Handler(), a.log.Named("control"))

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)

	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		defer cancel()
		return run(runCtx)
	})
	g.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// endWatch reports the first time a live broadcast ends on its own.
type endWatch struct {
	C    chan error
	once sync.Once
}

func newEndWatch() *endWatch {
	return &endWatch{C: make(chan error, 1)}
}

func (w *endWatch) OnChange(c session.Change) {
	if c.From != domain.StateLive {
		return
	}
	w.once.Do(func() {
		var err error
		if c.To == domain.StateError && c.Session.LastError != nil {
			err = c.Session.LastError
		}
		w.C <- err
	})
}
