package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/greenclawdbot/mission-control-sub000/internal/app"
	"github.com/greenclawdbot/mission-control-sub000/internal/bus"
	"github.com/greenclawdbot/mission-control-sub000/internal/reaper"
	"github.com/greenclawdbot/mission-control-sub000/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noReaper bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, event stream and stale lease reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:     a.Engine,
					Hub:        a.Hub,
					BasePath:   basePath,
					SinkBuffer: cfg.Events.SinkBuffer,
					Logger:     a.Logger,
				})
				if err != nil {
					return err
				}

				var g run.Group

				// OS signals.
				{
					signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
					defer signalCancel()
					g.Add(
						func() error {
							<-signalCtx.Done()
							a.Logger.Infof("Termination signal received")
							return nil
						},
						func(_ error) {
							signalCancel()
						},
					)
				}

				// HTTP API.
				{
					srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
					g.Add(
						func() error {
							a.Logger.Infof("Serving API on http://%s%s (OpenAPI at %s/openapi.json)", addr, basePath, basePath)
							if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
								return fmt.Errorf("http server: %w", err)
							}
							return nil
						},
						func(_ error) {
							sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
							defer cancel()
							_ = srv.Shutdown(sctx)
						},
					)
				}

				// Stale lease reaper.
				if !noReaper {
					r, err := reaper.New(reaper.Config{
						Cleaner:           a.Engine,
						Interval:          cfg.Lease.ReapInterval,
						StaleAfterMinutes: cfg.Lease.StaleAfterMinutes,
						Logger:            a.Logger,
					})
					if err != nil {
						return err
					}
					rctx, cancel := context.WithCancel(ctx)
					defer cancel()
					g.Add(
						func() error { return r.Run(rctx) },
						func(_ error) { cancel() },
					)
				}

				// Pulse.
				{
					p := bus.Pulser{
						Publisher:    a.Hub,
						Interval:     cfg.Events.PulseInterval,
						PollInterval: cfg.Events.PollInterval,
						Logger:       a.Logger,
					}
					pctx, cancel := context.WithCancel(ctx)
					defer cancel()
					g.Add(
						func() error { return p.Run(pctx) },
						func(_ error) { cancel() },
					)
				}

				// Webhook senders.
				for _, hook := range app.Webhooks(cfg, a.Logger) {
					hook := hook
					id := a.Hub.Register(hook)
					wctx, cancel := context.WithCancel(ctx)
					defer cancel()
					g.Add(
						func() error { return hook.Run(wctx) },
						func(_ error) {
							a.Hub.Unregister(id)
							cancel()
						},
					)
				}

				return g.Run()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.basePath)")
	cmd.Flags().BoolVar(&noReaper, "no-reaper", false, "do not run the stale lease reaper in this process")
	return cmd
}
