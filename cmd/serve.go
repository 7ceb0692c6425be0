package cmd

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bavix/devpair/internal/adminhttp"
	"github.com/bavix/devpair/internal/automount"
	"github.com/bavix/devpair/internal/config"
	"github.com/bavix/devpair/internal/discovery"
	customerrors "github.com/bavix/devpair/internal/errors"
	"github.com/bavix/devpair/internal/metrics"
	"github.com/bavix/devpair/internal/pairing"
	"github.com/bavix/devpair/internal/state"
	"github.com/bavix/devpair/internal/version"
	"github.com/bavix/devpair/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker, mDNS discovery and the local HTTP bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := configFrom(ctx)
			log := zerolog.Ctx(ctx)

			log.Info().
				Str("version", version.GetVersion()).
				Str("build_time", version.GetBuildTime()).
				Msg("devpair starting")

			metrics.RegisterCollectors()

			return serve(ctx, cfg)
		},
	}
}

//nolint:funlen // wiring
func serve(ctx context.Context, cfg *config.Config) error {
	log := zerolog.Ctx(ctx)

	assets := automount.NewStore(cfg.Assets.Dir)
	if err := assets.Reload(); err != nil {
		log.Warn().Err(err).Str("dir", cfg.Assets.Dir).Msg("developer disk image assets unavailable")
	}

	w := newWorker(cfg, assets)
	apps := supportedApps(cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.Run(gctx) })

	if cfg.Discovery.Enabled {
		watcher := discovery.New(discovery.Config{
			Service:       cfg.Discovery.Service,
			Interface:     cfg.Discovery.Interface,
			QueryInterval: cfg.Discovery.QueryInterval(),
			RestartDelay:  cfg.Discovery.RestartDelay(),
		}, func(ev discovery.Event) {
			w.Send(worker.DiscoveredDevice{Addr: ev.Addr, HardwareID: ev.HardwareID})
		})

		g.Go(func() error {
			// Serving continues without discovery; validation then needs an address.
			if err := watcher.Run(gctx); err != nil {
				log.Error().Err(err).Msg("mdns discovery unavailable")
			}

			return nil
		})
	}

	if cfg.Assets.Watch {
		g.Go(func() error {
			if err := assets.Watch(gctx); err != nil {
				log.Warn().Err(err).Str("dir", cfg.Assets.Dir).Msg("asset watch disabled")
			}

			return nil
		})
	}

	if cfg.HTTP.Enabled {
		srv := adminhttp.NewServer(cfg.HTTP, w, apps)

		g.Go(func() error { return srv.Serve(gctx) })
		g.Go(func() error { return srv.Pump(gctx) })
	} else {
		metrics.SetReady(true)

		g.Go(func() error { return logResults(gctx, w, apps) })
	}

	w.Send(worker.GetDevices{})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// logResults consumes results when no bridge is attached.
func logResults(ctx context.Context, w *worker.Worker, apps *pairing.Apps) error {
	log := zerolog.Ctx(ctx)
	st := state.New(nil)

	for {
		res, err := w.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		st = state.Apply(st, res)

		if dev, ok := res.(worker.Devices); ok && dev.Err == nil {
			for name, d := range dev.Devices {
				log.Info().Str("device", name).Str("udid", d.UDID).Msg("device attached")

				// Report which supported apps can take a pairing file.
				w.Send(worker.InstalledApps{Target: worker.Target{Device: d, Name: name}, Names: apps.Names()})
			}

			continue
		}

		ev := log.Info()
		if err := res.Failure(); err != nil {
			ev = log.Warn().Err(err).Str("error_kind", string(customerrors.Classify(err)))
		}

		ev.Str("result", res.Kind()).Str("placeholder", st.DevicesPlaceholder).Msg("worker result")
	}
}
