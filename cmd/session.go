package cmd

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bavix/devpair/internal/automount"
	"github.com/bavix/devpair/internal/config"
	"github.com/bavix/devpair/internal/devicelink"
	customerrors "github.com/bavix/devpair/internal/errors"
	"github.com/bavix/devpair/internal/pairing"
	"github.com/bavix/devpair/internal/tss"
	"github.com/bavix/devpair/internal/worker"
)

// session runs a worker for the lifetime of one command.
type session struct {
	cfg    *config.Config
	worker *worker.Worker
	assets *automount.Store
	apps   *pairing.Apps
	done   chan error
	cancel context.CancelFunc
}

func newLink(cfg *config.Config) devicelink.Link {
	opts := devicelink.NativeOptions{
		MuxAddress: cfg.Mux.Address,
		Label:      cfg.Mux.Label,
	}

	if cfg.TSS.Enabled {
		opts.Personalizer = tss.New(cfg.TSS.URL, cfg.TSS.Timeout())
	}

	return devicelink.NewNative(opts)
}

func supportedApps(cfg *config.Config) *pairing.Apps {
	list := make([]pairing.App, 0, len(cfg.Apps))
	for _, a := range cfg.Apps {
		list = append(list, pairing.App{Name: a.Name, Path: a.Path})
	}

	return pairing.NewApps(list)
}

func newWorker(cfg *config.Config, assets *automount.Store) *worker.Worker {
	return worker.New(worker.Options{
		Link:          newLink(cfg),
		Images:        assets,
		IntentTimeout: cfg.Worker.IntentTimeout(),
	})
}

func startSession(ctx context.Context) *session {
	cfg := configFrom(ctx)
	assets := automount.NewStore(cfg.Assets.Dir)

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		cfg:    cfg,
		worker: newWorker(cfg, assets),
		assets: assets,
		apps:   supportedApps(cfg),
		done:   make(chan error, 1),
		cancel: cancel,
	}

	go func() { s.done <- s.worker.Run(ctx) }()

	return s
}

func (s *session) Close() {
	s.worker.Stop()
	s.cancel()
	<-s.done
}

// do sends one intent and waits for its result.
func (s *session) do(ctx context.Context, in worker.Intent) (worker.Result, error) {
	if !s.worker.Send(in) {
		return nil, customerrors.ErrWorkerStopped
	}

	res, err := s.worker.Next(ctx)
	if err != nil {
		return nil, err
	}

	if mu, ok := res.(worker.MuxUnavailable); ok {
		return res, fmt.Errorf("%w\n%s", mu.Err, mu.Hint)
	}

	return res, res.Failure()
}

// device finds a USB device by display name or UDID.
func (s *session) device(ctx context.Context, ref string) (worker.Target, error) {
	res, err := s.do(ctx, worker.GetDevices{})
	if err != nil {
		return worker.Target{}, err
	}

	list, ok := res.(worker.Devices)
	if !ok {
		return worker.Target{}, customerrors.Unexpected(res.Kind())
	}

	if dev, ok := list.Devices[ref]; ok {
		return worker.Target{Device: dev, Name: ref}, nil
	}

	for name, dev := range list.Devices {
		if strings.EqualFold(dev.UDID, ref) {
			return worker.Target{Device: dev, Name: name}, nil
		}
	}

	names := make([]string, 0, len(list.Devices))
	for name := range list.Devices {
		names = append(names, name)
	}

	slices.Sort(names)

	zerolog.Ctx(ctx).Debug().Strs("devices", names).Msg("device lookup failed")

	return worker.Target{}, customerrors.ErrDeviceNotFoundWithName(ref)
}
