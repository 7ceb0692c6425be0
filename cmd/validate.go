package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bavix/devpair/internal/devicelink"
	"github.com/bavix/devpair/internal/discovery"
	customerrors "github.com/bavix/devpair/internal/errors"
	"github.com/bavix/devpair/internal/pairing"
	"github.com/bavix/devpair/internal/worker"
)

const defaultDiscoverWait = 10 * time.Second

func newValidateCmd() *cobra.Command {
	var (
		file string
		addr string
		wait time.Duration
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that a pairing file opens a session over the network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			pf, err := pairing.ReadFile(file)
			if err != nil {
				return err
			}

			in := worker.Validate{PairingFile: pf}

			if addr != "" {
				in.Addr, err = netip.ParseAddr(addr)
				if err != nil {
					return fmt.Errorf("%w: %s", customerrors.ErrInvalidAddress, addr)
				}
			}

			s := startSession(ctx)
			defer s.Close()

			if !in.Addr.IsValid() {
				if err := discoverInto(ctx, s, pf.HardwareID(), wait); err != nil {
					return err
				}
			}

			if _, err := s.do(ctx, in); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Success")

			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Pairing file to validate")
	cmd.Flags().StringVar(&addr, "addr", "", "Device IP address (default: found with mDNS)")
	cmd.Flags().DurationVar(&wait, "discover-wait", defaultDiscoverWait, "How long to listen for the device on the network")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// discoverInto feeds discovery events into the worker until hwID is seen
// or wait elapses.
func discoverInto(ctx context.Context, s *session, hwID string, wait time.Duration) error {
	logger := zerolog.Ctx(ctx)
	seen := make(chan struct{})

	var closed bool

	w := discovery.New(discovery.Config{
		Service:       s.cfg.Discovery.Service,
		Interface:     s.cfg.Discovery.Interface,
		QueryInterval: s.cfg.Discovery.QueryInterval(),
		RestartDelay:  s.cfg.Discovery.RestartDelay(),
	}, func(ev discovery.Event) {
		s.worker.Send(worker.DiscoveredDevice{Addr: ev.Addr, HardwareID: ev.HardwareID})

		if !closed && devicelink.NormalizeHardwareID(ev.HardwareID) == hwID {
			closed = true

			close(seen)
		}
	})

	dctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	errc := make(chan error, 1)

	go func() { errc <- w.Run(dctx) }()

	logger.Info().Str("hw_id", hwID).Dur("wait", wait).Msg("looking for device on the network")

	select {
	case <-seen:
		cancel()

		return <-errc
	case err := <-errc:
		if err != nil {
			return err
		}

		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			logger.Warn().Msg("device not seen on the network")
		}

		return ctx.Err()
	}
}
