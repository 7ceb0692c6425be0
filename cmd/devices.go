package cmd

import (
	"fmt"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bavix/devpair/internal/worker"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List devices attached over USB",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			s := startSession(ctx)
			defer s.Close()

			res, err := s.do(ctx, worker.GetDevices{})
			if err != nil {
				return err
			}

			list, _ := res.(worker.Devices)
			if len(list.Devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No devices connected! Plug one in via USB.")

				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tUDID\tID")

			for _, name := range slices.Sorted(maps.Keys(list.Devices)) {
				dev := list.Devices[name]
				fmt.Fprintf(tw, "%s\t%s\t%d\n", name, dev.UDID, dev.ID)
			}

			return tw.Flush()
		},
	}
}

func newWirelessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wireless <device>",
		Short: "Enable wireless debugging on a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s := startSession(ctx)
			defer s.Close()

			t, err := s.device(ctx, args[0])
			if err != nil {
				return err
			}

			if _, err := s.do(ctx, worker.EnableWireless{Target: t}); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wireless debugging enabled on %s\n", t.Name)

			return nil
		},
	}
}

func newDevModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devmode <device>",
		Short: "Show whether developer mode is enabled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s := startSession(ctx)
			defer s.Close()

			t, err := s.device(ctx, args[0])
			if err != nil {
				return err
			}

			res, err := s.do(ctx, worker.CheckDevMode{Target: t})
			if err != nil {
				return err
			}

			status := "disabled"
			if dm, _ := res.(worker.DevMode); dm.Enabled {
				status = "enabled"
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Developer mode is %s on %s\n", status, t.Name)

			return nil
		},
	}
}

func newMountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mount <device>",
		Short: "Mount the developer disk image unless one is mounted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s := startSession(ctx)
			defer s.Close()

			// A missing asset set only matters when a mount is needed.
			_ = s.assets.Reload()

			t, err := s.device(ctx, args[0])
			if err != nil {
				return err
			}

			if _, err := s.do(ctx, worker.AutoMount{Target: t}); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Developer disk image is mounted on %s\n", t.Name)

			return nil
		},
	}
}

func newAppsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apps <device>",
		Short: "List installed apps that accept a pairing file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s := startSession(ctx)
			defer s.Close()

			t, err := s.device(ctx, args[0])
			if err != nil {
				return err
			}

			res, err := s.do(ctx, worker.InstalledApps{Target: t, Names: s.apps.Names()})
			if err != nil {
				return err
			}

			found, _ := res.(worker.InstalledAppsResult)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "APP\tBUNDLE ID\tPATH")

			for _, app := range s.apps.List() {
				bundleID, ok := found.Apps[app.Name]
				if !ok {
					bundleID = "(not installed)"
				}

				fmt.Fprintf(tw, "%s\t%s\t%s\n", app.Name, bundleID, app.Path)
			}

			return tw.Flush()
		},
	}
}
