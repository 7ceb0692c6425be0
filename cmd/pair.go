package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bavix/devpair/internal/devicelink"
	customerrors "github.com/bavix/devpair/internal/errors"
	"github.com/bavix/devpair/internal/pairing"
	"github.com/bavix/devpair/internal/worker"
)

func newPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Load or generate a pairing file",
	}

	cmd.AddCommand(newPairSubCmd("load", "Load the pairing record stored by the host", func(t worker.Target) worker.Intent {
		return worker.LoadPairingFile{Target: t}
	}))
	cmd.AddCommand(newPairSubCmd("generate", "Pair again and create a new pairing file; this may invalidate old ones", func(t worker.Target) worker.Intent {
		return worker.GeneratePairingFile{Target: t}
	}))

	return cmd
}

func newPairSubCmd(use, short string, build func(worker.Target) worker.Intent) *cobra.Command {
	var (
		output string
		show   bool
	)

	cmd := &cobra.Command{
		Use:   use + " <device>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s := startSession(ctx)
			defer s.Close()

			pf, err := fetchPairingFile(ctx, s, args[0], build)
			if err != nil {
				return err
			}

			if show {
				text, err := pairing.Pretty(pf)
				if err != nil {
					return err
				}

				fmt.Fprint(cmd.OutOrStdout(), text)
			}

			path := output
			if path == "" {
				path = pairing.DefaultFileName(pf)
			}

			if err := pairing.SaveFile(path, pf); err != nil {
				return err
			}

			zerolog.Ctx(ctx).Info().Str("udid", pf.UDID).Str("path", path).Msg("pairing file saved")
			fmt.Fprintf(cmd.ErrOrStderr(), "Saved pairing file to %s\n", path)

			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "File to save to (default: <udid>.plist)")
	cmd.Flags().BoolVar(&show, "print", false, "Also print the pairing file")

	return cmd
}

func fetchPairingFile(
	ctx context.Context,
	s *session,
	ref string,
	build func(worker.Target) worker.Intent,
) (*devicelink.PairingFile, error) {
	t, err := s.device(ctx, ref)
	if err != nil {
		return nil, err
	}

	res, err := s.do(ctx, build(t))
	if err != nil {
		return nil, err
	}

	pr, ok := res.(worker.PairingFileResult)
	if !ok || pr.PairingFile == nil {
		return nil, customerrors.Unexpected(res.Kind())
	}

	return pr.PairingFile, nil
}

func newInstallCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "install <device> <app>",
		Short: "Write a pairing file into an app's Documents directory",
		Args:  cobra.ExactArgs(2), //nolint:mnd // device and app
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s := startSession(ctx)
			defer s.Close()

			app, err := s.apps.Lookup(args[1])
			if err != nil {
				return err
			}

			t, err := s.device(ctx, args[0])
			if err != nil {
				return err
			}

			var pf *devicelink.PairingFile
			if file != "" {
				pf, err = pairing.ReadFile(file)
			} else {
				pf, err = fetchPairingFile(ctx, s, args[0], func(t worker.Target) worker.Intent {
					return worker.LoadPairingFile{Target: t}
				})
			}

			if err != nil {
				return err
			}

			res, err := s.do(ctx, worker.InstalledApps{Target: t, Names: []string{app.Name}})
			if err != nil {
				return err
			}

			installed, _ := res.(worker.InstalledAppsResult)

			bundleID, ok := installed.Apps[app.Name]
			if !ok {
				return customerrors.ErrAppNotFoundWithName(app.Name)
			}

			if _, err := s.do(ctx, worker.InstallPairingFile{
				Target:      t,
				App:         app,
				BundleID:    bundleID,
				PairingFile: pf,
			}); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Installed pairing file into %s at %s\n", app.Name, pairing.InstallPath(app.Path))

			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Pairing file to install (default: the record stored by the host)")

	return cmd
}
