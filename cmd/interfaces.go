package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bavix/devpair/internal/discovery"
)

func newInterfacesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interfaces",
		Short: "List network interfaces usable for discovery.interface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := discovery.Interfaces(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tUSABLE\tMAC\tIPV4")

			for _, iface := range list {
				fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", iface.Name, iface.Usable(), iface.HardwareAddr, strings.Join(iface.IPs, ","))
			}

			return tw.Flush()
		},
	}
}
