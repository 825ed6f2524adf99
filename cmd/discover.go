package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatremote/host/internal/mdns"
)

func newDiscoverCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List chatremote daemons advertising on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			hosts, err := mdns.Discover(ctx)
			if err != nil {
				return err
			}
			writeHosts(cmd.OutOrStdout(), hosts)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "how long to browse")
	return cmd
}

func writeHosts(w io.Writer, hosts []mdns.Host) {
	if len(hosts) == 0 {
		fmt.Fprintln(w, "No hosts found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tTLS\tAUTH\tFINGERPRINT")
	for _, h := range hosts {
		fp := h.Fingerprint
		if fp == "" {
			fp = "-"
		}
		fmt.Fprintf(tw, "%s\t%s:%d\t%v\t%v\t%s\n", h.Name, h.Addr, h.Port, h.TLS, h.RequireAuth, fp)
	}
	tw.Flush()
}
