package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjboer/GoSuscan/internal/mdns"
)

func newDiscoverCmd() *cobra.Command {
	timeout := 5 * time.Second
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List analyzer servers advertised on the local network",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			start := time.Now()
			hosts, err := mdns.Discover(ctx)
			if err != nil {
				return fmt.Errorf("discovery: %w", err)
			}
			printHosts(cmd.OutOrStdout(), hosts, time.Since(start))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", timeout, "How long to browse")
	return cmd
}

func printHosts(w io.Writer, hosts []mdns.Host, took time.Duration) {
	if len(hosts) == 0 {
		fmt.Fprintf(w, "No servers found (%s)\n", took.Truncate(time.Millisecond))
		return
	}
	fmt.Fprintf(w, "Discovered %d server(s) in %s\n", len(hosts), took.Truncate(time.Millisecond))
	for i, h := range hosts {
		fmt.Fprintf(w, "#%d %s\n", i+1, h.Instance)
		fmt.Fprintf(w, "   address : %s\n", h.Addr())
		fmt.Fprintf(w, "   hostname: %s\n", h.Hostname)
		for _, kv := range h.TXT {
			fmt.Fprintf(w, "   txt     : %s\n", kv)
		}
	}
}
