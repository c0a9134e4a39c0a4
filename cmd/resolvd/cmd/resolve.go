package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/plexsphere/resolvd/internal/config"
	"github.com/plexsphere/resolvd/internal/resolver"
)

var (
	resolveDest string
	resolvePort int
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve the public address to advertise for a port",
	Long: "Resolve the address to advertise for a local port. When a STUN server is\n" +
		"configured, its mapping is used; on STUN failure, or when no server is\n" +
		"configured, the result degrades to local address selection for the\n" +
		"destination. Without --dest, the configured STUN server's own address is\n" +
		"used as the destination.",
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveDest, "dest", "", "destination IP or hostname (default: configured STUN server)")
	resolveCmd.Flags().IntVar(&resolvePort, "port", 5060, "local port to resolve a mapping for")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, _ []string) error {
	store, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("resolvd resolve: %w", err)
	}

	logger := setupLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	r := resolver.New(store, logger)
	r.Start(ctx)
	defer r.Stop()

	var ep resolver.Endpoint
	if resolveDest == "" {
		ep = r.GetPublicAddress(ctx, resolvePort)
	} else {
		dst, err := lookupDestination(ctx, resolveDest)
		if err != nil {
			return fmt.Errorf("resolvd resolve: %w", err)
		}
		ep = r.GetPublicAddressFor(ctx, dst, resolvePort)
	}

	fmt.Fprintln(cmd.OutOrStdout(), ep.String())
	return nil
}

// lookupDestination parses dest as an IP literal, falling back to DNS.
func lookupDestination(ctx context.Context, dest string) (net.IP, error) {
	if ip := net.ParseIP(dest); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, dest)
	if err != nil {
		return nil, fmt.Errorf("destination %q: %w", dest, err)
	}
	if len(addrs) == 0 {
		return nil, errors.New("destination " + dest + ": no addresses")
	}
	return addrs[0].IP, nil
}
