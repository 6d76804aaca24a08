package commands

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/spf13/cobra"
)

// newHealthCmd creates the `fern health` command.
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the running daemon",
		Long: `Query the daemon health endpoint and print its status. Exits
non-zero when the daemon is unreachable, so it works as a container
healthcheck.`,
		RunE: runHealth,
	}
}

func runHealth(cmd *cobra.Command, _ []string) error {
	client, err := newDaemonClient(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	var resp struct {
		Status   string            `json:"status"`
		Uptime   string            `json:"uptime"`
		Channels map[string]string `json:"channels"`
	}
	if err := client.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return err
	}

	fmt.Printf("status: %s\nuptime: %s\n", resp.Status, resp.Uptime)

	names := make([]string, 0, len(resp.Channels))
	for name := range resp.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("channel %s: %s\n", name, resp.Channels[name])
	}
	return nil
}
