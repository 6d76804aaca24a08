package commands

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fernhq/fern/pkg/fern/memory"
)

// newMemoryCmd creates the `fern memory` command group.
func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Manage long-term memory",
		Long: `Write, search and delete persistent memories on the running daemon.

Examples:
  fern memory remember "the wifi password is hunter2" --type fact
  fern memory search "wifi password"
  fern memory forget mem_0192d5e8a7b14f3c9e2b8a1d4c5f6e7d`,
	}
	cmd.AddCommand(newMemoryRememberCmd(), newMemorySearchCmd(), newMemoryForgetCmd())
	return cmd
}

func newMemoryRememberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remember <content>",
		Short: "Store a persistent memory",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runMemoryRemember,
	}
	cmd.Flags().String("type", "fact", "memory type (fact, preference, person, ...)")
	cmd.Flags().StringSlice("tags", nil, "tags for later filtering")
	return cmd
}

func runMemoryRemember(cmd *cobra.Command, args []string) error {
	client, err := newDaemonClient(cmd)
	if err != nil {
		return err
	}
	memType, _ := cmd.Flags().GetString("type")
	tags, _ := cmd.Flags().GetStringSlice("tags")

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	req := map[string]any{
		"type":    memType,
		"content": strings.Join(args, " "),
		"tags":    tags,
	}
	var mem memory.Memory
	if err := client.do(ctx, http.MethodPost, "/internal/memory/write", req, &mem); err != nil {
		return err
	}
	fmt.Println("remembered as", mem.ID)
	return nil
}

func newMemorySearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memories and archived conversation",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runMemorySearch,
	}
	cmd.Flags().Int("limit", 10, "maximum number of results")
	cmd.Flags().String("thread", "", "restrict conversation chunks to one thread")
	return cmd
}

func runMemorySearch(cmd *cobra.Command, args []string) error {
	client, err := newDaemonClient(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	thread, _ := cmd.Flags().GetString("thread")

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	req := map[string]any{
		"query":    strings.Join(args, " "),
		"limit":    limit,
		"threadId": thread,
	}
	var out struct {
		Results []memory.SearchResult `json:"results"`
	}
	if err := client.do(ctx, http.MethodPost, "/internal/memory/search", req, &out); err != nil {
		return err
	}

	if len(out.Results) == 0 {
		fmt.Println("no results")
		return nil
	}
	for _, r := range out.Results {
		fmt.Printf("%.2f  [%s]  %s\n", r.RelevanceScore, r.Source, r.ID)
		fmt.Printf("      %s\n", truncate(r.Text, 120))
	}
	return nil
}

func newMemoryForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <memory-id>",
		Short: "Delete a persistent memory",
		Args:  cobra.ExactArgs(1),
		RunE:  runMemoryForget,
	}
}

func runMemoryForget(cmd *cobra.Command, args []string) error {
	client, err := newDaemonClient(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	var out struct {
		Deleted bool `json:"deleted"`
	}
	path := "/internal/memory/delete/" + args[0]
	if err := client.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return err
	}
	if !out.Deleted {
		return fmt.Errorf("no memory with id %s", args[0])
	}
	fmt.Println("forgot", args[0])
	return nil
}
