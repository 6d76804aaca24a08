package commands

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// newChatCmd creates the `fern chat` command.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to Fern from the terminal",
		Long: `Send a message to the running daemon and print the reply. With no
arguments an interactive session starts; leave it with Ctrl+D or "exit".

Examples:
  fern chat "summarize my open tasks"
  fern chat`,
		Args: cobra.ArbitraryArgs,
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	client, err := newDaemonClient(cmd)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		return chatOnce(client, strings.Join(args, " "))
	}
	return chatLoop(client)
}

type chatResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Response  string `json:"response"`
}

func chatOnce(client *daemonClient, message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), chatTimeout)
	defer cancel()

	var resp chatResponse
	err := client.do(ctx, http.MethodPost, "/api/chat", map[string]string{"message": message}, &resp)
	if err != nil {
		return err
	}
	fmt.Println(resp.Response)
	return nil
}

func chatLoop(client *daemonClient) error {
	fmt.Println("Chatting with Fern. Ctrl+D to leave.")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := chatOnce(client, line); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}
