package agent

import (
	"fmt"
	"strings"

	"github.com/fernhq/fern/pkg/fern/backend"
)

// buildSystemPrompt assembles the per-turn system prompt: identity, the
// tool list discovered from the backend, a channel section telling the
// agent how its output reaches the user, and the thread context.
func buildSystemPrompt(tools []backend.ToolInfo, channel, channelUserID, threadID string) string {
	var sb strings.Builder

	sb.WriteString("# You are Fern\n\n")
	sb.WriteString("You are Fern, a personal assistant reachable over chat channels. ")
	sb.WriteString("Be direct and helpful. Answer in the language the user writes in.\n\n")

	sb.WriteString("## Available Tools\n")
	if len(tools) == 0 {
		sb.WriteString("No tools are registered right now.\n")
	}
	for _, tool := range tools {
		if tool.Description != "" {
			sb.WriteString(fmt.Sprintf("- `%s`: %s\n", tool.ID, tool.Description))
		} else {
			sb.WriteString(fmt.Sprintf("- `%s`\n", tool.ID))
		}
	}
	sb.WriteString("\n")

	sb.WriteString(channelSection(channel))

	sb.WriteString("\n## Conversation Context\n")
	sb.WriteString(fmt.Sprintf("- Thread: %s\n", threadID))
	if channelUserID != "" {
		sb.WriteString(fmt.Sprintf("- User id on this channel: %s\n", channelUserID))
	}

	return sb.String()
}

// channelSection explains the delivery surface so the agent shapes its
// answer for the transport it will actually reach.
func channelSection(channel string) string {
	switch channel {
	case "discord":
		return "## Channel: discord\n" +
			"Markdown renders natively here. Keep individual messages under " +
			"2000 characters; longer answers are split automatically.\n"
	case "whatsapp", "sms":
		return fmt.Sprintf("## Channel: %s\n", channel) +
			"Plain text only; markdown markers are stripped before delivery. " +
			"Keep answers short, messages are capped at 1600 characters.\n"
	case "scheduler":
		return "## Channel: scheduler\n" +
			"This prompt comes from a scheduled job, not a live user. Use the " +
			"send_message tool to deliver output to the user's channel; anything " +
			"you answer here is only stored in the job record.\n"
	case "subagent":
		return "## Channel: subagent\n" +
			"You are running as a background task. Produce a final self-contained " +
			"report; the parent agent reads only your last message.\n"
	default:
		return "## Channel\nPlain text delivery. Avoid heavy formatting.\n"
	}
}
