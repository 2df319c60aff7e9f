package platform

import "strings"

// Practical per-message length limits. Slack's hard cap is higher but
// messages beyond ~4000 characters get truncated in clients.
const (
	DiscordMessageLimit  = 2000
	SlackMessageLimit    = 4000
	TelegramMessageLimit = 4096
	GitHubCommentLimit   = 65000
)

// SplitMessage breaks a message into pieces that each fit the limit,
// preferring paragraph boundaries and falling back to line boundaries. A
// single line longer than the limit is hard-wrapped as a last resort.
func SplitMessage(message string, limit int) []string {
	if limit <= 0 || len(message) <= limit {
		return []string{message}
	}

	var parts []string
	var current strings.Builder

	// add appends a piece to the current part when it fits after sep,
	// otherwise closes the part and starts a new one.
	add := func(piece, sep string) {
		if current.Len() == 0 {
			current.WriteString(piece)
			return
		}
		if current.Len()+len(sep)+len(piece) <= limit {
			current.WriteString(sep)
			current.WriteString(piece)
			return
		}
		parts = append(parts, current.String())
		current.Reset()
		current.WriteString(piece)
	}

	for _, para := range strings.Split(message, "\n\n") {
		if len(para) <= limit {
			add(para, "\n\n")
			continue
		}
		for _, line := range strings.Split(para, "\n") {
			for len(line) > limit {
				add(line[:limit], "\n")
				line = line[limit:]
			}
			add(line, "\n")
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	if len(parts) == 0 {
		return []string{""}
	}
	return parts
}
