package platform

import (
	"strings"

	"github.com/relaybot/relaybot/internal/common/stringutil"
)

// MaxThreadNameLength is the longest thread name platforms accept.
const MaxThreadNameLength = 100

// ThreadName derives a thread name from the triggering user message:
// the first line, whitespace-collapsed, truncated with an ellipsis.
func ThreadName(triggerMessage string) string {
	name := triggerMessage
	if idx := strings.IndexByte(name, '\n'); idx >= 0 {
		name = name[:idx]
	}
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		name = "conversation"
	}
	return stringutil.TruncateStringWithEllipsis(name, MaxThreadNameLength)
}
