package delivery

import (
	"sort"
	"strings"
)

// FormatText flattens a display payload into plain text for transports that
// carry a single message body. A "message" field leads; the remaining fields
// follow as sorted "key: value" lines. Anything richer is the renderer's
// business, not ours.
func FormatText(payload map[string]string) string {
	var b strings.Builder

	if msg, ok := payload["message"]; ok {
		b.WriteString(msg)
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		if k == "message" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(payload[k])
	}

	return b.String()
}
