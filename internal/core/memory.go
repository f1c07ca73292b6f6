package core

import (
	"strings"

	"labelcheck-assistant/pkg"
)

// MemoryWindow is how many of the most recent turns are summarised into the
// memory digest.
const MemoryWindow = 6

// BuildContext summarises the last MemoryWindow turns of log as plain text to
// prepend to the next query.  User turns contribute their text and agent
// turns only their verdict.  An empty log yields an empty string, so the
// first question of a session goes out without any preamble.
func BuildContext(log []pkg.Turn) string {
	if len(log) == 0 {
		return ""
	}
	recent := log
	if len(recent) > MemoryWindow {
		recent = recent[len(recent)-MemoryWindow:]
	}
	var b strings.Builder
	b.WriteString(ContextHeader)
	b.WriteByte('\n')
	for _, t := range recent {
		switch t.Role {
		case pkg.RoleUser:
			b.WriteString("User: ")
			b.WriteString(t.Content)
		case pkg.RoleAgent:
			verdict := UnknownVerdict
			if t.Payload != nil {
				verdict = t.Payload.VerdictOr(UnknownVerdict)
			}
			b.WriteString("AI Verdict: ")
			b.WriteString(verdict)
		default:
			continue
		}
		b.WriteByte('\n')
	}
	b.WriteString(ContextMarker)
	b.WriteByte('\n')
	return b.String()
}
