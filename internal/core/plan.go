package core

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	listMarker = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+`)
	bareNumber = regexp.MustCompile(`^\d+[.)]$`)
)

// ParsePlanSteps splits a plan narrative into steps.  A multi-line plan gives
// one step per non-blank line; a single line is split into sentences.
// Leading list markers are removed.
func ParsePlanSteps(plan string) []string {
	plan = strings.TrimSpace(plan)
	if plan == "" {
		return nil
	}
	var parts []string
	if strings.Contains(plan, "\n") {
		parts = strings.Split(plan, "\n")
	} else {
		parts = splitSentences(plan)
	}
	steps := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(listMarker.ReplaceAllString(p, ""))
		if p != "" {
			steps = append(steps, p)
		}
	}
	return steps
}

// splitSentences cuts after '.', '!' or '?' when followed by whitespace.  A
// cut that would leave only a list number ("2.") is skipped.
func splitSentences(s string) []string {
	var out []string
	runes := []rune(s)
	start := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		seg := strings.TrimSpace(string(runes[start : i+1]))
		if bareNumber.MatchString(seg) {
			continue
		}
		out = append(out, seg)
		start = i + 1
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		out = append(out, rest)
	}
	return out
}
