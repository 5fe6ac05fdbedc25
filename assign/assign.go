// Package assign extracts structured task assignments from an orchestrator's
// free-text plan. The external interface stays prose (language models produce
// prose); parsing happens once at this boundary and only the structured
// core.TaskAssignment type travels further into the loop.
//
// Assignment syntax, one per marker:
//
//	@worker:<identifier> <task text until the next marker, @end, or EOF>
package assign

import (
	"strings"

	"github.com/davidnguyen-tech/polypilot/core"
)

const (
	marker    = "@worker:"
	endMarker = "@end"
)

// Parse returns zero or more (worker, task) pairs found in text. Worker
// identifiers are resolved against roster case-insensitively with prefix and
// substring fallback; identifiers that resolve to no roster entry are kept
// verbatim so the caller can decide how to surface them. An empty result
// means no delegation was requested.
func Parse(text string, roster []string) []core.TaskAssignment {
	var out []core.TaskAssignment

	lines := strings.Split(text, "\n")
	var cur *core.TaskAssignment
	var task []string

	flush := func() {
		if cur == nil {
			return
		}
		cur.Task = strings.TrimSpace(strings.Join(task, "\n"))
		if cur.Task != "" {
			out = append(out, *cur)
		}
		cur = nil
		task = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, marker):
			flush()
			rest := strings.TrimPrefix(trimmed, marker)
			ident, first := splitIdent(rest)
			if ident == "" {
				continue
			}
			cur = &core.TaskAssignment{Worker: ResolveWorker(ident, roster)}
			if first != "" {
				task = append(task, first)
			}
		case trimmed == endMarker:
			flush()
		default:
			if cur != nil {
				task = append(task, line)
			}
		}
	}
	flush()

	return out
}

// splitIdent separates the worker identifier from the remainder of the
// marker line.
func splitIdent(rest string) (ident, remainder string) {
	rest = strings.TrimSpace(rest)
	if i := strings.IndexAny(rest, " \t"); i >= 0 {
		return rest[:i], strings.TrimSpace(rest[i:])
	}
	return rest, ""
}

// ResolveWorker matches ident against roster: case-insensitive exact match
// first, then prefix, then substring. Unresolvable identifiers are returned
// unchanged.
func ResolveWorker(ident string, roster []string) string {
	lower := strings.ToLower(ident)
	for _, name := range roster {
		if strings.ToLower(name) == lower {
			return name
		}
	}
	for _, name := range roster {
		if strings.HasPrefix(strings.ToLower(name), lower) {
			return name
		}
	}
	for _, name := range roster {
		if strings.Contains(strings.ToLower(name), lower) {
			return name
		}
	}
	return ident
}
