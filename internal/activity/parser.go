package activity

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const previewLimit = 200

// rule maps one output pattern to an event constructor. Rules are tried in
// order against each line; the first match wins.
type rule struct {
	pattern *regexp.Regexp
	build   func(groups []string) (string, Details)
}

var rules = []rule{
	{
		pattern: regexp.MustCompile("^Running command: +`?([^`]+)`?$"),
		build: func(g []string) (string, Details) {
			return "Running command: " + g[1], BashDetails{Command: g[1]}
		},
	},
	{
		pattern: regexp.MustCompile(`^\$ (.+)$`),
		build: func(g []string) (string, Details) {
			return "Running command: " + g[1], BashDetails{Command: g[1]}
		},
	},
	{
		pattern: regexp.MustCompile("^Reading(?: file)?: +`?([^`]+)`?$"),
		build: func(g []string) (string, Details) {
			return "Reading file: " + g[1], FileReadDetails{Path: g[1]}
		},
	},
	{
		pattern: regexp.MustCompile("^(?:Writing|Creating)(?: file)?: +`?([^`]+)`?$"),
		build: func(g []string) (string, Details) {
			return "Writing file: " + g[1], FileWriteDetails{Path: g[1]}
		},
	},
	{
		pattern: regexp.MustCompile("^Editing(?: file)?: +`?([^`]+)`?$"),
		build: func(g []string) (string, Details) {
			return "Editing file: " + g[1], FileEditDetails{Path: g[1]}
		},
	},
	{
		pattern: regexp.MustCompile("^Searching for +`?([^`]+?)`?(?: in +`?([^`]+)`?)?$"),
		build: func(g []string) (string, Details) {
			return "Searching for: " + g[1], SearchDetails{Pattern: g[1], Path: g[2]}
		},
	},
	{
		pattern: regexp.MustCompile("^(?:Globbing|Matching files): +`?([^`]+)`?$"),
		build: func(g []string) (string, Details) {
			return "Matching files: " + g[1], GlobDetails{Pattern: g[1]}
		},
	},
}

// Parse maps raw executor text to zero or more typed activity events.
//
// It is pure: identical (text, timestamp) input always yields identical
// output, with no side effects, so it can safely be re-run over the same
// message. Each line matching a rule yields one event; if no line matches
// and the text is non-empty, exactly one generic event with a truncated
// preview is emitted. Events within one text get strictly increasing
// timestamps derived deterministically from ts.
func Parse(text string, ts time.Time) []Event {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	var events []Event
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, r := range rules {
			groups := r.pattern.FindStringSubmatch(line)
			if groups == nil {
				continue
			}
			description, details := r.build(groups)
			events = append(events, Event{
				Type:        details.ActivityType(),
				Description: description,
				Details:     details,
				Timestamp:   ts.Add(time.Duration(len(events)) * time.Microsecond),
			})
			break
		}
	}

	if len(events) == 0 {
		preview := truncate(trimmed, previewLimit)
		events = append(events, Event{
			Type:        TypeGeneric,
			Description: "Executor output",
			Details:     GenericDetails{Preview: preview},
			Output:      preview,
			Timestamp:   ts,
		})
	}

	return events
}

// truncate shortens s to at most limit runes, appending an ellipsis
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}
