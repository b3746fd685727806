package parser

import "strings"

// ContinuationMarker starts a context line that belongs to the preceding error block.
const ContinuationMarker = "-->"

// lineRule is one named predicate of the error scan. Predicates receive the
// raw line; lower-casing is their own business.
type lineRule struct {
	name  string
	match func(line string) bool
}

func containsFold(needle string) func(string) bool {
	return func(line string) bool {
		return strings.Contains(strings.ToLower(line), needle)
	}
}

func containsFoldExcept(needle, except string) func(string) bool {
	return func(line string) bool {
		lower := strings.ToLower(line)
		return strings.Contains(lower, needle) && !strings.Contains(lower, except)
	}
}

// startRules decide whether a line opens an error block, in priority order.
var startRules = []lineRule{
	{name: "error", match: containsFoldExcept("error", "tracking error")},
	{name: "syntaxerror", match: containsFold("syntaxerror")},
	{name: "traceback", match: containsFold("traceback")},
	{name: "exception", match: containsFold("exception")},
	{name: "failed", match: containsFoldExcept("failed", "failed data requests")},
	{name: "could not", match: containsFold("could not")},
	{name: "unable to", match: containsFold("unable to")},
	{name: "warning", match: containsFold("warning")},
	{name: "compiler error", match: containsFold("compiler error")},
}

// continuationRules decide whether a line extends the current error block.
var continuationRules = []lineRule{
	{name: "indented", match: func(line string) bool {
		return strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
	}},
	{name: "marker", match: func(line string) bool { return strings.HasPrefix(line, ContinuationMarker) }},
	{name: "blank", match: func(line string) bool { return strings.TrimSpace(line) == "" }},
	{name: "at line", match: containsFold("at line")},
	{name: "file", match: containsFold("file")},
}

// matchStart returns the names of every start rule the line satisfies.
func matchStart(line string) []string {
	var names []string
	for _, r := range startRules {
		if r.match(line) {
			names = append(names, r.name)
		}
	}
	return names
}

func matchContinuation(line string) bool {
	for _, r := range continuationRules {
		if r.match(line) {
			return true
		}
	}
	return false
}

// warningOnly reports whether "warning" is the only indicator in names.
func warningOnly(names []string) bool {
	return len(names) == 1 && names[0] == "warning"
}

type errorBlock struct {
	lines       []string
	warningOnly bool
}

func (b *errorBlock) text() string {
	end := len(b.lines)
	for end > 1 && strings.TrimSpace(b.lines[end-1]) == "" {
		end--
	}
	return strings.Join(b.lines[:end], "\n")
}

// scanErrorBlocks groups failure lines and their context into blocks.
// Inside a block, continuation lines are absorbed greedily before a line is
// considered as the start of a new block.
func scanErrorBlocks(lines []string) []errorBlock {
	var blocks []errorBlock
	var cur *errorBlock

	flush := func() {
		if cur != nil {
			blocks = append(blocks, *cur)
			cur = nil
		}
	}

	for _, line := range lines {
		if cur != nil && matchContinuation(line) {
			cur.lines = append(cur.lines, line)
			if names := matchStart(line); len(names) > 0 && !warningOnly(names) {
				cur.warningOnly = false
			}
			continue
		}

		names := matchStart(line)
		flush()
		if len(names) > 0 {
			cur = &errorBlock{
				lines:       []string{line},
				warningOnly: warningOnly(names),
			}
		}
	}
	flush()

	return blocks
}

// failedDataRequests collects the lines reporting failed data requests.
// They are informational and never open an error block.
func failedDataRequests(lines []string) []string {
	out := []string{}
	for _, line := range lines {
		if strings.Contains(strings.ToLower(line), "failed data requests") {
			out = append(out, strings.TrimSpace(line))
		}
	}
	return out
}
