package agent

import (
	"fmt"
	"strings"

	"github.com/harun/aide/pkg/session"
)

const interruptedOutput = "error: tool call was interrupted before it finished"

// normalizeEntries makes a message list safe to send:
//   - tool results whose call is not in the preceding assistant entry (left
//     behind when compaction cut between a call and its results) become a
//     plain system note;
//   - assistant tool calls without a following result batch get synthetic
//     error results;
//   - a result batch missing some calls is completed in call order.
func normalizeEntries(entries []session.Entry) []session.Entry {
	out := make([]session.Entry, 0, len(entries))
	var pending []session.ToolCall

	flushPending := func() {
		if len(pending) == 0 {
			return
		}
		results := make([]session.ToolResult, len(pending))
		for i, c := range pending {
			results[i] = session.ToolResult{CallID: c.ID, Output: interruptedOutput, IsError: true}
		}
		out = append(out, session.ToolResultsEntry(results))
		pending = nil
	}

	for _, e := range entries {
		switch e.Role {
		case session.RoleToolResults:
			if len(pending) == 0 {
				out = append(out, session.SystemNote("tool results", renderOrphanResults(e.ToolResults)))
				continue
			}
			byID := make(map[string]session.ToolResult, len(e.ToolResults))
			for _, r := range e.ToolResults {
				byID[r.CallID] = r
			}
			results := make([]session.ToolResult, 0, len(pending))
			for _, c := range pending {
				r, ok := byID[c.ID]
				if !ok {
					r = session.ToolResult{CallID: c.ID, Output: interruptedOutput, IsError: true}
				}
				results = append(results, r)
			}
			e.ToolResults = results
			out = append(out, e)
			pending = nil

		case session.RoleAssistant:
			flushPending()
			out = append(out, e)
			pending = append([]session.ToolCall(nil), e.ToolCalls...)

		default:
			flushPending()
			out = append(out, e)
		}
	}
	flushPending()
	return out
}

func renderOrphanResults(results []session.ToolResult) string {
	var b strings.Builder
	b.WriteString("Earlier tool output:")
	for _, r := range results {
		status := "ok"
		if r.IsError {
			status = "error"
		}
		fmt.Fprintf(&b, "\n[%s] %s", status, r.Output)
	}
	return b.String()
}

// noteText renders a system note as user-visible text.
func noteText(e session.Entry) string {
	if e.Tag == "" {
		return e.Text
	}
	return fmt.Sprintf("[%s]\n%s", e.Tag, e.Text)
}
