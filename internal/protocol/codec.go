// Package protocol builds the tagged text envelopes sent to the model
// and decodes its free-text replies into typed outcomes.
//
// Decoding is deliberately not a markup parser: model output is not
// guaranteed well formed, so the decoder scans for one recognized
// top-level block and extracts known child fields independently, with
// defaults for anything absent. It never returns an error.
package protocol

import (
	"strings"

	"github.com/baleen37/memmem-sub003/internal/store"
)

// Skip reasons used when the model declines or the reply is unusable.
const (
	ReasonUnspecified = "Unspecified reason"
	ReasonParseFailed = "Failed to parse response"
)

// ToolEventRequest carries everything the model needs to judge one tool
// invocation.
type ToolEventRequest struct {
	ToolName     string
	ToolInput    string
	ToolResponse string
	CWD          string
	Project      string
	// RecentObservations is a compact digest of the session's prior
	// observation titles/subtitles, newest last.
	RecentObservations []string
}

// SummaryRequest carries the digest for the end-of-session summary.
type SummaryRequest struct {
	SessionID string
	Project   string
	// Observations are "title: narrative" digest lines for every
	// observation recorded in the session.
	Observations []string
}

// EncodeToolEvent renders the tool-event envelope. The tool response is
// escaped so reply-format tags inside command output cannot break the
// envelope.
func EncodeToolEvent(req ToolEventRequest) string {
	var b strings.Builder
	b.WriteString("<tool_event>\n")
	writeField(&b, "tool_name", req.ToolName)
	writeField(&b, "tool_input", escapeText(req.ToolInput))
	writeField(&b, "tool_response", escapeText(req.ToolResponse))
	writeField(&b, "cwd", req.CWD)
	writeField(&b, "project", req.Project)
	if len(req.RecentObservations) > 0 {
		b.WriteString("<recent_observations>\n")
		for _, line := range req.RecentObservations {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("</recent_observations>\n")
	}
	b.WriteString("</tool_event>\n\n")
	b.WriteString(toolReplyInstructions)
	return b.String()
}

// EncodeSummaryRequest renders the one-shot summary prompt. It stands
// alone: session history is never concatenated into it.
func EncodeSummaryRequest(req SummaryRequest) string {
	var b strings.Builder
	b.WriteString("<summary_request>\n")
	writeField(&b, "session_id", req.SessionID)
	writeField(&b, "project", req.Project)
	b.WriteString("<observations>\n")
	for _, line := range req.Observations {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("</observations>\n")
	b.WriteString("</summary_request>\n\n")
	b.WriteString(summaryReplyInstructions)
	return b.String()
}

const toolReplyInstructions = `Reply with exactly one block. If the invocation is worth remembering:
<observation>
<type>decision|learning|bugfix|refactor|feature|debug|test|config|general</type>
<title>...</title>
<subtitle>...</subtitle>
<narrative>...</narrative>
<facts><fact>...</fact></facts>
<concepts><concept>...</concept></concepts>
<files_read><file>...</file></files_read>
<files_modified><file>...</file></files_modified>
</observation>
Otherwise:
<skip><reason>...</reason></skip>`

const summaryReplyInstructions = `Reply with one block:
<summary>
<request>...</request>
<investigated><item>...</item></investigated>
<learned><item>...</item></learned>
<completed><item>...</item></completed>
<next_steps><item>...</item></next_steps>
<notes>...</notes>
</summary>`

// ToolOutcome is the decoded result of a tool-event reply. Exactly one
// of Observation or SkipReason is meaningful.
type ToolOutcome struct {
	Observation *store.Observation
	SkipReason  string
}

// Skipped reports whether the outcome carries no observation.
func (o ToolOutcome) Skipped() bool {
	return o.Observation == nil
}

// DecodeToolReply turns a raw model reply into an outcome. Priority:
// a recognized observation block wins; otherwise a skip block with its
// reason; otherwise a parse-failure skip. A freshly minted id is
// assigned to every decoded observation.
func DecodeToolReply(reply string, id string) ToolOutcome {
	if block, ok := findBlock(reply, "observation"); ok {
		obs := &store.Observation{
			ID:            id,
			Type:          store.NormalizeType(scalarField(block, "type")),
			Title:         scalarField(block, "title"),
			Subtitle:      scalarField(block, "subtitle"),
			Narrative:     scalarField(block, "narrative"),
			Facts:         listField(block, "facts", "fact"),
			Concepts:      listField(block, "concepts", "concept"),
			FilesRead:     listField(block, "files_read", "file"),
			FilesModified: listField(block, "files_modified", "file"),
		}
		return ToolOutcome{Observation: obs}
	}

	if block, ok := findBlock(reply, "skip"); ok {
		inner, hasReason := findBlock(block, "reason")
		reason := strings.TrimSpace(inner)
		if !hasReason {
			reason = strings.TrimSpace(block)
		}
		if reason == "" {
			reason = ReasonUnspecified
		}
		return ToolOutcome{SkipReason: reason}
	}

	return ToolOutcome{SkipReason: ReasonParseFailed}
}

// DecodeSummaryReply extracts a session summary, or nil when the reply
// carries no summary block. Summaries have no skip concept.
func DecodeSummaryReply(reply string, id string) *store.SessionSummary {
	block, ok := findBlock(reply, "summary")
	if !ok {
		return nil
	}
	return &store.SessionSummary{
		ID:           id,
		Request:      scalarField(block, "request"),
		Investigated: listField(block, "investigated", "item"),
		Learned:      listField(block, "learned", "item"),
		Completed:    listField(block, "completed", "item"),
		NextSteps:    listField(block, "next_steps", "item"),
		Notes:        scalarField(block, "notes"),
	}
}

// findBlock locates the first <tag>...</tag> region, case-insensitive.
// A missing close tag swallows the rest of the input rather than
// failing; partial replies still decode.
func findBlock(s, tag string) (string, bool) {
	lower := strings.ToLower(s)
	open := "<" + tag + ">"
	start := strings.Index(lower, open)
	if start < 0 {
		return "", false
	}
	inner := s[start+len(open):]

	close := "</" + tag + ">"
	if end := strings.Index(strings.ToLower(inner), close); end >= 0 {
		inner = inner[:end]
	}
	return inner, true
}

// scalarField returns the trimmed content of the first child tag, or
// the empty string when absent.
func scalarField(block, tag string) string {
	inner, ok := findBlock(block, tag)
	if !ok {
		return ""
	}
	return strings.TrimSpace(inner)
}

// listField collects the items of a list-valued field. The canonical
// shape is <plural><item>..</item></plural>; dash-bulleted lines inside
// the container are accepted too. An absent container is an empty list,
// never nil. Singular tags only count inside their own container:
// several fields share one (file, item), so a block-wide scan would
// copy items across fields.
func listField(block, plural, singular string) []string {
	items := []string{}

	container, ok := findBlock(block, plural)
	if !ok {
		return items
	}

	rest := container
	for {
		inner, found := findBlock(rest, singular)
		if !found {
			break
		}
		if v := strings.TrimSpace(inner); v != "" {
			items = append(items, v)
		}
		lower := strings.ToLower(rest)
		idx := strings.Index(lower, "<"+singular+">")
		advance := idx + len(singular) + 2 + len(inner)
		if advance >= len(rest) {
			break
		}
		rest = rest[advance:]
	}

	if len(items) == 0 {
		// Fall back to bulleted or bare lines inside the container.
		for _, line := range strings.Split(container, "\n") {
			line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
			if line != "" {
				items = append(items, line)
			}
		}
	}
	return items
}

func writeField(b *strings.Builder, tag, value string) {
	if value == "" {
		return
	}
	b.WriteString("<" + tag + ">")
	b.WriteString(value)
	b.WriteString("</" + tag + ">\n")
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// escapeText neutralizes tag characters in embedded payloads.
func escapeText(s string) string {
	return textEscaper.Replace(s)
}
