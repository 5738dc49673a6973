package store

// EventType distinguishes the two kinds of recorded events.
type EventType string

const (
	EventToolUse   EventType = "tool_use"
	EventSummarize EventType = "summarize"
)

// PendingEvent is one queued record written by the external recorder.
// The pipeline only reads it and flips Processed; it never mutates the
// payload.
type PendingEvent struct {
	ID           int64
	SessionID    string
	EventType    EventType
	ToolName     string
	ToolInput    string
	ToolResponse string
	CWD          string
	Project      string
	Timestamp    int64 // epoch milliseconds
	Processed    bool
}

// ObservationType classifies what kind of work an observation captures.
type ObservationType string

const (
	TypeDecision ObservationType = "decision"
	TypeLearning ObservationType = "learning"
	TypeBugfix   ObservationType = "bugfix"
	TypeRefactor ObservationType = "refactor"
	TypeFeature  ObservationType = "feature"
	TypeDebug    ObservationType = "debug"
	TypeTest     ObservationType = "test"
	TypeConfig   ObservationType = "config"
	TypeGeneral  ObservationType = "general"
)

// NormalizeType maps free text from the model onto the fixed enum,
// falling back to general for anything unrecognized.
func NormalizeType(s string) ObservationType {
	switch ObservationType(s) {
	case TypeDecision, TypeLearning, TypeBugfix, TypeRefactor,
		TypeFeature, TypeDebug, TypeTest, TypeConfig, TypeGeneral:
		return ObservationType(s)
	}
	return TypeGeneral
}

// Observation is one distilled, persisted unit of work. Immutable once
// created.
type Observation struct {
	ID            string
	SessionID     string
	Project       string
	PromptNumber  int
	Timestamp     int64 // epoch milliseconds, from the source event
	Type          ObservationType
	Title         string
	Subtitle      string
	Narrative     string
	Facts         []string
	Concepts      []string
	FilesRead     []string
	FilesModified []string
	ToolName      string
	CorrelationID string
	CreatedAt     int64 // epoch milliseconds
}

// SessionSummary is the end-of-session digest. One row per session,
// last write wins.
type SessionSummary struct {
	ID           string
	SessionID    string
	Project      string
	Request      string
	Investigated []string
	Learned      []string
	Completed    []string
	NextSteps    []string
	Notes        string
	CreatedAt    int64 // epoch milliseconds
}
