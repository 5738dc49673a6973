package poller

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/baleen37/memmem-sub003/internal/observe"
	"github.com/baleen37/memmem-sub003/internal/provider"
	"github.com/baleen37/memmem-sub003/internal/ratelimit"
	"github.com/baleen37/memmem-sub003/internal/session"
	"github.com/baleen37/memmem-sub003/internal/store"
)

const observationReply = `<observation>
<type>bugfix</type>
<title>Fixed limiter refill</title>
<subtitle>fractional tokens</subtitle>
<narrative>Corrected the per-millisecond refill math.</narrative>
<facts><fact>refill is fractional</fact></facts>
</observation>`

const summaryReply = `<summary>
<request>Fix the rate limiter</request>
<investigated><item>refill math</item></investigated>
<learned><item>tokens accrue fractionally</item></learned>
<completed><item>patched the refill</item></completed>
<next_steps><item>add jitter</item></next_steps>
<notes>clean run</notes>
</summary>`

type harness struct {
	poller *Poller
	store  *store.SQLiteStore
	index  *store.VectorIndex
	stub   *provider.StubProvider
	dbPath string
	lock   string
}

func newHarness(t *testing.T, cfg Config, replies ...string) *harness {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "memmem.db")
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	index, err := store.NewVectorIndex("")
	if err != nil {
		t.Fatalf("failed to open index: %v", err)
	}

	stub := provider.NewStubProvider(replies...)
	limit := ratelimit.New(ratelimit.Config{Capacity: 1000, Refill: 1})
	registry := session.NewRegistry(st)
	obs := observe.New(io.Discard, false)

	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Millisecond
	}
	if cfg.LockPath == "" {
		cfg.LockPath = filepath.Join(dir, "poller.lock")
	}

	p := New(cfg, st, index, stub, stub, limit, limit, registry, obs)
	return &harness{poller: p, store: st, index: index, stub: stub, dbPath: dbPath, lock: cfg.LockPath}
}

func (h *harness) insertEvent(t *testing.T, ev store.PendingEvent) int64 {
	t.Helper()
	id, err := h.store.InsertPendingEvent(&ev)
	if err != nil {
		t.Fatalf("failed to insert event: %v", err)
	}
	return id
}

func toolEvent(sessionID, tool string) store.PendingEvent {
	return store.PendingEvent{
		SessionID:    sessionID,
		EventType:    store.EventToolUse,
		ToolName:     tool,
		ToolInput:    `{"command":"go test ./..."}`,
		ToolResponse: "ok",
		CWD:          "/work/alpha",
		Project:      "alpha",
		Timestamp:    time.Now().UnixMilli(),
	}
}

func TestToolEventProducesObservation(t *testing.T) {
	h := newHarness(t, Config{}, observationReply)
	evtID := h.insertEvent(t, toolEvent("sess-1", "Bash"))

	h.poller.tick(context.Background())

	obs, err := h.store.ObservationsBySession("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != 1 {
		t.Fatalf("got %d observations, want 1", len(obs))
	}
	o := obs[0]
	if o.SessionID != "sess-1" || o.Project != "alpha" || o.ToolName != "Bash" {
		t.Errorf("event fields not copied: %+v", o)
	}
	if o.PromptNumber != 1 {
		t.Errorf("prompt number = %d, want 1", o.PromptNumber)
	}
	if o.Type != store.TypeBugfix || o.Title != "Fixed limiter refill" {
		t.Errorf("decoded fields wrong: type=%q title=%q", o.Type, o.Title)
	}
	if !strings.HasPrefix(o.CorrelationID, "evt-") {
		t.Errorf("correlation id = %q", o.CorrelationID)
	}
	if o.CreatedAt == 0 {
		t.Error("created_at not set")
	}

	// The event is consumed exactly once.
	sessions, _ := h.store.PendingSessions()
	if len(sessions) != 0 {
		t.Errorf("pending sessions after tick: %v (event %d)", sessions, evtID)
	}

	// One embedding, indexed under the observation id.
	if len(h.stub.Embedded) != 1 {
		t.Fatalf("got %d embeddings, want 1", len(h.stub.Embedded))
	}
	if h.index.Count() != 1 {
		t.Errorf("index count = %d, want 1", h.index.Count())
	}
}

func TestSessionHistoryGrowsByTwo(t *testing.T) {
	h := newHarness(t, Config{}, observationReply)
	h.insertEvent(t, toolEvent("sess-1", "Bash"))

	sctx, err := h.poller.registry.GetOrCreate("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	before := len(sctx.History)

	h.poller.tick(context.Background())

	if got := len(sctx.History); got != before+2 {
		t.Fatalf("history length = %d, want %d", got, before+2)
	}
	last := sctx.History[len(sctx.History)-1]
	if last.Role != "assistant" || last.Content != observationReply {
		t.Errorf("last turn = %+v, want the assistant reply", last)
	}
	// The whole history, seed turn included, was sent to the model.
	if len(h.stub.Calls) != 1 || len(h.stub.Calls[0]) != before+1 {
		t.Errorf("model saw %d calls", len(h.stub.Calls))
	}
}

func TestPromptNumberResumesAcrossRestart(t *testing.T) {
	h := newHarness(t, Config{}, observationReply)
	seed := &store.Observation{
		ID:           "prior-1",
		SessionID:    "sess-1",
		Project:      "alpha",
		PromptNumber: 7,
		Type:         store.TypeGeneral,
		Title:        "earlier work",
	}
	if err := h.store.InsertObservation(seed); err != nil {
		t.Fatal(err)
	}
	h.insertEvent(t, toolEvent("sess-1", "Edit"))

	h.poller.tick(context.Background())

	obs, _ := h.store.ObservationsBySession("sess-1")
	var fresh *store.Observation
	for i := range obs {
		if obs[i].ID != "prior-1" {
			fresh = &obs[i]
		}
	}
	if fresh == nil {
		t.Fatal("no new observation persisted")
	}
	if fresh.PromptNumber != 8 {
		t.Errorf("prompt number = %d, want 8", fresh.PromptNumber)
	}
}

func TestSkipListedToolNeverReachesModel(t *testing.T) {
	h := newHarness(t, Config{SkipTools: []string{"TodoWrite", "mcp__*"}})
	h.insertEvent(t, toolEvent("sess-1", "mcp__browser_open"))
	h.insertEvent(t, toolEvent("sess-1", "TodoWrite"))

	h.poller.tick(context.Background())

	if len(h.stub.Calls) != 0 {
		t.Errorf("model called %d times for skip-listed tools", len(h.stub.Calls))
	}
	if len(h.stub.Embedded) != 0 {
		t.Error("embedder called for skip-listed tools")
	}
	sessions, _ := h.store.PendingSessions()
	if len(sessions) != 0 {
		t.Error("skip-listed events left pending")
	}
}

func TestModelSkipReplyPersistsNothing(t *testing.T) {
	h := newHarness(t, Config{}, "<skip><reason>routine file read</reason></skip>")
	h.insertEvent(t, toolEvent("sess-1", "Read"))

	h.poller.tick(context.Background())

	obs, _ := h.store.ObservationsBySession("sess-1")
	if len(obs) != 0 {
		t.Errorf("skip reply persisted %d observations", len(obs))
	}
	sessions, _ := h.store.PendingSessions()
	if len(sessions) != 0 {
		t.Error("event left pending after skip reply")
	}
}

type failingCompleter struct{}

func (failingCompleter) Complete(context.Context, []provider.Message) (string, error) {
	return "", errors.New("provider unavailable")
}

func (failingCompleter) Name() string { return "failing" }

func TestHandlerFailureStillConsumesEvent(t *testing.T) {
	h := newHarness(t, Config{})
	h.poller.completer = failingCompleter{}
	h.insertEvent(t, toolEvent("sess-1", "Bash"))

	h.poller.tick(context.Background())

	sessions, _ := h.store.PendingSessions()
	if len(sessions) != 0 {
		t.Error("failed event left pending; would retry forever")
	}
	obs, _ := h.store.ObservationsBySession("sess-1")
	if len(obs) != 0 {
		t.Error("observation persisted despite provider failure")
	}
}

func TestSummarizeShutsDownAndPersistsSummary(t *testing.T) {
	h := newHarness(t, Config{}, summaryReply)
	h.insertEvent(t, store.PendingEvent{
		SessionID: "sess-1",
		EventType: store.EventSummarize,
		Project:   "alpha",
		Timestamp: time.Now().UnixMilli(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.poller.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Run only returned on timeout, not on summarize")
	}

	if _, err := os.Stat(h.lock); !os.IsNotExist(err) {
		t.Error("lock file survived shutdown")
	}

	// Run closed its store handle; reopen to inspect.
	st, err := store.NewSQLiteStore(h.dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	sum, err := st.GetSummary("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if sum == nil {
		t.Fatal("no summary persisted")
	}
	if sum.Request != "Fix the rate limiter" || sum.Project != "alpha" {
		t.Errorf("summary fields wrong: %+v", sum)
	}
	if len(sum.NextSteps) != 1 || sum.NextSteps[0] != "add jitter" {
		t.Errorf("next steps = %v", sum.NextSteps)
	}

	sessions, _ := st.PendingSessions()
	if len(sessions) != 0 {
		t.Error("summarize event left pending")
	}
}

func TestSummarizeShutsDownEvenWhenReplyGarbled(t *testing.T) {
	h := newHarness(t, Config{}, "I could not produce a summary, sorry.")
	h.insertEvent(t, store.PendingEvent{
		SessionID: "sess-1",
		EventType: store.EventSummarize,
		Project:   "alpha",
		Timestamp: time.Now().UnixMilli(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.poller.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("garbled summary reply must still shut the poller down")
	}

	st, err := store.NewSQLiteStore(h.dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if sum, err := st.GetSummary("sess-1"); err == nil {
		t.Errorf("garbled reply persisted a summary: %+v", sum)
	}
}

func TestSummarizeStopsBatchMidway(t *testing.T) {
	h := newHarness(t, Config{}, summaryReply)
	h.insertEvent(t, store.PendingEvent{
		SessionID: "sess-1",
		EventType: store.EventSummarize,
		Project:   "alpha",
		Timestamp: time.Now().UnixMilli(),
	})
	h.insertEvent(t, toolEvent("sess-1", "Bash"))

	h.poller.tick(context.Background())

	if !h.poller.shuttingDown {
		t.Fatal("summarize did not request shutdown")
	}
	// The trailing tool event stays pending for the next poller run.
	events, _ := h.store.PendingEvents("sess-1", 10)
	if len(events) != 1 || events[0].EventType != store.EventToolUse {
		t.Errorf("pending after shutdown = %+v", events)
	}
	if len(h.stub.Calls) != 1 {
		t.Errorf("model called %d times, want 1 (summary only)", len(h.stub.Calls))
	}
}

func TestRunRefusesSecondInstance(t *testing.T) {
	h := newHarness(t, Config{})
	if err := os.WriteFile(h.lock, []byte("1"), 0600); err != nil {
		t.Fatal(err)
	}

	err := h.poller.Run(context.Background())
	var conflict ErrAlreadyRunning
	if !errors.As(err, &conflict) {
		t.Fatalf("got %v, want ErrAlreadyRunning", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.poller.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if _, err := os.Stat(h.lock); !os.IsNotExist(err) {
		t.Error("lock file survived cancel")
	}
}
