// Package poller drives the extraction pipeline: a single cooperative
// loop that pulls recorded events, asks the model to distill them, and
// persists the resulting observations. One tick runs to completion,
// external calls included, before the next is scheduled; ticks never
// overlap.
package poller

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/baleen37/memmem-sub003/internal/observe"
	"github.com/baleen37/memmem-sub003/internal/protocol"
	"github.com/baleen37/memmem-sub003/internal/provider"
	"github.com/baleen37/memmem-sub003/internal/ratelimit"
	"github.com/baleen37/memmem-sub003/internal/session"
	"github.com/baleen37/memmem-sub003/internal/store"
)

// digestSize bounds how many prior observation titles ride along in a
// tool-event envelope.
const digestSize = 10

// Indexer receives each persisted observation's embedding, satisfied by
// store.VectorIndex.
type Indexer interface {
	Add(ctx context.Context, id string, embedding []float32, content string) error
}

// Config carries the explicit knobs of the dispatch loop. SkipTools are
// doublestar glob patterns; matching tool events are marked processed
// with zero model interaction.
type Config struct {
	Interval  time.Duration
	BatchSize int
	SkipTools []string
	LockPath  string
}

// Poller owns the loop and every collaborator it dispatches to.
type Poller struct {
	cfg       Config
	store     store.Storage
	index     Indexer
	completer provider.Completer
	embedder  provider.Embedder
	llmLimit  *ratelimit.Limiter
	embLimit  *ratelimit.Limiter
	registry  *session.Registry
	obs       *observe.Observer
	now       func() time.Time

	// set by a summarize event; checked between events and ticks
	shuttingDown bool
}

func New(cfg Config, st store.Storage, index Indexer, completer provider.Completer,
	embedder provider.Embedder, llmLimit, embLimit *ratelimit.Limiter,
	registry *session.Registry, obs *observe.Observer) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Poller{
		cfg:       cfg,
		store:     st,
		index:     index,
		completer: completer,
		embedder:  embedder,
		llmLimit:  llmLimit,
		embLimit:  embLimit,
		registry:  registry,
		obs:       obs,
		now:       time.Now,
	}
}

// Run claims the instance lock and drives the loop until the context is
// cancelled or a summarize event requests shutdown. It owns the storage
// handle and the lock for its lifetime.
func (p *Poller) Run(ctx context.Context) error {
	if err := acquireLock(p.cfg.LockPath); err != nil {
		return err
	}
	defer func() {
		if err := p.store.Close(); err != nil {
			p.obs.Log().Warn().Err(err).Msg("failed to close store")
		}
		releaseLock(p.cfg.LockPath)
		p.obs.Log().Info().Msg("poller stopped")
	}()

	p.obs.Log().Info().
		Str("lock", p.cfg.LockPath).
		Int("batch", p.cfg.BatchSize).
		Msg("poller started")

	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// A termination signal only stops the next tick; any tick in
			// progress already ran to completion before this select.
			return nil
		case <-timer.C:
			p.tick(ctx)
			if p.shuttingDown {
				return nil
			}
			timer.Reset(p.cfg.Interval)
		}
	}
}

// tick runs one full pass. Failures at this level (e.g. storage
// unavailable) are logged and the loop carries on next tick.
func (p *Poller) tick(ctx context.Context) {
	ctx, span := p.obs.TickSpan(ctx)
	defer span.End()

	p.registry.EvictIdle(p.now())

	sessions, err := p.store.PendingSessions()
	if err != nil {
		p.obs.Log().Error().Err(err).Msg("failed to list pending sessions")
		return
	}

	for _, sessionID := range sessions {
		sctx, err := p.registry.GetOrCreate(sessionID)
		if err != nil {
			p.obs.Log().Error().Str("session", sessionID).Err(err).Msg("failed to open session context")
			continue
		}

		events, err := p.store.PendingEvents(sessionID, p.cfg.BatchSize)
		if err != nil {
			p.obs.Log().Error().Str("session", sessionID).Err(err).Msg("failed to pull pending events")
			continue
		}

		for i := range events {
			p.handleEvent(ctx, sctx, &events[i])
			if p.shuttingDown {
				return
			}
		}
	}
}

// handleEvent routes one event and always marks it processed, even when
// the handler fails: best-effort, at-most-once. The lost observation is
// logged at this boundary.
func (p *Poller) handleEvent(ctx context.Context, sctx *session.Context, ev *store.PendingEvent) {
	ctx, span := p.obs.EventSpan(ctx, ev.SessionID, ev.ToolName)
	defer span.End()

	p.registry.Touch(ev.SessionID)

	var err error
	switch ev.EventType {
	case store.EventToolUse:
		err = p.handleToolEvent(ctx, sctx, ev)
	case store.EventSummarize:
		err = p.handleSummarize(ctx, ev)
		// Shutdown follows a summarize event whatever its outcome.
		p.shuttingDown = true
	default:
		p.obs.Log().Warn().
			Str("session", ev.SessionID).
			Str("type", string(ev.EventType)).
			Msg("unknown event type")
	}
	if err != nil {
		p.obs.Log().Error().
			Str("session", ev.SessionID).
			Str("tool", ev.ToolName).
			Err(err).
			Msg("event handler failed")
	}

	if err := p.store.MarkProcessed(ev.ID); err != nil {
		p.obs.Log().Error().Int("event", int(ev.ID)).Err(err).Msg("failed to mark event processed")
	}
}

func (p *Poller) handleToolEvent(ctx context.Context, sctx *session.Context, ev *store.PendingEvent) error {
	if p.skipListed(ev.ToolName) {
		p.obs.Log().Debug().
			Str("session", ev.SessionID).
			Str("tool", ev.ToolName).
			Msg("tool on skip list")
		return nil
	}

	prior, err := p.store.ObservationsBySession(ev.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load prior observations: %w", err)
	}

	prompt := protocol.EncodeToolEvent(protocol.ToolEventRequest{
		ToolName:           ev.ToolName,
		ToolInput:          ev.ToolInput,
		ToolResponse:       ev.ToolResponse,
		CWD:                ev.CWD,
		Project:            ev.Project,
		RecentObservations: titleDigest(prior),
	})
	sctx.Append("user", prompt)

	p.llmLimit.Acquire()
	reply, err := p.completer.Complete(ctx, toMessages(sctx.History))
	if err != nil {
		return fmt.Errorf("completion failed: %w", err)
	}
	sctx.Append("assistant", reply)

	outcome := protocol.DecodeToolReply(reply, protocol.NewID(p.now()))
	if outcome.Skipped() {
		p.obs.Log().Debug().
			Str("session", ev.SessionID).
			Str("tool", ev.ToolName).
			Str("reason", outcome.SkipReason).
			Msg("no observation for event")
		return nil
	}

	obs := outcome.Observation
	obs.SessionID = ev.SessionID
	obs.Project = ev.Project
	obs.PromptNumber = sctx.NextPrompt()
	obs.Timestamp = ev.Timestamp
	obs.ToolName = ev.ToolName
	obs.CorrelationID = "evt-" + strconv.FormatInt(ev.ID, 10)
	obs.CreatedAt = p.now().UnixMilli()

	if err := p.store.InsertObservation(obs); err != nil {
		return fmt.Errorf("failed to persist observation: %w", err)
	}

	p.obs.Log().Info().
		Str("session", ev.SessionID).
		Str("id", obs.ID).
		Str("type", string(obs.Type)).
		Int("prompt", obs.PromptNumber).
		Msg("observation persisted")

	// Index for retrieval. A failure here is logged, not fatal: the
	// row stays findable by id.
	p.embLimit.Acquire()
	vec, err := p.embedder.Embed(ctx, embeddingText(obs))
	if err != nil {
		p.obs.Log().Warn().Str("id", obs.ID).Err(err).Msg("failed to embed observation")
		return nil
	}
	if err := p.index.Add(ctx, obs.ID, vec, obs.Title); err != nil {
		p.obs.Log().Warn().Str("id", obs.ID).Err(err).Msg("failed to index observation")
	}
	return nil
}

// handleSummarize builds one standalone prompt from the session's
// observation digest; accumulated history is never concatenated in.
func (p *Poller) handleSummarize(ctx context.Context, ev *store.PendingEvent) error {
	all, err := p.store.ObservationsBySession(ev.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load session observations: %w", err)
	}

	prompt := protocol.EncodeSummaryRequest(protocol.SummaryRequest{
		SessionID:    ev.SessionID,
		Project:      ev.Project,
		Observations: narrativeDigest(all),
	})

	p.llmLimit.Acquire()
	reply, err := p.completer.Complete(ctx, []provider.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return fmt.Errorf("summary completion failed: %w", err)
	}

	sum := protocol.DecodeSummaryReply(reply, protocol.NewID(p.now()))
	if sum == nil {
		p.obs.Log().Warn().Str("session", ev.SessionID).Msg("reply carried no summary")
		return nil
	}

	sum.SessionID = ev.SessionID
	sum.Project = ev.Project
	sum.CreatedAt = p.now().UnixMilli()
	if err := p.store.UpsertSummary(sum); err != nil {
		return fmt.Errorf("failed to persist summary: %w", err)
	}

	p.obs.Log().Info().Str("session", ev.SessionID).Str("id", sum.ID).Msg("session summary persisted")
	return nil
}

func (p *Poller) skipListed(toolName string) bool {
	for _, pattern := range p.cfg.SkipTools {
		if ok, err := doublestar.Match(pattern, toolName); err == nil && ok {
			return true
		}
	}
	return false
}

func toMessages(history []session.Turn) []provider.Message {
	msgs := make([]provider.Message, len(history))
	for i, t := range history {
		msgs[i] = provider.Message{Role: t.Role, Content: t.Content}
	}
	return msgs
}

// titleDigest compacts prior observations into title/subtitle lines for
// the tool-event envelope, newest last, capped at digestSize.
func titleDigest(prior []store.Observation) []string {
	if len(prior) > digestSize {
		prior = prior[len(prior)-digestSize:]
	}
	lines := make([]string, 0, len(prior))
	for _, o := range prior {
		line := o.Title
		if o.Subtitle != "" {
			line += " — " + o.Subtitle
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// narrativeDigest compacts every observation of a session into
// "title: narrative" lines for the summary request.
func narrativeDigest(all []store.Observation) []string {
	lines := make([]string, 0, len(all))
	for _, o := range all {
		line := o.Title
		if o.Narrative != "" {
			line += ": " + o.Narrative
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// embeddingText flattens the fields worth searching into one string.
func embeddingText(o *store.Observation) string {
	parts := []string{o.Title, o.Subtitle, o.Narrative}
	parts = append(parts, o.Facts...)
	parts = append(parts, o.Concepts...)
	parts = append(parts, o.FilesRead...)
	parts = append(parts, o.FilesModified...)

	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}
