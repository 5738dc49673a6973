// Package session tracks in-memory conversation state for each active
// recording session. A context accumulates the prompt/reply turns sent
// to the model and the per-session prompt counter. Contexts are cheap
// and disposable: eviction only drops memory, never persisted rows.
package session

import (
	"sync"
	"time"
)

// DefaultIdleTimeout is how long a session may go untouched before the
// next eviction pass removes it.
const DefaultIdleTimeout = 30 * time.Minute

// initTurn seeds every new context so the model always sees the same
// framing before the first event envelope.
const initTurn = "You are observing a developer's coding session. Each message " +
	"describes one tool invocation. Distill anything worth remembering into " +
	"the tagged reply format you were given; reply with a skip block when " +
	"nothing meaningful happened."

// Turn is one entry of a session's conversation history.
type Turn struct {
	Role    string
	Content string
}

// Context holds the mutable state for one session.
type Context struct {
	SessionID    string
	History      []Turn
	LastActivity time.Time
	PromptCount  int
}

// NextPrompt advances and returns the session's prompt counter.
func (c *Context) NextPrompt() int {
	c.PromptCount++
	return c.PromptCount
}

// Append adds a turn to the session history.
func (c *Context) Append(role, content string) {
	c.History = append(c.History, Turn{Role: role, Content: content})
}

// PromptCounts resumes prompt counters across restarts. Implemented by
// the store: the maximum promptNumber already persisted for a session.
type PromptCounts interface {
	MaxPromptNumber(sessionID string) (int, error)
}

// Registry owns all live contexts. It is created by the poller and
// passed by reference into tick logic; there is no package-level state.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*Context
	counts      PromptCounts
	idleTimeout time.Duration
	now         func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithIdleTimeout overrides the 30 minute default.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry. counts may be nil, in which
// case prompt numbering starts at zero for every session.
func NewRegistry(counts PromptCounts, opts ...Option) *Registry {
	r := &Registry{
		sessions:    make(map[string]*Context),
		counts:      counts,
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the live context for a session, creating one on
// first sight. New contexts are seeded with the fixed initialization
// turn and resume their prompt counter from the maximum promptNumber
// already persisted, so numbering stays strictly increasing across
// process restarts.
func (r *Registry) GetOrCreate(sessionID string) (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ctx, ok := r.sessions[sessionID]; ok {
		return ctx, nil
	}

	resumed := 0
	if r.counts != nil {
		max, err := r.counts.MaxPromptNumber(sessionID)
		if err != nil {
			return nil, err
		}
		resumed = max
	}

	ctx := &Context{
		SessionID:    sessionID,
		History:      []Turn{{Role: "user", Content: initTurn}},
		LastActivity: r.now(),
		PromptCount:  resumed,
	}
	r.sessions[sessionID] = ctx
	return ctx, nil
}

// Touch refreshes a session's idle clock. Unknown ids are ignored.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ctx, ok := r.sessions[sessionID]; ok {
		ctx.LastActivity = r.now()
	}
}

// EvictIdle drops every context idle longer than the timeout and
// returns the ids removed. Persisted data is untouched.
func (r *Registry) EvictIdle(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, ctx := range r.sessions {
		if now.Sub(ctx.LastActivity) > r.idleTimeout {
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// ActiveIDs returns the ids of all live contexts.
func (r *Registry) ActiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len reports the number of live contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
