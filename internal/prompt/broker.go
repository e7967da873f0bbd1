// Package prompt implements the Prompt Broker (C6): a synchronous
// approval queue that sandbox sidecars (file-access guards, SSH-signing
// proxies, network proxies) call into and block on, while connected UIs
// see pending prompts arrive over a broadcast fan-out and answer them.
package prompt

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/byteowlz/sessiond/internal/domain"
)

// broadcastCapacity bounds how many buffered prompt events a slow
// subscriber can lag behind before it starts missing updates.
const broadcastCapacity = 64

// cleanupInterval is how often the background sweep checks for prompts
// that have expired without a response, and evicts stale cache entries.
const cleanupInterval = 5 * time.Second

// retentionWindow is how long an already-resolved prompt stays in the
// pending map, counted from its creation, for audit/inspection purposes.
const retentionWindow = time.Hour

// sessionApprovalTTL is how long an allow-session response grants
// standing approval for the same (source, resource) pair.
const sessionApprovalTTL = 8 * time.Hour

const defaultTimeout = 60 * time.Second

// Request is what a sidecar submits to request approval.
type Request struct {
	Source      string
	Kind        string
	Resource    string
	Description string
	Context     map[string]string
	Timeout     time.Duration
	Workspace   string
	Session     string
}

// EventType distinguishes the broadcast messages a Broker emits.
type EventType string

const (
	EventCreated   EventType = "created"
	EventResponded EventType = "responded"
	EventTimedOut  EventType = "timed_out"
	EventCancelled EventType = "cancelled"
	EventSync      EventType = "sync"
)

// Event is broadcast to subscribers whenever a prompt's state changes.
type Event struct {
	Type     EventType
	Prompt   *domain.Prompt  // set on Created, and on Sync alongside Prompts
	PromptID string          // set on Responded, TimedOut, Cancelled
	Action   domain.PromptAction
	Prompts  []*domain.Prompt // set on Sync
}

type pending struct {
	prompt     *domain.Prompt
	responseCh chan domain.PromptResponse
}

// Broker queues approval requests, blocks the caller until a response or
// timeout arrives, and fans out state changes to subscribed viewers.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending
	cache   map[domain.ApprovalCacheKey]domain.ApprovalCacheEntry

	subMu sync.Mutex
	subs  map[chan Event]struct{}

	defaultTimeout time.Duration

	now func() time.Time
}

// NewBroker constructs a Broker and starts its background cleanup loop.
// The loop stops when ctx is cancelled.
func NewBroker(ctx context.Context) *Broker {
	b := &Broker{
		pending:        make(map[string]*pending),
		cache:          make(map[domain.ApprovalCacheKey]domain.ApprovalCacheEntry),
		subs:           make(map[chan Event]struct{}),
		defaultTimeout: defaultTimeout,
		now:            time.Now,
	}
	go b.cleanupLoop(ctx)
	return b
}

// Subscribe registers a new viewer and returns a channel of events plus an
// unsubscribe func. The channel is buffered; a caller that falls behind
// stops receiving further events but the Broker never blocks on it.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, broadcastCapacity)
	b.subMu.Lock()
	b.subs[ch] = struct{}{}
	b.subMu.Unlock()

	unsubscribe := func() {
		b.subMu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.subMu.Unlock()
	}
	return ch, unsubscribe
}

func (b *Broker) broadcast(ev Event) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ListPending returns all prompts currently awaiting a response.
func (b *Broker) ListPending() []*domain.Prompt {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make([]*domain.Prompt, 0, len(b.pending))
	for _, p := range b.pending {
		if p.prompt.Status == domain.PromptPending && now.Before(p.prompt.ExpiresAt) {
			out = append(out, p.prompt)
		}
	}
	return out
}

// Get returns a specific prompt by ID.
func (b *Broker) Get(id string) (*domain.Prompt, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return nil, false
	}
	return p.prompt, true
}

// IsApproved reports whether (source, resource) is already covered by a
// standing session approval.
func (b *Broker) IsApproved(source, resource string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.cache[domain.ApprovalCacheKey{Source: source, Resource: resource}]
	return ok && entry.Live(b.now())
}

// ClearCache removes every standing session approval.
func (b *Broker) ClearCache() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = make(map[domain.ApprovalCacheKey]domain.ApprovalCacheEntry)
}

// Request blocks until the prompt is answered, times out, or ctx is
// cancelled, returning the resulting response. A cache hit for
// (req.Source, req.Resource) short-circuits straight to an AllowSession
// response without creating a pending prompt at all.
func (b *Broker) Request(ctx context.Context, req Request) (domain.PromptResponse, error) {
	if b.IsApproved(req.Source, req.Resource) {
		return domain.PromptResponse{Action: domain.ActionAllowSession, RespondedAt: b.now()}, nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	now := b.now()
	p := &domain.Prompt{
		ID:          generatePromptID(),
		Source:      req.Source,
		Kind:        req.Kind,
		Resource:    req.Resource,
		Description: req.Description,
		Context:     req.Context,
		Workspace:   req.Workspace,
		Session:     req.Session,
		CreatedAt:   now,
		ExpiresAt:   now.Add(timeout),
		Status:      domain.PromptPending,
	}

	respCh := make(chan domain.PromptResponse, 1)

	b.mu.Lock()
	b.pending[p.ID] = &pending{prompt: p, responseCh: respCh}
	b.mu.Unlock()

	b.broadcast(Event{Type: EventCreated, Prompt: p})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		b.mu.Lock()
		cancelled := p.Status == domain.PromptCancelled
		b.mu.Unlock()
		if cancelled {
			return domain.PromptResponse{}, fmt.Errorf("prompt %s cancelled", p.ID)
		}
		if resp.Action == domain.ActionAllowSession {
			b.cacheApproval(req.Source, req.Resource)
		}
		return resp, nil
	case <-timer.C:
		b.markTimedOut(p.ID)
		return domain.PromptResponse{}, fmt.Errorf("prompt %s timed out", p.ID)
	case <-ctx.Done():
		b.markCancelled(p.ID)
		return domain.PromptResponse{}, ctx.Err()
	}
}

// Respond answers a pending prompt. Called from the side that owns the
// connected UI, not the blocked Request caller.
func (b *Broker) Respond(id string, action domain.PromptAction) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("prompt not found: %s", id)
	}
	if p.prompt.Status != domain.PromptPending {
		b.mu.Unlock()
		return fmt.Errorf("prompt already handled: %s", id)
	}
	resp := domain.PromptResponse{Action: action, RespondedAt: b.now()}
	p.prompt.Status = domain.PromptResponded
	p.prompt.Response = &resp
	b.mu.Unlock()

	select {
	case p.responseCh <- resp:
	default:
	}

	b.broadcast(Event{Type: EventResponded, PromptID: id, Action: action})
	return nil
}

// Cancel marks a pending prompt as cancelled, waking its blocked Request
// caller with an error.
func (b *Broker) Cancel(id string) {
	b.mu.Lock()
	p, ok := b.pending[id]
	wasPending := ok && p.prompt.Status == domain.PromptPending
	b.mu.Unlock()
	b.markCancelled(id)
	if wasPending {
		select {
		case p.responseCh <- domain.PromptResponse{}:
		default:
		}
	}
}

func (b *Broker) markTimedOut(id string) {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok && p.prompt.Status == domain.PromptPending {
		p.prompt.Status = domain.PromptTimedOut
	}
	b.mu.Unlock()
	if ok {
		b.broadcast(Event{Type: EventTimedOut, PromptID: id})
	}
}

func (b *Broker) markCancelled(id string) {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok && p.prompt.Status == domain.PromptPending {
		p.prompt.Status = domain.PromptCancelled
	}
	b.mu.Unlock()
	if ok {
		b.broadcast(Event{Type: EventCancelled, PromptID: id})
	}
}

func (b *Broker) cacheApproval(source, resource string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache[domain.ApprovalCacheKey{Source: source, Resource: resource}] = domain.ApprovalCacheEntry{
		ExpiresAt: b.now().Add(sessionApprovalTTL),
	}
}

func (b *Broker) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Broker) sweep() {
	now := b.now()

	b.mu.Lock()
	var expired []string
	for id, p := range b.pending {
		if p.prompt.Status == domain.PromptPending && now.After(p.prompt.ExpiresAt) {
			p.prompt.Status = domain.PromptTimedOut
			expired = append(expired, id)
		}
	}
	cutoff := now.Add(-retentionWindow)
	for id, p := range b.pending {
		if p.prompt.Status != domain.PromptPending && p.prompt.CreatedAt.Before(cutoff) {
			delete(b.pending, id)
		}
	}
	for key, entry := range b.cache {
		if !entry.Live(now) {
			delete(b.cache, key)
		}
	}
	b.mu.Unlock()

	for _, id := range expired {
		b.broadcast(Event{Type: EventTimedOut, PromptID: id})
	}
}

var promptAdjectives = []string{"red", "blue", "green", "swift", "calm", "bold", "warm", "cool"}
var promptNouns = []string{"hawk", "bear", "wolf", "deer", "lion", "fish", "frog", "owl"}

// generatePromptID returns a short, human-friendly id like "swift-owl-482",
// easy to read aloud or match against a UI toast without truncation.
func generatePromptID() string {
	adj := promptAdjectives[rand.Intn(len(promptAdjectives))]
	noun := promptNouns[rand.Intn(len(promptNouns))]
	num := 100 + rand.Intn(899)
	return fmt.Sprintf("%s-%s-%d", adj, noun, num)
}
