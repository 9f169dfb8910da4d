// Package subscribe implements Subscription Delivery: per-session cursors
// over a Space-level commit fan-out, selector matching, coalescing, and the
// Active/Closing/Closed subscription lifecycle. It has no database
// dependency of its own — it is wired onto whatever emits ChangeEvents
// (internal/store.Space.Subscribe), keeping the selector vocabulary and
// delivery bookkeeping independent of the storage engine.
package subscribe

import (
	"sync"
)

// Selector decides whether an entity id is of interest to a subscription.
// The core selector vocabulary stays deliberately minimal — the real
// schema/graph selector language belongs to the traverser library this
// engine treats as an out-of-scope collaborator.
type Selector interface {
	Matches(id string) bool
}

// Wildcard matches every entity id.
type Wildcard struct{}

func (Wildcard) Matches(string) bool { return true }

// ByIDs matches exactly the entity ids in the set.
type ByIDs struct {
	ids map[string]struct{}
}

// NewByIDs builds a ByIDs selector over the given ids.
func NewByIDs(ids ...string) ByIDs {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return ByIDs{ids: m}
}

func (b ByIDs) Matches(id string) bool {
	_, ok := b.ids[id]
	return ok
}

// IDs returns the id set a ByIDs selector matches, for callers that need
// to enumerate rather than just test membership (e.g. resolving a query's
// candidate set directly instead of scanning every known id).
func (b ByIDs) IDs() []string {
	out := make([]string, 0, len(b.ids))
	for id := range b.ids {
		out = append(out, id)
	}
	return out
}

// State is the subscription lifecycle state.
type State int

const (
	Active State = iota
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// FactUpdate is one entity's resolved post-commit state, as delivered to a
// subscriber.
type FactUpdate struct {
	ID    string
	Value any
	Seq   int64
	Deleted bool
}

// Batch is one delivery to a subscriber: the commit that produced it plus
// the matching, coalesced fact updates.
type Batch struct {
	CommitHash string
	Seq        int64
	Updates    []FactUpdate
}

// CommitEvent is the input a Hub evaluates on every commit. Resolve is
// called lazily, only for facts that pass the selector, so a subscription
// with a narrow selector never pays to resolve facts nobody asked for.
type CommitEvent struct {
	CommitHash string
	Seq        int64
	Branch     string
	FactIDs    []string
	Resolve    func(id string) (value any, deleted bool, ok bool)
}

// Subscription is one session's live view: a selector, a branch, and the
// per-entity last-seq-delivered bookkeeping that lets delivery suppress
// facts already sent at or after their current seq.
type Subscription struct {
	mu sync.Mutex

	sel    Selector
	branch string

	state State

	lastSeqSent  int64
	perEntitySeq map[string]int64

	pending map[string]FactUpdate // coalescing buffer: id -> latest update since last flush
	out     chan Batch
}

// NewSubscription creates a Subscription over sel on branch. out is the
// channel Batches are delivered on. Hub.Dispatch sends on it synchronously,
// so a caller that does not drain it blocks Dispatch once the channel's
// buffer (if any) is full. The coalescing buffer holds at most one update
// per entity, each overwritten by its latest value.
func NewSubscription(sel Selector, branch string, out chan Batch) *Subscription {
	return &Subscription{
		sel:          sel,
		branch:       branch,
		state:        Active,
		perEntitySeq: make(map[string]int64),
		pending:      make(map[string]FactUpdate),
		out:          out,
	}
}

// State reports the subscription's current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Unsubscribe transitions Active -> Closing. The caller acknowledges with
// Close once any in-flight delivery has drained.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Active {
		s.state = Closing
	}
}

// Close transitions to Closed from any state, used for conn-lost,
// space-closed, and the ack following Unsubscribe.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Closed
}

// evaluate applies ev to this subscription: branch and selector filtering,
// per-entity suppression of already-delivered seqs, and coalescing into
// the pending buffer. Returns true if anything was buffered.
func (s *Subscription) evaluate(ev CommitEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active {
		return false
	}
	if s.branch != ev.Branch {
		return false
	}

	any := false
	for _, id := range ev.FactIDs {
		if !s.sel.Matches(id) {
			continue
		}
		if last, ok := s.perEntitySeq[id]; ok && last >= ev.Seq {
			continue
		}
		value, deleted, ok := ev.Resolve(id)
		if !ok {
			continue
		}
		s.pending[id] = FactUpdate{ID: id, Value: value, Seq: ev.Seq, Deleted: deleted}
		s.perEntitySeq[id] = ev.Seq
		any = true
	}
	if any {
		s.lastSeqSent = ev.Seq
	}
	return any
}

// flush drains the coalescing buffer into a Batch and sends it on out. If
// out is unbuffered or full, flush blocks; Hub.Dispatch calls it inline,
// so the block holds up the dispatch of that commit.
func (s *Subscription) flush(commitHash string, seq int64) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	updates := make([]FactUpdate, 0, len(s.pending))
	for _, u := range s.pending {
		updates = append(updates, u)
	}
	s.pending = make(map[string]FactUpdate)
	s.mu.Unlock()

	s.out <- Batch{CommitHash: commitHash, Seq: seq, Updates: updates}
}

// Hub is the Space-level listener every Subscription registers against: it
// implements cross-session fan-out, so a commit from any session is
// evaluated against every registered subscription. The Hub has no notion of
// sessions: the committing session's own matching subscriptions receive
// the commit as well.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Register adds sub to the fan-out set. The caller is responsible for
// calling Unregister once the subscription reaches Closed.
func (h *Hub) Register(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = struct{}{}
}

// Unregister removes sub from the fan-out set.
func (h *Hub) Unregister(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

// Dispatch evaluates ev against every registered subscription and flushes
// any that matched. Resolve is called per-subscription, lazily, only for
// ids that pass that
// subscription's own selector — a Hub with many narrowly-selected
// subscriptions does not pay to resolve facts nobody asked for, at the
// cost of re-resolving a fact multiple times if several subscriptions do
// want it. Callers with a hot path and a cheap Resolve (e.g. a closure
// over an already-fetched fact batch) are unaffected; a Resolve backed by
// its own cache absorbs the rest.
func (h *Hub) Dispatch(ev CommitEvent) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		if sub.State() == Closed {
			h.Unregister(sub)
			continue
		}
		if sub.evaluate(ev) {
			sub.flush(ev.CommitHash, ev.Seq)
		}
	}
}
