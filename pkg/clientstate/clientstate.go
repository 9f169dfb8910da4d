// Package clientstate implements the optimistic client-side state machine
// that sits in front of a Space: two tiers, Confirmed and Pending, a
// pending-first read path, and synchronous commit/revert/integrate
// notifications to a scheduler. It never talks to a database directly — a
// Transactor (typically *store.Space, kept decoupled here so this package
// has no SQLite dependency of its own) resolves commits, and Machine
// applies the optimistic local diff before the round trip completes.
package clientstate

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Notification is the payload the scheduler receives for commit, revert,
// and integrate events. Diffs map entity id to its before/after pair; for
// an entity not previously known, Before is the Unset sentinel.
type Notification struct {
	Kind  NotificationKind
	Diffs map[string]Diff
}

// NotificationKind distinguishes the three notification shapes a Listener
// can receive.
type NotificationKind int

const (
	// NotifyCommit fires synchronously when a pending commit is appended,
	// with the diffs optimistically applied in the synchronous write phase.
	NotifyCommit NotificationKind = iota
	// NotifyRevert fires when a pending commit is rejected by the server,
	// carrying the diffs needed to roll the local view back.
	NotifyRevert
	// NotifyIntegrate fires when an external subscription update lands for
	// an entity that is not currently pending.
	NotifyIntegrate
)

// Unset marks an entity as having no prior known value, distinguishing
// "created" from "overwritten" in a Diff.
type Unset struct{}

// Diff is one entity's before/after pair for a notification.
type Diff struct {
	Before any
	After  any
}

// Listener receives state machine notifications. Registered via
// Machine.Subscribe; called synchronously on the goroutine driving Commit,
// Accept, Reject, or Integrate, matching the spec's single-threaded
// cooperative scheduling model.
type Listener interface {
	Notify(Notification)
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(Notification)

func (f ListenerFunc) Notify(n Notification) { f(n) }

// Op mirrors store.UserOp without importing internal/store, so this
// package stays usable against any Transactor implementation.
type Op struct {
	Kind    OpKind
	ID      string
	Value   any
	Patches []PatchOp
}

// OpKind enumerates the four user-operation shapes.
type OpKind int

const (
	OpSet OpKind = iota
	OpPatch
	OpDelete
	OpClaim
)

// PatchOp is the minimal shape Machine needs to apply a patch locally:
// enough to mirror pkg/patchops.Op without a direct dependency, since the
// caller supplies whichever patch engine it wants as the PatchApplier
// passed to NewMachine.
type PatchOp struct {
	Kind  string
	Path  string
	Value any
	From  string
	Index int
	Remove int
	Add   []any
}

// PendingCommit is one outstanding, unresolved commit.
type PendingCommit struct {
	LocalSeq   int64
	Ops        []Op
	Before     map[string]any // per-entity value before this commit, for revert
	After      map[string]any // per-entity optimistic value after this commit
	Deleted    map[string]bool
	ConfirmedReads []ConfirmedRead
	PendingReads   []PendingRead
}

// ConfirmedRead and PendingRead mirror store.ConfirmedRead/PendingRead.
type ConfirmedRead struct {
	ID  string
	Seq int64
}

type PendingRead struct {
	ID       string
	LocalSeq int64
}

// entity tracks the Confirmed tier's knowledge of one id.
type entity struct {
	seq     int64
	value   any
	known   bool
	deleted bool
}

// PatchApplier applies a patch op list to a base value, used by Machine to
// compute the optimistic local view for OpPatch without depending on a
// specific patch package.
type PatchApplier func(base any, ops []PatchOp) (any, error)

// Machine is one session's client-side state machine against one branch of
// one Space. It is not safe for concurrent commit() calls from multiple
// goroutines without external synchronization beyond its own mutex holding
// invariants — the spec's single-threaded cooperative model assumes one
// scheduler drives it.
type Machine struct {
	mu sync.Mutex

	sessionID string
	branch    string
	applyPatch PatchApplier

	confirmed map[string]*entity
	pending   []*PendingCommit
	nextLocal int64

	listeners []Listener
}

// NewMachine creates a Machine for one session against branch, using
// applyPatch to compute the optimistic local result of a Patch op.
func NewMachine(branch string, applyPatch PatchApplier) *Machine {
	if branch == "" {
		branch = ""
	}
	return &Machine{
		sessionID:  uuid.NewString(),
		branch:     branch,
		applyPatch: applyPatch,
		confirmed:  make(map[string]*entity),
		nextLocal:  0,
	}
}

// SessionID returns the session identifier this Machine submits commits
// under, used as the Transactor's pending-read correlation key.
func (m *Machine) SessionID() string { return m.sessionID }

// Subscribe registers l to receive commit/revert/integrate notifications.
func (m *Machine) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Machine) fire(n Notification) {
	for _, l := range m.listeners {
		l.Notify(n)
	}
}

// Read resolves id's current value by inspecting the pending queue
// newest-first and falling back to the confirmed tier. This precedence is
// load-bearing: a stale confirmed read while a pending write exists would
// make a dependent commit's confirmed-read conflict spuriously.
func (m *Machine) Read(id string) (value any, exists bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read(id)
}

func (m *Machine) read(id string) (any, bool) {
	for i := len(m.pending) - 1; i >= 0; i-- {
		pc := m.pending[i]
		if pc.Deleted[id] {
			return nil, false
		}
		if v, ok := pc.After[id]; ok {
			return v, true
		}
	}
	e, ok := m.confirmed[id]
	if !ok || e.deleted {
		return nil, false
	}
	return e.value, true
}

// readWithReadSet resolves id and additionally reports the read-set entry
// it should contribute: a ConfirmedRead if resolved from the confirmed
// tier (or never seen), or a PendingRead if resolved from a pending commit.
func (m *Machine) readWithReadSet(id string) (value any, exists bool, confirmed *ConfirmedRead, pending *PendingRead) {
	for i := len(m.pending) - 1; i >= 0; i-- {
		pc := m.pending[i]
		if pc.Deleted[id] {
			return nil, false, nil, &PendingRead{ID: id, LocalSeq: pc.LocalSeq}
		}
		if v, ok := pc.After[id]; ok {
			return v, true, nil, &PendingRead{ID: id, LocalSeq: pc.LocalSeq}
		}
	}
	e, ok := m.confirmed[id]
	if !ok {
		return nil, false, &ConfirmedRead{ID: id, Seq: 0}, nil
	}
	if e.deleted {
		return nil, false, &ConfirmedRead{ID: id, Seq: e.seq}, nil
	}
	return e.value, true, &ConfirmedRead{ID: id, Seq: e.seq}, nil
}

// Commit runs the synchronous write-path phase: it resolves reads against
// the local tiers, computes each op's optimistic result, builds the
// read-set, appends a PendingCommit with a fresh local_seq, and fires the
// commit notification before returning. It does not talk to the server;
// the caller submits the returned PendingCommit to a Transactor and calls
// Accept or Reject with the result.
func (m *Machine) Commit(ops []Op) (*PendingCommit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pc := &PendingCommit{
		Before:  make(map[string]any),
		After:   make(map[string]any),
		Deleted: make(map[string]bool),
	}

	diffs := make(map[string]Diff)

	for _, op := range ops {
		before, existed := m.read(op.ID)
		var beforeVal any = Unset{}
		if existed {
			beforeVal = before
		}

		switch op.Kind {
		case OpClaim:
			// read-set assertion only; current seq (or 0) is implicit in the
			// ConfirmedRead/PendingRead captured below.
		case OpSet:
			pc.After[op.ID] = op.Value
			diffs[op.ID] = Diff{Before: beforeVal, After: op.Value}
		case OpPatch:
			if m.applyPatch == nil {
				return nil, fmt.Errorf("clientstate: patch op on %q requires a PatchApplier", op.ID)
			}
			result, err := m.applyPatch(before, op.Patches)
			if err != nil {
				return nil, fmt.Errorf("clientstate: apply patch to %q: %w", op.ID, err)
			}
			pc.After[op.ID] = result
			diffs[op.ID] = Diff{Before: beforeVal, After: result}
		case OpDelete:
			pc.Deleted[op.ID] = true
			diffs[op.ID] = Diff{Before: beforeVal, After: Unset{}}
		default:
			return nil, fmt.Errorf("clientstate: unknown op kind %d", op.Kind)
		}

		_, _, cr, pr := m.readWithReadSet(op.ID)
		if cr != nil {
			pc.ConfirmedReads = append(pc.ConfirmedReads, *cr)
		}
		if pr != nil {
			pc.PendingReads = append(pc.PendingReads, *pr)
		}
		pc.Before[op.ID] = beforeVal
		pc.Ops = append(pc.Ops, op)
	}

	m.nextLocal++
	pc.LocalSeq = m.nextLocal
	m.pending = append(m.pending, pc)

	m.fire(Notification{Kind: NotifyCommit, Diffs: diffs})
	return pc, nil
}

// Accept processes a server acceptance of the pending commit identified by
// localSeq: entities whose pending value matches serverValues are silently
// promoted into Confirmed at newSeq; entities where the server's value
// differs are overwritten with the server's value (the commit notification
// already informed the scheduler, so no further notification fires here).
// The resolved commit is removed from the pending queue. serverValues maps
// entity id to the server's authoritative post-commit value (absent for a
// deleted entity).
func (m *Machine) Accept(ctx context.Context, localSeq int64, newSeq int64, serverValues map[string]any, serverDeleted map[string]bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, pc := m.findPending(localSeq)
	if pc == nil {
		return fmt.Errorf("clientstate: accept for unknown local_seq %d", localSeq)
	}

	for id := range pc.After {
		if serverDeleted[id] {
			m.confirmed[id] = &entity{seq: newSeq, deleted: true}
			continue
		}
		v, ok := serverValues[id]
		if !ok {
			v = pc.After[id]
		}
		m.confirmed[id] = &entity{seq: newSeq, value: v}
	}
	for id := range pc.Deleted {
		m.confirmed[id] = &entity{seq: newSeq, deleted: true}
	}

	m.removePending(idx)
	return nil
}

// Reject processes a server rejection of the pending commit identified by
// localSeq: it fires a revert notification synchronously (skipping any
// entity already superseded by a later still-pending write, yielding a
// partial revert), then cascade-rejects every later pending commit that
// read from this one, directly or transitively.
func (m *Machine) Reject(localSeq int64, reason error) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, pc := m.findPending(localSeq)
	if pc == nil {
		return nil
	}

	diffs := make(map[string]Diff)
	for id, before := range pc.Before {
		if m.supersededByLater(idx, id) {
			continue
		}
		var after any = Unset{}
		if e, ok := m.confirmed[id]; ok && !e.deleted {
			after = e.value
		}
		diffs[id] = Diff{Before: pc.After[id], After: after}
		_ = before
	}
	m.fire(Notification{Kind: NotifyRevert, Diffs: diffs})

	rejected := []int64{localSeq}
	m.removePending(idx)

	// Cascade: every remaining pending commit that read localSeq as a
	// PendingRead depended on it and must also be rejected.
	cascaded := m.cascadeReject(localSeq)
	rejected = append(rejected, cascaded...)
	return rejected
}

// cascadeReject removes and reports every pending commit (transitively)
// dependent on rejectedLocalSeq via a PendingRead, firing a revert for each.
func (m *Machine) cascadeReject(rejectedLocalSeq int64) []int64 {
	var out []int64
	rejected := map[int64]bool{rejectedLocalSeq: true}
	for {
		found := -1
		for i, pc := range m.pending {
			for _, r := range pc.PendingReads {
				if rejected[r.LocalSeq] {
					found = i
					break
				}
			}
			if found >= 0 {
				break
			}
		}
		if found < 0 {
			return out
		}
		pc := m.pending[found]
		diffs := make(map[string]Diff)
		for id := range pc.After {
			if m.supersededByLater(found, id) {
				continue
			}
			var after any = Unset{}
			if e, ok := m.confirmed[id]; ok && !e.deleted {
				after = e.value
			}
			diffs[id] = Diff{Before: pc.After[id], After: after}
		}
		m.fire(Notification{Kind: NotifyRevert, Diffs: diffs})
		out = append(out, pc.LocalSeq)
		rejected[pc.LocalSeq] = true
		m.removePending(found)
	}
}

// supersededByLater reports whether a pending commit after index idx also
// writes id, meaning a revert of idx's write to id must be skipped (the
// later write already owns id's optimistic value).
func (m *Machine) supersededByLater(idx int, id string) bool {
	for i := idx + 1; i < len(m.pending); i++ {
		if _, ok := m.pending[i].After[id]; ok {
			return true
		}
		if m.pending[i].Deleted[id] {
			return true
		}
	}
	return false
}

func (m *Machine) findPending(localSeq int64) (int, *PendingCommit) {
	for i, pc := range m.pending {
		if pc.LocalSeq == localSeq {
			return i, pc
		}
	}
	return -1, nil
}

func (m *Machine) removePending(idx int) {
	m.pending = append(m.pending[:idx], m.pending[idx+1:]...)
}

// Integrate applies an external subscription update for id: if id is
// currently in the pending tier, the update is suppressed (the pending
// commit must resolve first); otherwise the confirmed tier is updated and
// an integrate notification fires.
func (m *Machine) Integrate(id string, seq int64, value any, deleted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pc := range m.pending {
		if _, ok := pc.After[id]; ok {
			return
		}
		if pc.Deleted[id] {
			return
		}
	}

	var before any = Unset{}
	if e, ok := m.confirmed[id]; ok && !e.deleted {
		before = e.value
	}

	var after any = Unset{}
	if deleted {
		m.confirmed[id] = &entity{seq: seq, deleted: true}
	} else {
		m.confirmed[id] = &entity{seq: seq, value: value}
		after = value
	}

	m.fire(Notification{Kind: NotifyIntegrate, Diffs: map[string]Diff{id: {Before: before, After: after}}})
}

// PendingCount reports how many commits are currently unresolved, used by
// callers deciding whether to throttle new submits.
func (m *Machine) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
