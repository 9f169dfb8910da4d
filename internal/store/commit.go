package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/kittclouds/memspace/pkg/patchops"
	"github.com/kittclouds/memspace/pkg/refhash"
)

// pendingOutcome records what the Commit Engine ultimately did with a
// pending local_seq from some session, so a later commit's pending-read
// validation (§4.6 step 2) can resolve it without the submitting session
// itself being consulted again.
type pendingOutcome struct {
	Accepted   bool
	CommitHash refhash.Ref
}

// sessionTracker is the per-session local_seq -> outcome mapping the
// Commit Engine consults to validate pending reads. It is process-local
// state, scoped to one Space, and is never persisted: a session that
// reconnects after a restart re-establishes its pending queue from
// scratch, which is consistent with pending commits being client-local by
// definition.
type sessionTracker struct {
	mu       sync.Mutex
	outcomes map[string]map[int64]pendingOutcome
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{outcomes: make(map[string]map[int64]pendingOutcome)}
}

func (t *sessionTracker) record(session string, localSeq int64, outcome pendingOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.outcomes[session]
	if !ok {
		m = make(map[int64]pendingOutcome)
		t.outcomes[session] = m
	}
	m[localSeq] = outcome
}

func (t *sessionTracker) lookup(session string, localSeq int64) (pendingOutcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.outcomes[session]
	if !ok {
		return pendingOutcome{}, false
	}
	o, ok := m[localSeq]
	return o, ok
}

// Transact is the Commit Engine: it validates the client's read set
// against current server state, assigns a Space-global seq, resolves
// parents, writes facts and values, updates heads, records the commit, and
// — once the transaction has committed — triggers snapshot materialization
// and notifies subscribers. Everything through head update runs inside one
// database transaction; any failure rolls the whole commit back.
func (s *Space) Transact(ctx context.Context, sessionID string, cc ClientCommit) (CommitResult, error) {
	result, branch, err := s.transactLocked(ctx, sessionID, cc)
	if err != nil {
		return CommitResult{}, err
	}

	// Post-commit work runs with the write lock released: MaybeSnapshot and
	// the notify fan-out may themselves read through ReadCurrent, which
	// takes s.mu, and a subscriber's Resolve callback may block on a slow
	// channel send — neither may happen while still holding the lock that
	// serializes the next commit.
	for _, f := range result.Facts {
		s.snapshot.MaybeSnapshot(ctx, s.db, branch, f.ID, result.Commit.Seq)
	}
	s.notify.fire(ChangeEvent{Commit: result.Commit, Facts: result.Facts})

	return result, nil
}

// transactLocked performs every step that must run under the per-Space
// write lock and inside the single database transaction: read validation,
// seq assignment, fact/head writes, and the commit record. It returns
// before any post-commit side effect that could itself need s.mu.
func (s *Space) transactLocked(ctx context.Context, sessionID string, cc ClientCommit) (CommitResult, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch := cc.Branch
	if branch == "" {
		branch = DefaultBranch
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, branch, &StorageError{Op: "commit.begin", Err: err}
	}
	defer tx.Rollback()

	if err := s.validateConfirmedReads(ctx, tx, branch, cc.Reads.Confirmed); err != nil {
		return CommitResult{}, branch, err
	}
	if err := s.validatePendingReads(sessionID, cc.Reads.Pending); err != nil {
		return CommitResult{}, branch, err
	}

	seq := s.seq + 1

	facts := make([]Fact, 0, len(cc.Operations))
	for _, op := range cc.Operations {
		if op.Kind == OpClaim {
			continue // claims are read-set assertions only; they produce no fact
		}

		parentHead, err := s.head.Resolve(ctx, tx, branch, op.ID)
		if err != nil {
			return CommitResult{}, branch, err
		}
		var parent refhash.Ref
		if parentHead != nil {
			parent = parentHead.FactHash
		}

		f := Fact{ID: op.ID, Branch: branch, Seq: seq}
		switch op.Kind {
		case OpSet:
			f.Type = FactSet
			ref, err := s.content.Put(ctx, tx, op.Value)
			if err != nil {
				return CommitResult{}, branch, err
			}
			f.ValueRef = ref
		case OpPatch:
			f.Type = FactPatch
			ref, err := s.content.Put(ctx, tx, encodePatchOps(op.Patches))
			if err != nil {
				return CommitResult{}, branch, err
			}
			f.OpsRef = ref
		case OpDelete:
			f.Type = FactDelete
			f.ValueRef = EmptyRef
		default:
			return CommitResult{}, branch, &InvariantError{Msg: fmt.Sprintf("unknown op kind %q", op.Kind)}
		}
		f.Parent = parent

		hash, err := f.ComputeHash()
		if err != nil {
			return CommitResult{}, branch, &StorageError{Op: "commit.hash", Err: err}
		}
		f.Hash = hash

		facts = append(facts, f)
	}

	commitHash, err := computeCommitHash(branch, seq, facts)
	if err != nil {
		return CommitResult{}, branch, &StorageError{Op: "commit.hash", Err: err}
	}
	for i := range facts {
		facts[i].CommitRef = commitHash
	}

	for _, f := range facts {
		if err := s.facts.Append(ctx, tx, f); err != nil {
			return CommitResult{}, branch, &StorageError{Op: "commit.appendfact", Err: err}
		}
		if err := s.head.Upsert(ctx, tx, Head{Branch: branch, ID: f.ID, FactHash: f.Hash, Seq: seq}); err != nil {
			return CommitResult{}, branch, err
		}
	}

	readsJSON, err := encodeReads(cc.Reads)
	if err != nil {
		return CommitResult{}, branch, &StorageError{Op: "commit.encodereads", Err: err}
	}
	now := time.Now().Unix()
	commit := Commit{Hash: commitHash, Seq: seq, Branch: branch, ReadsJSON: readsJSON, CreatedAt: now}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO "commit" (hash, seq, branch, reads, created_at) VALUES (?, ?, ?, ?, ?)
	`, string(commit.Hash), commit.Seq, commit.Branch, commit.ReadsJSON, commit.CreatedAt); err != nil {
		return CommitResult{}, branch, &StorageError{Op: "commit.insert", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE branch SET head_seq = ? WHERE name = ?`, seq, branch); err != nil {
		return CommitResult{}, branch, &StorageError{Op: "commit.headseq", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return CommitResult{}, branch, &StorageError{Op: "commit.tx", Err: err}
	}

	s.seq = seq
	if cc.LocalSeq != 0 {
		s.sessions.record(sessionID, cc.LocalSeq, pendingOutcome{Accepted: true, CommitHash: commitHash})
	}

	result := CommitResult{Commit: commit, Facts: facts}
	return result, branch, nil
}

// RejectPending marks a previously-submitted local_seq for session as
// rejected, so any later commit that read from it fails with
// CascadedRejection instead of being silently applied.
func (s *Space) RejectPending(sessionID string, localSeq int64) {
	s.sessions.record(sessionID, localSeq, pendingOutcome{Accepted: false})
}

func (s *Space) validateConfirmedReads(ctx context.Context, tx *sql.Tx, branch string, reads []ConfirmedRead) error {
	for _, r := range reads {
		h, err := s.head.Resolve(ctx, tx, branch, r.ID)
		if err != nil {
			return err
		}
		if h == nil {
			if r.Seq != 0 {
				return &ConflictError{ID: r.ID, ExpectedSeq: r.Seq, ActualSeq: 0}
			}
			continue
		}
		if r.Seq < h.Seq {
			value, _ := s.peekValue(ctx, tx, branch, r.ID, *h)
			return &ConflictError{ID: r.ID, ExpectedSeq: r.Seq, ActualSeq: h.Seq, ActualValue: value}
		}
	}
	return nil
}

// peekValue best-effort resolves the current value of id for inclusion in
// a Conflict payload, saving the client a round trip. A failure here must
// not mask the conflict itself, so errors are swallowed.
func (s *Space) peekValue(ctx context.Context, tx *sql.Tx, branch, id string, h Head) (any, error) {
	result, err := s.snapshot.readAtHeadCapped(ctx, tx, branch, id, h, h.Seq)
	if err != nil {
		return nil, err
	}
	if result.Status == StatusValue {
		return result.Value, nil
	}
	return nil, nil
}

func (s *Space) validatePendingReads(sessionID string, reads []PendingRead) error {
	for _, r := range reads {
		outcome, ok := s.sessions.lookup(sessionID, r.LocalSeq)
		if !ok {
			return &CascadedRejectionError{ID: r.ID, LocalSeq: r.LocalSeq}
		}
		if !outcome.Accepted {
			return &CascadedRejectionError{ID: r.ID, LocalSeq: r.LocalSeq}
		}
	}
	return nil
}

// encodePatchOps converts a patch operation list to the plain JSON-value
// shape the Content Store hashes and stores, mirroring patchops.Op's JSON
// tags field by field rather than round-tripping through encoding/json so
// the result is built from the same map[string]any/[]any vocabulary
// refhash canonicalizes.
func encodePatchOps(ops []patchops.Op) any {
	out := make([]any, 0, len(ops))
	for _, op := range ops {
		m := map[string]any{
			"op":   string(op.Op),
			"path": op.Path,
		}
		if op.Value != nil {
			m["value"] = op.Value
		}
		if op.From != "" {
			m["from"] = op.From
		}
		if op.Op == patchops.Splice {
			m["index"] = float64(op.Index)
			m["remove"] = float64(op.Remove)
			add := make([]any, len(op.Add))
			copy(add, op.Add)
			m["add"] = add
		}
		out = append(out, m)
	}
	return out
}

// computeCommitHash derives the commit's content hash from its logical
// content: the branch, seq, and the ordered set of fact hashes it produced.
func computeCommitHash(branch string, seq int64, facts []Fact) (refhash.Ref, error) {
	hashes := make([]any, len(facts))
	for i, f := range facts {
		hashes[i] = string(f.Hash)
	}
	return refhash.Of(map[string]any{
		"branch": branch,
		"seq":    seq,
		"facts":  hashes,
	})
}
