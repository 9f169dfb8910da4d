package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kittclouds/memspace/pkg/patchops"
	"github.com/kittclouds/memspace/pkg/refhash"
	"github.com/rs/zerolog"

	"github.com/kittclouds/memspace/internal/logging"
)

// ReadStatus classifies the result of a current or point-in-time read.
type ReadStatus int

const (
	StatusNeverExisted ReadStatus = iota
	StatusDeleted
	StatusValue
)

// ReadResult is the outcome of reading an entity: either it never existed,
// was deleted, or holds a value.
type ReadResult struct {
	Status ReadStatus
	Value  any
	Seq    int64
}

// snapshotEngine accelerates reads by replaying at most SnapshotInterval
// patches on top of the nearest base (a snapshot or a Set fact), and
// materializes new snapshots in the background of a commit once enough
// patches have accumulated since the last one.
type snapshotEngine struct {
	content *contentStore
	facts   *factLog
	branch  *branchManager
	head    *headIndex
	cfg     EngineConfig
	log     zerolog.Logger
}

func newSnapshotEngine(content *contentStore, facts *factLog, branch *branchManager, head *headIndex, cfg EngineConfig) *snapshotEngine {
	return &snapshotEngine{content: content, facts: facts, branch: branch, head: head, cfg: cfg, log: logging.WithComponent("snapshot")}
}

// ReadCurrent implements the read-current algorithm: resolve the head,
// load its fact, and for Set/Delete return directly; for Patch, replay
// from the nearest base.
func (s *snapshotEngine) ReadCurrent(ctx context.Context, exec interface {
	execer
	queryer
}, branch, id string) (ReadResult, error) {
	h, err := s.head.Resolve(ctx, exec, branch, id)
	if err != nil {
		return ReadResult{}, err
	}
	if h == nil {
		return ReadResult{Status: StatusNeverExisted}, nil
	}
	return s.readAtHead(ctx, exec, branch, id, *h)
}

// PointInTime replaces the live head with the head as of targetSeq,
// reconstructed by scanning branch-visible history, and proceeds as in
// ReadCurrent from there.
func (s *snapshotEngine) PointInTime(ctx context.Context, exec interface {
	execer
	queryer
}, branch, id string, targetSeq int64) (ReadResult, error) {
	visible, err := s.branch.visibleBranches(ctx, exec, branch, targetSeq)
	if err != nil {
		return ReadResult{}, err
	}
	f, ok, err := s.facts.Latest(ctx, exec, id, visible)
	if err != nil {
		return ReadResult{}, err
	}
	if !ok {
		return ReadResult{Status: StatusNeverExisted}, nil
	}
	h := Head{Branch: f.Branch, ID: id, FactHash: f.Hash, Seq: f.Seq}
	return s.readAtHeadCapped(ctx, exec, branch, id, h, targetSeq)
}

func (s *snapshotEngine) readAtHead(ctx context.Context, exec interface {
	execer
	queryer
}, branch, id string, h Head) (ReadResult, error) {
	return s.readAtHeadCapped(ctx, exec, branch, id, h, h.Seq)
}

func (s *snapshotEngine) readAtHeadCapped(ctx context.Context, exec interface {
	execer
	queryer
}, branch, id string, h Head, capSeq int64) (ReadResult, error) {
	f, err := s.facts.Get(ctx, exec, h.FactHash)
	if err != nil {
		return ReadResult{}, err
	}

	switch f.Type {
	case FactDelete:
		return ReadResult{Status: StatusDeleted, Seq: h.Seq}, nil
	case FactSet:
		v, err := s.content.Get(ctx, exec, f.ValueRef)
		if err != nil {
			return ReadResult{}, err
		}
		return ReadResult{Status: StatusValue, Value: v, Seq: h.Seq}, nil
	case FactPatch:
		return s.replayPatch(ctx, exec, branch, id, capSeq)
	default:
		return ReadResult{}, &InvariantError{Msg: fmt.Sprintf("fact %s has unknown type %q", f.Hash, f.Type)}
	}
}

// replayPatch finds the nearest base (snapshot or Set) at or before capSeq
// and replays every Patch fact strictly after it through capSeq.
func (s *snapshotEngine) replayPatch(ctx context.Context, exec interface {
	execer
	queryer
}, branch, id string, capSeq int64) (ReadResult, error) {
	baseSeq, baseValue, deleted, err := s.nearestBase(ctx, exec, branch, id, capSeq)
	if err != nil {
		return ReadResult{}, err
	}
	if deleted {
		// A base can be a Set or, transitively, nothing (empty object); a
		// Delete can never be a "base" for patch replay because a Patch fact
		// can only ever be produced against an existing value per §3's
		// patch-apply contract, but defensive handling keeps replay total.
		baseValue = map[string]any{}
	}
	if baseValue == nil {
		baseValue = map[string]any{}
	}

	// The base and capSeq may straddle a merge fast-forward, where a patch
	// fact physically committed on another branch became reachable here
	// without its branch column changing, so patches must be collected
	// across the whole branch-visible chain, not branch alone.
	visible, err := s.branch.visibleBranches(ctx, exec, branch, capSeq)
	if err != nil {
		return ReadResult{}, err
	}
	patches, err := s.facts.Range(ctx, exec, id, visible, baseSeq, capSeq, FactPatch)
	if err != nil {
		return ReadResult{}, err
	}

	cur := baseValue
	for _, pf := range patches {
		opsVal, err := s.content.Get(ctx, exec, pf.OpsRef)
		if err != nil {
			return ReadResult{}, err
		}
		ops, err := decodeOps(opsVal)
		if err != nil {
			return ReadResult{}, &StorageError{Op: "snapshot.replay.decodeops", Err: err}
		}
		cur, err = patchops.Apply(cur, ops)
		if err != nil {
			return ReadResult{}, &StorageError{Op: "snapshot.replay.apply", Err: err}
		}
	}

	return ReadResult{Status: StatusValue, Value: cur, Seq: capSeq}, nil
}

// nearestBase finds the most recent snapshot or Set fact for id visible
// from branch with seq <= capSeq, searching the whole branch-visible
// ancestry chain rather than branch alone, since a snapshot or Set made on
// an ancestor (or brought in via a merge fast-forward) is just as valid a
// base as one recorded directly on branch. Returns the base seq (0 if
// none) and its value (empty object if none, per the read-current
// algorithm's "treat none as empty object" rule).
func (s *snapshotEngine) nearestBase(ctx context.Context, exec interface {
	execer
	queryer
}, branch, id string, capSeq int64) (int64, any, bool, error) {
	visible, err := s.branch.visibleBranches(ctx, exec, branch, capSeq)
	if err != nil {
		return 0, nil, false, err
	}

	snapSeq, snapRef, snapOK, err := s.latestSnapshot(ctx, exec, id, visible)
	if err != nil {
		return 0, nil, false, err
	}

	// Walk backward from capSeq through the most recent facts until a
	// Set or Delete is found (a base); a Patch along the way is skipped
	// since only Set/Delete terminate the walk.
	var setSeq int64 = -1
	var setRef refhash.Ref
	for seqHi := capSeq; ; {
		f, ok, err := s.facts.Latest(ctx, exec, id, withCeiling(visible, seqHi))
		if err != nil {
			return 0, nil, false, err
		}
		if !ok {
			break
		}
		if f.Type == FactSet {
			setSeq = f.Seq
			setRef = f.ValueRef
			break
		}
		if f.Type == FactDelete {
			setSeq = f.Seq
			setRef = EmptyRef
			break
		}
		if f.Seq == 0 {
			break
		}
		seqHi = f.Seq - 1
	}

	switch {
	case snapOK && (setSeq < 0 || snapSeq >= setSeq):
		v, err := s.content.Get(ctx, exec, snapRef)
		if err != nil {
			return 0, nil, false, err
		}
		return snapSeq, v, false, nil
	case setSeq >= 0:
		if setRef == EmptyRef {
			return setSeq, nil, true, nil
		}
		v, err := s.content.Get(ctx, exec, setRef)
		if err != nil {
			return 0, nil, false, err
		}
		return setSeq, v, false, nil
	default:
		return 0, map[string]any{}, false, nil
	}
}

// latestSnapshot returns the most recent snapshot row for id across the
// given branch-visible chain, each branch bounded by its own capped seq,
// preferring the highest seq across all of them.
func (s *snapshotEngine) latestSnapshot(ctx context.Context, exec queryer, id string, chain []branchCap) (int64, refhash.Ref, bool, error) {
	if len(chain) == 0 {
		return 0, "", false, nil
	}
	clauses := make([]string, len(chain))
	args := make([]any, 0, len(chain)*2+1)
	args = append(args, id)
	for i, bc := range chain {
		clauses[i] = "(branch = ? AND seq <= ?)"
		args = append(args, bc.Branch, bc.Cap)
	}
	query := `SELECT seq, value_ref FROM snapshot WHERE id = ? AND (` + strings.Join(clauses, " OR ") + `) ORDER BY seq DESC LIMIT 1`
	var seq int64
	var ref string
	err := exec.QueryRowContext(ctx, query, args...).Scan(&seq, &ref)
	if err == sql.ErrNoRows {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, &StorageError{Op: "snapshot.nearest", Err: err}
	}
	return seq, refhash.Ref(ref), true, nil
}

func decodeOps(v any) ([]patchops.Op, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("ops payload is not an array: %T", v)
	}
	out := make([]patchops.Op, 0, len(arr))
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("op is not an object: %T", el)
		}
		op := patchops.Op{}
		if k, ok := m["op"].(string); ok {
			op.Op = patchops.Kind(k)
		}
		if p, ok := m["path"].(string); ok {
			op.Path = p
		}
		if p, ok := m["from"].(string); ok {
			op.From = p
		}
		if val, ok := m["value"]; ok {
			op.Value = val
		}
		if idx, ok := m["index"].(float64); ok {
			op.Index = int(idx)
		}
		if rm, ok := m["remove"].(float64); ok {
			op.Remove = int(rm)
		}
		if add, ok := m["add"].([]any); ok {
			op.Add = add
		}
		out = append(out, op)
	}
	return out, nil
}

// MaybeSnapshot checks whether entity id on branch has accumulated at
// least SnapshotInterval patch facts since its last base, and if so
// materializes a new snapshot at headSeq. Failures are logged, not
// propagated: snapshot creation is best-effort and must never roll back
// the commit that triggered it.
func (s *snapshotEngine) MaybeSnapshot(ctx context.Context, db *sql.DB, branch, id string, headSeq int64) {
	baseSeq, _, _, err := s.nearestBase(ctx, db, branch, id, headSeq)
	if err != nil {
		s.log.Error().Err(err).Str("id", id).Msg("snapshot trigger: resolve base failed")
		return
	}
	count, err := s.countPatches(ctx, db, id, branch, baseSeq, headSeq)
	if err != nil {
		s.log.Error().Err(err).Str("id", id).Msg("snapshot trigger: count patches failed")
		return
	}
	if count < s.cfg.SnapshotInterval {
		return
	}

	result, err := s.readAtHeadAtSeq(ctx, db, branch, id, headSeq)
	if err != nil {
		s.log.Error().Err(err).Str("id", id).Msg("snapshot trigger: materialize failed")
		return
	}
	var value any
	if result.Status == StatusValue {
		value = result.Value
	} else {
		value = map[string]any{}
	}

	ref, err := s.content.Put(ctx, db, value)
	if err != nil {
		s.log.Error().Err(err).Str("id", id).Msg("snapshot trigger: store value failed")
		return
	}
	_, err = db.ExecContext(ctx, `
		INSERT OR IGNORE INTO snapshot (branch, id, seq, value_ref) VALUES (?, ?, ?, ?)
	`, branch, id, headSeq, string(ref))
	if err != nil {
		s.log.Error().Err(err).Str("id", id).Msg("snapshot trigger: insert snapshot failed")
	}
}

func (s *snapshotEngine) readAtHeadAtSeq(ctx context.Context, db *sql.DB, branch, id string, seq int64) (ReadResult, error) {
	h, err := s.head.Resolve(ctx, db, branch, id)
	if err != nil || h == nil {
		return ReadResult{Status: StatusNeverExisted}, err
	}
	return s.readAtHeadCapped(ctx, db, branch, id, *h, seq)
}

func (s *snapshotEngine) countPatches(ctx context.Context, exec queryer, id, branch string, sinceSeq, throughSeq int64) (int, error) {
	var n int
	err := exec.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fact
		WHERE id = ? AND branch = ? AND fact_type = ? AND seq > ? AND seq <= ?
	`, id, branch, string(FactPatch), sinceSeq, throughSeq).Scan(&n)
	if err != nil {
		return 0, &StorageError{Op: "snapshot.countpatches", Err: err}
	}
	return n, nil
}
