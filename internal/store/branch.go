package store

import (
	"context"
	"database/sql"
)

// branchManager owns branch metadata: O(1) fork creation, soft delete, and
// entity-level merge. It never copies heads on fork — the Head Index's
// parent-chain fallback is what makes that safe.
type branchManager struct {
	db      *sql.DB
	maxHops int
	head    *headIndex
	facts   *factLog
	content *contentStore
}

func (m *branchManager) get(ctx context.Context, exec queryer, name string) (Branch, error) {
	var b Branch
	var parent sql.NullString
	var deleted int
	err := exec.QueryRowContext(ctx, `
		SELECT name, parent_branch, fork_seq, head_seq, created_at, deleted FROM branch WHERE name = ?
	`, name).Scan(&b.Name, &parent, &b.ForkSeq, &b.HeadSeq, &b.CreatedAt, &deleted)
	if err == sql.ErrNoRows {
		return Branch{}, &UnknownBranchError{Name: name}
	}
	if err != nil {
		return Branch{}, &StorageError{Op: "branch.get", Err: err}
	}
	if parent.Valid {
		b.ParentBranch = parent.String
		b.HasParent = true
	}
	b.Deleted = deleted != 0
	return b, nil
}

// depth returns how many parent hops separate name from the default
// branch, used to enforce MaxBranchDepth on Create.
func (m *branchManager) depth(ctx context.Context, exec queryer, name string) (int, error) {
	depth := 0
	cur := name
	for {
		b, err := m.get(ctx, exec, cur)
		if err != nil {
			return 0, err
		}
		if !b.HasParent {
			return depth, nil
		}
		depth++
		if depth > m.maxHops+1 {
			return depth, nil // already pathological; caller will reject separately
		}
		cur = b.ParentBranch
	}
}

// Create forks a new branch off fromBranch at atSeq. An atSeq beyond the
// parent's current head_seq is rejected with SeqOutOfRangeError, so a caller
// cannot fork "into the future".
// Creation is O(1): no heads or snapshots are copied.
func (m *branchManager) Create(ctx context.Context, exec interface {
	execer
	queryer
}, name, fromBranch string, atSeq int64, now int64) (Branch, error) {
	if _, err := m.get(ctx, exec, name); err == nil {
		return Branch{}, &NameTakenError{Name: name}
	} else if _, ok := err.(*UnknownBranchError); !ok {
		return Branch{}, err
	}

	parent, err := m.get(ctx, exec, fromBranch)
	if err != nil {
		if _, ok := err.(*UnknownBranchError); ok {
			return Branch{}, &UnknownParentError{Name: fromBranch}
		}
		return Branch{}, err
	}

	if atSeq > parent.HeadSeq {
		return Branch{}, &SeqOutOfRangeError{AtSeq: atSeq, HeadSeq: parent.HeadSeq}
	}

	parentDepth, err := m.depth(ctx, exec, fromBranch)
	if err != nil {
		return Branch{}, err
	}
	if parentDepth+1 > m.maxHops {
		return Branch{}, &DepthExceededError{Branch: name, Depth: parentDepth + 1}
	}

	forkSeq := atSeq
	if parent.HeadSeq < forkSeq {
		forkSeq = parent.HeadSeq
	}

	b := Branch{Name: name, ParentBranch: fromBranch, HasParent: true, ForkSeq: forkSeq, HeadSeq: forkSeq, CreatedAt: now}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO branch (name, parent_branch, fork_seq, head_seq, created_at, deleted)
		VALUES (?, ?, ?, ?, ?, 0)
	`, b.Name, b.ParentBranch, b.ForkSeq, b.HeadSeq, b.CreatedAt)
	if err != nil {
		return Branch{}, &StorageError{Op: "branch.create", Err: err}
	}
	return b, nil
}

// Delete soft-deletes a branch: its row is marked deleted, its heads and
// snapshots are removed (facts are shared with other branches and
// retained), and its name is never reusable afterward.
func (m *branchManager) Delete(ctx context.Context, exec interface {
	execer
	queryer
}, name string) error {
	if name == DefaultBranch {
		return &IsDefaultError{}
	}
	b, err := m.get(ctx, exec, name)
	if err != nil {
		return err
	}
	if b.Deleted {
		return nil
	}
	if _, err := exec.ExecContext(ctx, `DELETE FROM head WHERE branch = ?`, name); err != nil {
		return &StorageError{Op: "branch.delete.heads", Err: err}
	}
	if _, err := exec.ExecContext(ctx, `DELETE FROM snapshot WHERE branch = ?`, name); err != nil {
		return &StorageError{Op: "branch.delete.snapshots", Err: err}
	}
	if _, err := exec.ExecContext(ctx, `UPDATE branch SET deleted = 1 WHERE name = ?`, name); err != nil {
		return &StorageError{Op: "branch.delete.mark", Err: err}
	}
	return nil
}

// BranchInfo is the listing projection of a branch row.
type BranchInfo struct {
	Branch
}

// List returns every branch, optionally including soft-deleted ones.
func (m *branchManager) List(ctx context.Context, exec queryer, includeDeleted bool) ([]BranchInfo, error) {
	query := `SELECT name, parent_branch, fork_seq, head_seq, created_at, deleted FROM branch`
	if !includeDeleted {
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY created_at ASC`
	rows, err := exec.QueryContext(ctx, query)
	if err != nil {
		return nil, &StorageError{Op: "branch.list", Err: err}
	}
	defer rows.Close()

	var out []BranchInfo
	for rows.Next() {
		var b Branch
		var parent sql.NullString
		var deleted int
		if err := rows.Scan(&b.Name, &parent, &b.ForkSeq, &b.HeadSeq, &b.CreatedAt, &deleted); err != nil {
			return nil, &StorageError{Op: "branch.list.scan", Err: err}
		}
		if parent.Valid {
			b.ParentBranch = parent.String
			b.HasParent = true
		}
		b.Deleted = deleted != 0
		out = append(out, BranchInfo{Branch: b})
	}
	return out, rows.Err()
}

// BranchConflict describes one entity whose value diverged on both sides
// of a merge.
type BranchConflict struct {
	ID          string
	SourceValue any
	TargetValue any
	AncestorValue any
}

// DiffResult classifies every entity touched on source since its fork
// point relative to target.
type DiffResult struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Diff reports, for every entity with a fact on source after its fork
// point, whether it is new on target, removed, or modified, relative to
// target's current state.
func (m *branchManager) Diff(ctx context.Context, exec queryer, source, target string) (DiffResult, error) {
	src, err := m.get(ctx, exec, source)
	if err != nil {
		return DiffResult{}, err
	}
	touched, err := m.touchedEntities(ctx, exec, source, src.ForkSeq)
	if err != nil {
		return DiffResult{}, err
	}

	var result DiffResult
	for _, id := range touched {
		srcFact, srcOK, err := m.headFactAsOf(ctx, exec, source, id, src.HeadSeq)
		if err != nil {
			return DiffResult{}, err
		}
		tgtFact, tgtOK, err := m.headFactAsOf(ctx, exec, target, id, maxSeq)
		if err != nil {
			return DiffResult{}, err
		}
		switch {
		case !tgtOK && srcOK:
			result.Added = append(result.Added, id)
		case tgtOK && !srcOK:
			result.Removed = append(result.Removed, id)
		case srcOK && tgtOK && srcFact.Hash != tgtFact.Hash:
			result.Modified = append(result.Modified, id)
		}
	}
	return result, nil
}

const maxSeq = int64(1) << 62

func (m *branchManager) touchedEntities(ctx context.Context, exec queryer, branch string, forkSeq int64) ([]string, error) {
	rows, err := exec.QueryContext(ctx, `
		SELECT DISTINCT id FROM fact WHERE branch = ? AND seq > ?
	`, branch, forkSeq)
	if err != nil {
		return nil, &StorageError{Op: "branch.touched", Err: err}
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &StorageError{Op: "branch.touched.scan", Err: err}
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// headFactAsOf resolves the fact at the head of id on branch, capped at
// seqCap, via the branch-visible ancestry chain (not the cached head row,
// which may be ahead of seqCap).
func (m *branchManager) headFactAsOf(ctx context.Context, exec queryer, branch, id string, seqCap int64) (Fact, bool, error) {
	visible, err := m.visibleBranches(ctx, exec, branch, seqCap)
	if err != nil {
		return Fact{}, false, err
	}
	f, ok, err := m.facts.Latest(ctx, exec, id, visible)
	if err != nil || !ok {
		return Fact{}, ok, err
	}
	return f, true, nil
}

// branchCap pairs a branch on a visible ancestry chain with the seq
// ceiling it may be read through: the branch named in the original query
// is capped by the caller's own seq bound, and each ancestor beyond it is
// capped by its child's fork_seq, so a fact committed on a grandparent
// after a parent forked away from it never leaks into the child's view.
type branchCap struct {
	Branch string
	Cap    int64
}

// withCeiling returns chain with every entry's Cap intersected with
// ceiling, used to re-apply a shrinking search bound to an
// already-computed ancestry chain without re-walking branch rows.
func withCeiling(chain []branchCap, ceiling int64) []branchCap {
	out := make([]branchCap, len(chain))
	for i, bc := range chain {
		c := bc.Cap
		if ceiling < c {
			c = ceiling
		}
		out[i] = branchCap{Branch: bc.Branch, Cap: c}
	}
	return out
}

// visibleBranches returns branch and every ancestor up the fork chain,
// each paired with the seq it may be read through, implementing the
// recursive "branch-visible history" union with the same per-hop capping
// headIndex.resolveCapped uses for head lookups.
func (m *branchManager) visibleBranches(ctx context.Context, exec queryer, branch string, capSeq int64) ([]branchCap, error) {
	var chain []branchCap
	cur := branch
	ceiling := capSeq
	for i := 0; i <= m.maxHops+1; i++ {
		chain = append(chain, branchCap{Branch: cur, Cap: ceiling})
		b, err := m.get(ctx, exec, cur)
		if err != nil {
			if _, ok := err.(*UnknownBranchError); ok {
				break
			}
			return nil, err
		}
		if !b.HasParent {
			break
		}
		if b.ForkSeq < ceiling {
			ceiling = b.ForkSeq
		}
		cur = b.ParentBranch
	}
	return chain, nil
}
