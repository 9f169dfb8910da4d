package store

import (
	"context"
	"database/sql"

	"github.com/kittclouds/memspace/pkg/refhash"
)

// headIndex maps (branch, id) to the current fact for that entity. Rows
// only exist where a branch has actually written to an entity; Resolve
// walks the parent chain on a miss and persists ("lazy copies") the
// resolved head into the child's own row, so the second lookup for the
// same (branch, id) is O(1).
type headIndex struct {
	db      *sql.DB
	branch  *branchManager
	maxHops int
}

// Resolve implements the capped parent-fallback algorithm: look up
// (branch, id) directly; on a miss, recurse into the branch's parent with
// the branch's fork_seq as an upper bound, and on success write the
// resolved head back into the child's row before returning it.
func (h *headIndex) Resolve(ctx context.Context, exec interface {
	execer
	queryer
}, branchName, id string) (*Head, error) {
	return h.resolve(ctx, exec, branchName, id, 0)
}

func (h *headIndex) resolve(ctx context.Context, exec interface {
	execer
	queryer
}, branchName, id string, hops int) (*Head, error) {
	row, err := h.lookup(ctx, exec, branchName, id)
	if err != nil {
		return nil, err
	}
	if row != nil {
		return row, nil
	}

	if hops >= h.maxHops {
		return nil, nil
	}

	b, err := h.branch.get(ctx, exec, branchName)
	if err != nil {
		if _, ok := err.(*UnknownBranchError); ok {
			return nil, nil
		}
		return nil, err
	}
	if !b.HasParent {
		return nil, nil
	}

	parentHead, err := h.resolveCapped(ctx, exec, b.ParentBranch, id, b.ForkSeq, hops+1)
	if err != nil || parentHead == nil {
		return parentHead, err
	}

	// Lazy copy: cache the resolved parent head into this branch's own row
	// so future lookups for (branchName, id) are O(1).
	cached := &Head{Branch: branchName, ID: id, FactHash: parentHead.FactHash, Seq: parentHead.Seq}
	if err := h.upsert(ctx, exec, *cached); err != nil {
		return nil, err
	}
	return cached, nil
}

// resolveCapped resolves id on branchName but never considers a fact with
// seq greater than capSeq, matching the fork_seq ceiling a child branch
// imposes on its ancestors.
func (h *headIndex) resolveCapped(ctx context.Context, exec interface {
	execer
	queryer
}, branchName, id string, capSeq int64, hops int) (*Head, error) {
	row, err := h.lookup(ctx, exec, branchName, id)
	if err != nil {
		return nil, err
	}
	if row != nil {
		if row.Seq <= capSeq {
			return row, nil
		}
		// The direct row is newer than the fork point; reconstruct the
		// as-of-fork_seq head from fact history instead of trusting the cache.
		return h.headAsOf(ctx, exec, branchName, id, capSeq)
	}

	if hops >= h.maxHops {
		return nil, nil
	}
	b, err := h.branch.get(ctx, exec, branchName)
	if err != nil {
		if _, ok := err.(*UnknownBranchError); ok {
			return nil, nil
		}
		return nil, err
	}
	if !b.HasParent {
		return nil, nil
	}
	nextCap := b.ForkSeq
	if capSeq < nextCap {
		nextCap = capSeq
	}
	return h.resolveCapped(ctx, exec, b.ParentBranch, id, nextCap, hops+1)
}

// headAsOf reconstructs the head of id on branchName as it stood at seq
// capSeq, by scanning fact history directly rather than trusting the live
// head row (which may have advanced past capSeq since).
func (h *headIndex) headAsOf(ctx context.Context, exec queryer, branchName, id string, capSeq int64) (*Head, error) {
	fl := &factLog{}
	f, ok, err := fl.Latest(ctx, exec, id, []branchCap{{Branch: branchName, Cap: capSeq}})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Head{Branch: branchName, ID: id, FactHash: f.Hash, Seq: f.Seq}, nil
}

func (h *headIndex) lookup(ctx context.Context, exec queryer, branchName, id string) (*Head, error) {
	var head Head
	var factHash string
	err := exec.QueryRowContext(ctx, `
		SELECT branch, id, fact_hash, seq FROM head WHERE branch = ? AND id = ?
	`, branchName, id).Scan(&head.Branch, &head.ID, &factHash, &head.Seq)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "headindex.lookup", Err: err}
	}
	head.FactHash = refhash.Ref(factHash)
	return &head, nil
}

// Upsert overwrites (or creates) the head row for (branch, id). Called by
// the Commit Engine after writing a fact, and by Resolve for lazy-copy
// caching.
func (h *headIndex) Upsert(ctx context.Context, exec execer, head Head) error {
	return h.upsert(ctx, exec, head)
}

func (h *headIndex) upsert(ctx context.Context, exec execer, head Head) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO head (branch, id, fact_hash, seq) VALUES (?, ?, ?, ?)
		ON CONFLICT(branch, id) DO UPDATE SET fact_hash = excluded.fact_hash, seq = excluded.seq
	`, head.Branch, head.ID, string(head.FactHash), head.Seq)
	if err != nil {
		return &StorageError{Op: "headindex.upsert", Err: err}
	}
	return nil
}
