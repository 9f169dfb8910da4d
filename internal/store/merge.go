package store

import (
	"context"
	"time"

	"github.com/kittclouds/memspace/pkg/refhash"
)

// Merge implements the Branch Manager's entity-level merge: every entity
// touched on source since its fork point either fast-forwards onto target
// (target never moved since the fork), is left alone (source never moved),
// or conflicts and requires an explicit resolution. If any entity
// conflicts without a supplied resolution, Merge returns those conflicts
// and applies nothing — partial merges are never committed.
func (s *Space) Merge(ctx context.Context, source, target string, resolutions map[string]any) (*CommitResult, []BranchConflict, error) {
	result, conflicts, err := s.mergeLocked(ctx, source, target, resolutions)
	if err != nil || result == nil {
		return result, conflicts, err
	}

	// Fired with the write lock released, matching Transact: notify's
	// subscriber callbacks may themselves read through the Space and must
	// not re-enter the lock that serializes the next commit.
	s.notify.fire(ChangeEvent{Commit: result.Commit, Facts: result.Facts})
	return result, conflicts, nil
}

func (s *Space) mergeLocked(ctx context.Context, source, target string, resolutions map[string]any) (*CommitResult, []BranchConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, &StorageError{Op: "merge.begin", Err: err}
	}
	defer tx.Rollback()

	src, err := s.branchMg.get(ctx, tx, source)
	if err != nil {
		return nil, nil, err
	}
	forkSeq := src.ForkSeq

	touched, err := s.branchMg.touchedEntities(ctx, tx, source, forkSeq)
	if err != nil {
		return nil, nil, err
	}

	type fastForward struct {
		id   string
		head Head
	}
	var ffs []fastForward
	var conflicts []BranchConflict
	type resolved struct {
		id     string
		value  any
		parent refhash.Ref
	}
	var toResolve []resolved

	for _, id := range touched {
		srcHead, err := s.head.Resolve(ctx, tx, source, id)
		if err != nil {
			return nil, nil, err
		}
		tgtHead, err := s.head.Resolve(ctx, tx, target, id)
		if err != nil {
			return nil, nil, err
		}
		ancFact, ancOK, err := s.branchMg.headFactAsOf(ctx, tx, target, id, forkSeq)
		if err != nil {
			return nil, nil, err
		}

		targetUnchanged := (tgtHead == nil && !ancOK) || (tgtHead != nil && ancOK && tgtHead.FactHash == ancFact.Hash)
		sourceUnchanged := (srcHead == nil && !ancOK) || (srcHead != nil && ancOK && srcHead.FactHash == ancFact.Hash)

		switch {
		case targetUnchanged && srcHead != nil:
			ffs = append(ffs, fastForward{id: id, head: *srcHead})
		case sourceUnchanged:
			// nothing changed on source; target keeps whatever it has
		default:
			if resolution, ok := resolutions[id]; ok {
				var parentHash refhash.Ref
				if tgtHead != nil {
					parentHash = tgtHead.FactHash
				}
				toResolve = append(toResolve, resolved{id: id, value: resolution, parent: parentHash})
				continue
			}
			srcVal, tgtVal, ancVal, err := s.mergeReadTriple(ctx, tx, source, target, id, srcHead, tgtHead, ancFact, ancOK)
			if err != nil {
				return nil, nil, err
			}
			conflicts = append(conflicts, BranchConflict{ID: id, SourceValue: srcVal, TargetValue: tgtVal, AncestorValue: ancVal})
		}
	}

	if len(conflicts) > 0 {
		return nil, conflicts, nil
	}

	seq := s.seq + 1

	var newFacts []Fact
	for _, r := range toResolve {
		f := Fact{ID: r.id, Type: FactSet, Branch: target, Seq: seq, Parent: r.parent}
		ref, err := s.content.Put(ctx, tx, r.value)
		if err != nil {
			return nil, nil, err
		}
		f.ValueRef = ref
		hash, err := f.ComputeHash()
		if err != nil {
			return nil, nil, &StorageError{Op: "merge.hash", Err: err}
		}
		f.Hash = hash
		newFacts = append(newFacts, f)
	}

	commitHash, err := computeCommitHash(target, seq, newFacts)
	if err != nil {
		return nil, nil, &StorageError{Op: "merge.commithash", Err: err}
	}
	for i := range newFacts {
		newFacts[i].CommitRef = commitHash
		if err := s.facts.Append(ctx, tx, newFacts[i]); err != nil {
			return nil, nil, &StorageError{Op: "merge.appendfact", Err: err}
		}
		if err := s.head.Upsert(ctx, tx, Head{Branch: target, ID: newFacts[i].ID, FactHash: newFacts[i].Hash, Seq: seq}); err != nil {
			return nil, nil, err
		}
	}
	for _, ff := range ffs {
		if err := s.head.Upsert(ctx, tx, Head{Branch: target, ID: ff.id, FactHash: ff.head.FactHash, Seq: seq}); err != nil {
			return nil, nil, err
		}
	}

	now := time.Now().Unix()
	commit := Commit{Hash: commitHash, Seq: seq, Branch: target, ReadsJSON: "{}", CreatedAt: now}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO "commit" (hash, seq, branch, reads, created_at) VALUES (?, ?, ?, ?, ?)
	`, string(commit.Hash), commit.Seq, commit.Branch, commit.ReadsJSON, commit.CreatedAt); err != nil {
		return nil, nil, &StorageError{Op: "merge.insertcommit", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE branch SET head_seq = ? WHERE name = ?`, seq, target); err != nil {
		return nil, nil, &StorageError{Op: "merge.headseq", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, &StorageError{Op: "merge.tx", Err: err}
	}
	s.seq = seq

	result := CommitResult{Commit: commit, Facts: newFacts}
	return &result, nil, nil
}

func (s *Space) mergeReadTriple(ctx context.Context, tx interface {
	execer
	queryer
}, source, target, id string, srcHead, tgtHead *Head, ancFact Fact, ancOK bool) (any, any, any, error) {
	var srcVal, tgtVal, ancVal any
	if srcHead != nil {
		r, err := s.snapshot.readAtHeadCapped(ctx, tx, source, id, *srcHead, srcHead.Seq)
		if err != nil {
			return nil, nil, nil, err
		}
		if r.Status == StatusValue {
			srcVal = r.Value
		}
	}
	if tgtHead != nil {
		r, err := s.snapshot.readAtHeadCapped(ctx, tx, target, id, *tgtHead, tgtHead.Seq)
		if err != nil {
			return nil, nil, nil, err
		}
		if r.Status == StatusValue {
			tgtVal = r.Value
		}
	}
	if ancOK {
		v, err := s.content.Get(ctx, tx, ancFact.ValueRef)
		if err != nil {
			return nil, nil, nil, err
		}
		ancVal = v
	}
	return srcVal, tgtVal, ancVal, nil
}
