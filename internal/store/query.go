package store

import (
	"context"

	"github.com/kittclouds/memspace/pkg/subscribe"
)

// Selector, Wildcard, and ByIDs are the query/subscription selector
// vocabulary, owned by pkg/subscribe so the same selector works for both a
// one-shot Query and a live Subscription.
type Selector = subscribe.Selector
type Wildcard = subscribe.Wildcard
type ByIDs = subscribe.ByIDs

// NewByIDs builds a ByIDs selector over the given ids.
func NewByIDs(ids ...string) ByIDs { return subscribe.NewByIDs(ids...) }

// FactEntry is one entity's resolved state within a FactSet.
type FactEntry struct {
	ID     string
	Result ReadResult
}

// FactSet is the result of a query or the payload of a subscription
// update: a batch of resolved entity states.
type FactSet struct {
	Entries []FactEntry
	// Truncated is set when a wildcard query's result set exceeded the
	// pagination threshold and was cut short; the caller should re-query
	// with a narrower selector in that case. This engine's
	// pagination is a fixed page boundary, not a resumable cursor — the
	// core's contract only requires seq-consistent pages, not a specific
	// cursor encoding (left to the transport collaborator).
	Truncated bool
}

// maxWildcardFanout bounds how many entities a single Wildcard query or
// subscription evaluation will resolve in one pass, so a Space with a very
// large entity set cannot stall the single-writer Commit Engine thread
// answering one read.
const maxWildcardFanout = 1000

// Query resolves selector against every entity id known to have at least
// one fact, on branch, as of seq "since" if non-zero (current otherwise).
func (s *Space) Query(ctx context.Context, sel Selector, branch string, since int64) (FactSet, error) {
	if branch == "" {
		branch = DefaultBranch
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, truncated, err := s.candidateIDs(ctx, sel)
	if err != nil {
		return FactSet{}, err
	}

	out := FactSet{Truncated: truncated}
	for _, id := range ids {
		var result ReadResult
		if since > 0 {
			result, err = s.snapshot.PointInTime(ctx, s.db, branch, id, since)
		} else {
			result, err = s.snapshot.ReadCurrent(ctx, s.db, branch, id)
		}
		if err != nil {
			return FactSet{}, err
		}
		if result.Status == StatusNeverExisted {
			continue
		}
		out.Entries = append(out.Entries, FactEntry{ID: id, Result: result})
	}
	return out, nil
}

// candidateIDs enumerates ids to evaluate against sel. For ByIDs this is
// just the selector's own set; for Wildcard it scans distinct fact ids,
// capped at maxWildcardFanout with truncation reported rather than silent.
func (s *Space) candidateIDs(ctx context.Context, sel Selector) ([]string, bool, error) {
	if byIDs, ok := sel.(ByIDs); ok {
		return byIDs.IDs(), false, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT id FROM fact LIMIT ?`, maxWildcardFanout+1)
	if err != nil {
		return nil, false, &StorageError{Op: "query.candidates", Err: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, false, &StorageError{Op: "query.candidates.scan", Err: err}
		}
		if sel.Matches(id) {
			out = append(out, id)
		}
	}
	truncated := len(out) > maxWildcardFanout
	if truncated {
		out = out[:maxWildcardFanout]
	}
	return out, truncated, rows.Err()
}
