package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kittclouds/memspace/pkg/refhash"
)

// factLog is the immutable append-only log of state transitions. From the
// core's perspective it is strictly append-only; Compact is the one
// sanctioned exception, and only removes facts that are both superseded by
// a snapshot and unreferenced as anyone's parent.
type factLog struct {
	db *sql.DB
}

// Append inserts a fact row. FK enforcement (on the parent and commit_ref
// columns) rejects a fact whose parent hash doesn't exist, catching a
// resolution bug before it corrupts the chain.
func (l *factLog) Append(ctx context.Context, exec execer, f Fact) error {
	var parent any
	if f.Parent != "" {
		parent = string(f.Parent)
	}
	// The schema has one nullable value_ref column shared by Set/Delete (a
	// content value) and Patch (an ops-list value), since both are just
	// references into the same content-addressed store; Type disambiguates
	// what the referenced JSON means (see scanFact).
	var valueRef any
	switch f.Type {
	case FactSet, FactDelete:
		valueRef = string(f.ValueRef)
	case FactPatch:
		valueRef = string(f.OpsRef)
	}
	_, err := exec.ExecContext(ctx, `
		INSERT INTO fact (hash, id, fact_type, value_ref, parent, branch, seq, commit_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(f.Hash), f.ID, string(f.Type), valueRef, parent, f.Branch, f.Seq, string(f.CommitRef))
	if err != nil {
		return fmt.Errorf("factlog: append %s: %w", f.Hash, err)
	}
	return nil
}

func scanFact(row interface {
	Scan(dest ...any) error
}) (Fact, error) {
	var f Fact
	var valueRef sql.NullString
	var parent sql.NullString
	var commitRef sql.NullString
	var factType string
	err := row.Scan(&f.Hash, &f.ID, &factType, &valueRef, &parent, &f.Branch, &f.Seq, &commitRef)
	if err != nil {
		return Fact{}, err
	}
	f.Type = FactType(factType)
	if parent.Valid {
		f.Parent = refhash.Ref(parent.String)
	}
	if commitRef.Valid {
		f.CommitRef = refhash.Ref(commitRef.String)
	}
	if valueRef.Valid {
		if f.Type == FactPatch {
			f.OpsRef = refhash.Ref(valueRef.String)
		} else {
			f.ValueRef = refhash.Ref(valueRef.String)
		}
	}
	return f, nil
}

const factColumns = `hash, id, fact_type, value_ref, parent, branch, seq, commit_ref`

// Get loads a single fact by its content hash.
func (l *factLog) Get(ctx context.Context, exec queryer, hash refhash.Ref) (Fact, error) {
	row := exec.QueryRowContext(ctx, `SELECT `+factColumns+` FROM fact WHERE hash = ?`, string(hash))
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return Fact{}, &NotFoundError{Kind: "fact", Key: string(hash)}
	}
	if err != nil {
		return Fact{}, &StorageError{Op: "factlog.get", Err: err}
	}
	return f, nil
}

// History returns every fact for id across all branches, ordered by seq
// ascending.
func (l *factLog) History(ctx context.Context, exec queryer, id string) ([]Fact, error) {
	rows, err := exec.QueryContext(ctx, `SELECT `+factColumns+` FROM fact WHERE id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, &StorageError{Op: "factlog.history", Err: err}
	}
	defer rows.Close()
	return scanFacts(rows)
}

// Range returns facts for id across the given branch-visible ancestry
// chain, each branch read only up to its own capped seq, with seq in
// (seqLoExclusive, seqHiInclusive] further bounding every branch, optionally
// filtered to one fact type, ordered by seq ascending. Used by the Snapshot
// Engine to collect the patches between a base and a target seq, which may
// span a merge's source branch as well as the target.
func (l *factLog) Range(ctx context.Context, exec queryer, id string, branches []branchCap, seqLoExclusive, seqHiInclusive int64, factType FactType) ([]Fact, error) {
	if len(branches) == 0 {
		return nil, nil
	}
	clauses := make([]string, len(branches))
	args := make([]any, 0, len(branches)*2+4)
	args = append(args, id, seqLoExclusive)
	for i, b := range branches {
		hi := b.Cap
		if seqHiInclusive < hi {
			hi = seqHiInclusive
		}
		clauses[i] = "(branch = ? AND seq <= ?)"
		args = append(args, b.Branch, hi)
	}
	query := `SELECT ` + factColumns + ` FROM fact WHERE id = ? AND seq > ? AND (` + strings.Join(clauses, " OR ") + `)`
	if factType != "" {
		query += ` AND fact_type = ?`
		args = append(args, string(factType))
	}
	query += ` ORDER BY seq ASC`
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "factlog.range", Err: err}
	}
	defer rows.Close()
	return scanFacts(rows)
}

// Latest returns the most recent fact for id visible across the supplied
// branch-visible ancestry chain, each branch bounded by its own capped
// seq. Used for point-in-time reads and merge's ancestor lookup.
func (l *factLog) Latest(ctx context.Context, exec queryer, id string, branches []branchCap) (Fact, bool, error) {
	if len(branches) == 0 {
		return Fact{}, false, nil
	}
	clauses := make([]string, len(branches))
	args := make([]any, 0, len(branches)*2+1)
	args = append(args, id)
	for i, b := range branches {
		clauses[i] = "(branch = ? AND seq <= ?)"
		args = append(args, b.Branch, b.Cap)
	}
	query := fmt.Sprintf(`
		SELECT %s FROM fact
		WHERE id = ? AND (%s)
		ORDER BY seq DESC LIMIT 1
	`, factColumns, strings.Join(clauses, " OR "))
	row := exec.QueryRowContext(ctx, query, args...)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return Fact{}, false, nil
	}
	if err != nil {
		return Fact{}, false, &StorageError{Op: "factlog.latest", Err: err}
	}
	return f, true, nil
}

// Compact removes the entity's facts on branch that (a) have seq <= upToSeq
// and (b) are not referenced as parent by any fact. It does not check
// whether an older base remains for point-in-time reads below upToSeq.
func (l *factLog) Compact(ctx context.Context, exec execer, qexec queryer, id, branch string, upToSeq int64) (int, error) {
	rows, err := qexec.QueryContext(ctx, `
		SELECT hash FROM fact
		WHERE id = ? AND branch = ? AND seq <= ?
		AND hash NOT IN (SELECT parent FROM fact WHERE parent IS NOT NULL)
	`, id, branch, upToSeq)
	if err != nil {
		return 0, &StorageError{Op: "factlog.compact.scan", Err: err}
	}
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return 0, &StorageError{Op: "factlog.compact.scan", Err: err}
		}
		hashes = append(hashes, h)
	}
	rows.Close()

	n := 0
	for _, h := range hashes {
		res, err := exec.ExecContext(ctx, `DELETE FROM fact WHERE hash = ?`, h)
		if err != nil {
			return n, &StorageError{Op: "factlog.compact.delete", Err: err}
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
	}
	return n, nil
}

func scanFacts(rows *sql.Rows) ([]Fact, error) {
	var out []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, &StorageError{Op: "factlog.scan", Err: err}
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "factlog.scan", Err: err}
	}
	return out, nil
}
