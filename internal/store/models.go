// Package store implements the per-Space content-addressed transactional
// engine: a SQLite-backed content store, append-only fact log, branch-scoped
// head index, snapshot accelerator, branch manager, and commit engine. One
// Space is one database file; callers open a Space and drive it through
// Transact, Query, and the branch lifecycle calls.
package store

import (
	"encoding/json"

	"github.com/kittclouds/memspace/pkg/patchops"
	"github.com/kittclouds/memspace/pkg/refhash"
)

// EmptyRef is the fixed, reserved hash assigned to the value of every
// Delete fact. It is never produced by the content hasher; no real value
// can collide with it.
const EmptyRef refhash.Ref = "__empty__"

// DefaultBranch is the name of the always-present, non-deletable root
// branch. Every Space is seeded with this branch row at open time.
const DefaultBranch = ""

// FactType distinguishes the three immutable fact variants.
type FactType string

const (
	FactSet    FactType = "set"
	FactPatch  FactType = "patch"
	FactDelete FactType = "delete"
)

// Fact is one immutable row of the append-only log. ValueRef is populated
// for Set and Delete (EmptyRef for Delete); OpsRef is populated for Patch.
type Fact struct {
	Hash      refhash.Ref
	ID        string
	Type      FactType
	ValueRef  refhash.Ref
	OpsRef    refhash.Ref
	Parent    refhash.Ref // empty string means no parent (first fact for id)
	Seq       int64
	CommitRef refhash.Ref
	Branch    string
}

// hashInput is the canonicalized shape a Fact's content hash is computed
// over: {type, id, value_or_ops, parent}. value_or_ops is whichever of
// ValueRef/OpsRef the fact's Type uses, so Set/Patch/Delete facts with
// otherwise-identical (type, id, parent) but different payloads never
// collide.
func (f Fact) hashInput() map[string]any {
	payload := string(f.ValueRef)
	if f.Type == FactPatch {
		payload = string(f.OpsRef)
	}
	m := map[string]any{
		"type":  string(f.Type),
		"id":    f.ID,
		"value": payload,
	}
	if f.Parent == "" {
		m["parent"] = nil
	} else {
		m["parent"] = string(f.Parent)
	}
	return m
}

// ComputeHash derives the fact's content hash from its logical fields. It
// does not mutate f.Hash; callers assign the result explicitly once the
// fact is otherwise complete.
func (f Fact) ComputeHash() (refhash.Ref, error) {
	return refhash.Of(f.hashInput())
}

// Head is the current fact pointer for a (branch, id) pair.
type Head struct {
	Branch   string
	ID       string
	FactHash refhash.Ref
	Seq      int64
}

// Commit is the record of one applied transaction.
type Commit struct {
	Hash      refhash.Ref
	Seq       int64
	Branch    string
	ReadsJSON string
	CreatedAt int64
}

// Branch is one row of the branch table. HasParent is false for the default
// branch only; ParentBranch is empty both for the default branch and for
// branches forked from it.
type Branch struct {
	Name         string
	ParentBranch string
	HasParent    bool
	ForkSeq      int64
	HeadSeq      int64
	CreatedAt    int64
	Deleted      bool
}

// Snapshot is a precomputed materialization of an entity's value at a seq
// on a branch.
type Snapshot struct {
	Branch   string
	ID       string
	Seq      int64
	ValueRef refhash.Ref
}

// OpKind distinguishes the four user-facing operation variants a commit can
// carry. Operations never specify their own parent; the Commit Engine
// resolves it from the current head.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpPatch  OpKind = "patch"
	OpDelete OpKind = "delete"
	OpClaim  OpKind = "claim"
)

// UserOp is one operation within a ClientCommit.
type UserOp struct {
	Kind    OpKind
	ID      string
	Value   any            // for OpSet
	Patches []patchops.Op  // for OpPatch
}

// ConfirmedRead names an entity the client claims to have read at a given
// server-confirmed seq.
type ConfirmedRead struct {
	ID  string
	Seq int64
}

// PendingRead names an entity the client read from its own not-yet-resolved
// pending queue, identified by the local_seq of the pending commit it was
// read from.
type PendingRead struct {
	ID       string
	LocalSeq int64
}

// ReadSet is the full set of reads a commit was built against, used by the
// Commit Engine for optimistic-concurrency validation.
type ReadSet struct {
	Confirmed []ConfirmedRead
	Pending   []PendingRead
}

// ClientCommit is the input to Transact: a batch of operations plus the
// reads they were validated against on the client. LocalSeq is the
// submitting session's own correlation id for this commit — later commits
// from the same session reference it via a PendingRead so the Commit
// Engine can resolve or cascade-reject against it.
type ClientCommit struct {
	SessionID  string
	LocalSeq   int64
	Reads      ReadSet
	Operations []UserOp
	Branch     string
}

// CommitResult is returned on a successful Transact: the commit record plus
// every fact it produced, for the caller to fan out to subscribers.
type CommitResult struct {
	Commit Commit
	Facts  []Fact
}

// readsRecord is the JSON shape persisted in commit.reads — a denormalized
// audit trail of the seq each read entity was observed at.
type readsRecord struct {
	Confirmed []ConfirmedRead `json:"confirmed"`
	Pending   []PendingRead   `json:"pending"`
}

func encodeReads(rs ReadSet) (string, error) {
	b, err := json.Marshal(readsRecord{Confirmed: rs.Confirmed, Pending: rs.Pending})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EngineConfig collects the tunables this engine fixes in code rather than
// through an external config file: nothing here is operator-facing, and the
// CLI harness opens its Space with DefaultEngineConfig().
type EngineConfig struct {
	// SnapshotInterval is the number of patch facts since the last base
	// (snapshot or Set) that triggers a new snapshot materialization.
	SnapshotInterval int
	// MaxBranchDepth bounds how many parent hops a branch chain may have.
	MaxBranchDepth int
	// BusyTimeoutMillis is the SQLite busy_timeout pragma value.
	BusyTimeoutMillis int
	// MaxRetries is the client-visible retry guidance after a Conflict.
	MaxRetries int
}

// DefaultEngineConfig returns the tunables named in the persistence and
// snapshot trigger sections: snapshot every 10 patches, branch depth capped
// at 8, 5 second busy timeout, 3 retries.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SnapshotInterval:  10,
		MaxBranchDepth:    8,
		BusyTimeoutMillis: 5000,
		MaxRetries:        3,
	}
}
