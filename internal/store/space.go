package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kittclouds/memspace/internal/logging"
)

// Space is the per-tenant engine handle: one open database file plus every
// subsystem wired against it. Callers hold one Space per tenant they are
// actively serving; there is deliberately no process-global registry of
// open Spaces, so the lifetime of a Space is exactly the lifetime of its
// caller's handle.
type Space struct {
	id  string
	db  *sql.DB
	cfg EngineConfig
	log zerolog.Logger

	mu  sync.Mutex // the per-Space write lock: one commit in flight at a time
	seq int64

	content  *contentStore
	facts    *factLog
	head     *headIndex
	branchMg *branchManager
	snapshot *snapshotEngine
	notify   *listenerRegistry
	sessions *sessionTracker
}

// Open opens (creating if absent) the database file for spaceID under
// dataDir, applies schema and pragmas, and wires up every subsystem.
func Open(dataDir, spaceID string, cfg EngineConfig) (*Space, error) {
	dsn := filepath.Join(dataDir, spaceID+".db")
	return openSpace(dsn, spaceID, cfg)
}

// OpenMemory opens an in-memory Space, useful for tests.
func OpenMemory(spaceID string, cfg EngineConfig) (*Space, error) {
	return openSpace(":memory:", spaceID, cfg)
}

func openSpace(dsn, spaceID string, cfg EngineConfig) (*Space, error) {
	db, err := openDB(dsn, cfg)
	if err != nil {
		return nil, err
	}

	s := &Space{
		id:       spaceID,
		db:       db,
		cfg:      cfg,
		log:      logging.WithSpace(spaceID),
		notify:   &listenerRegistry{},
		sessions: newSessionTracker(),
	}
	s.content = &contentStore{db: db}
	s.facts = &factLog{db: db}
	s.head = &headIndex{db: db, maxHops: cfg.MaxBranchDepth + 1}
	s.branchMg = &branchManager{db: db, maxHops: cfg.MaxBranchDepth, head: s.head, facts: s.facts, content: s.content}
	s.head.branch = s.branchMg
	s.snapshot = newSnapshotEngine(s.content, s.facts, s.branchMg, s.head, cfg)

	seq, err := loadSeqCounter(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.seq = seq

	return s, nil
}

func loadSeqCounter(db *sql.DB) (int64, error) {
	var seq sql.NullInt64
	err := db.QueryRow(`SELECT MAX(seq) FROM "commit"`).Scan(&seq)
	if err != nil {
		return 0, &StorageError{Op: "space.loadseq", Err: err}
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// Close closes the underlying database handle.
func (s *Space) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// ID returns the Space identifier this handle was opened with.
func (s *Space) ID() string { return s.id }

// Subscribe registers l to receive every commit applied to this Space,
// across all branches and sessions. Subscription Delivery builds its
// per-session filtering on top of this Space-level fan-out point.
func (s *Space) Subscribe(l Listener) {
	s.notify.Register(l)
}

// ReadCurrent resolves the current value of id on branch.
func (s *Space) ReadCurrent(ctx context.Context, branch, id string) (ReadResult, error) {
	if branch == "" {
		branch = DefaultBranch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.ReadCurrent(ctx, s.db, branch, id)
}

// ReadAt resolves the value of id on branch as of targetSeq.
func (s *Space) ReadAt(ctx context.Context, branch, id string, targetSeq int64) (ReadResult, error) {
	if branch == "" {
		branch = DefaultBranch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.PointInTime(ctx, s.db, branch, id, targetSeq)
}

// CreateBranch forks name off fromBranch at atSeq.
func (s *Space) CreateBranch(ctx context.Context, name, fromBranch string, atSeq int64) (Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branchMg.Create(ctx, s.db, name, fromBranch, atSeq, time.Now().Unix())
}

// DeleteBranch soft-deletes name.
func (s *Space) DeleteBranch(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branchMg.Delete(ctx, s.db, name)
}

// ListBranches lists branches, optionally including soft-deleted ones.
func (s *Space) ListBranches(ctx context.Context, includeDeleted bool) ([]BranchInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branchMg.List(ctx, s.db, includeDeleted)
}

// DiffBranches reports entities added, removed, or modified on source
// relative to target since source's fork point.
func (s *Space) DiffBranches(ctx context.Context, source, target string) (DiffResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branchMg.Diff(ctx, s.db, source, target)
}

// History returns every fact ever recorded for id, across branches.
func (s *Space) History(ctx context.Context, id string) ([]Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.facts.History(ctx, s.db, id)
}

// Compact runs the background-compactor behavior explicitly, on caller
// demand: it removes facts for id on branch at or below the entity's
// nearest base (a snapshot, or a Set/Delete fact) that are unreferenced as
// any retained fact's parent. Exposed as an explicit
// call rather than a timer, since retention defaults to "retain all" and
// compaction is opt-in policy.
func (s *Space) Compact(ctx context.Context, branch, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	baseSeq, _, _, err := s.snapshot.nearestBase(ctx, s.db, branch, id, s.seq)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &StorageError{Op: "compact.begin", Err: err}
	}
	defer tx.Rollback()

	n, err := s.facts.Compact(ctx, tx, tx, id, branch, baseSeq)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, &StorageError{Op: "compact.tx", Err: err}
	}
	return n, nil
}
