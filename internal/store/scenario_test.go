package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/memspace/pkg/patchops"
)

func openTestSpace(t *testing.T) *Space {
	t.Helper()
	sp, err := OpenMemory("test", DefaultEngineConfig())
	require.NoError(t, err)
	t.Cleanup(func() { sp.Close() })
	return sp
}

func setOp(id string, value any) UserOp {
	return UserOp{Kind: OpSet, ID: id, Value: value}
}

func replaceOp(id, path string, value any) UserOp {
	return UserOp{Kind: OpPatch, ID: id, Patches: []patchops.Op{{Op: patchops.Replace, Path: path, Value: value}}}
}

// S1: seq monotonicity + content-address dedup.
func TestScenarioSeqMonotonicityAndDedup(t *testing.T) {
	ctx := context.Background()
	sp := openTestSpace(t)

	r1, err := sp.Transact(ctx, "s1", ClientCommit{
		Reads:      ReadSet{Confirmed: []ConfirmedRead{{ID: "e:1", Seq: 0}}},
		Operations: []UserOp{setOp("e:1", map[string]any{"a": float64(1)})},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), r1.Commit.Seq)
	require.Len(t, r1.Facts, 1)
	require.Empty(t, r1.Facts[0].Parent)

	r2, err := sp.Transact(ctx, "s1", ClientCommit{
		Reads:      ReadSet{Confirmed: []ConfirmedRead{{ID: "e:2", Seq: 0}}},
		Operations: []UserOp{setOp("e:2", map[string]any{"a": float64(1)})},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), r2.Commit.Seq)
	require.Empty(t, r2.Facts[0].Parent)

	require.NotEqual(t, r1.Facts[0].Hash, r2.Facts[0].Hash)
	require.Equal(t, r1.Facts[0].ValueRef, r2.Facts[0].ValueRef, "identical values must dedup to one content row")
}

// S2: patch + snapshot replay.
func TestScenarioPatchAndSnapshotReplay(t *testing.T) {
	ctx := context.Background()
	sp := openTestSpace(t)

	_, err := sp.Transact(ctx, "s1", ClientCommit{
		Reads:      ReadSet{Confirmed: []ConfirmedRead{{ID: "c", Seq: 0}}},
		Operations: []UserOp{setOp("c", map[string]any{"n": float64(0)})},
	})
	require.NoError(t, err)

	for k := 1; k <= 11; k++ {
		_, err := sp.Transact(ctx, "s1", ClientCommit{
			Reads:      ReadSet{Confirmed: []ConfirmedRead{{ID: "c", Seq: int64(k)}}},
			Operations: []UserOp{replaceOp("c", "/n", float64(k))},
		})
		require.NoError(t, err)
	}

	current, err := sp.ReadCurrent(ctx, DefaultBranch, "c")
	require.NoError(t, err)
	require.Equal(t, StatusValue, current.Status)
	require.Equal(t, map[string]any{"n": float64(11)}, current.Value)

	pit, err := sp.ReadAt(ctx, DefaultBranch, "c", 7)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"n": float64(6)}, pit.Value)

	n, err := sp.Compact(ctx, DefaultBranch, "c")
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 0)

	current2, err := sp.ReadCurrent(ctx, DefaultBranch, "c")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"n": float64(11)}, current2.Value)

	pit2, err := sp.ReadAt(ctx, DefaultBranch, "c", 7)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"n": float64(6)}, pit2.Value)
}

// S3: seq-based conflict, not CAS.
func TestScenarioSeqBasedConflict(t *testing.T) {
	ctx := context.Background()
	sp := openTestSpace(t)

	_, err := sp.Transact(ctx, "setup", ClientCommit{
		Operations: []UserOp{setOp("x", "v0"), setOp("y", "w0")},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := sp.Transact(ctx, "setup", ClientCommit{Operations: []UserOp{setOp("z", i)}})
		require.NoError(t, err)
	}

	headSeq := func(id string) int64 {
		r, err := sp.ReadCurrent(ctx, DefaultBranch, id)
		require.NoError(t, err)
		return r.Seq
	}
	xSeq := headSeq("x")

	_, err = sp.Transact(ctx, "b", ClientCommit{Operations: []UserOp{setOp("y", "w1")}})
	require.NoError(t, err)

	result, err := sp.Transact(ctx, "a", ClientCommit{
		Reads:      ReadSet{Confirmed: []ConfirmedRead{{ID: "x", Seq: xSeq}}},
		Operations: []UserOp{setOp("x", "v1")},
	})
	require.NoError(t, err, "A is accepted because reads.seq >= head(x).seq, B never touched x")
	require.NotZero(t, result.Commit.Seq)

	_, err = sp.Transact(ctx, "b2", ClientCommit{Operations: []UserOp{setOp("x", "v2")}})
	require.NoError(t, err)

	_, err = sp.Transact(ctx, "a2", ClientCommit{
		Reads:      ReadSet{Confirmed: []ConfirmedRead{{ID: "x", Seq: xSeq}}},
		Operations: []UserOp{setOp("x", "v3")},
	})
	require.Error(t, err, "B's intervening write to x must reject A's stale read")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "v2", conflict.ActualValue)
}

// S4: stacked pending with cascading rejection.
func TestScenarioCascadingRejection(t *testing.T) {
	ctx := context.Background()
	sp := openTestSpace(t)

	_, err := sp.Transact(ctx, "session", ClientCommit{
		LocalSeq:   1,
		Operations: []UserOp{setOp("a", "new")},
	})
	require.NoError(t, err)

	sp.RejectPending("session", 1)

	_, err = sp.Transact(ctx, "session", ClientCommit{
		LocalSeq: 2,
		Reads:    ReadSet{Pending: []PendingRead{{ID: "a", LocalSeq: 1}}},
		Operations: []UserOp{
			setOp("b", "derived(new)"),
		},
	})
	require.Error(t, err)
	var cascade *CascadedRejectionError
	require.ErrorAs(t, err, &cascade)

	result, err := sp.ReadCurrent(ctx, DefaultBranch, "b")
	require.NoError(t, err)
	require.Equal(t, StatusNeverExisted, result.Status, "the cascade-rejected commit must never have applied to server state")
}

// S5: branch fork, write, merge.
func TestScenarioBranchForkWriteMerge(t *testing.T) {
	ctx := context.Background()
	sp := openTestSpace(t)

	for i := 0; i < 9; i++ {
		_, err := sp.Transact(ctx, "setup", ClientCommit{Operations: []UserOp{setOp("filler", i)}})
		require.NoError(t, err)
	}
	_, err := sp.Transact(ctx, "setup", ClientCommit{Operations: []UserOp{setOp("e", map[string]any{"k": "v0"})}})
	require.NoError(t, err)

	forkSeq := int64(10)
	_, err = sp.CreateBranch(ctx, "draft", DefaultBranch, forkSeq)
	require.NoError(t, err)

	_, err = sp.Transact(ctx, "draft-writer", ClientCommit{
		Branch:     "draft",
		Operations: []UserOp{replaceOp("e", "/k", "v1")},
	})
	require.NoError(t, err)

	_, err = sp.Transact(ctx, "default-writer", ClientCommit{
		Operations: []UserOp{setOp("f", "only on default")},
	})
	require.NoError(t, err)

	_, conflicts, err := sp.Merge(ctx, "draft", DefaultBranch, nil)
	require.NoError(t, err)
	require.Empty(t, conflicts)

	current, err := sp.ReadCurrent(ctx, DefaultBranch, "e")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"k": "v1"}, current.Value)

	pit, err := sp.ReadAt(ctx, DefaultBranch, "e", forkSeq)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"k": "v0"}, pit.Value)
}

// S6: cross-session subscription fan-out.
func TestScenarioSubscriptionFanOut(t *testing.T) {
	ctx := context.Background()
	sp := openTestSpace(t)

	var delivered []ChangeEvent
	sp.Subscribe(ListenerFunc(func(ev ChangeEvent) {
		delivered = append(delivered, ev)
	}))

	result, err := sp.Transact(ctx, "s2", ClientCommit{
		Operations: []UserOp{setOp("w", map[string]any{})},
	})
	require.NoError(t, err)

	require.Len(t, delivered, 1, "exactly one commit notification per successful transact")
	require.Equal(t, result.Commit.Hash, delivered[0].Commit.Hash)
	require.Len(t, delivered[0].Facts, 1)
	require.Equal(t, "w", delivered[0].Facts[0].ID)
}
