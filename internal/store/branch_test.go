package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBranchNameReuseAfterDeleteIsPermanentlyBlocked(t *testing.T) {
	ctx := context.Background()
	sp := openTestSpace(t)

	_, err := sp.CreateBranch(ctx, "feature", DefaultBranch, 0)
	require.NoError(t, err)

	require.NoError(t, sp.DeleteBranch(ctx, "feature"))

	_, err = sp.CreateBranch(ctx, "feature", DefaultBranch, 0)
	require.Error(t, err)
	var taken *NameTakenError
	require.ErrorAs(t, err, &taken)
}

func TestBranchDepthCapRejectsFurtherForks(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultEngineConfig()
	cfg.MaxBranchDepth = 2
	sp, err := OpenMemory("depth-test", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { sp.Close() })

	_, err = sp.CreateBranch(ctx, "b1", DefaultBranch, 0)
	require.NoError(t, err)
	_, err = sp.CreateBranch(ctx, "b2", "b1", 0)
	require.NoError(t, err)

	_, err = sp.CreateBranch(ctx, "b3", "b2", 0)
	require.Error(t, err, "forking past the configured depth cap must be rejected")
	var depthErr *DepthExceededError
	require.ErrorAs(t, err, &depthErr)
}

func TestDeleteBranchRejectsDefaultBranch(t *testing.T) {
	ctx := context.Background()
	sp := openTestSpace(t)

	err := sp.DeleteBranch(ctx, DefaultBranch)
	require.Error(t, err)
	var isDefault *IsDefaultError
	require.ErrorAs(t, err, &isDefault)
}

func TestForkIntoTheFutureIsRejected(t *testing.T) {
	ctx := context.Background()
	sp := openTestSpace(t)

	_, err := sp.Transact(ctx, "setup", ClientCommit{Operations: []UserOp{setOp("a", 1)}})
	require.NoError(t, err)

	_, err = sp.CreateBranch(ctx, "ahead", DefaultBranch, 999)
	require.Error(t, err)
	var seqErr *SeqOutOfRangeError
	require.ErrorAs(t, err, &seqErr)
}

func TestDiffBranchesClassifiesAddedRemovedModified(t *testing.T) {
	ctx := context.Background()
	sp := openTestSpace(t)

	_, err := sp.Transact(ctx, "setup", ClientCommit{
		Operations: []UserOp{setOp("shared", "base"), setOp("removed-on-draft", "x")},
	})
	require.NoError(t, err)

	_, err = sp.CreateBranch(ctx, "draft", DefaultBranch, 0)
	require.NoError(t, err)

	_, err = sp.Transact(ctx, "draft-writer", ClientCommit{
		Branch: "draft",
		Operations: []UserOp{
			setOp("shared", "modified"),
			{Kind: OpDelete, ID: "removed-on-draft"},
			setOp("added", "new"),
		},
	})
	require.NoError(t, err)

	diff, err := sp.DiffBranches(ctx, "draft", DefaultBranch)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"added"}, diff.Added)
	// A delete on source still produces a fact, so it diffs against the
	// target's Set fact as Modified rather than Removed (Removed only fires
	// when source has no fact for the id at all within the visible window).
	require.ElementsMatch(t, []string{"shared", "removed-on-draft"}, diff.Modified)
	require.Empty(t, diff.Removed)
}

func TestMergeLeavesEntityUnchangedWhenSourceUnchanged(t *testing.T) {
	ctx := context.Background()
	sp := openTestSpace(t)

	_, err := sp.Transact(ctx, "setup", ClientCommit{Operations: []UserOp{setOp("f", "base")}})
	require.NoError(t, err)

	_, err = sp.CreateBranch(ctx, "draft", DefaultBranch, 0)
	require.NoError(t, err)

	_, err = sp.Transact(ctx, "default-writer", ClientCommit{Operations: []UserOp{setOp("f", "changed-on-default")}})
	require.NoError(t, err)

	_, conflicts, err := sp.Merge(ctx, "draft", DefaultBranch, nil)
	require.NoError(t, err)
	require.Empty(t, conflicts)

	result, err := sp.ReadCurrent(ctx, DefaultBranch, "f")
	require.NoError(t, err)
	require.Equal(t, "changed-on-default", result.Value)
}

func TestMergeReportsConflictWithoutApplyingAnything(t *testing.T) {
	ctx := context.Background()
	sp := openTestSpace(t)

	_, err := sp.Transact(ctx, "setup", ClientCommit{Operations: []UserOp{setOp("shared", "base")}})
	require.NoError(t, err)

	_, err = sp.CreateBranch(ctx, "draft", DefaultBranch, 1)
	require.NoError(t, err)

	_, err = sp.Transact(ctx, "draft-writer", ClientCommit{Branch: "draft", Operations: []UserOp{setOp("shared", "from-draft")}})
	require.NoError(t, err)
	_, err = sp.Transact(ctx, "default-writer", ClientCommit{Operations: []UserOp{setOp("shared", "from-default")}})
	require.NoError(t, err)

	result, conflicts, err := sp.Merge(ctx, "draft", DefaultBranch, nil)
	require.NoError(t, err)
	require.Nil(t, result)
	require.Len(t, conflicts, 1)
	require.Equal(t, "shared", conflicts[0].ID)
	require.Equal(t, "from-draft", conflicts[0].SourceValue)
	require.Equal(t, "from-default", conflicts[0].TargetValue)

	current, err := sp.ReadCurrent(ctx, DefaultBranch, "shared")
	require.NoError(t, err)
	require.Equal(t, "from-default", current.Value, "an unresolved conflict must leave target state untouched")
}
