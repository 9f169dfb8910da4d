package clientstate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func noopPatch(base any, ops []PatchOp) (any, error) {
	m, _ := base.(map[string]any)
	if m == nil {
		m = make(map[string]any)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, op := range ops {
		out[op.Path] = op.Value
	}
	return out, nil
}

type recorder struct {
	events []Notification
}

func (r *recorder) Notify(n Notification) { r.events = append(r.events, n) }

func TestReadPrefersPendingOverConfirmed(t *testing.T) {
	m := NewMachine("", noopPatch)
	m.confirmed["a"] = &entity{seq: 1, value: "old"}

	_, err := m.Commit([]Op{{Kind: OpSet, ID: "a", Value: "new"}})
	require.NoError(t, err)

	v, ok := m.Read("a")
	require.True(t, ok)
	require.Equal(t, "new", v)
}

func TestCommitFiresNotificationSynchronously(t *testing.T) {
	m := NewMachine("", noopPatch)
	rec := &recorder{}
	m.Subscribe(rec)

	_, err := m.Commit([]Op{{Kind: OpSet, ID: "a", Value: 1}})
	require.NoError(t, err)

	require.Len(t, rec.events, 1)
	require.Equal(t, NotifyCommit, rec.events[0].Kind)
	require.Equal(t, Diff{Before: Unset{}, After: 1}, rec.events[0].Diffs["a"])
}

func TestAcceptPromotesToConfirmed(t *testing.T) {
	m := NewMachine("", noopPatch)
	pc, err := m.Commit([]Op{{Kind: OpSet, ID: "a", Value: 1}})
	require.NoError(t, err)

	require.NoError(t, m.Accept(nil, pc.LocalSeq, 5, map[string]any{"a": 1}, nil))
	require.Equal(t, 0, m.PendingCount())

	v, ok := m.Read("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestRejectFiresRevertAndCascades(t *testing.T) {
	m := NewMachine("", noopPatch)
	rec := &recorder{}

	pc1, err := m.Commit([]Op{{Kind: OpClaim, ID: "a"}, {Kind: OpSet, ID: "b", Value: 1}})
	require.NoError(t, err)
	require.NotNil(t, pc1)

	// pc2 reads b, which is currently pending from pc1 — cascades on reject.
	pc2, err := m.Commit([]Op{{Kind: OpSet, ID: "b", Value: 2}, {Kind: OpSet, ID: "c", Value: 3}})
	require.NoError(t, err)

	m.Subscribe(rec)
	rejected := m.Reject(pc1.LocalSeq, nil)
	require.Contains(t, rejected, pc1.LocalSeq)
	require.Contains(t, rejected, pc2.LocalSeq)
	require.Equal(t, 0, m.PendingCount())
	require.Len(t, rec.events, 2)
	require.Equal(t, NotifyRevert, rec.events[0].Kind)
	require.Equal(t, NotifyRevert, rec.events[1].Kind)
}

func TestIntegrateSuppressedWhilePending(t *testing.T) {
	m := NewMachine("", noopPatch)
	_, err := m.Commit([]Op{{Kind: OpSet, ID: "a", Value: 1}})
	require.NoError(t, err)

	rec := &recorder{}
	m.Subscribe(rec)
	m.Integrate("a", 9, "external", false)

	require.Empty(t, rec.events)
	v, ok := m.Read("a")
	require.True(t, ok)
	require.Equal(t, 1, v) // still the pending value, not the integrate
}

func TestIntegrateAppliesWhenNotPending(t *testing.T) {
	m := NewMachine("", noopPatch)
	rec := &recorder{}
	m.Subscribe(rec)

	m.Integrate("x", 2, "remote", false)

	require.Len(t, rec.events, 1)
	require.Equal(t, NotifyIntegrate, rec.events[0].Kind)
	v, ok := m.Read("x")
	require.True(t, ok)
	require.Equal(t, "remote", v)
}

func TestDeleteThenReadReportsNotExists(t *testing.T) {
	m := NewMachine("", noopPatch)
	m.confirmed["a"] = &entity{seq: 1, value: "old"}

	_, err := m.Commit([]Op{{Kind: OpDelete, ID: "a"}})
	require.NoError(t, err)

	_, ok := m.Read("a")
	require.False(t, ok)
}
