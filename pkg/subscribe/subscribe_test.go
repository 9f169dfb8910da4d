package subscribe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func resolveFrom(values map[string]any) func(string) (any, bool, bool) {
	return func(id string) (any, bool, bool) {
		v, ok := values[id]
		if !ok {
			return nil, false, false
		}
		return v, false, true
	}
}

func TestWildcardMatchesEverything(t *testing.T) {
	require.True(t, Wildcard{}.Matches("anything"))
}

func TestByIDsMatchesOnlyGivenSet(t *testing.T) {
	sel := NewByIDs("a", "b")
	require.True(t, sel.Matches("a"))
	require.False(t, sel.Matches("c"))
	require.ElementsMatch(t, []string{"a", "b"}, sel.IDs())
}

func TestHubDeliversMatchingCommit(t *testing.T) {
	hub := NewHub()
	out := make(chan Batch, 1)
	sub := NewSubscription(NewByIDs("a"), "", out)
	hub.Register(sub)

	hub.Dispatch(CommitEvent{
		CommitHash: "c1",
		Seq:        1,
		FactIDs:    []string{"a", "b"},
		Resolve:    resolveFrom(map[string]any{"a": "va", "b": "vb"}),
	})

	batch := <-out
	require.Equal(t, int64(1), batch.Seq)
	require.Len(t, batch.Updates, 1)
	require.Equal(t, "a", batch.Updates[0].ID)
}

func TestHubSuppressesAlreadyDeliveredSeq(t *testing.T) {
	hub := NewHub()
	out := make(chan Batch, 2)
	sub := NewSubscription(Wildcard{}, "", out)
	hub.Register(sub)

	hub.Dispatch(CommitEvent{CommitHash: "c1", Seq: 1, FactIDs: []string{"a"}, Resolve: resolveFrom(map[string]any{"a": 1})})
	<-out

	// A stale replay at the same seq must not re-deliver.
	hub.Dispatch(CommitEvent{CommitHash: "c1", Seq: 1, FactIDs: []string{"a"}, Resolve: resolveFrom(map[string]any{"a": 1})})

	select {
	case b := <-out:
		t.Fatalf("unexpected redelivery: %+v", b)
	default:
	}
}

func TestHubBranchFiltering(t *testing.T) {
	hub := NewHub()
	out := make(chan Batch, 1)
	sub := NewSubscription(Wildcard{}, "feature", out)
	hub.Register(sub)

	hub.Dispatch(CommitEvent{CommitHash: "c1", Seq: 1, Branch: "", FactIDs: []string{"a"}, Resolve: resolveFrom(map[string]any{"a": 1})})

	select {
	case b := <-out:
		t.Fatalf("unexpected delivery on wrong branch: %+v", b)
	default:
	}
}

func TestClosedSubscriptionUnregisters(t *testing.T) {
	hub := NewHub()
	out := make(chan Batch, 1)
	sub := NewSubscription(Wildcard{}, "", out)
	hub.Register(sub)
	sub.Close()

	hub.Dispatch(CommitEvent{CommitHash: "c1", Seq: 1, FactIDs: []string{"a"}, Resolve: resolveFrom(map[string]any{"a": 1})})

	select {
	case b := <-out:
		t.Fatalf("closed subscription should not receive: %+v", b)
	default:
	}
}

func TestUnsubscribeTransitionsToClosing(t *testing.T) {
	out := make(chan Batch, 1)
	sub := NewSubscription(Wildcard{}, "", out)
	require.Equal(t, Active, sub.State())
	sub.Unsubscribe()
	require.Equal(t, Closing, sub.State())
	sub.Close()
	require.Equal(t, Closed, sub.State())
}
