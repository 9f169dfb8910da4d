package store

import (
	"context"

	"github.com/kittclouds/memspace/pkg/subscribe"
)

// NewHubListener adapts a subscribe.Hub into the Listener this Space's
// commit fan-out expects, translating each ChangeEvent into the
// subscribe.CommitEvent vocabulary. Resolve is evaluated lazily per
// subscription (only for facts that pass that subscription's selector),
// reading the committed value back through the normal ReadCurrent path.
func (s *Space) NewHubListener(hub *subscribe.Hub) Listener {
	return ListenerFunc(func(ev ChangeEvent) {
		ids := make([]string, len(ev.Facts))
		for i, f := range ev.Facts {
			ids[i] = f.ID
		}
		hub.Dispatch(subscribe.CommitEvent{
			CommitHash: string(ev.Commit.Hash),
			Seq:        ev.Commit.Seq,
			Branch:     ev.Commit.Branch,
			FactIDs:    ids,
			Resolve: func(id string) (any, bool, bool) {
				result, err := s.ReadCurrent(context.Background(), ev.Commit.Branch, id)
				if err != nil || result.Status == StatusNeverExisted {
					return nil, false, false
				}
				return result.Value, result.Status == StatusDeleted, true
			},
		})
	})
}
