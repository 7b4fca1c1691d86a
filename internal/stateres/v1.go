package stateres

import (
	"github.com/construct-go/homeserver/internal/authrules"
	"github.com/construct-go/homeserver/internal/eventmodel"
)

// resolveV1 applies room version 1's linear state resolution: unconflicted
// entries carry over unchanged, and each conflicted (type, state_key)
// goes to the candidate with the highest depth, ties broken by the
// lexicographically greatest event_id. Power events and memberships get
// no separate power-level or mainline ordering, and store is not
// consulted.
func resolveV1(parentStates []authrules.State, store EventStore) authrules.State {
	unconflicted, conflictedKeys := partitionConflicts(parentStates)
	resolved := cloneState(unconflicted)

	for key := range conflictedKeys {
		var candidates []*eventmodel.Event
		for _, st := range parentStates {
			if ev, ok := st[key]; ok {
				candidates = append(candidates, ev)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		resolved[key] = pickByDepthThenID(candidates)
	}
	return resolved
}

func pickByDepthThenID(candidates []*eventmodel.Event) *eventmodel.Event {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Depth() > best.Depth() {
			best = c
		} else if c.Depth() == best.Depth() && c.EventID() > best.EventID() {
			best = c
		}
	}
	return best
}
