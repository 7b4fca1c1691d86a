// Package stateres computes a room's state at an event from the states at
// each of its parents: the v1 linear algorithm for room version 1 (each
// conflicted key goes to the candidate with the highest depth, ties broken
// by event_id), and the iterative auth-difference algorithm ("state
// resolution v2") for every later version; see DESIGN.md.
package stateres

import (
	"sort"

	"github.com/construct-go/homeserver/internal/authrules"
	"github.com/construct-go/homeserver/internal/eventmodel"
)

// StateKey identifies one state event by (type, state_key), mirroring
// authrules.StateKey so callers can move between the two packages freely.
type StateKey = authrules.StateKey

// EventStore is the minimal read-only event access state resolution needs;
// internal/vm supplies an implementation backed by internal/store plus
// whatever is staged in the current pipeline run.
type EventStore interface {
	Event(eventID string) (*eventmodel.Event, bool)
}

// Resolve computes the state at an event given the resolved states of each
// of its immediate parents (one authrules.State per prev_events entry).
// For room version 1 it applies the linear algorithm (the legacy
// "most recent state wins, ties broken by depth/event_id"); for every
// other room version it applies state resolution v2.
func Resolve(rv eventmodel.RoomVersion, parentStates []authrules.State, store EventStore) (authrules.State, error) {
	alg, err := rv.StateResAlgorithm()
	if err != nil {
		return nil, err
	}
	if len(parentStates) == 0 {
		return authrules.State{}, nil
	}
	if len(parentStates) == 1 {
		return cloneState(parentStates[0]), nil
	}
	switch alg {
	case eventmodel.StateResV1:
		return resolveV1(parentStates, store), nil
	default:
		return resolveV2(parentStates, store)
	}
}

func cloneState(s authrules.State) authrules.State {
	out := make(authrules.State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// partitionConflicts returns the entries every parent state agrees on (the
// same event under a given key in every parent), and the set of keys where
// parents disagree; a key missing from some parents counts as a
// disagreement.
func partitionConflicts(parentStates []authrules.State) (unconflicted authrules.State, conflictedKeys map[StateKey]bool) {
	allKeys := make(map[StateKey]bool)
	for _, st := range parentStates {
		for k := range st {
			allKeys[k] = true
		}
	}
	unconflicted = make(authrules.State)
	conflictedKeys = make(map[StateKey]bool)
	for k := range allKeys {
		var first *eventmodel.Event
		agree := true
		for _, st := range parentStates {
			ev, ok := st[k]
			if !ok {
				agree = false
				break
			}
			if first == nil {
				first = ev
			} else if first.EventID() != ev.EventID() {
				agree = false
			}
		}
		if agree && first != nil {
			unconflicted[k] = first
		} else {
			conflictedKeys[k] = true
		}
	}
	return unconflicted, conflictedKeys
}
