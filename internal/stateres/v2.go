package stateres

import (
	"encoding/json"
	"sort"

	"github.com/construct-go/homeserver/internal/authrules"
	"github.com/construct-go/homeserver/internal/errs"
	"github.com/construct-go/homeserver/internal/eventmodel"
)

// resolveV2 implements state resolution v2 as the Matrix specification
// describes it: compute the full conflicted set (conflicting state entries
// plus their auth difference), order it by reverse topological power
// ordering for "control" events and mainline ordering for the rest, then
// apply each event's auth check iteratively against the state accumulated
// so far, keeping only the events that pass.
func resolveV2(parentStates []authrules.State, store EventStore) (authrules.State, error) {
	unconflicted, conflictedKeys := partitionConflicts(parentStates)

	conflicted := make(map[string]*eventmodel.Event) // event_id -> event, deduped
	for key := range conflictedKeys {
		for _, st := range parentStates {
			if ev, ok := st[key]; ok {
				conflicted[ev.EventID()] = ev
			}
		}
	}
	if len(conflicted) == 0 {
		return unconflicted, nil
	}

	authDiff, err := authDifference(conflicted, store)
	if err != nil {
		return nil, err
	}
	fullConflicted := make(map[string]*eventmodel.Event, len(conflicted)+len(authDiff))
	for id, ev := range conflicted {
		fullConflicted[id] = ev
	}
	for id, ev := range authDiff {
		fullConflicted[id] = ev
	}

	var controlEvents, otherEvents []*eventmodel.Event
	for _, ev := range fullConflicted {
		if isControlEvent(ev) {
			controlEvents = append(controlEvents, ev)
		} else {
			otherEvents = append(otherEvents, ev)
		}
	}

	resolved := cloneState(unconflicted)

	orderedControl, err := reverseTopologicalPowerOrder(controlEvents, store, resolved)
	if err != nil {
		return nil, err
	}
	for _, ev := range orderedControl {
		iterativeApply(ev, resolved)
	}

	mainline := buildMainline(resolved, store)
	orderedOthers := mainlineOrder(otherEvents, mainline, store)
	for _, ev := range orderedOthers {
		iterativeApply(ev, resolved)
	}

	return resolved, nil
}

func isControlEvent(ev *eventmodel.Event) bool {
	switch ev.Type() {
	case eventmodel.MRoomPowerLevels, eventmodel.MRoomJoinRules, eventmodel.MRoomCreate:
		return true
	case eventmodel.MRoomMember:
		m, err := ev.Membership()
		if err != nil {
			return false
		}
		if sk := ev.StateKey(); sk != nil {
			return (m == eventmodel.MembershipLeave || m == eventmodel.MembershipBan) && *sk != ev.Sender()
		}
		return false
	default:
		return false
	}
}

// iterativeApply checks ev against the running resolved state and, if it
// passes, writes it into resolved under its (type, state_key) key. A
// rejected event leaves the prior value (if any) untouched, matching state
// resolution v2's "drop events that fail auth against the partial
// resolution so far" rule.
func iterativeApply(ev *eventmodel.Event, resolved authrules.State) {
	if authrules.Check(ev, resolved) != nil {
		return
	}
	sk := ""
	if k := ev.StateKey(); k != nil {
		sk = *k
	} else {
		return
	}
	resolved[StateKey{Type: ev.Type(), StateKey: sk}] = ev
}

// authDifference returns every event reachable in some conflicting event's
// auth chain but not reachable in the auth chain of every conflicting
// event, i.e. auth_chain(union) minus auth_chain(intersection).
func authDifference(conflicted map[string]*eventmodel.Event, store EventStore) (map[string]*eventmodel.Event, error) {
	chains := make([]map[string]*eventmodel.Event, 0, len(conflicted))
	for _, ev := range conflicted {
		chain, err := authChain(ev, store)
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}
	if len(chains) == 0 {
		return nil, nil
	}

	union := make(map[string]*eventmodel.Event)
	for _, c := range chains {
		for id, ev := range c {
			union[id] = ev
		}
	}
	intersection := make(map[string]bool, len(chains[0]))
	for id := range chains[0] {
		inAll := true
		for _, c := range chains[1:] {
			if _, ok := c[id]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			intersection[id] = true
		}
	}

	diff := make(map[string]*eventmodel.Event)
	for id, ev := range union {
		if !intersection[id] {
			diff[id] = ev
		}
	}
	return diff, nil
}

func authChain(ev *eventmodel.Event, store EventStore) (map[string]*eventmodel.Event, error) {
	out := make(map[string]*eventmodel.Event)
	var walk func(e *eventmodel.Event) error
	walk = func(e *eventmodel.Event) error {
		for _, authID := range e.AuthEventIDs() {
			if _, seen := out[authID]; seen {
				continue
			}
			authEv, ok := store.Event(authID)
			if !ok {
				return errs.New(errs.FetchFailed, "stateres: missing auth event %s", authID)
			}
			out[authID] = authEv
			if err := walk(authEv); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(ev); err != nil {
		return nil, err
	}
	return out, nil
}

// reverseTopologicalPowerOrder sorts control events so that an event's
// auth_events always precede it, breaking ties by the sender's power level
// (as of resolvedSoFar, falling back to 0), then origin_server_ts, then
// event_id — the ordering state resolution v2 uses before iteratively
// applying control events.
func reverseTopologicalPowerOrder(events []*eventmodel.Event, store EventStore, resolvedSoFar authrules.State) ([]*eventmodel.Event, error) {
	byID := make(map[string]*eventmodel.Event, len(events))
	for _, ev := range events {
		byID[ev.EventID()] = ev
	}

	powerOf := func(ev *eventmodel.Event) int64 {
		pl := resolvedSoFar.Get(eventmodel.MRoomPowerLevels, "")
		if pl == nil {
			return 0
		}
		var content struct {
			Users map[string]int64 `json:"users"`
		}
		if err := json.Unmarshal(pl.Content(), &content); err != nil {
			return 0
		}
		if lvl, ok := content.Users[ev.Sender()]; ok {
			return lvl
		}
		return 0
	}

	sorted := make([]*eventmodel.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := powerOf(sorted[i]), powerOf(sorted[j])
		if pi != pj {
			return pi > pj
		}
		if sorted[i].OriginServerTS() != sorted[j].OriginServerTS() {
			return sorted[i].OriginServerTS() < sorted[j].OriginServerTS()
		}
		return sorted[i].EventID() < sorted[j].EventID()
	})

	visited := make(map[string]bool, len(sorted))
	var order []*eventmodel.Event
	var visit func(ev *eventmodel.Event)
	visit = func(ev *eventmodel.Event) {
		if visited[ev.EventID()] {
			return
		}
		visited[ev.EventID()] = true
		for _, authID := range ev.AuthEventIDs() {
			if dep, ok := byID[authID]; ok {
				visit(dep)
			}
		}
		order = append(order, ev)
	}
	for _, ev := range sorted {
		visit(ev)
	}
	return order, nil
}

// buildMainline walks the chain of power_levels events backward through
// resolved state's current power_levels event's own auth_events, following
// whichever auth_event is itself a power_levels event, stopping when none
// is found. It returns a position index (later == closer to the tip).
func buildMainline(resolved authrules.State, store EventStore) map[string]int {
	mainline := map[string]int{}
	pl := resolved.Get(eventmodel.MRoomPowerLevels, "")
	pos := 0
	for pl != nil {
		mainline[pl.EventID()] = pos
		pos++
		var next *eventmodel.Event
		for _, authID := range pl.AuthEventIDs() {
			authEv, ok := store.Event(authID)
			if ok && authEv.Type() == eventmodel.MRoomPowerLevels {
				next = authEv
				break
			}
		}
		pl = next
	}
	return mainline
}

func mainlineOrder(events []*eventmodel.Event, mainline map[string]int, store EventStore) []*eventmodel.Event {
	mainlinePos := func(ev *eventmodel.Event) int {
		seen := map[string]bool{}
		cur := ev
		for cur != nil {
			if pos, ok := mainline[cur.EventID()]; ok {
				return pos
			}
			var next *eventmodel.Event
			for _, authID := range cur.AuthEventIDs() {
				if seen[authID] {
					continue
				}
				seen[authID] = true
				authEv, ok := store.Event(authID)
				if ok && authEv.Type() == eventmodel.MRoomPowerLevels {
					next = authEv
					break
				}
			}
			cur = next
		}
		return -1
	}

	sorted := make([]*eventmodel.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := mainlinePos(sorted[i]), mainlinePos(sorted[j])
		if pi != pj {
			return pi > pj
		}
		if sorted[i].OriginServerTS() != sorted[j].OriginServerTS() {
			return sorted[i].OriginServerTS() < sorted[j].OriginServerTS()
		}
		return sorted[i].EventID() < sorted[j].EventID()
	})
	return sorted
}
