package vm

import (
	"github.com/construct-go/homeserver/internal/authrules"
	"github.com/construct-go/homeserver/internal/errs"
	"github.com/construct-go/homeserver/internal/eventmodel"
	"github.com/construct-go/homeserver/internal/fiber"
	"github.com/construct-go/homeserver/internal/logctx"
	"github.com/construct-go/homeserver/internal/pubsub"
	"github.com/construct-go/homeserver/internal/stateres"
	"github.com/construct-go/homeserver/internal/store"
)

// stateResStore adapts a VM to stateres.EventStore; VM.Event already has
// the right shape but stateres depends on its own named interface rather
// than importing vm, so a thin wrapper avoids an import cycle.
type stateResStore struct{ vm *VM }

func (s stateResStore) Event(eventID string) (*eventmodel.Event, bool) { return s.vm.Event(eventID) }

// processOne runs a single staged event through all nine phases in order,
// stopping at the first failure. The returned error's errs.Code determines
// how runItem classifies the outcome (final rejection, retry, soft-fail,
// or duplicate).
func (vm *VM) processOne(f *fiber.Fiber, item *queueItem) error {
	// Phase 1: well-formedness.
	if len(item.eventJSON) > 65535 {
		return errs.New(errs.Invalid, "vm: event is %d bytes, exceeds 65535", len(item.eventJSON))
	}
	ev, err := eventmodel.NewEventFromUntrustedJSON(item.eventJSON, item.roomVersion)
	if err != nil {
		return errs.Wrap(errs.Invalid, err, "vm: well-formedness check failed")
	}
	if err := ev.CheckFields(); err != nil {
		return errs.Wrap(errs.Invalid, err, "vm: field validation failed")
	}
	log := logctx.WithEvent(ev.RoomID(), ev.EventID())

	// Phase 2: content hash. NewEventFromUntrustedJSON already folds this
	// in by redacting the event in place on mismatch rather than erroring,
	// matching room-version policy tolerance for unsigned-field mutation in
	// transit; a redacted event that still fails signature verification
	// below is rejected there instead.
	if ev.Redacted() {
		log.Debug("vm: content hash mismatch, event redacted in place")
	}

	// Phase 3: signature verification.
	if err := vm.verifySignature(f, &ev); err != nil {
		return err
	}

	// Phase 4: duplicate check.
	exists, err := vm.store.HasEvent(ev.EventID())
	if err != nil {
		return errs.Wrap(errs.Fatal, err, "vm: duplicate check")
	}
	if exists {
		return errs.New(errs.Exists, "vm: event %s already indexed", ev.EventID())
	}

	// Phase 5: ancestor fetch.
	for _, id := range append(append([]string{}, ev.AuthEventIDs()...), ev.PrevEventIDs()...) {
		if _, err := vm.fetchAncestor(f, id, item.origin, item.roomVersion, ancestorFetchDepthBudget); err != nil {
			return err
		}
	}

	// Phase 6: auth against auth_events.
	authState := authrules.BuildState(vm.stateEventsOf(ev.AuthEventIDs()))
	if err := authrules.Check(&ev, authState); err != nil {
		return errs.Wrap(errs.Auth, err, "vm: auth_events check failed for %s", ev.EventID())
	}

	// Phase 7: state resolution at the event's prev_events parents.
	resolved, err := vm.resolveState(&ev)
	if err != nil {
		return err
	}

	// Phase 8: auth against resolved state.
	softFailed := false
	if err := authrules.Check(&ev, resolved); err != nil {
		softFailed = true
		log.WithError(err).Warn("vm: auth failed against resolved state, soft-failing")
	}
	ev.SetSoftFailed(softFailed)

	// The event's own forward state (what later events see when they name
	// this one as a prev_events parent) folds ev into the pre-event
	// resolved state it was just checked against — but only when it is
	// both a state event and not soft-failed; a soft-failed state event is
	// persisted yet excluded from forward state.
	forward := resolved
	if ev.IsState() && !softFailed {
		sk := *ev.StateKey()
		forward = cloneWithOverride(resolved, authrules.StateKey{Type: ev.Type(), StateKey: sk}, &ev)
	}
	digest, node, err := encodeStateNode(forward)
	if err != nil {
		return errs.Wrap(errs.Fatal, err, "vm: encoding state node for %s", ev.EventID())
	}
	if err := vm.store.PutStateNode(stateNodeKey(digest), node); err != nil {
		return err
	}

	// Phase 9: commit.
	if err := vm.commit(&ev, digest, softFailed); err != nil {
		return err
	}
	if softFailed {
		return errs.New(errs.AuthAtState, "vm: %s soft-failed", ev.EventID())
	}
	return nil
}

// verifySignature implements phase 3: fetch the origin's current signing
// keys through the keyring (whose Fetcher is synchronous and does not
// suspend the fiber) and require its signature to verify.
func (vm *VM) verifySignature(f *fiber.Fiber, ev *eventmodel.Event) error {
	origin := string(ev.Origin())
	keyIDs, err := ev.KeyIDs(origin)
	if err != nil || len(keyIDs) == 0 {
		return errs.New(errs.BadSignature, "vm: event %s carries no usable signature from %s", ev.EventID(), origin)
	}
	if vm.keys == nil {
		return errs.New(errs.BadSignature, "vm: no keyring configured to verify %s's signature", origin)
	}
	var lastErr error
	for _, keyID := range keyIDs {
		if err := vm.keys.VerifyEventSignature(origin, keyID, ev.JSON()); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return errs.Wrap(errs.BadSignature, lastErr, "vm: no signature from %s verified for %s", origin, ev.EventID())
}

// resolveState implements phase 7: compute the state immediately before ev
// by resolving the states recorded at each of ev's prev_events parents.
// This is the state phase 8 authorises ev against; it does not yet
// contain ev itself.
func (vm *VM) resolveState(ev *eventmodel.Event) (authrules.State, error) {
	prevIDs := ev.PrevEventIDs()
	parentStates := make([]authrules.State, 0, len(prevIDs))
	for _, parentID := range prevIDs {
		st, err := vm.parentStateOf(ev.RoomID(), parentID)
		if err != nil {
			return nil, err
		}
		parentStates = append(parentStates, st)
	}

	resolved, err := stateres.Resolve(ev.RoomVersion(), parentStates, stateResStore{vm})
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "vm: state resolution failed for %s", ev.EventID())
	}
	return resolved, nil
}

func cloneWithOverride(state authrules.State, key authrules.StateKey, ev *eventmodel.Event) authrules.State {
	out := make(authrules.State, len(state)+1)
	for k, v := range state {
		out[k] = v
	}
	out[key] = ev
	return out
}

// commit implements phase 9: derive the CommitRecord fields and perform
// the store's single batched write, then advance the in-memory head
// tracker to match.
func (vm *VM) commit(ev *eventmodel.Event, stateDigest []byte, softFailed bool) error {
	removedParents := ev.PrevEventIDs()

	var stateKey *string
	if ev.IsState() {
		sk := *ev.StateKey()
		stateKey = &sk
	}

	membership := ""
	originPart := ""
	if ev.Type() == "m.room.member" {
		m, err := ev.Membership()
		if err == nil {
			membership = m
		}
		if sk := ev.StateKey(); sk != nil {
			if _, domain, err := eventmodel.SplitID('@', *sk); err == nil {
				originPart = string(domain)
			}
		}
	}

	rec := store.CommitRecord{
		EventID:         ev.EventID(),
		EventJSON:       ev.JSON(),
		RoomID:          ev.RoomID(),
		Depth:           ev.Depth(),
		Sender:          ev.Sender(),
		Type:            ev.Type(),
		StateKey:        stateKey,
		IsStateEvent:    ev.IsState(),
		SoftFailed:      softFailed,
		Membership:      membership,
		Origin:          originPart,
		StateRootDigest: stateDigest,
		RemovedParents:  removedParents,
	}

	idx, err := vm.store.Commit(rec)
	if err != nil {
		return err
	}
	vm.heads.Advance(ev.RoomID(), ev.EventID(), ev.Depth(), idx, removedParents)
	vm.uncache(ev.EventID()) // committed: the durable store is now authoritative for it

	// Emit to in-process subscribers. A publish failure never undoes the
	// commit above: the store write and head advance it describes have
	// already happened, so the worst a broker outage costs is a read
	// model that falls behind until it next reconciles from the store.
	if err := vm.bus.Publish(pubsub.CommitEvent{
		RoomID:     ev.RoomID(),
		EventID:    ev.EventID(),
		Depth:      ev.Depth(),
		Type:       ev.Type(),
		StateKey:   stateKey,
		SoftFailed: softFailed,
	}); err != nil {
		logctx.WithEvent(ev.RoomID(), ev.EventID()).WithError(err).Warn("vm: publishing commit notification failed")
	}
	return nil
}
