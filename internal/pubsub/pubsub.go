// Package pubsub gives each component that emits a durable state change an
// explicit publisher object, and everything downstream of it (read-model
// caches, presence fan-out, the eventual client-facing sync stream) an
// explicit Subscribe call rather than a hand-rolled callback slice: a
// Broker embeds a single-process nats-server instance and talks to it over
// a real nats.go client, the same pairing the demo deployment embeds
// in-process rather than requiring an operator to stand up a separate
// broker. Core NATS pub/sub is used deliberately rather than JetStream:
// subscribers here only ever want the next commit, never redelivery of
// ones they missed while down, so there is no durable-consumer state worth
// the extra surface.
package pubsub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/construct-go/homeserver/internal/logctx"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// committedSubject is the one subject CommitEvent is published on. Room
// IDs contain ':' and sometimes other punctuation NATS tokenizes subjects
// on, so subscribers that only care about one room filter CommitEvent.RoomID
// themselves rather than this package trying to mangle room IDs into safe
// subject tokens.
const committedSubject = "homeserver.room.committed"

// CommitEvent is published once per successful VM commit, after the store
// write and head-tracker advance have both succeeded.
type CommitEvent struct {
	RoomID     string
	EventID    string
	Depth      int64
	Type       string
	StateKey   *string
	SoftFailed bool
}

// Broker owns an in-process nats-server and the single client connection
// this process uses to publish and subscribe against it.
type Broker struct {
	ns   *server.Server
	conn *nats.Conn
}

// NewBroker starts an embedded nats-server bound to loopback only (no
// other process ever needs to reach it) and connects to it.
func NewBroker() (*Broker, error) {
	ns, err := server.NewServer(&server.Options{
		Host:       "127.0.0.1",
		Port:       server.RANDOM_PORT,
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: 8 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub: constructing embedded nats-server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("pubsub: embedded nats-server did not become ready")
	}

	conn, err := nats.Connect(ns.ClientURL(), nats.Name("homeserverd"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("pubsub: connecting to embedded nats-server: %w", err)
	}
	return &Broker{ns: ns, conn: conn}, nil
}

// Publish is a best-effort notification: a dropped publish never unwinds
// the commit it describes, since the durable write and head advance it
// reports on have already happened by the time this is called.
func (b *Broker) Publish(ev CommitEvent) error {
	if b == nil {
		return nil
	}
	return b.conn.Publish(committedSubject, encodeCommitEvent(ev))
}

// Subscribe registers a typed callback invoked once per CommitEvent,
// decoded off the wire. Unmarshal failures are logged and skipped rather
// than delivered to handler, since a malformed payload can only come from
// this same process's own Publish.
func (b *Broker) Subscribe(handler func(CommitEvent)) error {
	if b == nil {
		return fmt.Errorf("pubsub: Subscribe called on a nil Broker")
	}
	_, err := b.conn.Subscribe(committedSubject, func(msg *nats.Msg) {
		ev, ok := decodeCommitEvent(msg.Data)
		if !ok {
			logctx.Root.Warn("pubsub: dropping malformed commit notification")
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("pubsub: subscribing to %s: %w", committedSubject, err)
	}
	return nil
}

// Close drains the client connection and shuts the embedded server down.
// Safe to call on a nil Broker so callers that never constructed one (a
// deployment that opted out of pub/sub entirely) can still defer it
// unconditionally.
func (b *Broker) Close() {
	if b == nil {
		return
	}
	if b.conn != nil {
		b.conn.Drain()
	}
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
	}
}

func encodeCommitEvent(ev CommitEvent) []byte {
	b, err := json.Marshal(ev)
	if err != nil {
		// CommitEvent has no field that can fail to marshal; a failure
		// here means the type changed underneath this function.
		logctx.Root.WithError(err).Error("pubsub: encoding commit event")
		return nil
	}
	return b
}

func decodeCommitEvent(data []byte) (CommitEvent, bool) {
	var ev CommitEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return CommitEvent{}, false
	}
	return ev, true
}
