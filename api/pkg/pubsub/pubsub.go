// Package pubsub is the control channel transport: ordered event
// publication from the controller and push subscriptions for agents,
// plus request/reply for full-state resyncs.
package pubsub

import (
	"context"
	"time"
)

type Publisher interface {
	// Publish topic to message broker with payload.
	Publish(ctx context.Context, topic string, payload []byte) error
}

type PubSub interface {
	Publisher

	// Subscribe delivers every payload published to topic (NATS
	// wildcards allowed) until the subscription is dropped. A restart
	// after a gap means requesting a snapshot, not replaying history.
	Subscribe(ctx context.Context, topic string, handler func(payload []byte) error) (Subscription, error)

	// Request sends payload to topic and waits for a single reply.
	Request(ctx context.Context, topic string, payload []byte, timeout time.Duration) ([]byte, error)

	// Reply serves a request/reply topic; the handler's return value is
	// sent back to the requester.
	Reply(ctx context.Context, topic string, handler func(payload []byte) ([]byte, error)) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
}

const (
	// eventsSubjectPrefix scopes all control events; one subject per
	// scope (team or agent ID).
	eventsSubjectPrefix = "lise.events."

	// EventsWildcard subscribes to every control event.
	EventsWildcard = "lise.events.>"

	// MembershipSnapshotSubject answers resync requests with the full
	// membership state.
	MembershipSnapshotSubject = "lise.membership.snapshot"
)

// EventsSubject returns the control event subject for one scope.
func EventsSubject(scope string) string {
	return eventsSubjectPrefix + scope
}
