// Package stream implements the two logical broker-agnostic event streams
// the framework depends on: uer.ingest.{tenant} (ingress → Global
// Correlator, keyed by uid) and afl.feedback.{tenant} (AFL → edge feedback
// handler, keyed by agent tag, most-recent-wins). Streams are modeled as
// named, ordered byte topics so callers marshal their own payloads —
// keeps this package independent of the uer/afl type graphs.
//
// PubSubStream is the durable Google Cloud Pub/Sub-backed implementation;
// MemStream is an in-process equivalent for tests and single-process
// deployments.
package stream

import "context"

// Publisher publishes a message onto topic, ordered by key (empty key =
// no ordering guarantee).
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Subscriber delivers every message published to topic to handler.
// Subscribe blocks until ctx is cancelled or an unrecoverable error
// occurs.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler func(key string, payload []byte)) error
}

// Stream composes both directions; most components only need one side.
type Stream interface {
	Publisher
	Subscriber
	Close() error
}
