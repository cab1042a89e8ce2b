package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubStream publishes onto and pulls from Google Cloud Pub/Sub topics,
// one topic per stream name, created lazily on first use with a
// corresponding pull subscription for Subscribe. Message ordering is
// enabled per topic so same-key messages (uid, agent tag) are delivered
// in publish order.
type PubSubStream struct {
	client    *pubsub.Client
	projectID string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSubStream opens a Pub/Sub client for projectID. Topics and
// subscriptions are created on demand.
func NewPubSubStream(ctx context.Context, projectID string) (*PubSubStream, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	return &PubSubStream{
		client:    client,
		projectID: projectID,
		topics:    make(map[string]*pubsub.Topic),
	}, nil
}

func (s *PubSubStream) topicFor(ctx context.Context, name string) (*pubsub.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.topics[name]; ok {
		return t, nil
	}

	topic := s.client.Topic(name)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic.Exists(%s): %w", name, err)
	}
	if !exists {
		topic, err = s.client.CreateTopic(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("CreateTopic(%s): %w", name, err)
		}
		slog.Info("created pubsub topic", "topic", name)
	}
	topic.EnableMessageOrdering = true
	s.topics[name] = topic
	return topic, nil
}

// Publish sends payload to topic, ordered by key.
func (s *PubSubStream) Publish(ctx context.Context, topic, key string, payload []byte) error {
	t, err := s.topicFor(ctx, topic)
	if err != nil {
		return err
	}

	result := t.Publish(ctx, &pubsub.Message{
		Data:        payload,
		OrderingKey: key,
	})
	_, err = result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// subName derives a stable pull-subscription name for a topic: one
// subscription per topic. Every process that calls Subscribe for the same
// topic shares that subscription, matching the spec's
// single-logical-worker-per-tenant-window consumption model.
func subName(topic string) string {
	return topic + "-sub"
}

// Subscribe creates (if absent) a pull subscription for topic and streams
// messages to handler until ctx is cancelled. Messages are acked after
// handler returns; a panic in handler nacks the message for redelivery.
func (s *PubSubStream) Subscribe(ctx context.Context, topic string, handler func(key string, payload []byte)) error {
	t, err := s.topicFor(ctx, topic)
	if err != nil {
		return err
	}

	subID := subName(topic)
	sub := s.client.Subscription(subID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("subscription.Exists(%s): %w", subID, err)
	}
	if !exists {
		sub, err = s.client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
			Topic:                 t,
			EnableMessageOrdering: true,
			AckDeadline:           30 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("CreateSubscription(%s): %w", subID, err)
		}
	}

	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("stream handler panicked, nacking", "topic", topic, "panic", r)
				msg.Nack()
			}
		}()
		handler(msg.OrderingKey, msg.Data)
		msg.Ack()
	})
}

// Close shuts down the Pub/Sub client.
func (s *PubSubStream) Close() error {
	s.mu.Lock()
	for _, t := range s.topics {
		t.Stop()
	}
	s.mu.Unlock()
	return s.client.Close()
}

var _ Stream = (*PubSubStream)(nil)
