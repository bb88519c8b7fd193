// Package messaging provides a NATS client wrapper for pub/sub messaging
// across Matchu backend services. It handles connection lifecycle,
// subject-based subscriptions, and convenience methods for the trigger and
// decision channels.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across Matchu services. Trigger subjects are
// at-least-once from the consumer's point of view; every handler is
// idempotent.
const (
	SubjectMessageCreated     = "message.created"
	SubjectMessageUpdated     = "message.updated"
	SubjectRoomCreated        = "room.created"
	SubjectModerationDecision = "moderation.decision" // + .<room_id>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "matchu",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// QueueSubscribe registers a queue-group handler so that horizontally
// scaled instances of a service share a subject without double-processing.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishMessageCreated publishes a message-created trigger event.
func (c *NATSClient) PublishMessageCreated(data []byte) error {
	return c.Publish(SubjectMessageCreated, data)
}

// SubscribeMessageCreated subscribes the moderator queue group to
// message-created trigger events.
func (c *NATSClient) SubscribeMessageCreated(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectMessageCreated, "moderator", func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishMessageUpdated publishes a message-updated trigger event.
func (c *NATSClient) PublishMessageUpdated(data []byte) error {
	return c.Publish(SubjectMessageUpdated, data)
}

// SubscribeMessageUpdated subscribes the housekeeper queue group to
// message-updated trigger events.
func (c *NATSClient) SubscribeMessageUpdated(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectMessageUpdated, "housekeeper", func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishRoomCreated publishes a room-created trigger event.
func (c *NATSClient) PublishRoomCreated(data []byte) error {
	return c.Publish(SubjectRoomCreated, data)
}

// SubscribeRoomCreated subscribes the housekeeper queue group to
// room-created trigger events.
func (c *NATSClient) SubscribeRoomCreated(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectRoomCreated, "housekeeper", func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishModerationDecision publishes a terminal moderation decision for a
// specific room.
func (c *NATSClient) PublishModerationDecision(roomID string, data []byte) error {
	return c.Publish(SubjectModerationDecision+"."+roomID, data)
}

// SubscribeModerationDecision subscribes to moderation decisions for a
// specific room.
func (c *NATSClient) SubscribeModerationDecision(roomID string, handler func(data []byte)) error {
	subject := SubjectModerationDecision + "." + roomID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeModerationDecision unsubscribes from a room's decision subject.
func (c *NATSClient) UnsubscribeModerationDecision(roomID string) error {
	return c.unsubscribe(SubjectModerationDecision + "." + roomID)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
