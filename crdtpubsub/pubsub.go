// Package crdtpubsub carries sealed operations between replicas. A PubSub
// delivers opaque payloads on named topics together with the sender and
// recipient identities needed to decrypt them.
package crdtpubsub

import (
	"context"
	"encoding/json"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("crdtpubsub")

// Metadata keys attached to published messages.
const (
	// MetadataCRDT holds the CRDT type of the carried operation.
	MetadataCRDT = "crdt"
	// MetadataApp tags messages produced by this application.
	MetadataApp = "app"
	// MetadataReplica holds the author id of the publishing replica.
	MetadataReplica = "replica"

	// AppTag is the value of MetadataApp.
	AppTag = "crdtrelay"
)

// Message is the envelope delivered to subscribers.
type Message struct {
	// Topic is the topic the message was published to.
	Topic string `json:"topic"`
	// Sender is the identity that encrypted the payload.
	Sender string `json:"sender"`
	// Recipient is the identity the payload was encrypted for.
	Recipient string `json:"recipient,omitempty"`
	// Payload is the sealed operation.
	Payload []byte `json:"payload"`
	// Metadata is optional metadata associated with the message.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Handler handles a received message.
type Handler func(ctx context.Context, msg Message) error

// Publisher defines the interface for publishing messages.
type Publisher interface {
	// Publish publishes msg to msg.Topic.
	Publish(ctx context.Context, msg Message) error
	// Close closes the publisher.
	Close() error
}

// Subscriber defines the interface for subscribing to messages.
type Subscriber interface {
	// Subscribe subscribes to the specified topic and calls the handler for each received message.
	Subscribe(ctx context.Context, topic string, subscriberID string, handler Handler) error
	// Unsubscribe removes the subscriber from the specified topic.
	Unsubscribe(ctx context.Context, topic string, subscriberID string) error
	// Close closes the subscriber.
	Close() error
}

// PubSub combines the Publisher and Subscriber interfaces.
type PubSub interface {
	Publisher
	Subscriber
}

// Options represents configuration options for a PubSub implementation.
type Options struct {
	// BufferSize is the per-subscription delivery queue length.
	BufferSize int
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	return &Options{
		BufferSize: 1024,
	}
}

func encodeMessage(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

func decodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return msg, nil
}

func subscriptionKey(topic, subscriberID string) string {
	return topic + "/" + subscriberID
}
