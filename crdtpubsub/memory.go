package crdtpubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by operations on a closed PubSub.
var ErrClosed = errors.New("pubsub is closed")

// MemoryPubSub implements the PubSub interface in process. Each subscription
// has its own queue and goroutine, so messages reach a subscriber in publish
// order and a slow subscriber does not block the others.
type MemoryPubSub struct {
	// options contains the configuration options.
	options *Options
	// subscriptions is a map of topic to subscriptions.
	subscriptions map[string][]*memorySubscription
	// mutex protects subscriptions and closed.
	mutex sync.RWMutex
	// closed indicates whether the PubSub has been closed.
	closed bool
}

// memorySubscription represents a subscription to an in-memory topic.
type memorySubscription struct {
	// subscriberID is the unique identifier for the subscriber.
	subscriberID string
	// handler is the message handler.
	handler Handler
	// queue buffers messages waiting for the handler.
	queue chan Message
	// ctx is the context for the subscription.
	ctx context.Context
	// cancel is the cancel function for the context.
	cancel context.CancelFunc
	// done is closed when the delivery goroutine exits.
	done chan struct{}
}

// NewMemoryPubSub creates a new MemoryPubSub with the specified options.
func NewMemoryPubSub(options *Options) *MemoryPubSub {
	if options == nil {
		options = NewOptions()
	}

	return &MemoryPubSub{
		options:       options,
		subscriptions: make(map[string][]*memorySubscription),
	}
}

// Publish delivers msg to every subscriber of msg.Topic. Messages on a topic
// without subscribers are dropped.
func (ps *MemoryPubSub) Publish(ctx context.Context, msg Message) error {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()

	if ps.closed {
		return ErrClosed
	}

	for _, sub := range ps.subscriptions[msg.Topic] {
		select {
		case sub.queue <- cloneMessage(msg):
		case <-sub.ctx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Subscribe subscribes to the specified topic and calls the handler for each received message.
func (ps *MemoryPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, handler Handler) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return ErrClosed
	}

	for _, sub := range ps.subscriptions[topic] {
		if sub.subscriberID == subscriberID {
			return fmt.Errorf("already subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
		}
	}

	bufferSize := ps.options.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		subscriberID: subscriberID,
		handler:      handler,
		queue:        make(chan Message, bufferSize),
		ctx:          subCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	ps.subscriptions[topic] = append(ps.subscriptions[topic], sub)

	go sub.run()

	return nil
}

func (s *memorySubscription) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.handler(s.ctx, msg); err != nil {
				log.Warnf("subscriber %s failed to handle message on %s: %v", s.subscriberID, msg.Topic, err)
			}
		}
	}
}

// Unsubscribe removes the subscriber from the specified topic and waits for
// its in-flight handler call to return.
func (ps *MemoryPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	ps.mutex.Lock()

	if ps.closed {
		ps.mutex.Unlock()
		return ErrClosed
	}

	var removed *memorySubscription
	remaining := make([]*memorySubscription, 0, len(ps.subscriptions[topic]))
	for _, sub := range ps.subscriptions[topic] {
		if sub.subscriberID == subscriberID {
			removed = sub
			continue
		}
		remaining = append(remaining, sub)
	}

	if removed == nil {
		ps.mutex.Unlock()
		return fmt.Errorf("subscriber %s not found for topic: %s", subscriberID, topic)
	}

	if len(remaining) == 0 {
		delete(ps.subscriptions, topic)
	} else {
		ps.subscriptions[topic] = remaining
	}
	ps.mutex.Unlock()

	removed.cancel()
	select {
	case <-removed.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Close cancels every subscription. It is safe to call more than once.
func (ps *MemoryPubSub) Close() error {
	ps.mutex.Lock()
	if ps.closed {
		ps.mutex.Unlock()
		return nil
	}
	ps.closed = true

	var subs []*memorySubscription
	for _, topicSubs := range ps.subscriptions {
		subs = append(subs, topicSubs...)
	}
	ps.subscriptions = make(map[string][]*memorySubscription)
	ps.mutex.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	return nil
}

func cloneMessage(msg Message) Message {
	out := msg
	out.Payload = append([]byte(nil), msg.Payload...)
	if msg.Metadata != nil {
		out.Metadata = make(map[string]string, len(msg.Metadata))
		for k, v := range msg.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
