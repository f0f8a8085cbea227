package crdtpubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisPubSub implements the PubSub interface on Redis channels. Messages are
// JSON envelopes published to a channel named after the topic.
type RedisPubSub struct {
	// client is the Redis client. It is owned by the caller.
	client *redis.Client
	// options contains the configuration options.
	options *Options
	// subscriptions is a map of topic/subscriberID to subscription.
	subscriptions map[string]*redisSubscription
	// mutex protects subscriptions and closed.
	mutex sync.RWMutex
	// closed indicates whether the PubSub has been closed.
	closed bool
}

// redisSubscription represents a subscription to a Redis channel.
type redisSubscription struct {
	// topic is the topic being subscribed to.
	topic string
	// subscriberID is the unique identifier for the subscriber.
	subscriberID string
	// handler is the message handler.
	handler Handler
	// pubsub is the dedicated Redis subscription.
	pubsub *redis.PubSub
	// ctx is the context for the subscription.
	ctx context.Context
	// cancel is the cancel function for the context.
	cancel context.CancelFunc
	// done is a channel that is closed when the subscription is done.
	done chan struct{}
}

// NewRedisPubSub creates a new RedisPubSub with the specified Redis client and options.
func NewRedisPubSub(client *redis.Client, options *Options) (*RedisPubSub, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	if options == nil {
		options = NewOptions()
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisPubSub{
		client:        client,
		options:       options,
		subscriptions: make(map[string]*redisSubscription),
	}, nil
}

// Publish publishes msg to the Redis channel msg.Topic.
func (ps *RedisPubSub) Publish(ctx context.Context, msg Message) error {
	ps.mutex.RLock()
	closed := ps.closed
	ps.mutex.RUnlock()
	if closed {
		return ErrClosed
	}

	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	return ps.client.Publish(ctx, msg.Topic, data).Err()
}

// Subscribe subscribes to the specified topic and calls the handler for each
// received message. It returns once Redis has confirmed the subscription.
func (ps *RedisPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, handler Handler) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return ErrClosed
	}

	key := subscriptionKey(topic, subscriberID)
	if _, ok := ps.subscriptions[key]; ok {
		return fmt.Errorf("already subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
	}

	pubsub := ps.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	subscription := &redisSubscription{
		topic:        topic,
		subscriberID: subscriberID,
		handler:      handler,
		pubsub:       pubsub,
		ctx:          subCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	ps.subscriptions[key] = subscription

	go subscription.handleMessages(ps.options.BufferSize)

	return nil
}

// handleMessages handles messages for a subscription.
func (s *redisSubscription) handleMessages(bufferSize int) {
	defer close(s.done)

	if bufferSize <= 0 {
		bufferSize = 100
	}
	ch := s.pubsub.Channel(redis.WithChannelSize(bufferSize))
	for {
		select {
		case <-s.ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			if raw.Channel != s.topic {
				continue
			}

			msg, err := decodeMessage([]byte(raw.Payload))
			if err != nil {
				log.Warnf("dropping message on %s: %v", s.topic, err)
				continue
			}

			if err := s.handler(s.ctx, msg); err != nil {
				log.Warnf("subscriber %s failed to handle message on %s: %v", s.subscriberID, s.topic, err)
			}
		}
	}
}

func (s *redisSubscription) stop() error {
	s.cancel()
	err := s.pubsub.Close()
	<-s.done
	return err
}

// Unsubscribe removes the subscriber from the specified topic.
func (ps *RedisPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	ps.mutex.Lock()
	if ps.closed {
		ps.mutex.Unlock()
		return ErrClosed
	}

	key := subscriptionKey(topic, subscriberID)
	subscription, ok := ps.subscriptions[key]
	if !ok {
		ps.mutex.Unlock()
		return fmt.Errorf("not subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
	}
	delete(ps.subscriptions, key)
	ps.mutex.Unlock()

	if err := subscription.stop(); err != nil {
		return fmt.Errorf("failed to unsubscribe from topic: %w", err)
	}
	return nil
}

// Close stops every subscription. The Redis client is left open.
func (ps *RedisPubSub) Close() error {
	ps.mutex.Lock()
	if ps.closed {
		ps.mutex.Unlock()
		return nil
	}
	ps.closed = true
	subscriptions := ps.subscriptions
	ps.subscriptions = make(map[string]*redisSubscription)
	ps.mutex.Unlock()

	var firstErr error
	for _, subscription := range subscriptions {
		if err := subscription.stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close subscription %s: %w", subscription.subscriberID, err)
		}
	}
	return firstErr
}
