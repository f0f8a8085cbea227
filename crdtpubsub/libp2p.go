package crdtpubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Libp2pOptions configures a Libp2pPubSub.
type Libp2pOptions struct {
	// ListenAddrs are the multiaddrs the host listens on.
	ListenAddrs []string
	// BootstrapPeers are full /p2p/ multiaddrs connected on start.
	BootstrapPeers []string
}

// DefaultLibp2pOptions listens on an ephemeral TCP port on all interfaces.
func DefaultLibp2pOptions() *Libp2pOptions {
	return &Libp2pOptions{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
	}
}

// Libp2pPubSub implements the PubSub interface on GossipSub. Every topic maps
// to one GossipSub topic and messages published by the local host are not
// delivered back to local subscribers.
type Libp2pPubSub struct {
	host   host.Host
	pubsub *pubsub.PubSub
	// topics holds joined topics by name.
	topics map[string]*pubsub.Topic
	// subscriptions is a map of topic/subscriberID to subscription.
	subscriptions map[string]*libp2pSubscription
	// mutex protects topics, subscriptions and closed.
	mutex  sync.Mutex
	closed bool
	cancel context.CancelFunc
}

type libp2pSubscription struct {
	subscriberID string
	sub          *pubsub.Subscription
	handler      Handler
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewLibp2pPubSub creates a libp2p host running GossipSub and connects to the
// configured bootstrap peers. Bootstrap failures are logged, not returned.
func NewLibp2pPubSub(ctx context.Context, options *Libp2pOptions) (*Libp2pPubSub, error) {
	if options == nil {
		options = DefaultLibp2pOptions()
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(options.ListenAddrs...),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	log.Infof("libp2p host created. ID: %s", h.ID())
	for _, addr := range h.Addrs() {
		log.Infof("Listening on: %s/p2p/%s", addr, h.ID())
	}

	psCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(psCtx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	lp := &Libp2pPubSub{
		host:          h,
		pubsub:        ps,
		topics:        make(map[string]*pubsub.Topic),
		subscriptions: make(map[string]*libp2pSubscription),
		cancel:        cancel,
	}

	if len(options.BootstrapPeers) > 0 {
		lp.Connect(ctx, options.BootstrapPeers)
	}

	return lp, nil
}

// ID returns the local peer id.
func (ps *Libp2pPubSub) ID() peer.ID {
	return ps.host.ID()
}

// Addrs returns the full /p2p/ multiaddrs other peers can bootstrap from.
func (ps *Libp2pPubSub) Addrs() []multiaddr.Multiaddr {
	info := peer.AddrInfo{ID: ps.host.ID(), Addrs: ps.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	return addrs
}

// Connected reports whether the host has a live connection to id.
func (ps *Libp2pPubSub) Connected(id peer.ID) bool {
	return ps.host.Network().Connectedness(id) == network.Connected
}

// Connect dials each peer address and returns the number of peers reached.
func (ps *Libp2pPubSub) Connect(ctx context.Context, addrs []string) int {
	connected := 0
	for _, addrStr := range addrs {
		addrStr = strings.TrimSpace(addrStr)
		if addrStr == "" {
			continue
		}

		addr, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			log.Errorf("Invalid bootstrap peer address: %v", err)
			continue
		}

		peerInfo, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Errorf("Failed to get peer info from address: %v", err)
			continue
		}

		if peerInfo.ID == ps.host.ID() {
			continue
		}

		log.Infof("Connecting to bootstrap peer: %s", peerInfo.ID)
		if err := ps.host.Connect(ctx, *peerInfo); err != nil {
			log.Warnf("Failed to connect to bootstrap peer %s: %v", peerInfo.ID, err)
			continue
		}
		log.Infof("Connected to bootstrap peer: %s", peerInfo.ID)
		connected++
	}
	return connected
}

// join returns the joined topic. The caller must hold ps.mutex.
func (ps *Libp2pPubSub) join(name string) (*pubsub.Topic, error) {
	if topic, ok := ps.topics[name]; ok {
		return topic, nil
	}
	topic, err := ps.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("failed to join pubsub topic: %w", err)
	}
	ps.topics[name] = topic
	return topic, nil
}

// Publish publishes msg on the GossipSub topic msg.Topic.
func (ps *Libp2pPubSub) Publish(ctx context.Context, msg Message) error {
	ps.mutex.Lock()
	if ps.closed {
		ps.mutex.Unlock()
		return ErrClosed
	}
	topic, err := ps.join(msg.Topic)
	ps.mutex.Unlock()
	if err != nil {
		return err
	}

	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return topic.Publish(ctx, data)
}

// Subscribe subscribes to the specified topic and calls the handler for each received message.
func (ps *Libp2pPubSub) Subscribe(ctx context.Context, topicName string, subscriberID string, handler Handler) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return ErrClosed
	}

	key := subscriptionKey(topicName, subscriberID)
	if _, ok := ps.subscriptions[key]; ok {
		return fmt.Errorf("already subscribed to topic: %s with subscriberID: %s", topicName, subscriberID)
	}

	topic, err := ps.join(topicName)
	if err != nil {
		return err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	subscription := &libp2pSubscription{
		subscriberID: subscriberID,
		sub:          sub,
		handler:      handler,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	ps.subscriptions[key] = subscription

	go subscription.run(subCtx, ps.host.ID())

	return nil
}

func (s *libp2pSubscription) run(ctx context.Context, self peer.ID) {
	defer close(s.done)

	for {
		raw, err := s.sub.Next(ctx)
		if err != nil {
			return
		}

		// Skip messages this host published
		if raw.GetFrom() == self {
			continue
		}

		msg, err := decodeMessage(raw.Data)
		if err != nil {
			log.Warnf("dropping message from %s: %v", raw.GetFrom(), err)
			continue
		}

		if err := s.handler(ctx, msg); err != nil {
			log.Warnf("subscriber %s failed to handle message on %s: %v", s.subscriberID, msg.Topic, err)
		}
	}
}

func (s *libp2pSubscription) stop() {
	s.cancel()
	s.sub.Cancel()
	<-s.done
}

// Unsubscribe removes the subscriber from the specified topic.
func (ps *Libp2pPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
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

	subscription.stop()
	return nil
}

// Close stops every subscription, leaves all topics and shuts the host down.
func (ps *Libp2pPubSub) Close() error {
	ps.mutex.Lock()
	if ps.closed {
		ps.mutex.Unlock()
		return nil
	}
	ps.closed = true
	subscriptions := ps.subscriptions
	topics := ps.topics
	ps.subscriptions = make(map[string]*libp2pSubscription)
	ps.topics = make(map[string]*pubsub.Topic)
	ps.mutex.Unlock()

	for _, subscription := range subscriptions {
		subscription.stop()
	}
	for name, topic := range topics {
		if err := topic.Close(); err != nil {
			log.Warnf("Failed to close topic %s: %v", name, err)
		}
	}

	ps.cancel()
	return ps.host.Close()
}
