package crdtpubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

const (
	// DefaultPeerSetKey is the Redis hash holding registry entries.
	DefaultPeerSetKey = "crdtrelay:peers"
	// DefaultPeerTTL is how long an entry stays active without a heartbeat.
	DefaultPeerTTL = 60 * time.Second
)

// PeerInfo is one replica's registry entry.
type PeerInfo struct {
	// Author is the replica's author id and the registry field name.
	Author string `json:"author"`
	// Identity is the replica's encryption identity.
	Identity string `json:"identity"`
	// Addrs are the replica's /p2p/ multiaddrs, empty for non-libp2p transports.
	Addrs     []string  `json:"addrs,omitempty"`
	LastSeen  time.Time `json:"lastSeen"`
	StartTime time.Time `json:"startTime"`
}

// AddrInfo parses Addrs into a libp2p peer address.
func (p PeerInfo) AddrInfo() (*peer.AddrInfo, error) {
	if len(p.Addrs) == 0 {
		return nil, fmt.Errorf("peer %s has no addresses", p.Author)
	}

	addrs := make([]multiaddr.Multiaddr, 0, len(p.Addrs))
	for _, addrStr := range p.Addrs {
		addr, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}

	infos, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("peer %s has no valid addresses", p.Author)
	}
	return &infos[0], nil
}

// PeerRegistry is a Redis backed directory of replicas sharing a topic. It
// lets replicas find each other's encryption identities and libp2p addresses.
type PeerRegistry struct {
	client    *redis.Client
	key       string
	ttl       time.Duration
	local     PeerInfo
	startTime time.Time
}

// NewPeerRegistry creates a registry for the local replica.
func NewPeerRegistry(ctx context.Context, client *redis.Client, key string, local PeerInfo) (*PeerRegistry, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if local.Author == "" {
		return nil, fmt.Errorf("local author cannot be empty")
	}
	if key == "" {
		key = DefaultPeerSetKey
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &PeerRegistry{
		client:    client,
		key:       key,
		ttl:       DefaultPeerTTL,
		local:     local,
		startTime: time.Now(),
	}, nil
}

// SetTTL changes the activity window used by Peers and Cleanup.
func (r *PeerRegistry) SetTTL(ttl time.Duration) {
	r.ttl = ttl
}

// Register writes the local entry with a fresh LastSeen.
func (r *PeerRegistry) Register(ctx context.Context) error {
	info := r.local
	info.LastSeen = time.Now()
	info.StartTime = r.startTime

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal peer info: %w", err)
	}

	if err := r.client.HSet(ctx, r.key, info.Author, data).Err(); err != nil {
		return fmt.Errorf("failed to register peer: %w", err)
	}
	return nil
}

// Deregister removes the local entry.
func (r *PeerRegistry) Deregister(ctx context.Context) error {
	return r.client.HDel(ctx, r.key, r.local.Author).Err()
}

// Peers returns active entries other than the local one, ordered by author.
func (r *PeerRegistry) Peers(ctx context.Context) ([]PeerInfo, error) {
	data, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get peers: %w", err)
	}

	now := time.Now()
	peers := make([]PeerInfo, 0, len(data))
	for _, raw := range data {
		var info PeerInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			continue
		}
		if now.Sub(info.LastSeen) > r.ttl {
			continue
		}
		if info.Author == r.local.Author {
			continue
		}
		peers = append(peers, info)
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i].Author < peers[j].Author })
	return peers, nil
}

// Cleanup removes malformed and inactive entries.
func (r *PeerRegistry) Cleanup(ctx context.Context) error {
	data, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return fmt.Errorf("failed to get peers for cleanup: %w", err)
	}

	now := time.Now()
	for author, raw := range data {
		var info PeerInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil || now.Sub(info.LastSeen) > r.ttl {
			r.client.HDel(ctx, r.key, author)
		}
	}
	return nil
}

// Heartbeat re-registers the local entry, prunes stale entries and passes the
// active peers to onPeers every interval until ctx is done.
func (r *PeerRegistry) Heartbeat(ctx context.Context, interval time.Duration, onPeers func([]PeerInfo)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.Register(ctx); err != nil {
			log.Warnf("Failed to refresh registry entry: %v", err)
		}
		if err := r.Cleanup(ctx); err != nil {
			log.Warnf("Failed to clean up registry: %v", err)
		}
		if onPeers != nil {
			peers, err := r.Peers(ctx)
			if err != nil {
				log.Warnf("Failed to list peers: %v", err)
			} else {
				onPeers(peers)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
