package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"

	"crdtrelay/common"
	"crdtrelay/config"
	"crdtrelay/crdtpubsub"
	"crdtrelay/crdtsync"
	"crdtrelay/oplog"
	"crdtrelay/seal"
)

var logger = logging.Logger("crdtserver")

// defaultRedisRetention bounds Redis backed op logs when no retention is set.
const defaultRedisRetention = 24 * time.Hour

// Server is one crdtrelay node with its HTTP surface.
type Server struct {
	config *config.Config

	redisClient *redis.Client
	transport   crdtpubsub.PubSub
	ownsPubSub  bool
	p2p         *crdtpubsub.Libp2pPubSub
	cipher      seal.Cipher
	box         *seal.BoxCipher
	store       ds.Datastore
	opLog       oplog.Log
	manager     *crdtsync.Manager
	registry    *crdtpubsub.PeerRegistry
	gatherer    prometheus.Gatherer
	events      *eventHub
	unsubscribe []func()

	server *http.Server
	mux    *http.ServeMux

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	startTime time.Time
}

// NewServer builds a node from cfg. Metrics are registered on reg.
func NewServer(cfg *config.Config, reg *prometheus.Registry) (*Server, error) {
	return newServer(cfg, reg, nil)
}

// newServer builds a node on transport, or on the configured transport when
// transport is nil.
func newServer(cfg *config.Config, reg *prometheus.Registry, transport crdtpubsub.PubSub) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Node.Debug {
		logging.SetLogLevel("*", "debug")
	} else {
		logging.SetLogLevel("*", "info")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		gatherer:  reg,
		events:    newEventHub(),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}

	if err := s.build(reg, transport); err != nil {
		s.Close()
		return nil, err
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) build(reg prometheus.Registerer, transport crdtpubsub.PubSub) error {
	cfg := s.config

	if s.needsRedis() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Transport.Redis.Addr,
			Password: cfg.Transport.Redis.Password,
			DB:       cfg.Transport.Redis.DB,
		})
		if err := client.Ping(s.ctx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		s.redisClient = client
	}

	if transport == nil {
		created, err := s.newTransport()
		if err != nil {
			return err
		}
		transport = created
		s.ownsPubSub = true
	}
	s.transport = transport

	cipher, err := s.newCipher()
	if err != nil {
		return err
	}
	s.cipher = cipher

	opLog, err := s.newOpLog()
	if err != nil {
		return err
	}
	s.opLog = opLog

	clock, err := s.newClock()
	if err != nil {
		return err
	}

	recipients := []string{cipher.Identity()}
	if s.box != nil {
		recipients = append(recipients, s.box.Peers()...)
	}

	manager, err := crdtsync.New(common.AuthorID(cfg.Node.Author), cipher, transport,
		crdtsync.WithTopic(cfg.Transport.Topic),
		crdtsync.WithOpLog(opLog),
		crdtsync.WithClock(clock),
		crdtsync.WithRecipients(recipients...),
		crdtsync.WithPublishRetry(cfg.Publish.Attempts, cfg.Publish.Backoff),
		crdtsync.WithQueueSize(cfg.Publish.QueueSize),
		crdtsync.WithRegisterer(reg),
	)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	s.manager = manager

	s.unsubscribe = append(s.unsubscribe,
		manager.OnChange(func(key string, value interface{}) {
			s.events.broadcast(event{Event: "change", Key: key, Value: value})
		}),
		manager.OnDrop(func(e crdtsync.DropEvent) {
			s.events.broadcast(event{Event: "drop", Key: e.Key, Reason: string(e.Reason), Sender: e.Sender})
		}),
	)

	if err := manager.Start(s.ctx); err != nil {
		return fmt.Errorf("failed to start manager: %w", err)
	}

	if cfg.Transport.Discovery.Enabled {
		if err := s.startDiscovery(); err != nil {
			return err
		}
	}

	logger.Infof("node %s ready (transport=%s cipher=%s oplog=%s identity=%s)",
		cfg.Node.Author, cfg.Transport.Kind, cfg.Crypto.Kind, cfg.OpLog.Kind, cipher.Identity())
	return nil
}

func (s *Server) needsRedis() bool {
	cfg := s.config
	return cfg.Transport.Kind == config.TransportRedis ||
		cfg.Transport.Discovery.Enabled ||
		cfg.OpLog.Kind == config.OpLogRedis ||
		(cfg.OpLog.Kind == config.OpLogDatastore && cfg.OpLog.Backend == config.BackendRedis)
}

func (s *Server) newTransport() (crdtpubsub.PubSub, error) {
	cfg := s.config.Transport
	switch cfg.Kind {
	case config.TransportMemory:
		return crdtpubsub.NewMemoryPubSub(nil), nil
	case config.TransportRedis:
		ps, err := crdtpubsub.NewRedisPubSub(s.redisClient, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis transport: %w", err)
		}
		return ps, nil
	case config.TransportLibp2p:
		ps, err := crdtpubsub.NewLibp2pPubSub(s.ctx, &crdtpubsub.Libp2pOptions{
			ListenAddrs:    cfg.Libp2p.ListenAddrs,
			BootstrapPeers: cfg.Libp2p.Bootstrap,
		})
		if err != nil {
			return nil, err
		}
		s.p2p = ps
		return ps, nil
	default:
		return nil, config.ErrUnknownTransport
	}
}

func (s *Server) newCipher() (seal.Cipher, error) {
	cfg := s.config.Crypto
	switch cfg.Kind {
	case config.CipherBox:
		box, err := loadBoxCipher(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		for _, peer := range cfg.Peers {
			if err := box.AddPeer(peer); err != nil {
				return nil, err
			}
		}
		s.box = box
		return box, nil
	case config.CipherGroup:
		return seal.NewGroupCipher(cfg.Group, cfg.Passphrase, []byte(cfg.Salt))
	case config.CipherPlain:
		identity := cfg.Group
		if identity == "" {
			identity = s.config.Transport.Topic
		}
		return seal.NewPlainCipher(identity), nil
	default:
		return nil, config.ErrUnknownCipher
	}
}

// loadBoxCipher reads a hex private key from path, creating one when the file
// does not exist. An empty path yields an ephemeral key.
func loadBoxCipher(path string) (*seal.BoxCipher, error) {
	if path == "" {
		return seal.GenerateBoxCipher()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		box, err := seal.GenerateBoxCipher()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(box.PrivateKey())+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write key file: %w", err)
		}
		logger.Infof("generated new key in %s", path)
		return box, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid key file %s: %w", path, err)
	}
	return seal.NewBoxCipher(key)
}

// newOpLog builds the configured log. Replica state lives in memory, so
// persistent logs are scoped to this process run: a restarted replica must
// accept replays of operations it applied before.
func (s *Server) newOpLog() (oplog.Log, error) {
	cfg := s.config.OpLog
	session := uuid.New().String()

	switch cfg.Kind {
	case config.OpLogMemory:
		return oplog.NewMemoryLog(&oplog.MemoryOptions{
			Retention: cfg.Retention,
			Capacity:  cfg.Capacity,
		}), nil

	case config.OpLogDatastore:
		prefix := cfg.Prefix
		if prefix == "" {
			prefix = oplog.DefaultDatastorePrefix + "/" + session
		}
		if cfg.Backend == config.BackendRedis {
			retention := cfg.Retention
			if retention == 0 {
				retention = defaultRedisRetention
			}
			store, err := oplog.NewRedisDatastore(s.redisClient, "crdtrelay:"+s.config.Node.Author, retention)
			if err != nil {
				return nil, err
			}
			s.store = store
		} else {
			s.store = dssync.MutexWrap(ds.NewMapDatastore())
		}
		return oplog.NewDatastoreLog(s.store, prefix)

	case config.OpLogRedis:
		prefix := cfg.Prefix
		if prefix == "" {
			prefix = fmt.Sprintf("crdtrelay:oplog:%s:%s:", s.config.Node.Author, session)
		}
		retention := cfg.Retention
		if retention == 0 {
			retention = defaultRedisRetention
		}
		return oplog.NewRedisLog(s.redisClient, prefix, retention)

	default:
		return nil, config.ErrUnknownOpLog
	}
}

func (s *Server) newClock() (crdtsync.Clock, error) {
	switch s.config.Node.Clock {
	case config.ClockSnowflake:
		return crdtsync.NewSnowflakeClock(s.config.Node.SnowflakeNode)
	default:
		return crdtsync.WallClock{}, nil
	}
}

func (s *Server) startDiscovery() error {
	cfg := s.config.Transport.Discovery

	local := crdtpubsub.PeerInfo{
		Author:   s.config.Node.Author,
		Identity: s.cipher.Identity(),
	}
	if s.p2p != nil {
		for _, addr := range s.p2p.Addrs() {
			local.Addrs = append(local.Addrs, addr.String())
		}
	}

	registry, err := crdtpubsub.NewPeerRegistry(s.ctx, s.redisClient, cfg.Key, local)
	if err != nil {
		return fmt.Errorf("failed to create peer registry: %w", err)
	}
	registry.SetTTL(cfg.TTL)
	s.registry = registry

	go registry.Heartbeat(s.ctx, cfg.Interval, s.onPeers)
	return nil
}

// onPeers learns encryption identities and dials libp2p addresses of peers
// found in the registry.
func (s *Server) onPeers(peers []crdtpubsub.PeerInfo) {
	for _, p := range peers {
		if s.box != nil && p.Identity != "" && p.Identity != s.box.Identity() {
			if err := s.box.AddPeer(p.Identity); err != nil {
				logger.Warnf("peer %s has an invalid identity: %v", p.Author, err)
				continue
			}
			if s.manager.AddRecipients(p.Identity) > 0 {
				logger.Infof("added recipient %s for peer %s", p.Identity, p.Author)
			}
		}

		if s.p2p != nil && len(p.Addrs) > 0 {
			info, err := p.AddrInfo()
			if err != nil {
				logger.Debugf("peer %s: %v", p.Author, err)
				continue
			}
			if s.p2p.Connected(info.ID) {
				continue
			}
			s.p2p.Connect(s.ctx, p.Addrs)
		}
	}
}

// Start serves HTTP until SIGINT or SIGTERM, then shuts the node down.
func (s *Server) Start(quit <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-quit:
	case serveErr = <-errCh:
		logger.Errorf("HTTP server error: %v", serveErr)
	}

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	s.Close()
	return serveErr
}

// Close stops the manager and releases every resource the node created.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		logger.Info("Cleaning up resources...")

		for _, fn := range s.unsubscribe {
			fn()
		}
		s.events.close()

		// stops the heartbeat before the entry is removed
		s.cancel()

		if s.registry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.registry.Deregister(ctx); err != nil {
				logger.Warnf("Failed to deregister: %v", err)
			}
			cancel()
		}

		if s.manager != nil {
			if err := s.manager.Stop(); err != nil {
				logger.Warnf("Failed to stop manager: %v", err)
			}
		}

		if s.opLog != nil {
			s.opLog.Close()
		}

		if s.store != nil {
			s.store.Close()
		}

		if s.transport != nil && s.ownsPubSub {
			s.transport.Close()
		}

		if s.redisClient != nil {
			s.redisClient.Close()
		}

		logger.Info("Server stopped")
	})
}
