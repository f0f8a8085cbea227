package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"crdtrelay/config"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	httpPort := flag.Int("port", 0, "HTTP server port")
	transport := flag.String("transport", "", "Transport: memory, redis or libp2p")
	topic := flag.String("topic", "", "PubSub topic for CRDT synchronization")
	redisAddr := flag.String("redis", "", "Redis server address")
	author := flag.String("author", "", "Replica author id")
	bootstrapPeers := flag.String("bootstrap", "", "Comma-separated list of bootstrap peers")
	debug := flag.Bool("debug", false, "Enable debug logging")

	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Read(*configPath)
		if err != nil {
			log.Fatalf("Failed to read config: %v", err)
		}
		cfg = loaded
	}

	// flags override the file
	if *httpPort != 0 {
		cfg.Node.HTTPPort = *httpPort
	}
	if *transport != "" {
		cfg.Transport.Kind = *transport
	}
	if *topic != "" {
		cfg.Transport.Topic = *topic
	}
	if *redisAddr != "" {
		cfg.Transport.Redis.Addr = *redisAddr
	}
	if *author != "" {
		cfg.Node.Author = *author
	}
	if *bootstrapPeers != "" {
		cfg.Transport.Libp2p.Bootstrap = append(cfg.Transport.Libp2p.Bootstrap, strings.Split(*bootstrapPeers, ",")...)
	}
	if *debug {
		cfg.Node.Debug = true
	}
	cfg.PopulateDefaults()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	server, err := NewServer(cfg, reg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	if err := server.Start(quit); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
