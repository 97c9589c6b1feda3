package cli

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okdaichi/gomoqt/quic"
	"github.com/meshrelay/meshrelay/internal/cache"
	"github.com/meshrelay/meshrelay/internal/core"
	"github.com/meshrelay/meshrelay/internal/peermgr"
	"github.com/meshrelay/meshrelay/internal/wire"
	"github.com/meshrelay/meshrelay/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"
)

// config is the fully-parsed form of config.relay.yaml, covering the keys
// spec.md §6 names except peering.init_queue_size and
// peering.max_ttl_expiry_ms, which are not read.
type config struct {
	BindIP   string
	Port     int
	CertFile string
	KeyFile  string
	QLog     string
	Debug    bool

	EndpointID string
	RelayID    wire.NodeID
	NodeType   wire.NodeType

	Cache cache.Config

	PeeringListenPort       int
	Peers                   []peermgr.PeerConfig
	ReconnectCheckInterval  time.Duration
	SubscriptionRefreshMs   int
	MetricsAddr             string
}

func RunRelay(args []string) error {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	var configFile = fs.String("config", "config.relay.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if err := observability.Setup(context.Background(), observability.Config{
		Service: cfg.EndpointID,
		Metrics: true,
	}); err != nil {
		return fmt.Errorf("failed to set up observability: %w", err)
	}
	defer observability.Shutdown(context.Background())

	tlsConfig, err := setupTLS(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	relayCore := core.New(slog.Default(), core.Config{
		Self:                        cfg.RelayID,
		NodeType:                    cfg.NodeType,
		Contact:                     cfg.EndpointID,
		Cache:                       cfg.Cache,
		Peers:                       cfg.Peers,
		ReconnectCheckInterval:      cfg.ReconnectCheckInterval,
		SubscriptionRefreshInterval: time.Duration(cfg.SubscriptionRefreshMs) * time.Millisecond,
	}, nil)

	quicConfig := &quic.Config{
		EnableDatagrams:                  true,
		EnableStreamResetPartialDelivery: true,
	}
	dialer := &core.QUICDialer{TLSConfig: tlsConfig, QUICConfig: quicConfig, Core: relayCore}
	relayCore = core.New(slog.Default(), core.Config{
		Self:                        cfg.RelayID,
		NodeType:                    cfg.NodeType,
		Contact:                     cfg.EndpointID,
		Cache:                       cfg.Cache,
		Peers:                       cfg.Peers,
		ReconnectCheckInterval:      cfg.ReconnectCheckInterval,
		SubscriptionRefreshInterval: time.Duration(cfg.SubscriptionRefreshMs) * time.Millisecond,
	}, dialer)
	dialer.Core = relayCore

	peerAddr := fmt.Sprintf("%s:%d", cfg.BindIP, cfg.PeeringListenPort)
	wtListener := core.NewWebTransportListener(relayCore, func(r *http.Request) bool { return true })

	mux := http.NewServeMux()
	mux.Handle("/", wtListener)
	mux.Handle("/health", &healthHandler{core: relayCore})
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BindIP, cfg.Port),
		Handler: mux,
	}

	go func() {
		if err := relayCore.ListenAndServePeers(ctx, peerAddr, tlsConfig, quicConfig); err != nil && ctx.Err() == nil {
			log.Printf("peer listener error: %v", err)
		}
	}()
	go relayCore.Run(ctx)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	log.Println("Server started successfully")
	log.Println("  /             - WebTransport peer endpoint")
	log.Println("  /health       - Health check (?probe=live|ready)")
	log.Println("  /metrics      - Prometheus metrics")

	<-ctx.Done()

	slog.Info("Shutting down server...")
	relayCore.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down http server: %v", err)
	}

	slog.Info("Server stopped")
	return nil
}

func loadConfig(filename string) (*config, error) {
	type yamlConfig struct {
		BindIP     string `yaml:"bind_ip"`
		Port       int    `yaml:"port"`
		Cert       string `yaml:"cert"`
		Key        string `yaml:"key"`
		QLog       string `yaml:"qlog"`
		Debug      bool   `yaml:"debug"`
		EndpointID string `yaml:"endpoint_id"`
		RelayID    string `yaml:"relay_id"`
		NodeType   string `yaml:"node_type"`

		Cache struct {
			MaxGroups          int `yaml:"max_groups"`
			MaxObjectsPerGroup int `yaml:"max_objects_per_group"`
			ObjectTTLMs        int `yaml:"object_ttl_ms"`
		} `yaml:"cache"`

		Peering struct {
			ListeningPort  int      `yaml:"listening_port"`
			Peers          []string `yaml:"peers"`
			CheckIntervalMs int     `yaml:"check_interval_ms"`
		} `yaml:"peering"`

		SubscriptionRefreshIntervalMs int `yaml:"subscription_refresh_interval_ms"`
	}

	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	var y yamlConfig
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&y); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if y.Port == 0 {
		y.Port = 4443
	}
	if y.Cache.MaxGroups == 0 {
		y.Cache.MaxGroups = cache.DefaultMaxGroups
	}
	if y.Cache.MaxObjectsPerGroup == 0 {
		y.Cache.MaxObjectsPerGroup = cache.DefaultMaxObjectsPerGroup
	}
	if y.SubscriptionRefreshIntervalMs == 0 {
		y.SubscriptionRefreshIntervalMs = 1000
	}
	if y.Peering.ListeningPort == 0 {
		y.Peering.ListeningPort = y.Port + 1
	}
	if y.Peering.CheckIntervalMs == 0 {
		y.Peering.CheckIntervalMs = 2000
	}

	relayID, err := wire.ParseNodeID(y.RelayID)
	if err != nil {
		return nil, fmt.Errorf("invalid relay_id %q: %w", y.RelayID, err)
	}

	nodeType, err := parseNodeType(y.NodeType)
	if err != nil {
		return nil, err
	}

	peers := make([]peermgr.PeerConfig, 0, len(y.Peering.Peers))
	for _, addr := range y.Peering.Peers {
		peers = append(peers, peermgr.PeerConfig{Address: addr})
	}

	cfg := &config{
		BindIP:     y.BindIP,
		Port:       y.Port,
		CertFile:   y.Cert,
		KeyFile:    y.Key,
		QLog:       y.QLog,
		Debug:      y.Debug,
		EndpointID: y.EndpointID,
		RelayID:    relayID,
		NodeType:   nodeType,
		Cache: cache.Config{
			MaxGroups:          y.Cache.MaxGroups,
			MaxObjectsPerGroup: y.Cache.MaxObjectsPerGroup,
			ObjectTTL:          time.Duration(y.Cache.ObjectTTLMs) * time.Millisecond,
		},
		PeeringListenPort:      y.Peering.ListeningPort,
		Peers:                  peers,
		ReconnectCheckInterval: time.Duration(y.Peering.CheckIntervalMs) * time.Millisecond,
		SubscriptionRefreshMs:  y.SubscriptionRefreshIntervalMs,
	}
	return cfg, nil
}

func parseNodeType(s string) (wire.NodeType, error) {
	switch s {
	case "", "Edge":
		return wire.NodeTypeEdge, nil
	case "Via":
		return wire.NodeTypeVia, nil
	case "Stub":
		return wire.NodeTypeStub, nil
	default:
		return 0, fmt.Errorf("unknown node_type %q", s)
	}
}

func setupTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h3", "moq-00"}, // HTTP/3 for WebTransport, MOQ native QUIC
	}, nil
}

// healthHandler serves the relay's health status, selecting the liveness
// or readiness probe with ?probe=live|ready. Readiness follows the health
// package's upstream gauge; the peer-session count is reported in the
// status document but does not affect readiness.
type healthHandler struct {
	core *core.Core
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	probe := r.URL.Query().Get("probe")
	switch probe {
	case "live":
		h.core.Health.ServeLive(w, r)
	case "ready":
		h.core.Health.ServeReady(w, r)
	default:
		h.core.Health.ServeHTTP(w, r)
	}
}
