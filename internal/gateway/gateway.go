// Package gateway assembles a running rakgate instance: the QUIC transport
// worker, the adapter, the game host and the optional health endpoint.
package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/postalsys/rakgate/internal/adapter"
	"github.com/postalsys/rakgate/internal/certutil"
	"github.com/postalsys/rakgate/internal/config"
	"github.com/postalsys/rakgate/internal/control"
	"github.com/postalsys/rakgate/internal/fault"
	"github.com/postalsys/rakgate/internal/game"
	"github.com/postalsys/rakgate/internal/health"
	"github.com/postalsys/rakgate/internal/logging"
	"github.com/postalsys/rakgate/internal/metrics"
	"github.com/postalsys/rakgate/internal/sysinfo"
	"github.com/postalsys/rakgate/internal/transport"
	"github.com/postalsys/rakgate/internal/worker"
)

// ShutdownTimeout bounds how long Run waits for the worker to drain.
const ShutdownTimeout = 10 * time.Second

// Gateway owns every component of one rakgate instance.
type Gateway struct {
	cfg     *config.Config
	logger  *slog.Logger
	cert    *certutil.Cert
	reg     *prometheus.Registry
	metrics *metrics.Metrics

	channel *transport.Channel
	worker  *worker.Worker
	network *game.Network
	server  *game.Server
	adapter *adapter.Interface
	health  *health.Server
	control *control.Server

	started time.Time
	running atomic.Bool
	faults  atomic.Int64
}

var (
	_ health.StatsProvider = (*Gateway)(nil)
	_ control.Console      = (*Gateway)(nil)
)

// New builds a gateway from cfg without binding any socket.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	g := &Gateway{
		cfg:    cfg,
		logger: logging.Component(logger, "gateway"),
		reg:    prometheus.NewRegistry(),
	}
	g.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	g.metrics = metrics.NewMetricsWithRegistry(g.reg)

	cert, err := loadCertificate(cfg)
	if err != nil {
		return nil, err
	}
	g.cert = cert
	tlsCert, err := cert.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("tls certificate: %w", err)
	}

	g.channel = transport.NewChannel(cfg.Network.QueueSize)
	g.worker, err = worker.New(worker.Config{
		Address:           cfg.Server.Address,
		ALPN:              cfg.Worker.ALPN,
		TLS:               &tls.Config{Certificates: []tls.Certificate{tlsCert}},
		HandshakeTimeout:  cfg.Worker.HandshakeTimeout,
		IdleTimeout:       cfg.Worker.IdleTimeout,
		KeepAlivePeriod:   cfg.Worker.KeepAlivePeriod,
		MaxDatagramSize:   cfg.Worker.MaxDatagramSize,
		BandwidthInterval: cfg.Worker.BandwidthInterval,
		Logger:            logger,
	}, g.channel)
	if err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}

	g.network = game.NewNetwork(cfg.TickInterval(), logger)
	g.server = game.NewServer(game.ServerConfig{
		Name:              cfg.Server.Name,
		Version:           cfg.Server.VersionString,
		Protocol:          cfg.Server.ProtocolVersion,
		MaxPlayers:        cfg.Server.MaxPlayers,
		Port:              portOf(cfg.Server.Address),
		CompressionLevel:  cfg.Network.CompressionLevel,
		BroadcastBatchMin: cfg.Network.BroadcastBatchMin,
		QueryEnabled:      cfg.Query.Enabled,
		QueryRate:         cfg.Query.RateLimit,
		QueryBurst:        cfg.Query.Burst,
	}, g.network, logger)

	g.adapter, err = adapter.New(adapter.Options{
		Config: adapter.Config{
			Name:           cfg.Server.Name,
			Protocol:       cfg.Server.ProtocolVersion,
			Version:        cfg.Server.VersionString,
			MaxPlayers:     cfg.Server.MaxPlayers,
			BatchThreshold: cfg.Network.BatchThreshold,
			BlockCooldown:  cfg.Network.BlockCooldown,
			DebugLevel:     cfg.Server.DebugLevel,
		},
		Network:  g.network,
		Server:   g.server,
		Factory:  g.server,
		Channel:  g.channel,
		Reporter: fault.ReporterFunc(g.report),
		Metrics:  g.metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create adapter: %w", err)
	}
	g.server.Attach(g.adapter)
	g.network.RegisterInterface(g.adapter)

	if cfg.Health.Enabled {
		g.health = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Gatherer:     g.reg,
		}, g)
	}

	if cfg.Control.Enabled {
		g.control = control.NewServer(control.ServerConfig{
			SocketPath:     cfg.Control.SocketPath,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			RequestTimeout: 5 * time.Second,
			Logger:         logger,
		}, g)
	}

	return g, nil
}

func loadCertificate(cfg *config.Config) (*certutil.Cert, error) {
	if cfg.Worker.TLS.Cert != "" {
		cert, err := certutil.Load(cfg.Worker.TLS.Cert, cfg.Worker.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		return cert, nil
	}
	cert, err := certutil.Generate(certutil.ServerOptions(cfg.Server.Name))
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	return cert, nil
}

func portOf(address string) int {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// report counts worker crashes before logging them.
func (g *Gateway) report(f fault.Fault) {
	g.faults.Add(1)
	fault.LogReporter{Logger: g.logger}.Report(f)
}

// Start binds the transport and starts the health endpoint.
func (g *Gateway) Start() error {
	if g.running.Load() {
		return fmt.Errorf("gateway already running")
	}
	if err := g.worker.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	g.started = time.Now()
	g.running.Store(true)

	// Push the advertised descriptor before the first client pings.
	g.adapter.SetName(g.cfg.Server.Name)

	if g.health != nil {
		if err := g.health.Start(); err != nil {
			g.adapter.EmergencyShutdown()
			g.running.Store(false)
			return fmt.Errorf("start health server: %w", err)
		}
		g.logger.Info("health server started", logging.KeyAddress, g.health.Address().String())
	}

	if g.control != nil {
		if err := g.control.Start(); err != nil {
			if g.health != nil {
				_ = g.health.Stop()
			}
			g.adapter.EmergencyShutdown()
			g.running.Store(false)
			return fmt.Errorf("start control server: %w", err)
		}
		g.logger.Info("control socket listening", logging.KeyAddress, g.control.SocketPath())
	}

	g.logger.Info("gateway started",
		logging.KeyLocalAddr, g.worker.Addr().String(),
		"fingerprint", g.cert.Fingerprint())
	return nil
}

// Run drives the tick loop until ctx is cancelled or the worker crashes,
// then waits for the worker to stop.
func (g *Gateway) Run(ctx context.Context) error {
	if !g.running.Load() {
		return fmt.Errorf("gateway not started")
	}
	err := g.network.Run(ctx)

	select {
	case <-g.worker.Done():
	case <-time.After(ShutdownTimeout):
		g.logger.Warn("worker did not stop in time, forcing shutdown")
		g.adapter.EmergencyShutdown()
		<-g.worker.Done()
	}

	g.running.Store(false)
	if g.control != nil {
		if cerr := g.control.Stop(); cerr != nil {
			g.logger.Warn("control server stop failed", logging.KeyError, cerr)
		}
	}
	if g.health != nil {
		if herr := g.health.Stop(); herr != nil {
			g.logger.Warn("health server stop failed", logging.KeyError, herr)
		}
	}
	g.logger.Info("gateway stopped")
	return err
}

// IsRunning reports whether the transport is serving.
func (g *Gateway) IsRunning() bool {
	if !g.running.Load() {
		return false
	}
	select {
	case <-g.worker.Done():
		return false
	default:
		return true
	}
}

// Stats implements health.StatsProvider.
func (g *Gateway) Stats() health.Stats {
	bw := g.network.Statistics()
	return health.Stats{
		Sessions:    g.adapter.Registry().Count(),
		Connections: g.worker.SessionCount(),
		MaxPlayers:  g.cfg.Server.MaxPlayers,
		UploadBps:   bw.Upload,
		DownloadBps: bw.Download,
		StartedAt:   g.started,
	}
}

// Addr returns the bound UDP address once started.
func (g *Gateway) Addr() net.Addr { return g.worker.Addr() }

// Fingerprint returns the pinned certificate fingerprint clients use.
func (g *Gateway) Fingerprint() string { return g.cert.Fingerprint() }

// HealthAddr returns the health endpoint address, or nil when disabled.
func (g *Gateway) HealthAddr() net.Addr {
	if g.health == nil {
		return nil
	}
	return g.health.Address()
}

// Faults returns how many worker crashes were reported.
func (g *Gateway) Faults() int64 { return g.faults.Load() }

// ControlPath returns the control socket path, or "" when disabled.
func (g *Gateway) ControlPath() string {
	if g.control == nil {
		return ""
	}
	return g.control.SocketPath()
}

// Status implements control.Console.
func (g *Gateway) Status() control.StatusResponse {
	st := control.StatusResponse{
		Name:        g.cfg.Server.Name,
		Version:     sysinfo.Version,
		Running:     g.IsRunning(),
		Fingerprint: g.cert.Fingerprint(),
		Sessions:    g.adapter.Registry().Count(),
		MaxPlayers:  g.cfg.Server.MaxPlayers,
	}
	if addr := g.Addr(); addr != nil {
		st.Address = addr.String()
	}
	if !g.started.IsZero() {
		st.Uptime = time.Since(g.started).Round(time.Second).String()
	}
	return st
}

// Players implements control.Console.
func (g *Gateway) Players(ctx context.Context) ([]control.PlayerInfo, error) {
	var out []control.PlayerInfo
	err := g.network.Do(ctx, func() {
		for _, p := range g.server.Players() {
			out = append(out, control.PlayerInfo{
				Name:      p.Username(),
				ClientID:  p.ClientID(),
				Address:   p.Address(),
				Port:      p.Port(),
				Encrypted: p.EncryptionEnabled(),
			})
		}
	})
	return out, err
}

// Kick implements control.Console.
func (g *Gateway) Kick(ctx context.Context, name, reason string) error {
	if reason == "" {
		reason = game.ReasonKicked
	}
	found := false
	err := g.network.Do(ctx, func() {
		if p, ok := g.server.Player(name); ok {
			found = true
			p.Kick(reason)
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", control.ErrNotFound, name)
	}
	return nil
}

// Block implements control.Console.
func (g *Gateway) Block(ctx context.Context, address string, d time.Duration) error {
	return g.network.Do(ctx, func() {
		g.adapter.BlockAddress(address, d)
	})
}
