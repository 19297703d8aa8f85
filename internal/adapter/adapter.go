// Package adapter bridges the game server and the reliable-UDP transport
// worker. It owns the identifier/session mapping, frames and encrypts
// application packets, applies the outbound batching and priority policy
// and turns a worker crash into a fatal fault.
//
// An Interface runs entirely on the host's control loop: DoTick and
// Process are called once per tick and never block.
package adapter

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/postalsys/rakgate/internal/fault"
	"github.com/postalsys/rakgate/internal/logging"
	"github.com/postalsys/rakgate/internal/metrics"
	"github.com/postalsys/rakgate/internal/protocol"
	"github.com/postalsys/rakgate/internal/session"
	"github.com/postalsys/rakgate/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// Default values
const (
	DefaultBlockCooldown = 5 * time.Second
	DefaultBlockDuration = 300 * time.Second
	DefaultProtocol      = 70
	DefaultVersion       = "0.14.3"
)

// SourceInterface is what the network dispatcher ticks every cycle.
type SourceInterface interface {
	DoTick() error
	Process() (bool, error)
	Shutdown()
	EmergencyShutdown()
}

// Network is the upstream dispatcher the adapter is registered with. It
// also owns the packet-type registry.
type Network interface {
	UnregisterInterface(iface SourceInterface)
	Packet(id uint8) (protocol.Packet, bool)
	AddStatistics(up, down float64)
}

// Server is the game-layer contract consumed by the adapter.
type Server interface {
	AddSession(id session.ID, s session.Session)
	HandleRaw(address string, port int, payload []byte)
	// BatchPackets aggregates packets for recipients. With sync set the
	// batch is built and delivered before the call returns.
	BatchPackets(recipients []session.Session, packets []protocol.Packet, sync bool)
}

// Config contains the adapter settings.
type Config struct {
	// Advertised descriptor fields.
	Name       string
	Protocol   int
	Version    string
	MaxPlayers int

	// BatchThreshold routes outbound packets of at least this many bytes
	// to the batching facility. Negative disables batching.
	BatchThreshold int

	// BlockCooldown is how long an address is blocked after one of its
	// packets failed to decode or dispatch.
	BlockCooldown time.Duration

	// DebugLevel above 1 logs packet dumps for dispatch failures.
	DebugLevel int
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:           "rakgate",
		Protocol:       DefaultProtocol,
		Version:        DefaultVersion,
		MaxPlayers:     20,
		BatchThreshold: 256,
		BlockCooldown:  DefaultBlockCooldown,
	}
}

// Options wires an Interface to its collaborators.
type Options struct {
	Config   Config
	Network  Network
	Server   Server
	Factory  session.Factory
	Channel  *transport.Channel
	Reporter fault.Reporter
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Interface is the adapter instance registered with the network
// dispatcher. It implements transport.Handler for inbound events.
type Interface struct {
	cfg      Config
	network  Network
	server   Server
	registry *session.Registry
	bridge   *transport.Bridge
	reporter fault.Reporter
	metrics  *metrics.Metrics
	logger   *slog.Logger

	count   int
	crashed bool
}

var (
	_ SourceInterface   = (*Interface)(nil)
	_ transport.Handler = (*Interface)(nil)
)

// New creates an adapter bound to the worker behind opts.Channel.
func New(opts Options) (*Interface, error) {
	if opts.Network == nil {
		return nil, errors.New("adapter: network is required")
	}
	if opts.Server == nil {
		return nil, errors.New("adapter: server is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("adapter: session factory is required")
	}
	if opts.Channel == nil {
		return nil, errors.New("adapter: transport channel is required")
	}

	logger := logging.Component(opts.Logger, "adapter")

	reporter := opts.Reporter
	if reporter == nil {
		reporter = fault.LogReporter{Logger: logger}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}

	cfg := opts.Config
	if cfg.BlockCooldown <= 0 {
		cfg.BlockCooldown = DefaultBlockCooldown
	}

	a := &Interface{
		cfg:      cfg,
		network:  opts.Network,
		server:   opts.Server,
		registry: session.NewRegistry(opts.Factory, logger),
		reporter: reporter,
		metrics:  m,
		logger:   logger,
	}
	a.bridge = transport.NewBridge(opts.Channel, a)
	a.registry.SetCloser(a.bridge)

	return a, nil
}

// Registry exposes the session registry, mainly so hosts can install
// creation hooks.
func (a *Interface) Registry() *session.Registry {
	return a.registry
}

// Descriptor returns the currently advertised server descriptor.
func (a *Interface) Descriptor() protocol.ServerDescriptor {
	return protocol.ServerDescriptor{
		Tag:         protocol.DefaultDescriptorTag,
		Name:        a.cfg.Name,
		Protocol:    a.cfg.Protocol,
		Version:     a.cfg.Version,
		PlayerCount: a.count,
		MaxPlayers:  a.cfg.MaxPlayers,
	}
}

// controlError records a command the worker did not accept.
func (a *Interface) controlError(op string, err error) error {
	if errors.Is(err, transport.ErrControlQueueFull) {
		a.metrics.RecordControlDrop()
	}
	a.logger.Debug("transport command rejected",
		"op", op,
		logging.KeyError, err)
	return fmt.Errorf("%s: %w", op, err)
}
