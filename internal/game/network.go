package game

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/rakgate/internal/adapter"
	"github.com/postalsys/rakgate/internal/logging"
	"github.com/postalsys/rakgate/internal/protocol"
)

// DefaultTickInterval is the game tick period.
const DefaultTickInterval = 50 * time.Millisecond

// Statistics is the most recent bandwidth report, in bytes per second.
type Statistics struct {
	Upload   float64
	Download float64
	Updated  time.Time
}

// Network is the tick-driven dispatcher source interfaces register with.
// It owns the packet registry used for decoding.
type Network struct {
	tick     time.Duration
	registry *protocol.Registry
	server   *Server
	logger   *slog.Logger

	mu         sync.Mutex
	interfaces []adapter.SourceInterface
	stats      Statistics

	tasks chan *task
}

var _ adapter.Network = (*Network)(nil)

// NewNetwork creates a dispatcher with every game packet registered.
func NewNetwork(tick time.Duration, logger *slog.Logger) *Network {
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	reg := protocol.NewRegistry()
	RegisterPackets(reg)
	return &Network{
		tick:     tick,
		registry: reg,
		logger:   logging.Component(logger, "network"),
		tasks:    make(chan *task, 64),
	}
}

// Registry returns the packet registry.
func (n *Network) Registry() *protocol.Registry { return n.registry }

// Packet returns a fresh packet for id.
func (n *Network) Packet(id uint8) (protocol.Packet, bool) { return n.registry.Packet(id) }

// RegisterInterface adds iface to the tick loop.
func (n *Network) RegisterInterface(iface adapter.SourceInterface) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.interfaces = append(n.interfaces, iface)
}

// UnregisterInterface removes iface from the tick loop.
func (n *Network) UnregisterInterface(iface adapter.SourceInterface) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, cur := range n.interfaces {
		if cur == iface {
			n.interfaces = append(n.interfaces[:i], n.interfaces[i+1:]...)
			return
		}
	}
}

// Interfaces returns the number of registered interfaces.
func (n *Network) Interfaces() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.interfaces)
}

func (n *Network) snapshot() []adapter.SourceInterface {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]adapter.SourceInterface(nil), n.interfaces...)
}

// AddStatistics records a bandwidth report.
func (n *Network) AddStatistics(up, down float64) {
	n.mu.Lock()
	n.stats = Statistics{Upload: up, Download: down, Updated: time.Now()}
	n.mu.Unlock()

	n.logger.Debug("bandwidth",
		"upload", humanize.Bytes(uint64(up))+"/s",
		"download", humanize.Bytes(uint64(down))+"/s")
}

// Statistics returns the last bandwidth report.
func (n *Network) Statistics() Statistics {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Tick runs one cycle: every interface is ticked and drained, then the
// server does its upkeep. A crash reported by an interface is returned
// after the remaining interfaces have run.
func (n *Network) Tick() error {
	n.runTasks()

	var errs []error
	for _, iface := range n.snapshot() {
		if err := iface.DoTick(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := iface.Process(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.server != nil {
		n.server.Tick()
	}
	return errors.Join(errs...)
}

// Task states. A queued task is claimed exactly once, either by the tick
// goroutine or by a caller giving up on it.
const (
	taskQueued int32 = iota
	taskRunning
	taskAbandoned
)

type task struct {
	fn    func()
	done  chan struct{}
	state atomic.Int32
}

// Do runs fn on the tick goroutine before the next tick and waits for it.
// Game state is only touched from that goroutine. When ctx ends first, fn
// is guaranteed not to run unless it had already started, in which case Do
// waits for it and reports success.
func (n *Network) Do(ctx context.Context, fn func()) error {
	t := &task{fn: fn, done: make(chan struct{})}
	select {
	case n.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		if t.state.CompareAndSwap(taskQueued, taskAbandoned) {
			return ctx.Err()
		}
		<-t.done
		return nil
	}
}

func (n *Network) runTasks() {
	for {
		select {
		case t := <-n.tasks:
			if !t.state.CompareAndSwap(taskQueued, taskRunning) {
				continue
			}
			func() {
				defer close(t.done)
				t.fn()
			}()
		default:
			return
		}
	}
}

// Run ticks until ctx is cancelled or an interface fails. On
// cancellation the players are disconnected and every interface is shut
// down gracefully; on failure the remaining interfaces are shut down
// immediately.
func (n *Network) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.shutdown()
			return nil
		case <-ticker.C:
			if err := n.Tick(); err != nil {
				n.logger.Error("network tick failed", logging.KeyError, err)
				for _, iface := range n.snapshot() {
					iface.EmergencyShutdown()
				}
				return err
			}
		}
	}
}

func (n *Network) shutdown() {
	if n.server != nil {
		n.server.Flush()
		n.server.Shutdown(ReasonServerShutdown)
	}
	for _, iface := range n.snapshot() {
		// One last drain pushes the disconnects out before the worker stops.
		if _, err := iface.Process(); err != nil {
			n.logger.Warn("final drain failed", logging.KeyError, err)
			continue
		}
		iface.Shutdown()
	}
	n.logger.Info("network stopped")
}
