// Package worker is the reliable-UDP transport engine behind the rakgate
// adapter. It runs a QUIC listener on its own goroutines and talks to the
// adapter only through a transport.Channel: connections become sessions,
// control stream frames and datagrams become encapsulated events, and
// non-QUIC datagrams become raw events.
package worker

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/rakgate/internal/logging"
	"github.com/postalsys/rakgate/internal/protocol"
	"github.com/postalsys/rakgate/internal/recovery"
	"github.com/postalsys/rakgate/internal/session"
	"github.com/postalsys/rakgate/internal/transport"
)

// Default worker settings.
const (
	DefaultALPN              = "rakgate/1"
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultKeepAlivePeriod   = 10 * time.Second
	DefaultMaxDatagramSize   = 1200
	DefaultBandwidthInterval = time.Second
	DefaultSendQueueSize     = 1024

	maxRawPacketSize = 1500
)

// Config configures the worker.
type Config struct {
	Address           string
	ALPN              string
	TLS               *tls.Config
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration
	KeepAlivePeriod   time.Duration
	MaxDatagramSize   int
	BandwidthInterval time.Duration
	SendQueueSize     int
	Logger            *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ALPN == "" {
		c.ALPN = DefaultALPN
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.KeepAlivePeriod <= 0 {
		c.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	if c.MaxDatagramSize <= 0 {
		c.MaxDatagramSize = DefaultMaxDatagramSize
	}
	if c.BandwidthInterval <= 0 {
		c.BandwidthInterval = DefaultBandwidthInterval
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
}

// Worker owns the UDP socket and every client connection.
type Worker struct {
	cfg    Config
	ch     *transport.Channel
	logger *slog.Logger

	udp *net.UDPConn
	tr  *quic.Transport
	ln  *quic.Listener

	mu       sync.Mutex
	conns    map[session.ID]*conn
	nextID   atomic.Uint64
	draining sync.WaitGroup

	blocks     *blocklist
	name       atomic.Value
	portCheck  atomic.Bool
	serverGUID uint64
	localPort  int

	sent     atomic.Uint64
	received atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
	wg       sync.WaitGroup
	stopped  chan struct{}
}

// New creates a worker bound to ch. Call Start to open the socket.
func New(cfg Config, ch *transport.Channel) (*Worker, error) {
	if ch == nil {
		return nil, fmt.Errorf("worker: channel is required")
	}
	if cfg.TLS == nil || len(cfg.TLS.Certificates) == 0 {
		return nil, fmt.Errorf("worker: TLS certificate is required")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("worker: listen address is required")
	}
	cfg.applyDefaults()

	var guid [8]byte
	if _, err := rand.Read(guid[:]); err != nil {
		return nil, fmt.Errorf("worker: generate server guid: %w", err)
	}

	w := &Worker{
		cfg:        cfg,
		ch:         ch,
		logger:     logging.Component(cfg.Logger, "worker"),
		conns:      make(map[session.ID]*conn),
		blocks:     newBlocklist(),
		serverGUID: binary.BigEndian.Uint64(guid[:]),
		stopped:    make(chan struct{}),
	}
	w.name.Store("")
	return w, nil
}

// Start binds the socket and launches the worker goroutines.
func (w *Worker) Start() error {
	udpAddr, err := net.ResolveUDPAddr("udp", w.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", w.cfg.Address, err)
	}
	w.udp, err = net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", w.cfg.Address, err)
	}
	w.localPort = w.udp.LocalAddr().(*net.UDPAddr).Port

	tlsConfig := w.cfg.TLS.Clone()
	tlsConfig.NextProtos = []string{w.cfg.ALPN}
	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}

	quicConfig := &quic.Config{
		HandshakeIdleTimeout:  w.cfg.HandshakeTimeout,
		MaxIdleTimeout:        w.cfg.IdleTimeout,
		KeepAlivePeriod:       w.cfg.KeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
		EnableDatagrams:       true,
	}

	w.tr = &quic.Transport{Conn: w.udp}
	w.ln, err = w.tr.Listen(tlsConfig, quicConfig)
	if err != nil {
		w.udp.Close()
		return fmt.Errorf("QUIC listen failed: %w", err)
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.logger.Info("transport worker listening",
		logging.KeyLocalAddr, w.udp.LocalAddr().String())

	w.spawn("accept", w.acceptLoop)
	w.spawn("raw", w.rawLoop)
	w.spawn("control", w.controlLoop)
	return nil
}

// Addr returns the bound UDP address.
func (w *Worker) Addr() net.Addr {
	return w.udp.LocalAddr()
}

// Wait blocks until the worker stopped after a shutdown command or a crash.
func (w *Worker) Wait() {
	<-w.stopped
}

// Done is closed once the worker has stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.stopped
}

// SessionCount returns the number of connected sessions.
func (w *Worker) SessionCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conns)
}

// spawn runs fn on a goroutine whose panic terminates the worker.
func (w *Worker) spawn(name string, fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer recovery.RecoverWithCallback(w.logger, name, func(perr *recovery.PanicError) {
			w.crash(name, perr.Error(), perr.File, perr.Line)
		})
		fn()
	}()
}

// crash records the termination on the channel and tears everything down.
func (w *Worker) crash(scope, message, file string, line int) {
	w.logger.Error("transport worker terminated",
		logging.KeyScope, scope,
		logging.KeyError, message)
	w.ch.Terminate(transport.TerminationInfo{
		Scope:   scope,
		Message: message,
		File:    file,
		Line:    line,
	})
	w.stop(false)
}

// fail terminates the worker after an unexpected error in scope.
func (w *Worker) fail(scope string, err error) {
	if w.stopping.Load() {
		return
	}
	w.crash(scope, err.Error(), "", 0)
}

// stop closes the listener and every connection. Graceful stops close
// connections with the shutdown reason first.
func (w *Worker) stop(graceful bool) {
	if !w.stopping.CompareAndSwap(false, true) {
		return
	}

	w.mu.Lock()
	conns := make([]*conn, 0, len(w.conns))
	for id, c := range w.conns {
		conns = append(conns, c)
		delete(w.conns, id)
	}
	w.mu.Unlock()

	if graceful {
		for _, c := range conns {
			c.closeAfterFlush(ReasonShutdown)
		}
		flushed := make(chan struct{})
		go func() {
			for _, c := range conns {
				<-c.closed
			}
			w.draining.Wait()
			close(flushed)
		}()
		timer := time.NewTimer(closeLinger + time.Second)
		select {
		case <-flushed:
		case <-timer.C:
		}
		timer.Stop()
	}

	w.cancel()
	_ = w.ln.Close()
	_ = w.tr.Close()
	_ = w.udp.Close()

	go func() {
		w.wg.Wait()
		close(w.stopped)
	}()
}

func (w *Worker) acceptLoop() {
	for {
		qc, err := w.ln.Accept(w.ctx)
		if err != nil {
			if w.ctx.Err() != nil || w.stopping.Load() {
				return
			}
			w.fail("accept", err)
			return
		}

		host, port := splitAddr(qc.RemoteAddr())
		if w.blocks.blocked(host) {
			_ = qc.CloseWithError(codeBlocked, ReasonBlocked)
			continue
		}
		w.spawn("session", func() { w.serve(qc, host, port) })
	}
}

// serve runs the handshake and then the read side of one connection.
func (w *Worker) serve(qc quic.Connection, host string, port int) {
	hctx, cancel := context.WithTimeout(w.ctx, w.cfg.HandshakeTimeout)
	stream, err := qc.AcceptStream(hctx)
	cancel()
	if err != nil {
		_ = qc.CloseWithError(codeHandshake, "handshake timeout")
		return
	}

	_ = stream.SetReadDeadline(time.Now().Add(w.cfg.HandshakeTimeout))
	hs, err := ReadHandshake(stream)
	_ = stream.SetReadDeadline(time.Time{})
	if err != nil {
		_ = qc.CloseWithError(codeHandshake, "bad handshake")
		return
	}
	if w.portCheck.Load() && int(hs.ServerPort) != w.localPort {
		w.logger.Debug("port check failed",
			logging.KeyAddress, host,
			logging.KeyPort, hs.ServerPort)
		_ = qc.CloseWithError(codeHandshake, "port mismatch")
		return
	}

	id := session.ID(w.nextID.Add(1))
	c := newConn(w, id, hs, host, port, qc, stream)

	w.mu.Lock()
	if w.stopping.Load() {
		w.mu.Unlock()
		c.close(codeClosed, ReasonShutdown, true)
		return
	}
	w.conns[id] = c
	w.mu.Unlock()

	open := transport.OpenEvent{ID: id, Address: host, Port: port, ClientID: hs.ClientID}
	if err := w.ch.Emit(w.ctx, open); err != nil {
		w.remove(id)
		c.close(codeClosed, ReasonShutdown, true)
		return
	}
	c.logger.Debug("session opened", logging.KeyClientID, hs.ClientID)

	cctx, ccancel := context.WithCancel(w.ctx)
	defer ccancel()
	w.spawn("writer", func() { c.writeLoop(cctx) })
	w.spawn("datagrams", func() { c.readDatagrams(cctx) })

	err = c.readStream(cctx)
	if errors.Is(err, ErrFrameTooLarge) {
		c.close(codeProtoError, ReasonProtocolError, false)
	}
	reason := c.closeReason(err)
	c.close(codeClosed, reason, false)

	if w.remove(id) && !c.closedByServer.Load() {
		c.logger.Debug("session closed", logging.KeyReason, reason)
		_ = w.ch.Emit(w.ctx, transport.CloseEvent{ID: id, Reason: reason})
	}
}

func (w *Worker) lookup(id session.ID) *conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conns[id]
}

// remove unregisters id and reports whether it was still registered.
func (w *Worker) remove(id session.ID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.conns[id]; !ok {
		return false
	}
	delete(w.conns, id)
	return true
}

// rawLoop reads datagrams quic-go does not recognise as QUIC.
func (w *Worker) rawLoop() {
	buf := make([]byte, maxRawPacketSize)
	for {
		n, addr, err := w.tr.ReadNonQUICPacket(w.ctx, buf)
		if err != nil {
			if w.ctx.Err() != nil || w.stopping.Load() {
				return
			}
			w.fail("raw", err)
			return
		}
		w.received.Add(uint64(n))

		host, port := splitAddr(addr)
		if w.blocks.blocked(host) {
			continue
		}

		if pingTime, ok := decodePing(buf[:n]); ok {
			w.answerPing(pingTime, addr)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		if err := w.ch.Emit(w.ctx, transport.RawEvent{Address: host, Port: port, Payload: payload}); err != nil {
			return
		}
	}
}

func (w *Worker) answerPing(pingTime uint64, addr net.Addr) {
	name, _ := w.name.Load().(string)
	if name == "" {
		return
	}
	pong, err := Pong{PingTime: pingTime, ServerGUID: w.serverGUID, Name: name}.MarshalBinary()
	if err != nil {
		w.logger.Debug("pong encode failed", logging.KeyError, err)
		return
	}
	if n, err := w.tr.WriteTo(pong, addr); err == nil {
		w.sent.Add(uint64(n))
	}
}

// controlLoop consumes adapter commands, serving the urgent queue first,
// and reports bandwidth on an interval.
func (w *Worker) controlLoop() {
	ticker := time.NewTicker(w.cfg.BandwidthInterval)
	defer ticker.Stop()

	var lastSent, lastRecv uint64
	for {
		select {
		case cmd := <-w.ch.Urgent():
			if w.handle(cmd) {
				return
			}
			continue
		default:
		}

		select {
		case cmd := <-w.ch.Urgent():
			if w.handle(cmd) {
				return
			}
		case cmd := <-w.ch.Commands():
			if w.handle(cmd) {
				return
			}
		case <-ticker.C:
			sent, recv := w.sent.Load(), w.received.Load()
			w.reportBandwidth(sent-lastSent, recv-lastRecv)
			lastSent, lastRecv = sent, recv
		case <-w.ctx.Done():
			return
		}
	}
}

// handle executes one command and reports whether the loop should stop.
func (w *Worker) handle(cmd transport.Command) bool {
	switch c := cmd.(type) {
	case transport.TickCommand:
		w.blocks.expire()

	case transport.EncapsulatedCommand:
		conn := w.lookup(c.ID)
		if conn == nil {
			w.logger.Debug("envelope for unknown session dropped", logging.KeySessionID, c.ID)
			return false
		}
		conn.enqueue(outbound{env: c.Envelope, flags: c.Flags})

	case transport.CloseSessionCommand:
		conn := w.lookup(c.ID)
		if conn == nil {
			return false
		}
		w.remove(c.ID)
		conn.closeAfterFlush(c.Reason)
		w.draining.Add(1)
		go func() {
			defer w.draining.Done()
			<-conn.closed
		}()

	case transport.BlockAddressCommand:
		w.blockAddress(c.Address, c.Duration)

	case transport.RawCommand:
		w.sendRaw(c.Address, c.Port, c.Payload)

	case transport.OptionCommand:
		w.setOption(c.Name, c.Value)

	case transport.ShutdownCommand:
		w.logger.Info("transport worker shutting down", logging.KeyCount, w.SessionCount())
		w.stop(true)
		return true

	case transport.EmergencyShutdownCommand:
		w.logger.Warn("transport worker emergency shutdown")
		w.stop(false)
		return true
	}
	return false
}

// blockAddress drops future traffic from address and closes its current
// connections. Those closes are reported to the adapter.
func (w *Worker) blockAddress(address string, d time.Duration) {
	w.blocks.add(address, d)
	w.logger.Info("address blocked",
		logging.KeyAddress, address,
		logging.KeyDuration, d)

	w.mu.Lock()
	var victims []*conn
	for _, c := range w.conns {
		if c.address == address {
			victims = append(victims, c)
		}
	}
	w.mu.Unlock()

	for _, c := range victims {
		c.close(codeBlocked, ReasonBlocked, false)
	}
}

func (w *Worker) sendRaw(address string, port int, payload []byte) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		w.logger.Debug("raw send: bad address", logging.KeyAddress, address, logging.KeyError, err)
		return
	}
	n, err := w.tr.WriteTo(payload, addr)
	if err != nil {
		w.logger.Debug("raw send failed", logging.KeyAddress, address, logging.KeyError, err)
		return
	}
	w.sent.Add(uint64(n))
}

func (w *Worker) setOption(name, value string) {
	switch name {
	case protocol.OptionName:
		w.name.Store(value)
	case protocol.OptionPortChecking:
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			w.logger.Debug("invalid port checking value", logging.KeyOption, value)
			return
		}
		w.portCheck.Store(enabled)
	default:
		w.logger.Debug("unknown option ignored", logging.KeyOption, name)
	}
}

func (w *Worker) reportBandwidth(up, down uint64) {
	value, err := protocol.EncodeBandwidth(bandwidthRate(up, down, w.cfg.BandwidthInterval))
	if err != nil {
		w.logger.Debug("bandwidth encode failed", logging.KeyError, err)
		return
	}
	// Reports are advisory; a full event queue skips one.
	w.ch.TryEmit(transport.OptionEvent{Name: protocol.OptionBandwidth, Value: value})
}

// bandwidthRate converts the byte counts of one report interval into bytes
// per second.
func bandwidthRate(up, down uint64, interval time.Duration) protocol.Bandwidth {
	secs := interval.Seconds()
	if secs <= 0 {
		secs = 1
	}
	return protocol.Bandwidth{Up: float64(up) / secs, Down: float64(down) / secs}
}

func splitAddr(addr net.Addr) (string, int) {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.IP.String(), ua.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
