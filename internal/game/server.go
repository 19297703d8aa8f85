package game

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/postalsys/rakgate/internal/logging"
	"github.com/postalsys/rakgate/internal/protocol"
	"github.com/postalsys/rakgate/internal/recovery"
	"github.com/postalsys/rakgate/internal/session"
)

// Gateway is the outbound side of the adapter used by the game layer.
type Gateway interface {
	PutPacket(s session.Session, pk protocol.Packet, needACK, immediate bool) (int, error)
	PutReadyPacket(s session.Session, raw []byte) error
	Close(s session.Session, reason string)
	SendRawPacket(address string, port int, payload []byte) error
	SetCount(count, maxCount int)
}

// ServerConfig holds the game settings the server enforces.
type ServerConfig struct {
	Name             string
	Version          string
	Protocol         int
	MaxPlayers       int
	Port             int
	CompressionLevel int

	// BroadcastBatchMin is the recipient count from which Broadcast
	// compresses asynchronously. Zero sends every broadcast directly.
	BroadcastBatchMin int

	QueryEnabled bool
	QueryRate    float64
	QueryBurst   int
}

// Server tracks players and implements the adapter's server contract.
// Everything except asynchronous batch compression runs on the tick
// goroutine.
type Server struct {
	cfg     ServerConfig
	network *Network
	gateway Gateway
	batcher *Batcher
	queries *queryHandler
	logger  *slog.Logger

	players map[session.ID]session.Session

	// Batches compressed off the tick goroutine. They are queued in
	// submission order and delivered on a later tick once compressed.
	readyMu sync.Mutex
	ready   []*readyBatch
	pending sync.WaitGroup
}

type readyBatch struct {
	recipients []session.Session
	raw        []byte
	done       bool
}

// NewServer creates a server. Attach must be called before traffic flows.
func NewServer(cfg ServerConfig, network *Network, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		network: network,
		batcher: NewBatcher(cfg.CompressionLevel),
		logger:  logging.Component(logger, "server"),
		players: make(map[session.ID]session.Session),
	}
	if cfg.QueryEnabled {
		s.queries = newQueryHandler(cfg.QueryRate, cfg.QueryBurst)
	}
	network.server = s
	return s
}

// Attach sets the gateway the server sends through.
func (s *Server) Attach(g Gateway) {
	s.gateway = g
}

// NewSession creates a Player for the adapter's registry.
func (s *Server) NewSession(p session.Params) (session.Session, error) {
	if s.gateway == nil {
		return nil, fmt.Errorf("server has no gateway")
	}
	return newPlayer(s, p), nil
}

// AddSession records a session the adapter just registered.
func (s *Server) AddSession(id session.ID, sess session.Session) {
	s.players[id] = sess
	s.logger.Debug("session added",
		logging.KeySessionID, uint64(id),
		logging.KeyAddress, sess.Address(),
		logging.KeyPort, sess.Port())
	s.updateCount()
}

// removeSession forgets a session once it has closed.
func (s *Server) removeSession(sess session.Session) {
	id := sess.Identifier()
	if cur, ok := s.players[id]; ok && cur == sess {
		delete(s.players, id)
		s.updateCount()
	}
}

func (s *Server) updateCount() {
	if s.gateway != nil {
		s.gateway.SetCount(len(s.players), s.cfg.MaxPlayers)
	}
}

// PlayerCount returns the number of tracked sessions.
func (s *Server) PlayerCount() int {
	return len(s.players)
}

// Full reports whether no further player may log in.
func (s *Server) Full() bool {
	n := 0
	for _, sess := range s.players {
		if p, ok := sess.(*Player); ok && p.loggedIn {
			n++
		}
	}
	return n >= s.cfg.MaxPlayers
}

// Players returns the spawned players.
func (s *Server) Players() []*Player {
	out := make([]*Player, 0, len(s.players))
	for _, sess := range s.players {
		if p, ok := sess.(*Player); ok && p.spawned && !p.closed {
			out = append(out, p)
		}
	}
	return out
}

// Player returns the spawned player named name, ignoring case.
func (s *Server) Player(name string) (*Player, bool) {
	for _, p := range s.Players() {
		if strings.EqualFold(p.username, name) {
			return p, true
		}
	}
	return nil, false
}

// Broadcast sends pk to every spawned player except skip. The packet is
// encoded once and its envelope shared between recipients. From
// BroadcastBatchMin recipients on it is batched asynchronously instead.
func (s *Server) Broadcast(pk protocol.Packet, skip *Player) {
	var recipients []session.Session
	for _, p := range s.Players() {
		if p != skip {
			recipients = append(recipients, p)
		}
	}
	if n := s.cfg.BroadcastBatchMin; n > 0 && len(recipients) >= n {
		s.BatchPackets(recipients, []protocol.Packet{pk}, false)
		return
	}
	for _, p := range recipients {
		if _, err := s.gateway.PutPacket(p, pk, false, false); err != nil {
			s.logger.Debug("broadcast failed",
				logging.KeySessionID, uint64(p.Identifier()),
				logging.KeyError, err)
		}
	}
}

// HandleRaw answers server queries; other unconnected payloads are
// ignored.
func (s *Server) HandleRaw(address string, port int, payload []byte) {
	if s.queries == nil || !isQuery(payload) {
		return
	}
	if !s.queries.allow(address) {
		s.logger.Debug("query rate limited", logging.KeyAddress, address)
		return
	}

	reply := s.queries.handle(payload, QueryInfo{
		Name:       s.cfg.Name,
		Version:    s.cfg.Version,
		Players:    len(s.Players()),
		MaxPlayers: s.cfg.MaxPlayers,
		Port:       s.cfg.Port,
	})
	if reply == nil {
		return
	}
	if err := s.gateway.SendRawPacket(address, port, reply); err != nil {
		s.logger.Debug("query reply failed", logging.KeyAddress, address, logging.KeyError, err)
	}
}

// BatchPackets compresses packets into one batch for recipients. With
// sync the batch is delivered before returning; otherwise compression
// runs on another goroutine and delivery happens on a later Tick.
func (s *Server) BatchPackets(recipients []session.Session, packets []protocol.Packet, sync bool) {
	if len(recipients) == 0 || len(packets) == 0 {
		return
	}

	// Encoding touches packet state and must stay on this goroutine.
	encoded, err := Encoded(packets)
	if err != nil {
		s.logger.Warn("batch encode failed", logging.KeyError, err)
		return
	}

	if sync {
		pk, err := s.batcher.packEncoded(encoded)
		if err != nil {
			s.logger.Warn("batch compress failed", logging.KeyError, err)
			return
		}
		s.deliver(recipients, pk.Bytes())
		return
	}

	copied := make([][]byte, len(encoded))
	for i, raw := range encoded {
		copied[i] = append([]byte(nil), raw...)
	}
	b := &readyBatch{recipients: append([]session.Session(nil), recipients...)}

	s.readyMu.Lock()
	s.ready = append(s.ready, b)
	s.readyMu.Unlock()

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		var raw []byte
		defer func() {
			s.readyMu.Lock()
			b.raw, b.done = raw, true
			s.readyMu.Unlock()
		}()
		defer recovery.RecoverWithLog(s.logger, "batch")

		pk, err := s.batcher.packEncoded(copied)
		if err != nil {
			s.logger.Warn("batch compress failed", logging.KeyError, err)
			return
		}
		raw = pk.Bytes()
	}()
}

func (s *Server) deliver(recipients []session.Session, raw []byte) {
	for _, r := range recipients {
		if r.Closed() {
			continue
		}
		if err := s.gateway.PutReadyPacket(r, raw); err != nil {
			s.logger.Debug("batch delivery failed",
				logging.KeySessionID, uint64(r.Identifier()),
				logging.KeyError, err)
		}
	}
}

// Tick delivers finished asynchronous batches and runs periodic upkeep.
// A batch still compressing holds back the ones queued after it.
func (s *Server) Tick() {
	s.readyMu.Lock()
	n := 0
	for n < len(s.ready) && s.ready[n].done {
		n++
	}
	ready := s.ready[:n:n]
	s.ready = s.ready[n:]
	s.readyMu.Unlock()

	for _, b := range ready {
		if b.raw != nil {
			s.deliver(b.recipients, b.raw)
		}
	}
	if s.queries != nil {
		s.queries.maintain()
	}
}

// Flush waits for in-flight batches and delivers them.
func (s *Server) Flush() {
	s.pending.Wait()
	s.Tick()
}

// Shutdown closes every player with reason.
func (s *Server) Shutdown(reason string) {
	for _, sess := range s.players {
		if !sess.Closed() {
			sess.Close("", reason)
		}
	}
}
