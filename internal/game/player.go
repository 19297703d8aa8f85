package game

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/postalsys/rakgate/internal/crypto"
	"github.com/postalsys/rakgate/internal/logging"
	"github.com/postalsys/rakgate/internal/protocol"
	"github.com/postalsys/rakgate/internal/session"
)

// Close reasons used by the game layer.
const (
	ReasonKicked         = "kicked"
	ReasonClientQuit     = "client disconnect"
	ReasonOutdated       = "outdated protocol"
	ReasonServerFull     = "server full"
	ReasonServerShutdown = "server shutdown"
)

var (
	// ErrNotLoggedIn is returned for game packets before login.
	ErrNotLoggedIn = errors.New("packet before login")

	// ErrDuplicateLogin is returned for a second login on one session.
	ErrDuplicateLogin = errors.New("duplicate login")

	// ErrNestedBatch is returned for a batch inside a batch.
	ErrNestedBatch = errors.New("nested batch")

	// ErrBadPublicKey is returned for a client key of the wrong size.
	ErrBadPublicKey = errors.New("bad public key length")
)

// Player is the game session bound to one transport identifier.
type Player struct {
	server *Server
	logger *slog.Logger

	id       session.ID
	address  string
	port     int
	clientID int64

	username string
	loggedIn bool
	spawned  bool
	closed   bool

	key       *crypto.SessionKey
	encrypted bool

	// Packets sent with a delivery confirmation, by ACK id.
	pendingACK map[int]string
}

var _ session.Session = (*Player)(nil)

func newPlayer(s *Server, p session.Params) *Player {
	return &Player{
		server:     s,
		logger:     s.logger.With(logging.KeyAddress, p.Address, logging.KeyPort, p.Port),
		address:    p.Address,
		port:       p.Port,
		clientID:   p.ClientID,
		pendingACK: make(map[int]string),
	}
}

func (p *Player) SetIdentifier(id session.ID) { p.id = id }
func (p *Player) Identifier() session.ID      { return p.id }
func (p *Player) Address() string             { return p.address }
func (p *Player) Port() int                   { return p.port }
func (p *Player) ClientID() int64             { return p.clientID }
func (p *Player) Username() string            { return p.username }
func (p *Player) Spawned() bool               { return p.spawned }
func (p *Player) Closed() bool                { return p.closed }

// PendingACKs returns the number of sent packets awaiting confirmation.
func (p *Player) PendingACKs() int { return len(p.pendingACK) }

// LeaveMessage is broadcast to the other players when p leaves.
func (p *Player) LeaveMessage() string {
	if !p.spawned {
		return ""
	}
	return p.username + " left the game"
}

// EncryptionEnabled reports whether packets to and from p are encrypted.
func (p *Player) EncryptionEnabled() bool { return p.encrypted && p.key != nil }

func (p *Player) Encrypt(plaintext []byte) ([]byte, error)  { return p.key.Encrypt(plaintext) }
func (p *Player) Decrypt(ciphertext []byte) ([]byte, error) { return p.key.Decrypt(ciphertext) }

// SendPacket queues pk for p.
func (p *Player) SendPacket(pk protocol.Packet, needACK, immediate bool) error {
	ackID, err := p.server.gateway.PutPacket(p, pk, needACK, immediate)
	if err != nil {
		return err
	}
	if ackID != protocol.NoACK {
		p.pendingACK[ackID] = fmt.Sprintf("0x%02x", pk.ID())
	}
	return nil
}

// HandleACK clears a delivery confirmation.
func (p *Player) HandleACK(ackID int) {
	name, ok := p.pendingACK[ackID]
	if !ok {
		return
	}
	delete(p.pendingACK, ackID)
	p.logger.Debug("packet acknowledged", logging.KeyACKID, ackID, logging.KeyPacketID, name)
}

// HandlePacket processes one decoded inbound packet.
func (p *Player) HandlePacket(pk protocol.Packet) error {
	if p.closed {
		return nil
	}

	switch pk := pk.(type) {
	case *LoginPacket:
		return p.handleLogin(pk)
	case *BatchPacket:
		return p.handleBatch(pk)
	case *DisconnectPacket:
		p.Close(p.LeaveMessage(), ReasonClientQuit)
		return nil
	}

	if !p.loggedIn {
		return fmt.Errorf("%w: 0x%02x", ErrNotLoggedIn, pk.ID())
	}

	switch pk := pk.(type) {
	case *ClientHandshakePacket:
		if !p.EncryptionEnabled() || p.spawned {
			return fmt.Errorf("unexpected client handshake")
		}
		p.spawn()
	case *TextPacket:
		if !p.spawned || pk.Message == "" {
			return nil
		}
		p.server.Broadcast(&TextPacket{Source: p.username, Message: pk.Message}, nil)
	}
	return nil
}

func (p *Player) handleLogin(pk *LoginPacket) error {
	if p.loggedIn {
		return ErrDuplicateLogin
	}
	if len(pk.Username) == 0 {
		return fmt.Errorf("empty username")
	}
	if n := len(pk.PublicKey); n != 0 && n != crypto.KeySize {
		return fmt.Errorf("%w: %d bytes", ErrBadPublicKey, n)
	}

	if want := uint32(p.server.cfg.Protocol); pk.Protocol != want {
		status := StatusClientOutdated
		if pk.Protocol > want {
			status = StatusServerOutdated
		}
		_ = p.SendPacket(&PlayStatusPacket{Status: status}, false, true)
		p.Close("", ReasonOutdated)
		return nil
	}
	if p.server.Full() {
		_ = p.SendPacket(&PlayStatusPacket{Status: StatusServerFull}, false, true)
		p.Close("", ReasonServerFull)
		return nil
	}

	p.username = pk.Username
	p.loggedIn = true
	p.logger = p.logger.With("username", p.username)

	if err := p.SendPacket(&PlayStatusPacket{Status: StatusLoginSuccess}, true, false); err != nil {
		return err
	}

	if len(pk.PublicKey) == 0 {
		p.spawn()
		return nil
	}
	return p.startEncryption(pk.PublicKey)
}

// startEncryption answers the client's public key and switches the
// session to encrypted packets. Everything after the server handshake is
// encrypted in both directions.
func (p *Player) startEncryption(clientKey []byte) error {
	if len(clientKey) != crypto.KeySize {
		return fmt.Errorf("%w: %d bytes", ErrBadPublicKey, len(clientKey))
	}
	priv, pub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		return err
	}
	defer crypto.ZeroKey(&priv)

	var clientPub [crypto.KeySize]byte
	copy(clientPub[:], clientKey)
	shared, err := crypto.ComputeECDH(priv, clientPub)
	if err != nil {
		return err
	}
	key := crypto.DeriveSessionKey(shared, p.clientID, clientPub, pub, false)
	crypto.ZeroKey(&shared)

	if err := p.SendPacket(&ServerHandshakePacket{PublicKey: pub[:]}, false, false); err != nil {
		return err
	}
	p.key = key
	p.encrypted = true
	return nil
}

func (p *Player) spawn() {
	p.spawned = true
	_ = p.SendPacket(&PlayStatusPacket{Status: StatusSpawn}, false, false)
	p.logger.Info("player joined", logging.KeySessionID, uint64(p.id))
	p.server.Broadcast(&TextPacket{Message: p.username + " joined the game"}, p)
}

func (p *Player) handleBatch(pk *BatchPacket) error {
	items, err := Unpack(pk.Payload)
	if err != nil {
		return err
	}
	for _, raw := range items {
		inner, ok := p.server.network.Packet(raw[0])
		if !ok {
			continue
		}
		if inner.ID() == BatchPacketID {
			return ErrNestedBatch
		}
		inner.Base().SetBuffer(raw, 1)
		if err := protocol.DecodePacket(inner); err != nil {
			return err
		}
		if err := p.HandlePacket(inner); err != nil {
			return err
		}
	}
	return nil
}

// Kick closes p from the server side.
func (p *Player) Kick(reason string) {
	p.Close(p.LeaveMessage(), reason)
}

// Close ends the session. reason is sent to the client when it is still
// connected and message is broadcast to the remaining players.
func (p *Player) Close(message, reason string) {
	if p.closed {
		return
	}

	// Still registered only when the game side initiated the close.
	if reason != "" {
		_ = p.SendPacket(&DisconnectPacket{Message: reason}, false, true)
	}
	p.closed = true
	p.server.gateway.Close(p, reason)
	p.server.removeSession(p)

	if message != "" && p.spawned {
		p.server.Broadcast(&TextPacket{Message: message}, p)
	}
	if p.key != nil {
		p.key.Zero()
	}
	p.logger.Info("player left", logging.KeyReason, reason)
}
