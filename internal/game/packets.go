// Package game is the reference host for the rakgate adapter: a tick-driven
// network dispatcher, a server that tracks players and batches packets,
// and a player session with login, key exchange and chat.
package game

import (
	"fmt"

	"github.com/postalsys/rakgate/internal/crypto"
	"github.com/postalsys/rakgate/internal/protocol"
)

// Packet ids.
const (
	LoginPacketID           uint8 = 0x8f
	PlayStatusPacketID      uint8 = 0x90
	DisconnectPacketID      uint8 = 0x91
	BatchPacketID                 = protocol.BatchPacketID
	TextPacketID            uint8 = 0x93
	ServerHandshakePacketID uint8 = 0x94
	ClientHandshakePacketID uint8 = 0x95
)

// PlayStatus values.
const (
	StatusLoginSuccess   uint32 = 0
	StatusClientOutdated uint32 = 1
	StatusServerOutdated uint32 = 2
	StatusSpawn          uint32 = 3
	StatusServerFull     uint32 = 4
)

// RegisterPackets adds every game packet type to r.
func RegisterPackets(r *protocol.Registry) {
	r.Register(LoginPacketID, func() protocol.Packet { return &LoginPacket{} })
	r.Register(PlayStatusPacketID, func() protocol.Packet { return &PlayStatusPacket{} })
	r.Register(DisconnectPacketID, func() protocol.Packet { return &DisconnectPacket{} })
	r.Register(BatchPacketID, func() protocol.Packet { return &BatchPacket{} })
	r.Register(TextPacketID, func() protocol.Packet { return &TextPacket{} })
	r.Register(ServerHandshakePacketID, func() protocol.Packet { return &ServerHandshakePacket{} })
	r.Register(ClientHandshakePacketID, func() protocol.Packet { return &ClientHandshakePacket{} })
}

// LoginPacket opens a game session. A non-empty PublicKey requests
// packet encryption.
type LoginPacket struct {
	protocol.Buffer
	Username  string
	Protocol  uint32
	ClientID  int64
	PublicKey []byte
}

func (*LoginPacket) ID() uint8 { return LoginPacketID }

func (p *LoginPacket) EncodeBody(w *protocol.Writer) {
	w.PutString(p.Username)
	w.PutUint32(p.Protocol)
	w.PutInt64(p.ClientID)
	w.PutBytes(p.PublicKey)
}

func (p *LoginPacket) DecodeBody(r *protocol.Reader) error {
	var err error
	if p.Username, err = r.Str(); err != nil {
		return err
	}
	if p.Protocol, err = r.Uint32(); err != nil {
		return err
	}
	if p.ClientID, err = r.Int64(); err != nil {
		return err
	}
	if p.PublicKey, err = r.Bytes(); err != nil {
		return err
	}
	if n := len(p.PublicKey); n != 0 && n != crypto.KeySize {
		return fmt.Errorf("public key is %d bytes", n)
	}
	return nil
}

// PlayStatusPacket reports login progress.
type PlayStatusPacket struct {
	protocol.Buffer
	Status uint32
}

func (*PlayStatusPacket) ID() uint8                       { return PlayStatusPacketID }
func (p *PlayStatusPacket) EncodeBody(w *protocol.Writer) { w.PutUint32(p.Status) }

func (p *PlayStatusPacket) DecodeBody(r *protocol.Reader) (err error) {
	p.Status, err = r.Uint32()
	return err
}

// DisconnectPacket tells the other side the session is ending.
type DisconnectPacket struct {
	protocol.Buffer
	Message string
}

func (*DisconnectPacket) ID() uint8                       { return DisconnectPacketID }
func (p *DisconnectPacket) EncodeBody(w *protocol.Writer) { w.PutString(p.Message) }

func (p *DisconnectPacket) DecodeBody(r *protocol.Reader) (err error) {
	p.Message, err = r.Str()
	return err
}

// BatchPacket carries several encoded packets, compressed.
type BatchPacket struct {
	protocol.Buffer
	Payload []byte
}

func (*BatchPacket) ID() uint8                       { return BatchPacketID }
func (p *BatchPacket) EncodeBody(w *protocol.Writer) { w.PutRaw(p.Payload) }

func (p *BatchPacket) DecodeBody(r *protocol.Reader) error {
	p.Payload = r.Rest()
	return nil
}

// TextPacket is a chat line.
type TextPacket struct {
	protocol.Buffer
	Source  string
	Message string
}

func (*TextPacket) ID() uint8 { return TextPacketID }

func (p *TextPacket) EncodeBody(w *protocol.Writer) {
	w.PutString(p.Source)
	w.PutString(p.Message)
}

func (p *TextPacket) DecodeBody(r *protocol.Reader) error {
	var err error
	if p.Source, err = r.Str(); err != nil {
		return err
	}
	p.Message, err = r.Str()
	return err
}

// ServerHandshakePacket carries the server's ephemeral public key.
type ServerHandshakePacket struct {
	protocol.Buffer
	PublicKey []byte
}

func (*ServerHandshakePacket) ID() uint8                       { return ServerHandshakePacketID }
func (p *ServerHandshakePacket) EncodeBody(w *protocol.Writer) { w.PutBytes(p.PublicKey) }

func (p *ServerHandshakePacket) DecodeBody(r *protocol.Reader) error {
	var err error
	if p.PublicKey, err = r.Bytes(); err != nil {
		return err
	}
	if len(p.PublicKey) != crypto.KeySize {
		return fmt.Errorf("public key is %d bytes", len(p.PublicKey))
	}
	return nil
}

// ClientHandshakePacket is the client's first encrypted packet and
// confirms both sides derived the same key.
type ClientHandshakePacket struct {
	protocol.Buffer
}

func (*ClientHandshakePacket) ID() uint8                         { return ClientHandshakePacketID }
func (*ClientHandshakePacket) EncodeBody(*protocol.Writer)       {}
func (*ClientHandshakePacket) DecodeBody(*protocol.Reader) error { return nil }
