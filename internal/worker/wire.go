package worker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire constants shared with clients.
const (
	// HandshakeSize is the client hello on the control stream: an 8-byte
	// client GUID followed by the 2-byte server port the client dialed.
	HandshakeSize = 10

	// MaxFrameSize bounds a single control stream frame.
	MaxFrameSize = 1 << 20

	// DatagramHeaderSize is the sequence number prefixed to datagrams.
	DatagramHeaderSize = 4

	// UnconnectedPing and UnconnectedPong are the discovery packet ids.
	// Both fail quic-go's fixed-bit check, so they reach the raw path.
	UnconnectedPing byte = 0x01
	UnconnectedPong byte = 0x1c

	frameHeaderSize = 4
	pingSize        = 9
)

var (
	// ErrFrameTooLarge is returned for frames above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMalformed is returned for truncated wire structures.
	ErrMalformed = errors.New("malformed packet")
)

// Handshake is the first message a client writes on its control stream.
type Handshake struct {
	ClientID   int64
	ServerPort uint16
}

// MarshalBinary encodes the handshake.
func (h Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HandshakeSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.ClientID))
	binary.BigEndian.PutUint16(buf[8:10], h.ServerPort)
	return buf, nil
}

// ReadHandshake reads a handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var buf [HandshakeSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Handshake{}, fmt.Errorf("read handshake: %w", err)
	}
	return Handshake{
		ClientID:   int64(binary.BigEndian.Uint64(buf[0:8])),
		ServerPort: binary.BigEndian.Uint16(buf[8:10]),
	}, nil
}

// WriteFrame writes a length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// EncodeDatagram prefixes payload with its sequence number.
func EncodeDatagram(seq uint32, payload []byte) []byte {
	buf := make([]byte, DatagramHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, seq)
	copy(buf[DatagramHeaderSize:], payload)
	return buf
}

// DecodeDatagram splits a datagram into sequence number and payload.
func DecodeDatagram(d []byte) (uint32, []byte, error) {
	if len(d) < DatagramHeaderSize {
		return 0, nil, ErrMalformed
	}
	return binary.BigEndian.Uint32(d), d[DatagramHeaderSize:], nil
}

// sequencer drops datagrams that arrive after a newer one. Comparison is
// done in serial number arithmetic so the counter may wrap.
type sequencer struct {
	last uint32
	seen bool
}

func (s *sequencer) accept(seq uint32) bool {
	if s.seen && int32(seq-s.last) <= 0 {
		return false
	}
	s.last = seq
	s.seen = true
	return true
}

// Pong answers an unconnected ping with the advertised server name.
type Pong struct {
	PingTime   uint64
	ServerGUID uint64
	Name       string
}

// EncodePing builds an unconnected ping.
func EncodePing(pingTime uint64) []byte {
	buf := make([]byte, pingSize)
	buf[0] = UnconnectedPing
	binary.BigEndian.PutUint64(buf[1:], pingTime)
	return buf
}

// decodePing returns the ping time of an unconnected ping.
func decodePing(b []byte) (uint64, bool) {
	if len(b) < pingSize || b[0] != UnconnectedPing {
		return 0, false
	}
	return binary.BigEndian.Uint64(b[1:pingSize]), true
}

// MarshalBinary encodes the pong.
func (p Pong) MarshalBinary() ([]byte, error) {
	if len(p.Name) > 0xFFFF {
		return nil, fmt.Errorf("pong name too long: %d bytes", len(p.Name))
	}
	buf := make([]byte, 1+8+8+2+len(p.Name))
	buf[0] = UnconnectedPong
	binary.BigEndian.PutUint64(buf[1:9], p.PingTime)
	binary.BigEndian.PutUint64(buf[9:17], p.ServerGUID)
	binary.BigEndian.PutUint16(buf[17:19], uint16(len(p.Name)))
	copy(buf[19:], p.Name)
	return buf, nil
}

// DecodePong parses an unconnected pong.
func DecodePong(b []byte) (Pong, error) {
	if len(b) < 19 || b[0] != UnconnectedPong {
		return Pong{}, ErrMalformed
	}
	n := int(binary.BigEndian.Uint16(b[17:19]))
	if len(b) < 19+n {
		return Pong{}, ErrMalformed
	}
	return Pong{
		PingTime:   binary.BigEndian.Uint64(b[1:9]),
		ServerGUID: binary.BigEndian.Uint64(b[9:17]),
		Name:       string(b[19 : 19+n]),
	}, nil
}
