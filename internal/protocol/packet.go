package protocol

import (
	"fmt"
	"sync"
)

// Packet is an application packet. Concrete packets embed Buffer and
// implement the body codec; the packet id byte is written and consumed by
// Encode and Decode.
type Packet interface {
	ID() uint8
	Base() *Buffer
	EncodeBody(w *Writer)
	DecodeBody(r *Reader) error
}

// Buffer holds the encoding state shared by all packets: the encoded bytes
// (packet id first), the read offset used while decoding and the cached
// unreliable envelope built for repeated sends of the same instance.
type Buffer struct {
	data    []byte
	offset  int
	encoded bool
	cached  *Envelope
}

// Base returns the buffer itself so that embedding types satisfy Packet.
func (b *Buffer) Base() *Buffer { return b }

// Bytes returns the encoded packet bytes.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of encoded bytes.
func (b *Buffer) Len() int { return len(b.data) }

// IsEncoded reports whether Encode has produced the current bytes.
func (b *Buffer) IsEncoded() bool { return b.encoded }

// SetBuffer binds raw bytes for decoding, starting at offset. The packet is
// no longer considered encoded and any cached envelope is dropped.
func (b *Buffer) SetBuffer(data []byte, offset int) {
	b.data = data
	b.offset = offset
	b.encoded = false
	b.cached = nil
}

// CachedEnvelope returns the unreliable-sequenced, no-ACK envelope for the
// encoded bytes, building it on first use. Later calls return the same
// payload until the packet is encoded again.
func (b *Buffer) CachedEnvelope() Envelope {
	if b.cached == nil {
		b.cached = &Envelope{
			Payload:     Frame(b.data),
			Reliability: UnreliableSequenced,
			ACKID:       NoACK,
			Priority:    PriorityNormal,
		}
	}
	return *b.cached
}

// HasCachedEnvelope reports whether a cached envelope is present.
func (b *Buffer) HasCachedEnvelope() bool { return b.cached != nil }

// Encode serializes pk into its buffer. Re-encoding replaces the bytes and
// invalidates the cached envelope.
func Encode(pk Packet) error {
	w := NewWriter(64)
	w.PutByte(pk.ID())
	pk.EncodeBody(w)
	if err := w.Err(); err != nil {
		return fmt.Errorf("encode packet 0x%02x: %w", pk.ID(), err)
	}

	b := pk.Base()
	b.data = w.Bytes()
	b.offset = 0
	b.encoded = true
	b.cached = nil
	return nil
}

// DecodePacket finishes decoding a packet returned by Decode, reading the
// body from the bound buffer past the id byte.
func DecodePacket(pk Packet) error {
	b := pk.Base()
	if b.offset > len(b.data) {
		return fmt.Errorf("decode packet 0x%02x: %w", pk.ID(), ErrShortBuffer)
	}
	if err := pk.DecodeBody(NewReader(b.data[b.offset:])); err != nil {
		return fmt.Errorf("decode packet 0x%02x: %w", pk.ID(), err)
	}
	return nil
}

// Lookup resolves a packet type id to a fresh packet instance.
type Lookup interface {
	Packet(id uint8) (Packet, bool)
}

// Factory creates an empty packet of one type.
type Factory func() Packet

// Registry maps packet type ids to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[uint8]Factory
}

// NewRegistry creates an empty packet registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[uint8]Factory)}
}

// Register adds or replaces the factory for id.
func (r *Registry) Register(id uint8, f Factory) {
	r.mu.Lock()
	r.factories[id] = f
	r.mu.Unlock()
}

// Has reports whether id is registered.
func (r *Registry) Has(id uint8) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

// Packet returns a new packet for id.
func (r *Registry) Packet(id uint8) (Packet, bool) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}
