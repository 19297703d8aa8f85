package game

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/postalsys/rakgate/internal/protocol"
)

// MaxBatchSize bounds the decompressed size of an inbound batch.
const MaxBatchSize = 2 << 20

// ErrBatchTooLarge is returned when a batch inflates beyond MaxBatchSize.
var ErrBatchTooLarge = errors.New("batch too large")

// Batcher packs encoded packets into compressed batch payloads laid out as
// repeated [uvarint length][packet bytes].
type Batcher struct {
	level int
}

// NewBatcher creates a batcher compressing at level (0-9).
func NewBatcher(level int) *Batcher {
	if level < zlib.NoCompression || level > zlib.BestCompression {
		level = zlib.DefaultCompression
	}
	return &Batcher{level: level}
}

// Encoded returns the encoded bytes of every packet, encoding those that
// are not encoded yet. It runs on the caller's goroutine so the bytes can
// be compressed elsewhere afterwards.
func Encoded(packets []protocol.Packet) ([][]byte, error) {
	out := make([][]byte, 0, len(packets))
	for _, pk := range packets {
		if !pk.Base().IsEncoded() {
			if err := protocol.Encode(pk); err != nil {
				return nil, err
			}
		}
		out = append(out, pk.Base().Bytes())
	}
	return out, nil
}

// Compress builds a batch payload from encoded packets.
func (b *Batcher) Compress(encoded [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, b.level)
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}

	var hdr [binary.MaxVarintLen64]byte
	for _, raw := range encoded {
		n := binary.PutUvarint(hdr[:], uint64(len(raw)))
		if _, err := zw.Write(hdr[:n]); err != nil {
			return nil, fmt.Errorf("batch: %w", err)
		}
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("batch: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}
	return buf.Bytes(), nil
}

// Pack compresses packets into an encoded BatchPacket.
func (b *Batcher) Pack(packets []protocol.Packet) (*BatchPacket, error) {
	encoded, err := Encoded(packets)
	if err != nil {
		return nil, err
	}
	return b.packEncoded(encoded)
}

func (b *Batcher) packEncoded(encoded [][]byte) (*BatchPacket, error) {
	payload, err := b.Compress(encoded)
	if err != nil {
		return nil, err
	}
	pk := &BatchPacket{Payload: payload}
	if err := protocol.Encode(pk); err != nil {
		return nil, err
	}
	return pk, nil
}

// Unpack inflates a batch payload and splits it into encoded packets.
func Unpack(payload []byte) ([][]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("unbatch: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(io.LimitReader(zr, MaxBatchSize+1))
	if err != nil {
		return nil, fmt.Errorf("unbatch: %w", err)
	}
	if len(data) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}

	var out [][]byte
	for len(data) > 0 {
		n, k := binary.Uvarint(data)
		if k <= 0 || n > uint64(len(data)-k) {
			return nil, fmt.Errorf("unbatch: %w", protocol.ErrShortBuffer)
		}
		data = data[k:]
		if n > 0 {
			out = append(out, data[:n])
		}
		data = data[n:]
	}
	return out, nil
}
