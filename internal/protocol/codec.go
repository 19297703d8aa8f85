package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encryption is the per-session encryption contract. Decode and Seal only
// call Encrypt/Decrypt when EncryptionEnabled reports true.
type Encryption interface {
	EncryptionEnabled() bool
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Decode turns an inbound payload into an undecoded packet bound to the
// bytes after its type id. It returns (nil, nil) when the payload is not an
// application packet or the type id is unknown; those payloads are dropped
// without error. Decryption failures are reported as errors wrapping
// ErrDecrypt.
func Decode(buf []byte, enc Encryption, types Lookup) (Packet, error) {
	if len(buf) == 0 || buf[0] != Marker {
		return nil, nil
	}

	body := buf[1:]
	if enc != nil && enc.EncryptionEnabled() {
		plain, err := enc.Decrypt(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
		}
		body = plain
	}

	if len(body) == 0 {
		return nil, nil
	}

	pk, ok := types.Packet(body[0])
	if !ok {
		return nil, nil
	}
	pk.Base().SetBuffer(body, 1)
	return pk, nil
}

// Writer accumulates big-endian packet fields. The first error is sticky
// and reported by Err.
type Writer struct {
	buf []byte
	err error
}

// NewWriter creates a writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the written bytes.
func (w *Writer) Bytes() []byte { return w.buf }

// Err returns the first error encountered while writing.
func (w *Writer) Err() error { return w.err }

func (w *Writer) PutByte(v byte) { w.buf = append(w.buf, v) }

func (w *Writer) PutBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

func (w *Writer) PutUint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *Writer) PutUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *Writer) PutUint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *Writer) PutInt64(v int64) { w.PutUint64(uint64(v)) }

// PutString writes a string with a 2-byte length prefix.
func (w *Writer) PutString(s string) {
	if len(s) > math.MaxUint16 {
		if w.err == nil {
			w.err = fmt.Errorf("%w: string of %d bytes", ErrFieldTooLong, len(s))
		}
		return
	}
	w.PutUint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// PutBytes writes a byte slice with a uvarint length prefix.
func (w *Writer) PutBytes(b []byte) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// PutRaw appends bytes without a length prefix.
func (w *Writer) PutRaw(b []byte) { w.buf = append(w.buf, b...) }

// Reader consumes big-endian packet fields.
type Reader struct {
	buf []byte
	off int
}

// NewReader creates a reader over buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, n, r.Remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) Byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Bool() (bool, error) {
	b, err := r.Byte()
	return b != 0, err
}

func (r *Reader) Uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) Uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

// Str reads a string with a 2-byte length prefix.
func (r *Reader) Str() (string, error) {
	n, err := r.Uint16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Bytes reads a byte slice with a uvarint length prefix. The result is a
// copy.
func (r *Reader) Bytes() ([]byte, error) {
	n, read := binary.Uvarint(r.buf[r.off:])
	if read <= 0 {
		return nil, fmt.Errorf("%w: invalid length prefix", ErrShortBuffer)
	}
	if n > uint64(r.Remaining()-read) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, n, r.Remaining()-read)
	}
	r.off += read
	b, _ := r.take(int(n))
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Rest returns all unread bytes.
func (r *Reader) Rest() []byte {
	b := r.buf[r.off:]
	r.off = len(r.buf)
	return b
}
