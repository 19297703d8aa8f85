package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// Client is a minimal peer for a Worker. It is used by probes and tests.
type Client struct {
	conn   quic.Connection
	stream quic.Stream

	mu      sync.Mutex
	sendSeq uint32
	recvSeq sequencer
}

// Dial connects to a worker and performs the handshake.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, hs Handshake) (*Client, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, &quic.Config{
		MaxIdleTimeout:  DefaultIdleTimeout,
		KeepAlivePeriod: DefaultKeepAlivePeriod,
		EnableDatagrams: true,
	})
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(codeHandshake, "open stream")
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}

	hello, _ := hs.MarshalBinary()
	if _, err := stream.Write(hello); err != nil {
		_ = conn.CloseWithError(codeHandshake, "handshake")
		return nil, fmt.Errorf("write handshake: %w", err)
	}

	return &Client{conn: conn, stream: stream}, nil
}

// Send writes a reliable payload on the control stream.
func (c *Client) Send(payload []byte) error {
	return WriteFrame(c.stream, payload)
}

// SendUnreliable sends payload as a sequenced datagram.
func (c *Client) SendUnreliable(payload []byte) error {
	c.mu.Lock()
	c.sendSeq++
	seq := c.sendSeq
	c.mu.Unlock()
	return c.conn.SendDatagram(EncodeDatagram(seq, payload))
}

// Receive reads the next reliable payload.
func (c *Client) Receive() ([]byte, error) {
	return ReadFrame(c.stream)
}

// ReceiveUnreliable returns the next in-sequence datagram payload.
func (c *Client) ReceiveUnreliable(ctx context.Context) ([]byte, error) {
	for {
		d, err := c.conn.ReceiveDatagram(ctx)
		if err != nil {
			return nil, err
		}
		seq, payload, err := DecodeDatagram(d)
		if err != nil {
			continue
		}
		c.mu.Lock()
		ok := c.recvSeq.accept(seq)
		c.mu.Unlock()
		if ok {
			return payload, nil
		}
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Context().Done()
}

// Close ends the connection.
func (c *Client) Close() error {
	return c.conn.CloseWithError(codeClosed, ReasonClientDisconnect)
}

// Ping sends an unconnected ping to addr over plain UDP and waits for the
// pong.
func Ping(ctx context.Context, addr string) (Pong, time.Duration, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return Pong{}, 0, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	start := time.Now()
	if _, err := conn.Write(EncodePing(uint64(start.UnixMilli()))); err != nil {
		return Pong{}, 0, fmt.Errorf("send ping: %w", err)
	}

	buf := make([]byte, maxRawPacketSize)
	n, err := conn.Read(buf)
	if err != nil {
		return Pong{}, 0, fmt.Errorf("read pong: %w", err)
	}
	pong, err := DecodePong(buf[:n])
	if err != nil {
		return Pong{}, 0, err
	}
	return pong, time.Since(start), nil
}
