package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/rakgate/internal/logging"
	"github.com/postalsys/rakgate/internal/protocol"
	"github.com/postalsys/rakgate/internal/session"
	"github.com/postalsys/rakgate/internal/transport"
)

// Application error codes sent when the worker closes a connection.
const (
	codeClosed     quic.ApplicationErrorCode = 0
	codeBlocked    quic.ApplicationErrorCode = 1
	codeOverflow   quic.ApplicationErrorCode = 2
	codeHandshake  quic.ApplicationErrorCode = 3
	codeProtoError quic.ApplicationErrorCode = 4
)

// Close reasons reported to the adapter.
const (
	ReasonClientDisconnect = "client disconnect"
	ReasonTimeout          = "timeout"
	ReasonBlocked          = "address blocked"
	ReasonOverflow         = "send queue overflow"
	ReasonProtocolError    = "protocol error"
	ReasonShutdown         = "server shutdown"
)

// closeLinger is how long a connection closed by the server waits for the
// peer to read its last packets before the connection is torn down.
const closeLinger = 250 * time.Millisecond

type outbound struct {
	env   protocol.Envelope
	flags transport.Flags
}

// conn is one accepted client connection bound to a session identifier.
type conn struct {
	id       session.ID
	clientID int64
	address  string
	port     int

	qc     quic.Connection
	stream quic.Stream

	normal chan outbound
	urgent chan outbound

	sendSeq uint32
	recvSeq sequencer

	// closedByServer is set when the adapter or worker closed the
	// connection itself, so no close event is echoed back.
	closedByServer atomic.Bool
	closeOnce      sync.Once
	reason         atomic.Value
	closing        chan string
	closed         chan struct{}

	w      *Worker
	logger *slog.Logger
}

func newConn(w *Worker, id session.ID, hs Handshake, address string, port int, qc quic.Connection, stream quic.Stream) *conn {
	return &conn{
		id:       id,
		clientID: hs.ClientID,
		address:  address,
		port:     port,
		qc:       qc,
		stream:   stream,
		normal:   make(chan outbound, w.cfg.SendQueueSize),
		urgent:   make(chan outbound, w.cfg.SendQueueSize),
		closing:  make(chan string, 1),
		closed:   make(chan struct{}),
		w:        w,
		logger:   w.logger.With(logging.KeySessionID, id, logging.KeyRemoteAddr, qc.RemoteAddr().String()),
	}
}

// enqueue hands an envelope to the writer without blocking. A full queue
// closes the connection.
func (c *conn) enqueue(ob outbound) {
	q := c.normal
	if ob.flags.Immediate() {
		q = c.urgent
	}
	select {
	case q <- ob:
	default:
		c.logger.Warn("send queue full, closing connection")
		c.close(codeOverflow, ReasonOverflow, false)
	}
}

// close tears the connection down once. When fromServer is true the
// adapter already knows and no close event is emitted.
func (c *conn) close(code quic.ApplicationErrorCode, reason string, fromServer bool) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		if fromServer {
			c.closedByServer.Store(true)
		}
		_ = c.qc.CloseWithError(code, reason)
		close(c.closed)
	})
}

// closeAfterFlush asks the writer to send everything already queued, then
// close the connection with reason. No close event is emitted.
func (c *conn) closeAfterFlush(reason string) {
	c.closedByServer.Store(true)
	select {
	case c.closing <- reason:
	default:
	}
}

// finish drains both queues, half-closes the stream and lingers until the
// peer goes away or closeLinger passes.
func (c *conn) finish(ctx context.Context, reason string) {
	for {
		var ob outbound
		select {
		case ob = <-c.urgent:
		default:
			select {
			case ob = <-c.normal:
			default:
				_ = c.stream.Close()
				timer := time.NewTimer(closeLinger)
				select {
				case <-c.qc.Context().Done():
				case <-timer.C:
				}
				timer.Stop()
				c.close(codeClosed, reason, true)
				return
			}
		}
		if !c.write(ctx, ob) {
			return
		}
	}
}

func (c *conn) closeReason(err error) string {
	if r, ok := c.reason.Load().(string); ok {
		return r
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote {
		return ReasonClientDisconnect
	}
	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &idleErr) {
		return ReasonTimeout
	}
	if errors.Is(err, io.EOF) {
		return ReasonClientDisconnect
	}
	if errors.Is(err, ErrFrameTooLarge) {
		return ReasonProtocolError
	}
	return ReasonTimeout
}

// readStream delivers reliable frames until the stream fails.
func (c *conn) readStream(ctx context.Context) error {
	for {
		payload, err := ReadFrame(c.stream)
		if err != nil {
			return err
		}
		c.w.received.Add(uint64(frameHeaderSize + len(payload)))
		ev := transport.EncapsulatedEvent{
			ID: c.id,
			Envelope: protocol.Envelope{
				Payload:     payload,
				Reliability: protocol.ReliableOrdered,
				ACKID:       protocol.NoACK,
				Priority:    protocol.PriorityNormal,
			},
			Flags: transport.PriorityNormal,
		}
		if err := c.w.ch.Emit(ctx, ev); err != nil {
			return err
		}
	}
}

// readDatagrams delivers unreliable datagrams, dropping stale ones.
func (c *conn) readDatagrams(ctx context.Context) {
	for {
		d, err := c.qc.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		c.w.received.Add(uint64(len(d)))
		seq, payload, err := DecodeDatagram(d)
		if err != nil || !c.recvSeq.accept(seq) {
			continue
		}
		ev := transport.EncapsulatedEvent{
			ID: c.id,
			Envelope: protocol.Envelope{
				Payload:     payload,
				Reliability: protocol.UnreliableSequenced,
				ACKID:       protocol.NoACK,
				Priority:    protocol.PriorityNormal,
			},
			Flags: transport.PriorityNormal,
		}
		if err := c.w.ch.Emit(ctx, ev); err != nil {
			return
		}
	}
}

// writeLoop sends queued envelopes, serving immediate ones first.
func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case ob := <-c.urgent:
			if !c.write(ctx, ob) {
				return
			}
			continue
		default:
		}

		select {
		case ob := <-c.urgent:
			if !c.write(ctx, ob) {
				return
			}
		case ob := <-c.normal:
			if !c.write(ctx, ob) {
				return
			}
		case reason := <-c.closing:
			c.finish(ctx, reason)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *conn) write(ctx context.Context, ob outbound) bool {
	payload := ob.env.Payload
	sent := false

	if ob.env.Reliability == protocol.UnreliableSequenced &&
		DatagramHeaderSize+len(payload) <= c.w.cfg.MaxDatagramSize {
		c.sendSeq++
		d := EncodeDatagram(c.sendSeq, payload)
		if err := c.qc.SendDatagram(d); err == nil {
			c.w.sent.Add(uint64(len(d)))
			sent = true
		}
	}

	if !sent {
		if err := WriteFrame(c.stream, payload); err != nil {
			c.logger.Debug("stream write failed", logging.KeyError, err)
			c.close(codeClosed, ReasonClientDisconnect, false)
			return false
		}
		c.w.sent.Add(uint64(frameHeaderSize + len(payload)))
	}

	// QUIC retransmits stream data, so a written frame is as far as the
	// worker tracks delivery.
	if ob.flags.NeedACK() && ob.env.NeedsACK() {
		if err := c.w.ch.Emit(ctx, transport.ACKEvent{ID: c.id, ACKID: ob.env.ACKID}); err != nil {
			return false
		}
	}
	return true
}
