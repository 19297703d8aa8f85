// Package loadtest drives login churn against a running rakgate server.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/rakgate/internal/certutil"
	"github.com/postalsys/rakgate/internal/game"
	"github.com/postalsys/rakgate/internal/protocol"
	"github.com/postalsys/rakgate/internal/worker"
)

// ChurnMetrics contains metrics from a login churn run.
type ChurnMetrics struct {
	TotalLogins      int64
	SuccessfulLogins int64
	FailedLogins     int64
	TotalDisconnects int64
	AvgLoginTime     time.Duration
	MaxLoginTime     time.Duration
	Duration         time.Duration
	LoginsPerSecond  float64

	// Rejections counts disconnect messages received instead of a spawn.
	Rejections map[string]int64
}

// ConnectFunc logs one client in and returns a function that logs it out.
type ConnectFunc func(ctx context.Context, clientID int64) (closeFunc func() error, err error)

// RejectedError is returned by connectors when the server disconnects the
// client during login.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("login rejected: %s", e.Reason)
}

// ChurnTester repeatedly logs clients in and out.
type ChurnTester struct {
	concurrency int
	duration    time.Duration
	hold        time.Duration

	nextID atomic.Int64
	mu     sync.Mutex
}

// NewChurnTester creates a tester running concurrency workers for duration.
// Every successful login is held for hold before logging out.
func NewChurnTester(concurrency int, duration, hold time.Duration) *ChurnTester {
	if concurrency < 1 {
		concurrency = 1
	}
	return &ChurnTester{
		concurrency: concurrency,
		duration:    duration,
		hold:        hold,
	}
}

// Run executes the churn test.
func (t *ChurnTester) Run(ctx context.Context, connect ConnectFunc) (*ChurnMetrics, error) {
	if connect == nil {
		return nil, errors.New("loadtest: connect function is required")
	}
	ctx, cancel := context.WithTimeout(ctx, t.duration)
	defer cancel()

	var wg sync.WaitGroup
	metrics := &ChurnMetrics{Rejections: make(map[string]int64)}
	var total time.Duration
	startTime := time.Now()

	for i := 0; i < t.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.runWorker(ctx, connect, metrics, &total)
		}()
	}

	wg.Wait()
	metrics.Duration = time.Since(startTime)

	if metrics.Duration > 0 {
		metrics.LoginsPerSecond = float64(metrics.SuccessfulLogins) / metrics.Duration.Seconds()
	}
	if metrics.SuccessfulLogins > 0 {
		metrics.AvgLoginTime = total / time.Duration(metrics.SuccessfulLogins)
	}

	return metrics, nil
}

func (t *ChurnTester) runWorker(ctx context.Context, connect ConnectFunc, metrics *ChurnMetrics, total *time.Duration) {
	for ctx.Err() == nil {
		start := time.Now()
		closeFunc, err := connect(ctx, t.nextID.Add(1))
		elapsed := time.Since(start)

		atomic.AddInt64(&metrics.TotalLogins, 1)
		if err != nil {
			// Logins cut short by the end of the run are not failures.
			if ctx.Err() != nil {
				atomic.AddInt64(&metrics.TotalLogins, -1)
				return
			}
			atomic.AddInt64(&metrics.FailedLogins, 1)
			var rejected *RejectedError
			if errors.As(err, &rejected) {
				t.mu.Lock()
				metrics.Rejections[rejected.Reason]++
				t.mu.Unlock()
			}
			continue
		}

		atomic.AddInt64(&metrics.SuccessfulLogins, 1)
		t.mu.Lock()
		*total += elapsed
		if elapsed > metrics.MaxLoginTime {
			metrics.MaxLoginTime = elapsed
		}
		t.mu.Unlock()

		if t.hold > 0 {
			select {
			case <-time.After(t.hold):
			case <-ctx.Done():
			}
		}

		if closeFunc != nil {
			_ = closeFunc()
		}
		atomic.AddInt64(&metrics.TotalDisconnects, 1)
	}
}

// LoginOptions configures LoginConnector.
type LoginOptions struct {
	Address     string
	Fingerprint string
	ALPN        string
	Protocol    int
	// UsernamePrefix is suffixed with the client id.
	UsernamePrefix string
}

// LoginConnector returns a ConnectFunc that dials the worker, sends a login
// and waits for the spawn status.
func LoginConnector(opts LoginOptions) ConnectFunc {
	if opts.ALPN == "" {
		opts.ALPN = worker.DefaultALPN
	}
	if opts.UsernamePrefix == "" {
		opts.UsernamePrefix = "load"
	}
	types := protocol.NewRegistry()
	game.RegisterPackets(types)
	var port uint16
	if _, p, err := net.SplitHostPort(opts.Address); err == nil {
		n, _ := strconv.ParseUint(p, 10, 16)
		port = uint16(n)
	}

	return func(ctx context.Context, clientID int64) (func() error, error) {
		tlsConfig := certutil.PinnedClientConfig(opts.Fingerprint, opts.ALPN)
		c, err := worker.Dial(ctx, opts.Address, tlsConfig, worker.Handshake{ClientID: clientID, ServerPort: port})
		if err != nil {
			return nil, err
		}
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })

		if err := login(c, types, opts, clientID); err != nil {
			stop()
			_ = c.Close()
			return nil, err
		}
		stop()
		return c.Close, nil
	}
}

func login(c *worker.Client, types protocol.Lookup, opts LoginOptions, clientID int64) error {
	pk := &game.LoginPacket{
		Username: fmt.Sprintf("%s%d", opts.UsernamePrefix, clientID),
		Protocol: uint32(opts.Protocol),
		ClientID: clientID,
	}
	if err := protocol.Encode(pk); err != nil {
		return err
	}
	if err := c.Send(protocol.Frame(pk.Bytes())); err != nil {
		return fmt.Errorf("send login: %w", err)
	}

	for {
		payload, err := c.Receive()
		if err != nil {
			return fmt.Errorf("await spawn: %w", err)
		}
		in, err := protocol.Decode(payload, nil, types)
		if err != nil {
			return err
		}
		if in == nil {
			continue
		}
		if err := protocol.DecodePacket(in); err != nil {
			return err
		}
		switch p := in.(type) {
		case *game.PlayStatusPacket:
			if p.Status == game.StatusSpawn {
				return nil
			}
		case *game.DisconnectPacket:
			return &RejectedError{Reason: p.Message}
		}
	}
}
