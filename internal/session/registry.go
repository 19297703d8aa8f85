package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/postalsys/rakgate/internal/logging"
)

// ReasonReplaced is the close reason given to a session evicted by a second
// open for the same identifier.
const ReasonReplaced = "replaced"

var (
	// ErrNoFactory is returned by Open when neither the registry nor any
	// hook supplied a factory.
	ErrNoFactory = errors.New("no session factory")

	// ErrNilSession is returned by Open when the factory returns nil.
	ErrNilSession = errors.New("factory returned nil session")
)

type entry struct {
	session Session
	ack     int
}

// Registry is the bidirectional identifier/session map together with the
// per-session ACK counters. Both directions are changed by the same
// routine under one lock; callbacks into sessions run after the lock is
// released.
type Registry struct {
	factory Factory
	logger  *slog.Logger

	mu     sync.RWMutex
	byID   map[ID]*entry
	bySess map[Session]ID
	hooks  []CreationHook
	closer Closer
}

// NewRegistry creates a registry that builds sessions with factory.
func NewRegistry(factory Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{
		factory: factory,
		logger:  logger,
		byID:    make(map[ID]*entry),
		bySess:  make(map[Session]ID),
	}
}

// AddHook registers a creation hook. Hooks run in registration order.
func (r *Registry) AddHook(h CreationHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// SetCloser sets the transport-side closer used by Close.
func (r *Registry) SetCloser(c Closer) {
	r.mu.Lock()
	r.closer = c
	r.mu.Unlock()
}

// Open creates and registers the session for id. A session already
// registered under id is evicted and closed with ReasonReplaced.
func (r *Registry) Open(id ID, address string, port int, clientID int64) (Session, error) {
	r.mu.RLock()
	ev := &CreationEvent{
		Params:  Params{Address: address, Port: port, ClientID: clientID},
		Factory: r.factory,
	}
	hooks := append([]CreationHook(nil), r.hooks...)
	r.mu.RUnlock()

	for _, h := range hooks {
		h(ev)
	}

	if err := ev.Params.Validate(); err != nil {
		return nil, fmt.Errorf("open session %d: %w", id, err)
	}
	if ev.Factory == nil {
		return nil, fmt.Errorf("open session %d: %w", id, ErrNoFactory)
	}

	s, err := ev.Factory.NewSession(ev.Params)
	if err != nil {
		return nil, fmt.Errorf("open session %d: %w", id, err)
	}
	if s == nil {
		return nil, fmt.Errorf("open session %d: %w", id, ErrNilSession)
	}

	r.mu.Lock()
	old := r.removeLocked(id)
	r.byID[id] = &entry{session: s}
	r.bySess[s] = id
	r.mu.Unlock()

	s.SetIdentifier(id)

	if old != nil {
		r.logger.Warn("duplicate session identifier, replacing",
			logging.KeySessionID, uint64(id),
			logging.KeyAddress, old.Address())
		if !old.Closed() {
			old.Close(old.LeaveMessage(), ReasonReplaced)
		}
	}

	return s, nil
}

// CloseSession removes the session for id, then drives its close behavior
// unless it is already closed. It reports whether a session was removed;
// unknown identifiers are a no-op.
func (r *Registry) CloseSession(id ID, reason string) bool {
	r.mu.Lock()
	s := r.removeLocked(id)
	r.mu.Unlock()

	if s == nil {
		return false
	}
	if !s.Closed() {
		s.Close(s.LeaveMessage(), reason)
	}
	return true
}

// Close removes s when the game layer ends the session and instructs the
// transport to close its identifier. Unregistered sessions are a no-op.
func (r *Registry) Close(s Session, reason string) bool {
	r.mu.Lock()
	id, ok := r.bySess[s]
	if ok {
		r.removeLocked(id)
	}
	closer := r.closer
	r.mu.Unlock()

	if !ok {
		return false
	}
	if closer != nil {
		if err := closer.CloseSession(id, reason); err != nil {
			r.logger.Debug("transport close failed",
				logging.KeySessionID, uint64(id),
				logging.KeyError, err)
		}
	}
	return true
}

// removeLocked drops both directions and the ACK counter for id.
func (r *Registry) removeLocked(id ID) Session {
	e, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	delete(r.bySess, e.session)
	return e.session
}

// Lookup returns the session registered under id.
func (r *Registry) Lookup(id ID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// IdentifierOf returns the identifier s is registered under.
func (r *Registry) IdentifierOf(s Session) (ID, bool) {
	if s == nil {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySess[s]
	return id, ok
}

// NextACK returns the current ACK counter of id and increments it.
func (r *Registry) NextACK(id ID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return 0, false
	}
	ack := e.ack
	e.ack++
	return ack, true
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Sessions returns a snapshot of the registered sessions.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.session)
	}
	return out
}
