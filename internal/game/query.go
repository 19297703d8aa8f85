package game

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Query packets share the raw channel with other unconnected traffic and
// start with this magic.
var queryMagic = []byte{0xFE, 0xFD}

const (
	queryHandshake byte = 0x09
	queryStatistic byte = 0x00

	// queryTokenLifetime is how often the challenge token rotates. The
	// previous token stays valid for one more period.
	queryTokenLifetime = 30 * time.Second

	limiterIdle = 5 * time.Minute
)

// QueryInfo is the server state returned by statistic queries.
type QueryInfo struct {
	Name       string
	Version    string
	Players    int
	MaxPlayers int
	Port       int
}

// queryHandler answers challenge-token server queries with per-address
// rate limiting.
type queryHandler struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*addrLimiter
	token    uint32
	previous uint32
	rotated  time.Time
}

type addrLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newQueryHandler(perSecond float64, burst int) *queryHandler {
	q := &queryHandler{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*addrLimiter),
	}
	q.token = randomToken()
	q.previous = q.token
	q.rotated = q.now()
	return q
}

func randomToken() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:]) & 0x7FFFFFFF
}

// allow reports whether address may send another query now.
func (q *queryHandler) allow(address string) bool {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.limiters[address]
	if !ok {
		l = &addrLimiter{lim: rate.NewLimiter(q.limit, q.burst)}
		q.limiters[address] = l
	}
	l.lastSeen = now
	return l.lim.AllowN(now, 1)
}

// maintain rotates the challenge token and forgets idle limiters.
func (q *queryHandler) maintain() {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()

	if now.Sub(q.rotated) >= queryTokenLifetime {
		q.previous = q.token
		q.token = randomToken()
		q.rotated = now
	}
	for addr, l := range q.limiters {
		if now.Sub(l.lastSeen) > limiterIdle {
			delete(q.limiters, addr)
		}
	}
}

func (q *queryHandler) validToken(t uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return t == q.token || t == q.previous
}

func (q *queryHandler) currentToken() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.token
}

// isQuery reports whether payload looks like a query packet.
func isQuery(payload []byte) bool {
	return len(payload) >= 7 && bytes.HasPrefix(payload, queryMagic)
}

// handle builds the reply for a query, or nil when there is none.
func (q *queryHandler) handle(payload []byte, info QueryInfo) []byte {
	if !isQuery(payload) {
		return nil
	}
	kind := payload[2]
	sessionID := payload[3:7]

	switch kind {
	case queryHandshake:
		reply := []byte{queryHandshake}
		reply = append(reply, sessionID...)
		reply = append(reply, strconv.FormatUint(uint64(q.currentToken()), 10)...)
		return append(reply, 0)

	case queryStatistic:
		if len(payload) < 11 || !q.validToken(binary.BigEndian.Uint32(payload[7:11])) {
			return nil
		}
		reply := []byte{queryStatistic}
		reply = append(reply, sessionID...)
		for _, kv := range [][2]string{
			{"hostname", info.Name},
			{"version", info.Version},
			{"numplayers", strconv.Itoa(info.Players)},
			{"maxplayers", strconv.Itoa(info.MaxPlayers)},
			{"hostport", strconv.Itoa(info.Port)},
		} {
			reply = append(reply, kv[0]...)
			reply = append(reply, 0)
			reply = append(reply, kv[1]...)
			reply = append(reply, 0)
		}
		return append(reply, 0)
	}
	return nil
}
