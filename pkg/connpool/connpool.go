// Package connpool implements Pool: a bounded, per-origin cache of idle
// Connections, generalized from the teacher's transport.hostPool (LIFO idle
// slice guarded by a condition variable) to hand out *httpconn.Conn values
// and to make blocking acquisition context-aware.
package connpool

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rawhttp-core/rawhttp/pkg/errors"
	"github.com/rawhttp-core/rawhttp/pkg/httpconn"
	"github.com/rawhttp-core/rawhttp/pkg/logging"
	"golang.org/x/net/idna"
)

// Origin identifies the scheme/host/port triple a Pool caches Connections
// for. Host is IDNA-normalized so "Ex​ample.com" and "example.com" share a
// pool.
type Origin struct {
	Scheme string
	Host   string
	Port   int
}

func (o Origin) String() string {
	return fmt.Sprintf("%s://%s:%d", o.Scheme, o.Host, o.Port)
}

// NewOrigin normalizes host (lowercasing it, mapping it through IDNA's
// ToASCII, same as a browser would before opening a connection, and
// stripping a trailing dot) and returns the Origin key a Pool is keyed by.
func NewOrigin(scheme, host string, port int) (Origin, error) {
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return Origin{}, fmt.Errorf("invalid host %q: %w", host, err)
	}
	return Origin{
		Scheme: strings.ToLower(scheme),
		Host:   strings.TrimSuffix(strings.ToLower(ascii), "."),
		Port:   port,
	}, nil
}

// Connector opens a fresh Connection bound to the Pool's origin. Supplied by
// the caller (the Router, in normal use) since the Pool itself knows nothing
// about proxies, TLS, or dial timeouts.
type Connector func(ctx context.Context) (*httpconn.Conn, error)

// Pool caches idle Connections for one Origin. At most maxsize Connections
// exist at once across idle and checked-out state
// (len(idle)+outstanding <= maxsize is the invariant the tests assert).
type Pool struct {
	mu      sync.Mutex
	origin  Origin
	maxsize int
	block   bool
	connect Connector
	logger  logging.Logger

	idle        []*httpconn.Conn
	tracked     map[*httpconn.Conn]struct{}
	outstanding int
	closed      bool

	// waitCh is closed and replaced every time a slot frees up, waking every
	// blocked Acquire so it can re-race for the new slot.
	waitCh chan struct{}
}

// New creates a Pool for origin. maxsize <= 0 is treated as 1 (a Pool with
// no capacity can never hand out a Connection). block controls what happens
// when the Pool is saturated: true blocks Acquire until a slot frees or ctx
// is done; false builds an ephemeral, unpooled Connection instead and logs a
// warning.
func New(origin Origin, maxsize int, block bool, connect Connector, logger logging.Logger) *Pool {
	if maxsize <= 0 {
		maxsize = 1
	}
	return &Pool{
		origin:  origin,
		maxsize: maxsize,
		block:   block,
		connect: connect,
		logger:  logging.OrNop(logger),
		tracked: make(map[*httpconn.Conn]struct{}),
		waitCh:  make(chan struct{}),
	}
}

// Acquire returns a Connection for the Pool's origin: an idle one if a live
// one is waiting, a freshly dialed one if there's room under maxsize, or
// (per block) either a blocking wait for a slot or an ephemeral one-off
// Connection outside the pool's accounting.
func (p *Pool) Acquire(ctx context.Context) (*httpconn.Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.NewPoolError(fmt.Sprintf("pool for %s is closed", p.origin))
		}

		for len(p.idle) > 0 {
			n := len(p.idle)
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			if !isAlive(conn) {
				conn.Close()
				continue
			}
			p.tracked[conn] = struct{}{}
			p.outstanding++
			p.mu.Unlock()
			return conn, nil
		}

		if p.outstanding < p.maxsize {
			p.outstanding++
			p.mu.Unlock()
			conn, err := p.connect(ctx)
			if err != nil {
				p.mu.Lock()
				p.outstanding--
				p.broadcastLocked()
				p.mu.Unlock()
				return nil, err
			}
			p.mu.Lock()
			p.tracked[conn] = struct{}{}
			p.mu.Unlock()
			return conn, nil
		}

		if !p.block {
			p.mu.Unlock()
			p.logger.Warnf("connection pool for %s is full (maxsize=%d); opening an unpooled connection", p.origin, p.maxsize)
			return p.connect(ctx)
		}

		wait := p.waitCh
		p.mu.Unlock()
		select {
		case <-wait:
			// A slot may have opened; loop and re-race for it.
		case <-ctx.Done():
			perr := errors.NewPoolError(fmt.Sprintf("pool for %s is full (maxsize=%d) and no connection was released in time", p.origin, p.maxsize))
			perr.Cause = ctx.Err()
			return nil, perr
		}
	}
}

// Release returns conn to the Pool. keep indicates the caller believes the
// Connection is still good for reuse (StartNextCycle already succeeded);
// Release still discards it if Complete() says otherwise. Calling Release
// twice for the same checkout, or for an ephemeral Connection returned while
// the Pool was saturated and non-blocking, is safe: the second call and any
// ephemeral Connection are simply closed without touching the Pool's
// accounting.
func (p *Pool) Release(conn *httpconn.Conn, keep bool) {
	p.mu.Lock()
	if _, ok := p.tracked[conn]; !ok {
		p.mu.Unlock()
		conn.Close()
		return
	}
	delete(p.tracked, conn)
	p.outstanding--

	if keep && !p.closed && conn.Complete() {
		p.idle = append(p.idle, conn)
	} else {
		conn.Close()
	}
	p.broadcastLocked()
	p.mu.Unlock()
}

// Close closes every idle Connection and makes every future Acquire fail.
// Connections currently checked out are unaffected; their eventual Release
// closes them instead of returning them to the (now-closed) idle list.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, conn := range p.idle {
		conn.Close()
	}
	p.idle = nil
	p.broadcastLocked()
	p.mu.Unlock()
	return nil
}

// Stats is a point-in-time snapshot, mostly for tests and diagnostics.
type Stats struct {
	Idle        int
	Outstanding int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: len(p.idle), Outstanding: p.outstanding}
}

func (p *Pool) broadcastLocked() {
	close(p.waitCh)
	p.waitCh = make(chan struct{})
}

// isAlive peeks at the socket with a tiny read deadline: a timeout means the
// peer is silent and presumably still there, anything else (EOF, RST, or
// unexpected bytes) means the Connection can't be reused.
func isAlive(conn *httpconn.Conn) bool {
	nc := conn.Underlying()
	if nc == nil {
		return false
	}
	nc.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer nc.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	_, err := nc.Read(one)
	if err == nil {
		return false
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return false
}
