// Package roundtrip implements Orchestrator and Router: the request-level
// driver that ties pkg/connpool, pkg/httpconn, and pkg/retry together into
// the attempt loop of spec.md §4.5 (acquire Connection, send, classify the
// outcome, consult the retry Policy, repeat on redirect/retry, release on
// return or raise).
package roundtrip

import (
	"container/list"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rawhttp-core/rawhttp/pkg/connpool"
	"github.com/rawhttp-core/rawhttp/pkg/constants"
	rherrors "github.com/rawhttp-core/rawhttp/pkg/errors"
	"github.com/rawhttp-core/rawhttp/pkg/framing"
	"github.com/rawhttp-core/rawhttp/pkg/httpconn"
	"github.com/rawhttp-core/rawhttp/pkg/logging"
	"github.com/rawhttp-core/rawhttp/pkg/retry"
	"github.com/rawhttp-core/rawhttp/pkg/transport"
)

// Body is a request body: a producer of successive wire chunks (an empty,
// nil-error chunk signals the end, same contract as httpconn.Conn.SendRequest
// expects), reporting its total length when known so the orchestrator can
// set Content-Length instead of falling back to chunked framing, and
// rewindable so a redirect or retry can replay it from the start.
type Body interface {
	Next() ([]byte, error)
	Len() (int64, bool)
	retry.RewindableBody
}

// Request is one HTTP/1.1 exchange as the caller sees it: method, target
// URL, headers, and an optional Body. Policy is copied per Do call, so a
// single Request value (and a single Policy) can be reused safely across
// concurrent calls — neither is mutated.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   Body

	Policy retry.Policy

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	TotalTimeout   time.Duration

	Proxy             *transport.ProxyConfig
	TLSConfig         *tls.Config
	SNI               string
	DisableSNI        bool
	InsecureTLS       bool
	AssertFingerprint string
	MinTLSVersion     uint16
	MaxTLSVersion     uint16
	CipherSuites      []uint16

	Logger logging.Logger
}

// NewRequest parses rawURL and builds a Request with an empty header set and
// the default retry policy. Method is upper-cased implicitly by callers that
// care; this constructor leaves it as given.
func NewRequest(method, rawURL string, body Body) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, rherrors.NewValidationError("invalid request URL: " + err.Error())
	}
	return &Request{
		Method: method,
		URL:    u,
		Header: http.Header{},
		Body:   body,
		Policy: retry.NewDefaultPolicy(),
	}, nil
}

// NewBody adapts payload into a Body. Accepted shapes are []byte, io.Reader,
// and an already-built Body. A bare string is rejected: unlike []byte it
// carries no declared encoding, and accepting it silently would hide a
// decision the caller should make explicitly.
func NewBody(payload interface{}, memLimit int64) (Body, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case string:
		return nil, rherrors.NewBodyError("string request bodies are not accepted; pass []byte or io.Reader")
	case []byte:
		return NewBufferBodyFromBytes(v), nil
	case Body:
		return v, nil
	case io.Reader:
		return NewBufferBodyFromReader(v, memLimit)
	default:
		return nil, rherrors.NewBodyError("unsupported request body type")
	}
}

// Response is the result of a successful Do call: the final status line and
// headers, a Body streaming lazily from the underlying Connection, and the
// URL the exchange finally landed on after any redirects.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	FinalURL   *url.URL
}

// Router is the PoolManager: an origin-keyed, bounded LRU cache of
// per-origin connpool.Pool instances. A Pool is pinned (its reference count
// held above zero) for the duration of every Do call that targets its
// origin, so eviction never reclaims a Pool a caller is actively using.
type Router struct {
	mu         sync.Mutex
	entries    map[connpool.Origin]*poolEntry
	order      *list.List
	maxOrigins int
}

type poolEntry struct {
	pool *connpool.Pool
	elem *list.Element
	refs int
}

// NewRouter creates a Router that keeps at most maxOrigins Pools alive at
// once (maxOrigins <= 0 falls back to constants.DefaultPoolMaxSize).
func NewRouter(maxOrigins int) *Router {
	if maxOrigins <= 0 {
		maxOrigins = constants.DefaultPoolMaxSize
	}
	return &Router{
		entries:    make(map[connpool.Origin]*poolEntry),
		order:      list.New(),
		maxOrigins: maxOrigins,
	}
}

// Acquire returns the Pool for origin, building one via newPool if this is
// the first request to see that origin, and increments its reference count.
// Every Acquire must be matched by exactly one Release.
func (r *Router) Acquire(origin connpool.Origin, newPool func() *connpool.Pool) *connpool.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[origin]; ok {
		e.refs++
		r.order.MoveToFront(e.elem)
		return e.pool
	}

	pool := newPool()
	e := &poolEntry{pool: pool, refs: 1}
	e.elem = r.order.PushFront(origin)
	r.entries[origin] = e
	r.evictLocked()
	return pool
}

// Release decrements origin's reference count, making it eligible for LRU
// eviction once it reaches zero.
func (r *Router) Release(origin connpool.Origin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[origin]; ok {
		e.refs--
	}
}

// evictLocked closes and drops least-recently-used, zero-refcount entries
// until the Router is back under maxOrigins or no more evictable entries
// remain (an origin every caller is actively using is left alone even if
// that means temporarily exceeding maxOrigins).
func (r *Router) evictLocked() {
	if len(r.entries) <= r.maxOrigins {
		return
	}
	for e := r.order.Back(); e != nil; {
		prev := e.Prev()
		origin := e.Value.(connpool.Origin)
		entry := r.entries[origin]
		if entry.refs <= 0 {
			entry.pool.Close()
			delete(r.entries, origin)
			r.order.Remove(e)
			if len(r.entries) <= r.maxOrigins {
				return
			}
		}
		e = prev
	}
}

// Stats reports each retained origin's underlying Pool statistics, pinned or not,
// generalizing the teacher's PoolStats/HostPoolStats shape to the Router
// level.
func (r *Router) Stats() map[connpool.Origin]connpool.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[connpool.Origin]connpool.Stats, len(r.entries))
	for origin, e := range r.entries {
		out[origin] = e.pool.Stats()
	}
	return out
}

// Orchestrator drives the attempt loop of spec.md §4.5 over a Router and a
// shared transport.Transport dial/TLS/proxy backend.
type Orchestrator struct {
	router            *Router
	transport         *transport.Transport
	maxConnsPerOrigin int
	block             bool
	logger            logging.Logger
}

// NewOrchestrator builds an Orchestrator. maxConnsPerOrigin and block are
// forwarded to every connpool.Pool the Router creates.
func NewOrchestrator(router *Router, t *transport.Transport, maxConnsPerOrigin int, block bool, logger logging.Logger) *Orchestrator {
	return &Orchestrator{
		router:            router,
		transport:         t,
		maxConnsPerOrigin: maxConnsPerOrigin,
		block:             block,
		logger:            logging.OrNop(logger),
	}
}

// Do executes req, following retries and redirects per its Policy until a
// DecisionReturn or DecisionRaise is reached. total_timeout, if set, bounds
// the whole call (every attempt, sleep, and redirect included); connect_timeout
// and read_timeout bound each individual attempt.
func (o *Orchestrator) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.TotalTimeout)
		defer cancel()
	}

	policy := req.Policy
	if policy.MethodWhitelist == nil {
		policy = retry.NewDefaultPolicy()
	}

	currentURL := req.URL
	currentMethod := req.Method
	body := req.Body
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}

	for {
		origin, err := originFor(currentURL)
		if err != nil {
			return nil, err
		}

		pool := o.router.Acquire(origin, func() *connpool.Pool {
			return connpool.New(origin, o.maxConnsPerOrigin, o.block, o.connectorFor(origin, req), o.logger)
		})

		conn, acquireErr := pool.Acquire(ctx)
		if acquireErr != nil {
			o.router.Release(origin)
			decision := policy.Next(classifyErr(acquireErr, false), currentURL)
			done, retErr := o.applyErrorDecision(ctx, decision, &policy, &currentURL, body)
			if done {
				return nil, retErr
			}
			continue
		}

		target := targetFor(currentURL)
		headers, unknownLength := buildFramingHeaders(header, body, currentURL.Host)
		produce := bodyProducer(body)

		resp, sendErr := conn.SendRequest(ctx, framing.Request{
			Method:  currentMethod,
			Target:  target,
			Headers: headers,
		}, produce, unknownLength)

		if sendErr != nil {
			pool.Release(conn, false)
			o.router.Release(origin)
			decision := policy.Next(classifyErr(sendErr, true), currentURL)
			done, retErr := o.applyErrorDecision(ctx, decision, &policy, &currentURL, body)
			if done {
				return nil, retErr
			}
			continue
		}

		respHeaders := toHTTPHeader(resp.Headers)
		isRedirect := resp.StatusCode >= 300 && resp.StatusCode < 400
		decision := policy.Next(retry.OutcomeResponse{
			Method:     currentMethod,
			Status:     resp.StatusCode,
			Headers:    respHeaders,
			IsRedirect: isRedirect,
			HasBody:    body != nil,
			Body:       body,
		}, currentURL)

		switch d := decision.(type) {
		case retry.DecisionReturn:
			o.router.Release(origin)
			return &Response{
				StatusCode: resp.StatusCode,
				Header:     respHeaders,
				Body:       &releasingBody{resp: resp, pool: pool, conn: conn},
				FinalURL:   currentURL,
			}, nil

		case retry.DecisionRaise:
			drainBody(resp)
			pool.Release(conn, conn.Complete())
			o.router.Release(origin)
			return nil, d.Err

		case retry.DecisionRetry:
			drainBody(resp)
			pool.Release(conn, conn.Complete())
			o.router.Release(origin)

			if d.DropBody {
				body = nil
				header.Del("Content-Length")
				header.Del("Transfer-Encoding")
			} else if err := rewindBody(body); err != nil {
				return nil, err
			}
			for _, m := range d.HeaderMutations {
				header.Del(m.Remove)
			}
			if d.NewMethod != "" {
				currentMethod = d.NewMethod
			}
			if d.NewTarget != nil {
				currentURL = d.NewTarget
			}
			if err := sleepCtx(ctx, d.Delay); err != nil {
				return nil, err
			}
			policy = d.Next
			continue

		default:
			o.router.Release(origin)
			pool.Release(conn, false)
			return nil, rherrors.NewProtocolError("retry controller returned an unrecognized decision", nil)
		}
	}
}

// applyErrorDecision handles the two Decisions retry.Policy ever returns for
// a connect/read/protocol error outcome (never DecisionReturn — there is no
// response to return). done=true means the loop must stop and return retErr.
func (o *Orchestrator) applyErrorDecision(ctx context.Context, decision retry.Decision, policy *retry.Policy, currentURL **url.URL, body Body) (done bool, retErr error) {
	switch d := decision.(type) {
	case retry.DecisionRetry:
		if err := rewindBody(body); err != nil {
			return true, err
		}
		if d.NewTarget != nil {
			*currentURL = d.NewTarget
		}
		if err := sleepCtx(ctx, d.Delay); err != nil {
			return true, err
		}
		*policy = d.Next
		return false, nil
	case retry.DecisionRaise:
		return true, d.Err
	default:
		return true, rherrors.NewProtocolError("retry controller returned an unrecognized decision for an error outcome", nil)
	}
}

// connectorFor builds the connpool.Connector used the first time the Router
// sees origin: a fresh Connection dialed and TLS-upgraded per req's
// transport-level settings.
func (o *Orchestrator) connectorFor(origin connpool.Origin, req *Request) connpool.Connector {
	cfg := httpconn.ConnectConfig{
		Scheme:            origin.Scheme,
		Host:              origin.Host,
		Port:              origin.Port,
		ConnectTimeout:    orDefaultDuration(req.ConnectTimeout, constants.DefaultConnTimeout),
		ReadTimeout:       orDefaultDuration(req.ReadTimeout, constants.DefaultReadTimeout),
		Proxy:             req.Proxy,
		TLSConfig:         req.TLSConfig,
		SNI:               req.SNI,
		DisableSNI:        req.DisableSNI,
		InsecureTLS:       req.InsecureTLS,
		AssertFingerprint: req.AssertFingerprint,
		MinTLSVersion:     req.MinTLSVersion,
		MaxTLSVersion:     req.MaxTLSVersion,
		CipherSuites:      req.CipherSuites,
		Logger:            o.logger,
	}
	return func(ctx context.Context) (*httpconn.Conn, error) {
		c := httpconn.New(o.transport)
		if err := c.Connect(ctx, cfg); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// releasingBody wraps an httpconn.Response so reading it to EOF, or an
// explicit Close, releases the underlying Connection back to its Pool
// exactly once — whichever happens first wins.
type releasingBody struct {
	resp *httpconn.Response
	pool *connpool.Pool
	conn *httpconn.Conn
	once sync.Once
}

func (b *releasingBody) Read(p []byte) (int, error) {
	n, err := b.resp.Read(p)
	if err == io.EOF {
		b.release(true)
	} else if err != nil {
		b.release(false)
	}
	return n, err
}

func (b *releasingBody) Close() error {
	b.release(b.conn.Complete())
	return nil
}

func (b *releasingBody) release(keep bool) {
	b.once.Do(func() {
		b.pool.Release(b.conn, keep)
	})
}

func drainBody(resp *httpconn.Response) {
	io.Copy(io.Discard, resp)
}

func rewindBody(body Body) error {
	if body == nil {
		return nil
	}
	pos, err := body.Tell()
	if err != nil {
		return rherrors.NewUnrewindableBodyError(err)
	}
	if err := body.Rewind(pos); err != nil {
		return rherrors.NewUnrewindableBodyError(err)
	}
	return nil
}

func bodyProducer(body Body) func() ([]byte, error) {
	if body == nil {
		return func() ([]byte, error) { return nil, nil }
	}
	return body.Next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classifyErr maps a transport/framing error to the retry controller's error
// outcome kinds. duringSend distinguishes a failure while writing/reading an
// exchange (read/protocol) from one while dialing (connect).
func classifyErr(err error, duringSend bool) retry.Outcome {
	if e, ok := err.(*rherrors.Error); ok {
		switch e.Type {
		case rherrors.ErrorTypeDNS, rherrors.ErrorTypeConnection, rherrors.ErrorTypeTLS:
			return retry.OutcomeConnectError{Err: err}
		case rherrors.ErrorTypeTimeout:
			if duringSend {
				return retry.OutcomeReadError{Err: err}
			}
			return retry.OutcomeConnectError{Err: err}
		case rherrors.ErrorTypeProtocol, rherrors.ErrorTypeProtocolFraming, rherrors.ErrorTypeBadVersion, rherrors.ErrorTypeTunnel:
			return retry.OutcomeProtocolError{Err: err}
		}
	}
	if _, ok := err.(*rherrors.ProxyError); ok {
		return retry.OutcomeConnectError{Err: err}
	}
	if duringSend {
		return retry.OutcomeReadError{Err: err}
	}
	return retry.OutcomeConnectError{Err: err}
}

func originFor(u *url.URL) (connpool.Origin, error) {
	portStr := u.Port()
	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return connpool.Origin{}, rherrors.NewValidationError("invalid port in URL " + u.String())
		}
		port = p
	}
	return connpool.NewOrigin(u.Scheme, u.Hostname(), port)
}

func targetFor(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}

// buildFramingHeaders flattens header into wire order, injecting Host if
// absent, and decides whether body's length can be declared up front via
// Content-Length or must fall back to chunked (unknownLength=true), mirroring
// framing.determineSendFraming's precedence: never set both Content-Length
// and Transfer-Encoding, and only let unknownLength force chunked when
// neither is already present.
func buildFramingHeaders(header http.Header, body Body, host string) ([]framing.Header, bool) {
	out := make([]framing.Header, 0, len(header)+2)
	seenHost, seenLen, seenTE := false, false, false
	for name, values := range header {
		for _, v := range values {
			out = append(out, framing.Header{Name: name, Value: v})
		}
		switch strings.ToLower(name) {
		case "host":
			seenHost = true
		case "content-length":
			seenLen = true
		case "transfer-encoding":
			seenTE = true
		}
	}
	if !seenHost {
		out = append([]framing.Header{{Name: "Host", Value: host}}, out...)
	}

	unknownLength := false
	if body != nil && !seenLen && !seenTE {
		if n, ok := body.Len(); ok {
			out = append(out, framing.Header{Name: "Content-Length", Value: strconv.FormatInt(n, 10)})
		} else {
			unknownLength = true
		}
	}
	return out, unknownLength
}

func toHTTPHeader(hs []framing.Header) http.Header {
	out := make(http.Header, len(hs))
	for _, h := range hs {
		out.Add(h.Name, h.Value)
	}
	return out
}

func orDefaultDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}
