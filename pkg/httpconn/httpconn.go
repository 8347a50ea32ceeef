// Package httpconn implements Connection: a single HTTP/1.1 exchange bound
// to one socket, built on top of pkg/framing for protocol state and
// pkg/transport for dialing, proxying, and TLS.
package httpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rawhttp-core/rawhttp/pkg/constants"
	rherrors "github.com/rawhttp-core/rawhttp/pkg/errors"
	"github.com/rawhttp-core/rawhttp/pkg/framing"
	"github.com/rawhttp-core/rawhttp/pkg/logging"
	"github.com/rawhttp-core/rawhttp/pkg/timing"
	"github.com/rawhttp-core/rawhttp/pkg/tlsconfig"
	"github.com/rawhttp-core/rawhttp/pkg/transport"
)

// ConnState tracks the Connection-level state machine:
// UNCONNECTED -> IDLE -> SENDING -> AWAITING -> RECEIVING -> IDLE | CLOSED.
type ConnState int

const (
	StateUnconnected ConnState = iota
	StateIdle
	StateSending
	StateAwaiting
	StateReceiving
	StateClosed
)

// errLoopAbort is the loop-abort sentinel: SendRequest's consume callback
// returns it the instant a final Response event is parsed, short-circuiting
// further sending for servers that reply before the request body is fully
// written (e.g. a 413 on a large upload).
var errLoopAbort = errors.New("httpconn: loop abort (early response)")

// ConnectConfig carries everything needed to establish the underlying byte
// stream: plain TCP, HTTP(S)/SOCKS4/SOCKS5 proxy, and an optional TLS
// upgrade to the origin.
type ConnectConfig struct {
	Scheme string
	Host   string
	Port   int

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	Proxy *transport.ProxyConfig

	TLSConfig        *tls.Config
	SNI              string
	DisableSNI       bool
	InsecureTLS      bool
	AssertHostname   string // overrides hostname check target; "" uses Host
	AssertFingerprint string // hex digest, ':' separators allowed
	MinTLSVersion    uint16
	MaxTLSVersion    uint16
	CipherSuites     []uint16

	Logger logging.Logger
}

// Conn wraps a net.Conn with the HTTP/1.1 framing engine that drives it.
// Not safe for concurrent use: exactly one exchange is in flight at a time,
// by design (spec.md §3's "exactly one active exchange per Connection").
type Conn struct {
	mu        sync.Mutex
	state     ConnState
	netConn   net.Conn
	machine   *framing.Machine
	transport *transport.Transport
	logger    logging.Logger

	readTimeout time.Duration

	// bodyErr records why the body Read loop closed the Connection, if it did.
	bodyErr error
}

// New creates an unconnected Connection. t supplies the dial/proxy/TLS
// backend; it may be shared across many Connections (as the teacher's
// Transport already is across its hostPools).
func New(t *transport.Transport) *Conn {
	return &Conn{state: StateUnconnected, transport: t, logger: logging.NopLogger{}}
}

// Connect opens the underlying transport and, on success, arms the framing
// engine. Transport failures are returned as pkg/transport typed them: a
// DNS, Connection or TLS *errors.Error, or a ProxyError (wrapping the
// TunnelError when the proxy refuses CONNECT). A connect timeout comes back
// as the error of the phase that timed out; there is no separate
// connect-timeout error kind.
func (c *Conn) Connect(ctx context.Context, cfg ConnectConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUnconnected {
		return rherrors.NewFramingError("Connect called on an already-connected Connection", nil)
	}
	c.logger = logging.OrNop(cfg.Logger)
	c.readTimeout = cfg.ReadTimeout

	if time.Now().Before(constants.RecentDate) {
		c.logger.Warnf("system clock reads before %s; TLS certificate validity checks may fail", constants.RecentDate.Format("2006-01-02"))
	}

	sni := cfg.SNI
	if cfg.AssertHostname != "" {
		sni = normalizeHostnameForVerification(cfg.AssertHostname)
	}

	tc := transport.Config{
		Scheme:       cfg.Scheme,
		Host:         cfg.Host,
		Port:         cfg.Port,
		SNI:          sni,
		DisableSNI:   cfg.DisableSNI,
		InsecureTLS:  cfg.InsecureTLS,
		ConnTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		Proxy:        cfg.Proxy,
		TLSConfig:    cfg.TLSConfig,
		MinTLSVersion: cfg.MinTLSVersion,
		MaxTLSVersion: cfg.MaxTLSVersion,
		CipherSuites:  cfg.CipherSuites,
	}

	timer := timing.NewTimer()
	netConn, _, err := c.transport.Connect(ctx, tc, timer)
	if err != nil {
		return err
	}

	if tlsConn, ok := netConn.(*tls.Conn); ok && cfg.AssertFingerprint != "" {
		peerCerts := tlsConn.ConnectionState().PeerCertificates
		if len(peerCerts) == 0 {
			netConn.Close()
			return rherrors.NewTLSError(cfg.Host, cfg.Port, fmt.Errorf("no peer certificate to verify fingerprint against"))
		}
		if err := tlsconfig.AssertFingerprint(peerCerts[0], cfg.AssertFingerprint); err != nil {
			netConn.Close()
			return rherrors.NewTLSError(cfg.Host, cfg.Port, err)
		}
	}

	c.netConn = netConn
	c.machine = framing.NewMachine()
	c.state = StateIdle
	return nil
}

// Response is the result of SendRequest: status line, headers, and a body
// that streams lazily from the Connection itself.
type Response struct {
	StatusCode int
	Version    string
	Headers    []framing.Header

	conn    *Conn
	pending []byte // rest of a Data chunk that did not fit the last Read
}

// SendData is the caller-facing request body chunk type, re-exported from
// framing so callers of httpconn need not import it directly.
type SendData = framing.Data

// SendRequest asserts IDLE/IDLE, serializes the request, and writes it to
// the transport while concurrently reading for an early response. body
// yields successive chunks; an empty final read signals end of body.
// unknownLength requests chunked framing when no Content-Length/
// Transfer-Encoding header is present and the body length isn't known
// up front.
func (c *Conn) SendRequest(ctx context.Context, req framing.Request, body func() ([]byte, error), unknownLength bool) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return nil, rherrors.NewFramingError("SendRequest called outside IDLE", nil)
	}

	headerBytes, err := c.machine.SendRequest(req, unknownLength)
	if err != nil {
		return nil, err
	}
	c.state = StateSending

	// Combine the header bytes with the first body piece (data or the
	// end-of-message terminator) into one write, same as the original
	// implementation this is grounded on: fewer packets, and it means a
	// bodyless request is a single produce() call, not two.
	firstChunk := true
	bodyDone := false
	produce := func() ([]byte, error) {
		if bodyDone {
			return nil, nil
		}
		chunk, err := body()
		if err != nil {
			return nil, err
		}
		var out []byte
		if len(chunk) == 0 {
			bodyDone = true
			eom, err := c.machine.SendEndOfMessage(framing.EndOfMessage{})
			if err != nil {
				return nil, err
			}
			out = eom
		} else {
			dataBytes, err := c.machine.SendData(framing.Data{Bytes: chunk})
			if err != nil {
				return nil, err
			}
			out = dataBytes
		}
		if firstChunk {
			firstChunk = false
			out = append(append([]byte{}, headerBytes...), out...)
		}
		return out, nil
	}

	var finalResp *framing.Response
	consume := func(data []byte) error {
		c.machine.ReceiveData(data)
		for {
			event, err := c.machine.NextEvent()
			if err != nil {
				return err
			}
			if event == framing.NeedData {
				return nil
			}
			if _, ok := event.(framing.InformationalResponse); ok {
				continue
			}
			if resp, ok := event.(framing.Response); ok {
				r := resp
				finalResp = &r
				return errLoopAbort
			}
			return rherrors.NewFramingError(fmt.Sprintf("unexpected event while awaiting response: %#v", event), nil)
		}
	}

	c.state = StateAwaiting
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.netConn.SetDeadline(time.Now())
		case <-ctxDone:
		}
	}()
	sendAborted, err := sendAndReceiveForAWhile(c.netConn, produce, consume, c.readTimeout)
	close(ctxDone)
	if err != nil && err != errLoopAbort {
		c.machine.SendFailed()
		c.state = StateClosed
		return nil, err
	}
	if sendAborted {
		c.machine.SendFailed()
	}
	if finalResp == nil {
		c.machine.SendFailed()
		c.state = StateClosed
		return nil, rherrors.NewProtocolError("connection closed before response headers were received", nil)
	}

	c.state = StateReceiving
	return &Response{
		StatusCode: finalResp.StatusCode,
		Version:    finalResp.Version,
		Headers:    finalResp.Headers,
		conn:       c,
	}, nil
}

// sendAndReceiveForAWhile implements the transport's "send-and-receive-for-
// a-while" contract: a writer goroutine repeatedly calls produce for the
// next outgoing chunk while this goroutine concurrently reads and hands
// received bytes to consume. consume returns errLoopAbort to stop the whole
// exchange early — the final response parsed before the body finished
// sending. sendAborted reports whether the writer still had unsent body
// data when the loop stopped, so the caller can poison the framing engine.
func sendAndReceiveForAWhile(conn net.Conn, produce func() ([]byte, error), consume func([]byte) error, readTimeout time.Duration) (sendAborted bool, err error) {
	writeDone := make(chan error, 1)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				writeDone <- nil
				return
			default:
			}
			chunk, perr := produce()
			if perr != nil {
				writeDone <- perr
				return
			}
			if len(chunk) == 0 {
				writeDone <- nil
				return
			}
			if _, werr := conn.Write(chunk); werr != nil {
				writeDone <- werr
				return
			}
		}
	}()
	defer close(stop)

	readBuf := make([]byte, 8192)
	var writeErr error
	writeFinished := false
	for {
		select {
		case writeErr = <-writeDone:
			writeFinished = true
		default:
		}

		if readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		n, rerr := conn.Read(readBuf)
		if n > 0 {
			if cerr := consume(readBuf[:n]); cerr != nil {
				return !writeFinished, cerr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				if cerr := consume(nil); cerr != nil {
					return !writeFinished, cerr
				}
				if writeErr != nil {
					return true, writeErr
				}
				return !writeFinished, rherrors.NewProtocolError("connection closed by peer before response completed", rerr)
			}
			return !writeFinished, rherrors.NewProtocolError("read failed", rerr)
		}
		if writeFinished {
			if writeErr != nil {
				return true, writeErr
			}
		}
	}
}

// Read implements io.Reader over the response body: each call pulls one
// framing Data event, reading more off the wire as needed, until
// EndOfMessage triggers the reset path.
func (r *Response) Read(p []byte) (int, error) {
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return 0, io.ErrClosedPipe
	}
	if len(r.pending) > 0 {
		n := copy(p, r.pending)
		r.pending = r.pending[n:]
		return n, nil
	}

	for {
		event, err := c.machine.NextEvent()
		if err != nil {
			c.bodyErr = err
			c.closeLocked()
			return 0, err
		}
		switch e := event.(type) {
		case framing.Data:
			n := copy(p, e.Bytes)
			if n < len(e.Bytes) {
				// Return what fits and keep the rest for the next Read call.
				r.pending = e.Bytes[n:]
			}
			return n, nil
		case framing.EndOfMessage:
			c.reset()
			return 0, io.EOF
		default:
			if event == framing.NeedData {
				buf := make([]byte, 8192)
				if c.readTimeout > 0 {
					c.netConn.SetReadDeadline(time.Now().Add(c.readTimeout))
				}
				n, rerr := c.netConn.Read(buf)
				if n > 0 {
					c.machine.ReceiveData(buf[:n])
				}
				if rerr != nil {
					if rerr == io.EOF {
						c.machine.ReceiveData(nil)
						continue
					}
					c.bodyErr = rherrors.NewProtocolError("read failed", rerr)
					c.closeLocked()
					return 0, c.bodyErr
				}
				continue
			}
			c.bodyErr = rherrors.NewProtocolError(fmt.Sprintf("unexpected body event %#v", event), nil)
			c.closeLocked()
			return 0, c.bodyErr
		}
	}
}

// reset runs the Connection's _reset(): start_next_cycle() puts the
// framing engine back at IDLE/IDLE if the exchange was keep-alive
// eligible; otherwise the socket is closed and the Connection discarded.
func (c *Conn) reset() {
	if err := c.machine.StartNextCycle(); err != nil {
		c.closeLocked()
		return
	}
	c.state = StateIdle
}

// Complete reports whether both framing halves are IDLE (or the
// Connection was never bound), meaning no exchange is in flight.
func (c *Conn) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine == nil {
		return true
	}
	return c.machine.Complete()
}

// Close is idempotent: two calls leave the Connection in the same closed
// state with no additional side effects.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Conn) closeLocked() error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	if c.netConn != nil {
		err := c.netConn.Close()
		c.netConn = nil
		return err
	}
	return nil
}

// State reports the Connection's current lifecycle state, mostly useful
// for pool liveness checks and tests.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Underlying exposes the raw net.Conn for pool liveness peeks (a short
// read-deadline probe for remote half-close) and nothing else; callers
// must not write to or read application data from it directly.
func (c *Conn) Underlying() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.netConn
}

// normalizeHostnameForVerification strips a trailing dot and surrounding
// IPv6 brackets from a hostname used for certificate verification. Connect
// applies it to AssertHostname, which takes precedence over SNI and Host.
func normalizeHostnameForVerification(host string) string {
	host = strings.TrimSuffix(host, ".")
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}
