// Package framing implements the HTTP/1.1 sans-I/O state machine: it emits
// and parses wire bytes for a single request/response exchange and knows
// nothing about sockets. A Machine is bound to one connection for its
// lifetime and cycles between exchanges via StartNextCycle.
package framing

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/rawhttp-core/rawhttp/pkg/errors"
)

// State is one half (ours or theirs) of the framing engine's state.
type State int

const (
	StateIdle State = iota
	StateSendingHeaders
	StateSendingBody
	StateDone
	StateMustClose
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSendingHeaders:
		return "SENDING_HEADERS"
	case StateSendingBody:
		return "SENDING_BODY"
	case StateDone:
		return "DONE"
	case StateMustClose:
		return "MUST_CLOSE"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Header is one name/value pair, kept in request order. Names travel the
// wire exactly as supplied; comparisons elsewhere use the canonical form.
type Header struct {
	Name  string
	Value string
}

// Request is the emit-side event that starts an exchange.
type Request struct {
	Method  string
	Target  string
	Headers []Header
}

// Data carries a chunk of body bytes, either to emit or as received.
type Data struct {
	Bytes []byte
}

// EndOfMessage closes out a body, optionally carrying trailers.
type EndOfMessage struct {
	Trailers []Header
}

// InformationalResponse is a 1xx response. NextEvent yields one for each
// 1xx status line it parses and then keeps waiting for the final
// Response; callers skip these events and act on the final Response.
type InformationalResponse struct {
	StatusCode int
	Headers    []Header
}

// Response is the final status line + headers of a reply.
type Response struct {
	StatusCode int
	Version    string // "1.0" or "1.1"
	Headers    []Header
}

// ConnectionClosed signals the peer closed the stream.
type ConnectionClosed struct{}

// NeedData is returned by NextEvent when more bytes must be read before an
// event can be produced. It is a sentinel value, not an error.
type needData struct{}

// NeedData is the sentinel NextEvent result meaning "call ReceiveData and
// try again."
var NeedData Event = needData{}

// Event is the sum type yielded by NextEvent: Response, InformationalResponse
// (zero or more, before the final Response), Data, EndOfMessage,
// ConnectionClosed, or NeedData.
type Event interface{}

func (needData) isEvent() {}

// framingKind is the body-length strategy in effect for one side.
type framingKind int

const (
	framingUnknown framingKind = iota
	framingChunked
	framingContentLength
	framingReadUntilClose
	framingNone
)

// role distinguishes request framing (no body by default) from response
// framing (read-until-close by default).
type role int

const (
	roleRequest role = iota
	roleResponse
)

// Machine is the sans-I/O HTTP/1.1 engine for one connection. It is not
// safe for concurrent use; callers serialize access the way Connection
// does.
type Machine struct {
	ourState   State
	theirState State

	// send side
	sendKind      framingKind
	sendRemaining int64 // for Content-Length framing
	sendStarted   bool

	// receive side
	recvBuf       bytes.Buffer
	recvKind      framingKind
	recvRemaining int64
	recvChunkLeft int64
	recvInChunkCR bool
	sawClose      bool // peer closed the stream (ReceiveData got EOF)
	peerNoReuse   bool // peer sent Connection: close, or HTTP/1.0 without keep-alive
	weSentClose   bool

	version string // negotiated response version, e.g. "1.1"
}

// NewMachine creates a fresh Machine in IDLE/IDLE state.
func NewMachine() *Machine {
	return &Machine{ourState: StateIdle, theirState: StateIdle}
}

// OurState reports our half's state.
func (m *Machine) OurState() State { return m.ourState }

// TheirState reports the peer half's state.
func (m *Machine) TheirState() State { return m.theirState }

// Complete reports whether both halves are IDLE, meaning no exchange is
// currently in flight.
func (m *Machine) Complete() bool {
	return m.ourState == StateIdle && m.theirState == StateIdle
}

func headerValue(h []Header, name string) (string, bool) {
	for _, kv := range h {
		if strings.EqualFold(kv.Name, name) {
			return kv.Value, true
		}
	}
	return "", false
}

func hasToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// SendRequest begins an exchange: it validates state, determines body
// framing from headers (inserting Transfer-Encoding: chunked when the
// caller signals an unknown-length body via unknownLength), and returns
// the request-line + header bytes to write. The caller must follow with
// SendData/SendEndOfMessage calls.
func (m *Machine) SendRequest(req Request, unknownLength bool) ([]byte, error) {
	if m.ourState != StateIdle || m.theirState != StateIdle {
		return nil, errors.NewFramingError("invalid internal state transition", nil)
	}
	if req.Method == "" {
		return nil, errors.NewFramingError("method must not be empty", nil)
	}
	if !httpguts.ValidMethod(req.Method) {
		return nil, errors.NewFramingError(fmt.Sprintf("invalid method %q", req.Method), nil)
	}

	kind, length, err := determineSendFraming(req.Headers, roleRequest, unknownLength)
	if err != nil {
		return nil, err
	}
	headers := req.Headers
	if kind == framingChunked {
		if _, has := headerValue(headers, "Transfer-Encoding"); !has {
			headers = append(append([]Header{}, headers...), Header{"Transfer-Encoding", "chunked"})
		}
	}

	m.sendKind = kind
	m.sendRemaining = length
	m.sendStarted = false
	m.ourState = StateSendingBody
	m.theirState = StateSendingBody // awaiting their response while we may still be sending

	var buf bytes.Buffer
	buf.WriteString(req.Method)
	buf.WriteByte(' ')
	buf.WriteString(req.Target)
	buf.WriteString(" HTTP/1.1\r\n")
	for _, h := range headers {
		if !httpguts.ValidHeaderFieldName(h.Name) {
			return nil, errors.NewFramingError(fmt.Sprintf("invalid header name %q", h.Name), nil)
		}
		if !httpguts.ValidHeaderFieldValue(h.Value) {
			return nil, errors.NewFramingError(fmt.Sprintf("invalid header value for %q", h.Name), nil)
		}
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

// determineSendFraming implements the §4.1 precedence: chunked, then
// Content-Length, else none (request) / read-until-close (response).
func determineSendFraming(headers []Header, r role, unknownLength bool) (framingKind, int64, error) {
	te, hasTE := headerValue(headers, "Transfer-Encoding")
	cl, hasCL := headerValue(headers, "Content-Length")

	chunkedTE := hasTE && hasToken(te, "chunked")
	if chunkedTE && hasCL {
		return 0, 0, errors.NewFramingError("conflicting Transfer-Encoding and Content-Length headers", nil)
	}
	if chunkedTE {
		return framingChunked, 0, nil
	}
	if hasCL {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return 0, 0, errors.NewFramingError(fmt.Sprintf("invalid Content-Length %q", cl), nil)
		}
		return framingContentLength, n, nil
	}
	if unknownLength {
		return framingChunked, 0, nil
	}
	if r == roleRequest {
		return framingNone, 0, nil
	}
	return framingReadUntilClose, 0, nil
}

// SendData returns the wire bytes for one body chunk. A zero-length chunk
// emits zero bytes — it must never produce a bare "0\r\n", which is the
// chunked terminator.
func (m *Machine) SendData(d Data) ([]byte, error) {
	if m.ourState != StateSendingBody {
		return nil, errors.NewFramingError("SendData called outside SENDING_BODY", nil)
	}
	if len(d.Bytes) == 0 {
		return nil, nil
	}
	m.sendStarted = true
	switch m.sendKind {
	case framingChunked:
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "%x\r\n", len(d.Bytes))
		buf.Write(d.Bytes)
		buf.WriteString("\r\n")
		return buf.Bytes(), nil
	case framingContentLength:
		if int64(len(d.Bytes)) > m.sendRemaining {
			return nil, errors.NewFramingError("body exceeds declared Content-Length", nil)
		}
		m.sendRemaining -= int64(len(d.Bytes))
		return d.Bytes, nil
	case framingNone:
		return nil, errors.NewFramingError("body data supplied but framing is bodyless", nil)
	default:
		return d.Bytes, nil
	}
}

// SendEndOfMessage returns the bytes (if any) that terminate the body —
// the chunked terminator, or nothing for Content-Length/none framing —
// and transitions our side past SENDING_BODY.
func (m *Machine) SendEndOfMessage(e EndOfMessage) ([]byte, error) {
	if m.ourState != StateSendingBody {
		return nil, errors.NewFramingError("SendEndOfMessage called outside SENDING_BODY", nil)
	}
	var out []byte
	switch m.sendKind {
	case framingChunked:
		var buf bytes.Buffer
		buf.WriteString("0\r\n")
		for _, t := range e.Trailers {
			buf.WriteString(t.Name)
			buf.WriteString(": ")
			buf.WriteString(t.Value)
			buf.WriteString("\r\n")
		}
		buf.WriteString("\r\n")
		out = buf.Bytes()
	case framingContentLength:
		if m.sendRemaining != 0 {
			return nil, errors.NewFramingError("EndOfMessage before Content-Length satisfied", nil)
		}
	}
	m.ourState = StateDone
	return out, nil
}

// SendFailed poisons our side, marking the connection non-reusable. Used
// when the caller aborted mid-send because a final response arrived
// early.
func (m *Machine) SendFailed() {
	m.ourState = StateMustClose
}

// ReceiveData feeds newly-read bytes into the receive buffer for
// NextEvent to consume. An empty slice signals peer EOF.
func (m *Machine) ReceiveData(data []byte) {
	if len(data) == 0 {
		m.sawClose = true
		return
	}
	m.recvBuf.Write(data)
}

// NextEvent parses as much of the receive buffer as possible and returns
// the next event, or NeedData if more bytes are required.
func (m *Machine) NextEvent() (Event, error) {
	if m.theirState == StateIdle {
		return nil, errors.NewFramingError("NextEvent called before a request was sent", nil)
	}
	if m.recvKind == framingUnknown {
		// Still parsing the status line + headers.
		statusLine, headers, rest, ok := splitHeaderBlock(m.recvBuf.Bytes())
		if !ok {
			if m.sawClose {
				return ConnectionClosed{}, nil
			}
			return NeedData, nil
		}
		status, version, err := parseStatusLine(statusLine)
		if err != nil {
			return nil, err
		}
		if version != "1.0" && version != "1.1" {
			return nil, errors.NewBadVersionError(version)
		}
		m.recvBuf.Reset()
		m.recvBuf.Write(rest)

		if status >= 100 && status < 200 {
			// Informational: hand it to the caller; the next call keeps
			// waiting for the final response.
			return InformationalResponse{StatusCode: status, Headers: headers}, nil
		}

		m.version = version
		kind, length, err := determineSendFraming(headers, roleResponse, false)
		if err != nil {
			return nil, err
		}
		if v, ok := headerValue(headers, "Connection"); ok && hasToken(v, "close") {
			m.peerNoReuse = true
		} else if version == "1.0" && !(ok && hasToken(v, "keep-alive")) {
			m.peerNoReuse = true
		}
		if isBodylessStatus(status) {
			kind, length = framingNone, 0
		}
		m.recvKind = kind
		m.recvRemaining = length
		if kind == framingNone {
			m.theirState = StateDone
		} else {
			m.theirState = StateSendingBody
		}
		return Response{StatusCode: status, Version: version, Headers: headers}, nil
	}

	switch m.recvKind {
	case framingNone:
		m.theirState = StateDone
		return EndOfMessage{}, nil
	case framingContentLength:
		if m.recvRemaining == 0 {
			m.theirState = StateDone
			return EndOfMessage{}, nil
		}
		avail := m.recvBuf.Bytes()
		if len(avail) == 0 {
			if m.sawClose {
				return nil, errors.NewProtocolError("connection closed before Content-Length satisfied", nil)
			}
			return NeedData, nil
		}
		n := int64(len(avail))
		if n > m.recvRemaining {
			n = m.recvRemaining
		}
		chunk := make([]byte, n)
		m.recvBuf.Read(chunk)
		m.recvRemaining -= n
		return Data{Bytes: chunk}, nil
	case framingReadUntilClose:
		avail := m.recvBuf.Bytes()
		if len(avail) > 0 {
			chunk := make([]byte, len(avail))
			m.recvBuf.Read(chunk)
			return Data{Bytes: chunk}, nil
		}
		if m.sawClose {
			m.theirState = StateDone
			return EndOfMessage{}, nil
		}
		return NeedData, nil
	case framingChunked:
		return m.nextChunkedEvent()
	}
	return nil, errors.NewFramingError("unreachable framing kind", nil)
}

func (m *Machine) nextChunkedEvent() (Event, error) {
	for {
		if m.recvChunkLeft > 0 {
			avail := m.recvBuf.Bytes()
			if len(avail) == 0 {
				if m.sawClose {
					return nil, errors.NewProtocolError("connection closed mid-chunk", nil)
				}
				return NeedData, nil
			}
			n := int64(len(avail))
			if n > m.recvChunkLeft {
				n = m.recvChunkLeft
			}
			chunk := make([]byte, n)
			m.recvBuf.Read(chunk)
			m.recvChunkLeft -= n
			if m.recvChunkLeft == 0 {
				m.recvInChunkCR = true
			}
			if n == 0 {
				continue
			}
			return Data{Bytes: chunk}, nil
		}
		if m.recvInChunkCR {
			if m.recvBuf.Len() < 2 {
				if m.sawClose {
					return nil, errors.NewProtocolError("connection closed mid-chunk", nil)
				}
				return NeedData, nil
			}
			crlf := make([]byte, 2)
			m.recvBuf.Read(crlf)
			m.recvInChunkCR = false
			continue
		}
		line, ok := readLine(m.recvBuf.Bytes())
		if !ok {
			if m.sawClose {
				return nil, errors.NewProtocolError("connection closed mid-chunk-size", nil)
			}
			return NeedData, nil
		}
		m.recvBuf.Next(len(line) + 2)
		sizeStr := string(line)
		if idx := strings.IndexByte(sizeStr, ';'); idx >= 0 {
			sizeStr = sizeStr[:idx]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil || size < 0 {
			return nil, errors.NewProtocolError(fmt.Sprintf("invalid chunk size %q", sizeStr), nil)
		}
		if size == 0 {
			return m.finishChunkedTrailers()
		}
		m.recvChunkLeft = size
	}
}

// finishChunkedTrailers consumes the (possibly empty) trailer section that
// follows the "0\r\n" terminator, up to and including the blank line.
func (m *Machine) finishChunkedTrailers() (Event, error) {
	buf := m.recvBuf.Bytes()
	if bytes.HasPrefix(buf, []byte("\r\n")) {
		m.recvBuf.Next(2)
		m.theirState = StateDone
		return EndOfMessage{}, nil
	}
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		if m.sawClose {
			return nil, errors.NewProtocolError("connection closed before chunk trailers completed", nil)
		}
		return NeedData, nil
	}
	m.recvBuf.Next(idx + 4)
	m.theirState = StateDone
	return EndOfMessage{}, nil
}

// StartNextCycle returns the engine to IDLE/IDLE if the completed
// exchange was keep-alive eligible; otherwise it returns an error and the
// caller must close the socket and discard the connection.
func (m *Machine) StartNextCycle() error {
	if m.ourState != StateDone && m.ourState != StateMustClose {
		return errors.NewFramingError("StartNextCycle called before our side finished", nil)
	}
	if m.theirState != StateDone {
		return errors.NewFramingError("StartNextCycle called before their side finished", nil)
	}
	if m.ourState == StateMustClose {
		return errors.NewFramingError("connection poisoned by SendFailed", nil)
	}
	if m.recvKind == framingReadUntilClose {
		return errors.NewFramingError("read-until-close body is never keep-alive eligible", nil)
	}
	if m.sawClose || m.peerNoReuse || m.weSentClose {
		return errors.NewFramingError("connection closed or not keep-alive, not reusable", nil)
	}
	*m = Machine{ourState: StateIdle, theirState: StateIdle}
	return nil
}

// SetWeSentClose records that our outgoing headers carried
// Connection: close, ruling out reuse once this exchange completes.
func (m *Machine) SetWeSentClose() { m.weSentClose = true }

func isBodylessStatus(status int) bool {
	return status == 204 || status == 304 || (status >= 100 && status < 200)
}

func parseStatusLine(line []byte) (status int, version string, err error) {
	s := string(line)
	if !strings.HasPrefix(s, "HTTP/") {
		return 0, "", errors.NewProtocolError(fmt.Sprintf("malformed status line %q", s), nil)
	}
	rest := s[len("HTTP/"):]
	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		return 0, "", errors.NewProtocolError(fmt.Sprintf("malformed status line %q", s), nil)
	}
	version = rest[:sp]
	tail := strings.TrimLeft(rest[sp+1:], " ")
	if len(tail) < 3 {
		return 0, "", errors.NewProtocolError(fmt.Sprintf("malformed status line %q", s), nil)
	}
	status, err = strconv.Atoi(tail[:3])
	if err != nil {
		return 0, "", errors.NewProtocolError(fmt.Sprintf("malformed status code in %q", s), nil)
	}
	return status, version, nil
}

// splitHeaderBlock looks for a CRLFCRLF-terminated status-line+headers
// block at the start of buf, handling header continuation lines. Returns
// the status line, parsed headers, and the remaining unconsumed bytes.
func splitHeaderBlock(buf []byte) (statusLine []byte, headers []Header, rest []byte, ok bool) {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		return nil, nil, nil, false
	}
	block := buf[:idx]
	rest = buf[idx+4:]

	lines := bytes.Split(block, []byte("\r\n"))
	if len(lines) == 0 {
		return nil, nil, nil, false
	}
	statusLine = lines[0]

	for i := 1; i < len(lines); i++ {
		line := lines[i]
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			// continuation of the previous header's value
			if len(headers) > 0 {
				headers[len(headers)-1].Value += " " + strings.TrimSpace(string(line))
			}
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := string(line[:colon])
		value := strings.TrimSpace(string(line[colon+1:]))
		headers = append(headers, Header{Name: name, Value: value})
	}
	return statusLine, headers, rest, true
}

// readLine returns the bytes up to (not including) the next CRLF, if one
// is present.
func readLine(buf []byte) ([]byte, bool) {
	idx := bytes.Index(buf, []byte("\r\n"))
	if idx < 0 {
		return nil, false
	}
	return buf[:idx], true
}
