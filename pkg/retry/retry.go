// Package retry implements Policy: a transport-independent, immutable value
// that decides, after each attempted exchange, whether to re-issue a
// request, against which target, with which headers, after what delay, or
// to surface an error. Grounded on the ordered rule list this library's
// HTTP/1.1 core was distilled from, cross-checked against the retry-on-
// broken-pipe shape seen in the pack's Kubernetes proxy transports
// (single retry, body re-buffered before the second attempt) generalized
// to a full budgeted, redirect-aware policy.
package retry

import (
	"fmt"
	"math"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/rawhttp-core/rawhttp/pkg/buffer"
	"github.com/rawhttp-core/rawhttp/pkg/constants"
	"github.com/rawhttp-core/rawhttp/pkg/errors"
)

// retryAfterStatusCodes are the statuses whose Retry-After header is
// honored; without the header they fall back to exponential backoff.
var retryAfterStatusCodes = map[int]bool{413: true, 429: true, 503: true}

var redirectStatusCodes = map[int]bool{301: true, 302: true, 303: true, 307: true, 308: true}

// defaultMethodWhitelist mirrors the conventional idempotent-method set:
// methods considered safe to retry without the caller opting in explicitly.
func defaultMethodWhitelist() map[string]bool {
	return map[string]bool{
		"HEAD": true, "GET": true, "PUT": true,
		"DELETE": true, "OPTIONS": true, "TRACE": true,
	}
}

// HistoryEntry is one record of an attempted exchange, appended to the
// Policy value returned by a DecisionRetry.
type HistoryEntry struct {
	Method           string
	URL              *url.URL
	Err              error
	Status           int
	RedirectLocation *url.URL
}

// Policy is an immutable retry/redirect budget. Next never mutates p; every
// decision that continues the attempt loop carries a new Policy value with
// a strictly decreasing Total budget and an appended History entry.
type Policy struct {
	Total, Connect, Read, Redirect, Status, Other int

	StatusForcelist map[int]bool
	MethodWhitelist map[string]bool

	RemoveHeadersOnRedirect []string

	RaiseOnStatus     bool
	RaiseOnRedirect   bool
	RespectRetryAfter bool

	BackoffFactor float64
	BackoffMax    time.Duration

	History []HistoryEntry
}

// NewDefaultPolicy returns the library's default retry budget: idempotent
// methods only, Authorization stripped on cross-origin redirects, status
// forcelist empty (callers opt a status into forced retry explicitly).
func NewDefaultPolicy() Policy {
	return Policy{
		Total:           constants.DefaultRetryTotal,
		Connect:         constants.DefaultRetryTotal,
		Read:            constants.DefaultRetryTotal,
		Redirect:        constants.DefaultRetryTotal,
		Status:          constants.DefaultRetryTotal,
		Other:           constants.DefaultRetryTotal,
		StatusForcelist: map[int]bool{},
		MethodWhitelist: defaultMethodWhitelist(),
		RemoveHeadersOnRedirect: []string{"Authorization"},
		RaiseOnStatus:           true,
		RaiseOnRedirect:         true,
		RespectRetryAfter:       true,
		BackoffFactor:           constants.DefaultBackoffFactor,
		BackoffMax:              constants.DefaultBackoffMax,
	}
}

// Outcome is the result of one attempted exchange, as classified by the
// caller (pkg/roundtrip) before consulting the Policy.
type Outcome interface{ outcome() }

// OutcomeSuccess short-circuits straight to DecisionReturn: the caller
// already knows no retry logic applies (used for non-HTTP success paths;
// ordinary HTTP responses go through OutcomeResponse so status/redirect
// rules still run).
type OutcomeSuccess struct{}

// OutcomeConnectError reports a failure to establish the underlying
// Connection.
type OutcomeConnectError struct{ Err error }

// OutcomeReadError reports a failure while reading the response.
type OutcomeReadError struct{ Err error }

// OutcomeProtocolError reports a framing/protocol violation (bad status
// line, conflicting framing headers, and the like).
type OutcomeProtocolError struct{ Err error }

// OutcomeResponse reports a parsed HTTP response. Method is the request
// method that produced it (needed for the method-whitelist and
// redirect-method-rewrite rules); IsRedirect is precomputed by the caller
// from Status for convenience but Next re-derives it defensively.
type OutcomeResponse struct {
	Method     string
	Status     int
	Headers    http.Header
	IsRedirect bool
	HasBody    bool
	Body       RewindableBody
}

func (OutcomeSuccess) outcome()       {}
func (OutcomeConnectError) outcome()  {}
func (OutcomeReadError) outcome()     {}
func (OutcomeProtocolError) outcome() {}
func (OutcomeResponse) outcome()      {}

// RewindableBody lets Next restore a request body's read position before
// retrying a 307/308 redirect. Tell records the current position; Rewind
// restores a previously recorded one. A body that cannot support this
// (e.g. a one-shot io.Reader with no seek capability) should return an
// error from either method, which Next turns into UnrewindableBodyError.
type RewindableBody interface {
	Tell() (int64, error)
	Rewind(pos int64) error
}

// HeaderMutation describes one header-list change to apply before the next
// attempt. Currently only removal is needed (cross-origin redirect
// scrubbing); it is a struct rather than a bare string slice so future
// mutation kinds (e.g. rewriting Host) have somewhere to go.
type HeaderMutation struct {
	Remove string
}

// Decision is what Next returns: end the attempt loop with the current
// response, end it by raising an error, or retry against a (possibly new)
// target with a (possibly mutated) header list after a delay.
type Decision interface{ decision() }

// DecisionReturn means: hand the current response back to the caller as
// final.
type DecisionReturn struct{}

// DecisionRaise means: stop and surface Err.
type DecisionRaise struct{ Err error }

// DecisionRetry means: sleep Delay, apply HeaderMutations, target
// NewTarget (nil means unchanged), and re-issue under Next. NewMethod is
// non-empty only for a redirect that rewrites the method (303, or 301/302
// on a non-HEAD/GET request); DropBody accompanies it to signal the
// request body must be discarded rather than resent.
type DecisionRetry struct {
	Next            Policy
	NewTarget       *url.URL
	HeaderMutations []HeaderMutation
	NewMethod       string
	DropBody        bool
	Delay           time.Duration
}

func (DecisionReturn) decision() {}
func (DecisionRaise) decision()  {}
func (DecisionRetry) decision()  {}

// Next implements the five ordered retry/redirect rules. currentURL is the
// URL the just-finished attempt was made against.
func (p Policy) Next(o Outcome, currentURL *url.URL) Decision {
	attempt := len(p.History) + 1

	switch out := o.(type) {
	case OutcomeSuccess:
		return DecisionReturn{}

	case OutcomeConnectError:
		return p.retryOnError(out.Err, "connect", p.Connect, currentURL, attempt)
	case OutcomeReadError:
		return p.retryOnError(out.Err, "read", p.Read, currentURL, attempt)
	case OutcomeProtocolError:
		return p.retryOnError(out.Err, "other", p.Other, currentURL, attempt)

	case OutcomeResponse:
		return p.nextForResponse(out, currentURL, attempt)
	}
	return DecisionReturn{}
}

// retryOnError implements rule 2 for the three error outcome kinds: a zero
// remaining sub-budget or zero total budget raises; otherwise it retries
// the same target after an exponential backoff delay.
func (p Policy) retryOnError(cause error, kind string, subBudget int, currentURL *url.URL, attempt int) Decision {
	if subBudget <= 0 || p.Total <= 0 {
		return DecisionRaise{Err: errors.NewMaxRetryError(currentURL.String(), attempt, cause)}
	}

	next := p
	next.Total--
	switch kind {
	case "connect":
		next.Connect--
	case "read":
		next.Read--
	default:
		next.Other--
	}
	next.History = appendHistory(p.History, HistoryEntry{URL: currentURL, Err: cause})

	return DecisionRetry{
		Next:      next,
		NewTarget: currentURL,
		Delay:     p.backoffDelay(attempt),
	}
}

// nextForResponse implements rules 1, 3, 4, and 5 for an HTTP response
// outcome.
func (p Policy) nextForResponse(out OutcomeResponse, currentURL *url.URL, attempt int) Decision {
	forcelisted := p.StatusForcelist[out.Status] && p.MethodWhitelist[out.Method]
	location := out.Headers.Get("Location")
	redirectable := redirectStatusCodes[out.Status] && location != "" && p.Redirect > 0

	// Rule 1: success / non-retriable status.
	if !forcelisted && !redirectable {
		return DecisionReturn{}
	}

	if forcelisted {
		return p.nextForForcelistedStatus(out, currentURL, attempt)
	}
	return p.nextForRedirect(out, currentURL, location, attempt)
}

// nextForForcelistedStatus is rule 3.
func (p Policy) nextForForcelistedStatus(out OutcomeResponse, currentURL *url.URL, attempt int) Decision {
	wouldExhaust := p.Status-1 < 0 || p.Total-1 < 0
	if p.RaiseOnStatus && wouldExhaust {
		return DecisionRaise{Err: errors.NewMaxRetryError(currentURL.String(), attempt,
			fmt.Errorf("status %d in forcelist, retry budget exhausted", out.Status))}
	}

	delay := p.retryAfterDelay(out.Headers, out.Status, attempt)

	next := p
	next.Status--
	next.Total--
	next.History = appendHistory(p.History, HistoryEntry{Method: out.Method, URL: currentURL, Status: out.Status})

	return DecisionRetry{Next: next, NewTarget: currentURL, Delay: delay}
}

// nextForRedirect is rule 4.
func (p Policy) nextForRedirect(out OutcomeResponse, currentURL *url.URL, location string, attempt int) Decision {
	newURL, err := currentURL.Parse(location)
	if err != nil {
		return DecisionRaise{Err: errors.NewProtocolError(fmt.Sprintf("invalid redirect Location %q", location), err)}
	}

	crossOrigin := !sameOrigin(currentURL, newURL)
	var mutations []HeaderMutation
	if crossOrigin {
		for _, h := range p.RemoveHeadersOnRedirect {
			mutations = append(mutations, HeaderMutation{Remove: h})
		}
	}

	newMethod := out.Method
	dropBody := false
	if out.Status == 303 || ((out.Status == 301 || out.Status == 302) && out.Method != "HEAD" && out.Method != "GET") {
		newMethod = "GET"
		dropBody = true
	}

	if (out.Status == 307 || out.Status == 308) && out.HasBody && !dropBody {
		if err := rewind(out.Body); err != nil {
			return DecisionRaise{Err: errors.NewUnrewindableBodyError(err)}
		}
	}

	newRedirect := p.Redirect - 1
	newTotal := p.Total - 1
	if newRedirect <= 0 || newTotal <= 0 {
		if p.RaiseOnRedirect {
			return DecisionRaise{Err: errors.NewMaxRetryError(currentURL.String(), attempt,
				fmt.Errorf("redirect budget exhausted at %d", out.Status))}
		}
		return DecisionReturn{}
	}

	next := p
	next.Redirect = newRedirect
	next.Total = newTotal
	next.History = appendHistory(p.History, HistoryEntry{
		Method: out.Method, URL: currentURL, Status: out.Status, RedirectLocation: newURL,
	})

	decision := DecisionRetry{Next: next, NewTarget: newURL, HeaderMutations: mutations, DropBody: dropBody}
	if newMethod != out.Method {
		decision.NewMethod = newMethod
	}
	return decision
}

// rewind asks body to record then immediately restore its current position,
// surfacing any error either call produces. A nil body (redirect carries no
// body to rewind) is trivially rewindable.
func rewind(body RewindableBody) error {
	if body == nil {
		return nil
	}
	pos, err := body.Tell()
	if err != nil {
		return err
	}
	return body.Rewind(pos)
}

func sameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && a.Host == b.Host
}

func appendHistory(h []HistoryEntry, entry HistoryEntry) []HistoryEntry {
	next := make([]HistoryEntry, len(h), len(h)+1)
	copy(next, h)
	return append(next, entry)
}

// retryAfterDelay computes the backoff for a status-forcelist retry:
// Retry-After is honored only for the canonical Retry-After status codes
// (413, 429, 503); every other case falls back to exponential backoff.
func (p Policy) retryAfterDelay(headers http.Header, status int, attempt int) time.Duration {
	if p.RespectRetryAfter && retryAfterStatusCodes[status] {
		if d, ok := parseRetryAfter(headers.Get("Retry-After")); ok {
			return d
		}
	}
	return p.backoffDelay(attempt)
}

// backoffDelay computes min(cap, factor * 2^(attempt-1)).
func (p Policy) backoffDelay(attempt int) time.Duration {
	if p.BackoffFactor <= 0 {
		return 0
	}
	seconds := p.BackoffFactor * math.Pow(2, float64(attempt-1))
	d := time.Duration(seconds * float64(time.Second))
	if p.BackoffMax > 0 && d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// parseRetryAfter parses a Retry-After header value as either an integer
// number of seconds or an HTTP-date, floored at zero.
func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// BufferRewinder adapts a fully-materialized pkg/buffer.Buffer request body
// to RewindableBody. Because the whole body already lives in the Buffer (in
// memory or spilled to disk), rewinding never fails: the next read simply
// starts a fresh Reader from the top.
type BufferRewinder struct {
	Buf *buffer.Buffer
}

func (BufferRewinder) Tell() (int64, error) { return 0, nil }
func (BufferRewinder) Rewind(int64) error   { return nil }

// CanonicalHeaderName exposes the canonical header-name form http.Header
// uses for its keys (and so for the header.Del calls that apply a
// redirect's HeaderMutations), so callers building a RemoveHeadersOnRedirect
// list or scrubbing a header map get the same normalization.
func CanonicalHeaderName(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}
