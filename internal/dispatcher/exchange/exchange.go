// Package exchange defines the dispatcher-side request value and the queue
// descriptor it was pulled from.
package exchange

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/jorviizheng/thr/internal/wire"
)

// Queue describes one Redis source the dispatcher drains, the upstream HTTP
// worker it feeds, and how many puller goroutines to run against it.
type Queue struct {
	Name string

	RedisHost       string
	RedisPort       int
	RedisUnixSocket string
	ListNames       []string

	UpstreamHost       string
	UpstreamPort       int
	UpstreamUnixSocket string

	Workers int

	MaxLifetime time.Duration
}

// Endpoint returns the dial target Redis this queue's lists live on, for
// grouping queues sharing a connection.
func (q Queue) Endpoint() string {
	if q.RedisUnixSocket != "" {
		return "unix:" + q.RedisUnixSocket
	}
	return q.RedisHost
}

// UpstreamForceHost returns the "host:port" (or unix-socket) form of this
// queue's upstream worker, the value deserialization must force the
// request's Host to per spec.md §4.1, preserving the client-supplied Host
// in X-Forwarded-Host.
func (q Queue) UpstreamForceHost() string {
	if q.UpstreamUnixSocket != "" {
		return "unix:" + q.UpstreamUnixSocket
	}
	return q.UpstreamHost + ":" + strconv.Itoa(q.UpstreamPort)
}

// RequestExchange is a request pulled off the bus: its raw bytes plus the
// lazily-decoded request it describes. The scheduler keeps it keyed by a
// generated id in its running/blocked bookkeeping maps.
type RequestExchange struct {
	ID string

	Source     *Queue
	SourceList string

	Raw []byte

	PulledAt time.Time

	request *wire.Request
	decoded bool
}

// Request lazily decodes the raw bus payload, forcing the Host header to
// this exchange's upstream target and stashing the client-supplied Host in
// X-Forwarded-Host per spec.md §4.1.
func (e *RequestExchange) Request() (*wire.Request, error) {
	if e.decoded {
		return e.request, nil
	}
	forceHost := ""
	if e.Source != nil {
		forceHost = e.Source.UpstreamForceHost()
	}
	req, err := wire.UnserializeRequest(e.Raw, forceHost)
	if err != nil {
		return nil, err
	}
	e.decoded = true
	e.request = req
	return req, nil
}

// ResponseKey returns the reply list name stashed in the request's extra
// bag by the frontend, or "" if absent (a malformed or frontend-less
// injection).
func (e *RequestExchange) ResponseKey() string {
	req, err := e.Request()
	if err != nil || req.Extra == nil {
		return ""
	}
	v, _ := req.Extra[wire.ExtraResponseKey].(string)
	return v
}

// RequestID returns the frontend-assigned request id, or "" if absent.
func (e *RequestExchange) RequestID() string {
	req, err := e.Request()
	if err != nil || req.Extra == nil {
		return ""
	}
	v, _ := req.Extra[wire.ExtraRequestID].(string)
	return v
}

// CreationTimeMs returns the frontend-stamped creation time in unix millis,
// or 0 if absent.
func (e *RequestExchange) CreationTimeMs() int64 {
	req, err := e.Request()
	if err != nil || req.Extra == nil {
		return 0
	}
	switch v := req.Extra[wire.ExtraCreationTime].(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case int64:
		return v
	default:
		return 0
	}
}

// Priority returns the frontend-assigned priority (1..99, default 50), or
// its default if absent.
func (e *RequestExchange) Priority() int {
	req, err := e.Request()
	if err != nil || req.Extra == nil {
		return 50
	}
	switch v := req.Extra[wire.ExtraPriority].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 50
	}
}

// SchedulingScore is the priority queues' ascending sort key: lower scores
// pop first. big*1e13 gives priority absolute precedence over local-queue
// wait time; within one priority band, wait time is computed live from
// PulledAt (it keeps growing for as long as the exchange sits in the heap)
// rather than from a value frozen at enqueue time.
func (e *RequestExchange) SchedulingScore() int64 {
	big := int64(99 - e.Priority())
	return big*1e13 + e.LifetimeInLocalQueueMs()
}

// LifetimeMs returns how long this exchange has existed since it was
// stamped by the frontend, in milliseconds.
func (e *RequestExchange) LifetimeMs() int64 {
	created := e.CreationTimeMs()
	if created == 0 {
		return 0
	}
	return time.Now().UnixMilli() - created
}

// LifetimeInLocalQueueMs returns how long this exchange has sat in the
// dispatcher's own blocked/local queue, as of now.
func (e *RequestExchange) LifetimeInLocalQueueMs() int64 {
	if e.PulledAt.IsZero() {
		return 0
	}
	return time.Since(e.PulledAt).Milliseconds()
}
