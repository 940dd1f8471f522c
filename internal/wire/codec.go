// Package wire implements the bidirectional serialization of an HTTP
// request/response exchange to and from the compact JSON envelope carried
// on the Redis bus.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// ErrMalformedEnvelope is returned when a bus message cannot be decoded into
// a valid request or response envelope. Callers should drop the message and
// log a warning rather than treat it as fatal.
var ErrMalformedEnvelope = errors.New("wire: malformed envelope")

// AutoProxyIP is the sentinel value that requests automatic detection of the
// local host IP for X-Forwarded-For augmentation.
const AutoProxyIP = "AUTO"

// Reserved extra keys, injected by the frontend once a request is accepted.
const (
	ExtraResponseKey  = "response_key"
	ExtraPriority     = "priority"
	ExtraCreationTime = "creation_time"
	ExtraRequestID    = "request_id"
)

// Header is a single (name, value) pair. Headers are carried as an ordered
// list so that duplicate header names round-trip as distinct entries rather
// than being comma-joined.
type Header struct {
	Name  string
	Value string
}

// Request is the decoded form of the request envelope.
type Request struct {
	Method         string
	Path           string
	Host           string
	QueryArguments map[string][]string
	Headers        []Header
	Body           []byte
	BodyLink       string
	Extra          map[string]interface{}
}

// Response is the decoded form of the response envelope.
type Response struct {
	StatusCode int
	Headers    []Header
	Body       []byte
	BodyLink   string
	Extra      map[string]interface{}
}

// wireHeader is the on-the-wire representation of a header: a two-element
// array, to keep the envelope compact and order-preserving.
type wireHeader [2]string

type requestEnvelope struct {
	Method         string                 `json:"method"`
	Path           string                 `json:"path"`
	Host           string                 `json:"host"`
	QueryArguments map[string][]string    `json:"query_arguments,omitempty"`
	Headers        []wireHeader           `json:"headers,omitempty"`
	Body           string                 `json:"body,omitempty"`
	BodyLink       string                 `json:"body_link,omitempty"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
}

type responseEnvelope struct {
	StatusCode int                    `json:"status_code"`
	Headers    []wireHeader           `json:"headers,omitempty"`
	Body       string                 `json:"body,omitempty"`
	BodyLink   string                 `json:"body_link,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// SerializeOptions configures request serialization.
type SerializeOptions struct {
	// BodyLink, if non-empty, is carried instead of Body. Body and BodyLink
	// are mutually exclusive.
	BodyLink string
	// Extra is injected verbatim into the envelope's extra bag.
	Extra map[string]interface{}
	// ProxyIP, if non-empty, is appended to (or used to synthesize)
	// X-Forwarded-For. The sentinel AutoProxyIP triggers local IP detection.
	ProxyIP string
	// RemoteIP is the client's address, used when synthesizing
	// X-Forwarded-For from scratch.
	RemoteIP string
}

// SerializeRequest encodes req as a JSON request envelope.
func SerializeRequest(req *Request, opts SerializeOptions) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("wire: nil request: %w", ErrMalformedEnvelope)
	}
	headers := append([]Header(nil), req.Headers...)
	proxyIP := opts.ProxyIP
	if proxyIP == AutoProxyIP {
		proxyIP = localIP()
	}
	if proxyIP != "" {
		headers = appendForwardedFor(headers, opts.RemoteIP, proxyIP)
	}
	env := requestEnvelope{
		Method:  req.Method,
		Path:    req.Path,
		Host:    req.Host,
		Headers: toWireHeaders(headers),
		Extra:   mergeExtra(req.Extra, opts.Extra),
	}
	if len(req.QueryArguments) > 0 {
		env.QueryArguments = req.QueryArguments
	}
	if opts.BodyLink != "" {
		env.BodyLink = opts.BodyLink
	} else if len(req.Body) > 0 {
		env.Body = base64.StdEncoding.EncodeToString(req.Body)
	}
	return json.Marshal(env)
}

// appendForwardedFor mutates (a copy of) headers to add or extend
// X-Forwarded-For with proxyIP, per spec: existing header gets ", <proxyIP>"
// appended; otherwise a new header "<remoteIP>, <proxyIP>" is synthesized.
func appendForwardedFor(headers []Header, remoteIP, proxyIP string) []Header {
	for i := range headers {
		if equalFoldHeader(headers[i].Name, "X-Forwarded-For") {
			headers[i].Value = headers[i].Value + ", " + proxyIP
			return headers
		}
	}
	return append(headers, Header{Name: "X-Forwarded-For", Value: remoteIP + ", " + proxyIP})
}

func equalFoldHeader(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

func toWireHeaders(headers []Header) []wireHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]wireHeader, len(headers))
	for i, h := range headers {
		out[i] = wireHeader{h.Name, h.Value}
	}
	return out
}

func fromWireHeaders(headers []wireHeader) []Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]Header, len(headers))
	for i, h := range headers {
		out[i] = Header{Name: h[0], Value: h[1]}
	}
	return out
}

func mergeExtra(base, extra map[string]interface{}) map[string]interface{} {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// methodsRequiringBody are methods for which an absent body (and absent
// body_link) would otherwise produce an empty-body quirk in common HTTP
// clients; the deserializer injects an empty body for these.
var methodsRequiringBody = map[string]bool{
	"POST":  true,
	"PUT":   true,
	"PATCH": true,
}

// UnserializeRequest decodes a request envelope. forceHost, when non-empty,
// replaces the envelope's Host header value; the original host is preserved
// in X-Forwarded-Host.
func UnserializeRequest(data []byte, forceHost string) (*Request, error) {
	var env requestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: decode request: %w: %v", ErrMalformedEnvelope, err)
	}
	if env.Method == "" || env.Path == "" || env.Host == "" {
		return nil, fmt.Errorf("wire: missing required field: %w", ErrMalformedEnvelope)
	}
	originalHost := env.Host
	effectiveHost := env.Host
	headers := fromWireHeaders(env.Headers)
	filtered := headers[:0:0]
	for _, h := range headers {
		if equalFoldHeader(h.Name, "Host") {
			continue
		}
		filtered = append(filtered, h)
	}
	if forceHost != "" {
		effectiveHost = forceHost
		filtered = append(filtered, Header{Name: "X-Forwarded-Host", Value: originalHost})
	}
	filtered = append(filtered, Header{Name: "Host", Value: effectiveHost})

	req := &Request{
		Method:         env.Method,
		Path:           env.Path,
		Host:           effectiveHost,
		QueryArguments: env.QueryArguments,
		Headers:        filtered,
		Extra:          env.Extra,
	}
	switch {
	case env.BodyLink != "":
		req.BodyLink = env.BodyLink
	case env.Body != "":
		body, err := base64.StdEncoding.DecodeString(env.Body)
		if err != nil {
			return nil, fmt.Errorf("wire: decode body: %w: %v", ErrMalformedEnvelope, err)
		}
		req.Body = body
	default:
		if methodsRequiringBody[req.Method] {
			req.Body = []byte{}
		}
	}
	return req, nil
}

// SerializeResponse encodes resp as a JSON response envelope.
func SerializeResponse(resp *Response, bodyLink string, extra map[string]interface{}) ([]byte, error) {
	if resp == nil {
		return nil, fmt.Errorf("wire: nil response: %w", ErrMalformedEnvelope)
	}
	env := responseEnvelope{
		StatusCode: resp.StatusCode,
		Headers:    toWireHeaders(resp.Headers),
		Extra:      mergeExtra(resp.Extra, extra),
	}
	if bodyLink != "" {
		env.BodyLink = bodyLink
	} else {
		env.Body = base64.StdEncoding.EncodeToString(resp.Body)
	}
	return json.Marshal(env)
}

// UnserializeResponse decodes a response envelope.
func UnserializeResponse(data []byte) (*Response, error) {
	var env responseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: decode response: %w: %v", ErrMalformedEnvelope, err)
	}
	resp := &Response{
		StatusCode: env.StatusCode,
		Headers:    fromWireHeaders(env.Headers),
		Extra:      env.Extra,
	}
	if env.BodyLink != "" {
		resp.BodyLink = env.BodyLink
	} else if env.Body != "" {
		body, err := base64.StdEncoding.DecodeString(env.Body)
		if err != nil {
			return nil, fmt.Errorf("wire: decode body: %w: %v", ErrMalformedEnvelope, err)
		}
		resp.Body = body
	}
	return resp, nil
}
