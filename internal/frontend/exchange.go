// Package frontend implements the HTTP→Bus half of the dispatcher: the
// HTTPExchange value, its getter/mutator dispatch tables used by the rule
// engine, and the HTTP server that runs the rule engine and bridges to the
// Redis bus.
package frontend

import (
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/jorviizheng/thr/internal/rules"
	"github.com/jorviizheng/thr/internal/wire"
)

// ResponseBuilder is the mutable response-under-construction carried on an
// HTTPExchange.
type ResponseBuilder struct {
	StatusCode int
	Headers    []wire.Header
	Body       []byte
}

// RedisTarget names where an admitted exchange's request is pushed.
type RedisTarget struct {
	Host       string
	Port       int
	UnixSocket string
	Queue      string
}

// HTTPExchange is the frontend's per-request value: the inbound request,
// the response under construction, routing/priority metadata, and a
// free-form key/value bag for rule actions to stash data in.
//
// It is created per inbound HTTP request, mutated by rule actions and by
// response readback, and discarded after the HTTP reply is flushed.
type HTTPExchange struct {
	Request  *wire.Request
	Response ResponseBuilder

	Priority  int
	RequestID string

	Redis RedisTarget

	OutputDefaultBody string
	RemoteIP          string

	KeyValues map[string]interface{}

	// MatchedRules memoizes the input-phase matched rule indices so the
	// output phase runs exactly the same subset without re-matching.
	MatchedRules []int
}

// NewExchange builds an HTTPExchange for an inbound request, applying the
// frontend's configured defaults for Redis routing.
func NewExchange(req *wire.Request, defaultTarget RedisTarget) *HTTPExchange {
	return &HTTPExchange{
		Request:   req,
		Priority:  50,
		RequestID: uuid.New().String(),
		Redis:     defaultTarget,
		KeyValues: make(map[string]interface{}),
	}
}

// --- Criterion getters (the "get_*" attribute surface) ---

func (ex *HTTPExchange) GetMethod() string { return ex.Request.Method }
func (ex *HTTPExchange) GetPath() string   { return ex.Request.Path }
func (ex *HTTPExchange) GetHost() string   { return ex.Request.Host }
func (ex *HTTPExchange) GetRemoteIP() string {
	return ex.RemoteIP
}

// GetRealIP returns the X-Real-IP header value when present, else falls
// back to RemoteIP.
func (ex *HTTPExchange) GetRealIP() string {
	for _, h := range ex.Request.Headers {
		if h.Name == "X-Real-IP" {
			return h.Value
		}
	}
	return ex.RemoteIP
}

// --- Action mutators (the "set_*"/"add_*"/"del_*" surface) ---

func (ex *HTTPExchange) SetInputHeader(pair [2]string) {
	ex.replaceHeader(&ex.Request.Headers, pair[0], pair[1])
}

func (ex *HTTPExchange) AddInputHeader(pair [2]string) {
	ex.Request.Headers = append(ex.Request.Headers, wire.Header{Name: pair[0], Value: pair[1]})
}

func (ex *HTTPExchange) DelInputHeader(name string) {
	ex.deleteHeader(&ex.Request.Headers, name)
}

func (ex *HTTPExchange) SetOutputHeader(pair [2]string) {
	ex.replaceHeader(&ex.Response.Headers, pair[0], pair[1])
}

func (ex *HTTPExchange) AddOutputHeader(pair [2]string) {
	ex.Response.Headers = append(ex.Response.Headers, wire.Header{Name: pair[0], Value: pair[1]})
}

func (ex *HTTPExchange) DelOutputHeader(name string) {
	ex.deleteHeader(&ex.Response.Headers, name)
}

func (ex *HTTPExchange) SetStatusCode(code int) {
	ex.Response.StatusCode = code
}

func (ex *HTTPExchange) SetInputPriority(p int) {
	if p < 1 {
		p = 1
	}
	if p > 99 {
		p = 99
	}
	ex.Priority = p
}

func (ex *HTTPExchange) SetRedisQueue(name string)  { ex.Redis.Queue = name }
func (ex *HTTPExchange) SetRedisHost(host string)   { ex.Redis.Host = host }
func (ex *HTTPExchange) SetRedisPort(port int)      { ex.Redis.Port = port }
func (ex *HTTPExchange) SetRedisUnixSocket(p string) { ex.Redis.UnixSocket = p }

func (ex *HTTPExchange) SetPath(path string)     { ex.Request.Path = path }
func (ex *HTTPExchange) SetMethod(method string) { ex.Request.Method = method }
func (ex *HTTPExchange) SetHost(host string)     { ex.Request.Host = host }
func (ex *HTTPExchange) SetRemoteIP(ip string)   { ex.RemoteIP = ip }

func (ex *HTTPExchange) SetInputBody(body []byte)  { ex.Request.Body = body }
func (ex *HTTPExchange) SetOutputBody(body []byte) { ex.Response.Body = body }

func (ex *HTTPExchange) SetOutputDefaultBody(body string) { ex.OutputDefaultBody = body }

func (ex *HTTPExchange) SetQueryString(raw string) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return
	}
	ex.Request.QueryArguments = map[string][]string(values)
}

func (ex *HTTPExchange) AddQueryStringArg(pair [2]string) {
	if ex.Request.QueryArguments == nil {
		ex.Request.QueryArguments = map[string][]string{}
	}
	ex.Request.QueryArguments[pair[0]] = append(ex.Request.QueryArguments[pair[0]], pair[1])
}

func (ex *HTTPExchange) SetQueryStringArg(pair [2]string) {
	if ex.Request.QueryArguments == nil {
		ex.Request.QueryArguments = map[string][]string{}
	}
	ex.Request.QueryArguments[pair[0]] = []string{pair[1]}
}

func (ex *HTTPExchange) DelQueryStringArg(name string) {
	delete(ex.Request.QueryArguments, name)
}

func (ex *HTTPExchange) SetCustomValue(pair [2]string) {
	ex.KeyValues[pair[0]] = pair[1]
}

func (ex *HTTPExchange) DelCustomValue(name string) {
	delete(ex.KeyValues, name)
}

func (ex *HTTPExchange) replaceHeader(headers *[]wire.Header, name, value string) {
	for i := range *headers {
		if (*headers)[i].Name == name {
			(*headers)[i].Value = value
			return
		}
	}
	*headers = append(*headers, wire.Header{Name: name, Value: value})
}

func (ex *HTTPExchange) deleteHeader(headers *[]wire.Header, name string) {
	out := (*headers)[:0]
	for _, h := range *headers {
		if h.Name != name {
			out = append(out, h)
		}
	}
	*headers = out
}

// Getters/Mutators build the rule engine's dispatch tables in a fixed,
// stable order (see rules.Engine's ordering guarantee).
func Getters() []rules.GetterEntry[*HTTPExchange] {
	return []rules.GetterEntry[*HTTPExchange]{
		{Name: "method", Fn: (*HTTPExchange).GetMethod},
		{Name: "path", Fn: (*HTTPExchange).GetPath},
		{Name: "host", Fn: (*HTTPExchange).GetHost},
		{Name: "remote_ip", Fn: (*HTTPExchange).GetRemoteIP},
		{Name: "real_ip", Fn: (*HTTPExchange).GetRealIP},
	}
}

func Mutators() []rules.MutatorEntry[*HTTPExchange] {
	return []rules.MutatorEntry[*HTTPExchange]{
		{Name: "set_input_header", Fn: mutatePair((*HTTPExchange).SetInputHeader)},
		{Name: "add_input_header", Fn: mutatePair((*HTTPExchange).AddInputHeader)},
		{Name: "del_input_header", Fn: mutateString((*HTTPExchange).DelInputHeader)},
		{Name: "set_output_header", Fn: mutatePair((*HTTPExchange).SetOutputHeader)},
		{Name: "add_output_header", Fn: mutatePair((*HTTPExchange).AddOutputHeader)},
		{Name: "del_output_header", Fn: mutateString((*HTTPExchange).DelOutputHeader)},
		{Name: "set_status_code", Fn: mutateInt((*HTTPExchange).SetStatusCode)},
		{Name: "set_input_priority", Fn: mutateInt((*HTTPExchange).SetInputPriority)},
		{Name: "set_redis_queue", Fn: mutateString((*HTTPExchange).SetRedisQueue)},
		{Name: "set_redis_host", Fn: mutateString((*HTTPExchange).SetRedisHost)},
		{Name: "set_redis_port", Fn: mutateInt((*HTTPExchange).SetRedisPort)},
		{Name: "set_redis_unix_socket", Fn: mutateString((*HTTPExchange).SetRedisUnixSocket)},
		{Name: "set_path", Fn: mutateString((*HTTPExchange).SetPath)},
		{Name: "set_method", Fn: mutateString((*HTTPExchange).SetMethod)},
		{Name: "set_host", Fn: mutateString((*HTTPExchange).SetHost)},
		{Name: "set_remote_ip", Fn: mutateString((*HTTPExchange).SetRemoteIP)},
		{Name: "set_input_body", Fn: mutateBytes((*HTTPExchange).SetInputBody)},
		{Name: "set_output_body", Fn: mutateBytes((*HTTPExchange).SetOutputBody)},
		{Name: "set_output_default_body", Fn: mutateString((*HTTPExchange).SetOutputDefaultBody)},
		{Name: "set_query_string", Fn: mutateString((*HTTPExchange).SetQueryString)},
		{Name: "add_query_string_arg", Fn: mutatePair((*HTTPExchange).AddQueryStringArg)},
		{Name: "set_query_string_arg", Fn: mutatePair((*HTTPExchange).SetQueryStringArg)},
		{Name: "del_query_string_arg", Fn: mutateString((*HTTPExchange).DelQueryStringArg)},
		{Name: "set_custom_value", Fn: mutatePair((*HTTPExchange).SetCustomValue)},
		{Name: "del_custom_value", Fn: mutateString((*HTTPExchange).DelCustomValue)},
	}
}

func mutateString(fn func(*HTTPExchange, string)) rules.Mutator[*HTTPExchange] {
	return func(ex *HTTPExchange, value interface{}) {
		if s, ok := value.(string); ok {
			fn(ex, s)
		}
	}
}

func mutateInt(fn func(*HTTPExchange, int)) rules.Mutator[*HTTPExchange] {
	return func(ex *HTTPExchange, value interface{}) {
		switch v := value.(type) {
		case int:
			fn(ex, v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				fn(ex, n)
			}
		}
	}
}

func mutateBytes(fn func(*HTTPExchange, []byte)) rules.Mutator[*HTTPExchange] {
	return func(ex *HTTPExchange, value interface{}) {
		switch v := value.(type) {
		case []byte:
			fn(ex, v)
		case string:
			fn(ex, []byte(v))
		}
	}
}

func mutatePair(fn func(*HTTPExchange, [2]string)) rules.Mutator[*HTTPExchange] {
	return func(ex *HTTPExchange, value interface{}) {
		if p, ok := value.([2]string); ok {
			fn(ex, p)
		}
	}
}
