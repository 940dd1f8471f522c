package frontend

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jorviizheng/thr/internal/metrics"
	"github.com/jorviizheng/thr/internal/rules"
	"github.com/jorviizheng/thr/internal/wire"
)

// NullQueue is the reserved redis queue name meaning "reply without ever
// touching the bus".
const NullQueue = "null"

const responseKeyPrefix = "thr:queue:response:"

// ServerConfig holds the frontend's per-instance tunables, mirroring the
// spec's --timeout / --proxy-ip / --port / --unix_socket / --backlog flags.
type ServerConfig struct {
	Port       int
	UnixSocket string
	Backlog    int

	Timeout       time.Duration
	ProxyIP       string
	DefaultTarget RedisTarget
	ForceHost     string
}

// Server is the http2redis HTTP listener. It runs the input-phase rule
// engine on every inbound request, serializes onto the bus, blocks for a
// reply, runs the output-phase rule engine, and replies.
type Server struct {
	cfg     ServerConfig
	bus     Bus
	engine  *rules.Engine[*HTTPExchange]
	metrics *metrics.Frontend
	log     *zap.Logger
	http    *http.Server
}

// NewServer wires a Server from its collaborators. engine is expected to
// have been built from Getters()/Mutators() and populated with the
// configured rule set.
func NewServer(cfg ServerConfig, bus Bus, engine *rules.Engine[*HTTPExchange], m *metrics.Frontend, log *zap.Logger) *Server {
	s := &Server{cfg: cfg, bus: bus, engine: engine, metrics: m, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.http = &http.Server{Handler: mux}
	return s
}

// ListenAndServe starts up to two listeners -- a TCP one bound to cfg.Port
// (skipped entirely when Port is 0) and a Unix domain socket one bound to
// cfg.UnixSocket (skipped when empty) -- and serves both off the same
// http.Server until one errors or Shutdown is called.
func (s *Server) ListenAndServe() error {
	if s.cfg.Port == 0 && s.cfg.UnixSocket == "" {
		return fmt.Errorf("frontend: neither --port nor --unix_socket configured, nothing to listen on")
	}

	var listeners []net.Listener
	if s.cfg.Port != 0 {
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		l, err := listenTCPWithBacklog(addr, s.cfg.Backlog)
		if err != nil {
			return err
		}
		s.log.Info("frontend listening", zap.String("addr", addr), zap.Int("backlog", s.cfg.Backlog))
		listeners = append(listeners, l)
	}
	if s.cfg.UnixSocket != "" {
		l, err := listenUnixSocket(s.cfg.UnixSocket)
		if err != nil {
			for _, prior := range listeners {
				prior.Close()
			}
			return err
		}
		s.log.Info("frontend listening", zap.String("unix_socket", s.cfg.UnixSocket))
		listeners = append(listeners, l)
	}

	errCh := make(chan error, len(listeners))
	for _, l := range listeners {
		l := l
		go func() {
			err := s.http.Serve(l)
			if err == http.ErrServerClosed {
				err = nil
			}
			errCh <- err
		}()
	}

	for range listeners {
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}

// Shutdown gracefully drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, err := readRequest(r)
	if err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	if s.cfg.ForceHost != "" {
		req.Host = s.cfg.ForceHost
	}

	ex := NewExchange(req, s.cfg.DefaultTarget)
	ex.RemoteIP = remoteIP(r)

	ex.MatchedRules = s.engine.ExecuteInput(ex)

	outcome := s.dispatch(r.Context(), ex)
	s.writeResponse(w, ex)
	s.metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
	s.metrics.RequestsTotal.WithLabelValues(outcome).Inc()
}

// dispatch implements the exact branch logic: short-circuit on a
// rule-assigned status code, reply 404 for the "null" queue, or round-trip
// through the bus with timeout/error handling. It returns a label used only
// for metrics.
func (s *Server) dispatch(ctx context.Context, ex *HTTPExchange) string {
	if ex.Response.StatusCode != 0 {
		s.engine.ExecuteOutput(ex, ex.MatchedRules)
		return "short_circuit"
	}

	if ex.Redis.Queue == NullQueue {
		ex.Response.StatusCode = http.StatusNotFound
		ex.OutputDefaultBody = "no redis queue set"
		s.engine.ExecuteOutput(ex, ex.MatchedRules)
		return "no_queue"
	}

	responseKey := responseKeyPrefix + uuid.New().String()
	if ex.KeyValues == nil {
		ex.KeyValues = make(map[string]interface{})
	}
	ex.KeyValues[wire.ExtraResponseKey] = responseKey
	ex.KeyValues[wire.ExtraPriority] = ex.Priority
	ex.KeyValues[wire.ExtraCreationTime] = time.Now().UnixMilli()
	ex.KeyValues[wire.ExtraRequestID] = ex.RequestID

	payload, err := wire.SerializeRequest(ex.Request, wire.SerializeOptions{
		Extra:    ex.KeyValues,
		ProxyIP:  s.cfg.ProxyIP,
		RemoteIP: ex.RemoteIP,
	})
	if err != nil {
		s.replyBusFailure(ex)
		return "serialize_error"
	}

	if err := s.bus.LPush(ctx, ex.Redis, payload); err != nil {
		s.log.Warn("bus write failed", zap.Error(err), zap.String("queue", ex.Redis.Queue))
		s.metrics.BusWriteErrors.Inc()
		s.replyBusFailure(ex)
		return "bus_write_failed"
	}

	deadline := time.Now().Add(s.cfg.Timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			ex.Response.StatusCode = http.StatusGatewayTimeout
			ex.OutputDefaultBody = "no reply from the backend"
			s.engine.ExecuteOutput(ex, ex.MatchedRules)
			return "timeout"
		}
		block := time.Second
		if remaining < block {
			block = remaining
		}
		data, err := s.bus.BRPopOnce(ctx, ex.Redis, responseKey, block)
		if err != nil {
			s.log.Warn("bus read failed", zap.Error(err), zap.String("response_key", responseKey))
			continue
		}
		if data == nil {
			continue
		}
		resp, err := wire.UnserializeResponse(data)
		if err != nil {
			s.replyBusFailure(ex)
			return "malformed_reply"
		}
		if resp.StatusCode == 599 {
			resp.StatusCode = http.StatusGatewayTimeout
		}
		ex.Response.StatusCode = resp.StatusCode
		ex.Response.Headers = resp.Headers
		ex.Response.Body = resp.Body
		s.engine.ExecuteOutput(ex, ex.MatchedRules)
		return "ok"
	}
}

func (s *Server) replyBusFailure(ex *HTTPExchange) {
	ex.Response.StatusCode = http.StatusInternalServerError
	ex.OutputDefaultBody = "can't connect to bus"
	s.engine.ExecuteOutput(ex, ex.MatchedRules)
}

func (s *Server) writeResponse(w http.ResponseWriter, ex *HTTPExchange) {
	code := ex.Response.StatusCode
	if code == 0 {
		code = http.StatusInternalServerError
	}
	for _, h := range ex.Response.Headers {
		w.Header().Add(h.Name, h.Value)
	}
	body := ex.Response.Body
	if len(body) == 0 && ex.OutputDefaultBody != "" {
		body = []byte(ex.OutputDefaultBody)
	}
	w.WriteHeader(code)
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
}

func readRequest(r *http.Request) (*wire.Request, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	headers := make([]wire.Header, 0, len(r.Header))
	for name, values := range r.Header {
		for _, v := range values {
			headers = append(headers, wire.Header{Name: name, Value: v})
		}
	}
	return &wire.Request{
		Method:         r.Method,
		Path:           r.URL.Path,
		Host:           r.Host,
		QueryArguments: map[string][]string(r.URL.Query()),
		Headers:        headers,
		Body:           body,
	}, nil
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
