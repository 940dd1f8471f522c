package frontend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jorviizheng/thr/internal/metrics"
	"github.com/jorviizheng/thr/internal/rules"
	"github.com/jorviizheng/thr/internal/wire"
)

// fakeBus is an in-memory Bus stand-in: every LPush lands on pushed and
// every BRPopOnce reads from response, whatever the target or key.
type fakeBus struct {
	pushed   chan []byte
	response chan []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{pushed: make(chan []byte, 4), response: make(chan []byte, 4)}
}

func (b *fakeBus) LPush(ctx context.Context, target RedisTarget, value []byte) error {
	b.pushed <- value
	return nil
}

func (b *fakeBus) BRPopOnce(ctx context.Context, target RedisTarget, key string, block time.Duration) ([]byte, error) {
	select {
	case v := <-b.response:
		return v, nil
	case <-time.After(block):
		return nil, nil
	}
}

func newTestServer(bus Bus, timeout time.Duration) *Server {
	engine := rules.NewEngine(Getters(), Mutators())
	m := metrics.NewFrontend(prometheus.NewRegistry())
	cfg := ServerConfig{
		Timeout:       timeout,
		DefaultTarget: RedisTarget{Host: "localhost", Port: 6379, Queue: "thr:queue:in"},
	}
	return NewServer(cfg, bus, engine, m, zap.NewNop())
}

func TestHandleRoundTripSuccess(t *testing.T) {
	bus := newFakeBus()
	srv := newTestServer(bus, 2*time.Second)

	go func() {
		raw := <-bus.pushed
		req, err := wire.UnserializeRequest(raw, "")
		require.NoError(t, err)
		responseKey, _ := req.Extra[wire.ExtraResponseKey].(string)
		require.NotEmpty(t, responseKey)
		resp := &wire.Response{StatusCode: 200, Body: []byte("hello")}
		payload, err := wire.SerializeResponse(resp, "", nil)
		require.NoError(t, err)
		bus.response <- payload
	}()

	req := httptest.NewRequest(http.MethodGet, "/foo", nil)
	w := httptest.NewRecorder()
	srv.handle(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
}

func TestHandleTimeoutReplies504(t *testing.T) {
	bus := newFakeBus()
	srv := newTestServer(bus, 30*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/foo", nil)
	w := httptest.NewRecorder()
	srv.handle(w, req)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "no reply from the backend", w.Body.String())
}

func TestHandleNullQueueReplies404(t *testing.T) {
	bus := newFakeBus()
	srv := newTestServer(bus, time.Second)
	srv.cfg.DefaultTarget.Queue = NullQueue

	req := httptest.NewRequest(http.MethodGet, "/foo", nil)
	w := httptest.NewRecorder()
	srv.handle(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no redis queue set", w.Body.String())
}

func TestHandleRuleShortCircuit(t *testing.T) {
	bus := newFakeBus()
	engine := rules.NewEngine(Getters(), Mutators())
	engine.AddRule(&rules.Rule[*HTTPExchange]{
		Criteria: rules.NewCriteria[*HTTPExchange]().With("path", "/blocked"),
		Actions:  rules.NewActions[*HTTPExchange]().With("set_status_code", 403),
		Stop:     true,
	})
	m := metrics.NewFrontend(prometheus.NewRegistry())
	cfg := ServerConfig{Timeout: time.Second, DefaultTarget: RedisTarget{Queue: "thr:queue:in"}}
	srv := NewServer(cfg, bus, engine, m, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/blocked", nil)
	w := httptest.NewRecorder()
	srv.handle(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	select {
	case <-bus.pushed:
		t.Fatal("short-circuited request must not reach the bus")
	default:
	}
}
