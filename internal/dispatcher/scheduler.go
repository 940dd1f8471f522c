// Package dispatcher implements the Bus→HTTP half of the system: per-queue
// pullers, the admission/process scheduler core, blocked-queue and
// bus-reinjection bookkeeping, the expiration sweeper, the stats writer, and
// the graceful shutdown state machine.
//
// The scheduler's mutable state (counters, blocked queues, bus-reinject
// queues, the running/blocked-exchange maps) is confined to the single
// goroutine running (*Scheduler).run; every other goroutine (pullers,
// upstream fetchers, bus-reinject writers) communicates with it over
// channels. The exceptions are scalars updated atomically: the shutdown
// phase, which pullers and writers read directly, and the bus-reinject
// total, which writers increment. This is what lets the conditional batch
// increment stay atomic without a lock: see internal/dispatcher/counter.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jorviizheng/thr/internal/dispatcher/counter"
	"github.com/jorviizheng/thr/internal/dispatcher/exchange"
	"github.com/jorviizheng/thr/internal/dispatcher/limits"
	"github.com/jorviizheng/thr/internal/metrics"
	"github.com/jorviizheng/thr/internal/wire"
)

// Config holds the dispatcher's runtime tunables, mirroring spec.md §6's
// redis2http CLI flag table.
type Config struct {
	Timeout               time.Duration
	MaxLifetime           time.Duration
	MaxLocalQueueLifetime time.Duration
	BlockedQueueMaxSize   int
	StatsFile             string
	StatsFrequency        time.Duration
	AddThrExtraHeaders    bool
}

type admitOutcome int

const (
	admitDropped admitOutcome = iota
	admitAdmitted
	admitBlockedOutcome
)

type runningEntry struct {
	start    time.Time
	ex       *exchange.RequestExchange
	counters []string
}

type blockedEntry struct {
	counterName string
	ex          *exchange.RequestExchange
}

type processResult struct {
	id       string
	counters []string
}

type pullRequest struct {
	endpoint Endpoint
	resp     chan *exchange.RequestExchange
}

type retryItem struct {
	endpoint Endpoint
	ex       *exchange.RequestExchange
}

type snapshotRequest struct {
	resp chan Snapshot
}

// LimitSnapshot is one row of the stats file's per-limit section.
type LimitSnapshot struct {
	Name         string `json:"limit"`
	Value        int    `json:"value,omitempty"`
	Blocks       int    `json:"blocks,omitempty"`
	GlobalValue  int    `json:"globalvalue,omitempty"`
	GlobalBlocks int    `json:"globalblocks,omitempty"`
	QueueSize    int    `json:"queue"`
}

// RunningSnapshot is one row of the stats file's running-request section.
type RunningSnapshot struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	AgeMs       int64  `json:"age_ms"`
	BigPriority int64  `json:"big_priority"`
}

// Snapshot is the dispatcher's point-in-time stats view, written to disk by
// the stats writer and also used internally to poll the running-exchange
// count during graceful shutdown.
type Snapshot struct {
	EpochMs             int64                 `json:"epoch_ms"`
	ShutdownPhase       int                   `json:"shutdown_phase"`
	BusReinjectQueues   map[string]int        `json:"bus_reinject_queues"`
	Running             []RunningSnapshot     `json:"running"`
	RunningCount        int                   `json:"running_count"`
	BlockedCount        int                   `json:"blocked_count"`
	TotalRequests       int64                 `json:"total_request_counter"`
	ExpiredRequests     int64                 `json:"expired_request_counter"`
	LocalReinjects      int64                 `json:"local_reinject_counter"`
	BusReinjects        int64                 `json:"bus_reinject_counter"`
	Limits              []LimitSnapshot       `json:"limits"`
}

// Scheduler owns the full dispatcher core described in spec.md §4.7.
type Scheduler struct {
	cfg     Config
	queues  []*exchange.Queue
	limits  *limits.Registry
	bus     Bus
	metrics *metrics.Dispatcher
	log     *zap.Logger

	counters *counter.Table

	admitCh            chan *exchange.RequestExchange
	processDoneCh      chan processResult
	busReinjectPullCh  chan pullRequest
	busReinjectRetryCh chan retryItem
	snapshotCh         chan snapshotRequest
	doneCh             chan struct{}

	shutdownPhase atomic.Int32

	pullersWG sync.WaitGroup
	writersWG sync.WaitGroup

	clientMu    sync.Mutex
	httpClients map[string]*http.Client

	// state confined to run()
	blockedQueues     map[string]*priorityQueue
	blockedExchanges  map[string]blockedEntry
	runningExchanges  map[string]runningEntry
	busReinjectQueues map[string]*priorityQueue
	busReinjectKeys   []Endpoint

	totals struct {
		total, expired, localReinject, busReinject int64
	}
}

// New constructs a Scheduler. Call Start to begin running it.
func New(cfg Config, queues []*exchange.Queue, limitsReg *limits.Registry, bus Bus, m *metrics.Dispatcher, log *zap.Logger) *Scheduler {
	s := &Scheduler{
		cfg:                cfg,
		queues:             queues,
		limits:             limitsReg,
		bus:                bus,
		metrics:            m,
		log:                log,
		counters:           counter.NewTable(),
		admitCh:            make(chan *exchange.RequestExchange, 64),
		processDoneCh:      make(chan processResult, 64),
		busReinjectPullCh:  make(chan pullRequest),
		busReinjectRetryCh: make(chan retryItem, 64),
		snapshotCh:         make(chan snapshotRequest),
		doneCh:             make(chan struct{}),
		httpClients:        make(map[string]*http.Client),
		blockedQueues:      make(map[string]*priorityQueue),
		blockedExchanges:   make(map[string]blockedEntry),
		runningExchanges:   make(map[string]runningEntry),
		busReinjectQueues:  make(map[string]*priorityQueue),
	}
	return s
}

// Start launches the pullers, the bus-reinject writers, and the scheduler's
// own event loop. It returns immediately.
func (s *Scheduler) Start() {
	endpoints := map[string]Endpoint{}
	for _, q := range s.queues {
		ep := endpointOf(q)
		endpoints[ep.Key()] = ep
		for i := 0; i < q.Workers; i++ {
			s.pullersWG.Add(1)
			go s.runPuller(q)
		}
	}
	for _, ep := range endpoints {
		s.busReinjectKeys = append(s.busReinjectKeys, ep)
		s.busReinjectQueues[ep.Key()] = newPriorityQueue()
		s.writersWG.Add(1)
		go s.runBusReinjectWriter(ep)
	}
	go s.run()
}

// Shutdown drives the five-phase shutdown state machine described in
// spec.md §4.7, blocking until the dispatcher has fully drained or ctx is
// cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.shutdownPhase.Store(1)
	s.log.Info("dispatcher shutdown: phase 1, stopping pullers")
	if err := waitOrCancel(ctx, &s.pullersWG); err != nil {
		return err
	}

	s.shutdownPhase.Store(2)
	s.log.Info("dispatcher shutdown: phase 2, expiration sweeper disabled")

	s.shutdownPhase.Store(3)
	s.log.Info("dispatcher shutdown: phase 3, draining running exchanges")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		snap := s.Snapshot()
		if snap.RunningCount == 0 {
			break
		}
		select {
		case <-ticker.C:
			s.log.Info("dispatcher shutdown: waiting on running exchanges", zap.Int("count", snap.RunningCount))
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.shutdownPhase.Store(4)
	s.log.Info("dispatcher shutdown: phase 4, draining bus-reinject writers")
	if err := waitOrCancel(ctx, &s.writersWG); err != nil {
		return err
	}

	s.shutdownPhase.Store(5)
	close(s.doneCh)
	s.log.Info("dispatcher shutdown: phase 5, stopped")
	return nil
}

func waitOrCancel(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a consistent point-in-time view of the scheduler's
// state, fetched by round-tripping through the run loop.
func (s *Scheduler) Snapshot() Snapshot {
	req := snapshotRequest{resp: make(chan Snapshot, 1)}
	select {
	case s.snapshotCh <- req:
		return <-req.resp
	case <-s.doneCh:
		return Snapshot{ShutdownPhase: int(s.shutdownPhase.Load())}
	}
}

func endpointOf(q *exchange.Queue) Endpoint {
	return Endpoint{Host: q.RedisHost, Port: q.RedisPort, UnixSocket: q.RedisUnixSocket}
}

// --- pullers ---

func (s *Scheduler) runPuller(q *exchange.Queue) {
	defer s.pullersWG.Done()
	endpoint := endpointOf(q)
	for {
		if s.shutdownPhase.Load() >= 1 {
			return
		}
		list, raw, err := s.bus.BRPop(context.Background(), endpoint, q.ListNames, 5*time.Second)
		if err != nil {
			s.log.Warn("redis pull error, retrying", zap.Error(err), zap.String("queue", q.Name))
			time.Sleep(5 * time.Second)
			continue
		}
		if raw == nil {
			continue
		}
		ex := &exchange.RequestExchange{
			ID:         uuid.New().String(),
			Source:     q,
			SourceList: list,
			Raw:        raw,
			PulledAt:   time.Now(),
		}
		s.admitCh <- ex
	}
}

// --- run loop ---

func (s *Scheduler) run() {
	sweepTicker := time.NewTicker(100 * time.Millisecond)
	defer sweepTicker.Stop()

	var statsC <-chan time.Time
	if s.cfg.StatsFrequency > 0 {
		statsTicker := time.NewTicker(s.cfg.StatsFrequency)
		defer statsTicker.Stop()
		statsC = statsTicker.C
	}

	for {
		select {
		case ex := <-s.admitCh:
			s.admit(ex, "")
		case res := <-s.processDoneCh:
			s.completeProcess(res)
		case <-sweepTicker.C:
			s.sweepExpired()
		case <-statsC:
			s.writeStats()
		case req := <-s.busReinjectPullCh:
			s.handleBusReinjectPull(req)
		case item := <-s.busReinjectRetryCh:
			s.enqueueBusReinjectAt(item.endpoint, item.ex)
		case req := <-s.snapshotCh:
			req.resp <- s.buildSnapshot()
		case <-s.doneCh:
			return
		}
	}
}

// admit is spec.md §4.7's Admit, called only from run's goroutine.
func (s *Scheduler) admit(ex *exchange.RequestExchange, chosenCounter string) (admitOutcome, []string) {
	req, err := ex.Request()
	if err != nil {
		s.log.Warn("dropping malformed envelope", zap.Error(err), zap.String("list", ex.SourceList))
		return admitDropped, nil
	}

	if ex.LifetimeMs() > s.cfg.MaxLifetime.Milliseconds() {
		s.dropExpired(ex)
		return admitDropped, nil
	}

	if s.shutdownPhase.Load() >= 2 {
		s.enqueueBusReinject(ex)
		return admitDropped, nil
	}

	conditions := s.limits.Conditions(req)
	ok, names := s.counters.ConditionalIncrement(conditions)
	if ok {
		delete(s.blockedExchanges, ex.ID)
		s.runningExchanges[ex.ID] = runningEntry{start: time.Now(), ex: ex, counters: names}
		s.metrics.RunningExchanges.Set(float64(len(s.runningExchanges)))
		s.totals.total++
		s.metrics.TotalRequests.Inc()
		go s.process(ex, req, names)
		return admitAdmitted, nil
	}

	target := chosenCounter
	if target == "" {
		target = s.pickSmallestBlockedQueue(names)
	}
	q := s.blockedQueueFor(target)
	if q.Len() >= s.cfg.BlockedQueueMaxSize {
		delete(s.blockedExchanges, ex.ID)
		s.enqueueBusReinject(ex)
		return admitBlockedOutcome, names
	}
	q.push(ex)
	s.blockedExchanges[ex.ID] = blockedEntry{counterName: target, ex: ex}
	s.metrics.BlockedExchanges.Set(float64(len(s.blockedExchanges)))
	return admitBlockedOutcome, names
}

func (s *Scheduler) pickSmallestBlockedQueue(names []string) string {
	best := names[0]
	bestLen := s.blockedQueueFor(best).Len()
	for _, name := range names[1:] {
		l := s.blockedQueueFor(name).Len()
		if l < bestLen {
			best, bestLen = name, l
		}
	}
	return best
}

func (s *Scheduler) blockedQueueFor(name string) *priorityQueue {
	q, ok := s.blockedQueues[name]
	if !ok {
		q = newPriorityQueue()
		s.blockedQueues[name] = q
	}
	return q
}

func (s *Scheduler) dropExpired(ex *exchange.RequestExchange) {
	if entry, ok := s.blockedExchanges[ex.ID]; ok {
		s.blockedQueueFor(entry.counterName).removeByRequestID(ex.ID)
		delete(s.blockedExchanges, ex.ID)
	}
	s.totals.expired++
	s.metrics.ExpiredRequests.Inc()
	s.log.Warn("dropping expired request", zap.String("request_id", ex.ID), zap.Int64("lifetime_ms", ex.LifetimeMs()))
}

// completeProcess handles the dispatcher's "process callback": remove from
// running-exchanges, decrement every counter obtained on admission, and
// give each counter's blocked queue a chance to drain.
func (s *Scheduler) completeProcess(res processResult) {
	delete(s.runningExchanges, res.id)
	s.metrics.RunningExchanges.Set(float64(len(s.runningExchanges)))
	s.counters.Decrement(res.counters)
	for _, name := range res.counters {
		s.reinjectBlockingQueue(name)
	}
}

// reinjectBlockingQueue drains counterName's blocked queue, re-admitting
// each exchange through a temporary auxiliary queue key so that admissions
// which fail don't interfere with items still being drained from the real
// queue; once the pass completes (or the counter re-saturates), whatever is
// left in the auxiliary queue is merged back into the real one.
func (s *Scheduler) reinjectBlockingQueue(counterName string) {
	q, ok := s.blockedQueues[counterName]
	if !ok || q.Len() == 0 {
		return
	}
	auxKey := counterName + "___reinject"
	drained := q.drain()
	for i, ex := range drained {
		outcome, blocked := s.admit(ex, auxKey)
		if outcome == admitBlockedOutcome && containsString(blocked, counterName) {
			for _, rest := range drained[i+1:] {
				s.blockedQueueFor(auxKey).push(rest)
				s.blockedExchanges[rest.ID] = blockedEntry{counterName: auxKey, ex: rest}
			}
			break
		}
	}
	aux, ok := s.blockedQueues[auxKey]
	if !ok {
		return
	}
	for _, ex := range aux.drain() {
		s.blockedQueueFor(counterName).push(ex)
		s.blockedExchanges[ex.ID] = blockedEntry{counterName: counterName, ex: ex}
	}
	delete(s.blockedQueues, auxKey)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// --- expiration sweeper ---

func (s *Scheduler) sweepExpired() {
	if s.shutdownPhase.Load() >= 2 {
		return
	}
	for id, entry := range s.blockedExchanges {
		ex := entry.ex
		if ex.LifetimeMs() > s.cfg.MaxLifetime.Milliseconds() {
			s.blockedQueueFor(entry.counterName).removeByRequestID(id)
			delete(s.blockedExchanges, id)
			s.totals.expired++
			s.metrics.ExpiredRequests.Inc()
			continue
		}
		if ex.LifetimeInLocalQueueMs() > s.cfg.MaxLocalQueueLifetime.Milliseconds() {
			s.blockedQueueFor(entry.counterName).removeByRequestID(id)
			delete(s.blockedExchanges, id)
			s.totals.localReinject++
			s.metrics.LocalReinjects.Inc()
			s.enqueueBusReinject(ex)
		}
	}
	s.metrics.BlockedExchanges.Set(float64(len(s.blockedExchanges)))
}

// --- bus reinjection ---

func (s *Scheduler) enqueueBusReinject(ex *exchange.RequestExchange) {
	s.enqueueBusReinjectAt(endpointOf(ex.Source), ex)
}

func (s *Scheduler) enqueueBusReinjectAt(endpoint Endpoint, ex *exchange.RequestExchange) {
	q, ok := s.busReinjectQueues[endpoint.Key()]
	if !ok {
		q = newPriorityQueue()
		s.busReinjectQueues[endpoint.Key()] = q
	}
	q.push(ex)
}

func (s *Scheduler) handleBusReinjectPull(req pullRequest) {
	q, ok := s.busReinjectQueues[req.endpoint.Key()]
	if !ok || q.Len() == 0 {
		req.resp <- nil
		return
	}
	req.resp <- q.pop()
}

func (s *Scheduler) runBusReinjectWriter(endpoint Endpoint) {
	defer s.writersWG.Done()
	for {
		resp := make(chan *exchange.RequestExchange, 1)
		select {
		case s.busReinjectPullCh <- pullRequest{endpoint: endpoint, resp: resp}:
		case <-s.doneCh:
			return
		}
		var ex *exchange.RequestExchange
		select {
		case ex = <-resp:
		case <-time.After(time.Second):
			continue
		}
		if ex == nil {
			if s.shutdownPhase.Load() >= 4 {
				return
			}
			continue
		}
		if err := s.bus.LPush(context.Background(), endpoint, ex.SourceList, ex.Raw); err != nil {
			s.log.Warn("bus reinject failed", zap.Error(err), zap.String("list", ex.SourceList))
			if s.shutdownPhase.Load() >= 4 {
				s.log.Warn("dropping exchange during shutdown", zap.String("request_id", ex.ID))
				continue
			}
			time.Sleep(5 * time.Second)
			s.busReinjectRetryCh <- retryItem{endpoint: endpoint, ex: ex}
			continue
		}
		atomic.AddInt64(&s.totals.busReinject, 1)
		s.metrics.BusReinjects.Inc()
	}
}

// --- upstream fetch ---

func (s *Scheduler) process(ex *exchange.RequestExchange, req *wire.Request, counters []string) {
	start := time.Now()
	resp := s.fetchUpstream(ex.Source, req)
	s.metrics.UpstreamLatency.Observe(time.Since(start).Seconds())

	if responseKey := ex.ResponseKey(); responseKey != "" {
		payload, err := wire.SerializeResponse(resp, "", nil)
		if err != nil {
			s.log.Warn("failed to serialize response", zap.Error(err), zap.String("request_id", ex.ID))
		} else {
			endpoint := endpointOf(ex.Source)
			if err := s.bus.LPushExpire(context.Background(), endpoint, responseKey, payload, s.cfg.Timeout); err != nil {
				s.log.Warn("failed to publish response", zap.Error(err), zap.String("response_key", responseKey))
			}
		}
	}
	s.processDoneCh <- processResult{id: ex.ID, counters: counters}
}

const maxRedirects = 10

func (s *Scheduler) fetchUpstream(q *exchange.Queue, req *wire.Request) *wire.Response {
	client := s.httpClientFor(q)
	followRedirects := hasHeaderValue(req.Headers, "X-Thr-FollowRedirects", "1")
	target, err := upstreamURL(q, req)
	if err != nil {
		return synthResponse(599)
	}

	for i := 0; i < maxRedirects; i++ {
		httpReq, err := buildUpstreamRequest(req, target, s.cfg.AddThrExtraHeaders)
		if err != nil {
			return synthResponse(599)
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		resp, err := client.Do(httpReq.WithContext(ctx))
		if err != nil {
			cancel()
			return synthResponse(599)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		if followRedirects && isRedirectStatus(resp.StatusCode) {
			if loc := resp.Header.Get("Location"); loc != "" {
				if base, err := url.Parse(target); err == nil {
					if next, err := base.Parse(loc); err == nil {
						target = next.String()
						continue
					}
				}
			}
		}
		return toWireResponse(resp.StatusCode, resp.Header, body)
	}
	return synthResponse(310)
}

func (s *Scheduler) httpClientFor(q *exchange.Queue) *http.Client {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	if c, ok := s.httpClients[q.Name]; ok {
		return c
	}
	transport := &http.Transport{}
	if q.UpstreamUnixSocket != "" {
		socket := q.UpstreamUnixSocket
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		}
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   s.cfg.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	s.httpClients[q.Name] = client
	return client
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func hasHeaderValue(headers []wire.Header, name, value string) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) && h.Value == value {
			return true
		}
	}
	return false
}

func upstreamURL(q *exchange.Queue, req *wire.Request) (string, error) {
	host := q.UpstreamHost
	if q.UpstreamUnixSocket != "" {
		host = "unix-socket"
	}
	u := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", host, q.UpstreamPort),
		Path:   req.Path,
	}
	if len(req.QueryArguments) > 0 {
		u.RawQuery = url.Values(req.QueryArguments).Encode()
	}
	return u.String(), nil
}

func buildUpstreamRequest(req *wire.Request, target string, addExtraHeaders bool) (*http.Request, error) {
	httpReq, err := http.NewRequest(req.Method, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for _, h := range req.Headers {
		if strings.EqualFold(h.Name, "Host") {
			httpReq.Host = h.Value
			continue
		}
		httpReq.Header.Add(h.Name, h.Value)
	}
	if addExtraHeaders {
		httpReq.Header.Set("X-Thr-Bus", "1")
	}
	return httpReq, nil
}

func toWireResponse(status int, header http.Header, body []byte) *wire.Response {
	headers := make([]wire.Header, 0, len(header))
	for name, values := range header {
		for _, v := range values {
			headers = append(headers, wire.Header{Name: name, Value: v})
		}
	}
	return &wire.Response{StatusCode: status, Headers: headers, Body: body}
}

func synthResponse(status int) *wire.Response {
	return &wire.Response{StatusCode: status}
}

// --- stats ---

func (s *Scheduler) buildSnapshot() Snapshot {
	snap := Snapshot{
		EpochMs:           time.Now().UnixMilli(),
		ShutdownPhase:     int(s.shutdownPhase.Load()),
		BusReinjectQueues: make(map[string]int, len(s.busReinjectQueues)),
		RunningCount:      len(s.runningExchanges),
		BlockedCount:      len(s.blockedExchanges),
		TotalRequests:     s.totals.total,
		ExpiredRequests:   s.totals.expired,
		LocalReinjects:    s.totals.localReinject,
		BusReinjects:      atomic.LoadInt64(&s.totals.busReinject),
	}
	for key, q := range s.busReinjectQueues {
		snap.BusReinjectQueues[key] = q.Len()
	}
	for _, entry := range s.runningExchanges {
		req, err := entry.ex.Request()
		if err != nil {
			continue
		}
		snap.Running = append(snap.Running, RunningSnapshot{
			Method:      req.Method,
			Path:        req.Path,
			AgeMs:       time.Since(entry.start).Milliseconds(),
			BigPriority: entry.ex.SchedulingScore(),
		})
	}
	for _, l := range s.limits.Limits() {
		if !l.ShowInStats {
			continue
		}
		row := LimitSnapshot{Name: l.Name}
		if l.PerValue {
			prefix := l.Name + "=="
			s.counters.ForEachValue(func(name string, value int) {
				if strings.HasPrefix(name, prefix) {
					row.GlobalValue += value
				}
			})
			s.counters.ForEachBlockCount(func(name string, blocks int) {
				if strings.HasPrefix(name, prefix) {
					row.GlobalBlocks += blocks
				}
			})
		} else {
			row.Value = s.counters.Get(l.Name)
			row.Blocks = s.counters.GetBlockCount(l.Name)
			row.QueueSize = s.blockedQueueFor(l.Name).Len()
			s.metrics.CounterValues.WithLabelValues(l.Name).Set(float64(row.Value))
			s.metrics.CounterBlockCount.WithLabelValues(l.Name).Set(float64(row.Blocks))
		}
		snap.Limits = append(snap.Limits, row)
	}
	return snap
}

func (s *Scheduler) writeStats() {
	snap := s.buildSnapshot()
	path := s.cfg.StatsFile
	log := s.log
	go func() {
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			log.Warn("failed to marshal stats snapshot", zap.Error(err))
			return
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			log.Warn("failed to write stats file", zap.Error(err), zap.String("path", path))
			return
		}
		if err := os.Rename(tmp, path); err != nil {
			log.Warn("failed to publish stats file", zap.Error(err), zap.String("path", path))
		}
	}()
}
