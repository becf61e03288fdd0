package governor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetgate/internal/observability"
)

type RequestType string

const (
	TypeLogin      RequestType = "login"
	TypeLogout     RequestType = "logout"
	TypeDeviceList RequestType = "device_list"
	TypePositions  RequestType = "positions"
	TypeTracks     RequestType = "tracks"
)

var (
	ErrDuplicateRequest = errors.New("duplicate request blocked")
	ErrQueueFull        = errors.New("request queue full")
	ErrQueueCleared     = errors.New("request queue cleared")
	ErrShuttingDown     = errors.New("governor shutting down")
)

// Fn is the unit of work submitted to the governor. It runs on the dispatch
// goroutine, one at a time.
type Fn func(ctx context.Context) (any, error)

type Config struct {
	// MinSpacing is the global minimum gap between dispatch start times.
	MinSpacing time.Duration
	// DedupWindow rejects a request whose type+params were already
	// submitted this recently.
	DedupWindow time.Duration
	// BackoffBase doubles per consecutive rate-limited failure, capped at
	// BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxQueue    int
	// TypeIntervals holds per-type minimum gaps between dispatches of the
	// same request type, on top of MinSpacing.
	TypeIntervals map[RequestType]time.Duration
	// Classify reports whether an error counts as upstream rate limiting.
	Classify func(error) bool
}

// DefaultTypeIntervals mirrors how often each upstream action tolerates
// being called.
func DefaultTypeIntervals() map[RequestType]time.Duration {
	return map[RequestType]time.Duration{
		TypeLogin:      2 * time.Second,
		TypeLogout:     2 * time.Second,
		TypeDeviceList: 10 * time.Second,
		TypePositions:  30 * time.Second,
		TypeTracks:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MinSpacing <= 0 {
		c.MinSpacing = 5 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 3 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 100
	}
	if c.TypeIntervals == nil {
		c.TypeIntervals = DefaultTypeIntervals()
	}
	if c.Classify == nil {
		c.Classify = ClassifyRateLimit
	}
	return c
}

// ClassifyRateLimit is the fallback classifier, matching by message text.
// Layers that know upstream status codes inject a sharper one.
func ClassifyRateLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "8902")
}

type result struct {
	val any
	err error
}

// Request is a queued unit of work. Owned exclusively by the governor once
// submitted; never persisted.
type Request struct {
	ID         string
	Type       RequestType
	Priority   int
	Params     string
	EnqueuedAt time.Time

	fn   Fn
	done chan result
	seq  uint64
}

type Stats struct {
	TotalRequests       int64         `json:"totalRequests"`
	SuccessfulRequests  int64         `json:"successfulRequests"`
	FailedRequests      int64         `json:"failedRequests"`
	RateLimitedRequests int64         `json:"rateLimitedRequests"`
	LastRequestTime     time.Time     `json:"lastRequestTime"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
}

type Status struct {
	QueueDepth     int       `json:"queueDepth"`
	InFlight       bool      `json:"inFlight"`
	RateLimitCount int       `json:"rateLimitCount"`
	BackoffUntil   time.Time `json:"backoffUntil,omitempty"`
	Stats          Stats     `json:"stats"`
}

// Governor serializes all upstream calls through a single dispatch slot,
// spacing them globally and per request type, deduplicating bursts, and
// backing off exponentially when the upstream signals rate limiting.
type Governor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu             sync.Mutex
	queue          requestQueue
	seq            uint64
	recent         map[string]time.Time
	lastDispatch   time.Time
	lastByType     map[RequestType]time.Time
	backoffUntil   time.Time
	rateLimitCount int
	inFlight       bool
	stats          Stats
	totalLatency   time.Duration

	wake chan struct{}
}

func New(cfg Config, logger *slog.Logger) *Governor {
	return &Governor{
		cfg:        cfg.withDefaults(),
		logger:     logger.With("component", "governor"),
		now:        time.Now,
		recent:     make(map[string]time.Time),
		lastByType: make(map[RequestType]time.Time),
		wake:       make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop. It runs until ctx is canceled, at which
// point all pending requests are rejected.
func (g *Governor) Start(ctx context.Context) {
	go g.loop(ctx)
}

// Submit enqueues fn and blocks until it completes or ctx is canceled.
// A canceled ctx abandons the wait; the request itself still runs when its
// turn comes (only pending work is discarded, via ClearQueue).
func (g *Governor) Submit(ctx context.Context, typ RequestType, priority int, params string, fn Fn) (any, error) {
	key := dedupKey(typ, params)

	g.mu.Lock()
	now := g.now()
	if last, ok := g.recent[key]; ok && now.Sub(last) < g.cfg.DedupWindow {
		g.mu.Unlock()
		observability.DuplicatesBlocked.Inc()
		return nil, fmt.Errorf("%w: %s submitted %s ago", ErrDuplicateRequest, typ, now.Sub(last).Round(time.Millisecond))
	}
	if g.queue.Len() >= g.cfg.MaxQueue {
		g.mu.Unlock()
		return nil, ErrQueueFull
	}
	g.recent[key] = now
	g.pruneRecentLocked(now)

	g.seq++
	req := &Request{
		ID:         uuid.NewString(),
		Type:       typ,
		Priority:   priority,
		Params:     params,
		EnqueuedAt: now,
		fn:         fn,
		done:       make(chan result, 1),
		seq:        g.seq,
	}
	g.queue.push(req)
	observability.QueueDepth.Set(float64(g.queue.Len()))
	g.mu.Unlock()

	g.signal()

	select {
	case r := <-req.done:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Governor) loop(ctx context.Context) {
	for {
		g.mu.Lock()
		head := g.queue.peek()
		if head == nil {
			g.mu.Unlock()
			select {
			case <-ctx.Done():
				g.drain(ErrShuttingDown)
				return
			case <-g.wake:
			}
			continue
		}

		wait := g.holdForLocked(head.Type)
		if wait > 0 {
			g.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				g.drain(ErrShuttingDown)
				return
			case <-g.wake:
				// A new arrival may have changed the head; re-evaluate.
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		req := g.queue.pop()
		g.lastDispatch = g.now()
		g.lastByType[req.Type] = g.lastDispatch
		g.inFlight = true
		observability.QueueDepth.Set(float64(g.queue.Len()))
		g.mu.Unlock()

		start := time.Now()
		val, err := req.fn(ctx)
		g.record(req, time.Since(start), err)
		req.done <- result{val: val, err: err}
	}
}

// holdForLocked computes how long dispatch must still be held for a request
// of the given type. Caller holds g.mu.
func (g *Governor) holdForLocked(typ RequestType) time.Duration {
	now := g.now()
	var wait time.Duration
	if !g.lastDispatch.IsZero() {
		if d := g.cfg.MinSpacing - now.Sub(g.lastDispatch); d > wait {
			wait = d
		}
	}
	if last, ok := g.lastByType[typ]; ok {
		if d := g.cfg.TypeIntervals[typ] - now.Sub(last); d > wait {
			wait = d
		}
	}
	if d := g.backoffUntil.Sub(now); d > wait {
		wait = d
	}
	return wait
}

func (g *Governor) record(req *Request, latency time.Duration, err error) {
	observability.RequestsTotal.WithLabelValues(string(req.Type)).Inc()
	observability.ObserveDispatchLatency(time.Now().Add(-latency))

	g.mu.Lock()
	defer g.mu.Unlock()

	g.inFlight = false
	g.stats.TotalRequests++
	g.stats.LastRequestTime = g.now()
	g.totalLatency += latency
	g.stats.AverageResponseTime = g.totalLatency / time.Duration(g.stats.TotalRequests)

	if err == nil {
		g.stats.SuccessfulRequests++
		g.rateLimitCount = 0
		g.backoffUntil = time.Time{}
		observability.BackoffActive.Set(0)
		return
	}

	g.stats.FailedRequests++
	observability.RequestsFailed.WithLabelValues(string(req.Type)).Inc()
	if g.cfg.Classify(err) {
		g.stats.RateLimitedRequests++
		g.rateLimitCount++
		delay := Backoff(g.rateLimitCount, g.cfg.BackoffBase, g.cfg.BackoffMax)
		g.backoffUntil = g.now().Add(delay)
		observability.RequestsRateLimited.Inc()
		observability.BackoffActive.Set(1)
		g.logger.Warn("rate limited by upstream",
			"type", req.Type, "consecutive", g.rateLimitCount, "backoff", delay)
	}
}

// Backoff returns the delay after the Nth consecutive rate-limited failure:
// base doubling per failure, capped at max.
func Backoff(failures int, base, max time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > 30 {
		return max
	}
	d := base << (failures - 1)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// Status returns a snapshot for diagnostics endpoints.
func (g *Governor) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		QueueDepth:     g.queue.Len(),
		InFlight:       g.inFlight,
		RateLimitCount: g.rateLimitCount,
		BackoffUntil:   g.backoffUntil,
		Stats:          g.stats,
	}
}

// BackoffRemaining reports how long the governor will keep holding dispatch
// because of rate-limit backoff. Zero when not backing off.
func (g *Governor) BackoffRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d := g.backoffUntil.Sub(g.now()); d > 0 {
		return d
	}
	return 0
}

// ClearQueue rejects every pending request and returns how many were
// discarded. The in-flight request, if any, runs to completion.
func (g *Governor) ClearQueue() int {
	g.mu.Lock()
	cleared := make([]*Request, 0, g.queue.Len())
	for g.queue.Len() > 0 {
		cleared = append(cleared, g.queue.pop())
	}
	observability.QueueDepth.Set(0)
	g.mu.Unlock()

	for _, req := range cleared {
		req.done <- result{err: ErrQueueCleared}
	}
	if len(cleared) > 0 {
		g.logger.Info("queue cleared", "discarded", len(cleared))
	}
	return len(cleared)
}

func (g *Governor) ResetStats() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats = Stats{}
	g.totalLatency = 0
	g.rateLimitCount = 0
	g.backoffUntil = time.Time{}
}

func (g *Governor) drain(cause error) {
	g.mu.Lock()
	pending := make([]*Request, 0, g.queue.Len())
	for g.queue.Len() > 0 {
		pending = append(pending, g.queue.pop())
	}
	observability.QueueDepth.Set(0)
	g.mu.Unlock()

	for _, req := range pending {
		req.done <- result{err: cause}
	}
}

func (g *Governor) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// pruneRecentLocked drops dedup entries past the window so the map stays
// bounded. Caller holds g.mu.
func (g *Governor) pruneRecentLocked(now time.Time) {
	if len(g.recent) < 64 {
		return
	}
	for k, t := range g.recent {
		if now.Sub(t) >= g.cfg.DedupWindow {
			delete(g.recent, k)
		}
	}
}

func dedupKey(typ RequestType, params string) string {
	h := fnv.New32a()
	h.Write([]byte(string(typ)))
	h.Write([]byte{'|'})
	h.Write([]byte(params))
	return fmt.Sprintf("%s:%08x", typ, h.Sum32())
}
