package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MeowExort/pw-hub-relics/internal/config"
	"github.com/MeowExort/pw-hub-relics/internal/observability"
)

// Limits holds the sliding-window tunables. All four tiers are evaluated in
// order burst -> ip -> fingerprint -> search; the first tier at its cap wins.
type Limits struct {
	IPPerMinute       int
	FPPerMinute       int
	SearchPerMinute   int
	BurstPerSecond    int
	Window            time.Duration
	BurstWindow       time.Duration
	SlowdownThreshold float64
	CaptchaThreshold  float64
	MaxSlowdown       time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		IPPerMinute:       60,
		FPPerMinute:       100,
		SearchPerMinute:   20,
		BurstPerSecond:    10,
		Window:            time.Minute,
		BurstWindow:       time.Second,
		SlowdownThreshold: 0.8,
		CaptchaThreshold:  0.9,
		MaxSlowdown:       2 * time.Second,
	}
}

// LimitsFromConfig maps the yaml tunables onto Limits. Zero values were
// already defaulted at load time.
func LimitsFromConfig(rc config.RateLimitConfig) Limits {
	return Limits{
		IPPerMinute:       rc.IPPerMinute,
		FPPerMinute:       rc.FPPerMinute,
		SearchPerMinute:   rc.SearchPerMinute,
		BurstPerSecond:    rc.BurstPerSecond,
		Window:            time.Duration(rc.WindowMs) * time.Millisecond,
		BurstWindow:       time.Duration(rc.BurstWindowMs) * time.Millisecond,
		SlowdownThreshold: rc.SlowdownThreshold,
		CaptchaThreshold:  rc.CaptchaThreshold,
		MaxSlowdown:       time.Duration(rc.MaxSlowdownMs) * time.Millisecond,
	}
}

// Decision is the ephemeral outcome of a Check call.
type Decision struct {
	Limited         bool
	RetryAfterSec   int
	Slowdown        time.Duration
	CaptchaRequired bool
}

type bucket struct {
	timestamps []int64 // epoch ms, non-decreasing as appended
}

const sweepInterval = 30 * time.Second

// Limiter keeps per-key request timestamps across four independent maps.
// Counters are advisory: a process restart resets them.
type Limiter struct {
	mu     sync.Mutex
	limits Limits
	burst  map[string]*bucket
	ip     map[string]*bucket
	fp     map[string]*bucket
	search map[string]*bucket

	now    func() time.Time
	done   chan struct{}
	once   sync.Once
	logger *observability.Logger

	metrics *observability.Metrics // optional
}

func New(limits Limits, logger *observability.Logger) *Limiter {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Limiter{
		limits: limits,
		burst:  map[string]*bucket{},
		ip:     map[string]*bucket{},
		fp:     map[string]*bucket{},
		search: map[string]*bucket{},
		now:    time.Now,
		done:   make(chan struct{}),
		logger: logger,
	}
}

// SetMetrics wires the optional active-key gauges, updated on each sweep.
func (l *Limiter) SetMetrics(m *observability.Metrics) { l.metrics = m }

// Start launches the periodic bucket sweep. Stop it via Stop on shutdown.
func (l *Limiter) Start() {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-l.done:
				return
			}
		}
	}()
}

func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.done) })
}

// Check decides whether a request keyed by ip/fingerprint may proceed.
// It never mutates the buckets; call Record once the request clears every
// gate so rejected traffic does not inflate counters.
func (l *Limiter) Check(ip, fingerprint string, isSearch bool) Decision {
	nowMs := l.now().UnixMilli()
	windowMs := l.limits.Window.Milliseconds()
	burstWindowMs := l.limits.BurstWindow.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Hard short-window brake, no captcha escalation.
	if countInWindow(l.burst[ip], nowMs, burstWindowMs) >= l.limits.BurstPerSecond {
		return Decision{Limited: true, RetryAfterSec: 1}
	}

	ipCount := countInWindow(l.ip[ip], nowMs, windowMs)
	if ipCount >= l.limits.IPPerMinute {
		return Decision{
			Limited:       true,
			RetryAfterSec: retryAfter(l.ip[ip], nowMs, windowMs),
		}
	}

	if fingerprint != "" {
		if countInWindow(l.fp[fingerprint], nowMs, windowMs) >= l.limits.FPPerMinute {
			return Decision{
				Limited:       true,
				RetryAfterSec: retryAfter(l.fp[fingerprint], nowMs, windowMs),
			}
		}
	}

	if isSearch {
		key := searchKey(ip, fingerprint)
		searchCount := countInWindow(l.search[key], nowMs, windowMs)
		if searchCount >= l.limits.SearchPerMinute {
			return Decision{
				Limited:       true,
				RetryAfterSec: retryAfter(l.search[key], nowMs, windowMs),
			}
		}
		if float64(searchCount)/float64(l.limits.SearchPerMinute) >= l.limits.CaptchaThreshold {
			// Soft gate: demand captcha but let the request through.
			return Decision{CaptchaRequired: true}
		}
	}

	var dec Decision
	ipRatio := float64(ipCount) / float64(l.limits.IPPerMinute)
	if ipRatio >= l.limits.SlowdownThreshold {
		over := (ipRatio - l.limits.SlowdownThreshold) / (1 - l.limits.SlowdownThreshold)
		dec.Slowdown = time.Duration(math.Round(over*float64(l.limits.MaxSlowdown.Milliseconds()))) * time.Millisecond
	}
	if ipRatio >= l.limits.CaptchaThreshold {
		dec.CaptchaRequired = true
	}
	return dec
}

// Record registers an accepted request against every applicable bucket.
func (l *Limiter) Record(ip, fingerprint string, isSearch bool) {
	nowMs := l.now().UnixMilli()

	l.mu.Lock()
	defer l.mu.Unlock()

	appendTs(l.burst, ip, nowMs)
	appendTs(l.ip, ip, nowMs)
	if fingerprint != "" {
		appendTs(l.fp, fingerprint, nowMs)
	}
	if isSearch {
		appendTs(l.search, searchKey(ip, fingerprint), nowMs)
	}
}

// Sweep drops timestamps older than each map's window and deletes empty
// buckets to bound memory. Safe to call concurrently with Check/Record.
func (l *Limiter) Sweep() {
	nowMs := l.now().UnixMilli()

	l.mu.Lock()
	sweepMap(l.burst, nowMs, l.limits.BurstWindow.Milliseconds())
	sweepMap(l.ip, nowMs, l.limits.Window.Milliseconds())
	sweepMap(l.fp, nowMs, l.limits.Window.Milliseconds())
	sweepMap(l.search, nowMs, l.limits.Window.Milliseconds())
	nBurst, nIP, nFP, nSearch := len(l.burst), len(l.ip), len(l.fp), len(l.search)
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.ActiveKeys.WithLabelValues("burst").Set(float64(nBurst))
		l.metrics.ActiveKeys.WithLabelValues("ip").Set(float64(nIP))
		l.metrics.ActiveKeys.WithLabelValues("fingerprint").Set(float64(nFP))
		l.metrics.ActiveKeys.WithLabelValues("search").Set(float64(nSearch))
	}
	l.logger.Debugw("rate limit sweep",
		"burst_keys", nBurst, "ip_keys", nIP, "fp_keys", nFP, "search_keys", nSearch)
}

func searchKey(ip, fingerprint string) string {
	if fingerprint != "" {
		return fingerprint
	}
	return ip
}

func appendTs(m map[string]*bucket, key string, ts int64) {
	b, ok := m[key]
	if !ok {
		b = &bucket{}
		m[key] = b
	}
	b.timestamps = append(b.timestamps, ts)
}

func countInWindow(b *bucket, nowMs, windowMs int64) int {
	if b == nil {
		return 0
	}
	cutoff := nowMs - windowMs
	n := 0
	for _, t := range b.timestamps {
		if t > cutoff {
			n++
		}
	}
	return n
}

// retryAfter reports whole seconds until the oldest surviving timestamp
// leaves the window, floored at 1.
func retryAfter(b *bucket, nowMs, windowMs int64) int {
	if b == nil {
		return 1
	}
	cutoff := nowMs - windowMs
	for _, t := range b.timestamps {
		if t > cutoff {
			sec := int(math.Ceil(float64(t+windowMs-nowMs) / 1000))
			if sec < 1 {
				return 1
			}
			return sec
		}
	}
	return 1
}

func sweepMap(m map[string]*bucket, nowMs, windowMs int64) {
	cutoff := nowMs - windowMs
	for key, b := range m {
		kept := b.timestamps[:0]
		for _, t := range b.timestamps {
			if t > cutoff {
				kept = append(kept, t)
			}
		}
		b.timestamps = kept
		if len(b.timestamps) == 0 {
			delete(m, key)
		}
	}
}

// ClientIP extracts the original client address: first X-Forwarded-For entry
// when present (the gateway sits behind nginx), else the RemoteAddr host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "127.0.0.1"
}
