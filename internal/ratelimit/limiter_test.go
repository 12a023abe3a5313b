package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"
)

func newTestLimiter() (*Limiter, *time.Time) {
	l := New(DefaultLimits(), nil)
	now := time.UnixMilli(1_700_000_000_000)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestCountInWindow(t *testing.T) {
	l, now := newTestLimiter()
	for i := 0; i < 5; i++ {
		l.Record("1.2.3.4", "", false)
	}
	if got := countInWindow(l.ip["1.2.3.4"], now.UnixMilli(), 60_000); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
	*now = now.Add(61 * time.Second)
	if got := countInWindow(l.ip["1.2.3.4"], now.UnixMilli(), 60_000); got != 0 {
		t.Fatalf("count after window = %d, want 0", got)
	}
}

func TestBurstLimitIndependentOfMinuteLimit(t *testing.T) {
	l, _ := newTestLimiter()
	// 10 requests inside one second: far under 60/min, at the burst cap.
	for i := 0; i < 10; i++ {
		l.Record("1.2.3.4", "", false)
	}
	dec := l.Check("1.2.3.4", "", false)
	if !dec.Limited {
		t.Fatal("11th request within 1s should be burst limited")
	}
	if dec.RetryAfterSec != 1 {
		t.Fatalf("burst retry-after = %d, want 1", dec.RetryAfterSec)
	}
	if dec.CaptchaRequired {
		t.Fatal("burst tier must not escalate to captcha")
	}
}

func TestBurstWindowExpires(t *testing.T) {
	l, now := newTestLimiter()
	for i := 0; i < 10; i++ {
		l.Record("1.2.3.4", "", false)
	}
	*now = now.Add(1100 * time.Millisecond)
	if dec := l.Check("1.2.3.4", "", false); dec.Limited {
		t.Fatalf("burst should clear after its window: %+v", dec)
	}
}

func TestIPLimitAndRetryAfter(t *testing.T) {
	l, now := newTestLimiter()
	for i := 0; i < 60; i++ {
		l.Record("1.2.3.4", "", false)
		// spread records so the burst tier stays quiet
		*now = now.Add(200 * time.Millisecond)
	}
	dec := l.Check("1.2.3.4", "", false)
	if !dec.Limited {
		t.Fatal("60/60 must be rejected")
	}
	if dec.RetryAfterSec < 1 || dec.RetryAfterSec > 60 {
		t.Fatalf("retry-after out of bounds: %d", dec.RetryAfterSec)
	}
	// Retry-after decreases monotonically as time advances.
	prev := dec.RetryAfterSec
	for i := 0; i < 5; i++ {
		*now = now.Add(2 * time.Second)
		d := l.Check("1.2.3.4", "", false)
		if !d.Limited {
			break
		}
		if d.RetryAfterSec > prev {
			t.Fatalf("retry-after increased: %d -> %d", prev, d.RetryAfterSec)
		}
		prev = d.RetryAfterSec
	}
}

func TestFingerprintLimit(t *testing.T) {
	l, now := newTestLimiter()
	// Rotate IPs so only the fingerprint tier accumulates.
	for i := 0; i < 100; i++ {
		ip := "10.0.0." + string(rune('0'+i%10))
		l.Record(ip, "fp-1", false)
		*now = now.Add(300 * time.Millisecond)
	}
	// 100 records in 30s: prune to the last window's worth.
	dec := l.Check("10.9.9.9", "fp-1", false)
	if !dec.Limited {
		t.Fatalf("fingerprint at cap should be limited: %+v", dec)
	}
}

func TestSlowdownInterpolation(t *testing.T) {
	l, now := newTestLimiter()
	record := func(n int) {
		for i := 0; i < n; i++ {
			l.Record("1.2.3.4", "", false)
			*now = now.Add(150 * time.Millisecond)
		}
	}

	record(48) // exactly 80% of 60
	dec := l.Check("1.2.3.4", "", false)
	if dec.Limited || dec.Slowdown != 0 || dec.CaptchaRequired {
		t.Fatalf("at 80%%: %+v, want slowdown 0 and no captcha", dec)
	}

	record(6) // 54/60 = 90%
	dec = l.Check("1.2.3.4", "", false)
	if dec.Limited {
		t.Fatalf("90%% should not be rejected: %+v", dec)
	}
	if !dec.CaptchaRequired {
		t.Fatal("90% should demand captcha")
	}
	if dec.Slowdown != 1000*time.Millisecond {
		t.Fatalf("slowdown at 90%% = %v, want 1s", dec.Slowdown)
	}

	record(5) // 59/60
	dec = l.Check("1.2.3.4", "", false)
	if dec.Limited {
		t.Fatalf("59/60 should not be rejected: %+v", dec)
	}
	if dec.Slowdown <= 1000*time.Millisecond || dec.Slowdown > 2000*time.Millisecond {
		t.Fatalf("slowdown near limit = %v, want (1s, 2s]", dec.Slowdown)
	}
}

func TestSearchSoftGate(t *testing.T) {
	l, now := newTestLimiter()
	for i := 0; i < 18; i++ { // 90% of 20
		l.Record("1.2.3.4", "fp-1", true)
		*now = now.Add(400 * time.Millisecond)
	}
	dec := l.Check("1.2.3.4", "fp-1", true)
	if dec.Limited {
		t.Fatalf("search soft gate must not reject: %+v", dec)
	}
	if !dec.CaptchaRequired {
		t.Fatal("search at 90% should demand captcha")
	}

	l.Record("1.2.3.4", "fp-1", true)
	l.Record("1.2.3.4", "fp-1", true)
	dec = l.Check("1.2.3.4", "fp-1", true)
	if !dec.Limited {
		t.Fatalf("search at cap should reject: %+v", dec)
	}
}

func TestCaptchaThresholdConfigurable(t *testing.T) {
	limits := DefaultLimits()
	limits.CaptchaThreshold = 0.5
	l := New(limits, nil)
	now := time.UnixMilli(1_700_000_000_000)
	l.now = func() time.Time { return now }

	for i := 0; i < 30; i++ { // 50% of the ip budget
		l.Record("1.2.3.4", "", false)
		now = now.Add(150 * time.Millisecond)
	}
	dec := l.Check("1.2.3.4", "", false)
	if dec.Limited {
		t.Fatalf("halfway should not be rejected: %+v", dec)
	}
	if !dec.CaptchaRequired {
		t.Fatal("lowered threshold should demand captcha at 50%")
	}

	// the search gate honors the same knob
	for i := 0; i < 10; i++ { // 50% of 20
		l.Record("5.6.7.8", "fp-1", true)
		now = now.Add(150 * time.Millisecond)
	}
	dec = l.Check("5.6.7.8", "fp-1", true)
	if dec.Limited || !dec.CaptchaRequired {
		t.Fatalf("search at lowered threshold: %+v, want captcha without rejection", dec)
	}
}

func TestSearchKeyFallsBackToIP(t *testing.T) {
	l, now := newTestLimiter()
	for i := 0; i < 20; i++ {
		l.Record("1.2.3.4", "", true)
		*now = now.Add(400 * time.Millisecond)
	}
	if dec := l.Check("1.2.3.4", "", true); !dec.Limited {
		t.Fatal("search keyed by ip should be at cap")
	}
	if dec := l.Check("5.6.7.8", "", true); dec.Limited {
		t.Fatal("other ip must not share the search bucket")
	}
}

func TestSweepDeletesEmptyBuckets(t *testing.T) {
	l, now := newTestLimiter()
	l.Record("1.2.3.4", "fp-1", true)
	l.Sweep()
	if len(l.ip) != 1 || len(l.fp) != 1 || len(l.search) != 1 {
		t.Fatalf("fresh buckets should survive sweep: ip=%d fp=%d search=%d", len(l.ip), len(l.fp), len(l.search))
	}
	*now = now.Add(2 * time.Minute)
	l.Sweep()
	if len(l.ip) != 0 || len(l.fp) != 0 || len(l.search) != 0 || len(l.burst) != 0 {
		t.Fatalf("aged buckets should be deleted: ip=%d fp=%d search=%d burst=%d", len(l.ip), len(l.fp), len(l.search), len(l.burst))
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "http://gw/", nil)
	r.RemoteAddr = "9.9.9.9:1234"
	if got := ClientIP(r); got != "9.9.9.9" {
		t.Fatalf("remote addr ip = %q", got)
	}
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")
	if got := ClientIP(r); got != "1.2.3.4" {
		t.Fatalf("xff ip = %q", got)
	}
}
