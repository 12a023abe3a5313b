package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MeowExort/pw-hub-relics/internal/config"
	"github.com/MeowExort/pw-hub-relics/internal/observability"
)

// ErrTimeout marks a forward that exceeded the upstream deadline; the caller
// maps it to a distinct response from other transport failures.
var ErrTimeout = errors.New("upstream timeout")

// Request is a fully resolved upstream call.
type Request struct {
	Method        string
	Path          string // resolved, starts with /
	Query         string // encoded, no leading ?
	Body          []byte // JSON body for POST/PUT, nil otherwise
	Authorization string // caller's bearer, passed through when present
}

// Response carries exactly what the gateway relays: status, content type and
// the raw body, untouched.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Manager forwards resolved calls to the catalog API. Multiple replica
// targets are balanced round-robin.
type Manager struct {
	targets      []*url.URL
	client       *http.Client
	apiKey       string
	apiKeyHeader string
	counter      atomic.Int64
	logger       *observability.Logger
}

func NewManager(cfg config.UpstreamConfig, logger *observability.Logger) (*Manager, error) {
	if len(cfg.Targets) == 0 {
		return nil, errors.New("at least one upstream target required")
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	m := &Manager{
		client:       &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		apiKey:       cfg.APIKey,
		apiKeyHeader: cfg.APIKeyHeader,
		logger:       logger,
	}
	for _, t := range cfg.Targets {
		u, err := url.Parse(t)
		if err != nil {
			return nil, err
		}
		m.targets = append(m.targets, u)
	}
	return m, nil
}

func (m *Manager) pick() *url.URL {
	if len(m.targets) == 1 {
		return m.targets[0]
	}
	v := m.counter.Add(1)
	idx := int(v % int64(len(m.targets)))
	if idx < 0 {
		idx = -idx
	}
	return m.targets[idx]
}

// Forward relays the resolved call and returns the upstream response
// verbatim. A missing Content-Type defaults to application/json.
func (m *Manager) Forward(ctx context.Context, r Request) (*Response, error) {
	target := m.pick()
	full := strings.TrimSuffix(target.String(), "/") + r.Path
	if r.Query != "" {
		full += "?" + r.Query
	}

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, full, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.Authorization != "" {
		req.Header.Set("Authorization", r.Authorization)
	}
	if m.apiKey != "" {
		req.Header.Set(m.apiKeyHeader, m.apiKey)
	}

	m.logger.Debugw("forwarding", "method", r.Method, "target", target.Host, "path", r.Path)
	resp, err := m.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, err
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	return &Response{Status: resp.StatusCode, ContentType: ct, Body: raw}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
