// Package gateway sequences the anti-abuse pipeline in front of the catalog
// API: rate limiting, envelope signature, captcha escalation, proof-of-work,
// action routing and the upstream forward. One Service instance backs both
// the standalone binary and the embedded middleware mode.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MeowExort/pw-hub-relics/internal/action"
	"github.com/MeowExort/pw-hub-relics/internal/captcha"
	"github.com/MeowExort/pw-hub-relics/internal/config"
	"github.com/MeowExort/pw-hub-relics/internal/envelope"
	"github.com/MeowExort/pw-hub-relics/internal/observability"
	"github.com/MeowExort/pw-hub-relics/internal/pow"
	"github.com/MeowExort/pw-hub-relics/internal/ratelimit"
	"github.com/MeowExort/pw-hub-relics/internal/upstream"
)

const maxEnvelopeBytes = 1 << 20

type Service struct {
	cfg        *config.Config
	limiter    *ratelimit.Limiter
	challenges *pow.Store
	captcha    *captcha.Verifier
	actions    *action.Table
	upstream   *upstream.Manager
	stats      ratelimit.StatsStore
	metrics    *observability.Metrics
	logger     *observability.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func New(
	cfg *config.Config,
	limiter *ratelimit.Limiter,
	challenges *pow.Store,
	captchaVerifier *captcha.Verifier,
	actions *action.Table,
	upstreamMgr *upstream.Manager,
	metrics *observability.Metrics,
	logger *observability.Logger,
) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{
		cfg:        cfg,
		limiter:    limiter,
		challenges: challenges,
		captcha:    captchaVerifier,
		actions:    actions,
		upstream:   upstreamMgr,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// SetStats wires the optional decision-stats sink.
func (s *Service) SetStats(st ratelimit.StatsStore) { s.stats = st }

// Start launches the background sweeps owned by this instance.
func (s *Service) Start() {
	s.limiter.Start()
	s.challenges.Start()
}

// Stop cancels the background sweeps. Safe to call more than once.
func (s *Service) Stop() {
	s.limiter.Stop()
	s.challenges.Stop()
}

// Handler exposes the gateway endpoints for the standalone server.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/pow-challenge", s.handleChallenge)
	mux.HandleFunc("POST /api/proxy", s.handleProxy)
	return s.instrument(mux)
}

// Middleware mounts the same gateway inside a host server: gateway paths are
// intercepted, everything else falls through to next.
func (s *Service) Middleware(next http.Handler) http.Handler {
	gw := s.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/pow-challenge":
			gw.ServeHTTP(w, r)
		case r.Method == http.MethodPost && r.URL.Path == "/api/proxy":
			gw.ServeHTTP(w, r)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (s *Service) handleChallenge(w http.ResponseWriter, r *http.Request) {
	clientIP := ratelimit.ClientIP(r)
	challenge := s.challenges.Issue(clientIP)
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge":  challenge,
		"difficulty": s.challenges.Difficulty(),
	})
}

func (s *Service) handleProxy(w http.ResponseWriter, r *http.Request) {
	clientIP := ratelimit.ClientIP(r)
	fingerprint := r.Header.Get("X-Client-FP")

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEnvelopeBytes))
	if err != nil {
		s.finish(clientIP, "", "invalid_envelope")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	var env envelope.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.finish(clientIP, "", "invalid_envelope")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	isSearch := s.actions.IsSearch(env.Action)
	dec := s.limiter.Check(clientIP, fingerprint, isSearch)
	s.logger.Debugw("proxy request",
		"ip", clientIP, "fp", fingerprint != "", "search", isSearch,
		"limited", dec.Limited, "captcha", dec.CaptchaRequired, "slowdown", dec.Slowdown)

	if dec.Limited {
		s.finish(clientIP, env.Action, "rate_limited")
		w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfterSec))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "too many requests",
			"retryAfter": dec.RetryAfterSec,
		})
		return
	}

	if secret := s.cfg.Security.SigningSecret; secret != "" {
		if err := env.Verify(secret, fingerprint, s.now()); err != nil {
			s.logger.Warnw("envelope rejected", "ip", clientIP, "reason", err)
			s.finish(clientIP, env.Action, "bad_signature")
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "invalid signature"})
			return
		}
	}

	if dec.CaptchaRequired {
		token := r.Header.Get("X-Captcha-Token")
		if token == "" {
			s.finish(clientIP, env.Action, "captcha_rejected")
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error":           "captcha required",
				"captchaRequired": true,
			})
			return
		}
		if s.captcha.Enabled() && !s.captcha.Verify(r.Context(), token, clientIP) {
			s.finish(clientIP, env.Action, "captcha_rejected")
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error":           "invalid captcha token",
				"captchaRequired": true,
			})
			return
		}
	}

	powChallenge := r.Header.Get("X-PoW-Challenge")
	powNonce := r.Header.Get("X-PoW-Nonce")
	if powChallenge == "" || powNonce == "" {
		s.finish(clientIP, env.Action, "pow_rejected")
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":       "proof-of-work required",
			"powRequired": true,
		})
		return
	}
	if err := s.challenges.Redeem(powChallenge, powNonce); err != nil {
		s.finish(clientIP, env.Action, "pow_rejected")
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":       powMessage(err),
			"powRequired": true,
		})
		return
	}

	// All gates passed: hold near-limit clients back, then count the request.
	if dec.Slowdown > 0 {
		s.sleep(r.Context(), dec.Slowdown)
	}
	s.limiter.Record(clientIP, fingerprint, isSearch)

	route, ok := s.actions.Resolve(env.Action)
	if !ok {
		// do not echo the id back
		s.logger.Warnw("unknown action", "ip", clientIP)
		s.finish(clientIP, env.Action, "unknown_action")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown action"})
		return
	}

	params := map[string]any{}
	if env.Payload != "" {
		if err := json.Unmarshal([]byte(env.Payload), &params); err != nil {
			s.finish(clientIP, env.Action, "invalid_envelope")
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
			return
		}
	}

	path, remaining := action.ResolvePath(route.Path, params)
	upReq := upstream.Request{
		Method:        route.Method,
		Path:          path,
		Authorization: r.Header.Get("Authorization"),
	}
	switch route.Method {
	case http.MethodPost, http.MethodPut:
		body, err := json.Marshal(remaining)
		if err != nil {
			s.finish(clientIP, env.Action, "invalid_envelope")
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
			return
		}
		upReq.Body = body
	default:
		upReq.Query = action.BuildQuery(remaining)
	}

	start := s.now()
	resp, err := s.upstream.Forward(r.Context(), upReq)
	if s.metrics != nil {
		s.metrics.UpstreamDuration.WithLabelValues(route.Method).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, upstream.ErrTimeout) {
			s.logger.Warnw("upstream timeout", "method", route.Method, "path", path)
			s.finish(clientIP, env.Action, "upstream_timeout")
			writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": "upstream timeout"})
			return
		}
		s.logger.Errorw("upstream forward failed", "method", route.Method, "path", path, "err", err)
		s.finish(clientIP, env.Action, "upstream_error")
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "upstream unavailable"})
		return
	}

	s.finish(clientIP, env.Action, "allowed")
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// finish accounts the terminal outcome in prometheus and, when configured,
// the out-of-band stats sink. The sink must never delay the response.
func (s *Service) finish(key, actionID, outcome string) {
	if s.metrics != nil {
		s.metrics.ProxyRequests.WithLabelValues(outcome).Inc()
	}
	if s.stats == nil {
		return
	}
	ev := ratelimit.StatsEvent{Key: key, Outcome: outcome, Action: actionID, At: s.now()}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.stats.Record(ctx, ev); err != nil {
			s.logger.Debugw("stats record failed", "err", err)
		}
	}()
}

func powMessage(err error) string {
	switch {
	case errors.Is(err, pow.ErrExpired):
		return "proof-of-work challenge expired"
	case errors.Is(err, pow.ErrInvalid):
		return "invalid proof-of-work solution"
	default:
		return "invalid proof-of-work challenge"
	}
}

// sleepCtx waits for d without blocking other requests, giving up early if
// the caller aborts.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

