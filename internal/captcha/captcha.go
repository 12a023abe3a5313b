// Package captcha validates hCaptcha solution tokens against the siteverify
// endpoint. Without a configured secret the gate accepts tokens uncritically;
// that fail-open is an operational choice, not an oversight.
package captcha

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MeowExort/pw-hub-relics/internal/observability"
)

const DefaultEndpoint = "https://api.hcaptcha.com/siteverify"

type Verifier struct {
	secret   string
	endpoint string
	client   *http.Client
	logger   *observability.Logger
}

func NewVerifier(secret, endpoint string, logger *observability.Logger) *Verifier {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Verifier{
		secret:   secret,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

// Enabled reports whether strict validation is configured.
func (v *Verifier) Enabled() bool { return v.secret != "" }

// Verify asks the external service whether token is a valid solution for the
// given client IP. Any transport failure, non-2xx status, or non-true result
// counts as invalid.
func (v *Verifier) Verify(ctx context.Context, token, clientIP string) bool {
	form := url.Values{
		"secret":   {v.secret},
		"response": {token},
		"remoteip": {clientIP},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		v.logger.Errorw("captcha request build failed", "err", err)
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Errorw("captcha verification call failed", "err", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		v.logger.Warnw("captcha verification bad status", "status", resp.StatusCode)
		return false
	}

	var body struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		v.logger.Errorw("captcha verification bad body", "err", err)
		return false
	}
	return body.Success
}
