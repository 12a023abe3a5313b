// Package envelope models the signed payload clients submit to the proxy
// endpoint. The envelope is attacker-controlled; the signature and timestamp
// window are the only parts the gateway trusts, and only when a signing
// secret is configured.
package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// TimestampWindow is the tolerated clock skew between client and gateway,
// matching the client signer.
const TimestampWindow = 30 * time.Second

var (
	ErrBadSignature   = errors.New("signature mismatch")
	ErrStaleTimestamp = errors.New("timestamp outside validity window")
)

type Envelope struct {
	Action    string `json:"action"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// Verify checks the HMAC-SHA256 signature over
// action:payload:timestamp:nonce:fingerprint and the timestamp freshness.
func (e *Envelope) Verify(secret, fingerprint string, now time.Time) error {
	issued := time.UnixMilli(e.Timestamp)
	age := now.Sub(issued)
	if age > TimestampWindow || age < -TimestampWindow {
		return ErrStaleTimestamp
	}

	input := e.Action + ":" + e.Payload + ":" + strconv.FormatInt(e.Timestamp, 10) + ":" + e.Nonce + ":" + fingerprint
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(input))
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(want), []byte(e.Signature)) {
		return ErrBadSignature
	}
	return nil
}
