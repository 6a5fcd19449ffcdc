package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature is returned when a delivery fails authentication.
var ErrInvalidSignature = errors.New("webhook: invalid signature")

// Trust models.
const (
	TrustDirect = "direct"
	TrustRelay  = "relay"
)

// Header names.
const (
	HeaderStripeSignature      = "Stripe-Signature"
	HeaderNOWPaymentsSignature = "x-nowpayments-sig"
	HeaderRelaySignature       = "x-hookdeck-signature"
)

// Verifier authenticates a raw delivery. The returned digest identifies the
// signed request for replay detection.
type Verifier interface {
	Verify(header http.Header, body []byte) (digest string, err error)
}

// StripeVerifier checks the Stripe-Signature scheme: HMAC-SHA256 over
// "<t>.<body>" with a bounded timestamp skew.
type StripeVerifier struct {
	Secret    []byte
	Tolerance time.Duration
	Now       func() time.Time
}

// Verify implements Verifier.
func (v StripeVerifier) Verify(header http.Header, body []byte) (string, error) {
	raw := strings.TrimSpace(header.Get(HeaderStripeSignature))
	if raw == "" || len(v.Secret) == 0 {
		return "", ErrInvalidSignature
	}
	var timestamp string
	var candidates []string
	for _, part := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if timestamp == "" || len(candidates) == 0 {
		return "", ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", ErrInvalidSignature
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	skew := now().Sub(time.Unix(unix, 0))
	if skew > tolerance || skew < -tolerance {
		return "", fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, v.Secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)
	for _, candidate := range candidates {
		decoded, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return hex.EncodeToString(expected), nil
		}
	}
	return "", ErrInvalidSignature
}

// NOWPaymentsVerifier checks the hex HMAC-SHA512 of the raw body.
type NOWPaymentsVerifier struct {
	Secret []byte
}

// Verify implements Verifier.
func (v NOWPaymentsVerifier) Verify(header http.Header, body []byte) (string, error) {
	signature := strings.TrimSpace(header.Get(HeaderNOWPaymentsSignature))
	if signature == "" || len(v.Secret) == 0 {
		return "", ErrInvalidSignature
	}
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return "", ErrInvalidSignature
	}
	mac := hmac.New(sha512.New, v.Secret)
	mac.Write(body)
	expected := mac.Sum(nil)
	if !hmac.Equal(decoded, expected) {
		return "", ErrInvalidSignature
	}
	return hex.EncodeToString(expected), nil
}

// RelayVerifier checks the base64 HMAC-SHA256 a webhook relay adds after it
// has authenticated the processor itself.
type RelayVerifier struct {
	Secret []byte
	Header string
}

// Verify implements Verifier.
func (v RelayVerifier) Verify(header http.Header, body []byte) (string, error) {
	name := v.Header
	if name == "" {
		name = HeaderRelaySignature
	}
	signature := strings.TrimSpace(header.Get(name))
	if signature == "" || len(v.Secret) == 0 {
		return "", ErrInvalidSignature
	}
	decoded, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return "", ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write(body)
	expected := mac.Sum(nil)
	if !hmac.Equal(decoded, expected) {
		return "", ErrInvalidSignature
	}
	return hex.EncodeToString(expected), nil
}
