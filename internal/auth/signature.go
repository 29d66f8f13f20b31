package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HubSpot v3 signature headers.
const (
	HeaderSignatureV3      = "X-HubSpot-Signature-v3"
	HeaderRequestTimestamp = "X-HubSpot-Request-Timestamp"
)

// DefaultMaxSkew is the replay window HubSpot documents for v3 signatures.
const DefaultMaxSkew = 5 * time.Minute

// ErrInvalidSignature is returned for any request that fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Request is the raw inbound webhook as the verifier sees it.
// URL is the absolute URL the sender signed, including the query string.
type Request struct {
	Method     string
	URL        string
	Header     http.Header
	Body       []byte
	ReceivedAt time.Time
}

// Verifier decides whether a webhook request really came from HubSpot.
type Verifier interface {
	Verify(req Request) error
}

// NoopVerifier accepts every request. It is the default until an app secret is
// configured.
type NoopVerifier struct{}

func (NoopVerifier) Verify(Request) error { return nil }

// HubSpotV3Verifier checks X-HubSpot-Signature-v3: base64(HMAC-SHA256(secret,
// method + url + body + timestamp)), with the timestamp in epoch milliseconds.
type HubSpotV3Verifier struct {
	Secret  string
	MaxSkew time.Duration
}

func NewHubSpotV3Verifier(secret string, maxSkew time.Duration) (*HubSpotV3Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("hubspot v3 verifier requires the app client secret")
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &HubSpotV3Verifier{Secret: secret, MaxSkew: maxSkew}, nil
}

func (v *HubSpotV3Verifier) Verify(req Request) error {
	signature := strings.TrimSpace(req.Header.Get(HeaderSignatureV3))
	timestamp := strings.TrimSpace(req.Header.Get(HeaderRequestTimestamp))
	if signature == "" || timestamp == "" {
		return fmt.Errorf("%w: missing signature headers", ErrInvalidSignature)
	}

	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp", ErrInvalidSignature)
	}
	now := req.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}
	delta := now.Sub(time.UnixMilli(ms))
	if delta < 0 {
		delta = -delta
	}
	if delta > v.MaxSkew {
		return fmt.Errorf("%w: request outside replay window", ErrInvalidSignature)
	}

	expected := SignV3(v.Secret, req.Method, req.URL, req.Body, timestamp)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
	}
	return nil
}

// v3Unescaper decodes the escapes HubSpot expands in the URI before signing.
// Every other escape is signed as sent.
var v3Unescaper = strings.NewReplacer(
	"%3A", ":",
	"%2F", "/",
	"%3F", "?",
	"%40", "@",
	"%21", "!",
	"%24", "$",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
	"%2C", ",",
	"%3B", ";",
)

// SignV3 computes the v3 signature for the given request parts.
func SignV3(secret, method, url string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strings.ToUpper(method)))
	_, _ = mac.Write([]byte(v3Unescaper.Replace(url)))
	_, _ = mac.Write(body)
	_, _ = mac.Write([]byte(timestamp))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// NewVerifier picks a verifier by mode name: "none" (default) or "v3".
func NewVerifier(mode, secret string, maxSkew time.Duration) (Verifier, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "none":
		return NoopVerifier{}, nil
	case "v3":
		return NewHubSpotV3Verifier(secret, maxSkew)
	default:
		return nil, fmt.Errorf("unknown webhook signature mode %q", mode)
	}
}
