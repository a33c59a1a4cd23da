// Package auth checks the shared secrets that guard inbound calls.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// ContentMACHeader carries "hmac-sha256=<hex>" over the raw request body.
const ContentMACHeader = "X-Airtable-Content-MAC"

// secretHeaders may carry the shared secret verbatim.
var secretHeaders = []string{"X-Webhook-Secret", "X-Airtable-Signature", "X-Signature"}

// VerifyWebhook accepts the request when no secret is configured, when one of
// the secret headers equals secret, or when the content MAC matches body.
func VerifyWebhook(secret string, header http.Header, body []byte) error {
	if secret == "" {
		return nil
	}
	if mac := header.Get(ContentMACHeader); mac != "" {
		if hmac.Equal([]byte(mac), []byte(ContentMAC(secret, body))) {
			return nil
		}
		return ErrInvalidSignature
	}
	for _, name := range secretHeaders {
		incoming := header.Get(name)
		if incoming == "" {
			continue
		}
		if SecretsEqual(incoming, secret) {
			return nil
		}
		return ErrInvalidSignature
	}
	return ErrInvalidSignature
}

// ContentMAC renders the content MAC header value for body.
func ContentMAC(secret string, body []byte) string {
	sum := hmac.New(sha256.New, []byte(secret))
	_, _ = sum.Write(body)
	return "hmac-sha256=" + hex.EncodeToString(sum.Sum(nil))
}

// SecretsEqual compares two secrets in constant time.
func SecretsEqual(got, want string) bool {
	if want == "" {
		return false
	}
	a := sha256.Sum256([]byte(strings.TrimSpace(got)))
	b := sha256.Sum256([]byte(want))
	return hmac.Equal(a[:], b[:])
}
