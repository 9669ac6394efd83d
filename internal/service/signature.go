package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignBody computes the hex-encoded HMAC-SHA256 of a webhook body.
func SignBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature header against the raw body.
// The header value may carry an optional "sha256=" prefix. Comparison is
// constant-time.
func VerifySignature(body []byte, secret, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	header = strings.TrimPrefix(header, "sha256=")

	expected := SignBody(body, secret)
	return hmac.Equal([]byte(expected), []byte(header))
}
