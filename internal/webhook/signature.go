// Package webhook delivers lifecycle events to subscriber URLs.
//
// Deliveries are signed with HMAC-SHA256 over the raw request body. The
// signature header carries "sha256=" followed by the lowercase hex digest.
package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
	IDHeader        = "X-Webhook-Id"

	signaturePrefix = "sha256="
	secretBytes     = 32
)

// GenerateSecret returns a new per-subscription key.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	want := Sign(secret, body)
	return hmac.Equal([]byte(want), []byte(signature))
}
