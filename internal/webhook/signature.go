// Package webhook is the inbound edge of pagehook: signature verification,
// raw body capture and the HTTP endpoint that turns a signed platform
// delivery into a WebhookEnvelope on the durable queue.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries "sha256=<hex HMAC of the raw body>".
const SignatureHeader = "X-Hub-Signature-256"

// signatureAlgorithm is the only tag accepted before the "=".
const signatureAlgorithm = "sha256"

// Verify reports whether signatureHeader is a valid HMAC-SHA256 of rawBody
// under secret. The header must have the exact form "sha256=<hex>"; any other
// algorithm tag is rejected before an HMAC is computed. An empty secret never
// verifies.
func Verify(signatureHeader string, rawBody []byte, secret string) bool {
	if signatureHeader == "" || secret == "" {
		return false
	}

	algo, digest, ok := strings.Cut(signatureHeader, "=")
	if !ok || strings.Contains(digest, "=") {
		return false
	}
	if !strings.EqualFold(algo, signatureAlgorithm) {
		return false
	}

	provided, err := hex.DecodeString(digest)
	if err != nil || len(provided) != sha256.Size {
		return false
	}

	return hmac.Equal(provided, computeHMAC(rawBody, secret))
}

// Sign returns the header value a sender using secret would attach to body.
func Sign(body []byte, secret string) string {
	return signatureAlgorithm + "=" + hex.EncodeToString(computeHMAC(body, secret))
}

func computeHMAC(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureVerifier binds Verify to the configured app secret.
type SignatureVerifier struct {
	secret string
}

// NewSignatureVerifier returns a verifier for secret.
func NewSignatureVerifier(secret string) *SignatureVerifier {
	return &SignatureVerifier{secret: secret}
}

// Verify checks signatureHeader against rawBody.
func (v *SignatureVerifier) Verify(signatureHeader string, rawBody []byte) bool {
	return Verify(signatureHeader, rawBody, v.secret)
}
