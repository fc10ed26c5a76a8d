// Package signature verifies HMAC-SHA256 webhook signatures.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrMissingSignature = errors.New("signature is missing")
	ErrInvalidSignature = errors.New("signature is invalid")
)

// Sign returns the lowercase hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	return hex.EncodeToString(compute(secret, body))
}

// SignBase64 returns the standard base64 HMAC-SHA256 of body.
func SignBase64(secret string, body []byte) string {
	return base64.StdEncoding.EncodeToString(compute(secret, body))
}

// Verify reports whether signatureHex is the HMAC-SHA256 of body. Hex case
// and surrounding whitespace are ignored; the digest comparison is constant time.
func Verify(secret string, body []byte, signatureHex string) bool {
	if secret == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signatureHex))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	return hmac.Equal(got, compute(secret, body))
}

// VerifyBase64 is Verify for base64 encoded signatures such as
// X-Shopify-Hmac-Sha256.
func VerifyBase64(secret string, body []byte, signatureB64 string) bool {
	if secret == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureB64))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	return hmac.Equal(got, compute(secret, body))
}

// Check wraps Verify with the sentinel errors used by callers that need to
// tell a missing header from a forged one.
func Check(secret string, body []byte, signatureHex string) error {
	if strings.TrimSpace(signatureHex) == "" {
		return ErrMissingSignature
	}
	if !Verify(secret, body, signatureHex) {
		return ErrInvalidSignature
	}
	return nil
}

func CheckBase64(secret string, body []byte, signatureB64 string) error {
	if strings.TrimSpace(signatureB64) == "" {
		return ErrMissingSignature
	}
	if !VerifyBase64(secret, body, signatureB64) {
		return ErrInvalidSignature
	}
	return nil
}

func compute(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
