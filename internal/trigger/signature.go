package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body keyed
// by the webhook secret.
const SignatureHeader = "X-Conveyr-Signature"

// Sign computes the signature a caller must present for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time. An empty presented signature
// never verifies, even against an empty body.
func VerifySignature(secret string, body []byte, presented string) bool {
	if presented == "" {
		return false
	}
	want, err := hex.DecodeString(presented)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
