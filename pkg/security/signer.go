package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxSkew is the maximum allowed difference between a request's declared
// timestamp and the Coordinator's clock.
const MaxSkew = 30 * time.Second

// Signer computes and verifies the HMAC-SHA256 request signature shared by
// every authenticated inbound call:
//
//	HMAC_SHA256(key, "METHOD|PATH|TIMESTAMP|HEX(SHA256(BODY))")
//
// base64-encoded and compared in constant time.
type Signer struct{}

// NewSigner returns a ready-to-use Signer. It carries no state; the key is
// supplied per call so one Signer serves every identity.
func NewSigner() *Signer {
	return &Signer{}
}

// StringToSign builds the canonical string the signature covers.
func StringToSign(method, path string, timestamp int64, body []byte) string {
	bodyHash := sha256.Sum256(body)
	return strings.Join([]string{
		strings.ToUpper(method),
		path,
		strconv.FormatInt(timestamp, 10),
		hex.EncodeToString(bodyHash[:]),
	}, "|")
}

// Sign returns the base64-encoded HMAC-SHA256 signature for a request.
func (s *Signer) Sign(key []byte, method, path string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(StringToSign(method, path, timestamp, body)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the correct base64-encoded
// HMAC-SHA256 signature for the request, and whether timestamp is within
// MaxSkew of now. Both checks run in constant time with respect to the
// supplied signature value.
func (s *Signer) Verify(key []byte, method, path string, timestamp int64, body []byte, signature string, now time.Time) error {
	if d := now.Unix() - timestamp; d > int64(MaxSkew.Seconds()) || d < -int64(MaxSkew.Seconds()) {
		return fmt.Errorf("timestamp skew %ds exceeds %s", d, MaxSkew)
	}

	want, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("malformed signature encoding: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(StringToSign(method, path, timestamp, body)))
	got := mac.Sum(nil)

	if subtle.ConstantTimeCompare(want, got) != 1 {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
