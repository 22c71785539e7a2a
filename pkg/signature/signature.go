// Package signature signs outbound webhook bodies and verifies them on the receiving side.
//
// The signature is the hex encoded HMAC-SHA256 of timestamp + "." + body, where timestamp
// is the decimal Unix time sent in the X-Timestamp header.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderDeliveryID = "X-Delivery-Id"
	HeaderEventType  = "X-Event-Type"
	HeaderTimestamp  = "X-Timestamp"
	HeaderSignature  = "X-Signature"

	// DefaultTolerance is the accepted clock skew between sender and receiver.
	DefaultTolerance = 5 * time.Minute
)

var (
	ErrMissingHeaders    = errors.New("missing signature headers")
	ErrInvalidTimestamp  = errors.New("invalid signature timestamp")
	ErrTimestampExpired  = errors.New("signature timestamp outside tolerance")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Sign returns the hex HMAC-SHA256 of timestamp + "." + body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

// Timestamp formats t the way Sign expects it.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// Verify recomputes the signature and compares it in constant time. The timestamp must lie
// within tolerance of now in either direction; a zero tolerance disables the window check.
func Verify(secret, timestamp string, body []byte, sig string, now time.Time, tolerance time.Duration) error {
	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimestamp, timestamp)
	}

	if tolerance > 0 {
		skew := now.Sub(time.Unix(seconds, 0))
		if skew < 0 {
			skew = -skew
		}

		if skew > tolerance {
			return fmt.Errorf("%w: skew %s exceeds %s", ErrTimestampExpired, skew, tolerance)
		}
	}

	expected, err := hex.DecodeString(Sign(secret, timestamp, body))
	if err != nil {
		return err
	}

	given, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(expected, given) {
		return ErrSignatureMismatch
	}

	return nil
}

// VerifyRequest verifies r against secret and returns the body, which stays readable on r.
func VerifyRequest(r *http.Request, secret string, tolerance time.Duration) ([]byte, error) {
	timestamp := r.Header.Get(HeaderTimestamp)
	sig := r.Header.Get(HeaderSignature)

	if timestamp == "" || sig == "" {
		return nil, ErrMissingHeaders
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	r.Body = io.NopCloser(bytes.NewReader(body))

	if err := Verify(secret, timestamp, body, sig, time.Now(), tolerance); err != nil {
		return nil, err
	}

	return body, nil
}
