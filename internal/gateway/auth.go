package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/openclaw/vcevidence/internal/apierr"
)

const maxClockSkewSeconds = 300

// requireSignature verifies the X-VC-Timestamp/X-VC-Signature header pair
// against the gateway's shared secret before invoking next, per §4.1. The
// request body is buffered and replaced so downstream handlers can still
// read it.
func (s *Server) requireSignature(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.profile.SharedSecret == "" {
			next(w, r)
			return
		}

		timestampHeader := r.Header.Get("X-VC-Timestamp")
		signatureHeader := r.Header.Get("X-VC-Signature")
		if timestampHeader == "" || signatureHeader == "" {
			apierr.WriteGatewayError(w, apierr.Unauthorized("missing signature headers"))
			return
		}

		timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
		if err != nil {
			apierr.WriteGatewayError(w, apierr.Unauthorized("malformed timestamp"))
			return
		}
		if math.Abs(float64(time.Now().Unix()-timestamp)) > maxClockSkewSeconds {
			apierr.WriteGatewayError(w, apierr.Unauthorized("timestamp outside allowed window"))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, s.bodyLimitBytes()+1))
		if err != nil {
			apierr.WriteGatewayError(w, apierr.Protocol("failed to read body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		mac := hmac.New(sha256.New, []byte(s.profile.SharedSecret))
		mac.Write([]byte(timestampHeader + "."))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))

		if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
			apierr.WriteGatewayError(w, apierr.Unauthorized("invalid signature"))
			return
		}

		next(w, r)
	}
}
