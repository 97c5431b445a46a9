// Package reliability decides which upstream failures are worth retrying.
package reliability

import "time"

// Provider error codes seen on ElevenLabs and Deepgram realtime sockets.
// Anything not listed is treated as permanent.
var retryableProviderCodes = map[string]bool{
	"error":                       true,
	"rate_limited":                true,
	"resource_exhausted":          true,
	"queue_overflow":              true,
	"transcriber_error":           true,
	"session_time_limit_exceeded": true,
	"NET-0001":                    true, // deepgram: no audio received in time
	"auth_error":                  false,
	"quota_exceeded":              false,
	"input_error":                 false,
	"chunk_size_exceeded":         false,
}

// IsRetryableHTTPStatus reports whether a vendor HTTP status is transient.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// IsRetryableProviderCode classifies the error code of a realtime provider message.
func IsRetryableProviderCode(code string) bool {
	return retryableProviderCodes[code]
}

// IsRetryableCloseCode classifies a websocket close code sent by a provider.
func IsRetryableCloseCode(code int) bool {
	switch code {
	case 1001, // going away
		1006, // abnormal closure, no close frame
		1011, // server error
		1012, // service restart
		1013: // try again later
		return true
	}
	return false
}

// ExponentialBackoff doubles base per attempt and never exceeds limit.
// Attempt 0 returns base.
func ExponentialBackoff(attempt int, base, limit time.Duration) time.Duration {
	if base <= 0 || base >= limit {
		return limit
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	return d
}
