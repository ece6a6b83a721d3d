package domain

import "strings"

// ErrorKind replaces exception-matching for pool-crash and auth-expiry
// detection with an explicit result type, per the design notes on
// exceptions used for control flow.
type ErrorKind string

const (
	// KindTransient covers unreachable queue/database/upstream 5xx; never consumes retry budget.
	KindTransient ErrorKind = "transient"
	// KindPoolCrash covers a worker child/goroutine terminating abnormally mid-job.
	KindPoolCrash ErrorKind = "pool_crash"
	// KindAuthExpired covers a recognized expired-token signal from a provider.
	KindAuthExpired ErrorKind = "auth_expired"
	// KindValidation covers audio too short/silent/NaN; consumes one retry.
	KindValidation ErrorKind = "validation"
	// KindPermanent covers oversized file, OOM, unsupported format, batch timeout.
	KindPermanent ErrorKind = "permanent"
)

// RetryConfig bounds the retry ladder for track analysis jobs.
type RetryConfig struct {
	MaxRetries      int
	StalenessWindow int // minutes
}

// DefaultRetryConfig returns the default retry ladder.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, StalenessWindow: 15}
}

// ShouldRetry reports whether a track under the given retry count may still
// be retried under this config.
func (c RetryConfig) ShouldRetry(retryCount int) bool {
	return retryCount < c.MaxRetries
}

// ClassifyError maps an error to an ErrorKind by case-insensitive
// message-substring markers (wrapped sentinels match through their
// messages), so callers branch on the kind instead of re-parsing error
// strings. An error with no recognized marker is KindTransient.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "broken process pool"), strings.Contains(msg, "pool crash"), strings.Contains(msg, "worker pool crashed"):
		return KindPoolCrash
	case strings.Contains(msg, "token expired"), strings.Contains(msg, "expired token"), strings.Contains(msg, "401"):
		return KindAuthExpired
	case strings.Contains(msg, "too short"), strings.Contains(msg, "silen"), strings.Contains(msg, "non-finite"), strings.Contains(msg, "nan"):
		return KindValidation
	case strings.Contains(msg, "out of memory"), strings.Contains(msg, "oversized"), strings.Contains(msg, "unsupported format"), strings.Contains(msg, "batch timeout"):
		return KindPermanent
	default:
		return KindTransient
	}
}
