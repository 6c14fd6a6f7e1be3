// Package resilience provides retry, circuit breaker, and failure
// classification for outbound calls from the document pipeline.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// Throttler is implemented by typed errors from service clients that know
// they were rate limited. IsThrottling checks for it before falling back
// to string heuristics.
type Throttler interface {
	Throttle() bool
}

// throttleSignatures are substring heuristics for rate-limit rejections.
// Upstream services are inconsistent about how they report throttling, so
// explicit codes and loose phrases are both matched (lowercased).
var throttleSignatures = []string{
	"throttlingexception",
	"toomanyrequestsexception",
	"too many requests",
	"too many tokens",
	"rate exceeded",
	"rate limit",
	"throttled",
	"throttling",
	"429",
}

// IsThrottling reports whether the error is a rate-limit rejection that is
// safe to retry with backoff.
func IsThrottling(err error) bool {
	if err == nil {
		return false
	}

	var th Throttler
	if errors.As(err, &th) {
		return th.Throttle()
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range throttleSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// IsTransient reports whether the error is a transient infrastructure
// fault (network timeout, connection reset, DNS failure) worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"request timeout",
		"server closed idle connection",
		"transport connection broken",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"502",
		"503",
		"504",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsRetryable is the default retry predicate for model and extraction
// calls: throttling or transient infrastructure faults.
func IsRetryable(err error) bool {
	return IsThrottling(err) || IsTransient(err)
}

// ClassifyError categorizes an error for failure records.
func ClassifyError(err error) string {
	switch {
	case IsThrottling(err):
		return "throttling"
	case IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}
