package models

import (
	"strings"
	"time"
)

// EndpointClass groups endpoints that share a request allowance.
type EndpointClass string

const (
	// ClassRead covers listing and lookups.
	ClassRead EndpointClass = "read"
	// ClassWrite covers evaluations, resolutions and other mutations.
	ClassWrite EndpointClass = "write"
)

// IsValid checks if the endpoint class is one of the supported enum values.
func (c EndpointClass) IsValid() bool {
	return c == ClassRead || c == ClassWrite
}

func (c EndpointClass) String() string { return string(c) }

// KeyPrefix names what a bucket is keyed on.
type KeyPrefix string

const (
	KeyPrefixIdentity KeyPrefix = "identity"
	KeyPrefixIP       KeyPrefix = "ip"
)

// Limit is an allowance of Requests per sliding Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// RateLimitResult represents the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
}

// RateLimitExceededResponse is the 429 body.
type RateLimitExceededResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	RetryAfter       int    `json:"retry_after"`
}

// SanitizeKeySegment escapes the key delimiter so an identifier like
// "user:admin" cannot land in another bucket.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// BucketKey builds "rl:<prefix>:<class>:<identifier>".
func BucketKey(prefix KeyPrefix, class EndpointClass, identifier string) string {
	return "rl:" + string(prefix) + ":" + string(class) + ":" + SanitizeKeySegment(identifier)
}

// RetryAfterSeconds rounds the wait until resetAt up to whole seconds.
func RetryAfterSeconds(now, resetAt time.Time) int {
	wait := resetAt.Sub(now)
	if wait <= 0 {
		return 1
	}
	return int((wait + time.Second - 1) / time.Second)
}
