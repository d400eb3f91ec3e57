package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TTLFromHeaders derives a cache lifetime from response headers.
//
// Cache-Control max-age (or s-maxage) wins over Expires. When neither is
// present, or Expires cannot be parsed, fallback is returned. ok is false
// when the response must not be cached at all (no-store, no-cache,
// private, max-age=0 or an Expires in the past).
func TTLFromHeaders(headers http.Header, fallback time.Duration, now time.Time) (ttl time.Duration, ok bool) {
	if cc := headers.Get("Cache-Control"); cc != "" {
		maxAge := -1
		for _, directive := range strings.Split(cc, ",") {
			name, value, _ := strings.Cut(strings.TrimSpace(directive), "=")
			name = strings.ToLower(name)
			switch name {
			case "no-store", "no-cache", "private":
				return 0, false
			case "max-age", "s-maxage":
				if secs, err := strconv.Atoi(strings.Trim(value, `"`)); err == nil && (maxAge < 0 || name == "s-maxage") {
					maxAge = secs
				}
			}
		}
		if maxAge == 0 {
			return 0, false
		}
		if maxAge > 0 {
			return time.Duration(maxAge) * time.Second, true
		}
	}

	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return fallback, fallback > 0
	}

	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		// Unparseable expires header - use fallback
		return fallback, fallback > 0
	}

	if !expires.After(now) {
		return 0, false
	}
	return expires.Sub(now), true
}
