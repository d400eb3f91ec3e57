package cache

import (
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// KeyNamespace prefixes every generated key.
	KeyNamespace = "apicache"

	// KeyVersion is bumped whenever the key scheme changes, which orphans
	// every entry cached under the previous scheme.
	KeyVersion = "v2"

	// shortHashBytes is the digest prefix kept for credential and option
	// fingerprints (16 hex characters).
	shortHashBytes = 8

	// The credential and option fingerprints hash labelled input so a
	// key with only one of them cannot collide with a key with only the
	// other.
	authLabel    = "a\x00"
	optionsLabel = "o\x00"
)

// Key describes one logical request for one principal.
type Key struct {
	// Method is the HTTP method (upper-cased in the key).
	Method string

	// Path is the request path (e.g. "/v1/courses/42").
	Path string

	// Query are the query parameters, serialized sorted by name.
	Query url.Values

	// Authorization is the raw credential header value. Only a short
	// digest of it ever appears in the key.
	Authorization string

	// Headers are additional cache-affecting headers. An Authorization
	// header here is ignored; use the Authorization field.
	Headers http.Header

	// Options are cache-affecting options that are not part of the URL.
	Options map[string]string
}

// KeyFromRequest builds a Key from an outbound request. Only the headers
// named in vary (besides Authorization) affect the key.
func KeyFromRequest(req *http.Request, vary ...string) Key {
	k := Key{
		Method:        req.Method,
		Path:          req.URL.Path,
		Query:         req.URL.Query(),
		Authorization: req.Header.Get("Authorization"),
	}
	for _, name := range vary {
		values := req.Header.Values(name)
		if len(values) == 0 {
			continue
		}
		if k.Headers == nil {
			k.Headers = http.Header{}
		}
		for _, v := range values {
			k.Headers.Add(name, v)
		}
	}
	return k
}

// String generates the deterministic cache key.
// Format: apicache:v2:METHOD:path?sorted-query:authhash:opthash
//
// Example:
//
//	apicache:v2:GET:/v1/courses?page=2&per_page=50:9f86d081884c7d65
func (k Key) String() string {
	parts := []string{KeyNamespace, KeyVersion}

	if m := strings.ToUpper(strings.TrimSpace(k.Method)); m != "" {
		parts = append(parts, m)
	}
	if u := k.normalizedURL(); u != "" {
		parts = append(parts, u)
	}
	if k.Authorization != "" {
		parts = append(parts, shortHash(authLabel+k.Authorization))
	}
	if opts := k.canonicalOptions(); opts != "" {
		parts = append(parts, shortHash(optionsLabel+opts))
	}

	return strings.Join(parts, ":")
}

// normalizedURL returns the path followed by the query re-encoded in
// name order. A query embedded in Path is merged with Query.
func (k Key) normalizedURL() string {
	path := k.Path
	query := url.Values{}

	var raw string
	if i := strings.IndexByte(path, '?'); i >= 0 {
		// ParseQuery keeps the pairs it could decode. On error the raw
		// query is kept too, so malformed queries still yield distinct keys.
		embedded, err := url.ParseQuery(path[i+1:])
		for name, values := range embedded {
			query[name] = append(query[name], values...)
		}
		if err != nil {
			raw = path[i+1:]
		}
		path = path[:i]
	}
	for name, values := range k.Query {
		query[name] = append(query[name], values...)
	}

	// url.Values.Encode sorts by name and escapes '#', which keeps the
	// raw suffix unambiguous.
	encoded := query.Encode()
	if raw != "" {
		encoded += "#" + raw
	}
	if encoded != "" {
		return path + "?" + encoded
	}
	return path
}

// canonicalOptions serializes headers and options in sorted order so map
// iteration never changes the fingerprint.
func (k Key) canonicalOptions() string {
	lines := make([]string, 0, len(k.Headers)+len(k.Options))

	for name, values := range k.Headers {
		canonical := strings.ToLower(http.CanonicalHeaderKey(name))
		if canonical == "authorization" || len(values) == 0 {
			continue
		}
		lines = append(lines, "h:"+canonical+"="+strings.Join(values, ","))
	}
	for name, value := range k.Options {
		lines = append(lines, "o:"+name+"="+value)
	}

	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// shortHash returns the first shortHashBytes of the BLAKE2b-256 digest in hex.
func shortHash(s string) string {
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:shortHashBytes])
}

// Digest returns the full BLAKE2b-256 hex digest of a logical key. The
// persistent backend derives its file names from it.
func Digest(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
