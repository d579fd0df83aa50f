// Package cache provides a layered (memory + disk) cache for GovInfo API
// pages and granule text downloads, so resumed runs do not re-spend request
// budget on pages already seen.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"time"
)

// Cache defines the interface for caching.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

// Key generates a cache key from a request URL and its query parameters.
// The api_key parameter is excluded so cached pages survive key rotation.
func Key(rawURL string, params url.Values) string {
	if len(params) > 0 {
		params = cloneValues(params)
		params.Del("api_key")
		rawURL += "?" + params.Encode()
	}
	hash := sha256.Sum256([]byte(rawURL))
	return "crecpipe:v1:" + hex.EncodeToString(hash[:])
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
