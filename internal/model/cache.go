package model

import "time"

// CacheEntry holds the validators and last good result for a URL.
type CacheEntry struct {
	URL          string        `json:"url"`
	ETag         string        `json:"etag"`
	LastModified string        `json:"last_modified"`
	Result       ScrapeResult  `json:"result"`
	CachedAt     time.Time     `json:"cached_at"`
	TTL          time.Duration `json:"ttl"`
}

// Expired reports whether the entry is past its TTL at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.CachedAt.Add(e.TTL))
}

// HasValidators reports whether a conditional request can be built.
func (e *CacheEntry) HasValidators() bool {
	return e.ETag != "" || e.LastModified != ""
}
