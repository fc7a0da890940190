package scrape

import (
	"errors"
	"fmt"

	"github.com/sells-group/pricescout/internal/model"
)

// ErrorKind classifies a tier failure for escalation and retry decisions.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindNetwork       ErrorKind = "network"
	KindBlocked       ErrorKind = "blocked"
	KindExtraction    ErrorKind = "extraction_miss"
	KindVision        ErrorKind = "vision"
	KindConfiguration ErrorKind = "configuration"
	KindCanceled      ErrorKind = "canceled"
	KindUnknown       ErrorKind = "unknown"
)

// NetworkError is a timeout, refused connection, DNS failure or an error
// status from the origin. The next tier or the queue's backoff retries it.
type NetworkError struct {
	Tier       model.Tier
	URL        string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s: timeout fetching %s: %v", e.Tier, e.URL, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: HTTP %d from %s", e.Tier, e.StatusCode, e.URL)
	default:
		return fmt.Sprintf("%s: fetch %s: %v", e.Tier, e.URL, e.Err)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// BlockedError is a 429 or an anti-bot page. It is never retried on the same
// tier and always carries the throttle's rate-limit penalty.
type BlockedError struct {
	Tier        model.Tier
	URL         string
	StatusCode  int
	Block       BlockType
	RateLimited bool
	Err         error
}

func (e *BlockedError) Error() string {
	if e.RateLimited && e.Block == BlockRateLimit {
		return fmt.Sprintf("%s: rate limited by %s", e.Tier, e.URL)
	}
	return fmt.Sprintf("%s: blocked by %s (%s)", e.Tier, e.URL, e.Block)
}

func (e *BlockedError) Unwrap() error { return e.Err }

// ExtractionMiss means the page was fetched but no selector yielded a
// usable value.
type ExtractionMiss struct {
	Tier  model.Tier
	URL   string
	Field model.Field
	Tried int
	Err   error
}

func (e *ExtractionMiss) Error() string {
	return fmt.Sprintf("%s: no %s found on %s (%d selectors tried)", e.Tier, e.Field, e.URL, e.Tried)
}

func (e *ExtractionMiss) Unwrap() error { return e.Err }

// VisionExtractionError is an unparseable or implausible model answer. It is
// terminal for the task.
type VisionExtractionError struct {
	URL    string
	Reason string
	Err    error
}

func (e *VisionExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", model.TierVision, e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", model.TierVision, e.URL, e.Reason)
}

func (e *VisionExtractionError) Unwrap() error { return e.Err }

// ConfigurationError means the tier cannot work at all in this process:
// missing credentials, no proxies, provider refusing the account. The tier
// is disabled for the rest of the run.
type ConfigurationError struct {
	Tier   model.Tier
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: misconfigured: %s", e.Tier, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Classify returns the taxonomy kind of err.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var (
		cfgErr    *ConfigurationError
		blocked   *BlockedError
		visionErr *VisionExtractionError
		miss      *ExtractionMiss
		netErr    *NetworkError
	)
	switch {
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.As(err, &blocked):
		return KindBlocked
	case errors.As(err, &visionErr):
		return KindVision
	case errors.As(err, &miss):
		return KindExtraction
	case errors.As(err, &netErr):
		return KindNetwork
	case isCanceled(err):
		return KindCanceled
	default:
		return KindUnknown
	}
}
