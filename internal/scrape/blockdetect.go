package scrape

import (
	"net/http"
	"strings"
)

// BlockType describes the kind of block detected.
type BlockType string

const (
	BlockNone         BlockType = ""
	BlockRateLimit    BlockType = "rate_limit"
	BlockCloudflare   BlockType = "cloudflare"
	BlockCaptcha      BlockType = "captcha"
	BlockAccessDenied BlockType = "access_denied"
	BlockJSShell      BlockType = "js_shell"
	BlockEmpty        BlockType = "empty"
)

// Product pages routinely embed recaptcha for login widgets, so body markers
// are only trusted on small documents or error statuses.
const markerBodyLimit = 20000

var (
	challengeMarkers = []string{
		"checking your browser",
		"cf-browser-verification",
		"just a moment...",
		"attention required! | cloudflare",
	}
	captchaMarkers = []string{
		"captcha",
		"are you a robot",
		"verify you are human",
		"px-captcha",
	}
	deniedMarkers = []string{
		"access denied",
		"access to this page has been denied",
		"request blocked",
		"pardon our interruption",
	}
)

// DetectBlock checks an HTTP response for rate limiting or anti-bot
// protection.
func DetectBlock(resp *http.Response, body []byte) (bool, BlockType) {
	if resp == nil {
		return false, BlockNone
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return true, BlockRateLimit
	}

	// Cloudflare: 403/503 with cf-* headers.
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header.Get("cf-ray") != "" || resp.Header.Get("cf-cache-status") != "" {
			return true, BlockCloudflare
		}
		if strings.EqualFold(resp.Header.Get("server"), "cloudflare") {
			return true, BlockCloudflare
		}
	}

	if resp.StatusCode >= 400 {
		return matchMarkers(body)
	}
	return DetectBlockBody(body)
}

// DetectBlockBody inspects page markup alone. Provider tiers use it where the
// origin response is not visible. Full-size documents are never treated as
// block pages.
func DetectBlockBody(body []byte) (bool, BlockType) {
	if len(body) >= markerBodyLimit {
		return false, BlockNone
	}
	return matchMarkers(body)
}

func matchMarkers(body []byte) (bool, BlockType) {
	if len(body) > markerBodyLimit {
		body = body[:markerBodyLimit]
	}
	lower := strings.ToLower(string(body))

	if containsAny(lower, challengeMarkers) ||
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge") {
		return true, BlockCloudflare
	}
	if containsAny(lower, captchaMarkers) {
		return true, BlockCaptcha
	}
	if containsAny(lower, deniedMarkers) {
		return true, BlockAccessDenied
	}

	// JS-only shell: very small body with noscript or meta refresh.
	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return true, BlockJSShell
		}
		if strings.Contains(lower, "meta http-equiv=\"refresh\"") {
			return true, BlockJSShell
		}
	}
	return false, BlockNone
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
