// Package parser implements the ResponseParser (spec.md §4.2):
// per-format usage/text/error extraction from a decoded JSON chunk,
// grounded on original_source/src/api/handlers/base/parsers.py (the
// embedded-status-code extraction and the three-shape cache-creation
// rule are taken directly from that file).
package parser

import (
	"regexp"
	"strconv"

	"github.com/tidwall/gjson"
)

// Result is what a per-format Parse call extracts from one chunk.
type Result struct {
	TextDelta       string
	InputTokens     int
	OutputTokens    int
	CacheReadTokens int
	CacheCreation5m int
	CacheCreation1h int
	Done            bool
	IsError         bool
	ErrorStatus     int
	ErrorMessage    string
}

// statusCodeRe matches "status code NNN", "status NNN", or "HTTP NNN"
// embedded in a free-text error message — grounded on parsers.py's
// _extract_embedded_status_code regex fallback (step 3 of its
// extraction order). No third-party regex engine appears anywhere in
// the retrieved example pack, so stdlib regexp is used (see DESIGN.md).
var statusCodeRe = regexp.MustCompile(`(?i)(?:status code|status|http)\s+(\d{3})`)

// typeToCode maps a provider error "type"/"status" string to an HTTP
// status when no numeric code is embedded anywhere else.
var typeToCode = map[string]int{
	"RESOURCE_EXHAUSTED":    429,
	"PERMISSION_DENIED":     403,
	"UNAUTHENTICATED":       401,
	"INVALID_ARGUMENT":      400,
	"NOT_FOUND":             404,
	"UNAVAILABLE":           503,
	"DEADLINE_EXCEEDED":     504,
	"rate_limit_error":      429,
	"authentication_error":  401,
	"permission_error":      403,
	"invalid_request_error": 400,
	"overloaded_error":      529,
}

// ExtractEmbeddedStatusCode extracts an HTTP-style status code from an
// error payload in priority order: explicit numeric `code`/`status`
// field, then a regex match on the message text, then a type→code map.
func ExtractEmbeddedStatusCode(errorInfo gjson.Result) int {
	if !errorInfo.Exists() {
		return 0
	}
	if c := errorInfo.Get("code"); c.Exists() && c.Type == gjson.Number {
		return int(c.Int())
	}
	if s := errorInfo.Get("status"); s.Exists() && s.Type == gjson.Number {
		return int(s.Int())
	}
	msg := errorInfo.Get("message").String()
	if m := statusCodeRe.FindStringSubmatch(msg); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	typeStr := errorInfo.Get("type").String()
	if typeStr == "" {
		typeStr = errorInfo.Get("status").String()
	}
	if code, ok := typeToCode[typeStr]; ok {
		return code
	}
	return 0
}

// IsErrorResponse inspects top-level `error`, top-level `type=="error"`,
// and nested `chunks[].error`, per spec.md §4.2.
func IsErrorResponse(root gjson.Result) (bool, gjson.Result) {
	if e := root.Get("error"); e.Exists() {
		return true, e
	}
	if root.Get("type").String() == "error" {
		return true, root.Get("error")
	}
	for _, c := range root.Get("chunks").Array() {
		if e := c.Get("error"); e.Exists() {
			return true, e
		}
	}
	return false, gjson.Result{}
}

// ExtractCacheCreationTokens implements the three-shape precedence rule
// (spec.md §4.2 / §8 S6): nested cache_creation.{...} is authoritative
// if any nested field is present, even at 0; else the flat
// claude_cache_creation_5_m_tokens/_1_h_tokens fields are authoritative
// if present; else the legacy single cache_creation_input_tokens field
// is used as a fallback.
func ExtractCacheCreationTokens(usage gjson.Result) (fiveMin, oneHour int) {
	nested := usage.Get("cache_creation")
	if nested.Exists() {
		fiveMinVal := nested.Get("ephemeral_5m_input_tokens")
		oneHourVal := nested.Get("ephemeral_1h_input_tokens")
		if fiveMinVal.Exists() || oneHourVal.Exists() {
			return int(fiveMinVal.Int()), int(oneHourVal.Int())
		}
	}

	flat5 := usage.Get("claude_cache_creation_5_m_tokens")
	flat1 := usage.Get("claude_cache_creation_1_h_tokens")
	if flat5.Exists() || flat1.Exists() {
		return int(flat5.Int()), int(flat1.Int())
	}

	legacy := usage.Get("cache_creation_input_tokens")
	if legacy.Exists() {
		return int(legacy.Int()), 0
	}
	return 0, 0
}

// Parser is implemented once per wire format.
type Parser interface {
	Parse(chunk []byte) (Result, error)
}

// MergeMax folds a new Result's usage counters into a running total,
// taking the max per field (spec.md §4.2 "monotone per field").
func MergeMax(running *Result, delta Result) {
	running.InputTokens = maxInt(running.InputTokens, delta.InputTokens)
	running.OutputTokens = maxInt(running.OutputTokens, delta.OutputTokens)
	running.CacheReadTokens = maxInt(running.CacheReadTokens, delta.CacheReadTokens)
	running.CacheCreation5m = maxInt(running.CacheCreation5m, delta.CacheCreation5m)
	running.CacheCreation1h = maxInt(running.CacheCreation1h, delta.CacheCreation1h)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
