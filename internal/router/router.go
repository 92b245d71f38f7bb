// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package router resolves the upstream target of a request through the
// precedence chain: reserved query key, reserved header, routing rules,
// configured default.
package router

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/aiscope/aiscope/internal/store"
)

const (
	// TargetQueryKey is the reserved query key overriding the target. It is
	// stripped before forwarding.
	TargetQueryKey = "__target"
	// TargetHeader is the reserved header overriding the target. It is
	// stripped before forwarding.
	TargetHeader = "X-Target-URL"
)

// ErrNoTarget means no step of the resolution chain produced a target.
var ErrNoTarget = errors.New("NO_TARGET")

// InvalidURLError reports a syntactically bad target override.
type InvalidURLError struct{ Raw string }

func (e *InvalidURLError) Error() string { return fmt.Sprintf("Invalid target URL: %s", e.Raw) }

// Target is a resolved routing decision.
type Target struct {
	// URL is the base target, e.g. "https://api.openai.com".
	URL    string
	Source store.RouteSource
	// RuleID is set only when Source is RouteSourceConfigRule.
	RuleID string
}

// Resolve walks the precedence chain for req over the given enabled rules
// (already ordered by descending priority) and config. It is a pure function
// of its inputs.
func Resolve(req *http.Request, rules []store.RoutingRule, cfg store.Config) (Target, error) {
	if raw := req.URL.Query().Get(TargetQueryKey); raw != "" {
		if !isValidTargetURL(raw) {
			return Target{}, &InvalidURLError{Raw: raw}
		}
		return Target{URL: raw, Source: store.RouteSourceQueryParam}, nil
	}
	if raw := req.Header.Get(TargetHeader); raw != "" {
		if !isValidTargetURL(raw) {
			return Target{}, &InvalidURLError{Raw: raw}
		}
		return Target{URL: raw, Source: store.RouteSourceHeader}, nil
	}
	for i := range rules {
		rule := &rules[i]
		if ruleMatches(rule, req) {
			return Target{URL: rule.TargetURL, Source: store.RouteSourceConfigRule, RuleID: rule.ID}, nil
		}
	}
	if cfg.DefaultTargetURL != "" {
		return Target{URL: cfg.DefaultTargetURL, Source: store.RouteSourceDefault}, nil
	}
	return Target{}, ErrNoTarget
}

// ruleMatches evaluates one rule predicate. A pattern that fails to compile
// simply does not match; rule misconfiguration is never a request failure.
func ruleMatches(rule *store.RoutingRule, req *http.Request) bool {
	switch rule.MatchType {
	case store.MatchTypePathPrefix:
		return strings.HasPrefix(req.URL.Path, rule.MatchPattern)
	case store.MatchTypePathRegex:
		re, err := regexp.Compile(rule.MatchPattern)
		if err != nil {
			return false
		}
		return re.MatchString(req.URL.Path)
	case store.MatchTypeHeaderRegex:
		if rule.MatchHeader == "" {
			return false
		}
		v := req.Header.Get(rule.MatchHeader)
		if v == "" {
			return false
		}
		re, err := regexp.Compile(rule.MatchPattern)
		if err != nil {
			return false
		}
		return re.MatchString(v)
	default:
		return false
	}
}

func isValidTargetURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// CleanQuery returns the request query with the reserved routing key removed,
// preserving multi-value order.
func CleanQuery(q url.Values) url.Values {
	clean := url.Values{}
	for k, vs := range q {
		if k == TargetQueryKey {
			continue
		}
		clean[k] = append([]string(nil), vs...)
	}
	return clean
}

// BuildTargetURL resolves path against base and appends the remaining query.
func BuildTargetURL(base, path string, cleanQuery url.Values) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse target base %q: %w", base, err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("failed to parse request path %q: %w", path, err)
	}
	full := baseURL.ResolveReference(ref)
	full.RawQuery = cleanQuery.Encode()
	return full.String(), nil
}
