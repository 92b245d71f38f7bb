// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package router

import (
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aiscope/aiscope/internal/store"
)

func TestResolvePrecedence(t *testing.T) {
	rules := []store.RoutingRule{
		{ID: "r-high", Priority: 20, MatchType: store.MatchTypePathRegex, MatchPattern: "^/v1/messages$", TargetURL: "https://api.anthropic.com"},
		{ID: "r-low", Priority: 10, MatchType: store.MatchTypePathPrefix, MatchPattern: "/v1/", TargetURL: "https://api.openai.com"},
	}
	cfg := store.Config{DefaultTargetURL: "https://default.example.com"}

	t.Run("query beats everything", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/messages?__target=https://api.openai.com", nil)
		req.Header.Set(TargetHeader, "https://header.example.com")
		target, err := Resolve(req, rules, cfg)
		require.NoError(t, err)
		require.Equal(t, "https://api.openai.com", target.URL)
		require.Equal(t, store.RouteSourceQueryParam, target.Source)
	})

	t.Run("header beats rules", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/messages", nil)
		req.Header.Set(TargetHeader, "https://header.example.com")
		target, err := Resolve(req, rules, cfg)
		require.NoError(t, err)
		require.Equal(t, "https://header.example.com", target.URL)
		require.Equal(t, store.RouteSourceHeader, target.Source)
	})

	t.Run("higher priority rule wins over prefix", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/messages", nil)
		target, err := Resolve(req, rules, cfg)
		require.NoError(t, err)
		require.Equal(t, "https://api.anthropic.com", target.URL)
		require.Equal(t, store.RouteSourceConfigRule, target.Source)
		require.Equal(t, "r-high", target.RuleID)
	})

	t.Run("prefix rule", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		target, err := Resolve(req, rules, cfg)
		require.NoError(t, err)
		require.Equal(t, "https://api.openai.com", target.URL)
		require.Equal(t, "r-low", target.RuleID)
	})

	t.Run("default", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/other", nil)
		target, err := Resolve(req, rules, cfg)
		require.NoError(t, err)
		require.Equal(t, "https://default.example.com", target.URL)
		require.Equal(t, store.RouteSourceDefault, target.Source)
	})

	t.Run("no target", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/other", nil)
		_, err := Resolve(req, nil, store.Config{})
		require.ErrorIs(t, err, ErrNoTarget)
	})
}

func TestResolveInvalidOverride(t *testing.T) {
	for _, raw := range []string{"not-a-url", "ftp://example.com", "https://"} {
		req := httptest.NewRequest("POST", "/x?__target="+url.QueryEscape(raw), nil)
		_, err := Resolve(req, nil, store.Config{})
		var invalid *InvalidURLError
		require.ErrorAs(t, err, &invalid, raw)
		require.Equal(t, raw, invalid.Raw)
	}

	req := httptest.NewRequest("POST", "/x", nil)
	req.Header.Set(TargetHeader, "nope")
	_, err := Resolve(req, nil, store.Config{})
	var invalid *InvalidURLError
	require.ErrorAs(t, err, &invalid)
}

func TestRuleMatches(t *testing.T) {
	t.Run("header regex case insensitive name", func(t *testing.T) {
		rule := store.RoutingRule{MatchType: store.MatchTypeHeaderRegex, MatchHeader: "X-Model-Hint", MatchPattern: "^claude"}
		req := httptest.NewRequest("GET", "/x", nil)
		req.Header.Set("x-model-hint", "claude-3-opus")
		require.True(t, ruleMatches(&rule, req))
		req.Header.Set("x-model-hint", "gpt-4o")
		require.False(t, ruleMatches(&rule, req))
	})

	t.Run("invalid regex never matches", func(t *testing.T) {
		rule := store.RoutingRule{MatchType: store.MatchTypePathRegex, MatchPattern: "("}
		req := httptest.NewRequest("GET", "/x", nil)
		require.False(t, ruleMatches(&rule, req))
	})

	t.Run("header regex without header name", func(t *testing.T) {
		rule := store.RoutingRule{MatchType: store.MatchTypeHeaderRegex, MatchPattern: ".*"}
		req := httptest.NewRequest("GET", "/x", nil)
		require.False(t, ruleMatches(&rule, req))
	})
}

func TestCleanQueryAndBuildTargetURL(t *testing.T) {
	req := httptest.NewRequest("GET", "/anything?foo=1&__target=https://api.openai.com&bar=a&bar=b", nil)
	clean := CleanQuery(req.URL.Query())
	require.NotContains(t, clean, TargetQueryKey)
	require.Equal(t, []string{"a", "b"}, clean["bar"])

	full, err := BuildTargetURL("https://api.openai.com", "/anything", clean)
	require.NoError(t, err)
	u, err := url.Parse(full)
	require.NoError(t, err)
	require.Equal(t, "api.openai.com", u.Host)
	require.Equal(t, "/anything", u.Path)
	require.Equal(t, "1", u.Query().Get("foo"))
	require.Equal(t, []string{"a", "b"}, u.Query()["bar"])
}

func TestBuildTargetURLNoQuery(t *testing.T) {
	full, err := BuildTargetURL("https://api.openai.com", "/v1/chat/completions", url.Values{})
	require.NoError(t, err)
	require.Equal(t, "https://api.openai.com/v1/chat/completions", full)
}
