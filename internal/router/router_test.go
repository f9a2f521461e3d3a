package router

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/postreader/internal/crawler"
)

func TestDefaultRules(t *testing.T) {
	t.Parallel()

	r, err := New("", zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, EmbeddedSource, r.Source())

	tests := []struct {
		name     string
		url      string
		want     crawler.Strategy
		wantRule string
	}{
		{"thread", "https://boards.4chan.org/g/thread/123456789", crawler.StrategyThread, "4chan"},
		{"thread with slug", "https://boards.4chan.org/pol/thread/527886348/some-subject", crawler.StrategyThread, "4chan"},
		{"worksafe host", "http://boards.4channel.org/v/thread/1", crawler.StrategyThread, "4chan"},
		{"catalog", "https://boards.4chan.org/g/catalog", crawler.StrategyCatalog, "4chan_catalog"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, ok := r.Match(tt.url)
			require.True(t, ok)
			assert.Equal(t, tt.want, m.Strategy)
			assert.Equal(t, tt.wantRule, m.Name)
		})
	}
}

func TestMatchNoMatch(t *testing.T) {
	t.Parallel()

	r, err := New("", nil)
	require.NoError(t, err)

	for _, url := range []string{
		"",
		"https://example.com/",
		"not a url at all",
		// Start-anchored: the pattern appears, but not at the start.
		"https://proxy.example/?u=https://boards.4chan.org/g/thread/1",
	} {
		_, ok := r.Match(url)
		assert.False(t, ok, "expected no match for %q", url)
	}
}

func TestMatchFirstRuleWins(t *testing.T) {
	t.Parallel()

	doc := `{"scrapers": [
		{"name": "broad", "url_pattern": "https://example\\.com/", "strategy": "catalog", "description": "any"},
		{"name": "narrow", "url_pattern": "https://example\\.com/thread/\\d+", "strategy": "thread", "description": "thread"}
	]}`
	r, err := NewFromReader(strings.NewReader(doc), zap.NewNop())
	require.NoError(t, err)

	m, ok := r.Match("https://example.com/thread/42")
	require.True(t, ok)
	assert.Equal(t, "broad", m.Name)
	assert.Equal(t, crawler.StrategyCatalog, m.Strategy)

	rules := r.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "narrow", rules[1].Name)
}

func TestNewFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scrapers.json")
	doc := `{"scrapers": [{"name": "t", "url_pattern": "https://x\\.test/t/", "scraper_class": "FourChanSpider", "description": "d"}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	r, err := New(path, zap.NewNop())
	require.NoError(t, err)
	m, ok := r.Match("https://x.test/t/1")
	require.True(t, ok)
	assert.Equal(t, "FourChanSpider", m.StrategyID)
	assert.Equal(t, "d", m.Description)
}

func TestNewConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"invalid json", `{"scrapers": [`, "parse rules"},
		{"missing list", `{"rules": []}`, "missing \"scrapers\""},
		{"empty list", `{"scrapers": []}`, "no rules defined"},
		{"missing pattern", `{"scrapers": [{"name": "a", "strategy": "thread"}]}`, "url_pattern is required"},
		{"bad regex", `{"scrapers": [{"name": "a", "url_pattern": "(", "strategy": "thread"}]}`, "compile url_pattern"},
		{"unknown strategy", `{"scrapers": [{"name": "a", "url_pattern": "x", "scraper_class": "RedditSpider"}]}`, "unknown strategy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewFromReader(strings.NewReader(tt.doc), zap.NewNop())
			require.Error(t, err)
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %T", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewMissingFile(t *testing.T) {
	t.Parallel()

	_, err := New(filepath.Join(t.TempDir(), "nope.json"), zap.NewNop())
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, -1, cfgErr.Rule)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
