// Package router maps input URLs to extraction strategies using ordered,
// start-anchored regular expression rules loaded from a JSON document.
package router

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/postreader/internal/crawler"
)

//go:embed scrapers.json
var defaultRules []byte

// EmbeddedSource names the built-in rule document in errors and logs.
const EmbeddedSource = "<embedded>"

// Rule is one compiled routing entry.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Strategy    crawler.Strategy
	StrategyID  string
	Description string
}

// Match is the result of a successful lookup.
type Match struct {
	Name        string
	Strategy    crawler.Strategy
	StrategyID  string
	Description string
}

// Router holds rules in load order. It is immutable and safe for concurrent use.
type Router struct {
	source string
	rules  []Rule
}

type ruleRecord struct {
	Name         string `mapstructure:"name"`
	URLPattern   string `mapstructure:"url_pattern"`
	ScraperClass string `mapstructure:"scraper_class"`
	Strategy     string `mapstructure:"strategy"`
	Description  string `mapstructure:"description"`
}

// New loads rules from path, or the embedded document when path is empty.
func New(path string, logger *zap.Logger) (*Router, error) {
	if path == "" {
		return load(bytes.NewReader(defaultRules), EmbeddedSource, logger)
	}
	f, err := os.Open(path) // #nosec G304 -- operator supplied config path.
	if err != nil {
		return nil, &ConfigError{Source: path, Rule: -1, Err: fmt.Errorf("open rules: %w", err)}
	}
	defer func() {
		_ = f.Close()
	}()
	return load(f, path, logger)
}

// NewFromReader loads rules from an arbitrary JSON stream.
func NewFromReader(r io.Reader, logger *zap.Logger) (*Router, error) {
	return load(r, "<reader>", logger)
}

func load(r io.Reader, source string, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(r); err != nil {
		return nil, &ConfigError{Source: source, Rule: -1, Err: fmt.Errorf("parse rules: %w", err)}
	}
	if !v.IsSet("scrapers") {
		return nil, &ConfigError{Source: source, Rule: -1, Err: fmt.Errorf("missing \"scrapers\" list")}
	}
	var records []ruleRecord
	if err := v.UnmarshalKey("scrapers", &records); err != nil {
		return nil, &ConfigError{Source: source, Rule: -1, Err: fmt.Errorf("decode rules: %w", err)}
	}
	if len(records) == 0 {
		return nil, &ConfigError{Source: source, Rule: -1, Err: fmt.Errorf("no rules defined")}
	}

	rules := make([]Rule, 0, len(records))
	for i, rec := range records {
		rule, err := compileRule(rec)
		if err != nil {
			return nil, &ConfigError{Source: source, Rule: i, Err: err}
		}
		rules = append(rules, rule)
	}
	logger.Debug("routing rules loaded", zap.String("source", source), zap.Int("rules", len(rules)))
	return &Router{source: source, rules: rules}, nil
}

func compileRule(rec ruleRecord) (Rule, error) {
	if strings.TrimSpace(rec.URLPattern) == "" {
		return Rule{}, fmt.Errorf("url_pattern is required")
	}
	// Anchor at the start only; a pattern may still match a URL prefix.
	pattern, err := regexp.Compile(`^(?:` + rec.URLPattern + `)`)
	if err != nil {
		return Rule{}, fmt.Errorf("compile url_pattern: %w", err)
	}
	id := rec.ScraperClass
	if id == "" {
		id = rec.Strategy
	}
	strategy, err := crawler.ParseStrategy(id)
	if err != nil {
		return Rule{}, err
	}
	name := rec.Name
	if name == "" {
		name = strategy.String()
	}
	return Rule{
		Name:        name,
		Pattern:     pattern,
		Strategy:    strategy,
		StrategyID:  id,
		Description: rec.Description,
	}, nil
}

// Match returns the first rule, in load order, whose pattern matches url.
func (r *Router) Match(url string) (Match, bool) {
	if r == nil {
		return Match{}, false
	}
	for _, rule := range r.rules {
		if rule.Pattern.MatchString(url) {
			return Match{
				Name:        rule.Name,
				Strategy:    rule.Strategy,
				StrategyID:  rule.StrategyID,
				Description: rule.Description,
			}, true
		}
	}
	return Match{}, false
}

// Rules returns a copy of the loaded rules.
func (r *Router) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Source reports where the rules were loaded from.
func (r *Router) Source() string {
	return r.source
}
