// Package classify decides how a fetched resource is turned into a response.
package classify

import (
	"strings"

	"webmirror/internal/model"
	"webmirror/internal/rules"
)

// htmlMarkers are the media types treated as HTML documents.
var htmlMarkers = []string{"text/html", "application/xhtml+xml"}

// Classifier maps a declared media type and hostname to a strategy.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	rules rules.RuleSet
}

// New returns a Classifier that consults rs for per-host strategy overrides.
func New(rs rules.RuleSet) *Classifier {
	return &Classifier{rules: rs}
}

// Classify returns the strategy for a response with the given declared
// media type, fetched from host. Non-HTML responses always pass through;
// host overrides only apply to HTML.
func (c *Classifier) Classify(mediaType, host string) model.Strategy {
	if !IsHTML(mediaType) {
		return model.StrategyPassthrough
	}
	if rule, ok := c.rules.Match(host); ok && rule.Strategy.Valid() {
		return rule.Strategy
	}
	return model.StrategyRewrite
}

// IsHTML reports whether the declared media type contains an HTML marker.
func IsHTML(mediaType string) bool {
	mt := strings.ToLower(mediaType)
	for _, m := range htmlMarkers {
		if strings.Contains(mt, m) {
			return true
		}
	}
	return false
}
