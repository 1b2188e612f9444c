// Package routes holds the ordered path-pattern to metadata-endpoint rules.
package routes

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"metarelay/config"
)

var (
	// ErrNoReferer is returned by MatchReferer when the request carried no Referer.
	ErrNoReferer = errors.New("no referer")
	// ErrMalformedReferer is returned by MatchReferer when the Referer is not an absolute URL.
	ErrMalformedReferer = errors.New("malformed referer")
)

// Rule maps a compiled path pattern to a metadata endpoint template containing
// exactly one {placeholder} token.
type Rule struct {
	Pattern  *regexp.Regexp
	Endpoint string
}

// Registry is an ordered, read-only list of rules. The first matching rule wins.
type Registry struct {
	rules []Rule
}

// New compiles the configured routes in order.
//
// Parameters:
// - routes: The route configuration, in priority order.
//
// Returns:
// - *Registry: The compiled registry.
// - error: An error if a pattern does not compile.
func New(routes []config.RouteConfig) (*Registry, error) {
	rules := make([]Rule, 0, len(routes))
	for i, route := range routes {
		re, err := regexp.Compile(route.Pattern)
		if err != nil {
			return nil, fmt.Errorf("route %d: error compiling pattern %s: %w", i, route.Pattern, err)
		}
		rules = append(rules, Rule{Pattern: re, Endpoint: route.MetadataEndpoint})
	}
	return &Registry{rules: rules}, nil
}

// Len returns the number of rules.
func (r *Registry) Len() int {
	return len(r.rules)
}

// Match returns the first rule whose pattern matches path. The path is tested
// with a trailing slash appended when it has none, so "/recipe/42" and
// "/recipe/42/" always match the same rule.
func (r *Registry) Match(path string) (Rule, bool) {
	normalized := Normalize(path)
	for _, rule := range r.rules {
		if rule.Pattern.MatchString(normalized) {
			return rule, true
		}
	}
	return Rule{}, false
}

// MatchReferer resolves the rule for the page a data document was requested from.
// It returns the matched rule and the normalized referer path.
func (r *Registry) MatchReferer(referer string) (Rule, string, bool, error) {
	if referer == "" {
		return Rule{}, "", false, ErrNoReferer
	}
	u, err := url.Parse(referer)
	if err != nil {
		return Rule{}, "", false, fmt.Errorf("%w: %v", ErrMalformedReferer, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return Rule{}, "", false, fmt.Errorf("%w: %q is not an absolute URL", ErrMalformedReferer, referer)
	}

	path := Normalize(u.Path)
	rule, ok := r.Match(path)
	return rule, path, ok, nil
}

// Normalize appends a trailing slash to path when it has none.
func Normalize(path string) string {
	if path == "" {
		return "/"
	}
	if strings.HasSuffix(path, "/") {
		return path
	}
	return path + "/"
}
