// Package classifier decides who is asking (bot, human, human in a restrictive
// in-app browser) and what is being asked for (asset, page data, HTML page).
package classifier

import (
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"

	"metarelay/config"
)

// Kind is the kind of resource a request targets.
type Kind int

const (
	KindHTMLPage Kind = iota
	KindAsset
	KindPageData
)

func (k Kind) String() string {
	switch k {
	case KindAsset:
		return "asset"
	case KindPageData:
		return "page_data"
	default:
		return "html_page"
	}
}

// Request is the routing decision derived from one inbound request.
type Request struct {
	Path                 string // decoded; used for classification and route matching
	EscapedPath          string // as sent by the client; used to address the origin
	Query                string
	Method               string
	UserAgent            string
	Referer              string
	IsBot                bool
	IsRestrictiveBrowser bool
	Kind                 Kind
}

// Client returns a metrics/log friendly label for the caller.
func (r Request) Client() string {
	switch {
	case r.IsBot:
		return "bot"
	case r.IsRestrictiveBrowser:
		return "restrictive_browser"
	default:
		return "human"
	}
}

// OriginPath returns the path to request from the origin, with the client's
// percent-encoding intact.
func (r Request) OriginPath() string {
	if r.EscapedPath != "" {
		return r.EscapedPath
	}
	return r.Path
}

// Classifier holds compiled classification policy. It is safe for concurrent use.
type Classifier struct {
	botKeywords         []string
	restrictiveBrowsers []string
	assetPrefixes       []string
	assetExtensions     []string
	pageData            *regexp.Regexp
}

// New compiles the classification policy.
//
// Parameters:
// - policy: The classifier configuration.
//
// Returns:
// - *Classifier: The compiled classifier.
// - error: An error if the page data pattern does not compile.
func New(policy config.ClassifierConfig) (*Classifier, error) {
	pageData, err := regexp.Compile(policy.PageDataPattern)
	if err != nil {
		return nil, fmt.Errorf("error compiling page data pattern: %w", err)
	}
	return &Classifier{
		botKeywords:         lowerAll(policy.BotKeywords),
		restrictiveBrowsers: lowerAll(policy.RestrictiveBrowsers),
		assetPrefixes:       policy.AssetPrefixes,
		assetExtensions:     lowerAll(policy.AssetExtensions),
		pageData:            pageData,
	}, nil
}

// Classify derives the routing decision for a request.
func (c *Classifier) Classify(method, urlPath, query, userAgent, referer string) Request {
	isBot, restrictive := c.detectClient(userAgent)
	return Request{
		Path:                 urlPath,
		Query:                query,
		Method:               method,
		UserAgent:            userAgent,
		Referer:              referer,
		IsBot:                isBot,
		IsRestrictiveBrowser: restrictive,
		Kind:                 c.kind(urlPath),
	}
}

// ClassifyRequest classifies r, keeping its escaped path for the origin request.
func (c *Classifier) ClassifyRequest(r *http.Request) Request {
	req := c.Classify(r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("User-Agent"), r.Header.Get("Referer"))
	req.EscapedPath = r.URL.EscapedPath()
	return req
}

// detectClient reports whether the agent is a bot and whether it is an in-app
// browser that must be treated as a human. Exceptions are checked first.
func (c *Classifier) detectClient(userAgent string) (isBot, restrictive bool) {
	ua := strings.ToLower(userAgent)
	for _, exception := range c.restrictiveBrowsers {
		if exception != "" && strings.Contains(ua, exception) {
			return false, true
		}
	}
	for _, keyword := range c.botKeywords {
		if keyword != "" && strings.Contains(ua, keyword) {
			return true, false
		}
	}
	return false, false
}

// kind checks page data before assets: its .json suffix would otherwise make it an asset.
func (c *Classifier) kind(urlPath string) Kind {
	if c.pageData.MatchString(urlPath) {
		return KindPageData
	}
	for _, prefix := range c.assetPrefixes {
		if strings.HasPrefix(urlPath, prefix) {
			return KindAsset
		}
	}
	if ext := strings.ToLower(path.Ext(urlPath)); ext != "" {
		for _, candidate := range c.assetExtensions {
			if ext == candidate {
				return KindAsset
			}
		}
	}
	return KindHTMLPage
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}
