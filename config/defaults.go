package config

// DefaultBotKeywords are matched case-insensitively as User-Agent substrings.
var DefaultBotKeywords = []string{
	"bot",
	"crawler",
	"spider",
	"crawling",
	"facebookexternalhit",
	"whatsapp",
	"telegram",
	"twitter",
	"pinterest",
	"slack",
	"discord",
	"linkedin",
}

// DefaultRestrictiveBrowsers are in-app browsers treated as humans even though
// they would match a bot keyword. They render injected scripts but mishandle redirects.
var DefaultRestrictiveBrowsers = []string{
	"linkedinapp",
}

// DefaultAssetPrefixes are path prefixes served straight from the origin.
var DefaultAssetPrefixes = []string{
	"/assets/",
	"/fonts/",
	"/images/",
	"/icons/",
	"/static/",
	"/js/",
	"/css/",
}

// DefaultAssetExtensions are file suffixes served straight from the origin.
var DefaultAssetExtensions = []string{
	".js", ".mjs", ".css", ".map", ".json",
	".woff", ".woff2", ".ttf", ".otf", ".eot",
	".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".avif", ".ico",
	".webmanifest", ".txt", ".xml",
}

// DefaultPageDataPattern matches a page's data document: /public/data/<uuid>.json
const DefaultPageDataPattern = `/public/data/[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}\.json`

// DefaultMaxJSONBytes bounds page-data buffering (10MB).
const DefaultMaxJSONBytes = 10 * 1024 * 1024

func setClassifierDefaults(c *ClassifierConfig) {
	if c.BotKeywords == nil {
		c.BotKeywords = append([]string(nil), DefaultBotKeywords...)
	}
	if c.RestrictiveBrowsers == nil {
		c.RestrictiveBrowsers = append([]string(nil), DefaultRestrictiveBrowsers...)
	}
	if c.AssetPrefixes == nil {
		c.AssetPrefixes = append([]string(nil), DefaultAssetPrefixes...)
	}
	if c.AssetExtensions == nil {
		c.AssetExtensions = append([]string(nil), DefaultAssetExtensions...)
	}
	if c.PageDataPattern == "" {
		c.PageDataPattern = DefaultPageDataPattern
	}
}

func setRewriteDefaults(r *RewriteConfig) {
	if len(r.Languages) == 0 {
		r.Languages = []string{"en"}
	}
	if r.AssetRewrite == nil {
		r.AssetRewrite = boolPtr(true)
	}
	if r.TitleInjection == nil {
		r.TitleInjection = boolPtr(true)
	}
	if r.StabilityScript == nil {
		r.StabilityScript = boolPtr(true)
	}
	if r.DefaultMeta == nil {
		r.DefaultMeta = boolPtr(true)
	}
	if r.MaxJSONBytes == 0 {
		r.MaxJSONBytes = DefaultMaxJSONBytes
	}
}

func boolPtr(b bool) *bool { return &b }

// Enabled reports the value of an optional toggle, treating nil as false.
func Enabled(b *bool) bool {
	return b != nil && *b
}
