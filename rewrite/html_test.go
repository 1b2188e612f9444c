package rewrite_test

import (
	"bytes"
	"strings"
	"testing"

	"metarelay/metadata"
	"metarelay/rewrite"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rewriteString(t *testing.T, doc string, opts rewrite.HTMLOptions) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, rewrite.RewriteHTML(&out, strings.NewReader(doc), opts))
	return out.String()
}

func parse(t *testing.T, doc string) *goquery.Document {
	t.Helper()
	d, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	require.NoError(t, err)
	return d
}

func TestRewriteHTMLBotMetadata(t *testing.T) {
	doc := `<!DOCTYPE html><html><head>` +
		`<title>Old</title>` +
		`<meta name="og:title" content="Old">` +
		`<meta property="og:description" content="Old desc">` +
		`<meta name="twitter:image" content="/old.png">` +
		`<meta itemprop="name" content="Old">` +
		`<meta name="keywords" content="old">` +
		`<meta name="author" content="Someone">` +
		`</head><body><h1>Old</h1></body></html>`

	out := rewriteString(t, doc, rewrite.HTMLOptions{
		Metadata: metadata.Metadata{
			Title:       "Salad",
			Description: "Fresh & green",
			Image:       "http://x/img.png",
		},
		InjectMetadata: true,
	})

	assert.Contains(t, out, `<title>Salad</title>`)
	assert.Contains(t, out, `<meta name="og:title" content="Salad">`)

	d := parse(t, out)
	assert.Equal(t, "Salad", d.Find("title").Text())
	assert.Equal(t, "Fresh & green", d.Find(`meta[property="og:description"]`).AttrOr("content", ""))
	assert.Equal(t, "http://x/img.png", d.Find(`meta[name="twitter:image"]`).AttrOr("content", ""))
	assert.Equal(t, "Salad", d.Find(`meta[itemprop="name"]`).AttrOr("content", ""))
	// No keywords were resolved, so the existing value stays.
	assert.Equal(t, "old", d.Find(`meta[name="keywords"]`).AttrOr("content", ""))
	assert.Equal(t, "Someone", d.Find(`meta[name="author"]`).AttrOr("content", ""))
	assert.Equal(t, "Old", d.Find("h1").Text())
}

func TestRewriteHTMLUntouchedBytes(t *testing.T) {
	doc := `<html><head><TITLE>Keep</TITLE><meta  name="author"   content='a'></head>` +
		`<body><p class=x>text &amp; more</p><!-- note --></body></html>`

	out := rewriteString(t, doc, rewrite.HTMLOptions{})
	assert.Equal(t, doc, out)
}

func TestRewriteHTMLDeterministic(t *testing.T) {
	doc := `<html><head><title>Old</title><link rel="icon" href="/f.ico"></head><body></body></html>`
	opts := rewrite.HTMLOptions{
		Metadata:       metadata.Metadata{Title: "New"},
		InjectMetadata: true,
		FaviconURL:     "https://app.example.com/favicon.ico",
		DefaultMeta:    true,
	}
	assert.Equal(t, rewriteString(t, doc, opts), rewriteString(t, doc, opts))
}

func TestRewriteHTMLStripsNoindex(t *testing.T) {
	docs := []string{
		`<html><head><meta name="robots" content="noindex"></head><body></body></html>`,
		`<html><head><meta name="ROBOTS" content="NoIndex, nofollow"></head><body></body></html>`,
		`<html><head><meta name="robots" content="none"/></head><body></body></html>`,
	}
	optionSets := map[string]rewrite.HTMLOptions{
		"passthrough": {},
		"bot": {
			Metadata:       metadata.Metadata{Title: "T"},
			InjectMetadata: true,
			DefaultMeta:    true,
		},
		"human": {
			InjectTitle: true,
			AssetOrigin: "https://app.example.com",
		},
	}

	for name, opts := range optionSets {
		t.Run(name, func(t *testing.T) {
			for _, doc := range docs {
				out := rewriteString(t, doc, opts)
				assert.Equal(t, 0, parse(t, out).Find(`meta[name="robots"], meta[name="ROBOTS"]`).Length(), out)
			}
		})
	}
}

func TestRewriteHTMLKeepsIndexableRobots(t *testing.T) {
	doc := `<html><head><meta name="robots" content="index, follow"></head></html>`
	out := rewriteString(t, doc, rewrite.HTMLOptions{})
	assert.Contains(t, out, `<meta name="robots" content="index, follow">`)
}

func TestRewriteHTMLDefaultMeta(t *testing.T) {
	t.Run("injects missing in order", func(t *testing.T) {
		doc := `<html><head><title>x</title></head><body></body></html>`
		out := rewriteString(t, doc, rewrite.HTMLOptions{DefaultMeta: true})

		viewport := strings.Index(out, `name="viewport"`)
		capable := strings.Index(out, `name="apple-mobile-web-app-capable"`)
		status := strings.Index(out, `name="apple-mobile-web-app-status-bar-style"`)
		head := strings.Index(out, `</head>`)

		require.True(t, viewport > 0 && capable > 0 && status > 0)
		assert.True(t, viewport < capable && capable < status && status < head)
		assert.Contains(t, out, `content="width=device-width, initial-scale=1, viewport-fit=cover"`)
		assert.Contains(t, out, `content="black"`)
	})

	t.Run("never duplicates existing", func(t *testing.T) {
		doc := `<html><head><meta name="viewport" content="width=500">` +
			`<meta name="apple-mobile-web-app-capable" content="no"></head><body></body></html>`
		out := rewriteString(t, doc, rewrite.HTMLOptions{DefaultMeta: true})

		d := parse(t, out)
		assert.Equal(t, 1, d.Find(`meta[name="viewport"]`).Length())
		assert.Equal(t, "width=500", d.Find(`meta[name="viewport"]`).AttrOr("content", ""))
		assert.Equal(t, "no", d.Find(`meta[name="apple-mobile-web-app-capable"]`).AttrOr("content", ""))
		assert.Equal(t, 1, d.Find(`meta[name="apple-mobile-web-app-status-bar-style"]`).Length())
	})

	t.Run("unclosed head injects before body", func(t *testing.T) {
		doc := `<html><head><title>x</title><body><p>hi</p></body></html>`
		out := rewriteString(t, doc, rewrite.HTMLOptions{DefaultMeta: true})
		assert.Less(t, strings.Index(out, `name="viewport"`), strings.Index(out, `<body>`))
		assert.Equal(t, 1, strings.Count(out, `name="viewport"`))
	})

	t.Run("disabled", func(t *testing.T) {
		doc := `<html><head></head></html>`
		assert.Equal(t, doc, rewriteString(t, doc, rewrite.HTMLOptions{}))
	})
}

func TestRewriteHTMLFavicon(t *testing.T) {
	doc := `<html><head>` +
		`<link rel="icon" href="/favicon.png">` +
		`<link rel="Shortcut  Icon" href="favicon.ico">` +
		`<link rel="stylesheet" href="/main.css">` +
		`</head></html>`
	out := rewriteString(t, doc, rewrite.HTMLOptions{FaviconURL: "https://app.example.com/favicon.ico?_wwcv=150"})

	d := parse(t, out)
	icons := d.Find(`link[rel="icon"], link[rel="Shortcut  Icon"]`)
	require.Equal(t, 2, icons.Length())
	icons.Each(func(_ int, s *goquery.Selection) {
		assert.Equal(t, "https://app.example.com/favicon.ico?_wwcv=150", s.AttrOr("href", ""))
	})
	assert.Equal(t, "/main.css", d.Find(`link[rel="stylesheet"]`).AttrOr("href", ""))
}

func TestRewriteHTMLAssetOrigin(t *testing.T) {
	doc := `<html><head>` +
		`<base href="/">` +
		`<script src="/js/app.js"></script>` +
		`<script src="//cdn.example.com/lib.js"></script>` +
		`<script src="https://other.example.com/x.js"></script>` +
		`<script>var inline = "/not-a-url";</script>` +
		`<link rel="stylesheet" href="/css/main.css">` +
		`<link rel="preload" href="fonts/a.woff2">` +
		`</head><body><img src="/images/a.png"></body></html>`
	out := rewriteString(t, doc, rewrite.HTMLOptions{AssetOrigin: "https://app.example.com"})

	d := parse(t, out)
	assert.Equal(t, "https://app.example.com/", d.Find("base").AttrOr("href", ""))
	scripts := d.Find("script[src]")
	assert.Equal(t, "https://app.example.com/js/app.js", scripts.Eq(0).AttrOr("src", ""))
	assert.Equal(t, "//cdn.example.com/lib.js", scripts.Eq(1).AttrOr("src", ""))
	assert.Equal(t, "https://other.example.com/x.js", scripts.Eq(2).AttrOr("src", ""))
	assert.Contains(t, out, `var inline = "/not-a-url";`)
	assert.Equal(t, "https://app.example.com/css/main.css", d.Find(`link[rel="stylesheet"]`).AttrOr("href", ""))
	assert.Equal(t, "fonts/a.woff2", d.Find(`link[rel="preload"]`).AttrOr("href", ""))
	// Only script and link elements are rewritten.
	assert.Equal(t, "/images/a.png", d.Find("img").AttrOr("src", ""))
}

func TestRewriteHTMLTitleOnly(t *testing.T) {
	doc := `<html><head><title>Old</title><meta name="og:title" content="Old"></head></html>`
	out := rewriteString(t, doc, rewrite.HTMLOptions{
		Metadata:    metadata.Metadata{Title: "New <b>"},
		InjectTitle: true,
	})

	assert.Contains(t, out, `<title>New &lt;b&gt;</title>`)
	assert.Contains(t, out, `<meta name="og:title" content="Old">`)
}

func TestRewriteHTMLEmptyTitleLeavesDocument(t *testing.T) {
	doc := `<html><head><title>Old</title><meta name="description" content="d"></head></html>`
	out := rewriteString(t, doc, rewrite.HTMLOptions{
		Metadata:       metadata.Metadata{},
		InjectMetadata: true,
	})
	assert.Equal(t, doc, out)
}

func TestRewriteHTMLHeadScript(t *testing.T) {
	doc := `<html><head><title>x</title></head><body></body></html>`
	out := rewriteString(t, doc, rewrite.HTMLOptions{HeadScript: `<script>guard()</script>`})
	assert.Contains(t, out, `<script>guard()</script></head>`)
	assert.Equal(t, 1, strings.Count(out, "guard()"))
}

type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

func TestRewriteHTMLFlushesAfterHead(t *testing.T) {
	doc := `<html><head><title>x</title></head><body>` + strings.Repeat("<p>a</p>", 100) + `</body></html>`
	var out flushRecorder
	require.NoError(t, rewrite.RewriteHTML(&out, strings.NewReader(doc), rewrite.HTMLOptions{}))
	assert.Equal(t, 1, out.flushes)
	assert.Equal(t, doc, out.String())
}
