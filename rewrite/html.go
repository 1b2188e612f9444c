package rewrite

import (
	"bufio"
	"io"
	"strings"

	"metarelay/metadata"

	"golang.org/x/net/html"
)

// Default meta tags injected before </head> when the document lacks them, in this order.
var defaultMetaTags = []struct {
	name string
	tag  string
}{
	{"viewport", `<meta name="viewport" content="width=device-width, initial-scale=1, viewport-fit=cover">`},
	{"apple-mobile-web-app-capable", `<meta name="apple-mobile-web-app-capable" content="yes">`},
	{"apple-mobile-web-app-status-bar-style", `<meta name="apple-mobile-web-app-status-bar-style" content="black">`},
}

type field int

const (
	fieldTitle field = iota + 1
	fieldDescription
	fieldImage
	fieldKeywords
)

// metaFields is keyed on a meta tag's name or property attribute.
var metaFields = map[string]field{
	"title":               fieldTitle,
	"description":         fieldDescription,
	"image":               fieldImage,
	"keywords":            fieldKeywords,
	"twitter:title":       fieldTitle,
	"twitter:description": fieldDescription,
	"twitter:image":       fieldImage,
	"og:title":            fieldTitle,
	"og:description":      fieldDescription,
	"og:image":            fieldImage,
}

// itempropFields is keyed on a meta tag's itemprop attribute.
var itempropFields = map[string]field{
	"name":        fieldTitle,
	"description": fieldDescription,
	"image":       fieldImage,
}

func (f field) value(md metadata.Metadata) string {
	switch f {
	case fieldTitle:
		return md.Title
	case fieldDescription:
		return md.Description
	case fieldImage:
		return md.Image
	case fieldKeywords:
		return md.Keywords
	}
	return ""
}

// HTMLOptions selects the rules applied by RewriteHTML. The noindex robots
// meta tag is removed regardless of options.
type HTMLOptions struct {
	// Metadata drives the title and meta rules; empty fields leave tags untouched.
	Metadata metadata.Metadata
	// InjectMetadata enables the <title> and <meta> field rules.
	InjectMetadata bool
	// InjectTitle enables the <title> rule alone.
	InjectTitle bool
	// FaviconURL, when set, replaces the href of icon links.
	FaviconURL string
	// DefaultMeta injects missing viewport/apple meta tags before </head>.
	DefaultMeta bool
	// AssetOrigin, when set, absolutizes <base> and root-relative script/link URLs against it.
	AssetOrigin string
	// HeadScript is emitted verbatim before </head>.
	HeadScript string
}

type flusher interface {
	Flush()
}

type htmlRewriter struct {
	opts HTMLOptions
	out  *bufio.Writer
	dst  io.Writer

	skipText bool // inside a <title> whose text is being replaced
	headDone bool
	seenMeta map[string]bool
}

// RewriteHTML copies the document from src to dst in a single forward pass,
// applying the rules selected by opts. Tokens no rule touches are copied byte
// for byte.
//
// Parameters:
// - dst: The destination, typically the client response writer.
// - src: The origin document.
// - opts: The rules to apply.
//
// Returns:
// - error: A read error from src or a write error to dst.
func RewriteHTML(dst io.Writer, src io.Reader, opts HTMLOptions) error {
	rw := &htmlRewriter{
		opts:     opts,
		out:      bufio.NewWriterSize(dst, 8*1024),
		dst:      dst,
		seenMeta: make(map[string]bool, len(defaultMetaTags)),
	}
	if err := rw.run(html.NewTokenizer(src)); err != nil {
		rw.out.Flush()
		return err
	}
	return rw.out.Flush()
}

func (rw *htmlRewriter) run(z *html.Tokenizer) error {
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() == io.EOF {
				return nil
			}
			return z.Err()
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			raw := append([]byte(nil), z.Raw()...)
			if err := rw.startTag(raw, z.Token()); err != nil {
				return err
			}
		case html.EndTagToken:
			raw := append([]byte(nil), z.Raw()...)
			if err := rw.endTag(raw, z.Token()); err != nil {
				return err
			}
		default:
			if rw.skipText {
				continue
			}
			if _, err := rw.out.Write(z.Raw()); err != nil {
				return err
			}
		}
	}
}

func (rw *htmlRewriter) startTag(raw []byte, tok html.Token) error {
	switch tok.Data {
	case "title":
		return rw.title(raw, tok)
	case "meta":
		return rw.meta(raw, tok)
	case "link":
		return rw.link(raw, tok)
	case "script":
		return rw.absolutize(raw, tok, "src")
	case "base":
		return rw.base(raw, tok)
	case "body":
		if err := rw.finishHead(); err != nil {
			return err
		}
	}
	_, err := rw.out.Write(raw)
	return err
}

func (rw *htmlRewriter) endTag(raw []byte, tok html.Token) error {
	switch tok.Data {
	case "title":
		rw.skipText = false
	case "head":
		if err := rw.finishHead(); err != nil {
			return err
		}
	}
	_, err := rw.out.Write(raw)
	return err
}

func (rw *htmlRewriter) title(raw []byte, tok html.Token) error {
	title := rw.opts.Metadata.Title
	if title == "" || !(rw.opts.InjectMetadata || rw.opts.InjectTitle) || tok.Type == html.SelfClosingTagToken {
		_, err := rw.out.Write(raw)
		return err
	}
	if _, err := rw.out.Write(raw); err != nil {
		return err
	}
	rw.skipText = true
	_, err := rw.out.WriteString(html.EscapeString(title))
	return err
}

func (rw *htmlRewriter) meta(raw []byte, tok html.Token) error {
	name := strings.ToLower(strings.TrimSpace(attr(tok, "name")))

	if name == "robots" && isNoindex(attr(tok, "content")) {
		return nil
	}
	for _, d := range defaultMetaTags {
		if name == d.name {
			rw.seenMeta[name] = true
		}
	}

	if rw.opts.InjectMetadata {
		f, ok := metaFields[name]
		if !ok {
			f, ok = metaFields[strings.ToLower(strings.TrimSpace(attr(tok, "property")))]
		}
		if !ok {
			f, ok = itempropFields[strings.ToLower(strings.TrimSpace(attr(tok, "itemprop")))]
		}
		if ok {
			if value := f.value(rw.opts.Metadata); value != "" {
				setAttr(&tok, "content", value)
				_, err := rw.out.WriteString(tok.String())
				return err
			}
		}
	}

	_, err := rw.out.Write(raw)
	return err
}

func (rw *htmlRewriter) link(raw []byte, tok html.Token) error {
	if rw.opts.FaviconURL != "" {
		rel := strings.ToLower(strings.Join(strings.Fields(attr(tok, "rel")), " "))
		if rel == "icon" || rel == "shortcut icon" {
			setAttr(&tok, "href", rw.opts.FaviconURL)
			_, err := rw.out.WriteString(tok.String())
			return err
		}
	}
	return rw.absolutize(raw, tok, "href")
}

// absolutize rewrites a root-relative URL attribute ("/x", not "//x") against AssetOrigin.
func (rw *htmlRewriter) absolutize(raw []byte, tok html.Token, key string) error {
	if rw.opts.AssetOrigin != "" {
		if value, ok := lookupAttr(tok, key); ok && isRootRelative(value) {
			setAttr(&tok, key, rw.opts.AssetOrigin+value)
			_, err := rw.out.WriteString(tok.String())
			return err
		}
	}
	_, err := rw.out.Write(raw)
	return err
}

func (rw *htmlRewriter) base(raw []byte, tok html.Token) error {
	if rw.opts.AssetOrigin != "" {
		if _, ok := lookupAttr(tok, "href"); ok {
			setAttr(&tok, "href", rw.opts.AssetOrigin+"/")
			_, err := rw.out.WriteString(tok.String())
			return err
		}
	}
	_, err := rw.out.Write(raw)
	return err
}

// finishHead emits the head injections once, right before </head> (or <body>
// when the document never closes its head explicitly), then flushes so the
// head reaches the client early.
func (rw *htmlRewriter) finishHead() error {
	if rw.headDone {
		return nil
	}
	rw.headDone = true

	if rw.opts.DefaultMeta {
		for _, d := range defaultMetaTags {
			if !rw.seenMeta[d.name] {
				if _, err := rw.out.WriteString(d.tag); err != nil {
					return err
				}
			}
		}
	}
	if rw.opts.HeadScript != "" {
		if _, err := rw.out.WriteString(rw.opts.HeadScript); err != nil {
			return err
		}
	}

	if err := rw.out.Flush(); err != nil {
		return err
	}
	if f, ok := rw.dst.(flusher); ok {
		f.Flush()
	}
	return nil
}

func isNoindex(content string) bool {
	for _, directive := range strings.Split(strings.ToLower(content), ",") {
		switch strings.TrimSpace(directive) {
		case "noindex", "none":
			return true
		}
	}
	return false
}

func isRootRelative(value string) bool {
	return strings.HasPrefix(value, "/") && !strings.HasPrefix(value, "//")
}

func attr(tok html.Token, key string) string {
	value, _ := lookupAttr(tok, key)
	return value
}

func lookupAttr(tok html.Token, key string) (string, bool) {
	for _, a := range tok.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(tok *html.Token, key, value string) {
	for i, a := range tok.Attr {
		if a.Namespace == "" && a.Key == key {
			tok.Attr[i].Val = value
			return
		}
	}
	tok.Attr = append(tok.Attr, html.Attribute{Key: key, Val: value})
}
