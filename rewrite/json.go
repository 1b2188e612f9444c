package rewrite

import (
	"errors"
	"fmt"
	"strings"

	"metarelay/metadata"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrInvalidJSON is returned when a page-data document cannot be patched.
var ErrInvalidJSON = errors.New("invalid page data JSON")

// pageContainers must be objects before any field below them is written.
// Parents come before children.
var pageContainers = []string{
	"page",
	"page.title",
	"page.meta",
	"page.meta.desc",
	"page.meta.keywords",
	"page.socialTitle",
	"page.socialDesc",
}

// PatchPageData writes md into a page-data document. Language-keyed fields are
// written for each of languages; page.metaImage is written as a plain string.
// Fields absent from md leave the document untouched, and everything not
// written keeps its original bytes and key order.
//
// Parameters:
// - body: The original document.
// - md: The resolved metadata.
// - languages: Language keys to populate, e.g. ["en", "fr"].
//
// Returns:
// - []byte: The patched document.
// - error: An error wrapping ErrInvalidJSON if the document is not a JSON object.
func PatchPageData(body []byte, md metadata.Metadata, languages []string) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidJSON
	}
	if !gjson.ParseBytes(body).IsObject() {
		return nil, fmt.Errorf("%w: document root is not an object", ErrInvalidJSON)
	}

	out := body
	// blocked holds containers that exist with a non-object value; nothing is written below them.
	blocked := make(map[string]bool)
	var err error

	for _, container := range pageContainers {
		if parent := parentOf(container); parent != "" && blocked[parent] {
			blocked[container] = true
			continue
		}
		value := gjson.GetBytes(out, container)
		switch {
		case !value.Exists() || isFalsy(value):
			if out, err = sjson.SetRawBytes(out, container, []byte("{}")); err != nil {
				return nil, fmt.Errorf("%w: creating %s: %v", ErrInvalidJSON, container, err)
			}
		case !value.IsObject():
			blocked[container] = true
		}
	}

	set := func(container, key, value string) {
		if err != nil || value == "" || blocked[container] {
			return
		}
		out, err = sjson.SetBytes(out, container+"."+escapeKey(key), value)
	}

	for _, lang := range languages {
		set("page.title", lang, md.Title)
		set("page.socialTitle", lang, md.Title)
		set("page.meta.desc", lang, md.Description)
		set("page.socialDesc", lang, md.Description)
		set("page.meta.keywords", lang, md.Keywords)
	}
	set("page", "metaImage", md.Image)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return out, nil
}

// isFalsy mirrors the values a client would replace with an empty object: null, false, "" and 0.
func isFalsy(v gjson.Result) bool {
	switch v.Type {
	case gjson.Null, gjson.False:
		return true
	case gjson.String:
		return v.Str == ""
	case gjson.Number:
		return v.Num == 0
	}
	return false
}

func parentOf(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[:i]
	}
	return ""
}

// escapeKey escapes characters with meaning in gjson/sjson paths.
func escapeKey(key string) string {
	var sb strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', ':':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
