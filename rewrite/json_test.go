package rewrite_test

import (
	"errors"
	"testing"

	"metarelay/metadata"
	"metarelay/rewrite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestPatchPageDataCreatesContainers(t *testing.T) {
	body := []byte(`{"id":"abc","blocks":[1,2,3]}`)
	md := metadata.Metadata{Title: "Salad", Image: "http://x/img.png"}

	out, err := rewrite.PatchPageData(body, md, []string{"en"})
	require.NoError(t, err)

	assert.Equal(t, "Salad", gjson.GetBytes(out, "page.title.en").String())
	assert.Equal(t, "Salad", gjson.GetBytes(out, "page.socialTitle.en").String())
	assert.Equal(t, "http://x/img.png", gjson.GetBytes(out, "page.metaImage").String())
	assert.True(t, gjson.GetBytes(out, "page.meta.desc").IsObject())
	assert.True(t, gjson.GetBytes(out, "page.meta.keywords").IsObject())
	assert.True(t, gjson.GetBytes(out, "page.socialDesc").IsObject())
	assert.Equal(t, `[1,2,3]`, gjson.GetBytes(out, "blocks").Raw)
	assert.True(t, gjson.ValidBytes(out))
}

func TestPatchPageDataPreservesAbsentFields(t *testing.T) {
	body := []byte(`{"page":{"title":{"en":"Old","de":"Alt"},` +
		`"meta":{"desc":{"en":"Old desc"},"keywords":{"en":"old"}},` +
		`"metaImage":"http://x/old.png","socialDesc":{"en":"Old social"}}}`)

	out, err := rewrite.PatchPageData(body, metadata.Metadata{Title: "X"}, []string{"en"})
	require.NoError(t, err)

	assert.Equal(t, "X", gjson.GetBytes(out, "page.title.en").String())
	assert.Equal(t, "Alt", gjson.GetBytes(out, "page.title.de").String())
	assert.Equal(t, "Old desc", gjson.GetBytes(out, "page.meta.desc.en").String())
	assert.Equal(t, "old", gjson.GetBytes(out, "page.meta.keywords.en").String())
	assert.Equal(t, "http://x/old.png", gjson.GetBytes(out, "page.metaImage").String())
	assert.Equal(t, "Old social", gjson.GetBytes(out, "page.socialDesc.en").String())
}

func TestPatchPageDataAllFieldsAndLanguages(t *testing.T) {
	body := []byte(`{"page":{}}`)
	md := metadata.Metadata{Title: "T", Description: "D", Image: "I", Keywords: "K"}

	out, err := rewrite.PatchPageData(body, md, []string{"en", "fr"})
	require.NoError(t, err)

	for _, lang := range []string{"en", "fr"} {
		assert.Equal(t, "T", gjson.GetBytes(out, "page.title."+lang).String())
		assert.Equal(t, "T", gjson.GetBytes(out, "page.socialTitle."+lang).String())
		assert.Equal(t, "D", gjson.GetBytes(out, "page.meta.desc."+lang).String())
		assert.Equal(t, "D", gjson.GetBytes(out, "page.socialDesc."+lang).String())
		assert.Equal(t, "K", gjson.GetBytes(out, "page.meta.keywords."+lang).String())
	}
	assert.Equal(t, "I", gjson.GetBytes(out, "page.metaImage").String())
}

func TestPatchPageDataKeepsKeyOrder(t *testing.T) {
	body := []byte(`{"z":1,"page":{"b":true,"title":{"en":"Old"},"a":null},"y":"2"}`)

	out, err := rewrite.PatchPageData(body, metadata.Metadata{Title: "New"}, []string{"en"})
	require.NoError(t, err)

	var keys []string
	gjson.ParseBytes(out).ForEach(func(key, _ gjson.Result) bool {
		keys = append(keys, key.String())
		return true
	})
	assert.Equal(t, []string{"z", "page", "y"}, keys)

	var pageKeys []string
	gjson.GetBytes(out, "page").ForEach(func(key, _ gjson.Result) bool {
		pageKeys = append(pageKeys, key.String())
		return true
	})
	assert.Equal(t, []string{"b", "title", "a"}, pageKeys[:3])
	assert.Equal(t, `{"en":"New"}`, gjson.GetBytes(out, "page.title").Raw)
}

func TestPatchPageDataFalsyContainers(t *testing.T) {
	body := []byte(`{"page":{"title":null,"meta":false,"socialTitle":"","socialDesc":0}}`)
	md := metadata.Metadata{Title: "T", Description: "D"}

	out, err := rewrite.PatchPageData(body, md, []string{"en"})
	require.NoError(t, err)

	assert.Equal(t, "T", gjson.GetBytes(out, "page.title.en").String())
	assert.Equal(t, "T", gjson.GetBytes(out, "page.socialTitle.en").String())
	assert.Equal(t, "D", gjson.GetBytes(out, "page.meta.desc.en").String())
	assert.Equal(t, "D", gjson.GetBytes(out, "page.socialDesc.en").String())
}

func TestPatchPageDataSkipsNonObjectContainers(t *testing.T) {
	body := []byte(`{"page":{"title":"plain string","meta":[1]}}`)
	md := metadata.Metadata{Title: "T", Description: "D", Image: "I"}

	out, err := rewrite.PatchPageData(body, md, []string{"en"})
	require.NoError(t, err)

	assert.Equal(t, "plain string", gjson.GetBytes(out, "page.title").String())
	assert.Equal(t, `[1]`, gjson.GetBytes(out, "page.meta").Raw)
	assert.Equal(t, "T", gjson.GetBytes(out, "page.socialTitle.en").String())
	assert.Equal(t, "I", gjson.GetBytes(out, "page.metaImage").String())
}

func TestPatchPageDataInvalid(t *testing.T) {
	tests := map[string]string{
		"malformed":  `{"page":`,
		"array root": `[{"page":{}}]`,
		"empty":      ``,
		"html":       `<html></html>`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := rewrite.PatchPageData([]byte(body), metadata.Metadata{Title: "T"}, []string{"en"})
			assert.True(t, errors.Is(err, rewrite.ErrInvalidJSON))
		})
	}
}

func TestPatchPageDataDeterministic(t *testing.T) {
	body := []byte(`{"page":{"title":{"en":"a"}}}`)
	md := metadata.Metadata{Title: "T", Keywords: "k"}

	first, err := rewrite.PatchPageData(body, md, []string{"en", "fr"})
	require.NoError(t, err)
	second, err := rewrite.PatchPageData(body, md, []string{"en", "fr"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPatchPageDataEscapesLanguageKeys(t *testing.T) {
	out, err := rewrite.PatchPageData([]byte(`{}`), metadata.Metadata{Title: "T"}, []string{"en.US"})
	require.NoError(t, err)
	assert.Equal(t, "T", gjson.GetBytes(out, `page.title.en\.US`).String())
	assert.False(t, gjson.GetBytes(out, "page.title.en").Exists())
}
