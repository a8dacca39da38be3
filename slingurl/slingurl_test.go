package slingurl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Path(t *testing.T) {
	u := Parse("/content/site/page.sel1.sel2.html/suffix/x.json?a=1&b=x%20y&flag#top")

	assert.Equal(t, TypePath, u.Type)
	assert.Equal(t, "/content/site/", u.Path)
	assert.Equal(t, "page", u.Name)
	assert.Equal(t, []string{"sel1", "sel2"}, u.Selectors)
	assert.Equal(t, "html", u.Extension)
	assert.Equal(t, "/suffix/x.json", u.Suffix)
	assert.Equal(t, "top", u.Fragment)
	require.Len(t, u.Params, 3)
	assert.Equal(t, Param{Name: "b", Value: "x y", HasValue: true}, u.Params[1])
	assert.Equal(t, Param{Name: "flag"}, u.Params[2])
	assert.Equal(t, "/content/site/page", u.ResourcePath())

	assert.Equal(t, "/content/site/page.sel1.sel2.html/suffix/x.json?a=1&b=x+y&flag#top", u.String())
}

func TestParse_Kinds(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		typ    Type
		output string
	}{
		{"http with credentials", "https://user:pw@example.com:8443/content/page.html?x=1#f", TypeHTTP, "https://user:pw@example.com:8443/content/page.html?x=1#f"},
		{"protocol relative", "//cdn.example.com/lib.js", TypeHTTP, "//cdn.example.com/lib.js"},
		{"host only", "http://example.com", TypeHTTP, "http://example.com"},
		{"file with slashes", "file:///tmp/a.txt", TypeFile, "file:///tmp/a.txt"},
		{"file without slashes", "file:/tmp/x", TypeFile, "file:/tmp/x"},
		{"mailto", "mailto:someone@example.com?subject=Hi there", TypeSpecial, "mailto:someone@example.com?subject=Hi there"},
		{"tel", "tel:+49 351 1234", TypeSpecial, "tel:+49 351 1234"},
		{"relative", "page.html", TypePath, "page.html"},
		{"jcr names", "/content/jcr:content.html", TypePath, "/content/jcr:content.html"},
		{"encoded blanks", "/content/a%20b/c.html", TypePath, "/content/a%20b/c.html"},
		{"unknown scheme", "foo:bar baz", TypeOther, "foo:bar baz"},
		{"invalid port", "http://host:99999/x", TypeOther, "http://host:99999/x"},
		{"empty", "", TypeOther, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := Parse(tt.input)
			assert.Equal(t, tt.typ, u.Type)
			assert.Equal(t, tt.output, u.String())
		})
	}
}

func TestParse_HTTPParts(t *testing.T) {
	u := Parse("https://user:pw@example.com:8443/content/page.html?x=1#f")
	assert.Equal(t, "https", u.Scheme)
	assert.Equal(t, "user", u.Username)
	assert.Equal(t, "pw", u.Password)
	assert.Equal(t, "example.com", u.Host)
	assert.Equal(t, 8443, u.Port)
	assert.Equal(t, "/content/", u.Path)
	assert.True(t, u.IsExternal())

	assert.False(t, Parse("/content/page.html").IsExternal())
	assert.Equal(t, "/content/a b/", Parse("/content/a%20b/c.html").Path)
}

func TestParse_Special(t *testing.T) {
	u := Parse("MAILTO:someone@example.com")
	assert.Equal(t, TypeSpecial, u.Type)
	assert.Equal(t, "mailto", u.Scheme)
	assert.Equal(t, "someone@example.com", u.Opaque)
}

func TestBuilder(t *testing.T) {
	u := Parse("/content/page.html").
		AddSelector("print").
		SetExtension(".pdf").
		SetSuffix("x/y").
		SetParameter("a", "1").
		AddParameter("a", "2")
	assert.Equal(t, "/content/page.print.pdf/x/y?a=1&a=2", u.String())

	u.SetParameter("a", "3")
	assert.Equal(t, "/content/page.print.pdf/x/y?a=3", u.String())
	v, ok := u.Parameter("a")
	assert.True(t, ok)
	assert.Equal(t, "3", v)

	u.RemoveSelector("print").RemoveParameter("a").SetFragment("sec 1")
	assert.Equal(t, "/content/page.pdf/x/y#sec%201", u.String())

	_, ok = u.Parameter("a")
	assert.False(t, ok)
}

func TestResolve(t *testing.T) {
	existing := map[string]bool{
		"/content":               true,
		"/content/my.site":       true,
		"/content/my.site/page":  true,
		"/content/dam/image.png": true,
		"/content/page":          true,
	}
	exists := func(p string) bool { return existing[p] }

	t.Run("dotted directory", func(t *testing.T) {
		u := Parse("/content/my.site/page.html")
		assert.Equal(t, "my", u.Name, "heuristic split before resolution")

		require.True(t, u.Resolve(exists))
		assert.Equal(t, "/content/my.site/", u.Path)
		assert.Equal(t, "page", u.Name)
		assert.Equal(t, "html", u.Extension)
		assert.Empty(t, u.Suffix)
		assert.Equal(t, "/content/my.site/page", u.ResourcePath())
	})

	t.Run("dotted resource name", func(t *testing.T) {
		u := Parse("/content/dam/image.png")
		require.True(t, u.Resolve(exists))
		assert.Equal(t, "/content/dam/image.png", u.ResourcePath())
		assert.Empty(t, u.Extension)
	})

	t.Run("selectors and suffix", func(t *testing.T) {
		u := Parse("/content/page.a.html/suffix")
		require.True(t, u.Resolve(exists))
		assert.Equal(t, "/content/page", u.ResourcePath())
		assert.Equal(t, []string{"a"}, u.Selectors)
		assert.Equal(t, "html", u.Extension)
		assert.Equal(t, "/suffix", u.Suffix)
	})

	t.Run("nothing exists", func(t *testing.T) {
		u := Parse("/missing/page.html")
		assert.False(t, u.Resolve(func(string) bool { return false }))
		assert.Equal(t, "/missing/page", u.ResourcePath())
	})

	t.Run("special urls do not resolve", func(t *testing.T) {
		assert.False(t, Parse("mailto:x@y").Resolve(exists))
	})
}
