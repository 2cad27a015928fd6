package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	p, err := Parse("/modules/{moduleId}/genid/{genId}/certificate/server")
	require.NoError(t, err)
	assert.Equal(t, "/modules/{moduleId}/genid/{genId}/certificate/server", p.String())

	for _, bad := range []string{
		"modules",
		"/modules/{id}/x/{id}",
		"/modules/{}",
		"/modules/a{id}",
		"/modules/{{id}}",
	} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}

	assert.Panics(t, func() { MustParse("/a/{x}/{x}") })
}

func TestPatternMatch(t *testing.T) {
	p := MustParse("/modules/{moduleId}/genid/{genId}/certificate/server")

	tests := []struct {
		name  string
		path  string
		ok    bool
		mod   string
		genID string
	}{
		{name: "plain", path: "/modules/edgeHub/genid/1234/certificate/server", ok: true, mod: "edgeHub", genID: "1234"},
		{name: "percent encoded", path: "/modules/%24edgeHub/genid/12%2F34/certificate/server", ok: true, mod: "$edgeHub", genID: "12/34"},
		{name: "utf8", path: "/modules/m%C3%B6dule/genid/1/certificate/server", ok: true, mod: "mödule", genID: "1"},
		{name: "invalid escape", path: "/modules/%zz/genid/1/certificate/server", ok: false},
		{name: "invalid utf8", path: "/modules/%ff/genid/1/certificate/server", ok: false},
		{name: "empty capture", path: "/modules//genid/1/certificate/server", ok: false},
		{name: "literal mismatch", path: "/modules/a/genid/1/certificate/identity", ok: false},
		{name: "trailing slash", path: "/modules/a/genid/1/certificate/server/", ok: false},
		{name: "extra segment", path: "/modules/a/b/genid/1/certificate/server", ok: false},
		{name: "relative", path: "modules/a/genid/1/certificate/server", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := p.Match(tt.path)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.mod, c.Get("moduleId"))
				assert.Equal(t, tt.genID, c.Get("genId"))
			}
		})
	}
}

func TestLiteralPattern(t *testing.T) {
	p := MustParse("/trust-bundle")
	c, ok := p.Match("/trust-bundle")
	assert.True(t, ok)
	assert.Empty(t, c)
	assert.Equal(t, "", c.Get("anything"))

	_, ok = p.Match("/trust-bundle2")
	assert.False(t, ok)
}
