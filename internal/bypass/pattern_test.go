package bypass

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileGlobAndPort(t *testing.T) {
	m, err := Compile("*.example.com,127.0.0.1:8080")
	require.NoError(t, err)

	assert.True(t, m("foo.example.com", 443))
	assert.False(t, m("example.com", 443))
	assert.True(t, m("127.0.0.1", 8080))
	assert.False(t, m("127.0.0.1", 80))
}

func TestCompileLoopback(t *testing.T) {
	m, err := Compile("<loopback>")
	require.NoError(t, err)

	for _, port := range []int{80, 443, 9222} {
		assert.True(t, m("localhost", port))
		assert.True(t, m("a.localhost", port))
		assert.True(t, m("127.0.0.1", port))
		assert.True(t, m("[::1]", port))
		assert.False(t, m("93.184.216.34", port))
	}

	m, err = Compile("<loopback>:3000")
	require.NoError(t, err)
	assert.True(t, m("localhost", 3000))
	assert.False(t, m("localhost", 3001))
}

func TestCompileStar(t *testing.T) {
	m, err := Compile("*")
	require.NoError(t, err)
	assert.True(t, m("example.com", 80))
	assert.True(t, m("10.0.0.1", 22))

	m, err = Compile("*:443")
	require.NoError(t, err)
	assert.True(t, m("example.com", 443))
	assert.False(t, m("example.com", 80))
}

func TestLeadingDotIsSubdomainGlob(t *testing.T) {
	m, err := Compile(".example.com")
	require.NoError(t, err)
	assert.True(t, m("www.example.com", 80))
	assert.True(t, m("a.b.example.com", 80))
	assert.False(t, m("example.com", 80))
	assert.False(t, m("badexample.com", 80))
}

func TestGlobNeverMatchesIPLiteral(t *testing.T) {
	m, err := Compile("10.0.*")
	require.NoError(t, err)
	assert.False(t, m("10.0.0.1", 80), "a glob must not match an IP host")
	assert.True(t, m("10.0.host", 80))
}

func TestIPLiteralRules(t *testing.T) {
	m, err := Compile("::1,[2001:db8::1]:8443,192.168.1.10")
	require.NoError(t, err)
	assert.True(t, m("::1", 80))
	assert.True(t, m("[::1]", 80))
	assert.True(t, m("2001:db8::1", 8443))
	assert.False(t, m("2001:db8::1", 443))
	assert.True(t, m("192.168.1.10", 1))
	assert.False(t, m("192.168.1.100", 1))
}

func TestGlobMetacharactersAreLiteral(t *testing.T) {
	m, err := Compile("weird?host.test")
	require.NoError(t, err)
	assert.True(t, m("weird?host.test", 80))
	assert.False(t, m("weirdXhost.test", 80))
}

func TestEmptyPatternMatchesNothing(t *testing.T) {
	for _, p := range []string{"", "  ", ",,"} {
		m, err := Compile(p)
		require.NoError(t, err)
		assert.False(t, m("localhost", 80))
	}
}

func TestCaseInsensitiveHosts(t *testing.T) {
	m, err := Compile("*.Example.COM")
	require.NoError(t, err)
	assert.True(t, m("WWW.example.com", 80))
}

func TestCompileErrors(t *testing.T) {
	for _, p := range []string{"example.com:99999", "example.com:http", "[::1", "[::1]x", ":80"} {
		_, err := Compile(p)
		assert.ErrorIs(t, err, ErrUnsupportedToken, p)
	}
}

func TestParseFallsBackToNone(t *testing.T) {
	m := Parse("*.example.com,bad:port")
	assert.False(t, m("www.example.com", 80))

	m = Parse("*.example.com")
	assert.True(t, m("www.example.com", 80))
}
