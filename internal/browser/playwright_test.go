package browser

import (
	"testing"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestToPlaywright(t *testing.T) {
	opts := LaunchOptions{
		Channel:  "chrome",
		Args:     []string{"--a"},
		Headless: boolPtr(false),
		Proxy:    &ProxySettings{Server: "socks5://127.0.0.1:1080", Bypass: "<-loopback>"},
	}
	out := toPlaywright(opts)
	require.NotNil(t, out.Channel)
	assert.Equal(t, "chrome", *out.Channel)
	assert.Equal(t, []string{"--a"}, out.Args)
	assert.Equal(t, opts.Headless, out.Headless)
	assert.Nil(t, out.ExecutablePath)
	require.NotNil(t, out.Proxy)
	assert.Equal(t, "socks5://127.0.0.1:1080", out.Proxy.Server)
	require.NotNil(t, out.Proxy.Bypass)
	assert.Nil(t, out.Proxy.Username)

	assert.Nil(t, toPlaywright(LaunchOptions{}).Proxy)
}

func TestBrowserTypeRejectsUnknown(t *testing.T) {
	_, err := browserType(&playwright.Playwright{}, "netscape")
	assert.Error(t, err)
}
