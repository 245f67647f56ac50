package server

import (
	"net/http"
	"strings"

	"github.com/matst80/pwremote/internal/browser"
	"github.com/matst80/pwremote/internal/session"
)

// Mode is the server flavor, deciding how clients are classified.
type Mode string

const (
	ModeDefault      Mode = "default"
	ModeExtension    Mode = "extension"
	ModeLaunchServer Mode = "launchServer"
)

// ParseMode accepts the flag spellings of Mode. Unknown values are default.
func ParseMode(s string) Mode {
	switch strings.ToLower(s) {
	case "extension":
		return ModeExtension
	case "launchserver", "launch-server":
		return ModeLaunchServer
	}
	return ModeDefault
}

// params are the client supplied connection parameters. Query values win
// over headers.
type params struct {
	browser         string
	pattern         string
	launchOptions   browser.LaunchOptions
	debugController bool
}

func parseParams(r *http.Request) params {
	q := r.URL.Query()
	return params{
		browser:         firstNonEmpty(q.Get("browser"), r.Header.Get("x-playwright-browser")),
		pattern:         firstNonEmpty(q.Get("proxy"), r.Header.Get("x-playwright-proxy")),
		launchOptions:   browser.ParseLaunchOptions(firstNonEmpty(q.Get("launch-options"), r.Header.Get("x-playwright-launch-options"))),
		debugController: q.Has("debug-controller"),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func classify(mode Mode, p params) session.ClientType {
	switch mode {
	case ModeExtension:
		if p.debugController {
			return session.Controller
		}
		return session.ReuseBrowser
	case ModeLaunchServer:
		return session.PreLaunched
	}
	return session.LaunchBrowser
}

// clientVersion reads the version a client reports, either from the
// x-playwright-version header or a "Playwright/x.y.z" user agent.
func clientVersion(r *http.Request) string {
	if v := r.Header.Get("x-playwright-version"); v != "" {
		return v
	}
	ua := r.Header.Get("User-Agent")
	rest, ok := strings.CutPrefix(ua, "Playwright/")
	if !ok {
		return ""
	}
	v, _, _ := strings.Cut(rest, " ")
	return v
}

func majorMinor(v string) string {
	v = strings.TrimPrefix(v, "v")
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return v
	}
	return parts[0] + "." + parts[1]
}

// compatible reports whether a client of version client may talk to a
// server of version server. Clients that report nothing are let through.
func compatible(client, server string) bool {
	if client == "" || server == "" {
		return true
	}
	return majorMinor(client) == majorMinor(server)
}
