package browser

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightLauncher launches real browsers through the playwright driver.
// The driver starts lazily on the first launch.
type PlaywrightLauncher struct {
	install bool
	verbose bool

	once sync.Once
	pw   *playwright.Playwright
	err  error
}

// NewPlaywrightLauncher returns a launcher. With install set the driver and
// browsers are downloaded before first use.
func NewPlaywrightLauncher(install, verbose bool) *PlaywrightLauncher {
	return &PlaywrightLauncher{install: install, verbose: verbose}
}

func (l *PlaywrightLauncher) start() error {
	l.once.Do(func() {
		opts := &playwright.RunOptions{Verbose: l.verbose}
		if !l.verbose {
			opts.Stdout = io.Discard
			opts.Stderr = io.Discard
		}
		if l.install {
			if err := playwright.Install(opts); err != nil {
				l.err = fmt.Errorf("failed to install playwright: %w", err)
				return
			}
		}
		pw, err := playwright.Run(opts)
		if err != nil {
			l.err = fmt.Errorf("failed to start playwright: %w", err)
			return
		}
		l.pw = pw
	})
	return l.err
}

// Launch implements Launcher.
func (l *PlaywrightLauncher) Launch(ctx context.Context, name string, opts LaunchOptions) (Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.start(); err != nil {
		return nil, err
	}
	bt, err := browserType(l.pw, name)
	if err != nil {
		return nil, err
	}
	b, err := bt.Launch(toPlaywright(opts))
	if err != nil {
		return nil, err
	}
	return &pwBrowser{b: b}, nil
}

// Stop shuts the driver down.
func (l *PlaywrightLauncher) Stop() error {
	if l.pw == nil {
		return nil
	}
	return l.pw.Stop()
}

func browserType(pw *playwright.Playwright, name string) (playwright.BrowserType, error) {
	switch name {
	case "chromium", "chrome", "msedge":
		return pw.Chromium, nil
	case "firefox":
		return pw.Firefox, nil
	case "webkit":
		return pw.WebKit, nil
	}
	return nil, fmt.Errorf("unsupported browser %q", name)
}

func toPlaywright(o LaunchOptions) playwright.BrowserTypeLaunchOptions {
	out := playwright.BrowserTypeLaunchOptions{
		Args:                 o.Args,
		IgnoreAllDefaultArgs: o.IgnoreAllDefaultArgs,
		IgnoreDefaultArgs:    o.IgnoreDefaultArgs,
		Timeout:              o.Timeout,
		Headless:             o.Headless,
		ChromiumSandbox:      o.ChromiumSandbox,
		FirefoxUserPrefs:     o.FirefoxUserPrefs,
		SlowMo:               o.SlowMo,
		Env:                  o.Env,
		HandleSIGINT:         o.HandleSIGINT,
		HandleSIGTERM:        o.HandleSIGTERM,
		HandleSIGHUP:         o.HandleSIGHUP,
		Channel:              optString(o.Channel),
		ExecutablePath:       optString(o.ExecutablePath),
		TracesDir:            optString(o.TracesDir),
		DownloadsPath:        optString(o.DownloadsPath),
	}
	if o.Proxy != nil {
		out.Proxy = &playwright.Proxy{
			Server:   o.Proxy.Server,
			Bypass:   optString(o.Proxy.Bypass),
			Username: optString(o.Proxy.Username),
			Password: optString(o.Proxy.Password),
		}
	}
	return out
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return playwright.String(s)
}

type pwBrowser struct {
	b playwright.Browser
}

func (p *pwBrowser) Version() string { return p.b.Version() }
func (p *pwBrowser) Close() error    { return p.b.Close() }

func (p *pwBrowser) OnDisconnected(fn func()) {
	p.b.OnDisconnected(func(playwright.Browser) { fn() })
}

func (p *pwBrowser) Contexts() []Context {
	cs := p.b.Contexts()
	out := make([]Context, 0, len(cs))
	for _, c := range cs {
		out = append(out, pwContext{c: c})
	}
	return out
}

type pwContext struct {
	c playwright.BrowserContext
}

func (p pwContext) PageCount() int { return len(p.c.Pages()) }
func (p pwContext) Close() error    { return p.c.Close() }
