package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/matst80/pwremote/internal/browser"
	"github.com/matst80/pwremote/internal/obs"
	"github.com/matst80/pwremote/internal/ratelimit"
	"github.com/matst80/pwremote/internal/server"
	"github.com/matst80/pwremote/internal/session"
	"github.com/matst80/pwremote/internal/socks"
)

func main() {
	registerFlags(flag.CommandLine, &cfg, &configPath)
	if err := loadConfig(flag.CommandLine, &cfg, &configPath, os.Args[1:]); err != nil {
		obs.Error("config.load", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("server.start", obs.Fields{"listen": cfg.Listen, "path": cfg.Path, "mode": cfg.Mode, "metrics": cfg.MetricsAddr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		obs.Error("server.fatal", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	registry, err := server.NewRegistry(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	if rr, ok := registry.(*server.RedisRegistry); ok {
		go rr.Maintain(ctx)
	}

	launcher := browser.NewPlaywrightLauncher(cfg.InstallBrowsers, cfg.Debug)
	defer func() {
		if err := launcher.Stop(); err != nil {
			obs.Error("playwright.stop", obs.Fields{"err": err.Error()})
		}
	}()

	socksOpts := []socks.Option{socks.WithDialTimeout(cfg.DialTimeout)}
	mode := server.ParseMode(cfg.Mode)
	shared := browser.NewPool(launcher)

	var pre *session.PreLaunchedBrowser
	switch mode {
	case server.ModeExtension:
		// Controllers attach to the shared pool without owning a browser.
		pre = &session.PreLaunchedBrowser{Pool: shared}
	case server.ModeLaunchServer:
		pre, err = preLaunch(ctx, launcher, socksOpts)
		if err != nil {
			_ = registry.Close()
			return err
		}
	}

	var limiter *ratelimit.Limiter
	if cfg.UpgradeRate > 0 || cfg.GlobalUpgradeRate > 0 {
		limiter = ratelimit.NewLimiter(cfg.GlobalUpgradeRate, cfg.UpgradeRate, cfg.UpgradeBurst)
		go sweepLimiter(ctx, limiter)
	}

	srv := server.New(server.Config{
		Path:           cfg.Path,
		Mode:           mode,
		MaxConnections: cfg.MaxConnections,
		Version:        cfg.Version,
		TestMode:       cfg.TestMode,
		Launcher:       launcher,
		Pool:           shared,
		PreLaunched:    pre,
		Registry:       registry,
		Limiter:        limiter,
		SocksOpts:      socksOpts,
	})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		_ = srv.Close()
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	hs := &http.Server{Handler: srv, ReadHeaderTimeout: 10 * time.Second}

	var ready atomic.Bool
	go startMetricsServer(ctx, cfg.MetricsAddr, srv, &ready)

	serveErr := make(chan error, 1)
	go func() { serveErr <- hs.Serve(ln) }()
	ready.Store(true)
	obs.Info("server.ready", obs.Fields{"addr": ln.Addr().String(), "mode": string(mode)})

	select {
	case <-ctx.Done():
		obs.Info("server.shutdown.signal", obs.Fields{})
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			obs.Error("server.serve", obs.Fields{"err": err.Error()})
		}
	}
	ready.Store(false)

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		obs.Error("server.shutdown.http", obs.Fields{"err": err.Error()})
	}
	if err := srv.Close(); err != nil {
		obs.Error("server.shutdown.sessions", obs.Fields{"err": err.Error()})
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
	return nil
}

// preLaunch starts the singleton browser of launchServer mode. Its traffic
// goes through a shared SOCKS proxy whose pattern each session sets.
func preLaunch(ctx context.Context, launcher browser.Launcher, socksOpts []socks.Option) (*session.PreLaunchedBrowser, error) {
	proxy := socks.NewProxy(socksOpts...)
	port, err := proxy.Listen("127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("pre-launch socks listen: %w", err)
	}
	opts := browser.ParseLaunchOptions(cfg.PreLaunchOptions).Sanitize(cfg.TestMode)
	opts.Proxy = &browser.ProxySettings{Server: fmt.Sprintf("socks5://127.0.0.1:%d", port)}

	pool := browser.NewPool(launcher)
	inst, err := pool.Launch(ctx, cfg.PreLaunchBrowser, opts)
	if err != nil {
		_ = proxy.Close()
		return nil, err
	}
	obs.Info("server.prelaunched", obs.Fields{"browser": inst.Name, "id": inst.ID, "version": inst.Browser.Version(), "socks": port})
	return &session.PreLaunchedBrowser{Pool: pool, Instance: inst, Proxy: proxy}, nil
}

func sweepLimiter(ctx context.Context, l *ratelimit.Limiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(5 * time.Minute); n > 0 {
				obs.Debug("ratelimit.sweep", obs.Fields{"dropped": n})
			}
		}
	}
}
