package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/pwremote/internal/obs"
	"github.com/matst80/pwremote/internal/socks"
)

func main() {
	registerFlags(flag.CommandLine, &cfg, &configPath)
	obs.SetOutput(os.Stderr)
	if err := loadConfig(flag.CommandLine, &cfg, &configPath, os.Args[1:]); err != nil {
		obs.Error("config.load", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs.Info("client.start", obs.Fields{"server": cfg.ServerURL, "browser": cfg.Browser, "proxy": cfg.Pattern})
	for {
		err := runOnce(ctx, cfg)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			obs.Error("client.disconnected", obs.Fields{"err": err.Error()})
		}
		if cfg.Reconnect <= 0 {
			if err != nil {
				os.Exit(1)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.Reconnect):
		}
		obs.Info("client.reconnect", obs.Fields{})
	}
}

func runOnce(ctx context.Context, c Config) error {
	u, err := c.sessionURL()
	if err != nil {
		return fmt.Errorf("bad server url: %w", err)
	}
	h := http.Header{}
	if c.Version != "" {
		h.Set("x-playwright-version", c.Version)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u, h)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("connect %s: %s: %s", c.ServerURL, resp.Status, strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("connect %s: %w", c.ServerURL, err)
	}
	defer ws.Close()
	obs.Info("client.connected", obs.Fields{"server": c.ServerURL})

	opts := []socks.Option{socks.WithDialTimeout(c.DialTimeout)}
	if c.RedirectPort > 0 {
		opts = append(opts, socks.WithRedirectPort(c.RedirectPort))
	}
	p, err := newPeer(ws, c.Pattern, opts...)
	if err != nil {
		return err
	}
	err = p.run(ctx)
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			obs.Info("client.closed", obs.Fields{"code": ce.Code, "reason": ce.Text})
		}
		return nil
	}
	return err
}
