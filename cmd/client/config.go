package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds client runtime configuration.
type Config struct {
	ServerURL     string        `yaml:"server"`
	Browser       string        `yaml:"browser"`
	Pattern       string        `yaml:"proxy"`
	LaunchOptions string        `yaml:"launchOptions"`
	Version       string        `yaml:"version"`
	RedirectPort  int           `yaml:"redirectPort"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	Reconnect     time.Duration `yaml:"reconnect"`
	Debug         bool          `yaml:"debug"`
}

var (
	cfg        Config
	configPath string
)

func registerFlags(fs *flag.FlagSet, c *Config, path *string) {
	fs.StringVar(path, "config", "", "optional YAML config file")
	fs.StringVar(&c.ServerURL, "server", "ws://127.0.0.1:3000/", "session server WebSocket URL")
	fs.StringVar(&c.Browser, "browser", "chromium", "browser to request")
	fs.StringVar(&c.Pattern, "proxy", "*", "destinations tunneled through this peer (bypass pattern)")
	fs.StringVar(&c.LaunchOptions, "launch-options", "", "JSON launch options sent to the server")
	fs.StringVar(&c.Version, "version", "", "protocol version reported to the server")
	fs.IntVar(&c.RedirectPort, "redirect-port", 0, "dial every tunneled request on this local port (testing)")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", 30*time.Second, "outbound dial timeout")
	fs.DurationVar(&c.Reconnect, "reconnect", 2*time.Second, "delay before reconnecting (0 = exit on disconnect)")
	fs.BoolVar(&c.Debug, "debug", false, "enable debug logs")
}

// loadConfig applies the YAML file named by -config underneath the flags
// given on the command line. Unknown keys are an error.
func loadConfig(fs *flag.FlagSet, c *Config, path *string, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return nil
	}
	f, err := os.Open(*path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("decode config %s: %w", *path, err)
	}
	return fs.Parse(args)
}

// sessionURL adds the connection parameters to the server URL.
func (c Config) sessionURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if c.Browser != "" {
		q.Set("browser", c.Browser)
	}
	if c.Pattern != "" {
		q.Set("proxy", c.Pattern)
	}
	if c.LaunchOptions != "" {
		q.Set("launch-options", c.LaunchOptions)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
