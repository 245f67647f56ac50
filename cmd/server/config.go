package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration derived from flags and an optional
// YAML file. Explicit flags win over the file.
type Config struct {
	Listen            string        `yaml:"listen"`
	Path              string        `yaml:"path"`
	Mode              string        `yaml:"mode"`
	MaxConnections    int           `yaml:"maxConnections"`
	Version           string        `yaml:"version"`
	TestMode          bool          `yaml:"testMode"`
	MetricsAddr       string        `yaml:"metrics"`
	Debug             bool          `yaml:"debug"`
	RedisAddr         string        `yaml:"redisAddr"`
	RedisPassword     string        `yaml:"redisPassword"`
	RedisDB           int           `yaml:"redisDB"`
	UpgradeRate       int           `yaml:"upgradeRate"`
	GlobalUpgradeRate int           `yaml:"globalUpgradeRate"`
	UpgradeBurst      int           `yaml:"upgradeBurst"`
	PreLaunchBrowser  string        `yaml:"preLaunchBrowser"`
	PreLaunchOptions  string        `yaml:"preLaunchOptions"`
	InstallBrowsers   bool          `yaml:"installBrowsers"`
	DialTimeout       time.Duration `yaml:"dialTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

var (
	cfg        Config
	configPath string
)

func registerFlags(fs *flag.FlagSet, c *Config, path *string) {
	fs.StringVar(path, "config", "", "optional YAML config file")
	fs.StringVar(&c.Listen, "listen", ":3000", "WebSocket listen address")
	fs.StringVar(&c.Path, "path", "/", "WebSocket path; other paths are rejected")
	fs.StringVar(&c.Mode, "mode", "default", "server mode: default, extension or launchServer")
	fs.IntVar(&c.MaxConnections, "max-connections", 0, "maximum concurrent browser sessions (0 = unlimited)")
	fs.StringVar(&c.Version, "version", "1.50.0", "protocol version; clients must match major.minor")
	fs.BoolVar(&c.TestMode, "test-mode", false, "allow clients to pass executablePath")
	fs.StringVar(&c.MetricsAddr, "metrics", ":9100", "metrics, health and dashboard listen address")
	fs.BoolVar(&c.Debug, "debug", false, "enable debug logs")
	fs.StringVar(&c.RedisAddr, "redis", "", "redis address for the shared session registry (empty = in-memory)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database")
	fs.IntVar(&c.UpgradeRate, "upgrade-rate", 0, "upgrades per second per remote IP (0 = unlimited)")
	fs.IntVar(&c.GlobalUpgradeRate, "global-upgrade-rate", 0, "upgrades per second across all clients (0 = unlimited)")
	fs.IntVar(&c.UpgradeBurst, "upgrade-burst", 10, "upgrade burst size")
	fs.StringVar(&c.PreLaunchBrowser, "pre-launch", "chromium", "browser launched at startup in launchServer mode")
	fs.StringVar(&c.PreLaunchOptions, "pre-launch-options", "", "JSON launch options for the pre-launched browser")
	fs.BoolVar(&c.InstallBrowsers, "install", false, "download the playwright driver and browsers on first launch")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", 30*time.Second, "outbound SOCKS dial timeout")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for graceful shutdown")
}

// loadConfig parses args, overlays the YAML file named by -config and then
// re-applies the command line so explicit flags take precedence.
func loadConfig(fs *flag.FlagSet, c *Config, path *string, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return nil
	}
	data, err := os.ReadFile(*path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", *path, err)
	}
	return fs.Parse(args)
}
