package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	var c Config
	var path string
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	registerFlags(fs, &c, &path)
	err := loadConfig(fs, &c, &path, args)
	return c, err
}

func TestConfigDefaults(t *testing.T) {
	c, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, ":3000", c.Listen)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, "default", c.Mode)
	assert.Equal(t, 30*time.Second, c.DialTimeout)
	assert.Equal(t, 10, c.UpgradeBurst)
}

func TestConfigFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pwremote.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":4000"
mode: extension
maxConnections: 8
dialTimeout: 5s
redisAddr: "redis:6379"
`), 0o600))

	c, err := parse(t, "-config", path, "-max-connections", "2")
	require.NoError(t, err)
	assert.Equal(t, ":4000", c.Listen)
	assert.Equal(t, "extension", c.Mode)
	assert.Equal(t, 2, c.MaxConnections, "flag must win over file")
	assert.Equal(t, 5*time.Second, c.DialTimeout)
	assert.Equal(t, "redis:6379", c.RedisAddr)
	assert.Equal(t, "/", c.Path)
}

func TestConfigFileErrors(t *testing.T) {
	_, err := parse(t, "-config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o600))
	_, err = parse(t, "-config", path)
	assert.Error(t, err)
}
