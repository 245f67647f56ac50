package browser

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ProxySettings routes browser traffic through an upstream proxy.
type ProxySettings struct {
	Server   string `json:"server"`
	Bypass   string `json:"bypass,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// LaunchOptions are the browser launch parameters a client may request.
// Pointer fields distinguish "unset" from the zero value.
type LaunchOptions struct {
	Channel              string            `json:"channel,omitempty"`
	Args                 []string          `json:"args,omitempty"`
	IgnoreAllDefaultArgs *bool             `json:"ignoreAllDefaultArgs,omitempty"`
	IgnoreDefaultArgs    []string          `json:"ignoreDefaultArgs,omitempty"`
	Timeout              *float64          `json:"timeout,omitempty"`
	Headless             *bool             `json:"headless,omitempty"`
	Proxy                *ProxySettings    `json:"proxy,omitempty"`
	ChromiumSandbox      *bool             `json:"chromiumSandbox,omitempty"`
	FirefoxUserPrefs     map[string]any    `json:"firefoxUserPrefs,omitempty"`
	SlowMo               *float64          `json:"slowMo,omitempty"`
	ExecutablePath       string            `json:"executablePath,omitempty"`
	TracesDir            string            `json:"tracesDir,omitempty"`
	DownloadsPath        string            `json:"downloadsPath,omitempty"`
	Env                  map[string]string `json:"env,omitempty"`
	HandleSIGINT         *bool             `json:"handleSIGINT,omitempty"`
	HandleSIGTERM        *bool             `json:"handleSIGTERM,omitempty"`
	HandleSIGHUP         *bool             `json:"handleSIGHUP,omitempty"`
}

// ParseLaunchOptions decodes a client supplied JSON object. Malformed input
// yields empty options.
func ParseLaunchOptions(raw string) LaunchOptions {
	var opts LaunchOptions
	if raw == "" {
		return opts
	}
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return LaunchOptions{}
	}
	return opts
}

// Sanitize keeps only the fields a remote client is allowed to control.
// The executable path survives in test mode only.
func (o LaunchOptions) Sanitize(testMode bool) LaunchOptions {
	out := LaunchOptions{
		Channel:              o.Channel,
		Args:                 o.Args,
		IgnoreAllDefaultArgs: o.IgnoreAllDefaultArgs,
		IgnoreDefaultArgs:    o.IgnoreDefaultArgs,
		Timeout:              o.Timeout,
		Headless:             o.Headless,
		Proxy:                o.Proxy,
		ChromiumSandbox:      o.ChromiumSandbox,
		FirefoxUserPrefs:     o.FirefoxUserPrefs,
		SlowMo:               o.SlowMo,
	}
	if testMode {
		out.ExecutablePath = o.ExecutablePath
	}
	return out
}

// IsHeadless reports the effective headless flag, which defaults to true.
func (o LaunchOptions) IsHeadless() bool {
	return o.Headless == nil || *o.Headless
}

// Hash is the identity key deciding whether a running browser can serve a
// request for these options. Fields equal to their defaults are ignored, as
// are the fields that never prevent reuse (headless, timeout, traces dir).
func (o LaunchOptions) Hash() string {
	n := o
	n.Headless = nil
	n.Timeout = nil
	n.TracesDir = ""
	n.IgnoreAllDefaultArgs = dropFalse(n.IgnoreAllDefaultArgs)
	n.HandleSIGINT = dropFalse(n.HandleSIGINT)
	n.HandleSIGTERM = dropFalse(n.HandleSIGTERM)
	n.HandleSIGHUP = dropFalse(n.HandleSIGHUP)
	b, err := json.Marshal(n)
	if err != nil {
		// firefoxUserPrefs holding unencodable values; never reuse.
		return fmt.Sprintf("unhashable-%p", &o)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

func dropFalse(b *bool) *bool {
	if b != nil && !*b {
		return nil
	}
	return b
}
