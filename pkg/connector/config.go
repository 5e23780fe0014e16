// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the relay configuration.
type Config struct {
	Mastodon MastodonConfig    `yaml:"mastodon"`
	Matrix   MatrixConfig      `yaml:"matrix"`
	Bridge   BridgeConfig      `yaml:"bridge"`
	Logging  zeroconfig.Config `yaml:"logging"`

	path             string             `yaml:"-"`
	greetingTemplate *template.Template `yaml:"-"`
}

// MastodonConfig is the social network side of the relay.
type MastodonConfig struct {
	ServerURL  string `yaml:"server_url"`
	ClientName string `yaml:"client_name"`
	Website    string `yaml:"website"`
	// PollLimit is the page size of the conversation list. 0 leaves it to the server.
	PollLimit int `yaml:"poll_limit"`
}

// MatrixConfig is the chat network side of the relay.
type MatrixConfig struct {
	UserID     id.UserID `yaml:"user_id"`
	DeviceName string    `yaml:"device_name"`
	// SettleTimeout is how many seconds a fresh join may take to appear in sync.
	SettleTimeout int `yaml:"settle_timeout"`
}

// BridgeConfig holds the engine settings.
type BridgeConfig struct {
	StateDir      string `yaml:"state_dir"`
	PollInterval  int    `yaml:"poll_interval"`
	RetryInterval int    `yaml:"retry_interval"`
	Greeting      string `yaml:"greeting"`
}

// GreetingParams holds the parameters for rendering the greeting template.
type GreetingParams struct {
	Name   string
	Acct   string
	Server string
	UserID id.UserID
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess applies defaults and compiles the greeting template.
func (c *Config) PostProcess() error {
	c.Mastodon.ServerURL = strings.TrimRight(strings.TrimSpace(c.Mastodon.ServerURL), "/")
	if c.Mastodon.ClientName == "" {
		c.Mastodon.ClientName = "mautrix-mastodon"
	}
	if c.Mastodon.PollLimit < 0 {
		c.Mastodon.PollLimit = 0
	}
	if c.Matrix.DeviceName == "" {
		c.Matrix.DeviceName = "mautrix-mastodon"
	}
	if c.Matrix.SettleTimeout <= 0 {
		c.Matrix.SettleTimeout = 30
	}
	if c.Bridge.StateDir == "" {
		c.Bridge.StateDir = "."
	}
	if c.Bridge.PollInterval <= 0 {
		c.Bridge.PollInterval = 5
	}
	if c.Bridge.RetryInterval <= 0 {
		c.Bridge.RetryInterval = 5
	}
	var err error
	c.greetingTemplate, err = template.New("greeting").Parse(c.Bridge.Greeting)
	if err != nil {
		return fmt.Errorf("failed to parse greeting template: %w", err)
	}
	return nil
}

// Validate checks that the values only onboarding can provide are present.
func (c *Config) Validate() error {
	if c.Mastodon.ServerURL == "" {
		return errors.New("mastodon.server_url is not set")
	}
	if !strings.HasPrefix(c.Mastodon.ServerURL, "https://") && !strings.HasPrefix(c.Mastodon.ServerURL, "http://") {
		return fmt.Errorf("mastodon.server_url %q is not an http(s) URL", c.Mastodon.ServerURL)
	}
	if c.Matrix.UserID == "" {
		return errors.New("matrix.user_id is not set")
	}
	if _, _, err := c.Matrix.UserID.Parse(); err != nil {
		return fmt.Errorf("matrix.user_id %q is invalid: %w", c.Matrix.UserID, err)
	}
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str|up.Null, "mastodon", "server_url")
	helper.Copy(up.Str, "mastodon", "client_name")
	helper.Copy(up.Str, "mastodon", "website")
	helper.Copy(up.Int, "mastodon", "poll_limit")
	helper.Copy(up.Str|up.Null, "matrix", "user_id")
	helper.Copy(up.Str, "matrix", "device_name")
	helper.Copy(up.Int, "matrix", "settle_timeout")
	helper.Copy(up.Str, "bridge", "state_dir")
	helper.Copy(up.Int, "bridge", "poll_interval")
	helper.Copy(up.Int, "bridge", "retry_interval")
	helper.Copy(up.Str, "bridge", "greeting")
	helper.Copy(up.Map, "logging")
}

// LoadConfig reads the config at path on top of the embedded example config.
// A missing file yields the example config, so onboarding can fill it in.
func LoadConfig(path string) (*Config, error) {
	var base yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &base); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &ConfigError{Path: path, Err: err}
	}
	if len(data) > 0 {
		var user yaml.Node
		if err := yaml.Unmarshal(data, &user); err != nil {
			return nil, &ConfigError{Path: path, Err: err, Parse: true}
		}
		upgradeConfig(up.NewHelper(&base, &user))
	}

	var cfg Config
	if err := base.Decode(&cfg); err != nil {
		return nil, &ConfigError{Path: path, Err: err, Parse: true}
	}
	cfg.path = path
	if err := cfg.PostProcess(); err != nil {
		return nil, &ConfigError{Path: path, Err: err, Parse: true}
	}
	return &cfg, nil
}

// Save writes the config back to the file it was loaded from.
func (c *Config) Save() error {
	if c.path == "" {
		return errors.New("config was not loaded from a file")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := writePrivateFile(c.path, data); err != nil {
		return &ConfigError{Path: c.path, Err: err}
	}
	return nil
}

// Path returns the location of a state file inside the state directory.
func (c *Config) Path(name string) string {
	return filepath.Join(c.Bridge.StateDir, name)
}

func (c *Config) pollInterval() time.Duration {
	return time.Duration(c.Bridge.PollInterval) * time.Second
}

func (c *Config) retryInterval() time.Duration {
	return time.Duration(c.Bridge.RetryInterval) * time.Second
}

func (c *Config) settleTimeout() time.Duration {
	return time.Duration(c.Matrix.SettleTimeout) * time.Second
}

// FormatGreeting renders the greeting template. An empty template or a
// failing render yields an empty string, which disables the greeting.
func (c *Config) FormatGreeting(params GreetingParams) string {
	if c.greetingTemplate == nil {
		return ""
	}
	var buf strings.Builder
	if err := c.greetingTemplate.Execute(&buf, params); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}
