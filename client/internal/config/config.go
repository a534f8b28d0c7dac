// Package config holds the client configuration and resolves it from
// defaults, an optional YAML file, the environment and command line flags.
package config

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	clienterrors "github.com/updatenode/updatenode/client/errors"
	"github.com/updatenode/updatenode/client/internal/updatemanager/downloader"
	"github.com/updatenode/updatenode/util"
)

const (
	DefaultTimeout       = 20 * time.Second
	DefaultLogLevel      = "info"
	DefaultLogFile       = "console"
	DefaultServiceHost   = "https://api.updatenode.com"
	DefaultMaxConcurrent = downloader.DefaultMaxConcurrent
)

// ErrInvalidConfig is returned for parameter combinations the client cannot run with
var ErrInvalidConfig = errors.New("invalid configuration")

// Config of a client run
type Config struct {
	Key         string `yaml:"key,omitempty"`
	TestKey     string `yaml:"test_key,omitempty"`
	ProductCode string `yaml:"product_code,omitempty"`
	VersionCode string `yaml:"version_code,omitempty"`
	// ProductVersion is the installed version of the product being updated
	ProductVersion string `yaml:"version,omitempty"`
	Host           string `yaml:"host,omitempty"`
	// HostOverride sends every request, artifacts included, to this host
	HostOverride string        `yaml:"host_override,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	Custom       string        `yaml:"custom,omitempty"`
	Identifier   string        `yaml:"identifier,omitempty"`

	Silent          bool          `yaml:"silent,omitempty"`
	Relaunch        bool          `yaml:"relaunch,omitempty"`
	TakeOver        bool          `yaml:"take_over,omitempty"`
	EnforceMessages bool          `yaml:"enforce_messages,omitempty"`
	OpenExternal    bool          `yaml:"open_external,omitempty"`
	Interval        time.Duration `yaml:"interval,omitempty"`
	Exec            string        `yaml:"exec_command,omitempty"`

	CacheDir      string `yaml:"cache_dir,omitempty"`
	SettingsFile  string `yaml:"settings_file,omitempty"`
	ManifestPath  string `yaml:"manifest,omitempty"`
	LogLevel      string `yaml:"log_level,omitempty"`
	LogFile       string `yaml:"log,omitempty"`
	TLSPolicy     string `yaml:"tls_policy,omitempty"`
	MaxConcurrent int    `yaml:"max_concurrent,omitempty"`
}

// Default returns the configuration before any source is applied
func Default() *Config {
	return &Config{
		Host:          DefaultServiceHost,
		Timeout:       DefaultTimeout,
		LogLevel:      DefaultLogLevel,
		LogFile:       DefaultLogFile,
		TLSPolicy:     downloader.TLSStrict.String(),
		MaxConcurrent: DefaultMaxConcurrent,
	}
}

// BindFlags registers a flag for every field, using the current values as defaults
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Key, "key", "k", c.Key, "unique product key")
	fs.StringVarP(&c.TestKey, "test-key", "t", c.TestKey, "test channel key, used instead of the product key when set")
	fs.StringVar(&c.ProductCode, "product-code", c.ProductCode, "product code")
	fs.StringVar(&c.VersionCode, "version-code", c.VersionCode, "product version code")
	fs.StringVarP(&c.ProductVersion, "product-version", "v", c.ProductVersion, "installed product version")
	fs.StringVar(&c.Host, "host", c.Host, "update service host")
	fs.StringVar(&c.HostOverride, "host-override", c.HostOverride, "send every request to this host, e.g. a mirror")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "network timeout")
	fs.StringVar(&c.Custom, "custom", c.Custom, "custom value sent with manifest requests")
	fs.StringVar(&c.Identifier, "identifier", c.Identifier, "client identifier sent with manifest requests")
	fs.BoolVarP(&c.Silent, "silent", "s", c.Silent, "no output, report through the exit code only")
	fs.BoolVar(&c.Relaunch, "relaunch", c.Relaunch, "stage a copy of the client and continue from it")
	fs.BoolVar(&c.TakeOver, "take-over", c.TakeOver, "ask an already running instance to step back")
	fs.BoolVar(&c.EnforceMessages, "enforce-messages", c.EnforceMessages, "report messages in update runs too")
	fs.BoolVar(&c.OpenExternal, "open-external", c.OpenExternal, "open messages marked as external in the default browser")
	fs.DurationVar(&c.Interval, "interval", c.Interval, "repeat the run periodically, 0 runs once")
	fs.StringVar(&c.Exec, "exec", c.Exec, "command to start once the run finished")
	fs.StringVar(&c.CacheDir, "cache-dir", c.CacheDir, "directory for downloaded artifacts")
	fs.StringVar(&c.SettingsFile, "settings-file", c.SettingsFile, "settings file path")
	fs.StringVarP(&c.ManifestPath, "manifest", "m", c.ManifestPath, "manifest file or URL, derived from host and key when empty")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: trace, debug, info, warn, error")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "log file path or console")
	fs.StringVar(&c.TLSPolicy, "tls-policy", c.TLSPolicy, "certificate validation: strict or bypass")
	fs.IntVar(&c.MaxConcurrent, "max-concurrent", c.MaxConcurrent, "parallel artifact downloads")
}

// Resolve builds the configuration from defaults, the YAML file at path
// (optional) and the flags changed on fs, in increasing precedence.
func Resolve(path string, fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.ReadFile(path); err != nil {
			return nil, err
		}
	}

	if fs != nil {
		overlay := pflag.NewFlagSet("overlay", pflag.ContinueOnError)
		cfg.BindFlags(overlay)

		var merr *multierror.Error
		fs.VisitAll(func(f *pflag.Flag) {
			if !f.Changed || overlay.Lookup(f.Name) == nil {
				return
			}
			if err := overlay.Set(f.Name, f.Value.String()); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("flag --%s: %w", f.Name, err))
			}
		})
		if err := clienterrors.FormatErrorOrNil(merr); err != nil {
			return nil, err
		}
	}

	return cfg, cfg.Validate()
}

// ReadFile merges the YAML file at path into c
func (c *Config) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// WriteFile stores c as YAML so a later run can pick it up with --config.
// Values equal to the defaults are left out.
func (c *Config) WriteFile(ctx context.Context, path string) error {
	out := *c
	def := Default()
	if out.Host == def.Host {
		out.Host = ""
	}
	if out.Timeout == def.Timeout {
		out.Timeout = 0
	}
	if out.LogLevel == def.LogLevel {
		out.LogLevel = ""
	}
	if out.LogFile == def.LogFile {
		out.LogFile = ""
	}
	if out.TLSPolicy == def.TLSPolicy {
		out.TLSPolicy = ""
	}
	if out.MaxConcurrent == def.MaxConcurrent {
		out.MaxConcurrent = 0
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return util.WriteBytes(ctx, path, data)
}

// Validate applies the parameter rules of the client
func (c *Config) Validate() error {
	var merr *multierror.Error

	if strings.TrimSpace(c.Key) == "" {
		merr = multierror.Append(merr, errors.New("key is required"))
	}
	if (c.ProductVersion == "") != (c.ProductCode == "") {
		merr = multierror.Append(merr, errors.New("product version and product code must be given together"))
	}
	if c.Timeout <= 0 {
		merr = multierror.Append(merr, fmt.Errorf("timeout must be positive, got %v", c.Timeout))
	}
	if c.Interval < 0 {
		merr = multierror.Append(merr, fmt.Errorf("interval must not be negative, got %v", c.Interval))
	}
	if _, err := downloader.ParseTLSPolicy(c.TLSPolicy); err != nil {
		merr = multierror.Append(merr, err)
	}
	if c.MaxConcurrent < 1 {
		merr = multierror.Append(merr, fmt.Errorf("max concurrent downloads must be at least 1, got %d", c.MaxConcurrent))
	}

	if err := clienterrors.FormatErrorOrNil(merr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ActiveKey is the test key when one is set, the product key otherwise
func (c *Config) ActiveKey() string {
	if c.TestKey != "" {
		return c.TestKey
	}
	return c.Key
}

// KeyHashed returns the hex MD5 of the active key. It names the cache,
// settings and single instance objects of the product.
func (c *Config) KeyHashed() string {
	sum := md5.Sum([]byte(c.ActiveKey()))
	return hex.EncodeToString(sum[:])
}

// ManifestSource returns the configured manifest location, or the service
// URL derived from host and key.
func (c *Config) ManifestSource() (string, error) {
	if c.ManifestPath != "" {
		return c.ManifestPath, nil
	}

	base, err := url.Parse(strings.TrimRight(c.Host, "/"))
	if err != nil || base.Host == "" {
		return "", fmt.Errorf("%w: invalid host %q", ErrInvalidConfig, c.Host)
	}
	u := base.JoinPath(c.KeyHashed(), "manifest.yaml")

	q := u.Query()
	for name, value := range map[string]string{
		"product_code": c.ProductCode,
		"version_code": c.VersionCode,
		"version":      c.ProductVersion,
		"identifier":   c.Identifier,
		"custom":       c.Custom,
	} {
		if value != "" {
			q.Set(name, value)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DownloaderConfig maps the configuration onto the download manager
func (c *Config) DownloaderConfig(cacheDir string) (downloader.Config, error) {
	policy, err := downloader.ParseTLSPolicy(c.TLSPolicy)
	if err != nil {
		return downloader.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	dc := downloader.DefaultConfig(cacheDir)
	dc.Timeout = c.Timeout
	dc.TLSPolicy = policy
	dc.MaxConcurrent = c.MaxConcurrent
	dc.HostOverride = c.HostOverride
	return dc, nil
}
