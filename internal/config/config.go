// Package config loads routetrace settings from an optional YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/phobologic/routetrace/internal/extract"
	"github.com/phobologic/routetrace/internal/intercept"
	"github.com/phobologic/routetrace/internal/logging"
	"github.com/phobologic/routetrace/internal/proxy"
	"github.com/phobologic/routetrace/internal/routes"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// FileNames are searched for, in order, in the working directory.
var FileNames = []string{".routetrace.yaml", ".routetrace.yml"}

// Duration is a time.Duration written as a Go duration string ("500ms").
type Duration time.Duration

// UnmarshalYAML accepts a duration string or a bare integer of nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if v, err := time.ParseDuration(value.Value); err == nil {
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML writes the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full settings tree.
type Config struct {
	Source Source `yaml:"source"`
	Proxy  Proxy  `yaml:"proxy"`
	Stream Stream `yaml:"stream"`
	Log    Log    `yaml:"log"`
}

// Source selects the application to analyse.
type Source struct {
	Root         string `yaml:"root"`
	Framework    string `yaml:"framework"`
	MaxFileSize  int64  `yaml:"max_file_size"`
	IncludeTests bool   `yaml:"include_tests"`
}

// Proxy configures live interception.
type Proxy struct {
	ListenHost         string   `yaml:"listen_host"`
	ListenPort         int      `yaml:"listen_port"`
	Upstream           string   `yaml:"upstream"`
	VerifyUpstreamCert bool     `yaml:"verify_upstream_cert"`
	CADir              string   `yaml:"ca_dir"`
	StartupWindow      Duration `yaml:"startup_window"`
	ShutdownGrace      Duration `yaml:"shutdown_grace"`
	IncludeHosts       []string `yaml:"include_hosts,omitempty"`
	ExcludeHosts       []string `yaml:"exclude_hosts,omitempty"`
	IncludePaths       []string `yaml:"include_paths,omitempty"`
	ExcludePaths       []string `yaml:"exclude_paths,omitempty"`
}

// Stream configures the event streaming endpoint.
type Stream struct {
	// Addr is where /events, /metrics and /status are served. Empty
	// disables the endpoint.
	Addr         string   `yaml:"addr"`
	PollInterval Duration `yaml:"poll_interval"`
}

// Log configures logging.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Source: Source{
			Root:        ".",
			Framework:   string(extract.Flask),
			MaxFileSize: extract.DefaultMaxFileSize,
		},
		Proxy: Proxy{
			ListenHost:         intercept.DefaultListenHost,
			ListenPort:         intercept.DefaultListenPort,
			VerifyUpstreamCert: true,
			StartupWindow:      Duration(intercept.DefaultStartupWindow),
			ShutdownGrace:      Duration(intercept.DefaultShutdownGrace),
		},
		Stream: Stream{
			PollInterval: Duration(500 * time.Millisecond),
		},
		Log: Log{
			Level:  "warn",
			Format: string(logging.FormatText),
		},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Find returns the first config file present in dir, or "".
func Find(dir string) string {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := extract.ParseFramework(c.Source.Framework); err != nil {
		return fmt.Errorf("%w: source.framework: %v", ErrInvalid, err)
	}
	if c.Source.MaxFileSize < 0 {
		return fmt.Errorf("%w: source.max_file_size must not be negative", ErrInvalid)
	}
	if c.Proxy.ListenPort < 0 || c.Proxy.ListenPort > 65535 {
		return fmt.Errorf("%w: proxy.listen_port %d out of range", ErrInvalid, c.Proxy.ListenPort)
	}
	if _, err := proxy.ParseUpstream(c.Proxy.Upstream); err != nil {
		return fmt.Errorf("%w: proxy.upstream: %v", ErrInvalid, err)
	}
	if err := c.filter().Validate(); err != nil {
		return fmt.Errorf("%w: proxy: %v", ErrInvalid, err)
	}
	for name, d := range map[string]Duration{
		"proxy.startup_window": c.Proxy.StartupWindow,
		"proxy.shutdown_grace": c.Proxy.ShutdownGrace,
		"stream.poll_interval": c.Stream.PollInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalid, name)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", string(logging.FormatText), string(logging.FormatJSON):
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

func (c Config) filter() *proxy.Filter {
	return &proxy.Filter{
		IncludeHosts: c.Proxy.IncludeHosts,
		ExcludeHosts: c.Proxy.ExcludeHosts,
		IncludePaths: c.Proxy.IncludePaths,
		ExcludePaths: c.Proxy.ExcludePaths,
	}
}

// Intercept builds the session config for ix.
func (c Config) Intercept(ix *routes.Index) intercept.Config {
	return intercept.Config{
		Index:          ix,
		ListenHost:     c.Proxy.ListenHost,
		ListenPort:     c.Proxy.ListenPort,
		Upstream:       c.Proxy.Upstream,
		VerifyUpstream: c.Proxy.VerifyUpstreamCert,
		CADir:          c.Proxy.CADir,
		Filter:         *c.filter(),
		StartupWindow:  time.Duration(c.Proxy.StartupWindow),
		ShutdownGrace:  time.Duration(c.Proxy.ShutdownGrace),
	}
}

// Logging builds the logger config writing to out.
func (c Config) Logging(out io.Writer) logging.Config {
	return logging.Config{
		Level:  logging.ParseLevel(c.Log.Level),
		Format: logging.ParseFormat(c.Log.Format),
		Output: out,
	}
}

// Marshal renders the config as YAML.
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
