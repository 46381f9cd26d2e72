// Package config loads dupe settings from HCL or YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedFormat is returned for config files that are neither HCL
// nor YAML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

type Log struct {
	Level       string `hcl:"level,optional" yaml:"level"`
	Development bool   `hcl:"development,optional" yaml:"development"`
}

type Events struct {
	Topic string `hcl:"topic,optional" yaml:"topic"`
	// CopyHeaders are request headers copied onto every event.
	CopyHeaders []string `hcl:"copy_headers,optional" yaml:"copy_headers"`
}

// Auth names where the acting user is read from.
type Auth struct {
	JWTHeader string `hcl:"jwt_header,optional" yaml:"jwt_header"`
	UserClaim string `hcl:"user_claim,optional" yaml:"user_claim"`
}

type Query struct {
	DefaultLimit int `hcl:"default_limit,optional" yaml:"default_limit"`
}

type Telemetry struct {
	// Endpoint of an OTLP gRPC collector. Empty disables tracing.
	Endpoint string `hcl:"endpoint,optional" yaml:"endpoint"`
	Service  string `hcl:"service,optional" yaml:"service"`
}

type Metrics struct {
	Namespace string `hcl:"namespace,optional" yaml:"namespace"`
	// Textfile is written in the Prometheus text format when a command
	// exits. Empty disables it.
	Textfile string `hcl:"textfile,optional" yaml:"textfile"`
}

// Config is the complete set of dupe settings.
type Config struct {
	Tenant string `yaml:"tenant"`
	// Model is the path of the tenant schema.
	Model string `yaml:"model"`
	// Database is the path of the SQLite database.
	Database  string    `yaml:"database"`
	Log       Log       `yaml:"log"`
	Events    Events    `yaml:"events"`
	Auth      Auth      `yaml:"auth"`
	Query     Query     `yaml:"query"`
	Telemetry Telemetry `yaml:"telemetry"`
	Metrics   Metrics   `yaml:"metrics"`
}

// hclFile mirrors Config with optional blocks.
type hclFile struct {
	Tenant    string     `hcl:"tenant,optional"`
	Model     string     `hcl:"model,optional"`
	Database  string     `hcl:"database,optional"`
	Log       *Log       `hcl:"log,block"`
	Events    *Events    `hcl:"events,block"`
	Auth      *Auth      `hcl:"auth,block"`
	Query     *Query     `hcl:"query,block"`
	Telemetry *Telemetry `hcl:"telemetry,block"`
	Metrics   *Metrics   `hcl:"metrics,block"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Tenant:    "dupe",
		Model:     "model.json",
		Database:  "dupe.db",
		Log:       Log{Level: "info"},
		Events:    Events{Topic: "dupe.mutations"},
		Auth:      Auth{JWTHeader: "x-jwt-payload", UserClaim: "sub"},
		Query:     Query{DefaultLimit: 100},
		Telemetry: Telemetry{Service: "dupe"},
		Metrics:   Metrics{Namespace: "dupe"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// The format follows the extension: .hcl, .yaml or .yml.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	return Parse(filepath.Base(path), data)
}

// Parse decodes data named filename over the defaults.
func Parse(filename string, data []byte) (Config, error) {
	cfg := Default()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".hcl":
		var f hclFile
		if err := hclsimple.Decode(filename, data, nil, &f); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", filename, err)
		}
		cfg.merge(f)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", filename, err)
		}
	default:
		return cfg, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
	return cfg, nil
}

func set[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}

// merge overlays the values an HCL file sets.
func (c *Config) merge(f hclFile) {
	set(&c.Tenant, f.Tenant)
	set(&c.Model, f.Model)
	set(&c.Database, f.Database)
	if f.Log != nil {
		set(&c.Log.Level, f.Log.Level)
		set(&c.Log.Development, f.Log.Development)
	}
	if f.Events != nil {
		set(&c.Events.Topic, f.Events.Topic)
		if f.Events.CopyHeaders != nil {
			c.Events.CopyHeaders = f.Events.CopyHeaders
		}
	}
	if f.Auth != nil {
		set(&c.Auth.JWTHeader, f.Auth.JWTHeader)
		set(&c.Auth.UserClaim, f.Auth.UserClaim)
	}
	if f.Query != nil {
		set(&c.Query.DefaultLimit, f.Query.DefaultLimit)
	}
	if f.Telemetry != nil {
		set(&c.Telemetry.Endpoint, f.Telemetry.Endpoint)
		set(&c.Telemetry.Service, f.Telemetry.Service)
	}
	if f.Metrics != nil {
		set(&c.Metrics.Namespace, f.Metrics.Namespace)
		set(&c.Metrics.Textfile, f.Metrics.Textfile)
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs error
	if c.Tenant == "" {
		errs = multierr.Append(errs, errors.New("tenant is required"))
	}
	if c.Model == "" {
		errs = multierr.Append(errs, errors.New("model is required"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Query.DefaultLimit <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("query.default_limit must be positive, got %d", c.Query.DefaultLimit))
	}
	if c.Telemetry.Endpoint != "" && c.Telemetry.Service == "" {
		errs = multierr.Append(errs, errors.New("telemetry.service is required with an endpoint"))
	}
	for i, h := range c.Events.CopyHeaders {
		if strings.TrimSpace(h) == "" {
			errs = multierr.Append(errs, fmt.Errorf("events.copy_headers[%d] is empty", i))
		}
	}
	return errs
}

// EncodeHCL renders c as an HCL file that Load reads back.
func (c Config) EncodeHCL() []byte {
	if c.Events.CopyHeaders == nil {
		c.Events.CopyHeaders = []string{}
	}
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(&hclFile{
		Tenant:    c.Tenant,
		Model:     c.Model,
		Database:  c.Database,
		Log:       &c.Log,
		Events:    &c.Events,
		Auth:      &c.Auth,
		Query:     &c.Query,
		Telemetry: &c.Telemetry,
		Metrics:   &c.Metrics,
	}, f.Body())
	return f.Bytes()
}
