package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "PROGESTOCK_"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	Auth     AuthConfig     `koanf:"auth"`
	Audit    AuditConfig    `koanf:"audit"`
	Imports  ImportsConfig  `koanf:"imports"`
	Locale   LocaleConfig   `koanf:"locale"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Notify   NotifyConfig   `koanf:"notify"`
}

type ServerConfig struct {
	Host        string   `koanf:"host"`
	Port        int      `koanf:"port"`
	CORSOrigins []string `koanf:"corsorigins"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type DatabaseConfig struct {
	URL      string `koanf:"url"`
	MaxConns int    `koanf:"maxconns"`
	Migrate  bool   `koanf:"migrate"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type AuthConfig struct {
	DevMode bool      `koanf:"devmode"`
	JWT     JWTConfig `koanf:"jwt"`
}

type JWTConfig struct {
	SigningKey         string `koanf:"signingkey"`
	Issuer             string `koanf:"issuer"`
	ExpiryHours        int    `koanf:"expiryhours"`
	RefreshExpiryHours int    `koanf:"refreshexpiryhours"`
}

type AuditConfig struct {
	BufferSize      int `koanf:"buffersize"`
	BatchSize       int `koanf:"batchsize"`
	FlushIntervalMS int `koanf:"flushintervalms"`
}

// FlushInterval returns the flush interval as a duration.
func (a AuditConfig) FlushInterval() time.Duration {
	return time.Duration(a.FlushIntervalMS) * time.Millisecond
}

type ImportsConfig struct {
	QueueSize    int   `koanf:"queuesize"`
	Workers      int   `koanf:"workers"`
	MaxFileBytes int64 `koanf:"maxfilebytes"`
	MaxRows      int   `koanf:"maxrows"`
}

type LocaleConfig struct {
	Default   string   `koanf:"default"`
	Supported []string `koanf:"supported"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
	Prefix  string `koanf:"prefix"`
}

type NotifyConfig struct {
	SubscriberBuffer int `koanf:"subscriberbuffer"`
}

// Load builds the configuration from defaults, then each path in order, then
// PROGESTOCK_* environment variables. Paths ending in .env are loaded into
// the process environment with godotenv (existing variables win); all other
// paths are parsed as YAML. Missing files are skipped.
func Load(configPaths ...string) (*Config, error) {
	k := koanf.New(".")

	_ = k.Load(confmap.Provider(map[string]any{
		"server.port":                 8080,
		"server.host":                 "0.0.0.0",
		"server.corsorigins":          []string{"http://localhost:3000"},
		"database.maxconns":           25,
		"database.migrate":            true,
		"log.level":                   "info",
		"log.format":                  "json",
		"auth.devmode":                false,
		"auth.jwt.issuer":             "progestock",
		"auth.jwt.expiryhours":        1,
		"auth.jwt.refreshexpiryhours": 168,
		"audit.buffersize":            4096,
		"audit.batchsize":             100,
		"audit.flushintervalms":       500,
		"imports.queuesize":           32,
		"imports.workers":             2,
		"imports.maxfilebytes":        5 << 20,
		"imports.maxrows":             5000,
		"locale.default":              "en",
		"locale.supported":            []string{"en", "fr"},
		"metrics.enabled":             true,
		"metrics.path":                "/metrics",
		"metrics.prefix":              "progestock",
		"notify.subscriberbuffer":     16,
	}, "."), nil)

	for _, path := range configPaths {
		if isDotEnv(path) {
			// godotenv.Load never overrides variables that are already set.
			_ = godotenv.Load(path)
			continue
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// Config file is optional, skip if not found
			continue
		}
	}

	// PROGESTOCK_SERVER_PORT -> server.port
	_ = k.Load(env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, any) {
		key = strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(key, envPrefix)),
			"_", ".",
		)
		if listKeys[key] {
			return key, splitList(value)
		}
		return key, value
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// listKeys are settings given as comma-separated lists in the environment.
var listKeys = map[string]bool{
	"server.corsorigins": true,
	"locale.supported":   true,
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isDotEnv(path string) bool {
	base := filepath.Base(path)
	return base == ".env" || filepath.Ext(base) == ".env"
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if !c.Auth.DevMode && len(c.Auth.JWT.SigningKey) < 32 {
		errs = append(errs, errors.New("auth.jwt.signingkey must be at least 32 characters"))
	}
	if !slices.Contains(c.Locale.Supported, c.Locale.Default) {
		errs = append(errs, fmt.Errorf("locale.default %q is not in locale.supported %v", c.Locale.Default, c.Locale.Supported))
	}
	if c.Imports.Workers < 1 {
		errs = append(errs, errors.New("imports.workers must be at least 1"))
	}
	return errors.Join(errs...)
}
