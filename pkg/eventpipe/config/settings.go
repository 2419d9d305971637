package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format identifies a settings file encoding.
type Format string

// Supported settings formats.
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// Platform values recognised in Settings.Platform.
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
	PlatformWeb     = "web"
)

// ErrInvalidSettings is wrapped by Settings.Validate failures.
var ErrInvalidSettings = errors.New("invalid settings")

// Provider configures one sink.
type Provider struct {
	// Name identifies the sink instance and its persisted keys.
	Name string `yaml:"name" json:"name" toml:"name"`

	// Type selects the registry constructor. Defaults to Name.
	Type string `yaml:"type" json:"type" toml:"type"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// Config holds constructor-specific options.
	Config map[string]any `yaml:"config" json:"config" toml:"config"`
}

// IsEnabled reports whether the provider should be constructed.
func (p Provider) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Kind returns the registry key for the provider.
func (p Provider) Kind() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// Options returns the provider config wrapped in typed accessors.
func (p Provider) Options() Config {
	return New(p.Config)
}

// Settings is the recognised configuration surface of the pipeline.
type Settings struct {
	Enabled             bool       `yaml:"enabled" json:"enabled" toml:"enabled"`
	Debug               bool       `yaml:"debug" json:"debug" toml:"debug"`
	Providers           []Provider `yaml:"providers" json:"providers" toml:"providers"`
	BatchSize           int        `yaml:"batchSize" json:"batchSize" toml:"batchSize"`
	FlushIntervalMs     int64      `yaml:"flushIntervalMs" json:"flushIntervalMs" toml:"flushIntervalMs"`
	OfflineQueueEnabled bool       `yaml:"offlineQueueEnabled" json:"offlineQueueEnabled" toml:"offlineQueueEnabled"`
	PrivacyMode         bool       `yaml:"privacyMode" json:"privacyMode" toml:"privacyMode"`

	Platform          string `yaml:"platform" json:"platform" toml:"platform"`
	AppVersion        string `yaml:"appVersion" json:"appVersion" toml:"appVersion"`
	ConsentVersion    string `yaml:"consentVersion" json:"consentVersion" toml:"consentVersion"`
	MaxQueueSize      int    `yaml:"maxQueueSize" json:"maxQueueSize" toml:"maxQueueSize"`
	MaxRetries        int    `yaml:"maxRetries" json:"maxRetries" toml:"maxRetries"`
	RetryDelayMs      int64  `yaml:"retryDelayMs" json:"retryDelayMs" toml:"retryDelayMs"`
	ProcessIntervalMs int64  `yaml:"processIntervalMs" json:"processIntervalMs" toml:"processIntervalMs"`
	StoragePath       string `yaml:"storagePath" json:"storagePath" toml:"storagePath"`
}

// DefaultSettings holds the values applied to zero fields.
var DefaultSettings = Settings{
	Enabled:             true,
	BatchSize:           20,
	FlushIntervalMs:     30_000,
	OfflineQueueEnabled: true,
	Platform:            PlatformWeb,
	AppVersion:          "0.0.0",
	ConsentVersion:      "1",
	MaxQueueSize:        1000,
	MaxRetries:          3,
	RetryDelayMs:        5_000,
	ProcessIntervalMs:   60_000,
}

// WithDefaults returns a copy with zero numeric and string fields replaced
// by DefaultSettings. Boolean fields are left as given.
func (s Settings) WithDefaults() Settings {
	d := DefaultSettings
	if s.BatchSize <= 0 {
		s.BatchSize = d.BatchSize
	}
	if s.FlushIntervalMs <= 0 {
		s.FlushIntervalMs = d.FlushIntervalMs
	}
	if s.Platform == "" {
		s.Platform = d.Platform
	}
	if s.AppVersion == "" {
		s.AppVersion = d.AppVersion
	}
	if s.ConsentVersion == "" {
		s.ConsentVersion = d.ConsentVersion
	}
	if s.MaxQueueSize <= 0 {
		s.MaxQueueSize = d.MaxQueueSize
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = d.MaxRetries
	}
	if s.RetryDelayMs <= 0 {
		s.RetryDelayMs = d.RetryDelayMs
	}
	if s.ProcessIntervalMs <= 0 {
		s.ProcessIntervalMs = d.ProcessIntervalMs
	}
	return s
}

// Validate checks platform and provider names.
func (s Settings) Validate() error {
	switch s.Platform {
	case "", PlatformIOS, PlatformAndroid, PlatformWeb:
	default:
		return fmt.Errorf("%w: unknown platform %q", ErrInvalidSettings, s.Platform)
	}
	seen := make(map[string]bool, len(s.Providers))
	for i, p := range s.Providers {
		if p.Name == "" {
			return fmt.Errorf("%w: provider %d has no name", ErrInvalidSettings, i)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate provider %q", ErrInvalidSettings, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// FlushInterval returns FlushIntervalMs as a duration.
func (s Settings) FlushInterval() time.Duration {
	return time.Duration(s.FlushIntervalMs) * time.Millisecond
}

// RetryDelay returns RetryDelayMs as a duration.
func (s Settings) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMs) * time.Millisecond
}

// ProcessInterval returns ProcessIntervalMs as a duration.
func (s Settings) ProcessInterval() time.Duration {
	return time.Duration(s.ProcessIntervalMs) * time.Millisecond
}

// LoadSettings reads a settings file, detecting the format by extension.
// Supported extensions: .yaml, .yml, .json, .toml
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}

	var format Format
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		format = FormatYAML
	case ".json":
		format = FormatJSON
	case ".toml":
		format = FormatTOML
	default:
		return Settings{}, fmt.Errorf("unsupported settings file extension: %s", ext)
	}
	return ParseSettings(data, format)
}

// ParseSettings decodes settings over DefaultSettings, so omitted fields
// keep their defaults, then validates the result.
func ParseSettings(data []byte, format Format) (Settings, error) {
	s := DefaultSettings
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&s); err != nil {
			return Settings{}, fmt.Errorf("parse json: %w", err)
		}
		for i := range s.Providers {
			s.Providers[i].Config = normalizeNumbers(s.Providers[i].Config).(map[string]any)
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &s); err != nil {
			return Settings{}, fmt.Errorf("parse toml: %w", err)
		}
	default:
		return Settings{}, fmt.Errorf("unsupported settings format: %s", format)
	}

	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// normalizeNumbers converts json.Number values to int64 where exact and
// float64 otherwise.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, item := range val {
			if item == nil {
				continue
			}
			val[k] = normalizeNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			if item == nil {
				continue
			}
			val[i] = normalizeNumbers(item)
		}
		return val
	}
	return v
}
