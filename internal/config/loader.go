package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr               string            `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel           string            `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat          string            `json:"log_format" yaml:"log_format" toml:"log_format"`
	TempDir            string            `json:"temp_dir" yaml:"temp_dir" toml:"temp_dir"`
	IgnoreCheck        bool              `json:"ignore_check" yaml:"ignore_check" toml:"ignore_check"`
	ProgressIntervalMS int               `json:"progress_interval_ms" yaml:"progress_interval_ms" toml:"progress_interval_ms"`
	DownloadAttempts   int               `json:"download_attempts" yaml:"download_attempts" toml:"download_attempts"`
	Probe              ProbeConfig       `json:"probe" yaml:"probe" toml:"probe"`
	Cleanup            CleanupConfig     `json:"cleanup" yaml:"cleanup" toml:"cleanup"`
	Interpreter        InterpreterConfig `json:"interpreter" yaml:"interpreter" toml:"interpreter"`
	Package            PackageConfig     `json:"package" yaml:"package" toml:"package"`
	Model              ModelConfig       `json:"model" yaml:"model" toml:"model"`
	CORS               CORSConfig        `json:"cors" yaml:"cors" toml:"cors"`
	// Swagger serves /swagger/*; nil means enabled.
	Swagger *bool `json:"swagger,omitempty" yaml:"swagger,omitempty" toml:"swagger,omitempty"`
}

type ProbeConfig struct {
	TimeoutMS    int `json:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms"`
	RetryDelayMS int `json:"retry_delay_ms" yaml:"retry_delay_ms" toml:"retry_delay_ms"`
}

type CleanupConfig struct {
	Attempts          int `json:"attempts" yaml:"attempts" toml:"attempts"`
	BackoffMS         int `json:"backoff_ms" yaml:"backoff_ms" toml:"backoff_ms"`
	SweepOlderThanSec int `json:"sweep_older_than_sec" yaml:"sweep_older_than_sec" toml:"sweep_older_than_sec"`
}

type InterpreterConfig struct {
	Command         string   `json:"command" yaml:"command" toml:"command"`
	VersionArgs     []string `json:"version_args" yaml:"version_args" toml:"version_args"`
	InstallerURL    string   `json:"installer_url" yaml:"installer_url" toml:"installer_url"`
	InstallerSHA256 string   `json:"installer_sha256" yaml:"installer_sha256" toml:"installer_sha256"`
	// InstallArgs is the full installer command line; "{installer}" marks
	// the downloaded file. Empty selects the platform default.
	InstallArgs         []string `json:"install_args" yaml:"install_args" toml:"install_args"`
	ExpectedDurationSec int      `json:"expected_duration_sec" yaml:"expected_duration_sec" toml:"expected_duration_sec"`
}

type PackageConfig struct {
	Name                string   `json:"name" yaml:"name" toml:"name"`
	ImportName          string   `json:"import_name" yaml:"import_name" toml:"import_name"`
	IndexURL            string   `json:"index_url" yaml:"index_url" toml:"index_url"`
	ExtraArgs           []string `json:"extra_args" yaml:"extra_args" toml:"extra_args"`
	ExpectedDurationSec int      `json:"expected_duration_sec" yaml:"expected_duration_sec" toml:"expected_duration_sec"`
}

type ModelConfig struct {
	URL        string `json:"url" yaml:"url" toml:"url"`
	SHA256     string `json:"sha256" yaml:"sha256" toml:"sha256"`
	Extension  string `json:"extension" yaml:"extension" toml:"extension"`
	InstallDir string `json:"install_dir" yaml:"install_dir" toml:"install_dir"`
	// Locations are extra directories searched by the model probe, in
	// addition to InstallDir and the well-known defaults.
	Locations           []string `json:"locations" yaml:"locations" toml:"locations"`
	ExpectedDurationSec int      `json:"expected_duration_sec" yaml:"expected_duration_sec" toml:"expected_duration_sec"`
}

type CORSConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	swagger := true
	python := "python3"
	if runtime.GOOS == "windows" {
		python = "python"
	}
	return Config{
		Addr:               ":8080",
		LogLevel:           "info",
		LogFormat:          "console",
		TempDir:            filepath.Join(os.TempDir(), "provisiond"),
		ProgressIntervalMS: 500,
		DownloadAttempts:   3,
		Probe:              ProbeConfig{TimeoutMS: 10_000, RetryDelayMS: 2_000},
		Cleanup:            CleanupConfig{Attempts: 5, BackoffMS: 200, SweepOlderThanSec: 24 * 60 * 60},
		Interpreter: InterpreterConfig{
			Command:             python,
			VersionArgs:         []string{"--version"},
			ExpectedDurationSec: 180,
		},
		Package: PackageConfig{
			Name:                "llama-cpp-python",
			ImportName:          "llama_cpp",
			ExpectedDurationSec: 90,
		},
		Model: ModelConfig{
			Extension:           ".gguf",
			InstallDir:          filepath.Join("~", ".provisiond", "models"),
			ExpectedDurationSec: 300,
		},
		Swagger: &swagger,
	}
}

// ApplyDefaults fills unspecified fields of cfg from Default.
func ApplyDefaults(cfg *Config) {
	d := Default()
	setString(&cfg.Addr, d.Addr)
	setString(&cfg.LogLevel, d.LogLevel)
	setString(&cfg.LogFormat, d.LogFormat)
	setString(&cfg.TempDir, d.TempDir)
	setInt(&cfg.ProgressIntervalMS, d.ProgressIntervalMS)
	setInt(&cfg.DownloadAttempts, d.DownloadAttempts)
	setInt(&cfg.Probe.TimeoutMS, d.Probe.TimeoutMS)
	setInt(&cfg.Probe.RetryDelayMS, d.Probe.RetryDelayMS)
	setInt(&cfg.Cleanup.Attempts, d.Cleanup.Attempts)
	setInt(&cfg.Cleanup.BackoffMS, d.Cleanup.BackoffMS)
	setInt(&cfg.Cleanup.SweepOlderThanSec, d.Cleanup.SweepOlderThanSec)
	setString(&cfg.Interpreter.Command, d.Interpreter.Command)
	if len(cfg.Interpreter.VersionArgs) == 0 {
		cfg.Interpreter.VersionArgs = d.Interpreter.VersionArgs
	}
	setInt(&cfg.Interpreter.ExpectedDurationSec, d.Interpreter.ExpectedDurationSec)
	setString(&cfg.Package.Name, d.Package.Name)
	setString(&cfg.Package.ImportName, d.Package.ImportName)
	setInt(&cfg.Package.ExpectedDurationSec, d.Package.ExpectedDurationSec)
	setString(&cfg.Model.Extension, d.Model.Extension)
	setString(&cfg.Model.InstallDir, d.Model.InstallDir)
	setInt(&cfg.Model.ExpectedDurationSec, d.Model.ExpectedDurationSec)
	if cfg.Swagger == nil {
		cfg.Swagger = d.Swagger
	}
}

func setString(p *string, v string) {
	if strings.TrimSpace(*p) == "" {
		*p = v
	}
}

func setInt(p *int, v int) {
	if *p <= 0 {
		*p = v
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: want console or json, got %q", c.LogFormat))
	}
	for field, raw := range map[string]string{
		"interpreter.installer_url": c.Interpreter.InstallerURL,
		"package.index_url":         c.Package.IndexURL,
		"model.url":                 c.Model.URL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("%s: want an http(s) URL, got %q", field, raw))
		}
	}
	if !strings.HasPrefix(c.Model.Extension, ".") {
		errs = append(errs, fmt.Errorf("model.extension: must start with a dot, got %q", c.Model.Extension))
	}
	return errors.Join(errs...)
}

// SwaggerEnabled reports whether /swagger/* is served.
func (c Config) SwaggerEnabled() bool { return c.Swagger == nil || *c.Swagger }

func (c Config) ProgressInterval() time.Duration {
	return time.Duration(c.ProgressIntervalMS) * time.Millisecond
}

func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Probe.TimeoutMS) * time.Millisecond
}

func (c Config) ProbeRetryDelay() time.Duration {
	return time.Duration(c.Probe.RetryDelayMS) * time.Millisecond
}

func (c Config) CleanupBackoff() time.Duration {
	return time.Duration(c.Cleanup.BackoffMS) * time.Millisecond
}

func (c Config) SweepOlderThan() time.Duration {
	return time.Duration(c.Cleanup.SweepOlderThanSec) * time.Second
}
