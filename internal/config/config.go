package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/michaelbrown/fixloop/internal/repair"
	"github.com/michaelbrown/fixloop/internal/sandbox"
)

type ProviderConfig struct {
	BaseURL     string            `mapstructure:"base_url"`
	APIKey      string            `mapstructure:"api_key"`
	Models      map[string]string `mapstructure:"models"`
	Temperature *float64          `mapstructure:"temperature"`
}

type RepairConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InfraPolicy  string        `mapstructure:"infra_policy"`
	InfraRetries int           `mapstructure:"infra_retries"`
	InfraBackoff time.Duration `mapstructure:"infra_backoff"`
	ProfilesDir  string        `mapstructure:"profiles_dir"`
	Stream       bool          `mapstructure:"stream"`
}

type SandboxConfig struct {
	Runtime   string        `mapstructure:"runtime"`
	Language  string        `mapstructure:"language"`
	Image     string        `mapstructure:"image"`
	Memory    string        `mapstructure:"memory"`
	Timeout   time.Duration `mapstructure:"timeout"`
	WorkRoot  string        `mapstructure:"work_root"`
	MaxOutput int           `mapstructure:"max_output"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	DBPath    string `mapstructure:"db_path"`
	OutputDir string `mapstructure:"output_dir"`
	Artifacts bool   `mapstructure:"artifacts"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Providers       map[string]ProviderConfig `mapstructure:"providers"`
	DefaultProvider string                    `mapstructure:"default_provider"`
	Repair          RepairConfig              `mapstructure:"repair"`
	Sandbox         SandboxConfig             `mapstructure:"sandbox"`
	Server          ServerConfig              `mapstructure:"server"`
	Storage         StorageConfig             `mapstructure:"storage"`
	Log             LogConfig                 `mapstructure:"log"`
}

// EnvPrefix prefixes environment overrides, e.g. FIXLOOP_REPAIR_MAX_ATTEMPTS.
const EnvPrefix = "FIXLOOP"

// Load reads fixloop.yaml from path, or from ./ and $HOME/.fixloop when path
// is empty. A missing config file is not an error; defaults and environment
// overrides still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fixloop")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.fixloop")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variables in API keys and URLs
	for name, p := range cfg.Providers {
		p.APIKey = expandEnv(p.APIKey)
		p.BaseURL = expandEnv(p.BaseURL)
		cfg.Providers[name] = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	home := os.Getenv("HOME")

	v.SetDefault("default_provider", "ollama")
	v.SetDefault("providers.ollama.base_url", "http://localhost:11434/v1/")
	v.SetDefault("providers.ollama.api_key", "ollama")
	v.SetDefault("providers.ollama.models.default", "qwen2.5-coder:7b")

	v.SetDefault("repair.max_attempts", repair.DefaultMaxAttempts)
	v.SetDefault("repair.infra_policy", string(repair.InfraConsume))
	v.SetDefault("repair.infra_retries", 2)
	v.SetDefault("repair.infra_backoff", 2*time.Second)
	v.SetDefault("repair.profiles_dir", filepath.Join(home, ".fixloop", "profiles"))
	v.SetDefault("repair.stream", false)

	v.SetDefault("sandbox.runtime", sandbox.RuntimeEngine)
	v.SetDefault("sandbox.language", sandbox.Python.Name)
	v.SetDefault("sandbox.image", "")
	v.SetDefault("sandbox.memory", "256m")
	v.SetDefault("sandbox.timeout", sandbox.DefaultTimeout)
	v.SetDefault("sandbox.work_root", "")
	v.SetDefault("sandbox.max_output", sandbox.DefaultMaxOutput)

	v.SetDefault("server.port", 8080)

	v.SetDefault("storage.db_path", filepath.Join(home, ".fixloop", "fixloop.db"))
	v.SetDefault("storage.output_dir", "output")
	v.SetDefault("storage.artifacts", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// expandEnv replaces a value of the form ${VAR} with the variable's value.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Repair.MaxAttempts < 1 {
		return fmt.Errorf("repair.max_attempts must be at least 1, got %d", c.Repair.MaxAttempts)
	}
	switch repair.InfraPolicy(c.Repair.InfraPolicy) {
	case repair.InfraConsume, repair.InfraRetry:
	default:
		return fmt.Errorf("repair.infra_policy must be %q or %q, got %q", repair.InfraConsume, repair.InfraRetry, c.Repair.InfraPolicy)
	}
	switch c.Sandbox.Runtime {
	case sandbox.RuntimeEngine, sandbox.RuntimeCLI:
	default:
		return fmt.Errorf("sandbox.runtime must be %q or %q, got %q", sandbox.RuntimeEngine, sandbox.RuntimeCLI, c.Sandbox.Runtime)
	}
	if _, err := c.SandboxSpec(); err != nil {
		return err
	}
	return nil
}

// IsOllama returns true if this provider looks like an Ollama instance.
func (p ProviderConfig) IsOllama() bool {
	return strings.Contains(p.BaseURL, ":11434") || strings.Contains(strings.ToLower(p.BaseURL), "ollama")
}

// Provider returns the config for a named provider, falling back to the default.
func (c *Config) Provider(name string) (ProviderConfig, error) {
	if name == "" {
		name = c.DefaultProvider
	}
	p, ok := c.Providers[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("unknown provider: %s", name)
	}
	return p, nil
}

// Language returns the configured sandbox language.
func (c *Config) Language() (sandbox.Language, error) {
	return sandbox.LookupLanguage(c.Sandbox.Language)
}

// SandboxSpec builds the execution spec from the sandbox section.
func (c *Config) SandboxSpec() (sandbox.Spec, error) {
	lang, err := c.Language()
	if err != nil {
		return sandbox.Spec{}, fmt.Errorf("sandbox.language: %w", err)
	}
	memory, err := units.RAMInBytes(c.Sandbox.Memory)
	if err != nil {
		return sandbox.Spec{}, fmt.Errorf("sandbox.memory: %w", err)
	}
	spec := lang.Spec(memory, c.Sandbox.Timeout)
	if c.Sandbox.Image != "" {
		spec.Image = c.Sandbox.Image
	}
	if err := spec.Validate(); err != nil {
		return sandbox.Spec{}, err
	}
	return spec, nil
}

// LoopOptions builds controller options from the repair and sandbox sections.
func (c *Config) LoopOptions() (repair.Options, error) {
	lang, err := c.Language()
	if err != nil {
		return repair.Options{}, err
	}
	spec, err := c.SandboxSpec()
	if err != nil {
		return repair.Options{}, err
	}
	return repair.Options{
		MaxAttempts:  c.Repair.MaxAttempts,
		Language:     lang,
		Spec:         spec,
		InfraPolicy:  repair.InfraPolicy(c.Repair.InfraPolicy),
		InfraRetries: c.Repair.InfraRetries,
		InfraBackoff: c.Repair.InfraBackoff,
	}, nil
}

// LogLevel parses log.level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
