package repair

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/fixloop/internal/sandbox"
)

// Profile bundles per-task overrides: which model to ask, how to ask it and
// how much room the sandbox gets.
type Profile struct {
	Name         string `yaml:"name"`
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	Language     string `yaml:"language"`
	MaxAttempts  int    `yaml:"max_attempts"`
	Memory       string `yaml:"memory"`
	Timeout      string `yaml:"timeout"`
}

// LoadProfile reads a profile from a YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", path, err)
	}

	return &p, nil
}

// FindProfile loads <dir>/<name>.yaml, or name itself if it is a path.
func FindProfile(dir, name string) (*Profile, error) {
	if filepath.Ext(name) == ".yaml" || filepath.Ext(name) == ".yml" {
		return LoadProfile(name)
	}
	return LoadProfile(filepath.Join(dir, name+".yaml"))
}

// Apply overlays the profile's sandbox and loop settings onto o. Fields the
// profile leaves empty keep their current value.
func (p *Profile) Apply(o *Options) error {
	o.Language = o.withDefaults().Language
	if p.Language != "" {
		lang, err := sandbox.LookupLanguage(p.Language)
		if err != nil {
			return fmt.Errorf("profile %s: %w", p.Name, err)
		}
		o.Language = lang
	}

	memory := o.Spec.MemoryBytes
	if memory == 0 {
		memory = sandbox.DefaultMemory
	}
	timeout := o.Spec.Timeout
	if timeout == 0 {
		timeout = sandbox.DefaultTimeout
	}
	if p.Memory != "" {
		n, err := units.RAMInBytes(p.Memory)
		if err != nil {
			return fmt.Errorf("profile %s: memory: %w", p.Name, err)
		}
		memory = n
	}
	if p.Timeout != "" {
		d, err := time.ParseDuration(p.Timeout)
		if err != nil {
			return fmt.Errorf("profile %s: timeout: %w", p.Name, err)
		}
		timeout = d
	}
	o.Spec = o.Language.Spec(memory, timeout)

	if p.MaxAttempts > 0 {
		o.MaxAttempts = p.MaxAttempts
	}
	return nil
}
