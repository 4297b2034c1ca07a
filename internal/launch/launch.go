// Package launch assembles repair controllers from configuration: the LLM
// client and gateway, the instrumented executor and the recorders.
package launch

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/michaelbrown/fixloop/internal/config"
	"github.com/michaelbrown/fixloop/internal/llm"
	"github.com/michaelbrown/fixloop/internal/metrics"
	"github.com/michaelbrown/fixloop/internal/oracle"
	"github.com/michaelbrown/fixloop/internal/repair"
	"github.com/michaelbrown/fixloop/internal/sandbox"
	"github.com/michaelbrown/fixloop/internal/storage"
	"github.com/michaelbrown/fixloop/internal/storage/files"
)

// Request holds per-run overrides. Empty fields fall back to the profile,
// then to the configuration.
type Request struct {
	Language    string        `json:"language,omitempty"`
	Provider    string        `json:"provider,omitempty"`
	Model       string        `json:"model,omitempty"`
	Profile     string        `json:"profile,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// Meta describes what a built controller resolved to.
type Meta struct {
	Provider string
	Model    string
	Profile  string
	Options  repair.Options
}

// ClientFactory creates the LLM client for a provider and model.
type ClientFactory func(p config.ProviderConfig, model string, logger *slog.Logger) llm.Client

// Launcher builds controllers that share one executor and one set of stores.
type Launcher struct {
	cfg       *config.Config
	executor  sandbox.Executor
	store     storage.Store
	artifacts *files.Recorder
	newClient ClientFactory
	logger    *slog.Logger
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithStore records finished runs in store.
func WithStore(store storage.Store) Option {
	return func(l *Launcher) { l.store = store }
}

// WithArtifacts writes finished runs as artifact directories.
func WithArtifacts(r *files.Recorder) Option {
	return func(l *Launcher) { l.artifacts = r }
}

// WithClientFactory replaces how LLM clients are created.
func WithClientFactory(f ClientFactory) Option {
	return func(l *Launcher) { l.newClient = f }
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Launcher) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Launcher.
func New(cfg *config.Config, executor sandbox.Executor, opts ...Option) *Launcher {
	l := &Launcher{
		cfg:       cfg,
		executor:  executor,
		newClient: defaultClient,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func defaultClient(p config.ProviderConfig, model string, logger *slog.Logger) llm.Client {
	opts := []llm.ClientOption{llm.WithLogger(logger)}
	if p.Temperature != nil {
		opts = append(opts, llm.WithTemperature(*p.Temperature))
	}
	return llm.NewClient(p.BaseURL, p.APIKey, model, opts...)
}

// Artifacts returns the artifact recorder, or nil.
func (l *Launcher) Artifacts() *files.Recorder {
	return l.artifacts
}

// Build resolves req against the profile and configuration and returns a
// ready controller. Replies are streamed to onDelta when it is non-nil.
func (l *Launcher) Build(req Request, onDelta llm.StreamHandler) (*repair.Controller, Meta, error) {
	opts, err := l.cfg.LoopOptions()
	if err != nil {
		return nil, Meta{}, err
	}

	var profile *repair.Profile
	if req.Profile != "" {
		profile, err = repair.FindProfile(l.cfg.Repair.ProfilesDir, req.Profile)
		if err != nil {
			return nil, Meta{}, fmt.Errorf("loading profile: %w", err)
		}
		if err := profile.Apply(&opts); err != nil {
			return nil, Meta{}, err
		}
	}

	if req.Language != "" {
		lang, err := sandbox.LookupLanguage(req.Language)
		if err != nil {
			return nil, Meta{}, err
		}
		if lang.Name != opts.Language.Name {
			opts.Language = lang
			opts.Spec = lang.Spec(opts.Spec.MemoryBytes, opts.Spec.Timeout)
		}
	}
	if req.Timeout > 0 {
		opts.Spec.Timeout = req.Timeout
	}
	if req.MaxAttempts > 0 {
		opts.MaxAttempts = req.MaxAttempts
	}

	providerName := req.Provider
	if providerName == "" && profile != nil {
		providerName = profile.Provider
	}
	if providerName == "" {
		providerName = l.cfg.DefaultProvider
	}
	provider, err := l.cfg.Provider(providerName)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("resolving provider: %w", err)
	}

	model := req.Model
	if model == "" && profile != nil {
		model = profile.Model
	}
	if model == "" {
		model = provider.Models["default"]
	}
	if model == "" {
		return nil, Meta{}, fmt.Errorf("no model configured for provider %s", providerName)
	}

	client := metrics.InstrumentClient(l.newClient(provider, model, l.logger))
	gwOpts := []oracle.GatewayOption{oracle.WithLogger(l.logger)}
	if profile != nil {
		gwOpts = append(gwOpts, oracle.WithSystemPrompt(profile.SystemPrompt))
	}
	if onDelta != nil {
		gwOpts = append(gwOpts, oracle.WithStreamHandler(onDelta))
	}
	gateway := metrics.InstrumentGateway(oracle.NewLLMGateway(client, gwOpts...))
	executor := metrics.InstrumentExecutor(l.executor, opts.Language.Name)

	meta := Meta{Provider: providerName, Model: model, Profile: req.Profile}
	recorders := repair.MultiRecorder{metrics.Recorder}
	if l.store != nil {
		recorders = append(recorders, &storage.Recorder{
			Store:    l.store,
			Provider: meta.Provider,
			Model:    meta.Model,
			Profile:  meta.Profile,
		})
	}
	if l.artifacts != nil {
		recorders = append(recorders, l.artifacts)
	}

	c, err := repair.New(gateway, executor, opts,
		repair.WithRecorder(recorders),
		repair.WithLogger(l.logger))
	if err != nil {
		return nil, Meta{}, err
	}
	meta.Options = c.Options()
	return c, meta, nil
}

// OpenExecutor connects to the configured container runtime and returns an
// executor over it. The returned runtime answers health checks; close
// releases it.
func OpenExecutor(cfg *config.Config, logger *slog.Logger) (*sandbox.DockerExecutor, sandbox.Runtime, func() error, error) {
	rt, closeFn, err := sandbox.OpenRuntime(cfg.Sandbox.Runtime)
	if err != nil {
		return nil, nil, nil, err
	}
	exec := sandbox.NewDockerExecutor(rt,
		sandbox.WithWorkRoot(cfg.Sandbox.WorkRoot),
		sandbox.WithMaxOutput(cfg.Sandbox.MaxOutput),
		sandbox.WithLogger(logger))
	return exec, rt, closeFn, nil
}
