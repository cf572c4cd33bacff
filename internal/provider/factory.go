package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"xmtprelay/internal/config"
	"xmtprelay/internal/domain"
)

// ProviderConstructor creates a provider from a config entry.
type ProviderConstructor func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider

// Factory creates and caches LLM providers from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]ProviderConstructor
	cache        map[string]domain.Provider
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]ProviderConstructor),
		cache:        make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

func timeout(pc config.ProviderConfig) time.Duration {
	return time.Duration(pc.TimeoutSeconds) * time.Second
}

func (f *Factory) registerDefaults() {
	f.constructors["ollama"] = func(_ string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewOllama(OllamaConfig{APIBase: pc.APIBase, DefaultModel: pc.DefaultModel, Timeout: timeout(pc), Logger: logger})
	}
	f.constructors["openai"] = func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewOpenAI(OpenAIConfig{Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Timeout: timeout(pc), Logger: logger})
	}
	f.constructors["anthropic"] = func(_ string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewAnthropic(AnthropicConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Timeout: timeout(pc), Logger: logger})
	}
}

// Get returns the named provider with its model-class mapping applied.
// Created providers are cached so the same instance is reused across calls.
func (f *Factory) Get(name string) (domain.Provider, error) {
	if name == "" {
		name = f.cfg.Generation.DefaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	var p domain.Provider
	if ctor, found := f.constructors[name]; found {
		p = ctor(name, pc, f.logger)
	} else if pc.APIBase != "" {
		// Unknown names are treated as OpenAI-compatible endpoints.
		p = f.constructors["openai"](name, pc, f.logger)
	} else {
		return nil, fmt.Errorf("provider %s: no constructor registered and no apiBase configured", name)
	}

	p = &classModels{Provider: p, models: pc.ModelFor}
	if pc.RequestsPerMinute > 0 {
		p = RateLimited(p, NewRateLimiter(pc.Burst, pc.RequestsPerMinute))
	}
	f.cache[name] = p
	return p, nil
}

// Build returns the provider the runtime should use: the default provider,
// followed by the failover chain when one is configured, instrumented for
// metrics.
func (f *Factory) Build() (domain.Provider, error) {
	primary, err := f.Get("")
	if err != nil {
		return nil, err
	}
	chain := []domain.Provider{primary}
	seen := map[string]bool{f.cfg.Generation.DefaultProvider: true}
	for _, name := range f.cfg.Generation.FailoverChain {
		if seen[name] {
			continue
		}
		seen[name] = true
		p, err := f.Get(name)
		if err != nil {
			f.logger.Warn("failover provider unavailable", "provider", name, "err", err)
			continue
		}
		chain = append(chain, p)
	}
	if len(chain) == 1 {
		return Instrument(primary), nil
	}
	return Instrument(NewFailoverProvider(chain, f.logger)), nil
}

// Names returns the configured provider names, sorted.
func (f *Factory) Names() []string {
	names := make([]string, 0, len(f.cfg.Providers))
	for name := range f.cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckAll runs a health check against every enabled provider.
func (f *Factory) CheckAll(ctx context.Context) map[string]error {
	out := make(map[string]error)
	for _, name := range f.Names() {
		if !f.cfg.Providers[name].Enabled {
			continue
		}
		p, err := f.Get(name)
		if err != nil {
			out[name] = err
			continue
		}
		out[name] = p.Healthy(ctx)
	}
	return out
}
