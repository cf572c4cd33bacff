package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"xmtprelay/internal/domain"
	"xmtprelay/internal/metrics"
)

const defaultFailoverCooldown = 30 * time.Second

// FailoverProvider sends each request down an ordered chain of providers
// and returns the first reply. A provider that fails is passed over for a
// cooldown period while later providers in the chain are still available.
type FailoverProvider struct {
	chain    []domain.Provider
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	failedAt map[string]time.Time
}

// NewFailoverProvider builds a chain from providers, tried in order.
func NewFailoverProvider(providers []domain.Provider, logger *slog.Logger) *FailoverProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverProvider{
		chain:    providers,
		cooldown: defaultFailoverCooldown,
		logger:   logger,
		now:      time.Now,
		failedAt: make(map[string]time.Time),
	}
}

func (fp *FailoverProvider) Name() string {
	names := make([]string, 0, len(fp.chain))
	for _, p := range fp.chain {
		names = append(names, p.Name())
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (fp *FailoverProvider) Models() []string {
	var all []string
	seen := make(map[string]bool)
	for _, p := range fp.chain {
		for _, m := range p.Models() {
			if !seen[m] {
				seen[m] = true
				all = append(all, m)
			}
		}
	}
	return all
}

// Healthy succeeds if any provider in the chain is healthy. Otherwise every
// provider's error is reported.
func (fp *FailoverProvider) Healthy(ctx context.Context) error {
	var errs []error
	for _, p := range fp.chain {
		err := p.Healthy(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return fmt.Errorf("no healthy provider in failover chain: %w", errors.Join(errs...))
}

// Chat returns the first successful reply. A cancelled context stops the
// chain immediately.
func (fp *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if len(fp.chain) == 0 {
		return nil, errors.New("failover chain is empty")
	}

	var errs []error
	for i, p := range fp.order() {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			fp.markRecovered(p.Name())
			if i > 0 {
				metrics.ProviderFallbacks.Inc()
				fp.logger.Info("failover: fallback provider answered",
					"provider", p.Name(),
					"class", req.Class,
					"position", i+1,
				)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fp.markFailed(p.Name())
		metrics.ProviderFailures(p.Name()).Inc()
		fp.logger.Warn("failover: provider failed",
			"provider", p.Name(),
			"class", req.Class,
			"model", req.Model,
			"err", err,
		)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, fmt.Errorf("all providers in failover chain failed: %w", errors.Join(errs...))
}

// order returns the chain with providers still cooling down moved to the
// back, preserving relative order within each group.
func (fp *FailoverProvider) order() []domain.Provider {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	now := fp.now()
	ready := make([]domain.Provider, 0, len(fp.chain))
	var cooling []domain.Provider
	for _, p := range fp.chain {
		if t, ok := fp.failedAt[p.Name()]; ok && now.Sub(t) < fp.cooldown {
			cooling = append(cooling, p)
			continue
		}
		ready = append(ready, p)
	}
	return append(ready, cooling...)
}

func (fp *FailoverProvider) markFailed(name string) {
	fp.mu.Lock()
	fp.failedAt[name] = fp.now()
	fp.mu.Unlock()
}

func (fp *FailoverProvider) markRecovered(name string) {
	fp.mu.Lock()
	delete(fp.failedAt, name)
	fp.mu.Unlock()
}
