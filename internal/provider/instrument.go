package provider

import (
	"context"
	"time"

	"xmtprelay/internal/domain"
	"xmtprelay/internal/metrics"
)

// classModels resolves ChatRequest.Class to a concrete model for one provider.
type classModels struct {
	domain.Provider
	models func(class string) string
}

func (c *classModels) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" && req.Class != "" {
		req.Model = c.models(string(req.Class))
	}
	return c.Provider.Chat(ctx, req)
}

// instrumented records request counts and latency for every Chat call.
type instrumented struct {
	domain.Provider
}

// Instrument wraps p so that each request feeds the LLM metrics.
func Instrument(p domain.Provider) domain.Provider {
	return &instrumented{Provider: p}
}

func (i *instrumented) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	start := time.Now()
	resp, err := i.Provider.Chat(ctx, req)
	elapsed := time.Since(start)

	metrics.LLMRequests.Inc()
	metrics.LLMLatency.Observe(elapsed.Seconds())
	if resp != nil {
		resp.LatencyMs = elapsed.Milliseconds()
	}
	return resp, err
}
