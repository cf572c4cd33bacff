package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"xmtprelay/internal/domain"
)

// DefaultAnthropicModel is used when neither the request nor the config names one.
const DefaultAnthropicModel = anthropic.ModelClaude3_7SonnetLatest

// Anthropic implements domain.Provider on top of the Anthropic Messages API.
type Anthropic struct {
	client *anthropic.Client
	model  string
	apiKey string
	logger *slog.Logger
}

type AnthropicConfig struct {
	APIKey  string
	APIBase string // optional; overrides the SDK default endpoint
	Model   string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.Model == "" {
		cfg.Model = string(DefaultAnthropicModel)
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(cfg.Client),
		option.WithMaxRetries(maxRetries),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	client := anthropic.NewClient(opts...)

	return &Anthropic{
		client: &client,
		model:  cfg.Model,
		apiKey: cfg.APIKey,
		logger: cfg.Logger,
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Models() []string {
	return []string{
		string(anthropic.ModelClaude3_7SonnetLatest),
		string(anthropic.ModelClaude3_5HaikuLatest),
	}
}

func (a *Anthropic) Healthy(ctx context.Context) error {
	if _, err := a.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return fmt.Errorf("anthropic not reachable: %w", err)
	}
	return nil
}

func (a *Anthropic) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}

	finish := "stop"
	if msg.StopReason == anthropic.StopReasonMaxTokens {
		finish = "length"
	}
	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return &domain.ChatResponse{
		Content:      text.String(),
		FinishReason: finish,
		Usage: domain.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
	}, nil
}
