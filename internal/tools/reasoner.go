// Package tools provides the capability backends the gateway dispatches to:
// model-vendor reasoning (Anthropic, Gemini) and scripted backends for tests
// and demos.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"google.golang.org/genai"

	"triage/internal/gateway"
)

const systemPrompt = "You are an incident-response analyst. Answer concisely " +
	"and ground every claim in the evidence provided in the prompt."

// ReasonerConfig selects and configures the reasoning-infer backend.
type ReasonerConfig struct {
	Vendor string
	Model  string
	APIKey string
}

// NewReasoner creates the reasoning-infer backend for the configured vendor
// (gemini or anthropic).
func NewReasoner(ctx context.Context, cfg ReasonerConfig) (gateway.Backend, error) {
	switch strings.ToLower(cfg.Vendor) {
	case "google", "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %v", err)
		}
		slog.Info("using model", "vendor", "gemini", "model", cfg.Model)
		return &geminiReasoner{client: client, model: cfg.Model}, nil

	case "anthropic":
		client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
		slog.Info("using model", "vendor", "anthropic", "model", cfg.Model)
		return &anthropicReasoner{client: client, model: cfg.Model}, nil

	default:
		return nil, fmt.Errorf("unknown model vendor: %s (supported: google, gemini, anthropic)", cfg.Vendor)
	}
}

type anthropicReasoner struct {
	client anthropic.Client
	model  string
}

func (r *anthropicReasoner) Name() gateway.Capability { return gateway.CapReasoningInfer }

func (r *anthropicReasoner) Call(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	if req.Prompt == "" {
		return nil, gateway.Fatal(errors.New("empty prompt"))
	}

	resp, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(r.model),
		MaxTokens: 4096,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, errors.New("empty model response")
	}
	return &gateway.Response{Text: text.String()}, nil
}

type geminiReasoner struct {
	client *genai.Client
	model  string
}

func (r *geminiReasoner) Name() gateway.Capability { return gateway.CapReasoningInfer }

func (r *geminiReasoner) Call(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	if req.Prompt == "" {
		return nil, gateway.Fatal(errors.New("empty prompt"))
	}

	resp, err := r.client.Models.GenerateContent(ctx, r.model,
		genai.Text(systemPrompt+"\n\n"+req.Prompt), nil)
	if err != nil {
		return nil, fmt.Errorf("gemini API error: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, errors.New("empty model response")
	}
	return &gateway.Response{Text: text}, nil
}
