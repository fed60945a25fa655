package generate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"conjure/internal/config"
	"conjure/internal/logging"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiClient generates unit source via the Gemini API.
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
}

// NewGeminiClient creates a Gemini-backed generation client from config.
func NewGeminiClient(ctx context.Context, cfg config.GeneratorConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("generate: gemini API key is required")
	}

	cc := &genai.ClientConfig{APIKey: cfg.APIKey}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("generate: failed to create gemini client: %w", err)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}
	maxTokens := int32(cfg.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &GeminiClient{
		client:      client,
		model:       model,
		temperature: float32(cfg.Temperature),
		maxTokens:   maxTokens,
	}, nil
}

// GenerateUnit implements Client.
func (c *GeminiClient) GenerateUnit(ctx context.Context, req Request) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(UserPrompt(req), genai.RoleUser),
	}
	gc := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemPrompt(), genai.RoleUser),
		Temperature:       genai.Ptr(c.temperature),
		MaxOutputTokens:   c.maxTokens,
	}

	logging.L("generate").Debug("generation request",
		zap.String("unit", req.UnitName),
		zap.String("model", c.model),
		zap.Strings("symbols", req.Symbols))

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, gc)
	if err != nil {
		return "", &GenerationError{Unit: req.UnitName, Reason: "backend call failed", Err: err}
	}

	text := strings.TrimSpace(StripCodeFences(resp.Text()))
	if text == "" {
		return "", &GenerationError{Unit: req.UnitName, Reason: "backend returned empty content"}
	}
	return text, nil
}
