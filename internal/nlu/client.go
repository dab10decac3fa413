// Package nlu holds the language-model boundary: a thin completion
// client plus the prompting and output-repair logic that turns free
// text into structured plans and follow-up classifications. Everything
// downstream of this package is deterministic.
package nlu

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"
)

// Client is the minimal completion surface the planner and classifier
// need. Kept small so tests can substitute a canned implementation.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const defaultModel = "gemini-2.0-flash"

// GenAIClient calls the Gemini API.
type GenAIClient struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGenAIClient creates a Gemini-backed client. Model defaults to
// gemini-2.0-flash, timeout to 60s.
func NewGenAIClient(apiKey, model string, timeout time.Duration) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = defaultModel
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIClient{client: client, model: model, timeout: timeout}, nil
}

// Complete sends a bare user prompt.
func (c *GenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.generateWith(ctx, nil, prompt)
}

// CompleteWithSystem sends a prompt under a system instruction.
func (c *GenAIClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		}
	}
	return c.generateWith(ctx, cfg, userPrompt)
}

func (c *GenAIClient) generateWith(ctx context.Context, cfg *genai.GenerateContentConfig, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("GenAI completion failed: %w", err)
	}
	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("GenAI returned an empty response")
	}
	return text, nil
}

// Name identifies the backing model.
func (c *GenAIClient) Name() string {
	return fmt.Sprintf("genai:%s", c.model)
}
