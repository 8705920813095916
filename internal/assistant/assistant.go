// Package assistant produces paper summaries, answers and annotation
// feedback through an OpenAI-compatible chat completions endpoint.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/tonimelisma/researchroom/internal/record"
)

// DefaultBaseURL is Gemini's OpenAI-compatible endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"

// critiqueContextRunes bounds how much of the paper accompanies a note.
const critiqueContextRunes = 2000

const systemPrompt = "You are a careful research assistant helping a small group read academic papers together."

// Options configures a Client.
type Options struct {
	BaseURL           string
	Model             string
	APIKey            string
	RequestsPerMinute int
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Client talks to the language model. Requests are paced client-side so a
// room full of people asking questions stays under the provider's quota.
type Client struct {
	api     *openai.Client
	model   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Client. A missing API key or model is a configuration error.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("assistant: API key is not configured (set assistant_api_key or RESEARCHROOM_ASSISTANT_KEY)")
	}

	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("assistant: model is not configured")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")

	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}

	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}

	logger.Debug("assistant configured",
		slog.String("base_url", cfg.BaseURL),
		slog.String("model", opts.Model),
		slog.Int("rpm", opts.RequestsPerMinute),
	)

	return &Client{
		api:     openai.NewClientWithConfig(cfg),
		model:   opts.Model,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}, nil
}

// Summarize condenses a paper's text into its findings, methodology and
// conclusions.
func (c *Client) Summarize(ctx context.Context, paperText string) (string, error) {
	if strings.TrimSpace(paperText) == "" {
		return "", fmt.Errorf("assistant: summarize: empty paper text: %w", record.ErrInvalidInput)
	}

	prompt := "Please provide a comprehensive summary of the following research paper. " +
		"Focus on the main findings, methodology, and conclusions. " +
		"Give pre formatted text as output. Here's the paper text:\n\n" + paperText

	return c.complete(ctx, "summarize", prompt)
}

// Answer responds to question using the paper as context.
func (c *Client) Answer(ctx context.Context, paperText, question string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", fmt.Errorf("assistant: answer: empty question: %w", record.ErrInvalidInput)
	}

	if strings.TrimSpace(paperText) == "" {
		return "", fmt.Errorf("assistant: answer: empty paper text: %w", record.ErrInvalidInput)
	}

	prompt := fmt.Sprintf("Using the context of the following research paper, please answer this question: %q\n\n"+
		"Paper text:\n\n%s", question, paperText)

	return c.complete(ctx, "answer", prompt)
}

// Critique gives mentor-style feedback on a reader's note. Only the start of
// the paper is sent along.
func (c *Client) Critique(ctx context.Context, paperText, note string) (string, error) {
	if strings.TrimSpace(paperText) == "" || strings.TrimSpace(note) == "" {
		return "", fmt.Errorf("assistant: critique: missing paper text or note: %w", record.ErrInvalidInput)
	}

	prompt := fmt.Sprintf(`You are an experienced research mentor providing feedback on a student's annotation of a research paper.

Context:
Paper: "%s..."
Student's Annotation: "%s"

As their mentor, please provide:
1. A brief analysis of their perspective and how it relates to the paper's content
2. 2-3 specific suggestions for deepening their analysis
3. Potential research directions they could explore based on their interests
4. Areas where they could contribute novel insights to the field

Keep the tone supportive yet professional, as if you're a senior researcher mentoring a promising junior colleague.`,
		truncateRunes(paperText, critiqueContextRunes), note)

	return c.complete(ctx, "critique", prompt)
}

func (c *Client) complete(ctx context.Context, op, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("assistant: %s: waiting for rate limit: %w: %w", op, record.ErrAssistantUnavailable, err)
	}

	start := time.Now()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		c.logger.Warn("assistant request failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)

		return "", fmt.Errorf("assistant: %s: %w: %w", op, record.ErrAssistantUnavailable, err)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("assistant: %s: empty response: %w", op, record.ErrAssistantUnavailable)
	}

	c.logger.Debug("assistant request succeeded",
		slog.String("op", op),
		slog.Duration("elapsed", time.Since(start)),
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
	)

	return resp.Choices[0].Message.Content, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n])
}
