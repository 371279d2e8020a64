// Package estimate asks a pricing service what a message will cost before it
// is sent. Any failure falls back to a local character-count heuristic, so
// Estimate always returns a usable answer.
package estimate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	DefaultModel   = "overclaw/auto"
	defaultTimeout = 20 * time.Second
	maxPromptChars = 500
	maxTokens      = 300

	defaultExplanation = "This task will use a small amount of tokens."
	defaultPlan        = "The AI will process your request and respond."
)

// Estimate is the projected cost of sending one message.
type Estimate struct {
	CostExplanation string `json:"costExplanation"`
	Plan            string `json:"plan"`
	InputTokens     int    `json:"estimatedInputTokens"`
	OutputTokens    int    `json:"estimatedOutputTokens"`
	InternalTokens  int    `json:"estimatedInternalTokens"`
	// Fallback is set when the service was unreachable or unusable.
	Fallback bool `json:"-"`
}

type Client struct {
	URL    string // service base URL; empty means always use the fallback
	APIKey string
	Model  string
	HTTP   *http.Client
	Logger *slog.Logger
}

func NewClient(url, apiKey string) *Client {
	return &Client{
		URL:    strings.TrimRight(url, "/"),
		APIKey: apiKey,
		Model:  DefaultModel,
		HTTP:   &http.Client{Timeout: defaultTimeout},
	}
}

// Estimate returns the service's estimate for message, or the local fallback.
func (c *Client) Estimate(ctx context.Context, message string) Estimate {
	if c.URL == "" {
		return Fallback(message)
	}
	est, err := c.request(ctx, message)
	if err != nil {
		c.logger().Warn("estimate failed, using fallback", "error", err)
		return Fallback(message)
	}
	return est
}

// Fallback is the local heuristic: a quarter token per character in, twice
// that out.
func Fallback(message string) Estimate {
	in := ceilDiv(len(message), 4)
	out := in * 2
	return Estimate{
		CostExplanation: defaultExplanation,
		Plan:            defaultPlan,
		InputTokens:     in,
		OutputTokens:    out,
		InternalTokens:  internalCost(in, out),
		Fallback:        true,
	}
}

func internalCost(in, out int) int {
	return int(math.Ceil(float64(in)*0.015 + float64(out)*0.06))
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

func (c *Client) request(ctx context.Context, message string) (Estimate, error) {
	body, err := json.Marshal(completionRequest{
		Model:     c.model(),
		Messages:  []chatMessage{{Role: "user", Content: prompt(message)}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return Estimate{}, err
	}
	resp, err := c.post(ctx, "/api/v1/chat/completions", body)
	if err != nil {
		return Estimate{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return Estimate{}, err
	}
	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Estimate{}, fmt.Errorf("decode response: %w", err)
	}
	content := "{}"
	if len(cr.Choices) > 0 && cr.Choices[0].Message.Content != "" {
		content = cr.Choices[0].Message.Content
	}
	if m := jsonObjectRe.FindString(content); m != "" {
		content = m
	}
	var est Estimate
	if err := json.Unmarshal([]byte(content), &est); err != nil {
		return Estimate{}, fmt.Errorf("decode estimate: %w", err)
	}

	if est.CostExplanation == "" {
		est.CostExplanation = defaultExplanation
	}
	if est.Plan == "" {
		est.Plan = defaultPlan
	}
	if est.InputTokens <= 0 {
		est.InputTokens = ceilDiv(len(message), 4)
	}
	if est.OutputTokens <= 0 {
		est.OutputTokens = ceilDiv(len(message), 2)
	}
	if est.InternalTokens <= 0 {
		est.InternalTokens = 1
	}
	return est, nil
}

func prompt(message string) string {
	if len(message) > maxPromptChars {
		message = message[:maxPromptChars]
	}
	return `You are a task cost estimator for an AI assistant app. Given a user's task, estimate the cost in internal app tokens. Respond ONLY with valid JSON, no other text.

Fields:
- "costExplanation": One sentence explaining what this task will cost in simple terms
- "plan": 2-3 sentences describing how the AI will approach this task
- "estimatedInputTokens": estimated input tokens needed (integer)
- "estimatedOutputTokens": estimated output tokens the response will use (integer)
- "estimatedInternalTokens": calculated as ceil((estimatedInputTokens * 0.015) + (estimatedOutputTokens * 0.06))

User task: ` + message
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	return c.httpClient().Do(req)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) model() string {
	if c.Model != "" {
		return c.Model
	}
	return DefaultModel
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func checkStatus(resp *http.Response, expected int) error {
	if resp.StatusCode == expected {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errResp.Error)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
}
