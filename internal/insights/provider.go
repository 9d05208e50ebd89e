// Package insights generates AI-written delivery insights from the
// metric rollups. Provider failures never propagate: a retry policy
// and a circuit breaker stand between the worker and the model API,
// and the worker falls back to a stub insight when both give up.
package insights

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Insight is the provider's parsed output.
type Insight struct {
	Summary     string          `json:"summary"`
	Suggestions []RawSuggestion `json:"suggestions"`
	Forecast    string          `json:"forecast"`
}

// RawSuggestion is one recommendation as the model emits it.
type RawSuggestion struct {
	Title       string `json:"title"`
	Impact      string `json:"impact"`
	Description string `json:"description"`
}

// Fallback is returned whenever the provider cannot be reached.
func Fallback() Insight {
	return Insight{
		Summary:     "AI Insight generation currently unavailable.",
		Suggestions: nil,
		Forecast:    "N/A",
	}
}

// Provider generates optimization insights from a metrics digest.
type Provider interface {
	Name() string
	GenerateInsights(ctx context.Context, metrics string) (Insight, error)
}

// ProviderConfig holds connection details for a model provider.
type ProviderConfig struct {
	Provider string // "gemini" or "kimi"
	BaseURL  string
	APIKey   string
	Model    string

	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

func (c ProviderConfig) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 300 * time.Second}
}

// NewProvider builds the provider for a tenant's configuration.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "gemini", "":
		return newGemini(cfg), nil
	case "kimi":
		return newKimi(cfg), nil
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
}

const systemPrompt = `You are an engineering delivery analyst. Given sprint metrics,
developer metrics, stagnant work items and previously issued suggestions, respond
with a single JSON object: {"summary": string, "suggestions": [{"title": string,
"impact": "high"|"medium"|"low", "description": string}], "forecast": string}.
Do not repeat suggestions that are still pending.`

// stripJSONFence removes a surrounding ```json ... ``` code fence,
// which streaming providers like to add around structured output.
func stripJSONFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func parseInsight(raw string) (Insight, error) {
	var out Insight
	if err := json.Unmarshal([]byte(stripJSONFence(raw)), &out); err != nil {
		return Insight{}, fmt.Errorf("parse insight payload: %w", err)
	}
	if out.Summary == "" {
		return Insight{}, fmt.Errorf("insight payload has no summary")
	}
	return out, nil
}

// geminiProvider calls the Google Generative Language API.
type geminiProvider struct {
	cfg    ProviderConfig
	client *http.Client
}

func newGemini(cfg ProviderConfig) *geminiProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	return &geminiProvider{cfg: cfg, client: cfg.httpClient()}
}

func (p *geminiProvider) Name() string { return "gemini" }

func (p *geminiProvider) GenerateInsights(ctx context.Context, metrics string) (Insight, error) {
	payload := map[string]any{
		"contents": []any{
			map[string]any{
				"role": "user",
				"parts": []any{
					map[string]any{"text": systemPrompt + "\n\n" + metrics},
				},
			},
		},
	}
	body, _ := json.Marshal(payload)

	u := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimSuffix(p.cfg.BaseURL, "/"), p.cfg.Model, p.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Insight{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := doProviderCall(p.client, req)
	if err != nil {
		return Insight{}, err
	}

	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Insight{}, fmt.Errorf("parse gemini response: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return Insight{}, fmt.Errorf("gemini returned no candidates")
	}
	return parseInsight(resp.Candidates[0].Content.Parts[0].Text)
}

// kimiProvider calls the Moonshot API, which is OpenAI-compatible.
type kimiProvider struct {
	cfg    ProviderConfig
	client *http.Client
}

func newKimi(cfg ProviderConfig) *kimiProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.moonshot.ai/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "moonshot-v1-32k"
	}
	return &kimiProvider{cfg: cfg, client: cfg.httpClient()}
}

func (p *kimiProvider) Name() string { return "kimi" }

func (p *kimiProvider) GenerateInsights(ctx context.Context, metrics string) (Insight, error) {
	payload := map[string]any{
		"model": p.cfg.Model,
		"messages": []any{
			map[string]any{"role": "system", "content": systemPrompt},
			map[string]any{"role": "user", "content": metrics},
		},
		"temperature": 0.3,
	}
	body, _ := json.Marshal(payload)

	u := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Insight{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	raw, err := doProviderCall(p.client, req)
	if err != nil {
		return Insight{}, err
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Insight{}, fmt.Errorf("parse kimi response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Insight{}, fmt.Errorf("kimi returned no choices")
	}
	return parseInsight(resp.Choices[0].Message.Content)
}

func doProviderCall(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
