package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vitos/cycle_trader/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "deepseek/deepseek-r1"

	// MaxResponseBytes caps how much of a completion response is read.
	MaxResponseBytes = 1 << 20
)

const systemPrompt = `You are a price advisor for a spot trading bot that runs one buy/sell cycle at a time on %s.
Fees are %s of notional per side. The bot never sells below min_sell_price when it holds a position.
Reply with a single JSON object and nothing else:
{"buy_price": number, "sell_price": number, "confidence": number between 0 and 1, "reasoning": "short explanation"}
sell_price must be above buy_price.`

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// Referer is sent as HTTP-Referer for OpenRouter app attribution.
	Referer     string
	Temperature float64
}

// OpenRouterAdvisor asks a chat completions model for buy and sell prices.
// Deadlines come from the caller's context.
type OpenRouterAdvisor struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func NewOpenRouterAdvisor(cfg Config, client *http.Client, logger *zap.Logger) *OpenRouterAdvisor {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if client == nil {
		client = &http.Client{}
	}
	return &OpenRouterAdvisor{
		cfg:    cfg,
		client: client,
		logger: logger.Named("openrouter"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// Advise returns the raw model text; validation is the gateway's job.
func (a *OpenRouterAdvisor) Advise(ctx context.Context, req domain.AdvisoryRequest) (string, error) {
	market, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode advisory request: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: fmt.Sprintf(systemPrompt, req.Context.Symbol, req.Context.FeeRate.Shift(2).String()+"%")},
			{Role: "user", Content: string(market)},
		},
		Temperature: a.cfg.Temperature,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	if a.cfg.Referer != "" {
		httpReq.Header.Set("HTTP-Referer", a.cfg.Referer)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openrouter request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return "", fmt.Errorf("read openrouter response: %w", err)
	}
	if len(respBody) > MaxResponseBytes {
		return "", fmt.Errorf("openrouter response exceeds %d bytes", MaxResponseBytes)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openrouter status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode openrouter response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("openrouter error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("openrouter returned no content")
	}

	a.logger.Debug("Advisor answered", zap.String("model", out.Model), zap.Int("bytes", len(out.Choices[0].Message.Content)))
	return out.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
