package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/reviewbot/internal/domain"
)

const defaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta/models"

// GeminiConfig holds settings for Google's Gemini API
type GeminiConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

// Gemini generates reviews through the generateContent endpoint
type Gemini struct {
	apiKey      string
	url         string
	temperature float64
	maxTokens   int
	maxRetries  int
	retryDelay  time.Duration
	client      *http.Client
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// NewGemini creates a Gemini generator
func NewGemini(cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("gemini model is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	return &Gemini{
		apiKey:      cfg.APIKey,
		url:         fmt.Sprintf("%s/%s:generateContent", strings.TrimRight(baseURL, "/"), cfg.Model),
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  retryDelay,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	body := geminiRequest{
		Contents: []geminiContent{
			{
				Role:  "user",
				Parts: []geminiPart{{Text: prompt}},
			},
		},
		GenerationConfig: &geminiGenConfig{
			MaxOutputTokens: g.maxTokens,
		},
	}
	if g.temperature > 0 {
		body.GenerationConfig.Temperature = &g.temperature
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	var text string
	err = retryWithBackoff(ctx, g.maxRetries, g.retryDelay, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", g.apiKey)

		httpResp, err := g.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
		defer httpResp.Body.Close()

		respBody, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		if err := statusError(httpResp.StatusCode, respBody); err != nil {
			return err
		}

		var result geminiResponse
		if err := json.Unmarshal(respBody, &result); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
			text = ""
			return nil
		}
		text = result.Candidates[0].Content.Parts[0].Text
		return nil
	})
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(text) == "" {
		return "", domain.ErrEmptyReview
	}
	return text, nil
}
