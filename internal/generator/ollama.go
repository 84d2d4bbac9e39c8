// Package generator holds the review-text generators the pipeline can call.
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

const defaultOllamaURL = "http://localhost:11434"

// OllamaConfig holds settings for a local Ollama server
type OllamaConfig struct {
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

// Ollama generates reviews through the Ollama /api/generate endpoint
type Ollama struct {
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	maxRetries  int
	retryDelay  time.Duration
	client      *http.Client
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllama creates an Ollama generator
func NewOllama(cfg OllamaConfig) (*Ollama, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama model is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	return &Ollama{
		baseURL:     baseURL + "/api/generate",
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  retryDelay,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(ollamaRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: false,
		Options: ollamaOptions{
			Temperature: o.temperature,
			NumPredict:  o.maxTokens,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	var text string
	err = retryWithBackoff(ctx, o.maxRetries, o.retryDelay, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := o.client.Do(httpReq)
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

		var result ollamaResponse
		if err := json.Unmarshal(respBody, &result); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		text = result.Response
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
