package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAIReasoner runs inference against an OpenAI-compatible chat
// completions API. Works with OpenAI, Azure OpenAI, Together AI and
// Ollama's /v1 endpoint.
type OpenAIReasoner struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

func NewOpenAIReasoner(baseURL, apiKey, model string) *OpenAIReasoner {
	if model == "" {
		model = "gpt-4"
	}
	return &OpenAIReasoner{
		client:  &http.Client{Timeout: 120 * time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
	}
}

func (r *OpenAIReasoner) Infer(ctx context.Context, task string) (string, error) {
	url := fmt.Sprintf("%s/chat/completions", r.baseURL)

	payload := map[string]interface{}{
		"model": r.model,
		"messages": []map[string]string{
			{"role": "user", "content": task},
		},
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	return result.Choices[0].Message.Content, nil
}
