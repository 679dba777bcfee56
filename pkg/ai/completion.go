package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ChatMessage is one turn of model input.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is a finished model answer with token accounting.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completer generates chat completions. CompleteStream invokes onDelta for
// every text fragment as it arrives; returning an error from onDelta aborts
// the stream. Both methods return the final completion.
type Completer interface {
	Complete(ctx context.Context, system string, messages []ChatMessage) (Completion, error)
	CompleteStream(ctx context.Context, system string, messages []ChatMessage, onDelta func(string) error) (Completion, error)
}

// OpenAIClient calls any OpenAI-compatible /v1/chat/completions endpoint.
// Works with vLLM, LiteLLM, LocalAI, OpenRouter, self-hosted models, etc.
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

// NewOpenAIClient builds an OpenAI-compatible Completer. baseURL should
// include the /v1 prefix, e.g. "https://api.openai.com/v1". apiKey can be
// empty for local models that do not require authentication.
func NewOpenAIClient(baseURL, apiKey, model string, maxTokens int, temperature float64) *OpenAIClient {
	return &OpenAIClient{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:      strings.TrimSpace(apiKey),
		model:       strings.TrimSpace(model),
		maxTokens:   maxTokens,
		temperature: temperature,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Complete implements the blocking completion call.
func (c *OpenAIClient) Complete(ctx context.Context, system string, messages []ChatMessage) (Completion, error) {
	resp, err := c.send(ctx, system, messages, false)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return Completion{}, fmt.Errorf("completion decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return Completion{}, fmt.Errorf("empty response from completion api")
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return Completion{}, fmt.Errorf("empty response from completion api")
	}
	out := Completion{Text: text, Model: chatResp.Model}
	if out.Model == "" {
		out.Model = c.model
	}
	if chatResp.Usage != nil {
		out.PromptTokens = chatResp.Usage.PromptTokens
		out.CompletionTokens = chatResp.Usage.CompletionTokens
		out.TotalTokens = chatResp.Usage.TotalTokens
	}
	return out, nil
}

// CompleteStream implements the streaming completion call over SSE frames.
func (c *OpenAIClient) CompleteStream(ctx context.Context, system string, messages []ChatMessage, onDelta func(string) error) (Completion, error) {
	resp, err := c.send(ctx, system, messages, true)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()

	out := Completion{Model: c.model}
	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return Completion{}, fmt.Errorf("completion stream decode: %w", err)
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage != nil {
			out.PromptTokens = chunk.Usage.PromptTokens
			out.CompletionTokens = chunk.Usage.CompletionTokens
			out.TotalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		text.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Completion{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Completion{}, fmt.Errorf("completion stream read: %w", err)
	}
	out.Text = text.String()
	if strings.TrimSpace(out.Text) == "" {
		return Completion{}, fmt.Errorf("empty response from completion api")
	}
	return out, nil
}

func (c *OpenAIClient) send(ctx context.Context, system string, messages []ChatMessage, stream bool) (*http.Response, error) {
	if c.model == "" {
		return nil, fmt.Errorf("completion model required")
	}
	all := make([]ChatMessage, 0, len(messages)+1)
	if strings.TrimSpace(system) != "" {
		all = append(all, ChatMessage{Role: "system", Content: system})
	}
	all = append(all, messages...)

	reqBody := oaiChatRequest{
		Model:       c.model,
		Messages:    all,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Stream:      stream,
	}
	if stream {
		reqBody.StreamOptions = &oaiStreamOptions{IncludeUsage: true}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return nil, fmt.Errorf("completion api error: %s", errResp.Error.Message)
		}
		return nil, fmt.Errorf("completion api error: %s", resp.Status)
	}
	return resp, nil
}

// OpenAI-compatible request/response types.

type oaiChatRequest struct {
	Model         string            `json:"model"`
	Messages      []ChatMessage     `json:"messages"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Temperature   float64           `json:"temperature"`
	Stream        bool              `json:"stream,omitempty"`
	StreamOptions *oaiStreamOptions `json:"stream_options,omitempty"`
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Usage *oaiUsage `json:"usage"`
}

type oaiStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *oaiUsage `json:"usage"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
