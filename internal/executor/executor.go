// Package executor runs a task's workflow against an LLM provider. The node
// core only ever sees the Executor interface; concrete implementations live
// here and are opaque collaborators from the core's point of view.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cryptoklosh/dkn-compute-node/internal/models"
	"github.com/cryptoklosh/dkn-compute-node/internal/taskerr"
	"github.com/cryptoklosh/dkn-compute-node/pkg/version"
)

// Result is the successful outcome of running a workflow.
type Result struct {
	Output     string
	TokenCount int
}

// Executor runs a workflow and returns either a Result or a TaskError, never
// both, matching the task dispatch engine's result/error exclusivity rule.
type Executor interface {
	Run(ctx context.Context, workflow map[string]any) (*Result, *taskerr.TaskError)
}

// prompt extracts the "prompt" field a workflow carries; every provider
// executor in this package expects a single free-text prompt.
func prompt(workflow map[string]any) (string, error) {
	v, ok := workflow["prompt"]
	if !ok {
		return "", fmt.Errorf("workflow has no \"prompt\" field")
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("workflow \"prompt\" field is not a string")
	}
	return s, nil
}

// HTTPExecutor targets a hosted chat-completion API (OpenAI, Gemini,
// OpenRouter) over an OpenAI-compatible REST surface.
type HTTPExecutor struct {
	Provider models.Provider
	BaseURL  string
	APIKey   string
	Model    string
	Client   *http.Client
}

// NewHTTPExecutor builds a provider-default HTTP executor; a nil client uses
// a 60s-timeout default client, matching the batch lane's network-bound
// execution assumption.
func NewHTTPExecutor(provider models.Provider, baseURL, apiKey, model string, client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPExecutor{Provider: provider, BaseURL: baseURL, APIKey: apiKey, Model: model, Client: client}
}

type chatCompletionRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (e *HTTPExecutor) Run(ctx context.Context, workflow map[string]any) (*Result, *taskerr.TaskError) {
	text, err := prompt(workflow)
	if err != nil {
		return nil, taskerr.Parse(err)
	}

	reqBody := chatCompletionRequest{Model: e.Model}
	reqBody.Messages = append(reqBody.Messages, struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: "user", Content: text})

	buf, err := json.Marshal(reqBody)
	if err != nil {
		return nil, taskerr.Executor(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return nil, taskerr.Executor(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if e.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	resp, err := e.Client.Do(httpReq)
	if err != nil {
		return nil, taskerr.HTTP(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, taskerr.HTTP(fmt.Errorf("read response: %w", err))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, taskerr.Executor(fmt.Errorf("decode response: %w", err))
	}

	if resp.StatusCode >= 400 {
		code := fmt.Sprintf("http_%d", resp.StatusCode)
		msg := string(body)
		if parsed.Error != nil {
			code = parsed.Error.Code
			msg = parsed.Error.Message
		}
		return nil, taskerr.Provider(string(e.Provider), code, msg)
	}

	if len(parsed.Choices) == 0 {
		return nil, taskerr.Provider(string(e.Provider), "empty_response", "provider returned no choices")
	}

	return &Result{Output: parsed.Choices[0].Message.Content, TokenCount: parsed.Usage.TotalTokens}, nil
}

// OllamaExecutor targets a locally configured Ollama instance. It is always
// used non-batchable: exactly one instance runs at a time per node.
type OllamaExecutor struct {
	Host   string
	Port   int
	Model  string
	Client *http.Client
}

func NewOllamaExecutor(host string, port int, model string, client *http.Client) *OllamaExecutor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &OllamaExecutor{Host: host, Port: port, Model: model, Client: client}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response  string `json:"response"`
	EvalCount int    `json:"eval_count"`
}

func (e *OllamaExecutor) Run(ctx context.Context, workflow map[string]any) (*Result, *taskerr.TaskError) {
	text, err := prompt(workflow)
	if err != nil {
		return nil, taskerr.Parse(err)
	}

	buf, err := json.Marshal(ollamaGenerateRequest{Model: e.Model, Prompt: text, Stream: false})
	if err != nil {
		return nil, taskerr.Executor(fmt.Errorf("marshal request: %w", err))
	}

	url := fmt.Sprintf("http://%s:%d/api/generate", e.Host, e.Port)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, taskerr.Executor(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := e.Client.Do(httpReq)
	if err != nil {
		return nil, taskerr.HTTP(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, taskerr.HTTP(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		return nil, taskerr.Provider(string(models.ProviderOllama), fmt.Sprintf("http_%d", resp.StatusCode), string(body))
	}

	var parsed ollamaGenerateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, taskerr.Executor(fmt.Errorf("decode response: %w", err))
	}

	return &Result{Output: parsed.Response, TokenCount: parsed.EvalCount}, nil
}

// MockExecutor is a deterministic stand-in used by tests.
type MockExecutor struct {
	Run_ func(ctx context.Context, workflow map[string]any) (*Result, *taskerr.TaskError)
}

func (e *MockExecutor) Run(ctx context.Context, workflow map[string]any) (*Result, *taskerr.TaskError) {
	return e.Run_(ctx, workflow)
}
