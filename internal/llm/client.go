// Package llm wraps the model provider behind a chat interface: messages in,
// either assistant text or a tool call out. Requests are hard-aborted by
// context cancellation.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// ClientConfig carries provider settings.
type ClientConfig struct {
	BaseURL    string
	Model      string
	TitleModel string
	APIKey     string
	MaxTokens  int
}

// ToolSpec declares one callable tool in provider wire shape.
type ToolSpec struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ExecuteJSToolSpec is the single tool the orchestrator offers the model: a
// full replacement userscript to run against the current page.
func ExecuteJSToolSpec() ToolSpec {
	return ToolSpec{
		Type: "function",
		Function: FunctionSpec{
			Name:        "execute_js",
			Description: "Execute a complete replacement userscript against the current page. Always pass the entire script, not a fragment.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"jsScript": {
						"type": "string",
						"description": "The complete JavaScript userscript to run."
					}
				},
				"required": ["jsScript"]
			}`),
		},
	}
}

// ChatRequest is one completion request. Messages use the provider wire
// shape directly (role/content maps, with tool_calls and tool results where
// the history includes them).
type ChatRequest struct {
	Messages []map[string]any
	Tools    []ToolSpec
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ChatResult is the parsed completion: assistant text and/or tool calls.
type ChatResult struct {
	Content   string
	ToolCalls []ToolCall
}

// HasToolCalls reports whether the model asked to run a tool.
func (r ChatResult) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	cfg     ClientConfig
	service openai.ChatCompletionService
}

// NewClient builds a Client. A nil httpClient falls back to the default.
func NewClient(cfg ClientConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithHTTPClient(httpClient)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	return &Client{
		cfg:     cfg,
		service: openai.NewChatCompletionService(opts...),
	}
}

// Chat sends one completion request and parses the first choice. Context
// cancellation aborts the underlying network request.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	params, err := c.toSDKRequest(c.cfg.Model, req)
	if err != nil {
		return nil, err
	}
	var rawResp *http.Response
	var rawBody []byte
	_, err = c.service.New(
		ctx,
		params,
		option.WithResponseInto(&rawResp),
		option.WithResponseBodyInto(&rawBody),
	)
	if err != nil {
		return nil, c.wrapRequestError(err, rawResp)
	}
	if len(rawBody) == 0 {
		return nil, errors.New("chat api returned empty response")
	}
	return parseChatResult(rawBody)
}

// GenerateTitle asks the (cheaper) title model for a short task name.
func (c *Client) GenerateTitle(ctx context.Context, prompt string) (string, error) {
	model := strings.TrimSpace(c.cfg.TitleModel)
	if model == "" {
		model = c.cfg.Model
	}
	req := ChatRequest{
		Messages: []map[string]any{
			{"role": "system", "content": "Produce a concise title (max 6 words) for a browser userscript created from the user's request. Reply with the title only."},
			{"role": "user", "content": prompt},
		},
	}
	params, err := c.toSDKRequest(model, req)
	if err != nil {
		return "", err
	}
	var rawResp *http.Response
	var rawBody []byte
	_, err = c.service.New(
		ctx,
		params,
		option.WithResponseInto(&rawResp),
		option.WithResponseBodyInto(&rawBody),
	)
	if err != nil {
		return "", c.wrapRequestError(err, rawResp)
	}
	result, err := parseChatResult(rawBody)
	if err != nil {
		return "", err
	}
	title := strings.TrimSpace(strings.Trim(result.Content, `"`))
	return title, nil
}

func (c *Client) toSDKRequest(model string, req ChatRequest) (openai.ChatCompletionNewParams, error) {
	var out openai.ChatCompletionNewParams
	out.Model = openai.ChatModel(strings.TrimSpace(model))
	if c.cfg.MaxTokens > 0 {
		out.MaxCompletionTokens = param.NewOpt(int64(c.cfg.MaxTokens))
	}
	messages, err := toSDKMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	out.Messages = messages
	if len(req.Tools) > 0 {
		tools, err := toSDKTools(req.Tools)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		out.Tools = tools
	}
	return out, nil
}

func toSDKMessages(messages []map[string]any) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for i, rawMsg := range messages {
		raw, err := json.Marshal(rawMsg)
		if err != nil {
			return nil, fmt.Errorf("marshal chat message[%d] failed: %w", i, err)
		}
		var msg openai.ChatCompletionMessageParamUnion
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode chat message[%d] failed: %w", i, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func toSDKTools(tools []ToolSpec) ([]openai.ChatCompletionToolParam, error) {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for i, spec := range tools {
		raw, err := json.Marshal(spec)
		if err != nil {
			return nil, fmt.Errorf("marshal chat tool[%d] failed: %w", i, err)
		}
		var tool openai.ChatCompletionToolParam
		if err := json.Unmarshal(raw, &tool); err != nil {
			return nil, fmt.Errorf("decode chat tool[%d] failed: %w", i, err)
		}
		out = append(out, tool)
	}
	return out, nil
}

type chatPayload struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func parseChatResult(raw []byte) (*ChatResult, error) {
	var decoded chatPayload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode chat response failed: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("chat response carried no choices")
	}
	msg := decoded.Choices[0].Message
	out := &ChatResult{Content: msg.Content}
	for _, call := range msg.ToolCalls {
		if strings.TrimSpace(call.Type) != "function" && call.Type != "" {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        strings.TrimSpace(call.ID),
			Name:      strings.TrimSpace(call.Function.Name),
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}
	return out, nil
}

func (c *Client) wrapRequestError(err error, rawResp *http.Response) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		resp := rawResp
		if resp == nil {
			resp = apiErr.Response
		}
		body := strings.TrimSpace(apiErr.RawJSON())
		if body == "" {
			body = strings.TrimSpace(err.Error())
		}
		return fmt.Errorf(
			"chat api status %d request_id=%q response=%s",
			apiErr.StatusCode,
			chatRequestID(resp),
			body,
		)
	}
	return fmt.Errorf("chat request failed: %w", err)
}

func chatRequestID(resp *http.Response) string {
	if resp == nil || resp.Header == nil {
		return ""
	}
	for _, key := range []string{"x-request-id", "request-id", "openai-request-id", "x-openai-request-id"} {
		value := strings.TrimSpace(resp.Header.Get(key))
		if value != "" {
			return value
		}
	}
	return ""
}
