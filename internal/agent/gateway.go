package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	sdk "github.com/inference-gateway/sdk"
	"github.com/rs/zerolog/log"
)

// GatewayConfig points the agent at an inference gateway deployment.
type GatewayConfig struct {
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	Provider  string `json:"provider" mapstructure:"provider"`
	Model     string `json:"model" mapstructure:"model"`
	MaxTokens int    `json:"max_tokens" mapstructure:"max_tokens"`
}

// GatewayClient talks to the inference gateway through its SDK.
type GatewayClient struct {
	client    sdk.Client
	provider  sdk.Provider
	model     string
	maxTokens int
}

func NewGatewayClient(cfg GatewayConfig) *GatewayClient {
	baseURL := cfg.BaseURL
	if !strings.HasSuffix(baseURL, "/v1") {
		baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
	}

	client := sdk.NewClient(&sdk.ClientOptions{
		BaseURL: baseURL,
		APIKey:  cfg.APIKey,
	})

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &GatewayClient{
		client:    client,
		provider:  sdk.Provider(cfg.Provider),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

func (g *GatewayClient) Complete(ctx context.Context, messages []sdk.Message, tools []sdk.ChatCompletionTool) (Reply, error) {
	client := g.client.WithOptions(&sdk.CreateChatCompletionRequest{
		MaxTokens: &g.maxTokens,
	})
	if len(tools) > 0 {
		client = client.WithTools(&tools)
	}

	response, err := client.GenerateContent(ctx, g.provider, g.model, messages)
	if err != nil {
		return Reply{}, classifyGatewayErr(fmt.Errorf("generate content: %w", err))
	}
	if len(response.Choices) == 0 {
		return Reply{}, fmt.Errorf("gateway returned no choices")
	}

	choice := response.Choices[0]
	// Tool-call-only turns carry no text content.
	content, _ := choice.Message.Content.AsMessageContent0()
	reply := Reply{Content: content}
	if choice.Message.ToolCalls != nil {
		for _, call := range *choice.Message.ToolCalls {
			reply.ToolCalls = append(reply.ToolCalls, ToolCall{
				ID:        call.Id,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
	}
	return reply, nil
}

func (g *GatewayClient) Stream(ctx context.Context, messages []sdk.Message, tools []sdk.ChatCompletionTool, onToken func(string)) (Reply, error) {
	client := g.client.WithOptions(&sdk.CreateChatCompletionRequest{
		MaxTokens: &g.maxTokens,
	})
	if len(tools) > 0 {
		client = client.WithTools(&tools)
	}

	events, err := client.GenerateContentStream(ctx, g.provider, g.model, messages)
	if err != nil {
		return Reply{}, classifyGatewayErr(fmt.Errorf("open stream: %w", err))
	}

	var (
		content    strings.Builder
		callChunks []sdk.ChatCompletionMessageToolCallChunk
	)

	for event := range events {
		select {
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		default:
		}

		if event.Data == nil {
			continue
		}

		var chunk sdk.CreateChatCompletionStreamResponse
		if err := json.Unmarshal(*event.Data, &chunk); err != nil {
			log.Warn().Err(err).Msg("malformed stream chunk")
			continue
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if onToken != nil {
					onToken(choice.Delta.Content)
				}
			}
			callChunks = append(callChunks, choice.Delta.ToolCalls...)
		}
	}

	return Reply{
		Content:   content.String(),
		ToolCalls: assembleToolCalls(callChunks),
	}, nil
}

// statusCodeRe matches the status the gateway SDK embeds in its error text,
// e.g. "API error: bad request (status code: 400)".
var statusCodeRe = regexp.MustCompile(`status code: (\d{3})`)

// classifyGatewayErr marks retryable failures as transient: timeouts,
// connection failures, throttling, and server-side errors. Everything else
// passes through unwrapped so the retry layer fails fast.
func classifyGatewayErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if m := statusCodeRe.FindStringSubmatch(err.Error()); m != nil {
		switch code, _ := strconv.Atoi(m[1]); code {
		case http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return &TransientError{Err: err}
		default:
			return err
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Err: err}
	}

	msg := err.Error()
	for _, marker := range []string{"connection refused", "connection reset", "no such host", "i/o timeout", "EOF"} {
		if strings.Contains(msg, marker) {
			return &TransientError{Err: err}
		}
	}
	return err
}

// assembleToolCalls merges streamed tool-call deltas. Chunks for one call
// share an index; name and id arrive on the first chunk, arguments arrive
// in fragments.
func assembleToolCalls(chunks []sdk.ChatCompletionMessageToolCallChunk) []ToolCall {
	byIndex := make(map[int]*ToolCall)
	var order []int

	for _, chunk := range chunks {
		call, exists := byIndex[chunk.Index]
		if !exists {
			call = &ToolCall{}
			byIndex[chunk.Index] = call
			order = append(order, chunk.Index)
		}
		if chunk.ID != "" {
			call.ID = chunk.ID
		}
		if chunk.Function.Name != "" {
			call.Name = chunk.Function.Name
		}
		call.Arguments += chunk.Function.Arguments
	}

	sort.Ints(order)
	calls := make([]ToolCall, 0, len(order))
	for _, idx := range order {
		calls = append(calls, *byIndex[idx])
	}
	return calls
}
