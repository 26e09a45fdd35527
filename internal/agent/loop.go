package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/inference-gateway/sdk"
	"github.com/rs/zerolog/log"
)

// RunOptions configures a single agent run.
type RunOptions struct {
	SystemPrompt  string
	ContextPrefix string
	Query         string
	// AllowedTools restricts which qualified tool names this run may
	// execute. Empty, or a list containing "Any", permits every tool the
	// registry exposes.
	AllowedTools []string
}

// RunResult is the outcome of a completed run.
type RunResult struct {
	Answer    string
	ToolsUsed []string
}

// Loop drives the model/tool conversation until the model stops asking for
// tools or the iteration cap is hit.
type Loop struct {
	model         ModelClient
	tools         ToolSource
	retryAttempts uint
}

func NewLoop(model ModelClient, tools ToolSource) *Loop {
	return &Loop{
		model:         model,
		tools:         tools,
		retryAttempts: defaultRetryAttempts,
	}
}

func (l *Loop) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	return l.run(ctx, opts, nil, nil)
}

func (l *Loop) run(ctx context.Context, opts RunOptions, onToken func(string), emit func(Event)) (RunResult, error) {
	allowed := allowedSet(opts.AllowedTools)

	catalog, err := l.tools.ListTools(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("discover tools: %w", err)
	}

	sdkTools := buildSDKTools(catalog, allowed)
	messages := buildMessages(opts)

	var toolsUsed []string

	for iteration := 0; iteration < MaxIterations; iteration++ {
		reply, err := l.complete(ctx, messages, sdkTools, onToken)
		if err != nil {
			return RunResult{}, fmt.Errorf("model call: %w", err)
		}

		if len(reply.ToolCalls) == 0 {
			return RunResult{Answer: reply.Content, ToolsUsed: toolsUsed}, nil
		}

		messages = append(messages, assistantMessage(reply))

		for _, call := range reply.ToolCalls {
			if emit != nil {
				emit(Event{Kind: EventToolCall, ToolName: call.Name, ToolArgs: call.Arguments})
			}

			result := l.executeCall(ctx, call, allowed, &toolsUsed)
			if emit != nil {
				emit(Event{Kind: EventToolResult, ToolName: call.Name, Content: result})
			}

			id := call.ID
			messages = append(messages, sdk.Message{
				Role:       sdk.Tool,
				Content:    sdk.NewMessageContent(result),
				ToolCallId: &id,
			})
		}
	}

	log.Warn().Int("iterations", MaxIterations).Msg("tool loop exhausted iteration cap")
	return RunResult{Answer: partialCompletionMessage(toolsUsed), ToolsUsed: toolsUsed}, nil
}

// partialCompletionMessage labels an answer cut short by the iteration cap.
// The cap is the guard against runaway tool-call cycles, so this is an
// expected terminal outcome, not an error.
func partialCompletionMessage(toolsUsed []string) string {
	msg := fmt.Sprintf("Partial result: stopped after reaching the limit of %d tool-calling rounds.", MaxIterations)
	if len(toolsUsed) > 0 {
		msg += " Tools executed so far: " + strings.Join(toolsUsed, ", ") + "."
	}
	return msg
}

func (l *Loop) complete(ctx context.Context, messages []sdk.Message, tools []sdk.ChatCompletionTool, onToken func(string)) (Reply, error) {
	var reply Reply
	err := withRetry(ctx, l.retryAttempts, func() error {
		var callErr error
		if onToken != nil {
			reply, callErr = l.model.Stream(ctx, messages, tools, onToken)
		} else {
			reply, callErr = l.model.Complete(ctx, messages, tools)
		}
		return callErr
	})
	return reply, err
}

// executeCall runs one tool call. Failures and allowlist violations are
// returned as text for the model to react to rather than aborting the run.
func (l *Loop) executeCall(ctx context.Context, call ToolCall, allowed map[string]struct{}, toolsUsed *[]string) string {
	if !isAllowed(call.Name, allowed) {
		log.Warn().Str("tool", call.Name).Msg("blocked tool call outside allowlist")
		return fmt.Sprintf("error: tool %q is not permitted for this run", call.Name)
	}

	args := map[string]any{}
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return fmt.Sprintf("error: malformed tool arguments: %v", err)
		}
	}

	var result string
	err := withRetry(ctx, l.retryAttempts, func() error {
		var callErr error
		result, callErr = l.tools.CallTool(ctx, call.Name, args)
		return callErr
	})
	if err != nil {
		log.Warn().Err(err).Str("tool", call.Name).Msg("tool execution failed")
		return fmt.Sprintf("error: %v", err)
	}

	*toolsUsed = append(*toolsUsed, call.Name)
	return result
}

func buildMessages(opts RunOptions) []sdk.Message {
	var messages []sdk.Message
	if opts.SystemPrompt != "" {
		messages = append(messages, sdk.Message{Role: sdk.System, Content: sdk.NewMessageContent(opts.SystemPrompt)})
	}
	query := opts.Query
	if opts.ContextPrefix != "" {
		query = opts.ContextPrefix + "\n" + query
	}
	return append(messages, sdk.Message{Role: sdk.User, Content: sdk.NewMessageContent(query)})
}

func buildSDKTools(catalog []ToolDescriptor, allowed map[string]struct{}) []sdk.ChatCompletionTool {
	var tools []sdk.ChatCompletionTool
	for _, tool := range catalog {
		qualified := tool.Qualified()
		if !isAllowed(qualified, allowed) {
			continue
		}

		var parameters *sdk.FunctionParameters
		if schemaMap, ok := tool.Schema.(map[string]any); ok {
			params := sdk.FunctionParameters(schemaMap)
			parameters = &params
		} else {
			defaultParams := sdk.FunctionParameters{
				"type":       "object",
				"properties": map[string]any{},
			}
			parameters = &defaultParams
		}

		description := tool.Description
		tools = append(tools, sdk.ChatCompletionTool{
			Type: sdk.Function,
			Function: sdk.FunctionObject{
				Name:        qualified,
				Description: &description,
				Parameters:  parameters,
			},
		})
	}
	return tools
}

func assistantMessage(reply Reply) sdk.Message {
	calls := make([]sdk.ChatCompletionMessageToolCall, 0, len(reply.ToolCalls))
	for _, call := range reply.ToolCalls {
		calls = append(calls, sdk.ChatCompletionMessageToolCall{
			Id:   call.ID,
			Type: sdk.Function,
			Function: sdk.ChatCompletionMessageToolCallFunction{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	return sdk.Message{
		Role:      sdk.Assistant,
		Content:   sdk.NewMessageContent(reply.Content),
		ToolCalls: &calls,
	}
}

// allowedSet returns nil when every tool is permitted.
func allowedSet(list []string) map[string]struct{} {
	if len(list) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(list))
	for _, name := range list {
		name = strings.TrimSpace(name)
		if strings.EqualFold(name, "any") {
			return nil
		}
		if name != "" {
			set[name] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func isAllowed(qualified string, allowed map[string]struct{}) bool {
	if allowed == nil {
		return true
	}
	_, ok := allowed[qualified]
	return ok
}
