// Package agent runs the tool-calling loop: it hands the model a tool
// catalog discovered from MCP servers, executes the calls the model makes,
// and feeds results back until the model produces a final answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/inference-gateway/sdk"
)

// toolNameSep joins a server alias and a short tool name into the qualified
// name exposed to the model, e.g. "jira__create_ticket".
const toolNameSep = "__"

// MaxIterations bounds the number of model round-trips in one run. Hitting
// it ends the run with a labeled partial answer rather than an error.
const MaxIterations = 20

// ToolDescriptor is one tool discovered on an MCP server.
type ToolDescriptor struct {
	Alias       string
	Name        string
	Description string
	Schema      any
}

func (d ToolDescriptor) Qualified() string {
	return d.Alias + toolNameSep + d.Name
}

// SplitQualified splits "alias__name" back into its parts. Tool names may
// themselves contain the separator, so only the first occurrence splits.
func SplitQualified(qualified string) (alias, name string, ok bool) {
	idx := strings.Index(qualified, toolNameSep)
	if idx <= 0 || idx+len(toolNameSep) >= len(qualified) {
		return "", "", false
	}
	return qualified[:idx], qualified[idx+len(toolNameSep):], true
}

// ToolSource exposes discovered tools and executes them by qualified name.
type ToolSource interface {
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, qualified string, args map[string]any) (string, error)
}

// ToolCall is one call the model asked for.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Reply is one model turn: either content, tool calls, or both.
type Reply struct {
	Content   string
	ToolCalls []ToolCall
}

// ModelClient abstracts the inference gateway for the loop.
type ModelClient interface {
	Complete(ctx context.Context, messages []sdk.Message, tools []sdk.ChatCompletionTool) (Reply, error)
	// Stream behaves like Complete but invokes onToken for each content
	// delta as it arrives.
	Stream(ctx context.Context, messages []sdk.Message, tools []sdk.ChatCompletionTool, onToken func(string)) (Reply, error)
}

// TransientError marks a failure worth retrying, such as a gateway 429/5xx
// or a dropped connection.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// EventKind enumerates the streaming events emitted by RunStream.
type EventKind string

const (
	EventToken      EventKind = "token"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventFinal      EventKind = "final"
	EventError      EventKind = "error"
)

// Event is one streamed occurrence during a run. Exactly one final or error
// event terminates the stream.
type Event struct {
	Kind     EventKind `json:"kind"`
	Content  string    `json:"content,omitempty"`
	ToolName string    `json:"tool_name,omitempty"`
	ToolArgs string    `json:"tool_args,omitempty"`
	Error    string    `json:"error,omitempty"`
}
