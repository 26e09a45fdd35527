package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	sdk "github.com/inference-gateway/sdk"
)

// scriptedModel returns canned replies in order, repeating the last one.
type scriptedModel struct {
	mu      sync.Mutex
	replies []Reply
	errs    []error
	calls   int
}

func (m *scriptedModel) next() (Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.calls
	m.calls++

	if idx < len(m.errs) && m.errs[idx] != nil {
		return Reply{}, m.errs[idx]
	}
	if idx >= len(m.replies) {
		idx = len(m.replies) - 1
	}
	return m.replies[idx], nil
}

func (m *scriptedModel) Complete(ctx context.Context, messages []sdk.Message, tools []sdk.ChatCompletionTool) (Reply, error) {
	return m.next()
}

func (m *scriptedModel) Stream(ctx context.Context, messages []sdk.Message, tools []sdk.ChatCompletionTool, onToken func(string)) (Reply, error) {
	reply, err := m.next()
	if err == nil && onToken != nil && reply.Content != "" {
		onToken(reply.Content)
	}
	return reply, err
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// recordingTools is a ToolSource that records executions.
type recordingTools struct {
	mu       sync.Mutex
	catalog  []ToolDescriptor
	executed []string
	result   string
	err      error
}

func (t *recordingTools) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	return t.catalog, nil
}

func (t *recordingTools) CallTool(ctx context.Context, qualified string, args map[string]any) (string, error) {
	t.mu.Lock()
	t.executed = append(t.executed, qualified)
	t.mu.Unlock()

	if t.err != nil {
		return "", t.err
	}
	if t.result != "" {
		return t.result, nil
	}
	return "ok", nil
}

func (t *recordingTools) executions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.executed))
	copy(out, t.executed)
	return out
}

func testCatalog() []ToolDescriptor {
	return []ToolDescriptor{
		{Alias: "jira", Name: "create_ticket", Description: "create a ticket"},
		{Alias: "aws", Name: "assume_role", Description: "assume an IAM role"},
	}
}

func toolCallReply(name string) Reply {
	return Reply{ToolCalls: []ToolCall{{ID: "call_1", Name: name, Arguments: `{"key":"value"}`}}}
}

func TestRunFinalWithoutTools(t *testing.T) {
	model := &scriptedModel{replies: []Reply{{Content: "done"}}}
	tools := &recordingTools{catalog: testCatalog()}
	loop := NewLoop(model, tools)

	result, err := loop.Run(context.Background(), RunOptions{Query: "hello"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Answer != "done" {
		t.Errorf("unexpected answer: %q", result.Answer)
	}
	if len(tools.executions()) != 0 {
		t.Errorf("no tools should have run, got %v", tools.executions())
	}
}

func TestRunExecutesToolThenFinal(t *testing.T) {
	model := &scriptedModel{replies: []Reply{
		toolCallReply("jira__create_ticket"),
		{Content: "ticket created"},
	}}
	tools := &recordingTools{catalog: testCatalog(), result: "PROJ-123"}
	loop := NewLoop(model, tools)

	result, err := loop.Run(context.Background(), RunOptions{Query: "file a ticket"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Answer != "ticket created" {
		t.Errorf("unexpected answer: %q", result.Answer)
	}
	if got := tools.executions(); len(got) != 1 || got[0] != "jira__create_ticket" {
		t.Errorf("unexpected executions: %v", got)
	}
	if len(result.ToolsUsed) != 1 || result.ToolsUsed[0] != "jira__create_ticket" {
		t.Errorf("unexpected tools used: %v", result.ToolsUsed)
	}
}

func TestRunIterationBound(t *testing.T) {
	model := &scriptedModel{replies: []Reply{toolCallReply("jira__create_ticket")}}
	tools := &recordingTools{catalog: testCatalog()}
	loop := NewLoop(model, tools)

	result, err := loop.Run(context.Background(), RunOptions{Query: "loop forever"})
	if err != nil {
		t.Fatalf("iteration cap must not error: %v", err)
	}
	if got := model.callCount(); got != MaxIterations {
		t.Errorf("expected exactly %d model calls, got %d", MaxIterations, got)
	}
	if !strings.Contains(result.Answer, "Partial result") {
		t.Errorf("expected labeled partial answer, got %q", result.Answer)
	}
}

func TestRunEnforcesAllowlist(t *testing.T) {
	model := &scriptedModel{replies: []Reply{
		toolCallReply("aws__assume_role"),
		{Content: "gave up"},
	}}
	tools := &recordingTools{catalog: testCatalog()}
	loop := NewLoop(model, tools)

	result, err := loop.Run(context.Background(), RunOptions{
		Query:        "assume the admin role",
		AllowedTools: []string{"jira__create_ticket"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(tools.executions()) != 0 {
		t.Errorf("disallowed tool must not execute, got %v", tools.executions())
	}
	if result.Answer != "gave up" {
		t.Errorf("unexpected answer: %q", result.Answer)
	}
}

func TestRunAllowAnyKeyword(t *testing.T) {
	model := &scriptedModel{replies: []Reply{
		toolCallReply("aws__assume_role"),
		{Content: "done"},
	}}
	tools := &recordingTools{catalog: testCatalog()}
	loop := NewLoop(model, tools)

	_, err := loop.Run(context.Background(), RunOptions{
		Query:        "assume role",
		AllowedTools: []string{"Any"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := tools.executions(); len(got) != 1 {
		t.Errorf("expected tool to execute under Any, got %v", got)
	}
}

func TestRunRetriesTransientModelErrors(t *testing.T) {
	transient := &TransientError{Err: fmt.Errorf("gateway 503")}
	model := &scriptedModel{
		errs:    []error{transient, transient},
		replies: []Reply{{}, {}, {Content: "recovered"}},
	}
	loop := NewLoop(model, &recordingTools{catalog: testCatalog()})

	result, err := loop.Run(context.Background(), RunOptions{Query: "hi"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Answer != "recovered" {
		t.Errorf("unexpected answer: %q", result.Answer)
	}
	if got := model.callCount(); got != 3 {
		t.Errorf("expected 2 retries then success (3 calls), got %d", got)
	}
}

func TestRunPermanentModelErrorFailsFast(t *testing.T) {
	model := &scriptedModel{errs: []error{fmt.Errorf("bad request")}}
	loop := NewLoop(model, &recordingTools{catalog: testCatalog()})

	_, err := loop.Run(context.Background(), RunOptions{Query: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := model.callCount(); got != 1 {
		t.Errorf("permanent errors must not retry, got %d calls", got)
	}
}

func TestRunFeedsToolFailureBack(t *testing.T) {
	model := &scriptedModel{replies: []Reply{
		toolCallReply("jira__create_ticket"),
		{Content: "could not create the ticket"},
	}}
	tools := &recordingTools{catalog: testCatalog(), err: fmt.Errorf("server exploded")}
	loop := NewLoop(model, tools)

	result, err := loop.Run(context.Background(), RunOptions{Query: "file a ticket"})
	if err != nil {
		t.Fatalf("tool failure must not abort the run: %v", err)
	}
	if result.Answer != "could not create the ticket" {
		t.Errorf("unexpected answer: %q", result.Answer)
	}
	if len(result.ToolsUsed) != 0 {
		t.Errorf("failed call must not count as used: %v", result.ToolsUsed)
	}
}

func TestBuildMessagesEncodesContent(t *testing.T) {
	messages := buildMessages(RunOptions{
		SystemPrompt:  "be careful",
		ContextPrefix: "earlier turns",
		Query:         "do the thing",
	})
	if len(messages) != 2 {
		t.Fatalf("expected system + user message, got %d", len(messages))
	}

	system, err := messages[0].Content.AsMessageContent0()
	if err != nil || system != "be careful" {
		t.Errorf("unexpected system content: %q (%v)", system, err)
	}
	user, err := messages[1].Content.AsMessageContent0()
	if err != nil || user != "earlier turns\ndo the thing" {
		t.Errorf("unexpected user content: %q (%v)", user, err)
	}
}

func TestAssistantMessageCarriesToolCalls(t *testing.T) {
	msg := assistantMessage(Reply{
		Content:   "let me check",
		ToolCalls: []ToolCall{{ID: "call_1", Name: "jira__create_ticket", Arguments: `{"summary":"x"}`}},
	})

	content, err := msg.Content.AsMessageContent0()
	if err != nil || content != "let me check" {
		t.Errorf("unexpected content: %q (%v)", content, err)
	}
	if msg.ToolCalls == nil || len(*msg.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %+v", msg.ToolCalls)
	}
	if (*msg.ToolCalls)[0].Function.Name != "jira__create_ticket" {
		t.Errorf("unexpected tool call: %+v", (*msg.ToolCalls)[0])
	}
}

func TestSplitQualified(t *testing.T) {
	alias, name, ok := SplitQualified("jira__create_ticket")
	if !ok || alias != "jira" || name != "create_ticket" {
		t.Errorf("unexpected split: %s %s %v", alias, name, ok)
	}

	alias, name, ok = SplitQualified("jira__export__csv")
	if !ok || alias != "jira" || name != "export__csv" {
		t.Errorf("expected split on first separator, got %s %s %v", alias, name, ok)
	}

	if _, _, ok := SplitQualified("notqualified"); ok {
		t.Error("expected failure for unqualified name")
	}
	if _, _, ok := SplitQualified("__leading"); ok {
		t.Error("expected failure for empty alias")
	}
}
