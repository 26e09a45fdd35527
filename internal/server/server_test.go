package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/agent"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/approval"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/audit"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/auth"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/orchestrator"
)

type stubGate struct {
	lastReq orchestrator.Request
	result  orchestrator.Result
	err     error
	events  []agent.Event
}

func (g *stubGate) Run(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error) {
	g.lastReq = req
	return g.result, g.err
}

func (g *stubGate) Stream(ctx context.Context, req orchestrator.Request) <-chan agent.Event {
	g.lastReq = req
	out := make(chan agent.Event, len(g.events))
	for _, ev := range g.events {
		out <- ev
	}
	close(out)
	return out
}

type testServer struct {
	server    *Server
	gate      *stubGate
	approvals *approval.Workflow
	audit     *audit.Store
	manager   *auth.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	gate := &stubGate{result: orchestrator.Result{Status: orchestrator.StatusCompleted, Answer: "done"}}
	workflow := approval.NewWorkflow(approval.NewMemoryStore(), nil)

	auditStore, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("audit store: %v", err)
	}
	t.Cleanup(func() { auditStore.Close() })

	manager := auth.NewManager(auth.Config{Secret: "test-secret", TokenTTL: time.Hour})
	hub := NewHub(workflow)
	t.Cleanup(hub.Shutdown)

	srv := New(Config{Port: 0}, gate, workflow, auditStore, manager, hub)

	return &testServer{server: srv, gate: gate, approvals: workflow, audit: auditStore, manager: manager}
}

func (ts *testServer) token(t *testing.T, roles ...string) string {
	t.Helper()
	token, err := ts.manager.GenerateToken(auth.User{ID: "u1", Username: "alice", Roles: roles})
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func (ts *testServer) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	ts.server.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestQueryRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/query", "", `{"query":"hello"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestQueryRunsGate(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, auth.RoleRequester)

	rec := ts.do(t, http.MethodPost, "/query", token, `{"query":"list s3 buckets","session_id":"s1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result orchestrator.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != orchestrator.StatusCompleted || result.Answer != "done" {
		t.Errorf("unexpected result: %+v", result)
	}
	if ts.gate.lastReq.Requester != "alice" || ts.gate.lastReq.SessionID != "s1" {
		t.Errorf("request not threaded through: %+v", ts.gate.lastReq)
	}
}

func TestQueryRejectsEmptyBody(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, auth.RoleRequester)

	rec := ts.do(t, http.MethodPost, "/query", token, `{"query":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for blank query, got %d", rec.Code)
	}
}

func TestQueryNoAllowedToolsConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.gate.result = orchestrator.Result{Status: orchestrator.StatusFailed, RequestID: "abc"}
	ts.gate.err = orchestrator.ErrNoAllowedTools
	token := ts.token(t, auth.RoleRequester)

	rec := ts.do(t, http.MethodPost, "/query", token, `{"query":"do it"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestQueryStreamEmitsSSE(t *testing.T) {
	ts := newTestServer(t)
	ts.gate.events = []agent.Event{
		{Kind: agent.EventToken, Content: "hel"},
		{Kind: agent.EventToken, Content: "lo"},
		{Kind: agent.EventFinal, Content: "hello"},
	}
	token := ts.token(t, auth.RoleRequester)

	rec := ts.do(t, http.MethodPost, "/query/stream", token, `{"query":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event-stream content type, got %q", ct)
	}

	frames := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d: %q", len(frames), rec.Body.String())
	}

	var last agent.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(frames[2], "data: ")), &last); err != nil {
		t.Fatalf("decode last frame: %v", err)
	}
	if last.Kind != agent.EventFinal {
		t.Errorf("expected final terminal event, got %q", last.Kind)
	}
}

func TestApprovalLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	item, _, err := ts.approvals.CreateOrGet(context.Background(), approval.NewItemRequest{
		Description: "assume prod role",
		Category:    "aws_role",
		Requester:   "bob",
	})
	if err != nil {
		t.Fatalf("seed approval: %v", err)
	}

	requesterToken := ts.token(t, auth.RoleRequester)
	approverToken := ts.token(t, auth.RoleApprover)

	rec := ts.do(t, http.MethodGet, "/approvals?status=pending", requesterToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), item.RequestID) {
		t.Errorf("pending item missing from list: %s", rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/approvals/"+item.RequestID, requesterToken, "")
	if rec.Code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/approvals/does-not-exist", requesterToken, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get missing: expected 404, got %d", rec.Code)
	}

	// Requesters cannot decide.
	rec = ts.do(t, http.MethodPost, "/approvals/"+item.RequestID+"/decide", requesterToken,
		`{"approve":true,"allowed_tools":["aws__assume_role"]}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("decide as requester: expected 403, got %d", rec.Code)
	}

	// Approving without tools is an operator mistake caught up front.
	rec = ts.do(t, http.MethodPost, "/approvals/"+item.RequestID+"/decide", approverToken,
		`{"approve":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("decide without tools: expected 400, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/approvals/"+item.RequestID+"/decide", approverToken,
		`{"approve":true,"allowed_tools":["aws__assume_role"],"reason":"scoped to read"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("decide: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var decided approval.Item
	if err := json.Unmarshal(rec.Body.Bytes(), &decided); err != nil {
		t.Fatalf("decode decided: %v", err)
	}
	if decided.Status != approval.StatusApproved || decided.DecidedBy != "alice" {
		t.Errorf("unexpected decision: %+v", decided)
	}
	if len(decided.AllowedTools) != 1 || decided.AllowedTools[0] != "aws__assume_role" {
		t.Errorf("allowed tools not recorded: %+v", decided.AllowedTools)
	}
}

func TestDecideUnknownApproval(t *testing.T) {
	ts := newTestServer(t)
	approverToken := ts.token(t, auth.RoleApprover)

	rec := ts.do(t, http.MethodPost, "/approvals/nope/decide", approverToken, `{"approve":false,"reason":"no"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAuditEndpoint(t *testing.T) {
	ts := newTestServer(t)

	err := ts.audit.Record(context.Background(), audit.Entry{
		Query:     "delete prod data",
		Category:  "data_exfiltration",
		Outcome:   "deny",
		Rationale: "denied by policy rule deny_prod_exfiltration",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	token := ts.token(t, auth.RoleRequester)
	rec := ts.do(t, http.MethodGet, "/audit?limit=10", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "deny_prod_exfiltration") {
		t.Errorf("audit entry missing: %s", rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/audit?limit=-1", token, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative limit, got %d", rec.Code)
	}
}

func TestListApprovalsRejectsUnknownStatus(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, auth.RoleRequester)

	rec := ts.do(t, http.MethodGet, "/approvals?status=bogus", token, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHubBroadcastsDecisions(t *testing.T) {
	ts := newTestServer(t)
	hub := ts.server.hub

	received := make(chan WSMessage, 1)
	client := &wsClient{id: "test", send: make(chan WSMessage, 4), hub: hub}
	hub.register <- client

	go func() {
		msg := <-client.send
		received <- msg
	}()

	item := approval.Item{RequestID: "req-1", Status: approval.StatusPending}
	if err := hub.Notify(context.Background(), approval.NotifyPending, item); err != nil {
		t.Fatalf("notify: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != "approval_pending" || msg.RequestID != "req-1" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast received")
	}
}
