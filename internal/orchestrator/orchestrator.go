// Package orchestrator gates agent runs behind policy and human approval.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/agent"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/approval"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/audit"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/memory"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/policy"
)

const (
	DefaultPollInterval    = 10 * time.Second
	DefaultApprovalTimeout = 1800 * time.Second
)

// ErrNoAllowedTools means an approver signed off without granting any
// tools. That is an operator mistake, not a rejection.
var ErrNoAllowedTools = errors.New("approved request has no allowed tools configured")

// Status classifies how a request ended.
type Status string

const (
	StatusCompleted       Status = "completed"
	StatusDenied          Status = "denied"
	StatusRejected        Status = "rejected"
	StatusPendingApproval Status = "pending_approval"
	StatusTimeout         Status = "timeout"
	StatusFailed          Status = "failed"
)

// Request is one user query entering the gate.
type Request struct {
	Query     string `json:"query"`
	Requester string `json:"requester,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Result reports the outcome. RequestID is set whenever an approval item
// was involved so callers can follow up on /approvals.
type Result struct {
	Status    Status   `json:"status"`
	Answer    string   `json:"answer,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// Runner is the agent loop surface the orchestrator drives.
type Runner interface {
	Run(ctx context.Context, opts agent.RunOptions) (agent.RunResult, error)
	RunStream(ctx context.Context, opts agent.RunOptions) <-chan agent.Event
}

// Recorder appends decisions to the audit log.
type Recorder interface {
	Record(ctx context.Context, entry audit.Entry) error
}

type Config struct {
	Environment     string
	SystemPrompt    string
	PollInterval    time.Duration
	ApprovalTimeout time.Duration
}

type Orchestrator struct {
	policy    policy.Evaluator
	approvals *approval.Workflow
	runner    Runner
	recorder  Recorder
	sessions  *memory.Sessions
	cfg       Config
}

func New(evaluator policy.Evaluator, approvals *approval.Workflow, runner Runner, recorder Recorder, sessions *memory.Sessions, cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}
	return &Orchestrator{
		policy:    evaluator,
		approvals: approvals,
		runner:    runner,
		recorder:  recorder,
		sessions:  sessions,
		cfg:       cfg,
	}
}

// Run gates and, when permitted, executes the query. Blocks while waiting
// for a human decision, up to the configured approval timeout.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	// A repeated request routes by its existing approval record without
	// re-evaluating policy.
	existing, err := o.approvals.Get(ctx, approval.ComputeRequestID(req.Query))
	if err == nil {
		log.Debug().
			Str("request_id", existing.RequestID).
			Str("status", string(existing.Status)).
			Msg("routing by existing approval record")
		return o.settle(ctx, req, existing)
	}
	if !errors.Is(err, approval.ErrNotFound) {
		return Result{}, fmt.Errorf("lookup approval: %w", err)
	}

	action, decision, err := o.evaluate(ctx, req)
	if err != nil {
		return Result{}, err
	}

	switch decision.Outcome {
	case policy.OutcomeDeny:
		return Result{Status: StatusDenied, Rationale: decision.Rationale}, nil

	case policy.OutcomeRequireApproval:
		return o.runGated(ctx, req, action)

	default:
		return o.execute(ctx, req, nil, "")
	}
}

func (o *Orchestrator) evaluate(ctx context.Context, req Request) (policy.ProposedAction, policy.Decision, error) {
	category, resource := policy.InferAction(req.Query)
	action := policy.ProposedAction{
		ToolName:    "agent_run",
		Description: req.Query,
		Category:    category,
		Resource:    resource,
		Environment: o.cfg.Environment,
		UserID:      req.Requester,
	}

	decision, err := o.policy.Evaluate(ctx, action)
	if err != nil {
		return action, policy.Decision{}, fmt.Errorf("policy evaluation: %w", err)
	}

	o.record(ctx, req, action, decision, "")

	log.Info().
		Str("outcome", string(decision.Outcome)).
		Str("category", string(category)).
		Str("requester", req.Requester).
		Msg("policy decision")

	return action, decision, nil
}

func (o *Orchestrator) runGated(ctx context.Context, req Request, action policy.ProposedAction) (Result, error) {
	item, _, err := o.approvals.CreateOrGet(ctx, approval.NewItemRequest{
		Description: req.Query,
		Category:    string(action.Category),
		Resource:    action.Resource,
		Requester:   req.Requester,
	})
	if err != nil {
		return Result{}, fmt.Errorf("create approval: %w", err)
	}

	return o.settle(ctx, req, item)
}

// settle waits out a pending item and routes by the resulting decision.
func (o *Orchestrator) settle(ctx context.Context, req Request, item approval.Item) (Result, error) {
	if item.Status == approval.StatusPending {
		waitCtx, cancel := context.WithTimeout(ctx, o.cfg.ApprovalTimeout)
		defer cancel()

		var err error
		item, err = o.approvals.Await(waitCtx, item.RequestID, o.cfg.PollInterval)
		if errors.Is(err, context.DeadlineExceeded) {
			// Distinct from a rejection: the item stays pending and
			// remains decidable.
			return Result{
				Status:    StatusTimeout,
				Rationale: "approval window elapsed; request is still pending",
				RequestID: item.RequestID,
			}, nil
		}
		if err != nil {
			return Result{RequestID: item.RequestID}, err
		}
	}

	switch item.Status {
	case approval.StatusRejected:
		return Result{
			Status:    StatusRejected,
			Rationale: item.Reason,
			RequestID: item.RequestID,
		}, nil

	case approval.StatusApproved:
		if len(item.AllowedTools) == 0 {
			return Result{Status: StatusFailed, RequestID: item.RequestID}, ErrNoAllowedTools
		}
		return o.execute(ctx, req, item.AllowedTools, item.RequestID)

	default:
		return Result{Status: StatusPendingApproval, RequestID: item.RequestID}, nil
	}
}

func (o *Orchestrator) execute(ctx context.Context, req Request, allowedTools []string, requestID string) (Result, error) {
	opts := o.runOptions(req, allowedTools)

	result, err := o.runner.Run(ctx, opts)
	if err != nil {
		o.markCompletion(ctx, requestID, approval.CompletionFailed, err.Error())
		return Result{Status: StatusFailed, RequestID: requestID}, err
	}

	o.markCompletion(ctx, requestID, approval.CompletionExecuted, "")
	o.remember(req, result.Answer)

	return Result{
		Status:    StatusCompleted,
		Answer:    result.Answer,
		RequestID: requestID,
		ToolsUsed: result.ToolsUsed,
	}, nil
}

func (o *Orchestrator) runOptions(req Request, allowedTools []string) agent.RunOptions {
	prefix := ""
	if o.sessions != nil && req.SessionID != "" {
		prefix = o.sessions.For(req.SessionID).PromptPrefix()
	}
	return agent.RunOptions{
		SystemPrompt:  o.cfg.SystemPrompt,
		ContextPrefix: prefix,
		Query:         req.Query,
		AllowedTools:  allowedTools,
	}
}

func (o *Orchestrator) remember(req Request, answer string) {
	if o.sessions != nil && req.SessionID != "" {
		o.sessions.For(req.SessionID).Remember(req.Query, answer)
	}
}

func (o *Orchestrator) markCompletion(ctx context.Context, requestID string, status approval.CompletionStatus, message string) {
	if requestID == "" {
		return
	}
	if err := o.approvals.MarkCompletion(ctx, requestID, status, message); err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("failed to mark completion")
	}
}

func (o *Orchestrator) record(ctx context.Context, req Request, action policy.ProposedAction, decision policy.Decision, requestID string) {
	if o.recorder == nil {
		return
	}
	entry := audit.Entry{
		Query:       req.Query,
		Category:    string(action.Category),
		Resource:    action.Resource,
		Requester:   req.Requester,
		Outcome:     string(decision.Outcome),
		MatchedRule: decision.MatchedRule,
		Rationale:   decision.Rationale,
		RequestID:   requestID,
	}
	if err := o.recorder.Record(ctx, entry); err != nil {
		log.Warn().Err(err).Msg("failed to record audit entry")
	}
}
