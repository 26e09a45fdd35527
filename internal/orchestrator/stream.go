package orchestrator

import (
	"context"
	"errors"

	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/agent"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/approval"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/policy"
)

// Stream behaves like Run but emits agent events as they happen. Gating
// outcomes that never reach the agent (deny, reject, timeout) surface as a
// single final event carrying the rationale.
func (o *Orchestrator) Stream(ctx context.Context, req Request) <-chan agent.Event {
	events := make(chan agent.Event, 64)

	go func() {
		defer close(events)

		emit := func(e agent.Event) {
			select {
			case events <- e:
			case <-ctx.Done():
			}
		}

		existing, err := o.approvals.Get(ctx, approval.ComputeRequestID(req.Query))
		if err == nil {
			item, done := o.routeItem(ctx, existing, emit)
			if done {
				return
			}
			o.streamRun(ctx, req, item.AllowedTools, item.RequestID, emit)
			return
		}
		if !errors.Is(err, approval.ErrNotFound) {
			emit(agent.Event{Kind: agent.EventError, Error: err.Error()})
			return
		}

		action, decision, err := o.evaluate(ctx, req)
		if err != nil {
			emit(agent.Event{Kind: agent.EventError, Error: err.Error()})
			return
		}

		var (
			allowedTools []string
			requestID    string
		)

		switch decision.Outcome {
		case policy.OutcomeDeny:
			emit(agent.Event{Kind: agent.EventFinal, Content: decision.Rationale})
			return

		case policy.OutcomeRequireApproval:
			item, done := o.resolveApproval(ctx, req, action, emit)
			if done {
				return
			}
			allowedTools = item.AllowedTools
			requestID = item.RequestID
		}

		o.streamRun(ctx, req, allowedTools, requestID, emit)
	}()

	return events
}

// resolveApproval walks the approval path for a streamed request. Returns
// done=true when a terminal event was already emitted.
func (o *Orchestrator) resolveApproval(ctx context.Context, req Request, action policy.ProposedAction, emit func(agent.Event)) (approval.Item, bool) {
	item, _, err := o.approvals.CreateOrGet(ctx, approval.NewItemRequest{
		Description: req.Query,
		Category:    string(action.Category),
		Resource:    action.Resource,
		Requester:   req.Requester,
	})
	if err != nil {
		emit(agent.Event{Kind: agent.EventError, Error: err.Error()})
		return approval.Item{}, true
	}

	return o.routeItem(ctx, item, emit)
}

// routeItem waits out a pending item and routes the stream by its decision.
// Returns done=true when a terminal event was already emitted.
func (o *Orchestrator) routeItem(ctx context.Context, item approval.Item, emit func(agent.Event)) (approval.Item, bool) {
	var err error

	if item.Status == approval.StatusPending {
		waitCtx, cancel := context.WithTimeout(ctx, o.cfg.ApprovalTimeout)
		defer cancel()

		item, err = o.approvals.Await(waitCtx, item.RequestID, o.cfg.PollInterval)
		if errors.Is(err, context.DeadlineExceeded) {
			emit(agent.Event{Kind: agent.EventFinal, Content: "approval window elapsed; request is still pending"})
			return approval.Item{}, true
		}
		if err != nil {
			emit(agent.Event{Kind: agent.EventError, Error: err.Error()})
			return approval.Item{}, true
		}
	}

	switch item.Status {
	case approval.StatusRejected:
		emit(agent.Event{Kind: agent.EventFinal, Content: "request rejected: " + item.Reason})
		return item, true

	case approval.StatusApproved:
		if len(item.AllowedTools) == 0 {
			emit(agent.Event{Kind: agent.EventError, Error: ErrNoAllowedTools.Error()})
			return item, true
		}
		return item, false

	default:
		emit(agent.Event{Kind: agent.EventFinal, Content: "request is pending approval"})
		return item, true
	}
}

func (o *Orchestrator) streamRun(ctx context.Context, req Request, allowedTools []string, requestID string, emit func(agent.Event)) {
	opts := o.runOptions(req, allowedTools)

	failure := ""
	for event := range o.runner.RunStream(ctx, opts) {
		switch event.Kind {
		case agent.EventFinal:
			o.remember(req, event.Content)
		case agent.EventError:
			failure = event.Error
		}
		emit(event)
	}

	if failure != "" {
		o.markCompletion(ctx, requestID, approval.CompletionFailed, failure)
	} else {
		o.markCompletion(ctx, requestID, approval.CompletionExecuted, "")
	}
}
