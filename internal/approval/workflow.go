package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// NewItemRequest describes the action awaiting human review.
type NewItemRequest struct {
	Description   string
	Category      string
	Resource      string
	Requester     string
	IntendedTools []string
}

// Verdict is a human decision applied to a pending (or already decided) item.
type Verdict struct {
	Approve      bool
	DecidedBy    string
	Reason       string
	AllowedTools []string
}

// Workflow manages the approval lifecycle on top of a Store. Decisions are
// last-write-wins: re-deciding an already decided item overwrites it.
type Workflow struct {
	store    Store
	notifier Notifier
	clock    func() time.Time
}

func NewWorkflow(store Store, notifier Notifier) *Workflow {
	return &Workflow{
		store:    store,
		notifier: notifier,
		clock:    time.Now,
	}
}

// CreateOrGet registers a request for review. The request ID is derived from
// the description, so a repeated submission returns the existing item without
// notifying again.
func (w *Workflow) CreateOrGet(ctx context.Context, req NewItemRequest) (Item, bool, error) {
	now := w.clock()
	item := Item{
		RequestID:     ComputeRequestID(req.Description),
		Description:   req.Description,
		Category:      req.Category,
		Resource:      req.Resource,
		Requester:     req.Requester,
		Status:        StatusPending,
		IntendedTools: req.IntendedTools,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	created, err := w.store.Create(ctx, item)
	if err != nil {
		return Item{}, false, fmt.Errorf("create approval: %w", err)
	}

	if created {
		log.Info().
			Str("request_id", item.RequestID).
			Str("category", item.Category).
			Msg("approval request created")
		w.notify(ctx, NotifyPending, item)
		return item, true, nil
	}

	existing, err := w.store.Get(ctx, item.RequestID)
	if err != nil {
		return Item{}, false, fmt.Errorf("get existing approval: %w", err)
	}

	log.Debug().
		Str("request_id", item.RequestID).
		Str("status", string(existing.Status)).
		Msg("approval request deduplicated")
	return existing, false, nil
}

// Decide applies a verdict to the item. Unknown IDs return ErrNotFound.
func (w *Workflow) Decide(ctx context.Context, requestID string, verdict Verdict) (Item, error) {
	item, err := w.store.Get(ctx, requestID)
	if err != nil {
		return Item{}, err
	}

	if verdict.Approve {
		item.Status = StatusApproved
	} else {
		item.Status = StatusRejected
	}
	item.DecidedBy = verdict.DecidedBy
	item.Reason = verdict.Reason
	item.AllowedTools = verdict.AllowedTools
	item.UpdatedAt = w.clock()

	if err := w.store.Update(ctx, item); err != nil {
		return Item{}, fmt.Errorf("update approval: %w", err)
	}

	log.Info().
		Str("request_id", requestID).
		Bool("approved", verdict.Approve).
		Str("decided_by", verdict.DecidedBy).
		Msg("approval decision recorded")
	w.notify(ctx, NotifyDecided, item)

	return item, nil
}

func (w *Workflow) Get(ctx context.Context, requestID string) (Item, error) {
	return w.store.Get(ctx, requestID)
}

func (w *Workflow) List(ctx context.Context, status Status) ([]Item, error) {
	return w.store.List(ctx, status)
}

// MarkCompletion records the post-decision outcome. It never changes the
// decision itself.
func (w *Workflow) MarkCompletion(ctx context.Context, requestID string, status CompletionStatus, message string) error {
	item, err := w.store.Get(ctx, requestID)
	if err != nil {
		return err
	}

	item.CompletionStatus = status
	item.CompletionMessage = message
	item.UpdatedAt = w.clock()

	if err := w.store.Update(ctx, item); err != nil {
		return fmt.Errorf("update completion: %w", err)
	}

	w.notify(ctx, NotifyCompleted, item)
	return nil
}

// Await polls the item until it leaves the pending state or ctx expires.
// Timeouts are observed by the caller, not written to the store: the item
// stays pending and can still be decided later.
func (w *Workflow) Await(ctx context.Context, requestID string, interval time.Duration) (Item, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		item, err := w.store.Get(ctx, requestID)
		if err != nil {
			return Item{}, err
		}
		if item.Status != StatusPending {
			return item, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return item, ctx.Err()
		}
	}
}

func (w *Workflow) notify(ctx context.Context, kind NotifyKind, item Item) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(ctx, kind, item); err != nil {
		log.Warn().Err(err).
			Str("request_id", item.RequestID).
			Str("kind", string(kind)).
			Msg("approval notification failed")
	}
}
