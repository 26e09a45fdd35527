package approval

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// CompletionStatus records what happened after a decision was acted on.
type CompletionStatus string

const (
	CompletionNone      CompletionStatus = ""
	CompletionExecuted  CompletionStatus = "executed"
	CompletionFailed    CompletionStatus = "failed"
	CompletionAbandoned CompletionStatus = "abandoned"
)

var ErrNotFound = errors.New("approval request not found")

// Item is one approval request. RequestID is derived from the request text,
// so resubmitting the same request lands on the same item.
type Item struct {
	RequestID         string           `json:"request_id"`
	Description       string           `json:"description"`
	Category          string           `json:"category"`
	Resource          string           `json:"resource,omitempty"`
	Requester         string           `json:"requester,omitempty"`
	Status            Status           `json:"status"`
	DecidedBy         string           `json:"decided_by,omitempty"`
	Reason            string           `json:"reason,omitempty"`
	IntendedTools     []string         `json:"intended_tools,omitempty"`
	AllowedTools      []string         `json:"allowed_tools,omitempty"`
	CompletionStatus  CompletionStatus `json:"completion_status,omitempty"`
	CompletionMessage string           `json:"completion_message,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Store persists approval items keyed by request ID.
type Store interface {
	// Create inserts the item if no item with its RequestID exists.
	// Returns true when a new row was written.
	Create(ctx context.Context, item Item) (bool, error)
	Get(ctx context.Context, requestID string) (Item, error)
	Update(ctx context.Context, item Item) error
	// List returns items, newest first. An empty status returns everything.
	List(ctx context.Context, status Status) ([]Item, error)
	Close() error
}

type NotifyKind string

const (
	NotifyPending   NotifyKind = "pending"
	NotifyDecided   NotifyKind = "decided"
	NotifyCompleted NotifyKind = "completed"
)

// Notifier pushes approval lifecycle events to humans (websocket, webhook,
// log). Implementations must not block on slow consumers.
type Notifier interface {
	Notify(ctx context.Context, kind NotifyKind, item Item) error
}
