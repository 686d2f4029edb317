package store

import (
	"context"
	"errors"
	"time"

	"chatlinker/pkg/domain"
)

var (
	// ErrNotFound is returned when an addressed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyTerminal is returned when a terminal transition targets a
	// record that already left the pending state.
	ErrAlreadyTerminal = errors.New("extraction already in terminal state")

	errDuplicateID = errors.New("duplicate id")
	errInvalidRole = errors.New("invalid message role")
)

// UserStore resolves users owned by the authentication collaborator.
type UserStore interface {
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
}

// ExtractionStore persists extraction records.
type ExtractionStore interface {
	CreateExtraction(ctx context.Context, rec domain.ExtractionRecord) error
	GetExtraction(ctx context.Context, id string) (domain.ExtractionRecord, bool, error)
	// CompleteExtraction and FailExtraction only apply to pending records.
	CompleteExtraction(ctx context.Context, id, content string) error
	FailExtraction(ctx context.Context, id string) error
	// FailPendingBefore fails every pending record created before cutoff.
	FailPendingBefore(ctx context.Context, cutoff time.Time) (int, error)
	LatestExtraction(ctx context.Context, userID string) (domain.ExtractionRecord, bool, error)
	ListExtractions(ctx context.Context, userID string) ([]domain.ExtractionRecord, error)
	DeleteExtractions(ctx context.Context, userID string) (int, error)
}

// ChatStore persists per-user chat logs.
type ChatStore interface {
	// AppendMessages appends msgs atomically in order and returns them with
	// ids and sequence numbers assigned.
	AppendMessages(ctx context.Context, userID string, msgs ...domain.ChatMessage) ([]domain.ChatMessage, error)
	ListMessages(ctx context.Context, userID string) ([]domain.ChatMessage, error)
	ClearMessages(ctx context.Context, userID string) error
}

// Store is the full persistence surface used by the assistant service.
type Store interface {
	UserStore
	ExtractionStore
	ChatStore
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*GormStore)(nil)
)
