package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatlinker/internal/util"
	"chatlinker/pkg/ai"
	"chatlinker/pkg/domain"
)

// BuildContext assembles the messages sent to the model for a new user
// message: the latest usable extraction as a knowledge-base system message,
// then the stored log in order, then the new message.
func (a *App) BuildContext(ctx context.Context, userID, message string) ([]ai.Message, error) {
	user, err := a.resolveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return a.buildContext(ctx, user.ID, message)
}

func (a *App) buildContext(ctx context.Context, userID, message string) ([]ai.Message, error) {
	history, err := a.store.ListMessages(ctx, userID)
	if err != nil {
		return nil, persistenceErr("list messages", err)
	}
	latest, ok, err := a.store.LatestExtraction(ctx, userID)
	if err != nil {
		return nil, persistenceErr("load latest extraction", err)
	}

	out := make([]ai.Message, 0, len(history)+2)
	if ok && latest.Usable() {
		out = append(out, knowledgeBaseMessage(latest))
	}
	for _, m := range history {
		out = append(out, ai.Message{Role: string(m.Role), Content: m.Content})
	}
	out = append(out, ai.Message{Role: string(domain.RoleUser), Content: message})
	return out, nil
}

// SendMessage runs one chat turn. Turns for the same user are serialized so
// each one sees the log left by the previous turn. On success the full log
// is returned, ending with the assistant reply. When the completion fails the
// user message stays in the log and ErrCompletion is returned.
func (a *App) SendMessage(ctx context.Context, userID, message string) ([]domain.ChatMessage, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrValidation)
	}
	user, err := a.resolveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	unlock, err := a.locks.Lock(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	logger := util.LoggerFromContext(ctx).With("user_id", user.ID)
	messages, err := a.buildContext(ctx, user.ID, message)
	if err != nil {
		return nil, err
	}
	if _, err := a.store.AppendMessages(ctx, user.ID, domain.ChatMessage{
		Role:      domain.RoleUser,
		Content:   message,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, persistenceErr("append user message", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.chatTimeout)
	defer cancel()
	start := time.Now()
	reply, err := a.completion.Complete(callCtx, messages, a.chatOpts)
	if err != nil {
		logger.Warn("chat completion failed", "err", err, "duration_ms", time.Since(start).Milliseconds())
		return nil, fmt.Errorf("%w: %w", ErrCompletion, err)
	}

	if _, err := a.store.AppendMessages(ctx, user.ID, domain.ChatMessage{
		Role:      domain.RoleAssistant,
		Content:   reply.Content,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, persistenceErr("append assistant message", err)
	}
	logger.Info("chat turn completed",
		"context_messages", len(messages),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	log, err := a.store.ListMessages(ctx, user.ID)
	if err != nil {
		return nil, persistenceErr("list messages", err)
	}
	return log, nil
}

// GetChat returns the caller's chat log in order.
func (a *App) GetChat(ctx context.Context, userID string) ([]domain.ChatMessage, error) {
	user, err := a.resolveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	log, err := a.store.ListMessages(ctx, user.ID)
	if err != nil {
		return nil, persistenceErr("list messages", err)
	}
	return log, nil
}

// ClearChat empties the caller's chat log. It waits for any in-flight turn
// and is a no-op on an empty log.
func (a *App) ClearChat(ctx context.Context, userID string) ([]domain.ChatMessage, error) {
	user, err := a.resolveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	unlock, err := a.locks.Lock(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := a.store.ClearMessages(ctx, user.ID); err != nil {
		return nil, persistenceErr("clear messages", err)
	}
	util.LoggerFromContext(ctx).Info("chat cleared", "user_id", user.ID)
	return []domain.ChatMessage{}, nil
}
