package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatlinker/internal/util"
	"chatlinker/pkg/ai"
	"chatlinker/pkg/domain"
	"chatlinker/pkg/queue"
	"chatlinker/pkg/store"
	"github.com/google/uuid"
)

// ExtractionInput is one document submitted for summarization.
type ExtractionInput struct {
	Text     string `json:"text"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
}

// SubmitExtraction stores a pending record and schedules its extraction.
// It returns as soon as the record is written; the returned record is
// always pending.
func (a *App) SubmitExtraction(ctx context.Context, userID string, in ExtractionInput) (domain.ExtractionRecord, error) {
	if strings.TrimSpace(in.Text) == "" || strings.TrimSpace(in.FileName) == "" || strings.TrimSpace(in.FileType) == "" {
		return domain.ExtractionRecord{}, fmt.Errorf("%w: text, fileName and fileType are required", ErrValidation)
	}
	if len(in.Text) > a.maxTextBytes {
		return domain.ExtractionRecord{}, fmt.Errorf("%w: text exceeds %d bytes", ErrValidation, a.maxTextBytes)
	}
	user, err := a.resolveUser(ctx, userID)
	if err != nil {
		return domain.ExtractionRecord{}, err
	}

	now := time.Now().UTC()
	rec := domain.ExtractionRecord{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		OriginalText: in.Text,
		FileName:     strings.TrimSpace(in.FileName),
		FileType:     strings.TrimSpace(in.FileType),
		Status:       domain.ExtractionPending,
		Model:        ai.ModelName(a.completion),
		ModelParams:  a.extractionOpts.JSON(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateExtraction(ctx, rec); err != nil {
		return domain.ExtractionRecord{}, persistenceErr("create extraction", err)
	}

	logger := util.LoggerFromContext(ctx).With("extraction_id", rec.ID, "user_id", rec.UserID)
	if err := a.dispatch(ctx, rec); err != nil {
		logger.Error("extraction dispatch failed", "err", err)
		a.failUndispatched(ctx, rec, logger)
	} else {
		logger.Info("extraction submitted", "file_name", rec.FileName, "text_bytes", len(rec.OriginalText))
	}
	return rec, nil
}

// ListExtractions returns the caller's records oldest first.
func (a *App) ListExtractions(ctx context.Context, userID string) ([]domain.ExtractionRecord, error) {
	user, err := a.resolveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	recs, err := a.store.ListExtractions(ctx, user.ID)
	if err != nil {
		return nil, persistenceErr("list extractions", err)
	}
	return recs, nil
}

// DeleteExtractions removes all of the caller's records and reports how many
// were deleted. Repeating the call deletes nothing.
func (a *App) DeleteExtractions(ctx context.Context, userID string) (int, error) {
	user, err := a.resolveUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	n, err := a.store.DeleteExtractions(ctx, user.ID)
	if err != nil {
		return 0, persistenceErr("delete extractions", err)
	}
	util.LoggerFromContext(ctx).Info("extractions deleted", "user_id", user.ID, "deleted", n)
	return n, nil
}

// runExtraction summarizes rec.OriginalText and writes the terminal status.
// Completion errors, timeouts and panics all end in a failed record. When
// parent itself is canceled and redeliver is set (queue worker shutdown) the
// record is left pending for another consumer; without redeliver it is
// failed. Otherwise the returned error is non-nil only when the terminal
// write failed.
func (a *App) runExtraction(parent context.Context, rec domain.ExtractionRecord, redeliver bool) error {
	logger := slog.With("extraction_id", rec.ID, "user_id", rec.UserID)
	start := time.Now()

	content, extractErr := a.summarize(parent, rec.OriginalText)
	if extractErr != nil && parent.Err() != nil {
		if redeliver {
			logger.Warn("extraction interrupted, left pending", "err", extractErr)
			return parent.Err()
		}
		logger.Warn("extraction canceled at shutdown", "err", extractErr)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), terminalWriteTimeout)
	defer cancel()
	status := domain.ExtractionCompleted
	var err error
	if extractErr != nil {
		status = domain.ExtractionFailed
		logger.Warn("extraction failed", "err", extractErr)
		err = a.store.FailExtraction(writeCtx, rec.ID)
	} else {
		err = a.store.CompleteExtraction(writeCtx, rec.ID, content)
	}
	switch {
	case err == nil:
		logger.Info("extraction finished", "status", status, "duration_ms", time.Since(start).Milliseconds())
		return nil
	case errors.Is(err, store.ErrAlreadyTerminal):
		logger.Info("extraction already terminal")
		return nil
	case errors.Is(err, store.ErrNotFound):
		logger.Info("extraction deleted before completion")
		return nil
	default:
		logger.Error("extraction terminal write failed", "status", status, "err", err)
		return persistenceErr("write extraction status", err)
	}
}

// summarize calls the completion client under the extraction timeout. The
// call runs on its own goroutine so a client that ignores ctx still cannot
// hold the task past the deadline.
func (a *App) summarize(parent context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(parent, a.extractionTimeout)
	defer cancel()

	type result struct {
		msg ai.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("completion panic: %v", r)}
			}
		}()
		msg, err := a.completion.Complete(ctx, extractionMessages(text), a.extractionOpts)
		done <- result{msg: msg, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("%w: %w", ErrCompletion, res.err)
		}
		if strings.TrimSpace(res.msg.Content) == "" {
			return domain.EmptyResultText, nil
		}
		return res.msg.Content, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrCompletion, ctx.Err())
	}
}

func (a *App) dispatch(ctx context.Context, rec domain.ExtractionRecord) error {
	if a.queue != nil {
		_, err := a.queue.Enqueue(context.WithoutCancel(ctx), rec.ID, rec.UserID)
		return err
	}
	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		_ = a.runExtraction(a.taskCtx, rec, false)
	}()
	return nil
}

// FailStalledExtractions fails pending records older than any in-process
// task could still be running. It recovers records orphaned by a process
// that exited mid-extraction and is only meaningful for local dispatch.
func (a *App) FailStalledExtractions(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-MinClaimIdle(a.extractionTimeout))
	n, err := a.store.FailPendingBefore(ctx, cutoff)
	if err != nil {
		return 0, persistenceErr("fail stalled extractions", err)
	}
	if n > 0 {
		slog.Warn("failed stalled extractions", "count", n, "created_before", cutoff)
	}
	return n, nil
}

func (a *App) failUndispatched(ctx context.Context, rec domain.ExtractionRecord, logger *slog.Logger) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	if err := a.store.FailExtraction(writeCtx, rec.ID); err != nil {
		logger.Error("mark undispatched extraction failed", "err", err)
	}
}

// StartWorkers consumes queued extractions until ctx is canceled. It is a
// no-op when extraction runs in-process.
func (a *App) StartWorkers(ctx context.Context, concurrency int) error {
	if a.queue == nil {
		return nil
	}
	return a.queue.Start(ctx, concurrency, a.handleJob)
}

func (a *App) handleJob(ctx context.Context, job queue.Job) error {
	rec, ok, err := a.store.GetExtraction(ctx, job.ExtractionID)
	if err != nil {
		return persistenceErr("load extraction", err)
	}
	if !ok || rec.Status.Terminal() {
		return nil
	}
	return a.runExtraction(ctx, rec, true)
}
