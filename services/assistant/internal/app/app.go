package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatlinker/internal/userlock"
	"chatlinker/pkg/ai"
	"chatlinker/pkg/domain"
	"chatlinker/pkg/queue"
	"chatlinker/pkg/store"
)

const (
	defaultExtractionMaxTokens   = 1000
	defaultExtractionTemperature = 0.3
	defaultExtractionTimeout     = 2 * time.Minute
	defaultChatTimeout           = 60 * time.Second
	defaultMaxTextBytes          = 1 << 20
	terminalWriteTimeout         = 10 * time.Second
)

// JobQueue hands extraction ids to worker processes. RedisJobQueue
// implements it.
type JobQueue interface {
	Enqueue(ctx context.Context, extractionID, userID string) (queue.Job, error)
	Start(ctx context.Context, concurrency int, handler queue.Handler) error
	Wait()
	// ClaimIdle is how long a delivered job may stay unacknowledged before
	// another consumer claims it.
	ClaimIdle() time.Duration
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store       store.Store
	DatabaseURL string
	Completion  ai.CompletionClient
	// Queue, when set, moves extraction onto queue workers instead of
	// in-process goroutines.
	Queue JobQueue

	ExtractionMaxTokens   int
	ExtractionTemperature *float64
	ExtractionTimeout     time.Duration
	ChatMaxTokens         int
	ChatTimeout           time.Duration
	MaxTextBytes          int
}

// App wires storage, the completion client and per-user serialization into
// the extraction pipeline and chat orchestrator.
type App struct {
	store      store.Store
	completion ai.CompletionClient
	queue      JobQueue
	locks      *userlock.Locker
	tasks      sync.WaitGroup

	// taskCtx parents in-process extractions; Wait cancels it once its
	// deadline passes so outstanding tasks record a failure before exit.
	taskCtx     context.Context
	cancelTasks context.CancelFunc

	extractionOpts    ai.Options
	extractionTimeout time.Duration
	chatOpts          ai.Options
	chatTimeout       time.Duration
	maxTextBytes      int
}

// New constructs the application, opening Postgres when no store is given.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		dataStore = gormStore
	}
	if cfg.Completion == nil {
		return nil, fmt.Errorf("completion client required")
	}

	extractionOpts := ai.Options{
		MaxTokens:   cfg.ExtractionMaxTokens,
		Temperature: cfg.ExtractionTemperature,
	}
	if extractionOpts.MaxTokens <= 0 {
		extractionOpts.MaxTokens = defaultExtractionMaxTokens
	}
	if extractionOpts.Temperature == nil {
		extractionOpts.Temperature = ai.Float(defaultExtractionTemperature)
	}
	extractionTimeout := cfg.ExtractionTimeout
	if extractionTimeout <= 0 {
		extractionTimeout = defaultExtractionTimeout
	}
	chatTimeout := cfg.ChatTimeout
	if chatTimeout <= 0 {
		chatTimeout = defaultChatTimeout
	}
	maxTextBytes := cfg.MaxTextBytes
	if maxTextBytes <= 0 {
		maxTextBytes = defaultMaxTextBytes
	}
	if cfg.Queue != nil {
		if minIdle := MinClaimIdle(extractionTimeout); cfg.Queue.ClaimIdle() <= minIdle {
			return nil, fmt.Errorf("queue claim idle %s must exceed %s (extraction timeout plus terminal write)", cfg.Queue.ClaimIdle(), minIdle)
		}
	}

	taskCtx, cancelTasks := context.WithCancel(context.Background())
	return &App{
		store:             dataStore,
		completion:        cfg.Completion,
		queue:             cfg.Queue,
		locks:             userlock.New(),
		taskCtx:           taskCtx,
		cancelTasks:       cancelTasks,
		extractionOpts:    extractionOpts,
		extractionTimeout: extractionTimeout,
		chatOpts:          ai.Options{MaxTokens: cfg.ChatMaxTokens},
		chatTimeout:       chatTimeout,
		maxTextBytes:      maxTextBytes,
	}, nil
}

// resolveUser maps the authenticated id onto an existing user.
func (a *App) resolveUser(ctx context.Context, userID string) (domain.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.User{}, fmt.Errorf("%w: missing user id", ErrUnauthorized)
	}
	user, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: load user: %w", ErrPersistence, err)
	}
	if !ok {
		return domain.User{}, fmt.Errorf("%w: user not registered", ErrUnauthorized)
	}
	return user, nil
}

// MinClaimIdle is the longest a single extraction can hold a queue delivery:
// the model call bounded by extractionTimeout plus the terminal write.
func MinClaimIdle(extractionTimeout time.Duration) time.Duration {
	if extractionTimeout <= 0 {
		extractionTimeout = defaultExtractionTimeout
	}
	return extractionTimeout + terminalWriteTimeout
}

// MaxTextBytes is the largest document text SubmitExtraction accepts.
func (a *App) MaxTextBytes() int {
	return a.maxTextBytes
}

// Wait blocks until in-process extraction tasks finish. If ctx ends first,
// the outstanding tasks are canceled and Wait returns ctx.Err() once they
// have recorded their failure.
func (a *App) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	a.cancelTasks()
	<-done
	return ctx.Err()
}

func persistenceErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
