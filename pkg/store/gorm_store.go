package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"chatlinker/pkg/domain"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 51872093

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ExtractionModel{}, &ChatMessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreWithDB wraps an already opened connection without migrating.
func NewGormStoreWithDB(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	model := userToModel(u)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "name", "updated_at"}),
	}).Create(&model).Error
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateExtraction inserts a new record.
func (s *GormStore) CreateExtraction(ctx context.Context, rec domain.ExtractionRecord) error {
	model := extractionToModel(rec)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetExtraction retrieves a record by ID.
func (s *GormStore) GetExtraction(ctx context.Context, id string) (domain.ExtractionRecord, bool, error) {
	var model ExtractionModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ExtractionRecord{}, false, nil
		}
		return domain.ExtractionRecord{}, false, err
	}
	return extractionFromModel(model), true, nil
}

// CompleteExtraction moves a pending record to completed with content.
func (s *GormStore) CompleteExtraction(ctx context.Context, id, content string) error {
	return s.finish(ctx, id, domain.ExtractionCompleted, content)
}

// FailExtraction moves a pending record to failed.
func (s *GormStore) FailExtraction(ctx context.Context, id string) error {
	return s.finish(ctx, id, domain.ExtractionFailed, "")
}

func (s *GormStore) finish(ctx context.Context, id string, status domain.ExtractionStatus, content string) error {
	res := s.db.WithContext(ctx).Model(&ExtractionModel{}).
		Where("id = ? AND status = ?", id, string(domain.ExtractionPending)).
		Updates(map[string]any{
			"status":     string(status),
			"content":    content,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&ExtractionModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrAlreadyTerminal
}

// FailPendingBefore fails pending records created before cutoff.
func (s *GormStore) FailPendingBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.db.WithContext(ctx).Model(&ExtractionModel{}).
		Where("status = ? AND created_at < ?", string(domain.ExtractionPending), cutoff).
		Updates(map[string]any{
			"status":     string(domain.ExtractionFailed),
			"content":    "",
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// LatestExtraction returns the user's most recently created record.
func (s *GormStore) LatestExtraction(ctx context.Context, userID string) (domain.ExtractionRecord, bool, error) {
	var model ExtractionModel
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ExtractionRecord{}, false, nil
		}
		return domain.ExtractionRecord{}, false, err
	}
	return extractionFromModel(model), true, nil
}

// ListExtractions returns the user's records ordered by created_at.
func (s *GormStore) ListExtractions(ctx context.Context, userID string) ([]domain.ExtractionRecord, error) {
	var models []ExtractionModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ExtractionRecord, 0, len(models))
	for _, m := range models {
		res = append(res, extractionFromModel(m))
	}
	return res, nil
}

// DeleteExtractions removes every record owned by the user.
func (s *GormStore) DeleteExtractions(ctx context.Context, userID string) (int, error) {
	res := s.db.WithContext(ctx).Delete(&ExtractionModel{}, "user_id = ?", userID)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// AppendMessages appends msgs to the user's chat log in one transaction.
// A transaction-scoped advisory lock keyed on the user serializes seq assignment.
func (s *GormStore) AppendMessages(ctx context.Context, userID string, msgs ...domain.ChatMessage) ([]domain.ChatMessage, error) {
	for _, msg := range msgs {
		if !msg.Role.Valid() {
			return nil, errInvalidRole
		}
	}
	if len(msgs) == 0 {
		return []domain.ChatMessage{}, nil
	}
	out := make([]domain.ChatMessage, 0, len(msgs))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "chat:"+userID).Error; err != nil {
			return fmt.Errorf("lock chat log: %w", err)
		}
		var last sql.NullInt64
		if err := tx.Model(&ChatMessageModel{}).
			Where("user_id = ?", userID).
			Select("MAX(seq)").
			Scan(&last).Error; err != nil {
			return err
		}
		seq := last.Int64
		now := time.Now().UTC()
		models := make([]ChatMessageModel, 0, len(msgs))
		for _, msg := range msgs {
			seq++
			msg.Seq = seq
			msg.UserID = userID
			if msg.ID == "" {
				msg.ID = uuid.NewString()
			}
			if msg.CreatedAt.IsZero() {
				msg.CreatedAt = now
			}
			models = append(models, messageToModel(userID, msg))
			out = append(out, msg)
		}
		return tx.Create(&models).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages returns the user's chat log ordered by seq.
func (s *GormStore) ListMessages(ctx context.Context, userID string) ([]domain.ChatMessage, error) {
	var models []ChatMessageModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("seq ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.ChatMessage, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

// ClearMessages deletes the user's chat log.
func (s *GormStore) ClearMessages(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Delete(&ChatMessageModel{}, "user_id = ?", userID).Error
}
