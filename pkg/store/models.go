package store

import (
	"encoding/json"
	"time"

	"chatlinker/pkg/domain"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID        string `gorm:"primaryKey"`
	Email     string `gorm:"uniqueIndex;not null"`
	Name      string
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type ExtractionModel struct {
	ID           string         `gorm:"primaryKey"`
	UserID       string         `gorm:"not null;index:idx_extraction_user_created,priority:1"`
	OriginalText string         `gorm:"type:text;not null"`
	Content      string         `gorm:"type:text"`
	FileName     string         `gorm:"not null"`
	FileType     string         `gorm:"not null"`
	Status       string         `gorm:"not null;index"`
	Model        string
	ModelParams  datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null;index:idx_extraction_user_created,priority:2"`
	UpdatedAt    time.Time      `gorm:"not null"`
}

type ChatMessageModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;uniqueIndex:idx_chat_user_seq,priority:1"`
	Seq       int64     `gorm:"not null;uniqueIndex:idx_chat_user_seq,priority:2"`
	Role      string    `gorm:"not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		CreatedAt: u.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:        m.ID,
		Email:     m.Email,
		Name:      m.Name,
		CreatedAt: m.CreatedAt,
	}
}

func extractionToModel(r domain.ExtractionRecord) ExtractionModel {
	var params datatypes.JSON
	if len(r.ModelParams) > 0 {
		params = datatypes.JSON(r.ModelParams)
	}
	return ExtractionModel{
		ID:           r.ID,
		UserID:       r.UserID,
		OriginalText: r.OriginalText,
		Content:      r.Content,
		FileName:     r.FileName,
		FileType:     r.FileType,
		Status:       string(r.Status),
		Model:        r.Model,
		ModelParams:  params,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func extractionFromModel(m ExtractionModel) domain.ExtractionRecord {
	var params json.RawMessage
	if len(m.ModelParams) > 0 {
		params = json.RawMessage(m.ModelParams)
	}
	return domain.ExtractionRecord{
		ID:           m.ID,
		UserID:       m.UserID,
		OriginalText: m.OriginalText,
		Content:      m.Content,
		FileName:     m.FileName,
		FileType:     m.FileType,
		Status:       domain.ExtractionStatus(m.Status),
		Model:        m.Model,
		ModelParams:  params,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func messageToModel(userID string, msg domain.ChatMessage) ChatMessageModel {
	return ChatMessageModel{
		ID:        msg.ID,
		UserID:    userID,
		Seq:       msg.Seq,
		Role:      string(msg.Role),
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
}

func messageFromModel(m ChatMessageModel) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        m.ID,
		UserID:    m.UserID,
		Seq:       m.Seq,
		Role:      domain.Role(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}
