package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

type ExtractionStatus string

const (
	ExtractionPending   ExtractionStatus = "pending"
	ExtractionCompleted ExtractionStatus = "completed"
	ExtractionFailed    ExtractionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s ExtractionStatus) Terminal() bool {
	return s == ExtractionCompleted || s == ExtractionFailed
}

// Display strings shown to clients in place of extraction content.
const (
	PendingText     = "Processing..."
	FailedText      = "Error processing text with AI"
	EmptyResultText = "No information could be extracted"
)

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatMessage is one entry of a user's chat log. Seq orders the log.
type ChatMessage struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"-"`
	Seq       int64     `json:"-"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ExtractionRecord tracks one submitted document and its summary.
// Content is only meaningful once Status is ExtractionCompleted.
type ExtractionRecord struct {
	ID           string           `json:"id"`
	UserID       string           `json:"userId"`
	OriginalText string           `json:"originalText"`
	Content      string           `json:"-"`
	FileName     string           `json:"fileName"`
	FileType     string           `json:"fileType"`
	Status       ExtractionStatus `json:"status"`
	Model        string           `json:"model,omitempty"`
	ModelParams  json.RawMessage  `json:"modelParams,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// DisplayInfo returns the text presented to clients for the record's state.
func (r ExtractionRecord) DisplayInfo() string {
	switch r.Status {
	case ExtractionCompleted:
		return r.Content
	case ExtractionFailed:
		return FailedText
	default:
		return PendingText
	}
}

// Usable reports whether the record can feed the chat knowledge base.
func (r ExtractionRecord) Usable() bool {
	return r.Status == ExtractionCompleted && strings.TrimSpace(r.Content) != ""
}

// MarshalJSON adds the display text under extractedInfo.
func (r ExtractionRecord) MarshalJSON() ([]byte, error) {
	type plain ExtractionRecord
	return json.Marshal(struct {
		plain
		ExtractedInfo string `json:"extractedInfo"`
	}{plain: plain(r), ExtractedInfo: r.DisplayInfo()})
}
