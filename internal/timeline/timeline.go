// Package timeline stores decrypted message entries for display, keeping
// per-sender ordering stable even when replay and live decryption
// interleave.
package timeline

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry is one committed, decrypted message.
type Entry struct {
	ConversationID string    `gorm:"primaryKey;column:conversation_id"`
	Counter        uint32    `gorm:"primaryKey;column:counter"`
	SenderDeviceID string    `gorm:"primaryKey;column:sender_device_id"`
	MessageID      string    `gorm:"column:message_id"`
	Plaintext      []byte    `gorm:"column:plaintext"`
	Route          string    `gorm:"column:route"` // "route_a" or "route_b"
	CommittedAt    time.Time `gorm:"column:committed_at;autoCreateTime"`
}

func (Entry) TableName() string { return "timeline_entries" }

// Store is the decrypted-message timeline.
type Store struct {
	db *gorm.DB
}

// Open migrates the timeline table and returns a Store.
func Open(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("timeline: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// AppendBatch inserts entries idempotently. Entries that already exist at
// their (conversation_id, counter, sender_device_id) key are left
// untouched, so appending an already-committed message again neither
// duplicates nor overwrites its row. A shadow advance does not reach this
// method; it uses NoOpAppender.
func (s *Store) AppendBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entries).Error
	if err != nil {
		return fmt.Errorf("timeline: append batch: %w", err)
	}
	return nil
}

// ListDesc returns committed entries for a conversation ordered by counter
// descending, for UI consumption.
func (s *Store) ListDesc(ctx context.Context, conversationID string, limit int) ([]Entry, error) {
	var entries []Entry
	q := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("counter DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("timeline: list: %w", err)
	}
	return entries, nil
}

// NoOpAppender satisfies Appender but discards its input. The hybrid
// coordinator's shadow advance uses it so the live consumer's ratchet
// catch-up never duplicates a timeline entry already written by replay.
type NoOpAppender struct{}

func (NoOpAppender) AppendBatch(context.Context, []Entry) error { return nil }

// Appender is the narrow collaborator interface the coordinator and Route B
// depend on, so a real Store and a NoOpAppender are interchangeable.
type Appender interface {
	AppendBatch(ctx context.Context, entries []Entry) error
}
