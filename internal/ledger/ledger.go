package ledger

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrCounterRegression is returned by Advance when the caller attempts to
// lower a (conversation, sender_device)'s high-water mark. The monotonic
// write guard never allows this; callers attempting it have a bug upstream.
var ErrCounterRegression = errors.New("ledger: counter regression refused")

// row is the gorm-mapped per-(conversation, sender_device) counter entry.
type row struct {
	ConversationID string `gorm:"primaryKey;column:conversation_id"`
	SenderDeviceID string `gorm:"primaryKey;column:sender_device_id"`
	MaxProcessed   uint32 `gorm:"column:max_processed_counter"`
}

func (row) TableName() string { return "ledger_entries" }

// Store is the local processed-counter ledger: the authoritative
// per-(conversation, sender_device) high-water mark, updated only after a
// full decrypt+vault-put+timeline-append commit tuple succeeds.
type Store struct {
	db *gorm.DB
}

// Open migrates the ledger table and returns a Store.
func Open(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&row{}); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the current high-water mark for (conversationID,
// senderDeviceID). A missing entry is treated as 0, not as an error.
func (s *Store) Get(ctx context.Context, conversationID, senderDeviceID string) (uint32, error) {
	var r row
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND sender_device_id = ?", conversationID, senderDeviceID).
		First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("ledger: get: %w", err)
	}
	return r.MaxProcessed, nil
}

// Advance sets the high-water mark to counter, refusing to lower it. It
// must only be called after the caller's full commit tuple (decrypt ok,
// vault put ok, timeline append ok) has already succeeded.
func (s *Store) Advance(ctx context.Context, conversationID, senderDeviceID string, counter uint32) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r row
		err := tx.Where("conversation_id = ? AND sender_device_id = ?", conversationID, senderDeviceID).First(&r).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&row{ConversationID: conversationID, SenderDeviceID: senderDeviceID, MaxProcessed: counter}).Error
		case err != nil:
			return fmt.Errorf("ledger: advance lookup: %w", err)
		}
		if counter < r.MaxProcessed {
			return ErrCounterRegression
		}
		if counter == r.MaxProcessed {
			return nil
		}
		return tx.Model(&row{}).
			Where("conversation_id = ? AND sender_device_id = ?", conversationID, senderDeviceID).
			Update("max_processed_counter", counter).Error
	})
}
