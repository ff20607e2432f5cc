package vault

import "time"

// entry is the gorm-mapped row backing one vault entry. The plaintext
// message key never touches disk; WrappedKeyB64 is the master-key AES-GCM
// ciphertext produced by wrap().
type entry struct {
	ConversationID string `gorm:"primaryKey;column:conversation_id"`
	Counter        uint32 `gorm:"primaryKey;column:counter"`
	SenderDeviceID string `gorm:"primaryKey;column:sender_device_id"`

	MessageID     string    `gorm:"column:message_id"`
	WrappedKeyB64 string    `gorm:"column:wrapped_key_b64"`
	IVB64         string    `gorm:"column:iv_b64"`
	HeaderDigest  string    `gorm:"column:header_digest"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (entry) TableName() string { return "vault_entries" }
