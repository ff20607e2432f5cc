package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"gorm.io/gorm"
)

// Store is the message-key vault: a master-key-encrypted, idempotent
// per-message key store backing replay decryption.
type Store struct {
	db        *gorm.DB
	masterKey [32]byte
}

// Open migrates the vault_entries table and returns a Store scoped to the
// given device master key. masterKey wraps every message key this vault
// holds; it never itself touches disk.
func Open(db *gorm.DB, masterKey [32]byte) (*Store, error) {
	if err := db.AutoMigrate(&entry{}); err != nil {
		return nil, fmt.Errorf("vault: migrate: %w", err)
	}
	return &Store{db: db, masterKey: masterKey}, nil
}

// Put writes a message key idempotently keyed by (conversationID, counter,
// senderDeviceID). A re-put with a different plaintext key is rejected with
// ErrKeyConflict; a re-put with the same plaintext key is a silent no-op.
func (s *Store) Put(ctx context.Context, conversationID string, counter uint32, senderDeviceID, messageID string, messageKeyPlain [32]byte, headerDigest string) error {
	existing, found, err := s.lookupRow(ctx, conversationID, counter, senderDeviceID)
	if err != nil {
		return err
	}
	if found {
		plain, err := s.unwrap(existing)
		if err != nil {
			return err
		}
		if plain != messageKeyPlain {
			return ErrKeyConflict
		}
		return nil
	}

	ivBytes, wrapped, err := s.wrap(messageKeyPlain)
	if err != nil {
		return fmt.Errorf("vault: wrap: %w", err)
	}
	row := entry{
		ConversationID: conversationID,
		Counter:        counter,
		SenderDeviceID: senderDeviceID,
		MessageID:      messageID,
		WrappedKeyB64:  base64.StdEncoding.EncodeToString(wrapped),
		IVB64:          base64.StdEncoding.EncodeToString(ivBytes),
		HeaderDigest:   headerDigest,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("vault: put: %w", err)
	}
	return nil
}

// Get returns the plaintext message key for (conversationID, counter,
// senderDeviceID), or ok=false if no entry exists.
func (s *Store) Get(ctx context.Context, conversationID string, counter uint32, senderDeviceID string) (key [32]byte, ok bool, err error) {
	row, found, err := s.lookupRow(ctx, conversationID, counter, senderDeviceID)
	if err != nil || !found {
		return [32]byte{}, false, err
	}
	plain, err := s.unwrap(row)
	if err != nil {
		return [32]byte{}, false, err
	}
	return plain, true, nil
}

// Has reports whether an entry exists without decrypting it.
func (s *Store) Has(ctx context.Context, conversationID string, counter uint32, senderDeviceID string) (bool, error) {
	_, found, err := s.lookupRow(ctx, conversationID, counter, senderDeviceID)
	return found, err
}

func (s *Store) lookupRow(ctx context.Context, conversationID string, counter uint32, senderDeviceID string) (entry, bool, error) {
	var row entry
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND counter = ? AND sender_device_id = ?", conversationID, counter, senderDeviceID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entry{}, false, nil
		}
		return entry{}, false, fmt.Errorf("vault: lookup: %w", err)
	}
	return row, true, nil
}

func (s *Store) wrap(plain [32]byte) (iv, ciphertext []byte, err error) {
	aead, err := newAEAD(s.masterKey)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, err
	}
	ciphertext = aead.Seal(nil, iv, plain[:], nil)
	return iv, ciphertext, nil
}

func (s *Store) unwrap(row entry) ([32]byte, error) {
	aead, err := newAEAD(s.masterKey)
	if err != nil {
		return [32]byte{}, err
	}
	iv, err := base64.StdEncoding.DecodeString(row.IVB64)
	if err != nil {
		return [32]byte{}, fmt.Errorf("vault: decode iv: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(row.WrappedKeyB64)
	if err != nil {
		return [32]byte{}, fmt.Errorf("vault: decode wrapped key: %w", err)
	}
	plain, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return [32]byte{}, fmt.Errorf("vault: unwrap: %w", err)
	}
	var out [32]byte
	copy(out[:], plain)
	return out, nil
}

func newAEAD(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
