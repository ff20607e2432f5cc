package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"securecore/internal/cryptocore"
)

// contactSecret is one persisted Double Ratchet session snapshot, keyed by
// (conversation_id, peer_device_id). The snapshot blob is the opaque
// export produced by cryptocore.ExportSession.
type contactSecret struct {
	ConversationID    string    `gorm:"primaryKey;column:conversation_id"`
	PeerDeviceID      string    `gorm:"primaryKey;column:peer_device_id"`
	PeerAccountDigest string    `gorm:"column:peer_account_digest"`
	Snapshot          []byte    `gorm:"column:snapshot"`
	SnapshotVersion   int       `gorm:"column:snapshot_version"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (contactSecret) TableName() string { return "contact_secrets" }

const snapshotVersion = 2

// SessionRegistry holds live Double Ratchet sessions in memory and mirrors
// every mutation to the contact_secrets table so sessions survive process
// restarts. It satisfies the session collaborator interface of the Route-B
// consumer; all access happens under the caller's conversation lock, the
// registry's own mutex only guards the map itself.
type SessionRegistry struct {
	db     *gorm.DB
	logger *slog.Logger

	mu   sync.Mutex
	live map[sessionKey]*cryptocore.SessionState
}

type sessionKey struct {
	ConversationID string
	PeerDeviceID   string
}

// OpenSessionRegistry migrates the contact_secrets table and loads every
// stored snapshot into memory. A snapshot that no longer parses is skipped
// with a warning; the row is left in place for inspection.
func OpenSessionRegistry(db *gorm.DB, logger *slog.Logger) (*SessionRegistry, error) {
	if err := db.AutoMigrate(&contactSecret{}); err != nil {
		return nil, fmt.Errorf("engine: migrate contact secrets: %w", err)
	}
	r := &SessionRegistry{
		db:     db,
		logger: logger,
		live:   make(map[sessionKey]*cryptocore.SessionState),
	}
	var rows []contactSecret
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("engine: load contact secrets: %w", err)
	}
	for _, row := range rows {
		s, err := cryptocore.ImportSession(row.Snapshot)
		if err != nil {
			logger.Warn("contact secret snapshot unusable",
				"conversation", Prefix8(row.ConversationID),
				"peer_device", Prefix8(row.PeerDeviceID))
			continue
		}
		r.live[sessionKey{row.ConversationID, row.PeerDeviceID}] = s
	}
	return r, nil
}

// Get returns the live session for (conversationID, peerDeviceID), if any.
func (r *SessionRegistry) Get(conversationID, peerDeviceID string) (*cryptocore.SessionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[sessionKey{conversationID, peerDeviceID}]
	return s, ok
}

// Put stores the session in memory and mirrors its snapshot to disk. A
// failed disk write is logged and does not fail the caller: the in-memory
// state is still authoritative for this process's lifetime.
func (r *SessionRegistry) Put(conversationID, peerDeviceID string, s *cryptocore.SessionState) {
	r.mu.Lock()
	r.live[sessionKey{conversationID, peerDeviceID}] = s
	r.mu.Unlock()

	blob, err := cryptocore.ExportSession(s)
	if err != nil {
		r.logger.Error("export session snapshot", "err", err,
			"conversation", Prefix8(conversationID))
		return
	}
	row := contactSecret{
		ConversationID:  conversationID,
		PeerDeviceID:    peerDeviceID,
		Snapshot:        blob,
		SnapshotVersion: snapshotVersion,
	}
	err = r.db.Save(&row).Error
	if err != nil {
		r.logger.Error("persist session snapshot", "err", err,
			"conversation", Prefix8(conversationID))
	}
}

// Reset deletes a conversation's session, in memory and on disk. Resets are
// always an explicit external event; nothing inside the engine calls this
// on its own.
func (r *SessionRegistry) Reset(conversationID, peerDeviceID string) error {
	r.mu.Lock()
	delete(r.live, sessionKey{conversationID, peerDeviceID})
	r.mu.Unlock()
	err := r.db.
		Where("conversation_id = ? AND peer_device_id = ?", conversationID, peerDeviceID).
		Delete(&contactSecret{}).Error
	if err != nil {
		return fmt.Errorf("engine: reset session: %w", err)
	}
	return nil
}
