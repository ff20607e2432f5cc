package inbox

import "time"

// State is a job's position in the state machine:
// queued -> inflight -> (deleted | failed | dead).
type State string

const (
	StateQueued   State = "queued"
	StateInflight State = "inflight"
	StateFailed   State = "failed"
	StateDead     State = "dead"
)

// Job is a persistent per-conversation inbox job. JobID is always
// conversation_id + ":" + message_id.
type Job struct {
	JobID             string    `gorm:"primaryKey;column:job_id"`
	ConversationID    string    `gorm:"column:conversation_id;index:idx_inbox_conv"`
	MessageID         string    `gorm:"column:message_id"`
	PayloadEnvelope   []byte    `gorm:"column:payload_envelope"`
	Token             string    `gorm:"column:token"`
	PeerAccountDigest string    `gorm:"column:peer_account_digest"`
	CreatedAt         time.Time `gorm:"column:created_at"`
	RetryCount        int       `gorm:"column:retry_count"`
	NextAttemptAt     time.Time `gorm:"column:next_attempt_at"`
	State             State     `gorm:"column:state;index:idx_inbox_conv"`
	LastError         string    `gorm:"column:last_error"`
}

func (Job) TableName() string { return "inbox_jobs" }

func makeJobID(conversationID, messageID string) string {
	return conversationID + ":" + messageID
}
