// Package inbox implements the per-conversation inbox queue: a persistent
// FIFO with state machine {queued, inflight, failed, dead}, bounded
// retries, a yield-to-replay signal, dead-letter trimming and a per-sweep
// fairness cap.
package inbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
)

// MaxDeadPerConversation bounds retained dead jobs per conversation;
// FairnessCap bounds how many jobs one conversation may process per sweep.
const (
	MaxDeadPerConversation = 50
	FairnessCap            = 50

	backoffBase = 2 * time.Second
	backoffCap  = 5 * time.Minute
)

// Outcome is the tagged result a Handler returns, modeling the
// yield-to-replay signal as a result variant rather than a sentinel error.
type Outcome int

const (
	// OutcomeCommitted means the job's work completed and the job should
	// be deleted.
	OutcomeCommitted Outcome = iota
	// OutcomeYieldToReplay pauses the current conversation: the job is
	// restored to queued/now and processing of this conversation's sweep
	// stops immediately, handing control back to history replay.
	OutcomeYieldToReplay
)

// Handler processes a single due job. Its error return (when non-nil) is
// the failure that drives the retry/dead-letter policy; OutcomeCommitted
// with a non-nil error is treated the same as any other failure.
type Handler func(ctx context.Context, job Job) (Outcome, error)

// Store is the persistent per-conversation inbox queue.
type Store struct {
	db         *gorm.DB
	maxRetries int // policy: 0, i.e. a single failure dead-letters

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// Open migrates the inbox_jobs table and returns a Store using the
// retries=0 policy: a single handler failure dead-letters the job.
func Open(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Job{}); err != nil {
		return nil, fmt.Errorf("inbox: migrate: %w", err)
	}
	return &Store{
		db:         db,
		maxRetries: 0,
		locks:      make(map[string]*sync.Mutex),
		now:        time.Now,
	}, nil
}

// Enqueue validates and persists a new job in state=queued. job_id is
// derived as conversation_id + ":" + message_id; enqueuing twice with the
// same pair is idempotent (create is skipped on conflict).
func (s *Store) Enqueue(ctx context.Context, job Job) error {
	if job.ConversationID == "" {
		return ErrMissingConversationID
	}
	if job.MessageID == "" {
		return ErrMissingMessageID
	}
	if len(job.PayloadEnvelope) == 0 {
		return ErrMissingPayload
	}
	job.JobID = makeJobID(job.ConversationID, job.MessageID)
	job.State = StateQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = job.CreatedAt
	}
	err := s.db.WithContext(ctx).
		Where("job_id = ?", job.JobID).
		FirstOrCreate(&job).Error
	if err != nil {
		return fmt.Errorf("inbox: enqueue: %w", err)
	}
	return nil
}

// ProcessResult summarizes one call to ProcessForConversation.
type ProcessResult struct {
	Processed int
	Yielded   bool
}

// ProcessForConversation picks due jobs for conv (state in {queued,
// failed} with next_attempt_at <= now), sorted by (created_at asc,
// message_id asc), bounded by FairnessCap, and invokes handler
// sequentially under the conversation's lock. A handler's
// OutcomeYieldToReplay restores the job to queued and stops the sweep for
// this conversation immediately. Any other error increments
// retry_count and either reschedules with exponential backoff or
// dead-letters per the zero-retries policy. Dead-letter trimming runs once
// at the end of the sweep.
func (s *Store) ProcessForConversation(ctx context.Context, conv string, handler Handler) (ProcessResult, error) {
	lock := s.conversationLock(conv)
	lock.Lock()
	defer lock.Unlock()

	var result ProcessResult

	jobs, err := s.dueJobs(ctx, conv)
	if err != nil {
		return result, err
	}

	for _, job := range jobs {
		if err := s.markInflight(ctx, job.JobID); err != nil {
			return result, err
		}

		outcome, herr := handler(ctx, job)
		result.Processed++

		if herr == nil && outcome == OutcomeYieldToReplay {
			if err := s.yieldToReplay(ctx, job.JobID); err != nil {
				return result, err
			}
			result.Yielded = true
			return result, nil
		}

		if herr != nil {
			if err := s.recordFailure(ctx, job, herr); err != nil {
				return result, err
			}
			continue
		}

		if err := s.delete(ctx, job.JobID); err != nil {
			return result, err
		}
	}

	if err := s.trimDeadLetters(ctx, conv); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Store) conversationLock(conv string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[conv]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conv] = l
	}
	return l
}

func (s *Store) dueJobs(ctx context.Context, conv string) ([]Job, error) {
	var jobs []Job
	now := s.now()
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND state IN ? AND next_attempt_at <= ?", conv, []State{StateQueued, StateFailed}, now).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("inbox: due jobs: %w", err)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].MessageID < jobs[j].MessageID
	})
	if len(jobs) > FairnessCap {
		jobs = jobs[:FairnessCap]
	}
	return jobs, nil
}

func (s *Store) markInflight(ctx context.Context, jobID string) error {
	err := s.db.WithContext(ctx).Model(&Job{}).
		Where("job_id = ?", jobID).
		Update("state", StateInflight).Error
	if err != nil {
		return fmt.Errorf("inbox: mark inflight: %w", err)
	}
	return nil
}

// yieldToReplay restores a job to queued, due immediately, without
// touching retry_count: a yield is not a failure.
func (s *Store) yieldToReplay(ctx context.Context, jobID string) error {
	err := s.db.WithContext(ctx).Model(&Job{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{"state": StateQueued, "next_attempt_at": s.now()}).Error
	if err != nil {
		return fmt.Errorf("inbox: yield to replay: %w", err)
	}
	return nil
}

func (s *Store) recordFailure(ctx context.Context, job Job, cause error) error {
	retryCount := job.RetryCount + 1
	updates := map[string]any{"retry_count": retryCount, "last_error": cause.Error()}
	if retryCount > s.maxRetries {
		updates["state"] = StateDead
	} else {
		updates["state"] = StateFailed
		updates["next_attempt_at"] = s.now().Add(backoff(retryCount))
	}
	err := s.db.WithContext(ctx).Model(&Job{}).
		Where("job_id = ?", job.JobID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("inbox: record failure: %w", err)
	}
	return nil
}

func backoff(retry int) time.Duration {
	d := backoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

func (s *Store) delete(ctx context.Context, jobID string) error {
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&Job{}).Error
	if err != nil {
		return fmt.Errorf("inbox: delete: %w", err)
	}
	return nil
}

// trimDeadLetters keeps only the most recent MaxDeadPerConversation dead
// jobs for conv, pruning the rest oldest-first.
func (s *Store) trimDeadLetters(ctx context.Context, conv string) error {
	var dead []Job
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND state = ?", conv, StateDead).
		Order("created_at ASC").
		Find(&dead).Error
	if err != nil {
		return fmt.Errorf("inbox: list dead: %w", err)
	}
	if len(dead) <= MaxDeadPerConversation {
		return nil
	}
	toPrune := dead[:len(dead)-MaxDeadPerConversation]
	ids := make([]string, 0, len(toPrune))
	for _, j := range toPrune {
		ids = append(ids, j.JobID)
	}
	if err := s.db.WithContext(ctx).Where("job_id IN ?", ids).Delete(&Job{}).Error; err != nil {
		return fmt.Errorf("inbox: trim dead: %w", err)
	}
	return nil
}
