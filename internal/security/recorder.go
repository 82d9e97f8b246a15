package security

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lumeopage/server/internal/model"
	"github.com/lumeopage/server/internal/repo"
	"github.com/sethvargo/go-retry"
)

// Recorder appends security log entries. Record never fails the calling
// operation: when the store is unavailable the write is retried in the
// background with exponential backoff and dropped (with a log line) only
// after the retry budget is exhausted.
type Recorder struct {
	logs repo.SecurityLogRepo

	// retry knobs, overridable in tests
	baseDelay  time.Duration
	maxRetries uint64
}

// NewRecorder creates a Recorder over the given audit store.
func NewRecorder(logs repo.SecurityLogRepo) *Recorder {
	return &Recorder{
		logs:       logs,
		baseDelay:  500 * time.Millisecond,
		maxRetries: 5,
	}
}

// Record appends an entry, filling ID and timestamp if unset. The entry is
// written synchronously on the happy path; on failure it is handed to a
// background goroutine and the caller proceeds.
func (r *Recorder) Record(ctx context.Context, e model.SecurityLogEntry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	if err := r.logs.Insert(ctx, e); err == nil {
		return
	}

	go r.retryInsert(e)
}

func (r *Recorder) retryInsert(e model.SecurityLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	backoff := retry.WithMaxRetries(r.maxRetries, retry.NewExponential(r.baseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := r.logs.Insert(ctx, e); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		log.Printf("security: dropping audit entry %s (%s) after retries: %v", e.ID, e.Action, err)
	}
}
