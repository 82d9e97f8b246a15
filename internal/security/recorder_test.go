package security

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumeopage/server/internal/model"
	"github.com/lumeopage/server/internal/repo"
)

// flakyLogRepo fails the first failCount inserts, then succeeds.
type flakyLogRepo struct {
	mu        sync.Mutex
	failCount int
	entries   []model.SecurityLogEntry
}

func (r *flakyLogRepo) Insert(_ context.Context, e model.SecurityLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCount > 0 {
		r.failCount--
		return errors.New("store down")
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *flakyLogRepo) CountByActionSince(context.Context, string, model.SecurityAction, time.Time) (int, error) {
	return 0, nil
}

func (r *flakyLogRepo) Filter(context.Context, repo.SecurityLogFilter) ([]model.SecurityLogEntry, int, error) {
	return nil, 0, nil
}

func (r *flakyLogRepo) stored() []model.SecurityLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.SecurityLogEntry(nil), r.entries...)
}

func TestRecorderWritesSynchronouslyWhenHealthy(t *testing.T) {
	store := &flakyLogRepo{}
	r := NewRecorder(store)

	r.Record(context.Background(), model.SecurityLogEntry{
		Subject: "a@example.com",
		Action:  model.ActionLoginSuccess,
		Status:  model.StatusSuccess,
	})

	entries := store.stored()
	require.Len(t, entries, 1)
	assert.NotZero(t, entries[0].ID, "ID is filled in when unset")
	assert.False(t, entries[0].CreatedAt.IsZero(), "timestamp is filled in when unset")
}

func TestRecorderRetriesInBackground(t *testing.T) {
	store := &flakyLogRepo{failCount: 2}
	r := NewRecorder(store)
	r.baseDelay = 5 * time.Millisecond

	r.Record(context.Background(), model.SecurityLogEntry{
		Subject: "b@example.com",
		Action:  model.ActionLoginFailed,
		Status:  model.StatusFailure,
	})

	// The caller was not blocked; the entry lands shortly after.
	require.Eventually(t, func() bool {
		return len(store.stored()) == 1
	}, 2*time.Second, 10*time.Millisecond, "entry must be written by the background retry")
}

func TestRecorderDropsAfterRetryBudget(t *testing.T) {
	store := &flakyLogRepo{failCount: 100}
	r := NewRecorder(store)
	r.baseDelay = time.Millisecond
	r.maxRetries = 2

	r.Record(context.Background(), model.SecurityLogEntry{
		Subject: "c@example.com",
		Action:  model.ActionLoginFailed,
		Status:  model.StatusFailure,
	})

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, store.stored(), "entry is dropped once the budget is exhausted")
}

func TestBlocklistDegradesOpenWithoutRedis(t *testing.T) {
	b := NewBlocklist(nil)
	ctx := context.Background()

	require.NoError(t, b.BlockIP(ctx, "203.0.113.9", time.Minute))
	assert.False(t, b.IsIPBlocked(ctx, "203.0.113.9"))
	assert.False(t, b.IsUserBlocked(ctx, "some-user"))
}
