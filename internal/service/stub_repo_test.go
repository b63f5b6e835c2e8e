package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"activityindexer/internal/client/feed"
	"activityindexer/internal/models"
	"activityindexer/internal/repository"
)

// stubRepo is an in-memory repository.ActivityRepository. Transactions run
// fn(nil) and are not rolled back; tests that need atomicity check the
// watermark instead.
type stubRepo struct {
	mu sync.Mutex

	accounts   map[uint64]*models.Account
	activities map[uint64]map[string]models.Activity
	states     map[string]models.SyncState

	upsertErr      map[uint64]error
	touchErr       error
	nextErr        error
	replyPasses    int
	replyResolved  int64
	touched        map[uint64]*string
	tombstoneCalls map[uint64][]string
}

func newStubRepo(accounts ...models.Account) *stubRepo {
	r := &stubRepo{
		accounts:       map[uint64]*models.Account{},
		activities:     map[uint64]map[string]models.Activity{},
		states:         map[string]models.SyncState{},
		upsertErr:      map[uint64]error{},
		touched:        map[uint64]*string{},
		tombstoneCalls: map[uint64][]string{},
	}
	for i := range accounts {
		acc := accounts[i]
		r.accounts[acc.ID] = &acc
	}
	return r
}

func (r *stubRepo) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error { return fn(nil) }

func (r *stubRepo) NextAccountsDueForSync(ctx context.Context, limit int) ([]models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nextErr != nil {
		return nil, r.nextErr
	}
	out := make([]models.Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ActivityUpdatedAt, out[j].ActivityUpdatedAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *stubRepo) UpsertActivitiesTx(ctx context.Context, tx *gorm.DB, accountID uint64, items []models.Activity) (repository.UpsertStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stats repository.UpsertStats
	if err := r.upsertErr[accountID]; err != nil {
		return stats, err
	}
	rows := r.activities[accountID]
	if rows == nil {
		rows = map[string]models.Activity{}
		r.activities[accountID] = rows
	}
	for _, item := range items {
		if prev, ok := rows[item.ContentHash]; ok {
			item.Deleted = item.Deleted || prev.Deleted
			item.ReplyTo = prev.ReplyTo
		}
		rows[item.ContentHash] = item
		stats.Written++
	}
	return stats, nil
}

func (r *stubRepo) TombstoneActivitiesTx(ctx context.Context, tx *gorm.DB, accountID uint64, hashes []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tombstoneCalls[accountID] = append(r.tombstoneCalls[accountID], hashes...)
	var matched int64
	for _, hash := range hashes {
		if item, ok := r.activities[accountID][hash]; ok {
			item.Deleted = true
			r.activities[accountID][hash] = item
			matched++
		}
	}
	return matched, nil
}

func (r *stubRepo) RecomputeWatermarkTx(ctx context.Context, tx *gorm.DB, accountID uint64, syncedAt time.Time) (*int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max *int64
	for _, item := range r.activities[accountID] {
		if max == nil || item.Sequence > *max {
			seq := item.Sequence
			max = &seq
		}
	}
	acc := r.accounts[accountID]
	if max != nil {
		acc.LatestActivitySequence = max
	}
	acc.ActivityUpdatedAt = &syncedAt
	acc.ActivitySyncError = nil
	return max, nil
}

func (r *stubRepo) TouchAccount(ctx context.Context, accountID uint64, at time.Time, syncErr *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.touchErr != nil {
		return r.touchErr
	}
	acc := r.accounts[accountID]
	acc.ActivityUpdatedAt = &at
	acc.ActivitySyncError = syncErr
	r.touched[accountID] = syncErr
	return nil
}

func (r *stubRepo) ResolveReplyLinks(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replyPasses++
	return r.replyResolved, nil
}

func (r *stubRepo) GetSyncState(ctx context.Context, scope string) (*models.SyncState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[scope]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (r *stubRepo) SaveSyncState(ctx context.Context, state *models.SyncState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.Scope] = *state
	return nil
}

func (r *stubRepo) ListSyncStates(ctx context.Context) ([]models.SyncState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.SyncState, 0, len(r.states))
	for _, state := range r.states {
		out = append(out, state)
	}
	return out, nil
}

func (r *stubRepo) account(id uint64) models.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.accounts[id]
}

func (r *stubRepo) activity(accountID uint64, hash string) (models.Activity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.activities[accountID][hash]
	return item, ok
}

type stubFetcher struct {
	mu     sync.Mutex
	feeds  map[string][]feed.Entry
	errs   map[string]error
	called []string
}

func (f *stubFetcher) FetchFeed(ctx context.Context, endpoint string) ([]feed.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = append(f.called, endpoint)
	if err := f.errs[endpoint]; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, ok := f.feeds[endpoint]
	if !ok {
		return nil, errors.New("unexpected endpoint " + endpoint)
	}
	return entries, nil
}

var _ repository.ActivityRepository = (*stubRepo)(nil)
