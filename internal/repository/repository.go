package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"activityindexer/internal/models"
)

// ActivityRepository is the store the sync run writes through. Per-account
// writes go through one InTx call so a page is applied entirely or not at all.
type ActivityRepository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	NextAccountsDueForSync(ctx context.Context, limit int) ([]models.Account, error)
	UpsertActivitiesTx(ctx context.Context, tx *gorm.DB, accountID uint64, items []models.Activity) (UpsertStats, error)
	TombstoneActivitiesTx(ctx context.Context, tx *gorm.DB, accountID uint64, hashes []string) (int64, error)
	RecomputeWatermarkTx(ctx context.Context, tx *gorm.DB, accountID uint64, syncedAt time.Time) (*int64, error)
	TouchAccount(ctx context.Context, accountID uint64, at time.Time, syncErr *string) error
	ResolveReplyLinks(ctx context.Context) (int64, error)
	GetSyncState(ctx context.Context, scope string) (*models.SyncState, error)
	SaveSyncState(ctx context.Context, state *models.SyncState) error
	ListSyncStates(ctx context.Context) ([]models.SyncState, error)
}

// Repository adds the read side used by the ops API.
type Repository interface {
	ActivityRepository

	UpsertAccount(ctx context.Context, item *models.Account) error
	GetAccount(ctx context.Context, id uint64) (*models.Account, error)
	ListAccounts(ctx context.Context, params ListAccountsParams) ([]models.Account, error)
	CountAccounts(ctx context.Context, params ListAccountsParams) (int64, error)
	ListActivities(ctx context.Context, params ListActivitiesParams) ([]models.Activity, error)
}

type UpsertStats struct {
	Written int64
	// SequenceConflicts lists sequences already held by a different content
	// hash for the account; those items are not written.
	SequenceConflicts []int64
}

type ListAccountsParams struct {
	Limit    int
	Offset   int
	Username *string
	HasFeed  *bool
}

type ListActivitiesParams struct {
	AccountID      uint64
	Limit          int
	BeforeSequence *int64
	IncludeDeleted bool
}
