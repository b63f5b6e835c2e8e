package gormrepository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"activityindexer/internal/models"
	"activityindexer/internal/repository"
)

// Tombstone targets per UPDATE; long IN lists overflow request limits on
// hosted postgres gateways.
const tombstoneChunkSize = 500

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- sync -------------------------------------------------------------------

// NextAccountsDueForSync returns the accounts whose activity was synced least
// recently, never-synced first. Test registrations are never scheduled.
func (s *Store) NextAccountsDueForSync(ctx context.Context, limit int) ([]models.Account, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit = normalizeLimit(limit, 200, 1000)
	var items []models.Account
	if err := s.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("url NOT LIKE ?", "%://localhost%").
		Where("username NOT LIKE ?", `\_\_tt\_%`).
		Order("activity_updated_at ASC NULLS FIRST").
		Order("id ASC").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpsertActivitiesTx(ctx context.Context, tx *gorm.DB, accountID uint64, items []models.Activity) (repository.UpsertStats, error) {
	var stats repository.UpsertStats
	items = uniqueByHash(items)
	if len(items) == 0 {
		return stats, nil
	}

	sequences := make([]int64, 0, len(items))
	for _, item := range items {
		sequences = append(sequences, item.Sequence)
	}
	var held []struct {
		Sequence    int64
		ContentHash string
	}
	if err := tx.WithContext(ctx).
		Model(&models.Activity{}).
		Select("sequence", "content_hash").
		Where("account_id = ?", accountID).
		Where("sequence IN ?", sequences).
		Find(&held).Error; err != nil {
		return stats, err
	}
	holder := make(map[int64]string, len(held))
	for _, row := range held {
		holder[row.Sequence] = row.ContentHash
	}

	now := time.Now().UTC()
	writable := make([]models.Activity, 0, len(items))
	for _, item := range items {
		if hash, ok := holder[item.Sequence]; ok && hash != item.ContentHash {
			stats.SequenceConflicts = append(stats.SequenceConflicts, item.Sequence)
			continue
		}
		holder[item.Sequence] = item.ContentHash
		item.AccountID = accountID
		item.UpdatedAt = now
		writable = append(writable, item)
	}
	if len(writable) == 0 {
		return stats, nil
	}

	// Identity columns never change; a tombstone is never undone.
	updates := clause.AssignmentColumns([]string{
		"signature",
		"num_reply_children",
		"reactions_count",
		"recasts_count",
		"watches_count",
		"raw_json",
		"updated_at",
	})
	updates = append(updates, clause.Assignment{
		Column: clause.Column{Name: "deleted"},
		Value:  gorm.Expr("activities.deleted OR excluded.deleted"),
	})
	if err := createInBatches(tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "content_hash"}},
		DoUpdates: updates,
	}), writable, 200); err != nil {
		return stats, err
	}
	stats.Written = int64(len(writable))
	return stats, nil
}

// TombstoneActivitiesTx marks the account's activities with the given content
// hashes deleted and reports how many rows matched.
func (s *Store) TombstoneActivitiesTx(ctx context.Context, tx *gorm.DB, accountID uint64, hashes []string) (int64, error) {
	hashes = cleanStrings(hashes)
	var affected int64
	now := time.Now().UTC()
	for start := 0; start < len(hashes); start += tombstoneChunkSize {
		end := start + tombstoneChunkSize
		if end > len(hashes) {
			end = len(hashes)
		}
		res := tx.WithContext(ctx).
			Model(&models.Activity{}).
			Where("account_id = ?", accountID).
			Where("content_hash IN ?", hashes[start:end]).
			Updates(map[string]any{"deleted": true, "updated_at": now})
		if res.Error != nil {
			return affected, res.Error
		}
		affected += res.RowsAffected
	}
	return affected, nil
}

// RecomputeWatermarkTx sets the account watermark to the highest stored
// sequence, stamps the sync time and clears the last sync error.
func (s *Store) RecomputeWatermarkTx(ctx context.Context, tx *gorm.DB, accountID uint64, syncedAt time.Time) (*int64, error) {
	var maxSeq sql.NullInt64
	if err := tx.WithContext(ctx).
		Model(&models.Activity{}).
		Select("MAX(sequence)").
		Where("account_id = ?", accountID).
		Scan(&maxSeq).Error; err != nil {
		return nil, err
	}

	updates := map[string]any{
		"activity_updated_at": syncedAt,
		"activity_sync_error": nil,
	}
	var watermark *int64
	if maxSeq.Valid {
		v := maxSeq.Int64
		watermark = &v
		updates["latest_activity_sequence"] = v
	}
	if err := tx.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(updates).Error; err != nil {
		return nil, err
	}
	return watermark, nil
}

func (s *Store) TouchAccount(ctx context.Context, accountID uint64, at time.Time, syncErr *string) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]any{
			"activity_updated_at": at,
			"activity_sync_error": syncErr,
		}).Error
}

const resolveReplyLinksSQL = `
UPDATE activities AS child
SET reply_to = (
	SELECT parent.id
	FROM activities AS parent
	WHERE parent.content_hash = child.reply_parent_hash
	ORDER BY parent.published_at ASC, parent.id ASC
	LIMIT 1
), updated_at = NOW()
WHERE child.reply_parent_hash <> ''
  AND child.reply_to IS NULL
  AND EXISTS (
	SELECT 1 FROM activities AS p WHERE p.content_hash = child.reply_parent_hash
  )`

// ResolveReplyLinks links every unlinked reply to the earliest published
// activity carrying its parent hash, across all accounts. Replies whose
// parent is not stored yet are left for a later pass.
func (s *Store) ResolveReplyLinks(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Exec(resolveReplyLinksSQL)
	return res.RowsAffected, res.Error
}

func (s *Store) GetSyncState(ctx context.Context, scope string) (*models.SyncState, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var state models.SyncState
	err := s.db.WithContext(ctx).First(&state, "scope = ?", scope).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *Store) SaveSyncState(ctx context.Context, state *models.SyncState) error {
	if s == nil || s.db == nil || state == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "scope"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"last_run_id",
			"last_success_at",
			"last_attempt_at",
			"last_error",
			"stats_json",
		}),
	}).Create(state).Error
}

func (s *Store) ListSyncStates(ctx context.Context) ([]models.SyncState, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var states []models.SyncState
	if err := s.db.WithContext(ctx).Order("scope asc").Find(&states).Error; err != nil {
		return nil, err
	}
	return states, nil
}

// --- accounts & reads ---------------------------------------------------------

// UpsertAccount registers an account or updates its directory fields. The
// watermark and sync bookkeeping are owned by the sync run and left alone.
func (s *Store) UpsertAccount(ctx context.Context, item *models.Account) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.Username) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "username"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"address",
			"url",
			"activity_url",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetAccount(ctx context.Context, id uint64) (*models.Account, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Account
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListAccounts(ctx context.Context, params repository.ListAccountsParams) ([]models.Account, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyAccountFilters(s.db.WithContext(ctx).Model(&models.Account{}), params)
	limit := normalizeLimit(params.Limit, 100, 500)
	offset := normalizeOffset(params.Offset)
	var items []models.Account
	if err := query.Order("id asc").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountAccounts(ctx context.Context, params repository.ListAccountsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := applyAccountFilters(s.db.WithContext(ctx).Model(&models.Account{}), params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func applyAccountFilters(query *gorm.DB, params repository.ListAccountsParams) *gorm.DB {
	if params.Username != nil && strings.TrimSpace(*params.Username) != "" {
		query = query.Where("username ILIKE ?", "%"+strings.TrimSpace(*params.Username)+"%")
	}
	if params.HasFeed != nil {
		if *params.HasFeed {
			query = query.Where("activity_url <> ''")
		} else {
			query = query.Where("activity_url = ''")
		}
	}
	return query
}

// ListActivities pages an account's activities newest sequence first.
func (s *Store) ListActivities(ctx context.Context, params repository.ListActivitiesParams) ([]models.Activity, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).
		Model(&models.Activity{}).
		Where("account_id = ?", params.AccountID)
	if params.BeforeSequence != nil {
		query = query.Where("sequence < ?", *params.BeforeSequence)
	}
	if !params.IncludeDeleted {
		query = query.Where("deleted = ?", false)
	}
	limit := normalizeLimit(params.Limit, 50, 500)
	var items []models.Activity
	if err := query.Order("sequence desc").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- helpers ------------------------------------------------------------------

func createInBatches[T any](db *gorm.DB, items []T, batchSize int) error {
	if len(items) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	for i := 0; i < len(items); i += batchSize {
		end := i + batchSize
		if end > len(items) {
			end = len(items)
		}
		if err := db.CreateInBatches(items[i:end], batchSize).Error; err != nil {
			return err
		}
	}
	return nil
}

// uniqueByHash keeps the first item per content hash; a single upsert
// statement may not touch the same row twice.
func uniqueByHash(items []models.Activity) []models.Activity {
	out := make([]models.Activity, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, ok := seen[item.ContentHash]; ok {
			continue
		}
		seen[item.ContentHash] = struct{}{}
		out = append(out, item)
	}
	return out
}

func normalizeLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, raw := range items {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		if _, ok := seen[val]; ok {
			continue
		}
		seen[val] = struct{}{}
		out = append(out, val)
	}
	return out
}

var _ repository.Repository = (*Store)(nil)
