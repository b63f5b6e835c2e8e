package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"activityindexer/internal/activity"
	"activityindexer/internal/cache"
	"activityindexer/internal/client/feed"
	"activityindexer/internal/config"
	"activityindexer/internal/metrics"
	"activityindexer/internal/models"
	"activityindexer/internal/repository"
)

const (
	SyncScope  = "activities"
	runLockKey = "activity-sync:run"
)

var ErrRunInProgress = errors.New("activity sync already running")

// StorageError is a persistence failure. It fails the account it happened on
// and, when configured, the whole run.
type StorageError struct {
	AccountID uint64
	Op        string
	Err       error
}

func (e *StorageError) Error() string {
	if e.AccountID == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("account %d: %s: %v", e.AccountID, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

type Fetcher interface {
	FetchFeed(ctx context.Context, endpoint string) ([]feed.Entry, error)
}

type Outcome string

const (
	OutcomeSkipped       Outcome = "skipped"
	OutcomeFetchFailed   Outcome = "fetch_failed"
	OutcomeAborted       Outcome = "aborted"
	OutcomeSynced        Outcome = "synced"
	OutcomeStorageFailed Outcome = "storage_failed"
	OutcomeInterrupted   Outcome = "interrupted"
)

type ActivitySyncService struct {
	Repo     repository.ActivityRepository
	Fetcher  Fetcher
	Verifier activity.Verifier
	Locker   cache.LockStore
	Metrics  *metrics.Recorder
	Logger   *zap.Logger
	Now      func() time.Time
}

type RunOptions struct {
	BatchSize           int
	Workers             int
	WindowCount         int
	WindowAge           time.Duration
	AbortOnStorageError bool
	LockTTL             time.Duration
}

func RunOptionsFromConfig(cfg config.ActivitySyncConfig) RunOptions {
	return RunOptions{
		BatchSize:           cfg.BatchSize,
		Workers:             cfg.Workers,
		WindowCount:         cfg.ReindexWindowCount,
		WindowAge:           cfg.ReindexWindowAge,
		AbortOnStorageError: cfg.AbortOnStorageError,
		LockTTL:             cfg.LockTTL,
	}
}

func (o RunOptions) withDefaults() RunOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 200
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.WindowCount < 0 {
		o.WindowCount = 0
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 15 * time.Minute
	}
	return o
}

type RunResult struct {
	RunID           string    `json:"run_id"`
	Accounts        int       `json:"accounts"`
	Skipped         int       `json:"skipped"`
	Synced          int       `json:"synced"`
	Aborted         int       `json:"aborted"`
	FetchFailed     int       `json:"fetch_failed"`
	StorageFailed   int       `json:"storage_failed"`
	Interrupted     int       `json:"interrupted"`
	Upserted        int64     `json:"upserted"`
	Tombstoned      int64     `json:"tombstoned"`
	RepliesResolved int64     `json:"replies_resolved"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

type accountReport struct {
	Outcome    Outcome
	Upserted   int64
	Tombstoned int64
	Watermark  *int64
	Err        error
}

// RunBatch syncs the accounts most overdue for a refresh. Account failures are
// isolated: the account keeps its watermark and is retried on a later run.
// Once every account has settled, reply links are resolved store-wide.
func (s *ActivitySyncService) RunBatch(ctx context.Context, opts RunOptions) (RunResult, error) {
	opts = opts.withDefaults()
	runID := uuid.NewString()
	log := s.logger().With(zap.String("run_id", runID))
	result := RunResult{RunID: runID, StartedAt: s.now()}

	if s.Locker != nil {
		ok, err := s.Locker.TryLock(ctx, runLockKey, runID, opts.LockTTL)
		if err != nil {
			return result, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			return result, ErrRunInProgress
		}
		defer func() {
			if err := s.Locker.Unlock(context.WithoutCancel(ctx), runLockKey, runID); err != nil {
				log.Warn("release run lock failed", zap.Error(err))
			}
		}()
	}

	accounts, err := s.Repo.NextAccountsDueForSync(ctx, opts.BatchSize)
	if err != nil {
		runErr := &StorageError{Op: "select accounts", Err: err}
		s.finish(ctx, log, &result, runErr)
		return result, runErr
	}
	result.Accounts = len(accounts)
	log.Info("activity sync started", zap.Int("accounts", len(accounts)), zap.Int("workers", opts.Workers))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	reports := make([]accountReport, len(accounts))
	g := new(errgroup.Group)
	g.SetLimit(opts.Workers)
	for i := range accounts {
		if runCtx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if runCtx.Err() != nil {
				reports[i] = accountReport{Outcome: OutcomeInterrupted, Err: runCtx.Err()}
				return nil
			}
			rep := s.syncAccount(runCtx, log, accounts[i], opts)
			reports[i] = rep
			if rep.Outcome == OutcomeStorageFailed && opts.AbortOnStorageError {
				cancel()
				return rep.Err
			}
			return nil
		})
	}
	groupErr := g.Wait()

	for _, rep := range reports {
		if rep.Outcome == "" {
			// Never scheduled: the run was canceled first.
			rep = accountReport{Outcome: OutcomeInterrupted}
		}
		s.Metrics.RecordAccount(string(rep.Outcome))
		switch rep.Outcome {
		case OutcomeSkipped:
			result.Skipped++
		case OutcomeFetchFailed:
			result.FetchFailed++
		case OutcomeAborted:
			result.Aborted++
		case OutcomeStorageFailed:
			result.StorageFailed++
		case OutcomeInterrupted:
			result.Interrupted++
		case OutcomeSynced:
			result.Synced++
		}
		result.Upserted += rep.Upserted
		result.Tombstoned += rep.Tombstoned
	}
	s.Metrics.AddUpserted(result.Upserted)
	s.Metrics.AddTombstoned(result.Tombstoned)

	var runErr error
	switch {
	case groupErr != nil:
		runErr = groupErr
	case ctx.Err() != nil:
		runErr = ctx.Err()
	default:
		resolved, err := s.Repo.ResolveReplyLinks(ctx)
		if err != nil {
			runErr = &StorageError{Op: "resolve reply links", Err: err}
			break
		}
		result.RepliesResolved = resolved
		s.Metrics.AddRepliesResolved(resolved)
	}

	s.finish(ctx, log, &result, runErr)
	return result, runErr
}

// CurrentRun reports the id of the run holding the run lock, if any.
func (s *ActivitySyncService) CurrentRun(ctx context.Context) (string, bool, error) {
	if s.Locker == nil {
		return "", false, nil
	}
	holder, ok, err := s.Locker.Get(ctx, runLockKey)
	if err != nil || !ok {
		return "", false, err
	}
	return string(holder), true, nil
}

func (s *ActivitySyncService) syncAccount(ctx context.Context, log *zap.Logger, acc models.Account, opts RunOptions) accountReport {
	log = log.With(zap.Uint64("account_id", acc.ID), zap.String("username", acc.Username))
	if !acc.HasFeed() {
		return s.settle(ctx, log, acc, accountReport{Outcome: OutcomeSkipped})
	}

	entries, err := s.Fetcher.FetchFeed(ctx, acc.ActivityURL)
	if err != nil {
		if ctx.Err() != nil {
			return accountReport{Outcome: OutcomeInterrupted, Err: ctx.Err()}
		}
		log.Warn("fetch activity feed failed", zap.String("endpoint", acc.ActivityURL), zap.Error(err))
		return s.settle(ctx, log, acc, accountReport{Outcome: OutcomeFetchFailed, Err: err})
	}
	s.Metrics.RecordFeedEntries(len(entries))

	res, err := activity.Reconcile(acc.ID, acc.Address, entries, activity.Options{
		Watermark:   acc.LatestActivitySequence,
		WindowCount: opts.WindowCount,
		WindowAge:   opts.WindowAge,
		Now:         s.now(),
		Verifier:    s.Verifier,
	})
	if err != nil {
		fields := []zap.Field{zap.Error(err)}
		var authErr *activity.AuthenticityError
		if errors.As(err, &authErr) {
			fields = append(fields, zap.Int64("sequence", authErr.Sequence), zap.String("content_hash", authErr.ContentHash))
		}
		log.Warn("activity page discarded", fields...)
		return s.settle(ctx, log, acc, accountReport{Outcome: OutcomeAborted, Err: err})
	}

	report := accountReport{Outcome: OutcomeSynced}
	syncedAt := s.now()
	err = s.Repo.InTx(ctx, func(tx *gorm.DB) error {
		stats, err := s.Repo.UpsertActivitiesTx(ctx, tx, acc.ID, res.Upserts)
		if err != nil {
			return fmt.Errorf("upsert activities: %w", err)
		}
		if len(stats.SequenceConflicts) > 0 {
			log.Warn("sequence already held by another activity", zap.Int64s("sequences", stats.SequenceConflicts))
		}
		report.Upserted = stats.Written

		if len(res.Tombstones) > 0 {
			matched, err := s.Repo.TombstoneActivitiesTx(ctx, tx, acc.ID, res.Tombstones)
			if err != nil {
				return fmt.Errorf("tombstone activities: %w", err)
			}
			if missing := int64(len(res.Tombstones)) - matched; missing > 0 {
				log.Warn("tombstone targets not found", zap.Int64("missing", missing), zap.Int("requested", len(res.Tombstones)))
			}
			report.Tombstoned = matched
		}

		watermark, err := s.Repo.RecomputeWatermarkTx(ctx, tx, acc.ID, syncedAt)
		if err != nil {
			return fmt.Errorf("update watermark: %w", err)
		}
		report.Watermark = watermark
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return accountReport{Outcome: OutcomeInterrupted, Err: ctx.Err()}
		}
		log.Error("apply activity page failed", zap.Error(err))
		return s.settle(ctx, log, acc, accountReport{
			Outcome: OutcomeStorageFailed,
			Err:     &StorageError{AccountID: acc.ID, Op: "apply page", Err: err},
		})
	}

	log.Debug("account synced",
		zap.Int("entries", len(entries)),
		zap.Int64("upserted", report.Upserted),
		zap.Int64("tombstoned", report.Tombstoned),
		zap.Bool("window_stop", res.Stopped),
		zap.Int64p("watermark", report.Watermark),
	)
	return report
}

// settle stamps an account that did not advance its watermark so the queue
// rotates past it, recording why it failed.
func (s *ActivitySyncService) settle(ctx context.Context, log *zap.Logger, acc models.Account, rep accountReport) accountReport {
	var syncErr *string
	if rep.Err != nil {
		syncErr = strPtr(rep.Err.Error())
	}
	if err := s.Repo.TouchAccount(ctx, acc.ID, s.now(), syncErr); err != nil {
		log.Error("touch account failed", zap.Error(err))
		if rep.Outcome != OutcomeStorageFailed {
			rep = accountReport{
				Outcome: OutcomeStorageFailed,
				Err:     &StorageError{AccountID: acc.ID, Op: "touch account", Err: err},
			}
		}
	}
	return rep
}

func (s *ActivitySyncService) finish(ctx context.Context, log *zap.Logger, result *RunResult, runErr error) {
	result.FinishedAt = s.now()
	duration := result.FinishedAt.Sub(result.StartedAt)

	label := "success"
	switch {
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		label = "canceled"
	case runErr != nil:
		label = "failed"
	}
	s.Metrics.RecordRun(label, duration)

	saveCtx := context.WithoutCancel(ctx)
	state := &models.SyncState{
		Scope:         SyncScope,
		LastRunID:     strPtr(result.RunID),
		LastAttemptAt: &result.FinishedAt,
		StatsJSON:     mustJSON(result),
	}
	if runErr == nil {
		state.LastSuccessAt = &result.FinishedAt
	} else {
		state.LastError = strPtr(runErr.Error())
		if prev, err := s.Repo.GetSyncState(saveCtx, SyncScope); err == nil && prev != nil {
			state.LastSuccessAt = prev.LastSuccessAt
		}
	}
	if err := s.Repo.SaveSyncState(saveCtx, state); err != nil {
		log.Warn("save sync state failed", zap.Error(err))
	}

	fields := []zap.Field{
		zap.Int("accounts", result.Accounts),
		zap.Int("synced", result.Synced),
		zap.Int("skipped", result.Skipped),
		zap.Int("aborted", result.Aborted),
		zap.Int("fetch_failed", result.FetchFailed),
		zap.Int("storage_failed", result.StorageFailed),
		zap.Int("interrupted", result.Interrupted),
		zap.Int64("upserted", result.Upserted),
		zap.Int64("tombstoned", result.Tombstoned),
		zap.Int64("replies_resolved", result.RepliesResolved),
		zap.Duration("duration", duration),
	}
	if runErr != nil {
		log.Warn("activity sync finished with error", append(fields, zap.Error(runErr))...)
		return
	}
	log.Info("activity sync finished", fields...)
}

func (s *ActivitySyncService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *ActivitySyncService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func mustJSON(v any) datatypes.JSON {
	payload, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(payload)
}

func strPtr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
