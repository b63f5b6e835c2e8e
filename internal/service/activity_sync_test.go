package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"activityindexer/internal/activity"
	"activityindexer/internal/cache"
	"activityindexer/internal/client/feed"
	"activityindexer/internal/models"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(t *testing.T, seq int64, hash, text string) feed.Entry {
	t.Helper()
	raw := fmt.Sprintf(
		`{"body":{"type":"text-short","publishedAt":%d,"sequence":%d,"username":"alice","address":"0xabc","data":{"text":%q}},"merkleRoot":%q,"signature":"0x"}`,
		testNow.Add(-time.Hour).UnixMilli(), seq, text, hash)
	var e feed.Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	return e
}

// rejecting verifies every entry except those whose content hash is listed.
func rejecting(hashes ...string) activity.Verifier {
	bad := map[string]bool{}
	for _, h := range hashes {
		bad[h] = true
	}
	return activity.VerifierFunc(func(_ string, e feed.Entry) bool { return !bad[e.MerkleRoot] })
}

func account(id uint64, endpoint string) models.Account {
	return models.Account{ID: id, Username: fmt.Sprintf("user%d", id), Address: "0xabc", ActivityURL: endpoint}
}

func newService(repo *stubRepo, fetcher *stubFetcher, verifier activity.Verifier) *ActivitySyncService {
	return &ActivitySyncService{
		Repo:     repo,
		Fetcher:  fetcher,
		Verifier: verifier,
		Locker:   cache.NewMemoryStore(),
		Now:      func() time.Time { return testNow },
	}
}

var defaultRun = RunOptions{BatchSize: 200, Workers: 4, WindowCount: 50, WindowAge: 14 * 24 * time.Hour}

func TestRunBatchNeverSyncedAccount(t *testing.T) {
	repo := newStubRepo(account(1, "https://feeds.example/alice"))
	fetcher := &stubFetcher{feeds: map[string][]feed.Entry{
		"https://feeds.example/alice": {
			entry(t, 5, "h5", "hello"),
			entry(t, 4, "h4", "delete:farcaster://casts/h5"),
			entry(t, 3, "h3", "first"),
		},
	}}
	svc := newService(repo, fetcher, rejecting())

	res, err := svc.RunBatch(context.Background(), defaultRun)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Synced != 1 || res.Upserted != 3 || res.Tombstoned != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	acc := repo.account(1)
	if acc.LatestActivitySequence == nil || *acc.LatestActivitySequence != 5 {
		t.Fatalf("watermark=%v want 5", acc.LatestActivitySequence)
	}
	if acc.ActivityUpdatedAt == nil || !acc.ActivityUpdatedAt.Equal(testNow) {
		t.Fatalf("activity_updated_at=%v", acc.ActivityUpdatedAt)
	}
	h5, ok := repo.activity(1, "h5")
	if !ok || !h5.Deleted {
		t.Fatalf("h5 must be stored deleted: %+v", h5)
	}
	if h4, _ := repo.activity(1, "h4"); h4.Deleted {
		t.Fatalf("h4 must not be deleted")
	}
	if len(repo.tombstoneCalls[1]) != 0 {
		t.Fatalf("no store tombstones expected: %v", repo.tombstoneCalls[1])
	}
	if repo.replyPasses != 1 {
		t.Fatalf("reply passes=%d want 1", repo.replyPasses)
	}
	state, _ := repo.GetSyncState(context.Background(), SyncScope)
	if state == nil || state.LastSuccessAt == nil || state.LastError != nil || state.LastRunID == nil || *state.LastRunID != res.RunID {
		t.Fatalf("unexpected sync state: %+v", state)
	}
}

func TestRunBatchIsolatesAccountFailures(t *testing.T) {
	prev := int64(2)
	fetchFail := account(2, "https://feeds.example/down")
	fetchFail.LatestActivitySequence = &prev
	forged := account(3, "https://feeds.example/forged")
	forged.LatestActivitySequence = &prev

	repo := newStubRepo(account(1, ""), fetchFail, forged, account(4, "https://feeds.example/ok"))
	fetcher := &stubFetcher{
		feeds: map[string][]feed.Entry{
			"https://feeds.example/forged": {entry(t, 4, "f4", "a"), entry(t, 3, "bad", "b")},
			"https://feeds.example/ok":     {entry(t, 1, "ok1", "a")},
		},
		errs: map[string]error{"https://feeds.example/down": fmt.Errorf("%w: 502", feed.ErrTransport)},
	}
	svc := newService(repo, fetcher, rejecting("bad"))

	res, err := svc.RunBatch(context.Background(), defaultRun)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Accounts != 4 || res.Skipped != 1 || res.FetchFailed != 1 || res.Aborted != 1 || res.Synced != 1 {
		t.Fatalf("unexpected outcome counts: %+v", res)
	}

	for _, id := range []uint64{2, 3} {
		acc := repo.account(id)
		if acc.LatestActivitySequence == nil || *acc.LatestActivitySequence != 2 {
			t.Fatalf("account %d watermark moved: %v", id, acc.LatestActivitySequence)
		}
		if acc.ActivitySyncError == nil {
			t.Fatalf("account %d failure not recorded", id)
		}
		if acc.ActivityUpdatedAt == nil {
			t.Fatalf("account %d not touched", id)
		}
	}
	if _, ok := repo.activity(3, "f4"); ok {
		t.Fatalf("entries before the forged one must not be stored")
	}
	if skipped := repo.account(1); skipped.ActivityUpdatedAt == nil || skipped.ActivitySyncError != nil {
		t.Fatalf("skipped account must be touched without error: %+v", skipped)
	}
	if ok := repo.account(4); ok.LatestActivitySequence == nil || *ok.LatestActivitySequence != 1 {
		t.Fatalf("healthy account watermark=%v want 1", ok.LatestActivitySequence)
	}
	if repo.replyPasses != 1 {
		t.Fatalf("reply passes=%d want 1", repo.replyPasses)
	}
}

func TestRunBatchStorageFailureIsolatedByDefault(t *testing.T) {
	repo := newStubRepo(account(1, "https://feeds.example/a"), account(2, "https://feeds.example/b"))
	repo.upsertErr[1] = errors.New("connection reset")
	fetcher := &stubFetcher{feeds: map[string][]feed.Entry{
		"https://feeds.example/a": {entry(t, 1, "a1", "x")},
		"https://feeds.example/b": {entry(t, 1, "b1", "x")},
	}}
	svc := newService(repo, fetcher, rejecting())

	res, err := svc.RunBatch(context.Background(), defaultRun)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.StorageFailed != 1 || res.Synced != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if acc := repo.account(1); acc.LatestActivitySequence != nil || acc.ActivitySyncError == nil {
		t.Fatalf("failed account must keep its watermark and record the error: %+v", acc)
	}
	if repo.replyPasses != 1 {
		t.Fatalf("reply passes=%d want 1", repo.replyPasses)
	}
}

func TestRunBatchAbortOnStorageError(t *testing.T) {
	repo := newStubRepo(account(1, "https://feeds.example/a"), account(2, "https://feeds.example/b"))
	repo.upsertErr[1] = errors.New("disk full")
	fetcher := &stubFetcher{feeds: map[string][]feed.Entry{
		"https://feeds.example/a": {entry(t, 1, "a1", "x")},
		"https://feeds.example/b": {entry(t, 1, "b1", "x")},
	}}
	svc := newService(repo, fetcher, rejecting())

	opts := defaultRun
	opts.Workers = 1
	opts.AbortOnStorageError = true
	res, err := svc.RunBatch(context.Background(), opts)

	var storageErr *StorageError
	if !errors.As(err, &storageErr) || storageErr.AccountID != 1 {
		t.Fatalf("err=%v want StorageError for account 1", err)
	}
	if res.Synced != 0 {
		t.Fatalf("no account may sync after the abort: %+v", res)
	}
	if acc := repo.account(2); acc.LatestActivitySequence != nil {
		t.Fatalf("account 2 watermark advanced after abort")
	}
	if repo.replyPasses != 0 {
		t.Fatalf("reply pass must not run after an aborted run")
	}
	state, _ := repo.GetSyncState(context.Background(), SyncScope)
	if state == nil || state.LastError == nil {
		t.Fatalf("run failure not recorded in sync state: %+v", state)
	}
}

func TestRunBatchIdempotent(t *testing.T) {
	repo := newStubRepo(account(1, "https://feeds.example/a"))
	page := []feed.Entry{entry(t, 3, "h3", "delete:farcaster://casts/h0"), entry(t, 2, "h2", "x"), entry(t, 1, "h1", "y")}
	fetcher := &stubFetcher{feeds: map[string][]feed.Entry{"https://feeds.example/a": page}}
	svc := newService(repo, fetcher, rejecting())

	if _, err := svc.RunBatch(context.Background(), defaultRun); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := len(repo.activities[1])
	if _, err := svc.RunBatch(context.Background(), defaultRun); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(repo.activities[1]) != first || first != 3 {
		t.Fatalf("activities=%d after rerun, want %d", len(repo.activities[1]), first)
	}
	if acc := repo.account(1); acc.LatestActivitySequence == nil || *acc.LatestActivitySequence != 3 {
		t.Fatalf("watermark=%v want 3", acc.LatestActivitySequence)
	}
}

func TestRunBatchRunLockHeld(t *testing.T) {
	repo := newStubRepo(account(1, "https://feeds.example/a"))
	fetcher := &stubFetcher{}
	svc := newService(repo, fetcher, rejecting())
	if ok, _ := svc.Locker.TryLock(context.Background(), runLockKey, "other-run", time.Minute); !ok {
		t.Fatalf("pre-lock failed")
	}

	_, err := svc.RunBatch(context.Background(), defaultRun)
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err=%v want ErrRunInProgress", err)
	}
	if len(fetcher.called) != 0 || repo.account(1).ActivityUpdatedAt != nil {
		t.Fatalf("locked run must not touch anything")
	}
	holder, running, err := svc.CurrentRun(context.Background())
	if err != nil || !running || holder != "other-run" {
		t.Fatalf("current run=%q running=%v err=%v", holder, running, err)
	}
}

func TestRunBatchReleasesLock(t *testing.T) {
	repo := newStubRepo()
	svc := newService(repo, &stubFetcher{}, rejecting())
	if _, err := svc.RunBatch(context.Background(), defaultRun); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := svc.RunBatch(context.Background(), defaultRun); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if _, running, _ := svc.CurrentRun(context.Background()); running {
		t.Fatalf("lock still held after run")
	}
}

func TestRunBatchCanceledContext(t *testing.T) {
	repo := newStubRepo(account(1, "https://feeds.example/a"))
	fetcher := &stubFetcher{feeds: map[string][]feed.Entry{"https://feeds.example/a": {entry(t, 1, "a1", "x")}}}
	svc := newService(repo, fetcher, rejecting())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := svc.RunBatch(ctx, defaultRun)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	if res.Accounts != 1 || res.Interrupted != 1 {
		t.Fatalf("unscheduled account must count as interrupted: %+v", res)
	}
	if repo.replyPasses != 0 {
		t.Fatalf("reply pass must not run after cancellation")
	}
	if acc := repo.account(1); acc.LatestActivitySequence != nil || acc.ActivityUpdatedAt != nil {
		t.Fatalf("canceled run must leave the account untouched: %+v", acc)
	}
}

func TestRunBatchSelectFailure(t *testing.T) {
	repo := newStubRepo()
	repo.nextErr = errors.New("db down")
	svc := newService(repo, &stubFetcher{}, rejecting())

	_, err := svc.RunBatch(context.Background(), defaultRun)
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("err=%v want StorageError", err)
	}
}

func TestRunBatchPreservesLastSuccessOnFailure(t *testing.T) {
	repo := newStubRepo()
	svc := newService(repo, &stubFetcher{}, rejecting())
	if _, err := svc.RunBatch(context.Background(), defaultRun); err != nil {
		t.Fatalf("run: %v", err)
	}
	repo.nextErr = errors.New("db down")
	if _, err := svc.RunBatch(context.Background(), defaultRun); err == nil {
		t.Fatalf("expected error")
	}
	state, _ := repo.GetSyncState(context.Background(), SyncScope)
	if state == nil || state.LastSuccessAt == nil || state.LastError == nil {
		t.Fatalf("unexpected sync state: %+v", state)
	}
}

func TestRunBatchWindowUsesWatermark(t *testing.T) {
	wm := int64(10)
	acc := account(1, "https://feeds.example/a")
	acc.LatestActivitySequence = &wm
	repo := newStubRepo(acc)

	old := make([]feed.Entry, 0, 10)
	for seq := int64(10); seq > 0; seq-- {
		e := entry(t, seq, fmt.Sprintf("h%d", seq), "x")
		e.Body.PublishedAt = testNow.Add(-30 * 24 * time.Hour).UnixMilli()
		old = append(old, e)
	}
	fetcher := &stubFetcher{feeds: map[string][]feed.Entry{"https://feeds.example/a": old}}
	svc := newService(repo, fetcher, rejecting())

	opts := defaultRun
	opts.WindowCount = 3
	res, err := svc.RunBatch(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Upserted != 3 {
		t.Fatalf("upserted=%d want 3", res.Upserted)
	}
}
