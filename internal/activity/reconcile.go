package activity

import (
	"sort"
	"time"

	"activityindexer/internal/client/feed"
	"activityindexer/internal/models"
)

type Options struct {
	// Watermark is the highest sequence already reconciled; nil means the
	// account was never indexed and the whole page is scanned.
	Watermark *int64
	// WindowCount and WindowAge bound the re-scan below the watermark. The
	// scan stops only when both are exhausted.
	WindowCount int
	WindowAge   time.Duration
	Now         time.Time
	Verifier    Verifier
}

type Result struct {
	Upserts []models.Activity
	// Tombstones are content hashes deleted by this page whose targets were
	// not in the page, sorted.
	Tombstones  []string
	MaxSequence *int64
	Stopped     bool
}

// Reconcile walks one account's feed page, newest sequence first, and decides
// what to upsert and what to tombstone. Any entry that is malformed or fails
// verification discards the whole page: entries chain to their predecessors,
// so nothing after a broken link can be trusted.
func Reconcile(accountID uint64, address string, page []feed.Entry, opts Options) (Result, error) {
	verifier := opts.Verifier
	if verifier == nil {
		verifier = SignatureVerifier{}
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.Add(-opts.WindowAge)

	var (
		res     Result
		prevSeq *int64
		pending = map[string]struct{}{}
	)
	res.Upserts = make([]models.Activity, 0, len(page))

	for _, entry := range page {
		item, err := Normalize(accountID, entry)
		if err != nil {
			return Result{}, err
		}
		if !verifier.Verify(address, entry) {
			return Result{}, &AuthenticityError{AccountID: accountID, Sequence: item.Sequence, ContentHash: item.ContentHash}
		}

		if opts.Watermark != nil &&
			item.Sequence <= *opts.Watermark &&
			len(res.Upserts) >= opts.WindowCount &&
			item.PublishedAt.Before(cutoff) {
			res.Stopped = true
			break
		}

		// First occurrence of a repeated sequence wins.
		if prevSeq != nil && item.Sequence == *prevSeq {
			continue
		}

		if item.DeleteTargetHash != "" {
			pending[item.DeleteTargetHash] = struct{}{}
		}
		if _, ok := pending[item.ContentHash]; ok {
			item.Deleted = true
			delete(pending, item.ContentHash)
		}

		res.Upserts = append(res.Upserts, item)
		seq := item.Sequence
		prevSeq = &seq
		if res.MaxSequence == nil || seq > *res.MaxSequence {
			res.MaxSequence = &seq
		}
	}

	// A delete can carry a lower sequence than its target when the upstream
	// reorders; targets already accepted from this page are resolved here.
	for i := range res.Upserts {
		if _, ok := pending[res.Upserts[i].ContentHash]; ok {
			res.Upserts[i].Deleted = true
			delete(pending, res.Upserts[i].ContentHash)
		}
	}

	res.Tombstones = make([]string, 0, len(pending))
	for hash := range pending {
		res.Tombstones = append(res.Tombstones, hash)
	}
	sort.Strings(res.Tombstones)
	return res, nil
}
