package activity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	"activityindexer/internal/client/feed"
	"activityindexer/internal/models"
)

const (
	recastVerb = "recast"
	deleteVerb = "delete"

	// Emitted by a known upstream serialisation bug in place of a real hash.
	undefinedRef = "undefined"
)

// Normalize maps a feed entry onto the stored activity shape. Optional fields
// missing from the entry become empty strings or zero counters.
func Normalize(accountID uint64, entry feed.Entry) (models.Activity, error) {
	if entry.MerkleRoot == "" {
		return models.Activity{}, fmt.Errorf("%w: missing merkle root", ErrMalformedEntry)
	}
	if entry.Body.Sequence == nil {
		return models.Activity{}, fmt.Errorf("%w: activity %q has no sequence", ErrMalformedEntry, entry.MerkleRoot)
	}

	body := entry.Body
	item := models.Activity{
		AccountID:        accountID,
		ContentHash:      entry.MerkleRoot,
		Signature:        entry.Signature,
		Sequence:         *body.Sequence,
		PublishedAt:      time.UnixMilli(body.PublishedAt).UTC(),
		Username:         body.Username,
		Text:             body.Data.Text,
		ReplyParentHash:  body.Data.ReplyParentMerkleRoot,
		RecastTargetHash: castReference(body.Data.Text, recastVerb),
		PrecedingHash:    body.PrevMerkleRoot,
		DeleteTargetHash: castReference(body.Data.Text, deleteVerb),
	}
	if item.DeleteTargetHash == undefinedRef {
		item.DeleteTargetHash = ""
	}
	if meta := entry.Meta; meta != nil {
		item.NumReplyChildren = meta.NumReplyChildren
		item.ReactionsCount = meta.Reactions.Count
		item.RecastsCount = meta.Recasts.Count
		item.WatchesCount = meta.Watches.Count
	}

	raw := entry.Raw()
	if len(raw) == 0 {
		encoded, err := json.Marshal(entry)
		if err != nil {
			return models.Activity{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
		}
		raw = encoded
	}
	item.RawJSON = datatypes.JSON(raw)
	return item, nil
}

// castReference extracts the hash from text of the form
// "<verb>:<scheme>://casts/<hash>". It returns "" when text does not start
// with such a reference.
func castReference(text, verb string) string {
	rest, ok := strings.CutPrefix(text, verb+":")
	if !ok {
		return ""
	}
	scheme, path, ok := strings.Cut(rest, "://")
	if !ok || scheme == "" || strings.ContainsAny(scheme, "/ \t\r\n") {
		return ""
	}
	ref, ok := strings.CutPrefix(path, "casts/")
	if !ok {
		return ""
	}
	return strings.TrimSpace(ref)
}
