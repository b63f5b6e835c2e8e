package activity

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeMapsEntry(t *testing.T) {
	entry := decodeEntry(t, `{
		"body": {
			"type": "text-short",
			"publishedAt": 1650000000123,
			"sequence": 42,
			"username": "alice",
			"address": "0xabc",
			"data": {"text": "hello", "replyParentMerkleRoot": "0xparent"},
			"prevMerkleRoot": "0xprev"
		},
		"merkleRoot": "0xroot",
		"signature": "0xsig",
		"meta": {"numReplyChildren": 1, "reactions": {"count": 2}, "recasts": {"count": 3}, "watches": {"count": 4}}
	}`)

	item, err := Normalize(7, entry)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if item.AccountID != 7 || item.ContentHash != "0xroot" || item.Signature != "0xsig" || item.Sequence != 42 {
		t.Fatalf("unexpected identity: %+v", item)
	}
	if !item.PublishedAt.Equal(time.UnixMilli(1650000000123)) {
		t.Fatalf("published_at=%s", item.PublishedAt)
	}
	if item.ReplyParentHash != "0xparent" || item.PrecedingHash != "0xprev" || item.Username != "alice" {
		t.Fatalf("unexpected references: %+v", item)
	}
	if item.RecastTargetHash != "" || item.DeleteTargetHash != "" || item.Deleted {
		t.Fatalf("plain text must not carry recast/delete refs: %+v", item)
	}
	if item.NumReplyChildren != 1 || item.ReactionsCount != 2 || item.RecastsCount != 3 || item.WatchesCount != 4 {
		t.Fatalf("unexpected counters: %+v", item)
	}
	if len(item.RawJSON) == 0 {
		t.Fatalf("raw json not retained")
	}
}

func TestNormalizeMissingOptionalFields(t *testing.T) {
	entry := decodeEntry(t, `{"body":{"sequence":1,"data":{}},"merkleRoot":"0xroot"}`)
	item, err := Normalize(1, entry)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if item.Text != "" || item.ReplyParentHash != "" || item.PrecedingHash != "" || item.Signature != "" {
		t.Fatalf("missing fields must normalize to empty strings: %+v", item)
	}
	if item.ReactionsCount != 0 || item.NumReplyChildren != 0 {
		t.Fatalf("missing meta must normalize to zero counters: %+v", item)
	}
}

func TestNormalizeCastReferences(t *testing.T) {
	cases := []struct {
		text       string
		wantRecast string
		wantDelete string
	}{
		{"recast:farcaster://casts/0xabc", "0xabc", ""},
		{"delete:farcaster://casts/0xdef", "", "0xdef"},
		{"delete:proto://casts/0x123", "", "0x123"},
		{"delete:proto://casts/undefined", "", ""},
		{"delete:farcaster://casts/undefined", "", ""},
		{"please delete:farcaster://casts/0xdef", "", ""},
		{"recast:farcaster://users/0xabc", "", ""},
		{"recast:://casts/0xabc", "", ""},
		{"just text", "", ""},
	}
	for _, tc := range cases {
		entry := plainEntry(t, 1, "0xroot", tc.text, time.Now())
		item, err := Normalize(1, entry)
		if err != nil {
			t.Fatalf("%q: normalize: %v", tc.text, err)
		}
		if item.RecastTargetHash != tc.wantRecast || item.DeleteTargetHash != tc.wantDelete {
			t.Fatalf("%q: recast=%q delete=%q want %q/%q", tc.text, item.RecastTargetHash, item.DeleteTargetHash, tc.wantRecast, tc.wantDelete)
		}
	}
}

func TestNormalizeMalformed(t *testing.T) {
	for _, raw := range []string{
		`{"body":{"sequence":1,"data":{}},"merkleRoot":""}`,
		`{"body":{"data":{}},"merkleRoot":"0xroot"}`,
	} {
		if _, err := Normalize(1, decodeEntry(t, raw)); !errors.Is(err, ErrMalformedEntry) {
			t.Fatalf("%s: err=%v want ErrMalformedEntry", raw, err)
		}
	}
}
