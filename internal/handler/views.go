package handler

import (
	"encoding/json"
	"time"

	"activityindexer/internal/models"
)

type accountView struct {
	ID                     uint64     `json:"id"`
	Username               string     `json:"username"`
	Address                string     `json:"address"`
	URL                    string     `json:"url"`
	ActivityURL            string     `json:"activity_url,omitempty"`
	LatestActivitySequence *int64     `json:"latest_activity_sequence"`
	ActivityUpdatedAt      *time.Time `json:"activity_updated_at,omitempty"`
	ActivitySyncError      *string    `json:"activity_sync_error,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

func newAccountView(a models.Account) accountView {
	return accountView{
		ID:                     a.ID,
		Username:               a.Username,
		Address:                a.Address,
		URL:                    a.URL,
		ActivityURL:            a.ActivityURL,
		LatestActivitySequence: a.LatestActivitySequence,
		ActivityUpdatedAt:      a.ActivityUpdatedAt,
		ActivitySyncError:      a.ActivitySyncError,
		CreatedAt:              a.CreatedAt,
		UpdatedAt:              a.UpdatedAt,
	}
}

type activityView struct {
	ID               uint64    `json:"id"`
	AccountID        uint64    `json:"account_id"`
	ContentHash      string    `json:"content_hash"`
	Sequence         int64     `json:"sequence"`
	PublishedAt      time.Time `json:"published_at"`
	Username         string    `json:"username"`
	Text             string    `json:"text"`
	ReplyParentHash  string    `json:"reply_parent_hash,omitempty"`
	RecastTargetHash string    `json:"recast_target_hash,omitempty"`
	PrecedingHash    string    `json:"preceding_hash,omitempty"`
	DeleteTargetHash string    `json:"delete_target_hash,omitempty"`
	Deleted          bool      `json:"deleted"`
	ReplyTo          *uint64   `json:"reply_to,omitempty"`
	NumReplyChildren int64     `json:"num_reply_children"`
	ReactionsCount   int64     `json:"reactions_count"`
	RecastsCount     int64     `json:"recasts_count"`
	WatchesCount     int64     `json:"watches_count"`
}

func newActivityView(a models.Activity) activityView {
	return activityView{
		ID:               a.ID,
		AccountID:        a.AccountID,
		ContentHash:      a.ContentHash,
		Sequence:         a.Sequence,
		PublishedAt:      a.PublishedAt,
		Username:         a.Username,
		Text:             a.Text,
		ReplyParentHash:  a.ReplyParentHash,
		RecastTargetHash: a.RecastTargetHash,
		PrecedingHash:    a.PrecedingHash,
		DeleteTargetHash: a.DeleteTargetHash,
		Deleted:          a.Deleted,
		ReplyTo:          a.ReplyTo,
		NumReplyChildren: a.NumReplyChildren,
		ReactionsCount:   a.ReactionsCount,
		RecastsCount:     a.RecastsCount,
		WatchesCount:     a.WatchesCount,
	}
}

type syncStateView struct {
	Scope         string          `json:"scope"`
	LastRunID     *string         `json:"last_run_id,omitempty"`
	LastSuccessAt *time.Time      `json:"last_success_at,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	Stats         json.RawMessage `json:"stats,omitempty"`
}

func newSyncStateView(s models.SyncState) syncStateView {
	v := syncStateView{
		Scope:         s.Scope,
		LastRunID:     s.LastRunID,
		LastSuccessAt: s.LastSuccessAt,
		LastAttemptAt: s.LastAttemptAt,
		LastError:     s.LastError,
	}
	if len(s.StatsJSON) > 0 {
		v.Stats = json.RawMessage(s.StatsJSON)
	}
	return v
}
