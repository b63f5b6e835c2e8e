package models

import (
	"time"

	"gorm.io/datatypes"
)

// Activity is one feed entry, content-addressed by ContentHash within an
// account. Rows are never removed; a tombstone only sets Deleted.
type Activity struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement"`
	AccountID        uint64    `gorm:"not null;uniqueIndex:uniq_activity_account_sequence;uniqueIndex:uniq_activity_account_hash;comment:owning account"`
	ContentHash      string    `gorm:"type:varchar(80);not null;uniqueIndex:uniq_activity_account_hash;comment:merkle root of the signed body"`
	Signature        string    `gorm:"type:text;not null;default:''"`
	Sequence         int64     `gorm:"not null;uniqueIndex:uniq_activity_account_sequence;comment:upstream sequence"`
	PublishedAt      time.Time `gorm:"type:timestamptz;not null;index"`
	Username         string    `gorm:"type:text;not null;default:''"`
	Text             string    `gorm:"type:text;not null;default:''"`
	ReplyParentHash  string    `gorm:"type:varchar(80);not null;default:''"`
	RecastTargetHash string    `gorm:"type:varchar(80);not null;default:''"`
	PrecedingHash    string    `gorm:"type:varchar(80);not null;default:''"`
	DeleteTargetHash string    `gorm:"type:varchar(80);not null;default:''"`
	Deleted          bool      `gorm:"not null;default:false"`
	ReplyTo          *uint64   `gorm:"index;comment:resolved reply parent"`

	NumReplyChildren int64 `gorm:"not null;default:0"`
	ReactionsCount   int64 `gorm:"not null;default:0"`
	RecastsCount     int64 `gorm:"not null;default:0"`
	WatchesCount     int64 `gorm:"not null;default:0"`

	RawJSON datatypes.JSON `gorm:"type:jsonb;comment:raw feed entry"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Activity) TableName() string {
	return "activities"
}
