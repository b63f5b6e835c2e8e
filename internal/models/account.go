package models

import "time"

// Account is a feed owner. LatestActivitySequence is the watermark: the
// highest sequence fully reconciled into activities, nil until first indexed.
type Account struct {
	ID                     uint64     `gorm:"primaryKey;autoIncrement"`
	Username               string     `gorm:"type:text;not null;uniqueIndex;comment:registered username"`
	Address                string     `gorm:"type:varchar(64);not null;index;comment:custody address"`
	URL                    string     `gorm:"type:text;not null;default:'';comment:directory url"`
	ActivityURL            string     `gorm:"type:text;not null;default:'';comment:published activity feed endpoint"`
	LatestActivitySequence *int64     `gorm:"comment:activity watermark"`
	ActivityUpdatedAt      *time.Time `gorm:"type:timestamptz;index;comment:last activity sync attempt"`
	ActivitySyncError      *string    `gorm:"type:text;comment:last activity sync failure"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Account) TableName() string {
	return "accounts"
}

// HasFeed reports whether the account published an activity endpoint.
func (a Account) HasFeed() bool {
	return a.ActivityURL != ""
}
