package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// PointBalance represents the points table: one current balance per account.
type PointBalance struct {
	AccountID   string    `gorm:"type:uuid;primaryKey"`
	Balance     int64     `gorm:"not null"`
	LastUpdated time.Time `gorm:"not null"`

	History []PointHistory `gorm:"foreignKey:AccountID;references:AccountID;constraint:OnDelete:CASCADE"`
}

func (PointBalance) TableName() string { return "points" }

// PointHistory mirrors the point_history table. Rows are append-only; the
// serial entry id gives pagination a stable tie-break.
type PointHistory struct {
	EntryID     int64          `gorm:"primaryKey;autoIncrement"`
	AccountID   string         `gorm:"type:uuid;not null;index:idx_point_history_account_created,priority:1"`
	Kind        string         `gorm:"type:varchar(20);not null"`
	Amount      int64          `gorm:"not null"`
	Description string         `gorm:"type:text"`
	Metadata    datatypes.JSON `gorm:"not null"`
	ExpiresAt   *time.Time     `gorm:""`
	CreatedAt   time.Time      `gorm:"not null;index:idx_point_history_account_created,priority:2"`
}

func (PointHistory) TableName() string { return "point_history" }
