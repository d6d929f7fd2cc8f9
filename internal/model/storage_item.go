package model

import "time"

// StorageItem is one persisted key/value pair of the durable storage tier.
type StorageItem struct {
	Key       string     `gorm:"column:storage_key;primaryKey;size:128"`
	Value     string     `gorm:"type:text;not null"`
	ExpiresAt *time.Time `gorm:"index"`
	CreatedAt time.Time  `gorm:"not null"`
	UpdatedAt time.Time  `gorm:"not null"`
}
