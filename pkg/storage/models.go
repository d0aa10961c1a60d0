package storage

import (
	"time"

	"gorm.io/gorm"
)

// Transmission is one completed push-to-talk keying by a client
type Transmission struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	SSRC       uint32    `gorm:"index;not null" json:"ssrc"`
	ClientID   string    `gorm:"index;size:64" json:"client_id"`
	Nick       string    `gorm:"size:64" json:"nick"`
	Network    string    `gorm:"index;size:32" json:"network"` // canonical network at key-up
	Channel    int       `gorm:"not null" json:"channel"`
	Freq       float64   `gorm:"index" json:"freq"`        // MHz
	Duration   float64   `gorm:"not null" json:"duration"` // Duration in seconds
	StartTime  time.Time `gorm:"index;not null" json:"start_time"`
	EndTime    time.Time `gorm:"not null" json:"end_time"`
	FrameCount int       `gorm:"default:0" json:"frame_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName specifies the table name for Transmission
func (Transmission) TableName() string {
	return "transmissions"
}

// BeforeCreate hook to ensure timestamps are set
func (t *Transmission) BeforeCreate(tx *gorm.DB) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.StartTime.IsZero() {
		t.StartTime = time.Now()
	}
	if t.EndTime.IsZero() {
		t.EndTime = time.Now()
	}
	return nil
}
