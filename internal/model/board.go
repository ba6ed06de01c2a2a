package model

import "gorm.io/gorm"

// Board holds the durable state of one collaborative board: the last
// compacted binary snapshot plus the sequence number of the last update
// folded into it. Updates past Seq live in board_updates.
type Board struct {
	gorm.Model
	ID          string `gorm:"primaryKey;uuid;not null;"`
	ProjectID   string `gorm:"uuid;index"`
	Title       string
	Snapshot    []byte
	Compression string // codec used for the snapshot at rest
	Seq         int64  // last update sequence folded into the snapshot
}

func (Board) TableName() string {
	return "boards"
}
