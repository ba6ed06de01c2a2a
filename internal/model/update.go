package model

import "gorm.io/gorm"

// BoardUpdate is one appended binary CRDT update. The log is append-only;
// the compactor folds old rows into the board snapshot and deletes them.
// The (board_id, seq) pair is unique, so two writers racing to append at
// the same position fail loudly instead of silently forking the log.
type BoardUpdate struct {
	gorm.Model
	BoardID     string `gorm:"uuid;not null;uniqueIndex:idx_board_seq"`
	Seq         int64  `gorm:"not null;uniqueIndex:idx_board_seq"`
	Payload     []byte `gorm:"not null"`
	Compression string
	StateVector string // heads after applying this update, for diff bookkeeping
	ClientID    string
}

func (BoardUpdate) TableName() string {
	return "board_updates"
}
