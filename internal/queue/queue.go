package queue

import (
	"context"
	"time"
)

// BoardSavedTopic carries one event per persisted board save.
var BoardSavedTopic = "board.saved"

// SavedEvent is published whenever a board save lands, so downstream
// consumers (indexers, notifications) can react without polling.
type SavedEvent struct {
	BoardID  string    `json:"boardId"`
	Seq      int64     `json:"seq"`
	ClientID string    `json:"clientId"`
	SavedAt  time.Time `json:"savedAt"`
}

type BoardQueue interface {
	// PublishSaved announces a persisted save of the given board.
	PublishSaved(ctx context.Context, event SavedEvent) error
	Close()
}

// NopQueue drops events. Used when no broker is configured.
type NopQueue struct {
}

func NewNopQueue() NopQueue {
	return NopQueue{}
}

func (n NopQueue) PublishSaved(ctx context.Context, event SavedEvent) error {
	return nil
}

func (n NopQueue) Close() {
}
