package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/emrgen/board/internal/model"
)

type Store interface {
	BoardStore
	BoardUpdateStore
	Transaction(ctx context.Context, f func(tx Store) error) error
	Migrate() error
}

type BoardStore interface {
	// CreateBoard creates a new board.
	CreateBoard(ctx context.Context, board *model.Board) error
	// GetBoard retrieves a board by ID.
	GetBoard(ctx context.Context, id uuid.UUID) (*model.Board, error)
	// ListBoards retrieves the boards of a project.
	ListBoards(ctx context.Context, projectID uuid.UUID) ([]*model.Board, int64, error)
	// UpdateBoard updates a board (snapshot, seq, title).
	UpdateBoard(ctx context.Context, board *model.Board) error
	// DeleteBoard soft-deletes a board.
	DeleteBoard(ctx context.Context, id uuid.UUID) error
	// ListBoardsWithUpdates lists board ids that have unfolded update rows.
	ListBoardsWithUpdates(ctx context.Context) ([]uuid.UUID, error)
}

type BoardUpdateStore interface {
	// AppendUpdate appends one update row to the board's log.
	AppendUpdate(ctx context.Context, update *model.BoardUpdate) error
	// ListUpdatesSince retrieves update rows with Seq > seq, in order.
	ListUpdatesSince(ctx context.Context, boardID uuid.UUID, seq int64) ([]*model.BoardUpdate, error)
	// LatestSeq returns the highest sequence number in the board's log, or
	// the board's folded Seq when the log is empty.
	LatestSeq(ctx context.Context, boardID uuid.UUID) (int64, error)
	// DeleteUpdatesThrough hard-deletes update rows with Seq <= seq.
	DeleteUpdatesThrough(ctx context.Context, boardID uuid.UUID, seq int64) error
}
