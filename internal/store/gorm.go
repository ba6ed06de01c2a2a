package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/emrgen/board/internal/model"
)

var ErrBoardNotFound = errors.New("board not found")

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db: db,
	}
}

var _ Store = (*GormStore)(nil)

type GormStore struct {
	db *gorm.DB
}

func (g *GormStore) Migrate() error {
	return model.Migrate(g.db)
}

func (g *GormStore) Transaction(ctx context.Context, f func(tx Store) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return f(NewGormStore(tx))
	})
}

func (g *GormStore) CreateBoard(ctx context.Context, board *model.Board) error {
	return g.db.WithContext(ctx).Create(board).Error
}

func (g *GormStore) GetBoard(ctx context.Context, id uuid.UUID) (*model.Board, error) {
	var board model.Board
	err := g.db.WithContext(ctx).Where("id = ?", id.String()).First(&board).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBoardNotFound
		}
		return nil, err
	}
	return &board, nil
}

func (g *GormStore) ListBoards(ctx context.Context, projectID uuid.UUID) ([]*model.Board, int64, error) {
	var boards []*model.Board
	var total int64
	q := g.db.WithContext(ctx).Model(&model.Board{}).Where("project_id = ?", projectID.String())
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := q.Order("created_at desc").Find(&boards).Error
	return boards, total, err
}

func (g *GormStore) UpdateBoard(ctx context.Context, board *model.Board) error {
	return g.db.WithContext(ctx).Save(board).Error
}

func (g *GormStore) DeleteBoard(ctx context.Context, id uuid.UUID) error {
	return g.db.WithContext(ctx).Where("id = ?", id.String()).Delete(&model.Board{}).Error
}

func (g *GormStore) ListBoardsWithUpdates(ctx context.Context) ([]uuid.UUID, error) {
	var ids []string
	err := g.db.WithContext(ctx).
		Model(&model.BoardUpdate{}).
		Distinct("board_id").
		Pluck("board_id", &ids).Error
	if err != nil {
		return nil, err
	}

	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		parsed, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		out = append(out, parsed)
	}
	return out, nil
}

func (g *GormStore) AppendUpdate(ctx context.Context, update *model.BoardUpdate) error {
	return g.db.WithContext(ctx).Create(update).Error
}

func (g *GormStore) ListUpdatesSince(ctx context.Context, boardID uuid.UUID, seq int64) ([]*model.BoardUpdate, error) {
	var updates []*model.BoardUpdate
	err := g.db.WithContext(ctx).
		Where("board_id = ? AND seq > ?", boardID.String(), seq).
		Order("seq asc").
		Find(&updates).Error
	return updates, err
}

func (g *GormStore) LatestSeq(ctx context.Context, boardID uuid.UUID) (int64, error) {
	var seq *int64
	err := g.db.WithContext(ctx).
		Model(&model.BoardUpdate{}).
		Where("board_id = ?", boardID.String()).
		Select("max(seq)").
		Scan(&seq).Error
	if err != nil {
		return 0, err
	}
	if seq != nil {
		return *seq, nil
	}

	board, err := g.GetBoard(ctx, boardID)
	if err != nil {
		return 0, err
	}
	return board.Seq, nil
}

func (g *GormStore) DeleteUpdatesThrough(ctx context.Context, boardID uuid.UUID, seq int64) error {
	return g.db.WithContext(ctx).
		Unscoped().
		Where("board_id = ? AND seq <= ?", boardID.String(), seq).
		Delete(&model.BoardUpdate{}).Error
}
