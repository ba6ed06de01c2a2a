package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/emrgen/board/internal/cache"
	"github.com/emrgen/board/internal/compress"
	"github.com/emrgen/board/internal/crdt"
	"github.com/emrgen/board/internal/model"
	"github.com/emrgen/board/internal/queue"
	"github.com/emrgen/board/internal/store"
)

// State is the answer to a hydration request. Exactly one of the three
// shapes is set: nothing new, a binary diff, or a full snapshot.
type State struct {
	NoContent bool
	Diff      []byte
	Snapshot  []byte
}

// BoardService owns board persistence: materializing documents from the
// snapshot plus update log, appending updates, and compacting the log.
type BoardService struct {
	store store.Store
	cache *cache.Redis
	queue queue.BoardQueue
	codec compress.Compress
}

func NewBoardService(store store.Store, redis *cache.Redis, q queue.BoardQueue, codec compress.Compress) *BoardService {
	if q == nil {
		q = queue.NewNopQueue()
	}
	return &BoardService{
		store: store,
		cache: redis,
		queue: q,
		codec: codec,
	}
}

// CreateBoard creates an empty board in a project.
func (s *BoardService) CreateBoard(ctx context.Context, projectID uuid.UUID, title string) (*model.Board, error) {
	board := &model.Board{
		ID:        uuid.New().String(),
		ProjectID: projectID.String(),
		Title:     title,
	}
	if err := s.store.CreateBoard(ctx, board); err != nil {
		return nil, err
	}

	return board, nil
}

// GetBoard retrieves board metadata.
func (s *BoardService) GetBoard(ctx context.Context, id uuid.UUID) (*model.Board, error) {
	return s.store.GetBoard(ctx, id)
}

// ListBoards lists the boards of a project.
func (s *BoardService) ListBoards(ctx context.Context, projectID uuid.UUID) ([]*model.Board, int64, error) {
	return s.store.ListBoards(ctx, projectID)
}

// DeleteBoard soft-deletes a board and drops its cached state.
func (s *BoardService) DeleteBoard(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteBoard(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id.String())
	return nil
}

// LoadDoc materializes the current document for a board by loading the
// snapshot and replaying the update log over it. Corrupt log rows are
// skipped with a warning; the log is a cache of history, not the only
// copy, so losing a fragment must not take the whole board down.
func (s *BoardService) LoadDoc(ctx context.Context, id uuid.UUID) (*crdt.Doc, error) {
	if state := s.cachedState(ctx, id.String()); state != nil {
		doc, err := crdt.LoadDoc(state)
		if err == nil {
			return doc, nil
		}
		logrus.Warnf("cached state for board %s is corrupt, rebuilding: %v", id, err)
		s.invalidate(ctx, id.String())
	}

	board, err := s.store.GetBoard(ctx, id)
	if err != nil {
		return nil, err
	}

	var doc *crdt.Doc
	if len(board.Snapshot) == 0 {
		doc = crdt.NewDoc()
	} else {
		raw, err := compress.ForName(board.Compression).Decode(board.Snapshot)
		if err != nil {
			return nil, err
		}
		doc, err = crdt.LoadDoc(raw)
		if err != nil {
			return nil, err
		}
	}

	updates, err := s.store.ListUpdatesSince(ctx, id, board.Seq)
	if err != nil {
		return nil, err
	}
	for _, u := range updates {
		raw, err := compress.ForName(u.Compression).Decode(u.Payload)
		if err != nil {
			logrus.Warnf("skipping corrupt update %d for board %s: %v", u.Seq, id, err)
			continue
		}
		if err := doc.ApplyRemote(raw); err != nil {
			logrus.Warnf("skipping unappliable update %d for board %s: %v", u.Seq, id, err)
		}
	}

	s.cacheState(ctx, id.String(), doc.Save())

	return doc, nil
}

// GetState answers a hydration request. When the client sends a state
// vector the server tries to diff against it; a vector referencing
// changes this board has never seen falls back to a full snapshot.
func (s *BoardService) GetState(ctx context.Context, id uuid.UUID, encodedVector string) (*State, error) {
	doc, err := s.LoadDoc(ctx, id)
	if err != nil {
		return nil, err
	}

	if encodedVector != "" {
		vector, err := crdt.DecodeStateVector(encodedVector)
		if err == nil {
			diff, err := doc.ChangesSince(vector)
			if err == nil {
				if len(diff) == 0 {
					return &State{NoContent: true}, nil
				}
				return &State{Diff: diff}, nil
			}
			logrus.Debugf("state vector diff failed for board %s, sending snapshot: %v", id, err)
		}
	}

	return &State{Snapshot: doc.Save()}, nil
}

// AppendUpdate validates and appends one binary update to the board's
// log, then refreshes the cached state and announces the save.
func (s *BoardService) AppendUpdate(ctx context.Context, id uuid.UUID, payload []byte, clientID string) (int64, error) {
	if len(payload) == 0 {
		return 0, ErrEmptyUpdate
	}

	doc, err := s.LoadDoc(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := doc.ApplyRemote(payload); err != nil {
		return 0, ErrInvalidUpdate
	}

	encoded, err := s.codec.Encode(payload)
	if err != nil {
		return 0, err
	}

	var seq int64
	err = s.store.Transaction(ctx, func(tx store.Store) error {
		latest, err := tx.LatestSeq(ctx, id)
		if err != nil {
			return err
		}
		seq = latest + 1
		return tx.AppendUpdate(ctx, &model.BoardUpdate{
			BoardID:     id.String(),
			Seq:         seq,
			Payload:     encoded,
			Compression: s.codec.Name(),
			StateVector: doc.StateVector().Encode(),
			ClientID:    clientID,
		})
	})
	if err != nil {
		return 0, err
	}

	s.cacheState(ctx, id.String(), doc.Save())

	if err := s.queue.PublishSaved(ctx, queue.SavedEvent{
		BoardID:  id.String(),
		Seq:      seq,
		ClientID: clientID,
		SavedAt:  time.Now(),
	}); err != nil {
		logrus.Warnf("failed to publish saved event for board %s: %v", id, err)
	}

	return seq, nil
}

// RecordUpdate appends an update that the live sync hub has already
// applied to its resident document. state is the hub's current full
// snapshot, used to refresh the cache without a reload.
func (s *BoardService) RecordUpdate(ctx context.Context, id uuid.UUID, payload []byte, clientID, vector string, state []byte) (int64, error) {
	if len(payload) == 0 {
		return 0, ErrEmptyUpdate
	}

	encoded, err := s.codec.Encode(payload)
	if err != nil {
		return 0, err
	}

	var seq int64
	err = s.store.Transaction(ctx, func(tx store.Store) error {
		latest, err := tx.LatestSeq(ctx, id)
		if err != nil {
			return err
		}
		seq = latest + 1
		return tx.AppendUpdate(ctx, &model.BoardUpdate{
			BoardID:     id.String(),
			Seq:         seq,
			Payload:     encoded,
			Compression: s.codec.Name(),
			StateVector: vector,
			ClientID:    clientID,
		})
	})
	if err != nil {
		return 0, err
	}

	if state != nil {
		s.cacheState(ctx, id.String(), state)
	}

	if err := s.queue.PublishSaved(ctx, queue.SavedEvent{
		BoardID:  id.String(),
		Seq:      seq,
		ClientID: clientID,
		SavedAt:  time.Now(),
	}); err != nil {
		logrus.Warnf("failed to publish saved event for board %s: %v", id, err)
	}

	return seq, nil
}

// Compact folds the update log into the board snapshot and deletes the
// folded rows. Runs in one store transaction so a crash mid-compaction
// leaves either the old or the new shape, never a gap.
func (s *BoardService) Compact(ctx context.Context, id uuid.UUID) error {
	doc, err := s.LoadDoc(ctx, id)
	if err != nil {
		return err
	}

	snapshot, err := s.codec.Encode(doc.Save())
	if err != nil {
		return err
	}

	return s.store.Transaction(ctx, func(tx store.Store) error {
		board, err := tx.GetBoard(ctx, id)
		if err != nil {
			return err
		}
		seq, err := tx.LatestSeq(ctx, id)
		if err != nil {
			return err
		}
		if seq <= board.Seq {
			return nil
		}
		board.Snapshot = snapshot
		board.Compression = s.codec.Name()
		board.Seq = seq
		if err := tx.UpdateBoard(ctx, board); err != nil {
			return err
		}
		return tx.DeleteUpdatesThrough(ctx, id, seq)
	})
}

func (s *BoardService) cachedState(ctx context.Context, id string) []byte {
	if s.cache == nil {
		return nil
	}
	state, err := s.cache.GetBoardState(ctx, id)
	if err != nil {
		logrus.Debugf("board state cache read failed: %v", err)
		return nil
	}
	return state
}

func (s *BoardService) cacheState(ctx context.Context, id string, state []byte) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetBoardState(ctx, id, state); err != nil {
		logrus.Debugf("board state cache write failed: %v", err)
	}
}

func (s *BoardService) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateBoard(ctx, id); err != nil {
		logrus.Debugf("board state cache invalidate failed: %v", err)
	}
}
