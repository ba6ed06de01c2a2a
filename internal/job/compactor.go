package job

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emrgen/board/internal/service"
	"github.com/emrgen/board/internal/store"
)

// Compactor folds board update logs into snapshots so hydration does not
// replay an ever-growing log.
type Compactor struct {
	service *service.BoardService
	store   store.Store
}

func NewCompactor(svc *service.BoardService, store store.Store) *Compactor {
	return &Compactor{
		service: svc,
		store:   store,
	}
}

func (c *Compactor) Schedule() string {
	return "@every 10m"
}

func (c *Compactor) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	boards, err := c.store.ListBoardsWithUpdates(ctx)
	if err != nil {
		logrus.Errorf("failed to list boards pending compaction: %v", err)
		return
	}

	for _, id := range boards {
		if err := c.service.Compact(ctx, id); err != nil {
			logrus.Errorf("failed to compact board %s: %v", id, err)
			continue
		}
		logrus.Infof("compacted board %s", id)
	}
}
