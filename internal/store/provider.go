package store

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrStoreNotFound = errors.New("store not found")
)

// BoardStoreProvider resolves the store holding a project's boards. The
// default deployment uses one store for everything; sharded deployments
// can map projects to stores.
type BoardStoreProvider interface {
	Provide(projectID uuid.UUID) (Store, error)
}

type ProjectStoreProvider struct {
	stores map[string]Store
}

func NewProjectStoreProvider() *ProjectStoreProvider {
	return &ProjectStoreProvider{
		stores: make(map[string]Store),
	}
}

func (p *ProjectStoreProvider) Provide(projectID uuid.UUID) (Store, error) {
	if store, ok := p.stores[projectID.String()]; ok {
		return store, nil
	}

	return nil, ErrStoreNotFound
}

type DefaultProvider struct {
	store Store
}

func NewDefaultProvider(store Store) *DefaultProvider {
	return &DefaultProvider{store: store}
}

func (p *DefaultProvider) Provide(projectID uuid.UUID) (Store, error) {
	return p.store, nil
}
