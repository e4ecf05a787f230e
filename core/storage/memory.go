package storage

import (
	"context"
	"sync"
	"time"

	schemasession "github.com/davidahmann/sessiongate/core/schema/v1/session"
)

// Memory is a volatile backend. Saved collections are deep-copied so callers cannot
// mutate stored state.
type Memory struct {
	mu         sync.Mutex
	collection schemasession.Collection
	saves      int
}

func NewMemory() *Memory {
	return &Memory{collection: schemasession.NewCollection()}
}

func (m *Memory) Load(ctx context.Context) (schemasession.Collection, error) {
	if err := ctx.Err(); err != nil {
		return schemasession.Collection{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collection.Clone(), nil
}

func (m *Memory) Save(ctx context.Context, collection schemasession.Collection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sealed, err := Seal(collection.Clone(), time.Now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collection = sealed
	m.saves++
	return nil
}

// Saves reports how many collections have been committed.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *Memory) Close() error {
	return nil
}
