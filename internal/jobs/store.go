package jobs

import (
	"context"

	"github.com/google/uuid"
	"github.com/ssuji15/loracloud/model"
)

// Store persists jobs so the registry can recover them after a restart.
type Store interface {
	Create(ctx context.Context, job *model.Job) error
	Update(ctx context.Context, job *model.Job) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*model.Job, error)
}

type nopStore struct{}

// NopStore keeps nothing; jobs live only in memory.
func NopStore() Store {
	return nopStore{}
}

func (nopStore) Create(ctx context.Context, job *model.Job) error { return nil }
func (nopStore) Update(ctx context.Context, job *model.Job) error { return nil }
func (nopStore) Delete(ctx context.Context, id uuid.UUID) error   { return nil }
func (nopStore) List(ctx context.Context) ([]*model.Job, error)   { return nil, nil }
