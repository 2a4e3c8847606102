package history

import (
	"context"

	"github.com/noah-isme/appframe/internal/models"
)

// Store persists completed change sets. SaveAsync returns at once and delivers
// exactly one result on the channel.
type Store interface {
	Save(ctx context.Context, cs *models.EntityChangeSet) error
	SaveAsync(ctx context.Context, cs *models.EntityChangeSet) <-chan error
}

// NullStore discards change sets. It is used when history is disabled.
type NullStore struct{}

// Save implements Store.
func (NullStore) Save(context.Context, *models.EntityChangeSet) error { return nil }

// SaveAsync implements Store.
func (NullStore) SaveAsync(context.Context, *models.EntityChangeSet) <-chan error {
	ch := make(chan error, 1)
	ch <- nil
	close(ch)
	return ch
}
