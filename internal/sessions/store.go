package sessions

import (
	"context"

	"github.com/agentcore/engine/pkg/models"
)

// Store is the interface for session persistence: durable, append-only
// storage of sessions and their message chains (spec.md §4.5).
type Store interface {
	// Session CRUD
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error

	// Session lookup
	GetByKey(ctx context.Context, key string) (*models.Session, error)
	GetOrCreate(ctx context.Context, key string, agentID string) (*models.Session, error)
	List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error)

	// Message history
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// ListOptions configures session listing.
type ListOptions struct {
	Limit  int
	Offset int
}

// SessionKey builds a unique session key scoping a task invocation to the
// agent that owns it.
func SessionKey(agentID string, key string) string {
	return agentID + ":" + key
}
