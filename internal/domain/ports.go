package domain

import "context"

// Registry issues and looks up stream credentials on the backend.
type Registry interface {
	Create(ctx context.Context, title string) (*Credentials, error)
	LookupActive(ctx context.Context, creatorID string) (*StreamSummary, error)
}
