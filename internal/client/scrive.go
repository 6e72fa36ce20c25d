package client

import (
	"context"

	"fundops.org/internal/connection"
)

const scriveBaseURL = "https://api.scrive.com/api/v2"

func newScriveClient(deps Deps, tenantID string) *Client {
	return New(Config{
		TenantID:   tenantID,
		Type:       connection.TypeScrive,
		Store:      deps.Store,
		OAuth:      deps.OAuth,
		BaseURL:    scriveBaseURL,
		HTTPClient: deps.HTTPClient,
	})
}

// Scrive wraps the base client with e-signature document calls.
type Scrive struct {
	*Client
}

func NewScrive(deps Deps, tenantID string) *Scrive {
	return &Scrive{Client: newScriveClient(deps, tenantID)}
}

// GetDocument fetches a signing document by id.
func (s *Scrive) GetDocument(ctx context.Context, documentID string) Result {
	return s.Get(ctx, "/documents/"+documentID+"/get", nil)
}

// StartSigning moves a prepared document into the signing state, which
// triggers Scrive's invitation emails.
func (s *Scrive) StartSigning(ctx context.Context, documentID string) Result {
	return s.Post(ctx, "/documents/"+documentID+"/start", nil, nil)
}

// CancelDocument withdraws a pending document.
func (s *Scrive) CancelDocument(ctx context.Context, documentID string) Result {
	return s.Post(ctx, "/documents/"+documentID+"/cancel", nil, nil)
}
