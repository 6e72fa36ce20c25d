package client

import (
	"context"

	"fundops.org/internal/connection"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

func newMicrosoftClient(deps Deps, tenantID string) *Client {
	return New(Config{
		TenantID:   tenantID,
		Type:       connection.TypeMicrosoft,
		Store:      deps.Store,
		OAuth:      deps.OAuth,
		BaseURL:    graphBaseURL,
		HTTPClient: deps.HTTPClient,
	})
}

// Microsoft wraps the base client with the Graph calls the platform uses:
// mail on behalf of the connected account and SharePoint document storage.
type Microsoft struct {
	*Client
}

func NewMicrosoft(deps Deps, tenantID string) *Microsoft {
	return &Microsoft{Client: newMicrosoftClient(deps, tenantID)}
}

// Me returns the profile of the signed-in account.
func (m *Microsoft) Me(ctx context.Context) Result {
	return m.Get(ctx, "/me", nil)
}

// SendMail sends a message from the connected mailbox. Graph returns 202
// with an empty body on success.
func (m *Microsoft) SendMail(ctx context.Context, subject, bodyHTML string, to []string) Result {
	recipients := make([]map[string]any, 0, len(to))
	for _, addr := range to {
		recipients = append(recipients, map[string]any{
			"emailAddress": map[string]string{"address": addr},
		})
	}
	payload := map[string]any{
		"message": map[string]any{
			"subject":      subject,
			"body":         map[string]string{"contentType": "HTML", "content": bodyHTML},
			"toRecipients": recipients,
		},
		"saveToSentItems": true,
	}
	return m.Post(ctx, "/me/sendMail", payload, nil)
}

// DriveChildren lists the items under a drive folder.
func (m *Microsoft) DriveChildren(ctx context.Context, driveID, itemID string) Result {
	return m.Get(ctx, "/drives/"+driveID+"/items/"+itemID+"/children", nil)
}
