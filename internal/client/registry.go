package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"fundops.org/internal/connection"
	"fundops.org/internal/oauth"
)

// Deps are the shared collaborators handed to every factory.
type Deps struct {
	Store      connection.Store
	OAuth      *oauth.Coordinator
	HTTPClient *http.Client
}

// Factory builds an uninitialized client for one tenant.
type Factory func(deps Deps, tenantID string) *Client

// Registry maps integration types to client factories. It is populated
// explicitly at startup; Validate catches a type that was added to the
// platform but never given a factory.
type Registry struct {
	deps Deps

	mu        sync.RWMutex
	factories map[connection.Type]Factory
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps, factories: make(map[connection.Type]Factory)}
}

// NewDefaultRegistry returns a registry with every supported integration
// wired in.
func NewDefaultRegistry(deps Deps) *Registry {
	r := NewRegistry(deps)
	r.Register(connection.TypeFortnox, newFortnoxClient)
	r.Register(connection.TypeMicrosoft, newMicrosoftClient)
	r.Register(connection.TypeScrive, newScriveClient)
	r.Register(connection.TypeTink, newTinkClient)
	return r
}

func (r *Registry) Register(typ connection.Type, f Factory) {
	r.mu.Lock()
	r.factories[typ] = f
	r.mu.Unlock()
}

// Validate reports the first supported integration type without a factory.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, typ := range connection.AllTypes() {
		if _, ok := r.factories[typ]; !ok {
			return fmt.Errorf("registry: no client factory for %q", typ)
		}
	}
	return nil
}

// Create builds and initializes a client for the tenant. The returned client
// is ready to issue requests.
func (r *Registry) Create(ctx context.Context, typ connection.Type, tenantID string) (*Client, error) {
	r.mu.RLock()
	f, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: no client factory for %q", typ)
	}
	c := f(r.deps, tenantID)
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// CanCreate reports whether Create would succeed, without side effects and
// without constructing a full client. Used by status endpoints.
func (r *Registry) CanCreate(ctx context.Context, typ connection.Type, tenantID string) bool {
	r.mu.RLock()
	_, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	conn, err := r.deps.Store.GetConnection(ctx, tenantID, typ)
	if err != nil {
		return false
	}
	return conn.Status == connection.StatusConnected && conn.Tokens != nil
}
