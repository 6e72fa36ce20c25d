package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"fundops.org/internal/connection"
	"fundops.org/internal/oauth"
)

type integrationStatus struct {
	Type        connection.Type   `json:"type"`
	Status      connection.Status `json:"status"`
	AccountName string            `json:"account_name,omitempty"`
	AccountID   string            `json:"account_id,omitempty"`
	LastSyncAt  *time.Time        `json:"last_sync_at,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	ConnectedAt *time.Time        `json:"connected_at,omitempty"`
	Usable      bool              `json:"usable"`
}

func (a *API) handleIntegrationsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listIntegrations(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

// handleIntegrationResource routes /v1/integrations/{type}[/connect|/callback].
func (a *API) handleIntegrationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/integrations/")
	parts := strings.SplitN(path, "/", 2)
	typ := connection.Type(parts[0])
	if !typ.Valid() {
		writeError(w, r, http.StatusNotFound, "unknown integration type")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = strings.TrimSuffix(parts[1], "/")
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			a.getIntegration(w, r, typ)
		case http.MethodDelete:
			a.disconnectIntegration(w, r, typ)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}
	case "connect":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.connectIntegration(w, r, typ)
	case "callback":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.integrationCallback(w, r, typ)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// listIntegrations reports every supported integration for the tenant, with
// not_connected placeholders for types that have no record yet.
func (a *API) listIntegrations(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		writeError(w, r, http.StatusBadRequest, "X-Tenant-ID header is required")
		return
	}

	conns, err := a.store.ListConnections(r.Context(), tenantID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	byType := make(map[connection.Type]connection.Connection, len(conns))
	for _, c := range conns {
		byType[c.Type] = c
	}

	out := make([]integrationStatus, 0, len(connection.AllTypes()))
	for _, typ := range connection.AllTypes() {
		st := integrationStatus{Type: typ, Status: connection.StatusNotConnected}
		if c, ok := byType[typ]; ok {
			st = statusFor(c)
			st.Usable = a.registry.CanCreate(r.Context(), typ, tenantID)
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (a *API) getIntegration(w http.ResponseWriter, r *http.Request, typ connection.Type) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		writeError(w, r, http.StatusBadRequest, "X-Tenant-ID header is required")
		return
	}

	conn, err := a.store.GetConnection(r.Context(), tenantID, typ)
	if errors.Is(err, connection.ErrNotFound) {
		writeJSON(w, http.StatusOK, integrationStatus{Type: typ, Status: connection.StatusNotConnected})
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	st := statusFor(*conn)
	st.Usable = a.registry.CanCreate(r.Context(), typ, tenantID)
	writeJSON(w, http.StatusOK, st)
}

type connectResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

func (a *API) connectIntegration(w http.ResponseWriter, r *http.Request, typ connection.Type) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		writeError(w, r, http.StatusBadRequest, "X-Tenant-ID header is required")
		return
	}
	returnTo := strings.TrimSpace(r.URL.Query().Get("return_to"))

	authURL, st, err := a.coord.AuthorizationURL(typ, tenantID, returnTo)
	if errors.Is(err, oauth.ErrUnknownProvider) {
		writeError(w, r, http.StatusNotImplemented, "integration is not configured")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.states.Put(st)

	a.audit(r.Context(), "integration.connect.start", tenantID, map[string]any{
		"integration": string(typ),
	})
	writeJSON(w, http.StatusOK, connectResponse{AuthorizationURL: authURL, State: st.Nonce})
}

// integrationCallback completes the OAuth round trip. The tenant comes from
// the stored state, not a header: the provider redirects the browser here.
func (a *API) integrationCallback(w http.ResponseWriter, r *http.Request, typ connection.Type) {
	params := r.URL.Query()
	st, ok := a.states.Take(params.Get("state"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown or already used authorization state")
		return
	}

	tokens, err := a.coord.HandleCallback(r.Context(), typ, params, st)
	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrStateMismatch), errors.Is(err, oauth.ErrStateExpired):
			writeError(w, r, http.StatusBadRequest, err.Error())
		default:
			writeError(w, r, http.StatusBadGateway, "authorization exchange failed: "+err.Error())
		}
		a.audit(r.Context(), "integration.connect.failed", st.TenantID, map[string]any{
			"integration": string(typ), "error": err.Error(),
		})
		return
	}

	conn := &connection.Connection{
		TenantID:    st.TenantID,
		Type:        typ,
		Status:      connection.StatusConnected,
		Tokens:      &tokens,
		AccountName: oauth.AccountNameFromIdentityToken(tokens.IdentityToken),
		ConnectedAt: time.Now().UTC(),
	}
	if err := a.store.SaveConnection(r.Context(), conn); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	a.audit(r.Context(), "integration.connected", st.TenantID, map[string]any{
		"integration": string(typ),
	})

	if st.ReturnTo != "" {
		http.Redirect(w, r, st.ReturnTo, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "connected",
		"integration": typ,
	})
}

// disconnectIntegration revokes tokens best effort and marks the connection
// revoked; the record stays visible until the retention deadline reclaims it.
func (a *API) disconnectIntegration(w http.ResponseWriter, r *http.Request, typ connection.Type) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		writeError(w, r, http.StatusBadRequest, "X-Tenant-ID header is required")
		return
	}

	conn, err := a.store.GetConnection(r.Context(), tenantID, typ)
	if errors.Is(err, connection.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "integration is not connected")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	if conn.Tokens != nil {
		// Best effort; the provider may already consider the grant gone.
		if err := a.coord.RevokeTokens(r.Context(), typ, *conn.Tokens); err != nil {
			a.audit(r.Context(), "integration.revoke.failed", tenantID, map[string]any{
				"integration": string(typ), "error": err.Error(),
			})
		}
	}
	if err := a.store.SetStatus(r.Context(), tenantID, typ, connection.StatusRevoked, "disconnected by tenant"); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	a.audit(r.Context(), "integration.disconnected", tenantID, map[string]any{
		"integration": string(typ),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "revoked",
		"integration": typ,
	})
}

func statusFor(c connection.Connection) integrationStatus {
	st := integrationStatus{
		Type:        c.Type,
		Status:      c.Status,
		AccountName: c.AccountName,
		AccountID:   c.AccountID,
		LastSyncAt:  c.LastSyncAt,
		LastError:   c.LastError,
	}
	if !c.ConnectedAt.IsZero() {
		ts := c.ConnectedAt
		st.ConnectedAt = &ts
	}
	return st
}
