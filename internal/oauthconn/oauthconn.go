// Package oauthconn implements the OAuth connection lifecycle of §4.9:
// connect, exchange_code, refresh_token, status, test, and revoke, with
// client config and token payloads kept as envelope-encrypted blobs inside
// the connection's metadata rather than plaintext columns.
package oauthconn

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openclaw/vcevidence/internal/apierr"
	"github.com/openclaw/vcevidence/internal/config"
	"github.com/openclaw/vcevidence/internal/cryptostore"
	"github.com/openclaw/vcevidence/internal/storage"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const defaultMinValidSeconds = 120

// Manager drives the connection state machine: awaiting_credentials →
// pending_consent → connected → {connected (on refresh), revoked}. The
// error status is recognized (Test reports it as not connectable), but no
// Manager operation sets it.
type Manager struct {
	store    *storage.Store
	crypto   *cryptostore.Store
	defaults config.OAuthDefaults
}

// New constructs a Manager. defaults supplies fall-back client credentials
// when a connect call brings none of its own.
func New(store *storage.Store, crypto *cryptostore.Store, defaults config.OAuthDefaults) *Manager {
	return &Manager{store: store, crypto: crypto, defaults: defaults}
}

// clientConfig is the decrypted payload behind metadata.oauth_client_envelope.
type clientConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri"`
}

// tokenPayload is the decrypted payload behind metadata.oauth_token_envelope.
type tokenPayload struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// connectionMetadata is the non-secret-but-structured shape stored in
// IntegrationConnection.MetadataJSON; the envelope fields themselves never
// leave this package's decrypt calls.
type connectionMetadata struct {
	ClientEnvelope *cryptostore.Envelope `json:"oauth_client_envelope,omitempty"`
	TokenEnvelope  *cryptostore.Envelope `json:"oauth_token_envelope,omitempty"`
	AuthURL        string                `json:"auth_url,omitempty"`
	TokenURL       string                `json:"token_url,omitempty"`
	RedirectURI    string                `json:"redirect_uri,omitempty"`
	TokenExpiresAt *time.Time            `json:"token_expires_at,omitempty"`
	Notes          string                `json:"notes,omitempty"`
}

func tokenEnvelopeAAD(connectionID string) []byte {
	return []byte(fmt.Sprintf("%s:token", connectionID))
}

func loadMetadata(raw []byte) (connectionMetadata, error) {
	var m connectionMetadata
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, apierr.Wrap(apierr.KindInternal, "parse connection metadata", err)
	}
	return m, nil
}

func (m *Manager) endpoint(provider, authURL, tokenURL string) (oauth2.Endpoint, error) {
	if authURL != "" && tokenURL != "" {
		return oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL}, nil
	}
	switch provider {
	case "google":
		return google.Endpoint, nil
	default:
		return oauth2.Endpoint{}, apierr.Configuration("provider %q requires explicit auth_url/token_url", provider)
	}
}

// ConnectRequest carries connect()'s inputs.
type ConnectRequest struct {
	StartupID    string
	Provider     string
	Mode         string // defaults to "byo_oauth"
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURL      string
	TokenURL     string
	Scopes       []string
}

// ConnectResult reports the upserted connection and, when client
// credentials are available, a consent URL to redirect the user to.
type ConnectResult struct {
	ConnectionID string
	Status       string
	ConsentURL   string
}

// Connect implements §4.9's connect operation.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	mode := req.Mode
	if mode == "" {
		mode = "byo_oauth"
	}

	clientID := req.ClientID
	clientSecret := req.ClientSecret
	if clientID == "" {
		clientID = m.defaults.ClientID
	}
	if clientSecret == "" {
		clientSecret = m.defaults.ClientSecret
	}

	connectionID := uuid.NewString()
	now := time.Now().UTC()

	meta := connectionMetadata{
		AuthURL:     req.AuthURL,
		TokenURL:    req.TokenURL,
		RedirectURI: req.RedirectURI,
	}

	status := storage.ConnectionStatusAwaitingCredentials
	var consentURL string
	if clientID != "" && clientSecret != "" {
		cc := clientConfig{ClientID: clientID, ClientSecret: clientSecret, RedirectURI: req.RedirectURI}
		plaintext, err := json.Marshal(cc)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "marshal client config", err)
		}
		env, err := m.crypto.Encrypt(req.StartupID, plaintext, []byte(connectionID))
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "encrypt client config", err)
		}
		meta.ClientEnvelope = &env

		endpoint, err := m.endpoint(req.Provider, req.AuthURL, req.TokenURL)
		if err != nil {
			return nil, err
		}
		cfg := &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  req.RedirectURI,
			Scopes:       req.Scopes,
			Endpoint:     endpoint,
		}
		consentURL = cfg.AuthCodeURL(connectionID, oauth2.AccessTypeOffline)
		status = storage.ConnectionStatusPendingConsent
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "marshal connection metadata", err)
	}

	conn := storage.IntegrationConnection{
		ConnectionID: connectionID,
		StartupID:    req.StartupID,
		Provider:     req.Provider,
		Mode:         mode,
		Status:       status,
		Scopes:       req.Scopes,
		MetadataJSON: metaJSON,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.UpsertConnection(ctx, conn); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "upsert connection", err)
	}

	return &ConnectResult{ConnectionID: connectionID, Status: status, ConsentURL: consentURL}, nil
}

// ExchangeCode implements §4.9's exchange_code operation.
func (m *Manager) ExchangeCode(ctx context.Context, connectionID, code string) (*SanitizedConnection, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, apierr.NotFound("connection %s not found", connectionID)
	}
	if conn.Status == storage.ConnectionStatusRevoked {
		return nil, apierr.StateViolation("connection %s is revoked", connectionID)
	}

	meta, err := loadMetadata(conn.MetadataJSON)
	if err != nil {
		return nil, err
	}
	if meta.ClientEnvelope == nil {
		return nil, apierr.StateViolation("connection %s has no client credentials", connectionID)
	}

	plaintext, err := m.crypto.Decrypt(conn.StartupID, *meta.ClientEnvelope, []byte(connectionID))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIntegrity, "decrypt client config", err)
	}
	var cc clientConfig
	if err := json.Unmarshal(plaintext, &cc); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "parse client config", err)
	}

	endpoint, err := m.endpoint(conn.Provider, meta.AuthURL, meta.TokenURL)
	if err != nil {
		return nil, err
	}
	cfg := &oauth2.Config{
		ClientID:     cc.ClientID,
		ClientSecret: cc.ClientSecret,
		RedirectURL:  cc.RedirectURI,
		Scopes:       conn.Scopes,
		Endpoint:     endpoint,
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, apierr.External(err, "oauth code exchange failed")
	}

	now := time.Now().UTC()
	if err := m.saveToken(ctx, conn, meta, token, now); err != nil {
		return nil, err
	}

	updated, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "reload connection after exchange", err)
	}
	status := sanitizeStatus(*updated)
	return &status, nil
}

func (m *Manager) saveToken(ctx context.Context, conn *storage.IntegrationConnection, meta connectionMetadata, token *oauth2.Token, now time.Time) error {
	tp := tokenPayload{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.Expiry,
	}
	if scope, ok := token.Extra("scope").(string); ok {
		tp.Scope = scope
	}

	plaintext, err := json.Marshal(tp)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshal token payload", err)
	}
	env, err := m.crypto.Encrypt(conn.StartupID, plaintext, tokenEnvelopeAAD(conn.ConnectionID))
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "encrypt token payload", err)
	}
	meta.TokenEnvelope = &env
	meta.TokenExpiresAt = &tp.ExpiresAt

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshal connection metadata", err)
	}

	conn.Status = storage.ConnectionStatusConnected
	conn.MetadataJSON = metaJSON
	conn.TokenRef = string(tokenEnvelopeAAD(conn.ConnectionID))
	conn.UpdatedAt = now
	if err := m.store.UpsertConnection(ctx, *conn); err != nil {
		return apierr.Wrap(apierr.KindInternal, "persist token", err)
	}
	return nil
}

// RefreshRequest carries refresh_token()'s inputs.
type RefreshRequest struct {
	ConnectionID    string
	ForceRefresh    bool
	MinValidSeconds int // 0 means the default of 120
}

// RefreshResult reports whether a network refresh actually happened.
type RefreshResult struct {
	Refreshed bool
	ExpiresAt time.Time
}

// RefreshToken implements §4.9's refresh_token operation, short-circuiting
// without a network call when the current token is still comfortably valid.
func (m *Manager) RefreshToken(ctx context.Context, req RefreshRequest) (*RefreshResult, error) {
	conn, err := m.store.GetConnection(ctx, req.ConnectionID)
	if err != nil {
		return nil, apierr.NotFound("connection %s not found", req.ConnectionID)
	}
	if conn.Status == storage.ConnectionStatusRevoked {
		return nil, apierr.StateViolation("connection %s is revoked", req.ConnectionID)
	}

	meta, err := loadMetadata(conn.MetadataJSON)
	if err != nil {
		return nil, err
	}
	if meta.ClientEnvelope == nil || meta.TokenEnvelope == nil {
		return nil, apierr.StateViolation("connection %s has no token to refresh", req.ConnectionID)
	}

	minValid := req.MinValidSeconds
	if minValid <= 0 {
		minValid = defaultMinValidSeconds
	}

	clientPlaintext, err := m.crypto.Decrypt(conn.StartupID, *meta.ClientEnvelope, []byte(conn.ConnectionID))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIntegrity, "decrypt client config", err)
	}
	var cc clientConfig
	if err := json.Unmarshal(clientPlaintext, &cc); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "parse client config", err)
	}

	tokenPlaintext, err := m.crypto.Decrypt(conn.StartupID, *meta.TokenEnvelope, tokenEnvelopeAAD(conn.ConnectionID))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIntegrity, "decrypt token payload", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal(tokenPlaintext, &tp); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "parse token payload", err)
	}

	now := time.Now().UTC()
	if !req.ForceRefresh && tp.ExpiresAt.Sub(now) > time.Duration(minValid)*time.Second {
		return &RefreshResult{Refreshed: false, ExpiresAt: tp.ExpiresAt}, nil
	}

	endpoint, err := m.endpoint(conn.Provider, meta.AuthURL, meta.TokenURL)
	if err != nil {
		return nil, err
	}
	cfg := &oauth2.Config{
		ClientID:     cc.ClientID,
		ClientSecret: cc.ClientSecret,
		RedirectURL:  cc.RedirectURI,
		Scopes:       conn.Scopes,
		Endpoint:     endpoint,
	}

	source := cfg.TokenSource(ctx, &oauth2.Token{
		AccessToken:  tp.AccessToken,
		RefreshToken: tp.RefreshToken,
		TokenType:    tp.TokenType,
		Expiry:       now.Add(-time.Hour), // force the source to mint a fresh token
	})
	refreshed, err := source.Token()
	if err != nil {
		return nil, apierr.External(err, "oauth refresh failed")
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tp.RefreshToken
	}

	if err := m.saveToken(ctx, conn, meta, refreshed, now); err != nil {
		return nil, err
	}

	return &RefreshResult{Refreshed: true, ExpiresAt: refreshed.Expiry}, nil
}

// SanitizedConnection is the status() response shape: every field is safe
// to return to a caller, with envelope fields scrubbed entirely.
type SanitizedConnection struct {
	ConnectionID string     `json:"connection_id"`
	StartupID    string     `json:"startup_id"`
	Provider     string     `json:"provider"`
	Mode         string     `json:"mode"`
	Status       string     `json:"status"`
	Scopes       []string   `json:"scopes"`
	TokenExpiry  *time.Time `json:"token_expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

func sanitizeStatus(conn storage.IntegrationConnection) SanitizedConnection {
	meta, _ := loadMetadata(conn.MetadataJSON)
	return SanitizedConnection{
		ConnectionID: conn.ConnectionID,
		StartupID:    conn.StartupID,
		Provider:     conn.Provider,
		Mode:         conn.Mode,
		Status:       conn.Status,
		Scopes:       conn.Scopes,
		TokenExpiry:  meta.TokenExpiresAt,
		CreatedAt:    conn.CreatedAt,
		UpdatedAt:    conn.UpdatedAt,
		RevokedAt:    conn.RevokedAt,
	}
}

// Status implements §4.9's status operation: sanitized rows for every
// connection belonging to a tenant.
func (m *Manager) Status(ctx context.Context, startupID string) ([]SanitizedConnection, error) {
	connections, err := m.store.ListConnectionsByTenant(ctx, startupID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "list connections", err)
	}
	out := make([]SanitizedConnection, 0, len(connections))
	for _, c := range connections {
		out = append(out, sanitizeStatus(c))
	}
	return out, nil
}

// TestResult reports whether a connection is currently usable.
type TestResult struct {
	IsConnectable bool
	Refreshed     bool
}

// Test implements §4.9's test operation, optionally triggering a refresh
// first.
func (m *Manager) Test(ctx context.Context, connectionID string, triggerRefresh bool) (*TestResult, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, apierr.NotFound("connection %s not found", connectionID)
	}

	result := &TestResult{}
	if triggerRefresh && conn.Status == storage.ConnectionStatusConnected {
		refresh, err := m.RefreshToken(ctx, RefreshRequest{ConnectionID: connectionID})
		if err != nil {
			return nil, err
		}
		result.Refreshed = refresh.Refreshed
		conn, err = m.store.GetConnection(ctx, connectionID)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "reload connection after refresh", err)
		}
	}

	result.IsConnectable = conn.Status != storage.ConnectionStatusRevoked && conn.Status != storage.ConnectionStatusError
	return result, nil
}

// Revoke implements §4.9's revoke operation.
func (m *Manager) Revoke(ctx context.Context, connectionID, reason string) error {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return apierr.NotFound("connection %s not found", connectionID)
	}

	meta, err := loadMetadata(conn.MetadataJSON)
	if err != nil {
		return err
	}
	meta.Notes = reason
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshal connection metadata", err)
	}

	now := time.Now().UTC()
	conn.Status = storage.ConnectionStatusRevoked
	conn.MetadataJSON = metaJSON
	conn.UpdatedAt = now
	conn.RevokedAt = &now
	if err := m.store.UpsertConnection(ctx, *conn); err != nil {
		return apierr.Wrap(apierr.KindInternal, "revoke connection", err)
	}
	return nil
}

// SyncRunRequest carries a non-filesystem ingestion run's inputs. This is a
// scaffold per §3's "scaffold for non-filesystem ingestion" note: dry_run
// and manual modes record bookkeeping only, and pull mode is accepted but
// has no live connector behind it yet.
type SyncRunRequest struct {
	ConnectionID string
	Mode         string // dry_run, pull, or manual
	WindowFrom   *time.Time
	WindowTo     *time.Time
}

// SyncRunResult reports the recorded run.
type SyncRunResult struct {
	RunID  string
	Status string
}

// RecordSyncRun implements the integration_sync_run bookkeeping supplement:
// it validates the connection exists and is connected, then records a
// completed run with an empty document set. A live pull connector is out of
// scope; this only exercises the persistence shape.
func (m *Manager) RecordSyncRun(ctx context.Context, req SyncRunRequest) (*SyncRunResult, error) {
	conn, err := m.store.GetConnection(ctx, req.ConnectionID)
	if err != nil {
		return nil, apierr.NotFound("connection %s not found", req.ConnectionID)
	}
	if conn.Status != storage.ConnectionStatusConnected {
		return nil, apierr.StateViolation("connection %s is not connected (status=%s)", req.ConnectionID, conn.Status)
	}

	mode := req.Mode
	if mode == "" {
		mode = storage.SyncRunModeDryRun
	}

	now := time.Now().UTC()
	runID := uuid.NewString()
	run := storage.IntegrationSyncRun{
		RunID:        runID,
		ConnectionID: req.ConnectionID,
		RunMode:      mode,
		WindowFrom:   req.WindowFrom,
		WindowTo:     req.WindowTo,
		Status:       storage.SyncRunStatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateSyncRun(ctx, run); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "create sync run", err)
	}

	summary, err := json.Marshal(map[string]interface{}{"document_count": 0, "mode": mode})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "marshal sync run summary", err)
	}
	if err := m.store.CompleteSyncRun(ctx, runID, storage.SyncRunStatusCompleted, summary, "", now); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "complete sync run", err)
	}

	return &SyncRunResult{RunID: runID, Status: storage.SyncRunStatusCompleted}, nil
}
