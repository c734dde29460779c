package oauthconn_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/openclaw/vcevidence/internal/config"
	"github.com/openclaw/vcevidence/internal/cryptostore"
	"github.com/openclaw/vcevidence/internal/oauthconn"
	"github.com/openclaw/vcevidence/internal/storage"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*oauthconn.Manager, *cryptostore.Store, sqlmock.Sqlmock) {
	t.Helper()

	cs, err := cryptostore.Open(filepath.Join(t.TempDir(), "keys.json"))
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := storage.New(db)

	return oauthconn.New(store, cs, config.OAuthDefaults{}), cs, mock
}

func encryptClientConfig(t *testing.T, cs *cryptostore.Store, startupID, connectionID, clientID, clientSecret, redirectURI string) []byte {
	t.Helper()
	plaintext, err := json.Marshal(map[string]string{
		"client_id": clientID, "client_secret": clientSecret, "redirect_uri": redirectURI,
	})
	require.NoError(t, err)
	env, err := cs.Encrypt(startupID, plaintext, []byte(connectionID))
	require.NoError(t, err)
	meta, err := json.Marshal(map[string]interface{}{"oauth_client_envelope": env})
	require.NoError(t, err)
	return meta
}

func encryptTokenConfig(t *testing.T, cs *cryptostore.Store, startupID, connectionID, accessToken, refreshToken string, expiresAt time.Time, clientMeta []byte) []byte {
	t.Helper()
	plaintext, err := json.Marshal(map[string]interface{}{
		"access_token": accessToken, "refresh_token": refreshToken, "expires_at": expiresAt,
	})
	require.NoError(t, err)
	env, err := cs.Encrypt(startupID, plaintext, []byte(connectionID+":token"))
	require.NoError(t, err)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(clientMeta, &meta))
	meta["oauth_token_envelope"] = env
	meta["token_expires_at"] = expiresAt
	out, err := json.Marshal(meta)
	require.NoError(t, err)
	return out
}

func tokenServer(t *testing.T, accessToken, refreshToken string, expiresIn int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]interface{}{
			"access_token": accessToken,
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		}
		if refreshToken != "" {
			resp["refresh_token"] = refreshToken
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestConnect_WithCredentialsReturnsConsentURL(t *testing.T) {
	m, _, mock := newTestManager(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO integration_connections")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := m.Connect(context.Background(), oauthconn.ConnectRequest{
		StartupID:    "acme",
		Provider:     "custom",
		ClientID:     "client-123",
		ClientSecret: "secret-xyz",
		RedirectURI:  "https://acme.example/callback",
		AuthURL:      "https://idp.example/authorize",
		TokenURL:     "https://idp.example/token",
		Scopes:       []string{"read"},
	})
	require.NoError(t, err)
	require.Equal(t, storage.ConnectionStatusPendingConsent, result.Status)
	require.Contains(t, result.ConsentURL, "https://idp.example/authorize")
	require.NotEmpty(t, result.ConnectionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnect_WithoutCredentialsAwaitingCredentials(t *testing.T) {
	m, _, mock := newTestManager(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO integration_connections")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := m.Connect(context.Background(), oauthconn.ConnectRequest{StartupID: "acme", Provider: "custom"})
	require.NoError(t, err)
	require.Equal(t, storage.ConnectionStatusAwaitingCredentials, result.Status)
	require.Empty(t, result.ConsentURL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func connectionRow(c storage.IntegrationConnection, scopesJSON string) []interface{} {
	return []interface{}{
		c.ConnectionID, c.StartupID, c.Provider, c.Mode, c.Status, scopesJSON,
		c.TokenRef, c.RefreshTokenRef, c.MetadataJSON, c.CreatedAt, c.UpdatedAt, c.RevokedAt,
	}
}

var connectionColumns = []string{
	"connection_id", "startup_id", "provider", "mode", "status", "scopes_json",
	"token_ref", "refresh_token_ref", "metadata_json", "created_at", "updated_at", "revoked_at",
}

func TestExchangeCode_RevokedFails(t *testing.T) {
	m, _, mock := newTestManager(t)
	now := time.Now().UTC()
	conn := storage.IntegrationConnection{
		ConnectionID: "conn-1", StartupID: "acme", Provider: "custom", Mode: "byo_oauth",
		Status: storage.ConnectionStatusRevoked, CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT connection_id")).
		WillReturnRows(sqlmock.NewRows(connectionColumns).AddRow(connectionRow(conn, "[]")...))

	_, err := m.ExchangeCode(context.Background(), "conn-1", "auth-code")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExchangeCode_ExchangesAndEncryptsToken(t *testing.T) {
	m, cs, mock := newTestManager(t)
	srv := tokenServer(t, "access-token-1", "refresh-token-1", 3600)
	defer srv.Close()

	now := time.Now().UTC()
	clientMeta := encryptClientConfig(t, cs, "acme", "conn-1", "client-123", "secret-xyz", "https://acme.example/callback")
	conn := storage.IntegrationConnection{
		ConnectionID: "conn-1", StartupID: "acme", Provider: "custom", Mode: "byo_oauth",
		Status: storage.ConnectionStatusPendingConsent, MetadataJSON: clientMeta, CreatedAt: now, UpdatedAt: now,
	}
	// patch the auth/token URLs into the stored metadata so exchange targets srv.
	var metaMap map[string]interface{}
	require.NoError(t, json.Unmarshal(clientMeta, &metaMap))
	metaMap["auth_url"] = srv.URL + "/authorize"
	metaMap["token_url"] = srv.URL + "/token"
	patchedMeta, err := json.Marshal(metaMap)
	require.NoError(t, err)
	conn.MetadataJSON = patchedMeta

	mock.ExpectQuery(regexp.QuoteMeta("SELECT connection_id")).
		WillReturnRows(sqlmock.NewRows(connectionColumns).AddRow(connectionRow(conn, "[]")...))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO integration_connections")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	connected := conn
	connected.Status = storage.ConnectionStatusConnected
	connected.MetadataJSON = encryptTokenConfig(t, cs, "acme", "conn-1", "access-token-1", "refresh-token-1", now.Add(time.Hour), patchedMeta)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT connection_id")).
		WillReturnRows(sqlmock.NewRows(connectionColumns).AddRow(connectionRow(connected, "[]")...))

	result, err := m.ExchangeCode(context.Background(), "conn-1", "auth-code")
	require.NoError(t, err)
	require.Equal(t, storage.ConnectionStatusConnected, result.Status)
	require.NotNil(t, result.TokenExpiry)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshToken_SkipsNetworkWhenStillValid(t *testing.T) {
	m, cs, mock := newTestManager(t)
	now := time.Now().UTC()

	clientMeta := encryptClientConfig(t, cs, "acme", "conn-1", "client-123", "secret-xyz", "https://acme.example/callback")
	fullMeta := encryptTokenConfig(t, cs, "acme", "conn-1", "access-token-1", "refresh-token-1", now.Add(time.Hour), clientMeta)

	conn := storage.IntegrationConnection{
		ConnectionID: "conn-1", StartupID: "acme", Provider: "custom", Mode: "byo_oauth",
		Status: storage.ConnectionStatusConnected, MetadataJSON: fullMeta, CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT connection_id")).
		WillReturnRows(sqlmock.NewRows(connectionColumns).AddRow(connectionRow(conn, "[]")...))

	result, err := m.RefreshToken(context.Background(), oauthconn.RefreshRequest{ConnectionID: "conn-1"})
	require.NoError(t, err)
	require.False(t, result.Refreshed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshToken_ForcesNetworkCallWhenExpiringSoon(t *testing.T) {
	m, cs, mock := newTestManager(t)
	srv := tokenServer(t, "access-token-2", "", 3600)
	defer srv.Close()

	now := time.Now().UTC()
	clientMeta := encryptClientConfig(t, cs, "acme", "conn-1", "client-123", "secret-xyz", "https://acme.example/callback")
	var metaMap map[string]interface{}
	require.NoError(t, json.Unmarshal(clientMeta, &metaMap))
	metaMap["auth_url"] = srv.URL + "/authorize"
	metaMap["token_url"] = srv.URL + "/token"
	patchedClientMeta, err := json.Marshal(metaMap)
	require.NoError(t, err)

	fullMeta := encryptTokenConfig(t, cs, "acme", "conn-1", "access-token-1", "refresh-token-1", now.Add(30*time.Second), patchedClientMeta)

	conn := storage.IntegrationConnection{
		ConnectionID: "conn-1", StartupID: "acme", Provider: "custom", Mode: "byo_oauth",
		Status: storage.ConnectionStatusConnected, MetadataJSON: fullMeta, CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT connection_id")).
		WillReturnRows(sqlmock.NewRows(connectionColumns).AddRow(connectionRow(conn, "[]")...))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO integration_connections")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := m.RefreshToken(context.Background(), oauthconn.RefreshRequest{ConnectionID: "conn-1"})
	require.NoError(t, err)
	require.True(t, result.Refreshed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatus_SanitizesEnvelopes(t *testing.T) {
	m, _, mock := newTestManager(t)
	now := time.Now().UTC()
	meta := map[string]interface{}{
		"oauth_client_envelope": map[string]string{"alg": "AES-256-GCM"},
		"oauth_token_envelope":  map[string]string{"alg": "AES-256-GCM"},
	}
	metaJSON, err := json.Marshal(meta)
	require.NoError(t, err)

	conn := storage.IntegrationConnection{
		ConnectionID: "conn-1", StartupID: "acme", Provider: "custom", Mode: "byo_oauth",
		Status: storage.ConnectionStatusConnected, MetadataJSON: metaJSON, CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT connection_id")).
		WillReturnRows(sqlmock.NewRows(connectionColumns).AddRow(connectionRow(conn, "[]")...))

	results, err := m.Status(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "conn-1", results[0].ConnectionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevoke_SetsRevokedStatus(t *testing.T) {
	m, _, mock := newTestManager(t)
	now := time.Now().UTC()
	conn := storage.IntegrationConnection{
		ConnectionID: "conn-1", StartupID: "acme", Provider: "custom", Mode: "byo_oauth",
		Status: storage.ConnectionStatusConnected, CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT connection_id")).
		WillReturnRows(sqlmock.NewRows(connectionColumns).AddRow(connectionRow(conn, "[]")...))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO integration_connections")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := m.Revoke(context.Background(), "conn-1", "no longer needed")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTest_RevokedIsNotConnectable(t *testing.T) {
	m, _, mock := newTestManager(t)
	now := time.Now().UTC()
	conn := storage.IntegrationConnection{
		ConnectionID: "conn-1", StartupID: "acme", Provider: "custom", Mode: "byo_oauth",
		Status: storage.ConnectionStatusRevoked, CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT connection_id")).
		WillReturnRows(sqlmock.NewRows(connectionColumns).AddRow(connectionRow(conn, "[]")...))

	result, err := m.Test(context.Background(), "conn-1", false)
	require.NoError(t, err)
	require.False(t, result.IsConnectable)
	require.NoError(t, mock.ExpectationsWereMet())
}
