package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// UpsertConnection inserts or updates an integration connection keyed by
// connection_id.
func (s *Store) UpsertConnection(ctx context.Context, c IntegrationConnection) error {
	scopesJSON, err := json.Marshal(c.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO integration_connections
			(connection_id, startup_id, provider, mode, status, scopes_json, token_ref, refresh_token_ref, metadata_json, created_at, updated_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (connection_id) DO UPDATE SET
			status = $5, scopes_json = $6, token_ref = $7, refresh_token_ref = $8,
			metadata_json = $9, updated_at = $11, revoked_at = $12
	`, c.ConnectionID, c.StartupID, c.Provider, c.Mode, c.Status, scopesJSON, c.TokenRef, c.RefreshTokenRef,
		c.MetadataJSON, c.CreatedAt, c.UpdatedAt, c.RevokedAt)
	return err
}

const connectionColumns = `connection_id, startup_id, provider, mode, status, scopes_json, token_ref, refresh_token_ref, metadata_json, created_at, updated_at, revoked_at`

func scanConnection(row interface{ Scan(...interface{}) error }) (*IntegrationConnection, error) {
	var c IntegrationConnection
	var scopesJSON []byte
	var tokenRef, refreshTokenRef sql.NullString
	var revokedAt sql.NullTime
	err := row.Scan(&c.ConnectionID, &c.StartupID, &c.Provider, &c.Mode, &c.Status, &scopesJSON,
		&tokenRef, &refreshTokenRef, &c.MetadataJSON, &c.CreatedAt, &c.UpdatedAt, &revokedAt)
	if err != nil {
		return nil, err
	}
	c.TokenRef = tokenRef.String
	c.RefreshTokenRef = refreshTokenRef.String
	if revokedAt.Valid {
		c.RevokedAt = &revokedAt.Time
	}
	if err := json.Unmarshal(scopesJSON, &c.Scopes); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetConnection(ctx context.Context, connectionID string) (*IntegrationConnection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM integration_connections WHERE connection_id = $1`, connectionID)
	return scanConnection(row)
}

func (s *Store) ListConnectionsByTenant(ctx context.Context, startupID string) ([]IntegrationConnection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+connectionColumns+` FROM integration_connections WHERE startup_id = $1 ORDER BY updated_at DESC`, startupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var connections []IntegrationConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		connections = append(connections, *c)
	}
	return connections, rows.Err()
}

// CreateSyncRun inserts a new sync run row in `running` status.
func (s *Store) CreateSyncRun(ctx context.Context, run IntegrationSyncRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integration_sync_runs (run_id, connection_id, run_mode, window_from, window_to, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, run.RunID, run.ConnectionID, run.RunMode, run.WindowFrom, run.WindowTo, run.Status, run.CreatedAt, run.UpdatedAt)
	return err
}

// CompleteSyncRun transitions a sync run to completed or failed with an
// optional summary/error payload.
func (s *Store) CompleteSyncRun(ctx context.Context, runID, status string, summaryJSON []byte, syncErr string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE integration_sync_runs SET status = $2, summary_json = $3, error = $4, updated_at = $5
		WHERE run_id = $1
	`, runID, status, summaryJSON, syncErr, now)
	return err
}

// CreateUserConfirmation inserts a pending confirmation gate.
func (s *Store) CreateUserConfirmation(ctx context.Context, c UserConfirmation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_confirmations (confirmation_id, startup_id, collection_id, subject, status, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ConfirmationID, c.StartupID, c.CollectionID, c.Subject, c.Status, c.RequestedAt)
	return err
}

func (s *Store) GetUserConfirmation(ctx context.Context, confirmationID string) (*UserConfirmation, error) {
	var c UserConfirmation
	var collectionID sql.NullString
	var respondedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT confirmation_id, startup_id, collection_id, subject, status, requested_at, responded_at
		FROM user_confirmations WHERE confirmation_id = $1
	`, confirmationID).Scan(&c.ConfirmationID, &c.StartupID, &collectionID, &c.Subject, &c.Status, &c.RequestedAt, &respondedAt)
	if err != nil {
		return nil, err
	}
	c.CollectionID = collectionID.String
	if respondedAt.Valid {
		c.RespondedAt = &respondedAt.Time
	}
	return &c, nil
}

// RespondUserConfirmation records the subject's response, terminal once set.
func (s *Store) RespondUserConfirmation(ctx context.Context, confirmationID, status string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_confirmations SET status = $2, responded_at = $3
		WHERE confirmation_id = $1 AND status = 'pending'
	`, confirmationID, status, now)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}
