// Package storage implements the relational schema and typed accessors for
// every long-lived entity in the platform, backed by Postgres.
package storage

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS collections (
	collection_id TEXT PRIMARY KEY,
	startup_id TEXT NOT NULL,
	window_from TIMESTAMPTZ NOT NULL,
	window_to TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	encrypted_path TEXT NOT NULL,
	summary_json JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_collections_startup_created ON collections (startup_id, created_at);

CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id TEXT NOT NULL,
	collection_id TEXT NOT NULL REFERENCES collections(collection_id),
	rel_path TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	doc_type TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	mtime TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (artifact_id, collection_id)
);
CREATE INDEX IF NOT EXISTS idx_artifacts_collection ON artifacts (collection_id);

CREATE TABLE IF NOT EXISTS scope_audits (
	id BIGSERIAL PRIMARY KEY,
	collection_id TEXT NOT NULL,
	startup_id TEXT NOT NULL,
	rel_path TEXT NOT NULL,
	doc_type TEXT NOT NULL,
	decision TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scope_audits_startup_created ON scope_audits (startup_id, created_at);

CREATE TABLE IF NOT EXISTS normalized_records (
	record_id TEXT PRIMARY KEY,
	collection_id TEXT NOT NULL,
	startup_id TEXT NOT NULL,
	payload_json JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_normalized_records_startup_created ON normalized_records (startup_id, created_at);

CREATE TABLE IF NOT EXISTS approvals (
	approval_id TEXT PRIMARY KEY,
	collection_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	payload_json JSONB NOT NULL,
	status TEXT NOT NULL,
	requested_at TIMESTAMPTZ NOT NULL,
	approved_at TIMESTAMPTZ,
	dispatched_at TIMESTAMPTZ,
	approver TEXT,
	expires_at TIMESTAMPTZ NOT NULL,
	risk_score DOUBLE PRECISION NOT NULL,
	risk_level TEXT NOT NULL,
	risk_reasons_json JSONB NOT NULL,
	reject_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_approvals_status_requested ON approvals (status, requested_at);

CREATE TABLE IF NOT EXISTS approval_signoffs (
	approval_id TEXT NOT NULL,
	approver TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (approval_id, approver)
);
CREATE INDEX IF NOT EXISTS idx_signoffs_approval_created ON approval_signoffs (approval_id, created_at);

CREATE TABLE IF NOT EXISTS integration_connections (
	connection_id TEXT PRIMARY KEY,
	startup_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	scopes_json JSONB NOT NULL,
	token_ref TEXT,
	refresh_token_ref TEXT,
	metadata_json JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_connections_tenant_provider ON integration_connections (startup_id, provider, status, updated_at);

CREATE TABLE IF NOT EXISTS integration_sync_runs (
	run_id TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL,
	run_mode TEXT NOT NULL,
	window_from TIMESTAMPTZ,
	window_to TIMESTAMPTZ,
	status TEXT NOT NULL,
	summary_json JSONB,
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_connection ON integration_sync_runs (connection_id, created_at);

CREATE TABLE IF NOT EXISTS integration_documents (
	document_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	rel_path TEXT,
	doc_type TEXT,
	metadata_json JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_integration_documents_run ON integration_documents (run_id);

CREATE TABLE IF NOT EXISTS user_confirmations (
	confirmation_id TEXT PRIMARY KEY,
	startup_id TEXT NOT NULL,
	collection_id TEXT,
	subject TEXT NOT NULL,
	status TEXT NOT NULL,
	requested_at TIMESTAMPTZ NOT NULL,
	responded_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_user_confirmations_startup ON user_confirmations (startup_id, requested_at);
`

// Init creates every table and index this store requires, idempotently.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
