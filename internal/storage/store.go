package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Store wraps a Postgres connection pool with typed accessors for every
// long-lived entity in §3.
type Store struct {
	db *sql.DB
}

// New wraps an existing *sql.DB. Callers own the connection pool's lifetime.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CollectionCycle bundles everything one collection cycle writes, so it can
// be committed atomically: either every row appears, or none does.
type CollectionCycle struct {
	Collection Collection
	Artifacts  []Artifact
	Audits     []ScopeAudit
	Records    []NormalizedRecord
}

// SaveCollectionCycle persists a Collection together with its artifacts,
// scope audits, and normalized records in a single transaction, satisfying
// the atomicity invariant of §5: a cycle's rows either all appear or none
// do.
func (s *Store) SaveCollectionCycle(ctx context.Context, cycle CollectionCycle) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin collection cycle: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	summaryJSON, err := json.Marshal(cycle.Collection.Summary)
	if err != nil {
		return fmt.Errorf("storage: marshal summary: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO collections (collection_id, startup_id, window_from, window_to, status, encrypted_path, summary_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, cycle.Collection.CollectionID, cycle.Collection.StartupID, cycle.Collection.WindowFrom, cycle.Collection.WindowTo,
		cycle.Collection.Status, cycle.Collection.EncryptedPath, summaryJSON, cycle.Collection.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert collection: %w", err)
	}

	for _, a := range cycle.Artifacts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO artifacts (artifact_id, collection_id, rel_path, sha256, size_bytes, doc_type, confidence, mtime)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (artifact_id, collection_id) DO UPDATE
			SET rel_path = $3, sha256 = $4, size_bytes = $5, doc_type = $6, confidence = $7, mtime = $8
		`, a.ArtifactID, a.CollectionID, a.RelPath, a.SHA256, a.SizeBytes, a.DocType, a.Confidence, a.MTime)
		if err != nil {
			return fmt.Errorf("storage: insert artifact %s: %w", a.ArtifactID, err)
		}
	}

	for _, audit := range cycle.Audits {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scope_audits (collection_id, startup_id, rel_path, doc_type, decision, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, audit.CollectionID, audit.StartupID, audit.RelPath, audit.DocType, audit.Decision, audit.Reason, audit.CreatedAt)
		if err != nil {
			return fmt.Errorf("storage: insert scope audit: %w", err)
		}
	}

	for _, rec := range cycle.Records {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO normalized_records (record_id, collection_id, startup_id, payload_json, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (record_id) DO UPDATE
			SET payload_json = $4, created_at = $5
		`, rec.RecordID, rec.CollectionID, rec.StartupID, rec.PayloadJSON, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("storage: insert normalized record %s: %w", rec.RecordID, err)
		}
	}

	return tx.Commit()
}

// SetCollectionStatus transitions a collection's status in place, used for
// verification_failed and dispatched transitions outside the initial write.
func (s *Store) SetCollectionStatus(ctx context.Context, collectionID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE collections SET status = $1 WHERE collection_id = $2`, status, collectionID)
	return err
}

func (s *Store) GetCollection(ctx context.Context, collectionID string) (*Collection, error) {
	var c Collection
	var summaryJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT collection_id, startup_id, window_from, window_to, status, encrypted_path, summary_json, created_at
		FROM collections WHERE collection_id = $1
	`, collectionID).Scan(&c.CollectionID, &c.StartupID, &c.WindowFrom, &c.WindowTo, &c.Status, &c.EncryptedPath, &summaryJSON, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(summaryJSON, &c.Summary); err != nil {
		return nil, fmt.Errorf("storage: unmarshal summary: %w", err)
	}
	return &c, nil
}

// ListArtifactsByCollection returns every artifact recorded for a collection,
// used by auto_verify to reconcile the DB with the decrypted bundle.
func (s *Store) ListArtifactsByCollection(ctx context.Context, collectionID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, collection_id, rel_path, sha256, size_bytes, doc_type, confidence, mtime
		FROM artifacts WHERE collection_id = $1
	`, collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ArtifactID, &a.CollectionID, &a.RelPath, &a.SHA256, &a.SizeBytes, &a.DocType, &a.Confidence, &a.MTime); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
