package storage

import "context"

// ListScopeAudits returns a tenant's scope_audit rows newest-first, paginated
// by limit/offset, backing the scope_policy audit action of §9.
func (s *Store) ListScopeAudits(ctx context.Context, startupID string, limit, offset int) ([]ScopeAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection_id, startup_id, rel_path, doc_type, decision, reason, created_at
		FROM scope_audits WHERE startup_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, startupID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []ScopeAudit
	for rows.Next() {
		var a ScopeAudit
		if err := rows.Scan(&a.CollectionID, &a.StartupID, &a.RelPath, &a.DocType, &a.Decision, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}
