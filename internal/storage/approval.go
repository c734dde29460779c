package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateApproval inserts a new pending approval row.
func (s *Store) CreateApproval(ctx context.Context, a Approval) error {
	reasonsJSON, err := json.Marshal(a.RiskReasons)
	if err != nil {
		return fmt.Errorf("storage: marshal risk reasons: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, collection_id, action_type, payload_json, status, requested_at, approver, expires_at, risk_score, risk_level, risk_reasons_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ApprovalID, a.CollectionID, a.ActionType, a.PayloadJSON, a.Status, a.RequestedAt, a.Approver, a.ExpiresAt, a.RiskScore, a.RiskLevel, reasonsJSON)
	return err
}

func scanApproval(row interface{ Scan(...interface{}) error }) (*Approval, error) {
	var a Approval
	var reasonsJSON []byte
	var approver sql.NullString
	var approvedAt, dispatchedAt sql.NullTime
	err := row.Scan(&a.ApprovalID, &a.CollectionID, &a.ActionType, &a.PayloadJSON, &a.Status, &a.RequestedAt,
		&approvedAt, &dispatchedAt, &approver, &a.ExpiresAt, &a.RiskScore, &a.RiskLevel, &reasonsJSON, &a.RejectReason)
	if err != nil {
		return nil, err
	}
	if approvedAt.Valid {
		a.ApprovedAt = &approvedAt.Time
	}
	if dispatchedAt.Valid {
		a.DispatchedAt = &dispatchedAt.Time
	}
	a.Approver = approver.String
	if err := json.Unmarshal(reasonsJSON, &a.RiskReasons); err != nil {
		return nil, fmt.Errorf("storage: unmarshal risk reasons: %w", err)
	}
	return &a, nil
}

const approvalColumns = `approval_id, collection_id, action_type, payload_json, status, requested_at, approved_at, dispatched_at, approver, expires_at, risk_score, risk_level, risk_reasons_json, reject_reason`

// GetApproval looks up a single approval by ID.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE approval_id = $1`, approvalID)
	return scanApproval(row)
}

// ListPendingApprovals returns pending approvals for a tenant (or all
// tenants when startupID is empty), ordered by risk then age, per §4.3.
// This query filters only on `status = pending` and does not compare
// `expires_at`: approval.Manager.ListPending drops expired rows, and
// Manager.Approve/Manager.Reject perform the lazy transition to expired.
func (s *Store) ListPendingApprovals(ctx context.Context, startupID string) ([]Approval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approvals a
		WHERE a.status = 'pending'
	`
	args := []interface{}{}
	if startupID != "" {
		query += ` AND a.collection_id IN (SELECT collection_id FROM collections WHERE startup_id = $1)`
		args = append(args, startupID)
	}
	query += ` ORDER BY risk_score DESC, requested_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, *a)
	}
	return approvals, rows.Err()
}

// ExpireApproval lazily transitions a pending approval whose TTL has passed.
// Returns sql.ErrNoRows if the approval was not pending (already
// transitioned by a concurrent caller).
func (s *Store) ExpireApproval(ctx context.Context, approvalID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = 'expired' WHERE approval_id = $1 AND status = 'pending'
	`, approvalID)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// RejectApproval transitions a pending approval to rejected, recording the
// reason in the approval's reject_reason column.
func (s *Store) RejectApproval(ctx context.Context, approvalID, approver, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = 'rejected', approver = $2, reject_reason = $3
		WHERE approval_id = $1 AND status = 'pending'
	`, approvalID, approver, reason)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// PromoteApproval transitions a pending approval to approved.
func (s *Store) PromoteApproval(ctx context.Context, approvalID, approver string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = 'approved', approved_at = $3, approver = $2
		WHERE approval_id = $1 AND status = 'pending'
	`, approvalID, approver, now)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// SetApprovalApprover overwrites the approver field without changing status,
// used to record the comma-joined list of sign-off approvers while a
// high-risk approval is still short of its second sign-off.
func (s *Store) SetApprovalApprover(ctx context.Context, approvalID, approver string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE approvals SET approver = $2 WHERE approval_id = $1`, approvalID, approver)
	return err
}

// MarkDispatched transitions an approved approval to dispatched.
func (s *Store) MarkDispatched(ctx context.Context, approvalID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = 'dispatched', dispatched_at = $2
		WHERE approval_id = $1 AND status = 'approved'
	`, approvalID, now)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// InsertSignoff records one approver's sign-off for a high-risk approval.
// Returns inserted=false (no error) if this approver already signed off,
// since (approval_id, approver) is UNIQUE and a sign-off is never deleted.
func (s *Store) InsertSignoff(ctx context.Context, approvalID, approver string, now time.Time) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_signoffs (approval_id, approver, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (approval_id, approver) DO NOTHING
	`, approvalID, approver, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListSignoffApprovers returns the distinct approvers who have signed off on
// an approval, in sign-off order.
func (s *Store) ListSignoffApprovers(ctx context.Context, approvalID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT approver FROM approval_signoffs WHERE approval_id = $1 ORDER BY created_at ASC
	`, approvalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvers []string
	for rows.Next() {
		var approver string
		if err := rows.Scan(&approver); err != nil {
			return nil, err
		}
		approvers = append(approvers, approver)
	}
	return approvers, rows.Err()
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
