// Package approval implements the pending/approved/rejected/expired state
// machine described in §4.3, including the two-person sign-off gate for
// high-risk approvals.
package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/openclaw/vcevidence/internal/apierr"
	"github.com/openclaw/vcevidence/internal/storage"
)

// Dispatcher is the subset of internal/dispatch's behavior approve() needs;
// kept as an interface here so approval doesn't import dispatch directly.
// dispatched reports whether mail actually went out (false for an explicit
// dry run, or when no SMTP transport is configured); Dispatch itself is
// responsible for the approval/collection dispatched state transition when
// dispatched is true.
type Dispatcher interface {
	Dispatch(ctx context.Context, approvalID string, dryRun bool) (dispatched bool, err error)
}

// Manager wraps storage's approval accessors with the workflow rules of
// §4.3: TTL lazy-expiry, reject/approve transitions, and dual sign-off.
type Manager struct {
	store      *storage.Store
	dispatcher Dispatcher
}

// New constructs a Manager. dispatcher may be nil if the caller never
// invokes Approve with auto_dispatch=true (e.g. tests exercising only the
// state machine).
func New(store *storage.Store, dispatcher Dispatcher) *Manager {
	return &Manager{store: store, dispatcher: dispatcher}
}

// PendingSummary is the list_pending response shape: approvals plus a
// risk-level breakdown.
type PendingSummary struct {
	Approvals     []storage.Approval
	RiskBreakdown map[string]int
	SignoffCounts map[string]int
}

// ListPending returns non-expired pending approvals for a tenant (or every
// tenant when startupID is empty), per §4.3's list_pending. Expired rows
// are filtered out here but not transitioned — expiry transitions happen
// lazily inside Approve/Reject.
func (m *Manager) ListPending(ctx context.Context, startupID string) (*PendingSummary, error) {
	all, err := m.store.ListPendingApprovals(ctx, startupID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "list pending approvals", err)
	}

	now := time.Now().UTC()
	summary := &PendingSummary{RiskBreakdown: map[string]int{}, SignoffCounts: map[string]int{}}
	for _, a := range all {
		if a.ExpiresAt.Before(now) {
			continue
		}
		summary.Approvals = append(summary.Approvals, a)
		summary.RiskBreakdown[a.RiskLevel]++

		approvers, err := m.store.ListSignoffApprovers(ctx, a.ApprovalID)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "list signoff approvers", err)
		}
		summary.SignoffCounts[a.ApprovalID] = len(approvers)
	}

	sort.SliceStable(summary.Approvals, func(i, j int) bool {
		if summary.Approvals[i].RiskScore != summary.Approvals[j].RiskScore {
			return summary.Approvals[i].RiskScore > summary.Approvals[j].RiskScore
		}
		return summary.Approvals[i].RequestedAt.Before(summary.Approvals[j].RequestedAt)
	})

	return summary, nil
}

// ErrExpired is the cause wrapped into the StateViolation returned when an
// approval's TTL has lapsed; callers that care can unwrap with errors.Is.
var ErrExpired = errors.New("approval: expired")

// ErrNotPending is the cause wrapped into the StateViolation returned when
// an action requires pending status but the approval has already left it.
var ErrNotPending = errors.New("approval: not pending")

// ErrHighRiskNotForced is the cause wrapped into the Forbidden returned when
// a high-risk approval is approved without force_high_risk set.
var ErrHighRiskNotForced = errors.New("approval: high risk requires force_high_risk")

// Reject transitions a pending approval to rejected, per §4.3's reject op.
// It is a terminal transition allowed only from pending.
func (m *Manager) Reject(ctx context.Context, approvalID, approver, reason string) error {
	a, err := m.store.GetApproval(ctx, approvalID)
	if err != nil {
		return apierr.NotFound("approval %s not found", approvalID)
	}
	if a.Status == storage.ApprovalStatusPending && a.ExpiresAt.Before(time.Now().UTC()) {
		_ = m.store.ExpireApproval(ctx, approvalID)
		return apierr.Wrap(apierr.KindStateViolation, fmt.Sprintf("approval %s expired at %s", approvalID, a.ExpiresAt), ErrExpired)
	}
	if a.Status != storage.ApprovalStatusPending {
		return apierr.Wrap(apierr.KindStateViolation, fmt.Sprintf("approval %s is not pending (status=%s)", approvalID, a.Status), ErrNotPending)
	}
	if err := m.store.RejectApproval(ctx, approvalID, approver, reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apierr.Wrap(apierr.KindStateViolation, fmt.Sprintf("approval %s is no longer pending", approvalID), ErrNotPending)
		}
		return apierr.Wrap(apierr.KindInternal, "reject approval", err)
	}
	return nil
}

// ApproveRequest carries the approve() call's parameters from §4.3.
type ApproveRequest struct {
	ApprovalID     string
	Approver       string
	AutoDispatch   *bool // nil means default true
	ForceHighRisk  bool
	DryRunDispatch bool
}

// ApproveResult reports what Approve actually did, including the
// requires_second_approval signal for high-risk approvals still short of
// their second distinct sign-off.
type ApproveResult struct {
	Status                 string
	RequiresSecondApproval bool
	Dispatched             bool
}

// Approve implements §4.3's approve() transition, including lazy TTL
// expiry and the two-person high-risk gate.
func (m *Manager) Approve(ctx context.Context, req ApproveRequest) (*ApproveResult, error) {
	a, err := m.store.GetApproval(ctx, req.ApprovalID)
	if err != nil {
		return nil, apierr.NotFound("approval %s not found", req.ApprovalID)
	}

	now := time.Now().UTC()
	if a.Status == storage.ApprovalStatusPending && a.ExpiresAt.Before(now) {
		_ = m.store.ExpireApproval(ctx, req.ApprovalID)
		return nil, apierr.Wrap(apierr.KindStateViolation, fmt.Sprintf("approval %s expired at %s", req.ApprovalID, a.ExpiresAt), ErrExpired)
	}

	if a.Status != storage.ApprovalStatusPending {
		return nil, apierr.Wrap(apierr.KindStateViolation, fmt.Sprintf("approval %s is not pending (status=%s)", req.ApprovalID, a.Status), ErrNotPending)
	}

	if a.RiskLevel == string(highRiskLevel) {
		if !req.ForceHighRisk {
			err := apierr.Wrap(apierr.KindProtocol, fmt.Sprintf("approval %s is high risk: force_high_risk is required", req.ApprovalID), ErrHighRiskNotForced)
			err.StatusOverride = http.StatusForbidden
			return nil, err
		}

		if _, err := m.store.InsertSignoff(ctx, req.ApprovalID, req.Approver, now); err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "record signoff", err)
		}
		approvers, err := m.store.ListSignoffApprovers(ctx, req.ApprovalID)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "list signoff approvers", err)
		}
		if len(approvers) < 2 {
			if err := m.store.SetApprovalApprover(ctx, req.ApprovalID, strings.Join(approvers, ",")); err != nil {
				return nil, apierr.Wrap(apierr.KindInternal, "record pending signoffs", err)
			}
			return &ApproveResult{Status: storage.ApprovalStatusPending, RequiresSecondApproval: true}, nil
		}
	}

	if err := m.store.PromoteApproval(ctx, req.ApprovalID, req.Approver, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.Wrap(apierr.KindStateViolation, fmt.Sprintf("approval %s is no longer pending", req.ApprovalID), ErrNotPending)
		}
		return nil, apierr.Wrap(apierr.KindInternal, "promote approval", err)
	}

	result := &ApproveResult{Status: storage.ApprovalStatusApproved}

	autoDispatch := true
	if req.AutoDispatch != nil {
		autoDispatch = *req.AutoDispatch
	}
	if autoDispatch && m.dispatcher != nil {
		dispatched, err := m.dispatcher.Dispatch(ctx, req.ApprovalID, req.DryRunDispatch)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindExternal, "dispatch after approval", err)
		}
		if dispatched {
			result.Dispatched = true
			result.Status = storage.ApprovalStatusDispatched
		}
	}

	return result, nil
}

type riskLevel string

const highRiskLevel riskLevel = "high"
