package app_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/openclaw/vcevidence/internal/app"
	"github.com/openclaw/vcevidence/internal/approval"
	"github.com/openclaw/vcevidence/internal/collector"
	"github.com/openclaw/vcevidence/internal/config"
	"github.com/openclaw/vcevidence/internal/cryptostore"
	"github.com/openclaw/vcevidence/internal/dispatch"
	"github.com/openclaw/vcevidence/internal/oauthconn"
	"github.com/openclaw/vcevidence/internal/storage"
	"github.com/openclaw/vcevidence/internal/tenant"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) (*app.App, sqlmock.Sqlmock, *tenant.Registry) {
	t.Helper()

	registry, err := tenant.Open(t.TempDir() + "/tenants.json")
	require.NoError(t, err)

	crypto, err := cryptostore.Open(t.TempDir() + "/keys.json")
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := storage.New(db)

	col := collector.New(registry, store, crypto, t.TempDir()+"/vault", nil)
	approvals := approval.New(store, nil)
	dispatcher := dispatch.New(store, registry, config.SMTP{})
	oauth := oauthconn.New(store, crypto, config.OAuthDefaults{})
	cfg := &config.Collector{DefaultApprover: "ops@openclaw.example"}

	a := app.New(registry, store, col, approvals, dispatcher, oauth, cfg)
	return a, mock, registry
}

func payload(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDispatch_UnknownActionFails(t *testing.T) {
	a, _, _ := newTestApp(t)
	result := a.Dispatch(context.Background(), app.Request{Action: "nonsense"})
	require.False(t, result.Success)
	require.NotEmpty(t, result.Error)
}

func TestDispatch_RegisterMissingStartupIDFails(t *testing.T) {
	a, _, _ := newTestApp(t)
	result := a.Dispatch(context.Background(), app.Request{
		Action:  app.ActionRegister,
		Payload: payload(t, map[string]interface{}{}),
	})
	require.False(t, result.Success)
}

func TestDispatch_RegisterThenGet(t *testing.T) {
	a, _, registry := newTestApp(t)
	result := a.Dispatch(context.Background(), app.Request{
		Action: app.ActionRegister,
		Payload: payload(t, map[string]interface{}{
			"startup_id":       "acme",
			"gateway_url":      "http://127.0.0.1:9",
			"gateway_secret":   "s3cret",
			"email_recipients": []string{"ops@acme.example"},
		}),
	})
	require.True(t, result.Success)

	tn, err := registry.Get("acme")
	require.NoError(t, err)
	require.True(t, tn.Active)
	require.Equal(t, "http://127.0.0.1:9", tn.GatewayURL)
}

func TestDispatch_BindFolderRequiresExistingTenant(t *testing.T) {
	a, _, _ := newTestApp(t)
	result := a.Dispatch(context.Background(), app.Request{
		Action: app.ActionBindFolder,
		Payload: payload(t, map[string]interface{}{
			"startup_id":     "ghost",
			"gateway_url":    "http://127.0.0.1:9",
			"gateway_secret": "s3cret",
		}),
	})
	require.False(t, result.Success)
}

func TestDispatch_BindFolderUpdatesGatewayFields(t *testing.T) {
	a, _, registry := newTestApp(t)
	require.NoError(t, registry.Register(tenant.Tenant{StartupID: "acme", Active: true, FolderAlias: "desktop_common"}))

	result := a.Dispatch(context.Background(), app.Request{
		Action: app.ActionBindFolder,
		Payload: payload(t, map[string]interface{}{
			"startup_id":     "acme",
			"gateway_url":    "http://10.0.0.5:8088",
			"gateway_secret": "newsecret",
		}),
	})
	require.True(t, result.Success)

	tn, err := registry.Get("acme")
	require.NoError(t, err)
	require.Equal(t, "http://10.0.0.5:8088", tn.GatewayURL)
	require.Equal(t, "newsecret", tn.GatewaySecret)
	require.Equal(t, "desktop_common", tn.FolderAlias)
}

func TestDispatch_ApprovalRejectUnknownApprovalFails(t *testing.T) {
	a, mock, _ := newTestApp(t)
	mock.ExpectQuery(`SELECT approval_id`).WillReturnError(sql.ErrNoRows)

	result := a.Dispatch(context.Background(), app.Request{
		Action: app.ActionApprovalReject,
		Payload: payload(t, map[string]interface{}{
			"approval_id": "missing",
			"approver":    "alice",
		}),
	})
	require.False(t, result.Success)
}

func TestDispatch_ApprovalStatusReturnsRow(t *testing.T) {
	a, mock, _ := newTestApp(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT approval_id`).WillReturnRows(sqlmock.NewRows([]string{
		"approval_id", "collection_id", "action_type", "payload_json", "status", "requested_at",
		"approved_at", "dispatched_at", "approver", "expires_at", "risk_score", "risk_level", "risk_reasons_json", "reject_reason",
	}).AddRow("appr-1", "coll-1", "dispatch_email", []byte(`{}`), storage.ApprovalStatusPending, now,
		nil, nil, "", now.Add(time.Hour), 0.1, "low", `[]`, ""))

	result := a.Dispatch(context.Background(), app.Request{
		Action:  app.ActionApprovalStatus,
		Payload: payload(t, map[string]interface{}{"approval_id": "appr-1"}),
	})
	require.True(t, result.Success)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatch_ScopePolicyGetSetRoundTrip(t *testing.T) {
	a, _, registry := newTestApp(t)
	require.NoError(t, registry.Register(tenant.Tenant{StartupID: "acme", Active: true}))

	setResult := a.Dispatch(context.Background(), app.Request{
		Action: app.ActionScopePolicySet,
		Payload: payload(t, map[string]interface{}{
			"startup_id": "acme",
			"policy": map[string]interface{}{
				"allowed_doc_types": []string{"tax_invoice"},
				"retention_days":    90,
			},
		}),
	})
	require.True(t, setResult.Success)

	getResult := a.Dispatch(context.Background(), app.Request{
		Action:  app.ActionScopePolicyGet,
		Payload: payload(t, map[string]interface{}{"startup_id": "acme"}),
	})
	require.True(t, getResult.Success)

	policy, ok := getResult.Data.(tenant.ScopePolicy)
	require.True(t, ok)
	require.Equal(t, []string{"tax_invoice"}, policy.AllowedDocTypes)
	require.Equal(t, 90, policy.RetentionDays)
}

func TestDispatch_ScopePolicyGetUnknownTenantFails(t *testing.T) {
	a, _, _ := newTestApp(t)
	result := a.Dispatch(context.Background(), app.Request{
		Action:  app.ActionScopePolicyGet,
		Payload: payload(t, map[string]interface{}{"startup_id": "ghost"}),
	})
	require.False(t, result.Success)
}

func TestDispatch_UserConfirmRequestAndRespond(t *testing.T) {
	a, mock, _ := newTestApp(t)
	mock.ExpectExec(`INSERT INTO user_confirmations`).WillReturnResult(sqlmock.NewResult(1, 1))

	createResult := a.Dispatch(context.Background(), app.Request{
		Action: app.ActionUserConfirmRequest,
		Payload: payload(t, map[string]interface{}{
			"startup_id": "acme",
			"subject":    "confirm dispatch of Q3 evidence",
		}),
	})
	require.True(t, createResult.Success)

	data, err := json.Marshal(createResult.Data)
	require.NoError(t, err)
	var created storage.UserConfirmation
	require.NoError(t, json.Unmarshal(data, &created))
	require.NotEmpty(t, created.ConfirmationID)
	require.Equal(t, storage.ConfirmationStatusPending, created.Status)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT confirmation_id`).WillReturnRows(sqlmock.NewRows([]string{
		"confirmation_id", "startup_id", "collection_id", "subject", "status", "requested_at", "responded_at",
	}).AddRow(created.ConfirmationID, "acme", "", "confirm dispatch of Q3 evidence", storage.ConfirmationStatusPending, now, nil))
	mock.ExpectExec(`UPDATE user_confirmations`).WillReturnResult(sqlmock.NewResult(0, 1))

	respondResult := a.Dispatch(context.Background(), app.Request{
		Action: app.ActionUserConfirmRespond,
		Payload: payload(t, map[string]interface{}{
			"confirmation_id": created.ConfirmationID,
			"confirmed":       true,
		}),
	})
	require.True(t, respondResult.Success)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatch_ScopePolicyAuditCountsDecisions(t *testing.T) {
	a, mock, _ := newTestApp(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT collection_id, startup_id, rel_path`).WillReturnRows(sqlmock.NewRows([]string{
		"collection_id", "startup_id", "rel_path", "doc_type", "decision", "reason", "created_at",
	}).AddRow("coll-1", "acme", "desktop_common/a.txt", "tax_invoice", storage.ScopeDecisionAllow, "in_scope", now).
		AddRow("coll-1", "acme", "desktop_common/b.txt", "unknown", storage.ScopeDecisionReject, "doc_type_not_allowed", now))

	result := a.Dispatch(context.Background(), app.Request{
		Action:  app.ActionScopePolicyAudit,
		Payload: payload(t, map[string]interface{}{"startup_id": "acme"}),
	})
	require.True(t, result.Success)
	require.NoError(t, mock.ExpectationsWereMet())
}
