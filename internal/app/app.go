// Package app collapses the platform's operations behind a single
// JSON-in/JSON-out entry point, per §9's polymorphism note: callers send
// {"action": "...", "payload": {...}} and receive the apierr.Result
// {success, data, error} envelope, which is separate from the gateway's
// {ok, error} shape.
package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/openclaw/vcevidence/internal/apierr"
	"github.com/openclaw/vcevidence/internal/approval"
	"github.com/openclaw/vcevidence/internal/collector"
	"github.com/openclaw/vcevidence/internal/config"
	"github.com/openclaw/vcevidence/internal/dispatch"
	"github.com/openclaw/vcevidence/internal/oauthconn"
	"github.com/openclaw/vcevidence/internal/storage"
	"github.com/openclaw/vcevidence/internal/tenant"
)

var validate = validator.New()

// Action names the request dispatch's string discriminator, replacing the
// source's dynamic dict dispatch with the sum-type variants §9 asks for.
type Action string

const (
	ActionRegister           Action = "register"
	ActionBindFolder         Action = "bind_folder"
	ActionCollect            Action = "collect"
	ActionStatus             Action = "status"
	ActionApprovalPending    Action = "approval_pending"
	ActionApprovalApprove    Action = "approval_approve"
	ActionApprovalReject     Action = "approval_reject"
	ActionApprovalStatus     Action = "approval_status"
	ActionDispatchEmail      Action = "dispatch_email"
	ActionOAuthConnect       Action = "oauth_connect"
	ActionOAuthExchange      Action = "oauth_exchange"
	ActionOAuthRefresh       Action = "oauth_refresh"
	ActionOAuthStatus        Action = "oauth_status"
	ActionOAuthTest          Action = "oauth_test"
	ActionOAuthRevoke        Action = "oauth_revoke"
	ActionOAuthSyncRun       Action = "oauth_sync_run"
	ActionUserConfirmRequest Action = "user_confirm_request"
	ActionUserConfirmRespond Action = "user_confirm_respond"
	ActionScopePolicyGet     Action = "scope_policy_get"
	ActionScopePolicySet     Action = "scope_policy_set"
	ActionScopePolicyAudit   Action = "scope_policy_audit"
)

// Request is the dispatcher's wire envelope: a discriminator plus a
// payload whose shape depends on Action.
type Request struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// App wires every component operation behind Dispatch.
type App struct {
	tenants    *tenant.Registry
	store      *storage.Store
	collector  *collector.Collector
	approvals  *approval.Manager
	dispatcher *dispatch.Dispatcher
	oauth      *oauthconn.Manager
	cfg        *config.Collector
}

// New constructs an App from already-initialized component handles, mirroring
// §9's "global state becomes explicit handles threaded through operations"
// design note.
func New(tenants *tenant.Registry, store *storage.Store, col *collector.Collector, approvals *approval.Manager, dispatcher *dispatch.Dispatcher, oauth *oauthconn.Manager, cfg *config.Collector) *App {
	return &App{
		tenants:    tenants,
		store:      store,
		collector:  col,
		approvals:  approvals,
		dispatcher: dispatcher,
		oauth:      oauth,
		cfg:        cfg,
	}
}

// Dispatch decodes req.Payload per req.Action, invokes the matching
// component, and always returns a Result — callers never need to type-switch
// on error vs success.
func (a *App) Dispatch(ctx context.Context, req Request) apierr.Result {
	handler, ok := handlers[req.Action]
	if !ok {
		return apierr.ToResult(apierr.Protocol("unknown action %q", req.Action))
	}
	data, err := handler(a, ctx, req.Payload)
	if err != nil {
		return apierr.ToResult(err)
	}
	return apierr.Ok(data)
}

type handlerFunc func(a *App, ctx context.Context, payload json.RawMessage) (interface{}, error)

var handlers = map[Action]handlerFunc{
	ActionRegister:           (*App).handleRegister,
	ActionBindFolder:         (*App).handleBindFolder,
	ActionCollect:            (*App).handleCollect,
	ActionStatus:             (*App).handleStatus,
	ActionApprovalPending:    (*App).handleApprovalPending,
	ActionApprovalApprove:    (*App).handleApprovalApprove,
	ActionApprovalReject:     (*App).handleApprovalReject,
	ActionApprovalStatus:     (*App).handleApprovalStatus,
	ActionDispatchEmail:      (*App).handleDispatchEmail,
	ActionOAuthConnect:       (*App).handleOAuthConnect,
	ActionOAuthExchange:      (*App).handleOAuthExchange,
	ActionOAuthRefresh:       (*App).handleOAuthRefresh,
	ActionOAuthStatus:        (*App).handleOAuthStatus,
	ActionOAuthTest:          (*App).handleOAuthTest,
	ActionOAuthRevoke:        (*App).handleOAuthRevoke,
	ActionOAuthSyncRun:       (*App).handleOAuthSyncRun,
	ActionUserConfirmRequest: (*App).handleUserConfirmRequest,
	ActionUserConfirmRespond: (*App).handleUserConfirmRespond,
	ActionScopePolicyGet:     (*App).handleScopePolicyGet,
	ActionScopePolicySet:     (*App).handleScopePolicySet,
	ActionScopePolicyAudit:   (*App).handleScopePolicyAudit,
}

func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return apierr.Protocol("missing payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return apierr.Protocol("malformed payload: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		return apierr.Protocol("invalid payload: %v", err)
	}
	return nil
}

// registerRequest mirrors §3's tenant fields; startup_id follows the
// registry's naming rule enforced by tenant.Register itself.
type registerRequest struct {
	StartupID       string             `json:"startup_id" validate:"required"`
	DisplayName     string             `json:"display_name"`
	GatewayURL      string             `json:"gateway_url"`
	FolderAlias     string             `json:"folder_alias"`
	GatewaySecret   string             `json:"gateway_secret"`
	EmailRecipients []string           `json:"email_recipients"`
	Policy          tenant.ScopePolicy `json:"policy"`
}

type registerResponse struct {
	StartupID string `json:"startup_id"`
}

func (a *App) handleRegister(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req registerRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	t := tenant.Tenant{
		StartupID:       req.StartupID,
		DisplayName:     req.DisplayName,
		GatewayURL:      req.GatewayURL,
		FolderAlias:     req.FolderAlias,
		GatewaySecret:   req.GatewaySecret,
		EmailRecipients: req.EmailRecipients,
		Active:          true,
		Policy:          req.Policy,
	}
	if err := a.tenants.Register(t); err != nil {
		return nil, apierr.Wrap(apierr.KindProtocol, "register tenant", err)
	}
	return registerResponse{StartupID: req.StartupID}, nil
}

// bindFolderRequest attaches (or re-points) a tenant's gateway binding
// without disturbing its scope policy or recipients.
type bindFolderRequest struct {
	StartupID     string `json:"startup_id" validate:"required"`
	GatewayURL    string `json:"gateway_url" validate:"required"`
	GatewaySecret string `json:"gateway_secret" validate:"required"`
	FolderAlias   string `json:"folder_alias"`
}

func (a *App) handleBindFolder(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req bindFolderRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	t, err := a.tenants.Get(req.StartupID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindConfiguration, "tenant not found", err)
	}
	t.GatewayURL = req.GatewayURL
	t.GatewaySecret = req.GatewaySecret
	if req.FolderAlias != "" {
		t.FolderAlias = req.FolderAlias
	}
	if err := a.tenants.Register(t); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "update tenant binding", err)
	}
	return registerResponse{StartupID: req.StartupID}, nil
}

type collectRequest struct {
	StartupID       string   `json:"startup_id" validate:"required"`
	WindowFrom      string   `json:"window_from"`
	WindowTo        string   `json:"window_to"`
	WindowShorthand string   `json:"period"`
	DocTypes        []string `json:"doc_types"`
	IncludeOCR      bool     `json:"include_ocr"`
	FolderAlias     string   `json:"folder_alias"`
	MaxArtifacts    int      `json:"max_artifacts"`
	AutoVerify      *bool    `json:"auto_verify"`
}

func (a *App) handleCollect(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req collectRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	result, err := a.collector.Run(ctx, collector.Request{
		StartupID:       req.StartupID,
		WindowFrom:      req.WindowFrom,
		WindowTo:        req.WindowTo,
		WindowShorthand: req.WindowShorthand,
		DocTypes:        req.DocTypes,
		IncludeOCR:      req.IncludeOCR,
		FolderAlias:     req.FolderAlias,
		MaxArtifacts:    req.MaxArtifacts,
		AutoVerify:      req.AutoVerify,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type statusRequest struct {
	CollectionID string `json:"collection_id" validate:"required"`
}

type statusResponse struct {
	Collection storage.Collection `json:"collection"`
	Artifacts  []storage.Artifact `json:"artifacts"`
}

func (a *App) handleStatus(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req statusRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	c, err := a.store.GetCollection(ctx, req.CollectionID)
	if err != nil {
		return nil, apierr.NotFound("collection %s not found", req.CollectionID)
	}
	artifacts, err := a.store.ListArtifactsByCollection(ctx, req.CollectionID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "list artifacts", err)
	}
	return statusResponse{Collection: *c, Artifacts: artifacts}, nil
}

type approvalPendingRequest struct {
	StartupID string `json:"startup_id"`
}

func (a *App) handleApprovalPending(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req approvalPendingRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, apierr.Protocol("malformed payload: %v", err)
		}
	}
	return a.approvals.ListPending(ctx, req.StartupID)
}

type approvalApproveRequest struct {
	ApprovalID     string `json:"approval_id" validate:"required"`
	Approver       string `json:"approver" validate:"required"`
	AutoDispatch   *bool  `json:"auto_dispatch"`
	ForceHighRisk  bool   `json:"force_high_risk"`
	DryRunDispatch bool   `json:"dry_run_dispatch"`
}

func (a *App) handleApprovalApprove(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req approvalApproveRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return a.approvals.Approve(ctx, approval.ApproveRequest{
		ApprovalID:     req.ApprovalID,
		Approver:       req.Approver,
		AutoDispatch:   req.AutoDispatch,
		ForceHighRisk:  req.ForceHighRisk,
		DryRunDispatch: req.DryRunDispatch,
	})
}

type approvalRejectRequest struct {
	ApprovalID string `json:"approval_id" validate:"required"`
	Approver   string `json:"approver" validate:"required"`
	Reason     string `json:"reason"`
}

func (a *App) handleApprovalReject(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req approvalRejectRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if err := a.approvals.Reject(ctx, req.ApprovalID, req.Approver, req.Reason); err != nil {
		return nil, err
	}
	return struct {
		ApprovalID string `json:"approval_id"`
		Status     string `json:"status"`
	}{ApprovalID: req.ApprovalID, Status: storage.ApprovalStatusRejected}, nil
}

type approvalStatusRequest struct {
	ApprovalID string `json:"approval_id" validate:"required"`
}

func (a *App) handleApprovalStatus(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req approvalStatusRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	appr, err := a.store.GetApproval(ctx, req.ApprovalID)
	if err != nil {
		return nil, apierr.NotFound("approval %s not found", req.ApprovalID)
	}
	return appr, nil
}

type dispatchEmailRequest struct {
	ApprovalID string `json:"approval_id" validate:"required"`
	DryRun     bool   `json:"dry_run"`
}

type dispatchEmailResponse struct {
	Dispatched bool `json:"dispatched"`
}

func (a *App) handleDispatchEmail(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req dispatchEmailRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	dispatched, err := a.dispatcher.Dispatch(ctx, req.ApprovalID, req.DryRun)
	if err != nil {
		return nil, err
	}
	return dispatchEmailResponse{Dispatched: dispatched}, nil
}

type oauthConnectRequest struct {
	StartupID    string   `json:"startup_id" validate:"required"`
	Provider     string   `json:"provider" validate:"required"`
	Mode         string   `json:"mode"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURI  string   `json:"redirect_uri"`
	AuthURL      string   `json:"auth_url"`
	TokenURL     string   `json:"token_url"`
	Scopes       []string `json:"scopes"`
}

func (a *App) handleOAuthConnect(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req oauthConnectRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return a.oauth.Connect(ctx, oauthconn.ConnectRequest{
		StartupID:    req.StartupID,
		Provider:     req.Provider,
		Mode:         req.Mode,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		RedirectURI:  req.RedirectURI,
		AuthURL:      req.AuthURL,
		TokenURL:     req.TokenURL,
		Scopes:       req.Scopes,
	})
}

type oauthExchangeRequest struct {
	ConnectionID string `json:"connection_id" validate:"required"`
	Code         string `json:"code" validate:"required"`
}

func (a *App) handleOAuthExchange(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req oauthExchangeRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return a.oauth.ExchangeCode(ctx, req.ConnectionID, req.Code)
}

type oauthRefreshRequest struct {
	ConnectionID    string `json:"connection_id" validate:"required"`
	ForceRefresh    bool   `json:"force_refresh"`
	MinValidSeconds int    `json:"min_valid_seconds"`
}

func (a *App) handleOAuthRefresh(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req oauthRefreshRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return a.oauth.RefreshToken(ctx, oauthconn.RefreshRequest{
		ConnectionID:    req.ConnectionID,
		ForceRefresh:    req.ForceRefresh,
		MinValidSeconds: req.MinValidSeconds,
	})
}

type oauthStatusRequest struct {
	StartupID string `json:"startup_id" validate:"required"`
}

func (a *App) handleOAuthStatus(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req oauthStatusRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return a.oauth.Status(ctx, req.StartupID)
}

type oauthTestRequest struct {
	ConnectionID   string `json:"connection_id" validate:"required"`
	TriggerRefresh bool   `json:"trigger_refresh"`
}

func (a *App) handleOAuthTest(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req oauthTestRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return a.oauth.Test(ctx, req.ConnectionID, req.TriggerRefresh)
}

type oauthRevokeRequest struct {
	ConnectionID string `json:"connection_id" validate:"required"`
	Reason       string `json:"reason"`
}

func (a *App) handleOAuthRevoke(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req oauthRevokeRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if err := a.oauth.Revoke(ctx, req.ConnectionID, req.Reason); err != nil {
		return nil, err
	}
	return struct {
		ConnectionID string `json:"connection_id"`
		Status       string `json:"status"`
	}{ConnectionID: req.ConnectionID, Status: storage.ConnectionStatusRevoked}, nil
}

type oauthSyncRunRequest struct {
	ConnectionID string     `json:"connection_id" validate:"required"`
	Mode         string     `json:"mode"`
	WindowFrom   *time.Time `json:"window_from"`
	WindowTo     *time.Time `json:"window_to"`
}

func (a *App) handleOAuthSyncRun(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req oauthSyncRunRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return a.oauth.RecordSyncRun(ctx, oauthconn.SyncRunRequest{
		ConnectionID: req.ConnectionID,
		Mode:         req.Mode,
		WindowFrom:   req.WindowFrom,
		WindowTo:     req.WindowTo,
	})
}

type userConfirmRequestRequest struct {
	StartupID    string `json:"startup_id" validate:"required"`
	CollectionID string `json:"collection_id"`
	Subject      string `json:"subject" validate:"required"`
}

func (a *App) handleUserConfirmRequest(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req userConfirmRequestRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	confirmationID := uuid.NewString()
	now := time.Now().UTC()
	c := storage.UserConfirmation{
		ConfirmationID: confirmationID,
		StartupID:      req.StartupID,
		CollectionID:   req.CollectionID,
		Subject:        req.Subject,
		Status:         storage.ConfirmationStatusPending,
		RequestedAt:    now,
	}
	if err := a.store.CreateUserConfirmation(ctx, c); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "create user confirmation", err)
	}
	return c, nil
}

type userConfirmRespondRequest struct {
	ConfirmationID string `json:"confirmation_id" validate:"required"`
	Confirmed      bool   `json:"confirmed"`
}

func (a *App) handleUserConfirmRespond(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req userConfirmRespondRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	existing, err := a.store.GetUserConfirmation(ctx, req.ConfirmationID)
	if err != nil {
		return nil, apierr.NotFound("confirmation %s not found", req.ConfirmationID)
	}
	if existing.Status != storage.ConfirmationStatusPending {
		return nil, apierr.StateViolation("confirmation %s is not pending (status=%s)", req.ConfirmationID, existing.Status)
	}
	status := storage.ConfirmationStatusRejected
	if req.Confirmed {
		status = storage.ConfirmationStatusConfirmed
	}
	if err := a.store.RespondUserConfirmation(ctx, req.ConfirmationID, status, time.Now().UTC()); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "respond to user confirmation", err)
	}
	return struct {
		ConfirmationID string `json:"confirmation_id"`
		Status         string `json:"status"`
	}{ConfirmationID: req.ConfirmationID, Status: status}, nil
}

type scopePolicyGetRequest struct {
	StartupID string `json:"startup_id" validate:"required"`
}

func (a *App) handleScopePolicyGet(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req scopePolicyGetRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	t, err := a.tenants.Get(req.StartupID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindConfiguration, "tenant not found", err)
	}
	return t.Policy, nil
}

type scopePolicySetRequest struct {
	StartupID string             `json:"startup_id" validate:"required"`
	Policy    tenant.ScopePolicy `json:"policy"`
}

func (a *App) handleScopePolicySet(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req scopePolicySetRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	t, err := a.tenants.Get(req.StartupID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindConfiguration, "tenant not found", err)
	}
	t.Policy = req.Policy
	if err := a.tenants.Register(t); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "update scope policy", err)
	}
	return t.Policy, nil
}

type scopePolicyAuditRequest struct {
	StartupID string `json:"startup_id" validate:"required"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

func (a *App) handleScopePolicyAudit(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req scopePolicyAuditRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	audits, err := a.store.ListScopeAudits(ctx, req.StartupID, req.Limit, req.Offset)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "list scope audits", err)
	}
	allowed, rejected := 0, 0
	for _, aud := range audits {
		if aud.Decision == storage.ScopeDecisionAllow {
			allowed++
		} else {
			rejected++
		}
	}
	return struct {
		Audits        []storage.ScopeAudit `json:"audits"`
		AllowedCount  int                   `json:"allowed_count"`
		RejectedCount int                   `json:"rejected_count"`
	}{Audits: audits, AllowedCount: allowed, RejectedCount: rejected}, nil
}
