package storage

import "time"

// Collection is one pull cycle's output.
type Collection struct {
	CollectionID  string
	StartupID     string
	WindowFrom    time.Time
	WindowTo      time.Time
	Status        string
	EncryptedPath string
	Summary       CollectionSummary
	CreatedAt     time.Time
}

// CollectionSummary is the non-secret, queryable digest of a collection.
type CollectionSummary struct {
	ArtifactCount   int            `json:"artifact_count"`
	TotalSizeBytes  int64          `json:"total_size_bytes"`
	DocTypeCounts   map[string]int `json:"doc_types"`
}

const (
	CollectionStatusCollected          = "collected"
	CollectionStatusAwaitingApproval   = "awaiting_approval"
	CollectionStatusVerificationFailed = "verification_failed"
	CollectionStatusDispatched         = "dispatched"
)

// Artifact is one file collected into a Collection.
type Artifact struct {
	ArtifactID   string
	CollectionID string
	RelPath      string
	SHA256       string
	SizeBytes    int64
	DocType      string
	Confidence   float64
	MTime        time.Time
}

// ScopeAudit is an append-only policy decision record.
type ScopeAudit struct {
	CollectionID string
	StartupID    string
	RelPath      string
	DocType      string
	Decision     string
	Reason       string
	CreatedAt    time.Time
}

const (
	ScopeDecisionAllow  = "allow"
	ScopeDecisionReject = "reject"
)

// NormalizedRecord is a doc-type-specific extraction, idempotent by RecordID.
type NormalizedRecord struct {
	RecordID     string
	CollectionID string
	StartupID    string
	PayloadJSON  []byte
	CreatedAt    time.Time
}

// Approval governs outbound dispatch of a Collection.
type Approval struct {
	ApprovalID   string
	CollectionID string
	ActionType   string
	PayloadJSON  []byte
	Status       string
	RequestedAt  time.Time
	ApprovedAt   *time.Time
	DispatchedAt *time.Time
	Approver     string
	ExpiresAt    time.Time
	RiskScore    float64
	RiskLevel    string
	RiskReasons  []string
	RejectReason string
}

const (
	ApprovalStatusPending    = "pending"
	ApprovalStatusApproved   = "approved"
	ApprovalStatusRejected   = "rejected"
	ApprovalStatusExpired    = "expired"
	ApprovalStatusDispatched = "dispatched"
)

// IntegrationConnection is a SaaS credential binding for a tenant.
type IntegrationConnection struct {
	ConnectionID    string
	StartupID       string
	Provider        string
	Mode            string
	Status          string
	Scopes          []string
	TokenRef        string
	RefreshTokenRef string
	MetadataJSON    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	RevokedAt       *time.Time
}

const (
	ConnectionStatusAwaitingCredentials = "awaiting_credentials"
	ConnectionStatusPendingConsent      = "pending_consent"
	ConnectionStatusConnected           = "connected"
	ConnectionStatusRevoked             = "revoked"
	ConnectionStatusError               = "error"
)

// IntegrationSyncRun records one sync attempt against a connection.
type IntegrationSyncRun struct {
	RunID        string
	ConnectionID string
	RunMode      string
	WindowFrom   *time.Time
	WindowTo     *time.Time
	Status       string
	SummaryJSON  []byte
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	SyncRunModeDryRun = "dry_run"
	SyncRunModePull   = "pull"
	SyncRunModeManual = "manual"

	SyncRunStatusRunning   = "running"
	SyncRunStatusCompleted = "completed"
	SyncRunStatusFailed    = "failed"
)

// IntegrationDocument is a per-run document record for non-filesystem
// ingestion.
type IntegrationDocument struct {
	DocumentID   string
	RunID        string
	RelPath      string
	DocType      string
	MetadataJSON []byte
	CreatedAt    time.Time
}

// UserConfirmation is an out-of-band confirmation captured before dispatch.
type UserConfirmation struct {
	ConfirmationID string
	StartupID      string
	CollectionID   string
	Subject        string
	Status         string
	RequestedAt    time.Time
	RespondedAt    *time.Time
}

const (
	ConfirmationStatusPending   = "pending"
	ConfirmationStatusConfirmed = "confirmed"
	ConfirmationStatusRejected  = "rejected"
)
