package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/openclaw/vcevidence/internal/apierr"
	"github.com/openclaw/vcevidence/internal/classify"
	"github.com/openclaw/vcevidence/internal/cryptostore"
	"github.com/openclaw/vcevidence/internal/normalize"
	"github.com/openclaw/vcevidence/internal/policy"
	"github.com/openclaw/vcevidence/internal/ratelimit"
	"github.com/openclaw/vcevidence/internal/risk"
	"github.com/openclaw/vcevidence/internal/storage"
	"github.com/openclaw/vcevidence/internal/tenant"
)

const (
	defaultServerMaxArtifacts = 200
	hardMaxArtifacts          = 1000
	approvalDefaultTTL        = 48 * time.Hour
)

// Request describes one collection cycle invocation.
type Request struct {
	StartupID       string
	WindowFrom      string
	WindowTo        string
	WindowShorthand string
	DocTypes        []string
	IncludeOCR      bool
	FolderAlias     string
	MaxArtifacts    int
	AutoVerify      *bool // nil means default true
}

// Result summarizes the outcome of a completed cycle.
type Result struct {
	CollectionID string
	Status       string
	ApprovalID   string
	Summary      storage.CollectionSummary
}

// bundleArtifact is one entry in the encrypted vault bundle JSON.
type bundleArtifact struct {
	RelPath    string `json:"rel_path"`
	SHA256     string `json:"sha256"`
	ContentB64 string `json:"content_b64"`
}

type bundle struct {
	CollectionID string           `json:"collection_id"`
	StartupID    string           `json:"startup_id"`
	WindowFrom   string           `json:"window_from"`
	WindowTo     string           `json:"window_to"`
	CreatedAt    string           `json:"created_at"`
	Artifacts    []bundleArtifact `json:"artifacts"`
}

// envelopeMeta is the non-secret companion written alongside the .bin
// envelope: alg/version/created_at only, never ciphertext or nonce.
type envelopeMeta struct {
	Alg        string `json:"alg"`
	KeyVersion int    `json:"key_version"`
	CreatedAt  string `json:"created_at"`
}

// gatewayAPI is the subset of GatewayClient's behavior the collector needs;
// tests substitute a fake implementation to avoid a live gateway.
type gatewayAPI interface {
	Health(ctx context.Context) error
	Manifest(ctx context.Context, req ManifestRequest) ([]gatewayManifestArtifact, error)
	ArtifactContent(ctx context.Context, startupID, relPath string) ([]byte, string, error)
}

// Collector orchestrates collection cycles against tenant gateways.
type Collector struct {
	tenants       *tenant.Registry
	store         *storage.Store
	crypto        *cryptostore.Store
	vaultDir      string
	clientFactory func(gatewayURL, secret string) gatewayAPI
	limiter       *ratelimit.Limiter
	limiterPolicy ratelimit.Policy
}

// WithRateLimit bounds Run to policy requests per startup_id, failing open
// (never blocking a cycle) on a limiter backend error. Returns c for
// chaining at construction time.
func (c *Collector) WithRateLimit(limiter *ratelimit.Limiter, policy ratelimit.Policy) *Collector {
	c.limiter = limiter
	c.limiterPolicy = policy
	return c
}

// New constructs a Collector. clientFactory may be nil to use the default
// signed-HTTP GatewayClient; tests override it with a stub.
func New(tenants *tenant.Registry, store *storage.Store, crypto *cryptostore.Store, vaultDir string, clientFactory func(string, string) gatewayAPI) *Collector {
	if clientFactory == nil {
		clientFactory = func(url, secret string) gatewayAPI { return NewGatewayClient(url, secret) }
	}
	return &Collector{tenants: tenants, store: store, crypto: crypto, vaultDir: vaultDir, clientFactory: clientFactory}
}

// Run executes one full collection cycle per §4.2's eleven-step procedure.
func (c *Collector) Run(ctx context.Context, req Request) (*Result, error) {
	t, err := c.tenants.GetActive(req.StartupID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindProtocol, "tenant not found or inactive", err)
	}

	if c.limiter != nil {
		allowed, limitErr := c.limiter.Allow(ctx, req.StartupID, c.limiterPolicy)
		if limitErr != nil {
			slog.Warn("rate limiter backend error, failing open", "startup_id", req.StartupID, "error", limitErr)
		} else if !allowed {
			err := apierr.Protocol("collection rate limit exceeded for %s", req.StartupID)
			err.StatusOverride = http.StatusTooManyRequests
			return nil, err
		}
	}

	windowFrom, windowTo, err := ResolveWindow(req.WindowFrom, req.WindowTo, req.WindowShorthand, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	collectionID := uuid.NewString()
	createdAt := time.Now().UTC()

	client := c.clientFactory(t.GatewayURL, t.GatewaySecret)

	if err := client.Health(ctx); err != nil {
		return nil, err
	}

	maxArtifacts := req.MaxArtifacts
	if maxArtifacts <= 0 {
		maxArtifacts = defaultServerMaxArtifacts
	}
	if maxArtifacts > hardMaxArtifacts {
		maxArtifacts = hardMaxArtifacts
	}

	manifest, err := client.Manifest(ctx, ManifestRequest{
		StartupID:    req.StartupID,
		RequestID:    requestID,
		WindowFrom:   windowFrom.Format(time.RFC3339),
		WindowTo:     windowTo.Format(time.RFC3339),
		DocTypes:     req.DocTypes,
		IncludeOCR:   req.IncludeOCR,
		FolderAlias:  req.FolderAlias,
		MaxArtifacts: maxArtifacts,
	})
	if err != nil {
		return nil, err
	}
	if len(manifest) > maxArtifacts {
		manifest = manifest[:maxArtifacts]
	}

	// Step 6/7: fetch content, verify hash, apply policy. Later duplicate
	// artifact_ids replace earlier ones in the artifact map but both
	// generate scope audits, per the ordering/tie-break rule.
	artifactsByID := map[string]storage.Artifact{}
	contentByID := map[string][]byte{}
	recordByID := map[string]storage.NormalizedRecord{}
	var artifactOrder []string
	var audits []storage.ScopeAudit
	scopeRejectCount := 0

	for _, entry := range manifest {
		content, claimedSHA, err := client.ArtifactContent(ctx, req.StartupID, entry.RelPath)
		if err != nil {
			return nil, err
		}
		actualSHA := sha256Hex(content)
		if actualSHA != entry.SHA256 || actualSHA != claimedSHA {
			return nil, apierr.Integrity("sha256 mismatch for %s: manifest=%s content=%s", entry.RelPath, entry.SHA256, actualSHA)
		}

		decision := policy.Evaluate(t.Policy, entry.RelPath, entry.DocType)
		auditDecision := storage.ScopeDecisionAllow
		if !decision.Allow {
			auditDecision = storage.ScopeDecisionReject
			scopeRejectCount++
		}
		audits = append(audits, storage.ScopeAudit{
			CollectionID: collectionID,
			StartupID:    req.StartupID,
			RelPath:      entry.RelPath,
			DocType:      entry.DocType,
			Decision:     auditDecision,
			Reason:       decision.Reason,
			CreatedAt:    createdAt,
		})
		if !decision.Allow {
			continue
		}

		mtime, _ := time.Parse(time.RFC3339, entry.MTime)
		result := classify.Classify(filepath.Base(entry.RelPath), "")
		docType := entry.DocType
		if docType == "" {
			docType = string(result.DocType)
		}

		if _, exists := artifactsByID[entry.ArtifactID]; !exists {
			artifactOrder = append(artifactOrder, entry.ArtifactID)
		}
		artifactsByID[entry.ArtifactID] = storage.Artifact{
			ArtifactID:   entry.ArtifactID,
			CollectionID: collectionID,
			RelPath:      entry.RelPath,
			SHA256:       actualSHA,
			SizeBytes:    entry.SizeBytes,
			DocType:      docType,
			Confidence:   entry.Confidence,
			MTime:        mtime,
		}

		contentB64 := base64StdEncode(content)
		rec := normalize.Normalize(collectionID, entry.ArtifactID, docType, contentB64, entry.RelPath, entry.Confidence)
		recordByID[entry.ArtifactID] = storage.NormalizedRecord{
			RecordID:     rec.RecordID,
			CollectionID: collectionID,
			StartupID:    req.StartupID,
			PayloadJSON:  mustMarshal(rec.Payload),
			CreatedAt:    createdAt,
		}
		contentByID[entry.ArtifactID] = content
	}

	// Aggregate counts from the deduplicated artifact set, not the raw
	// manifest, so a duplicate artifact_id is counted once.
	var artifacts []storage.Artifact
	var records []storage.NormalizedRecord
	var bundleArtifacts []bundleArtifact
	docTypeCounts := map[string]int{}
	var totalSize int64
	var confidenceSum float64
	for _, id := range artifactOrder {
		a := artifactsByID[id]
		artifacts = append(artifacts, a)
		records = append(records, recordByID[id])
		bundleArtifacts = append(bundleArtifacts, bundleArtifact{
			RelPath:    a.RelPath,
			SHA256:     a.SHA256,
			ContentB64: base64StdEncode(contentByID[id]),
		})
		docTypeCounts[a.DocType]++
		totalSize += a.SizeBytes
		confidenceSum += a.Confidence
	}

	// Step 8: serialize and encrypt the bundle.
	b := bundle{
		CollectionID: collectionID,
		StartupID:    req.StartupID,
		WindowFrom:   windowFrom.Format(time.RFC3339),
		WindowTo:     windowTo.Format(time.RFC3339),
		CreatedAt:    createdAt.Format(time.RFC3339),
		Artifacts:    bundleArtifacts,
	}
	plaintext, err := json.Marshal(b)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "marshal bundle", err)
	}
	envelope, err := c.crypto.Encrypt(req.StartupID, plaintext, []byte(collectionID))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "encrypt bundle", err)
	}

	binPath, jsonPath := vaultPaths(c.vaultDir, req.StartupID, createdAt, collectionID)

	summary := storage.CollectionSummary{
		ArtifactCount:  len(artifacts),
		TotalSizeBytes: totalSize,
		DocTypeCounts:  docTypeCounts,
	}

	collection := storage.Collection{
		CollectionID:  collectionID,
		StartupID:     req.StartupID,
		WindowFrom:    windowFrom,
		WindowTo:      windowTo,
		Status:        storage.CollectionStatusCollected,
		EncryptedPath: binPath,
		Summary:       summary,
		CreatedAt:     createdAt,
	}

	// Step 9: persist everything in one transaction. Vault files are
	// written only after this commits succeeds, so a crash between DB
	// commit and vault write leaves a collected row with a missing file
	// rather than an orphan vault file with no matching row (decided in
	// DESIGN.md / SPEC_FULL.md's Open Question #3).
	if err := c.store.SaveCollectionCycle(ctx, storage.CollectionCycle{
		Collection: collection,
		Artifacts:  artifacts,
		Audits:     audits,
		Records:    records,
	}); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "persist collection cycle", err)
	}

	if err := writeVaultFiles(binPath, jsonPath, envelope); err != nil {
		if statusErr := c.store.SetCollectionStatus(ctx, collectionID, storage.CollectionStatusVerificationFailed); statusErr != nil {
			slog.Error("failed to mark collection verification_failed after vault write error", "collection_id", collectionID, "error", statusErr)
		}
		return nil, apierr.Wrap(apierr.KindIntegrity, "write vault envelope", err)
	}

	autoVerify := true
	if req.AutoVerify != nil {
		autoVerify = *req.AutoVerify
	}
	if autoVerify {
		if err := c.verify(ctx, req.StartupID, collectionID, binPath, len(artifacts)); err != nil {
			if statusErr := c.store.SetCollectionStatus(ctx, collectionID, storage.CollectionStatusVerificationFailed); statusErr != nil {
				slog.Error("failed to mark collection verification_failed after auto-verify error", "collection_id", collectionID, "error", statusErr)
			}
			return nil, err
		}
	}

	// Step 11: compute risk and create the pending approval.
	assessment := risk.Assess(risk.Input{
		ArtifactCount:     len(artifacts),
		DocTypeCounts:     docTypeCounts,
		AverageConfidence: averageConfidence(confidenceSum, len(artifacts)),
		ScopeRejectCount:  scopeRejectCount,
		EmailRecipients:   t.EmailRecipients,
	})

	approvalID := uuid.NewString()
	payload, err := json.Marshal(map[string]interface{}{
		"email_recipients": t.EmailRecipients,
		"metadata_path":    jsonPath,
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "marshal approval payload", err)
	}

	approval := storage.Approval{
		ApprovalID:   approvalID,
		CollectionID: collectionID,
		ActionType:   "dispatch_email",
		PayloadJSON:  payload,
		Status:       storage.ApprovalStatusPending,
		RequestedAt:  createdAt,
		ExpiresAt:    createdAt.Add(approvalDefaultTTL),
		RiskScore:    assessment.Score,
		RiskLevel:    string(assessment.Level),
		RiskReasons:  assessment.Reasons,
	}
	if err := c.store.CreateApproval(ctx, approval); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "create approval", err)
	}
	if err := c.store.SetCollectionStatus(ctx, collectionID, storage.CollectionStatusAwaitingApproval); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "set collection awaiting_approval", err)
	}

	return &Result{
		CollectionID: collectionID,
		Status:       storage.CollectionStatusAwaitingApproval,
		ApprovalID:   approvalID,
		Summary:      summary,
	}, nil
}

// verify re-reads and decrypts the just-written envelope, confirming the
// artifact count and SHA-256 set against the DB rows, per §4.2 step 10.
func (c *Collector) verify(ctx context.Context, startupID, collectionID, binPath string, expectedCount int) error {
	raw, err := os.ReadFile(binPath)
	if err != nil {
		return apierr.Integrity("auto_verify: read vault envelope: %v", err)
	}
	var env cryptostore.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return apierr.Integrity("auto_verify: parse vault envelope: %v", err)
	}
	plaintext, err := c.crypto.Decrypt(startupID, env, []byte(collectionID))
	if err != nil {
		return apierr.Integrity("auto_verify: decrypt vault envelope: %v", err)
	}

	var b bundle
	if err := json.Unmarshal(plaintext, &b); err != nil {
		return apierr.Integrity("auto_verify: parse decrypted bundle: %v", err)
	}
	if len(b.Artifacts) != expectedCount {
		return apierr.Integrity("auto_verify: artifact count mismatch: bundle=%d expected=%d", len(b.Artifacts), expectedCount)
	}

	dbArtifacts, err := c.store.ListArtifactsByCollection(ctx, collectionID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "auto_verify: list artifacts", err)
	}
	dbSHAs := map[string]bool{}
	for _, a := range dbArtifacts {
		dbSHAs[a.SHA256] = true
	}
	for _, a := range b.Artifacts {
		if !dbSHAs[a.SHA256] {
			return apierr.Integrity("auto_verify: bundle sha256 %s not present in DB rows", a.SHA256)
		}
	}
	return nil
}

func writeVaultFiles(binPath, jsonPath string, envelope cryptostore.Envelope) error {
	if err := os.MkdirAll(filepath.Dir(binPath), 0o700); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}
	envBytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := os.WriteFile(binPath, envBytes, 0o600); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}

	meta := envelopeMeta{Alg: envelope.Alg, KeyVersion: envelope.KeyVersion, CreatedAt: envelope.CreatedAt}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal envelope meta: %w", err)
	}
	if err := os.WriteFile(jsonPath, metaBytes, 0o600); err != nil {
		return fmt.Errorf("write envelope meta: %w", err)
	}
	return nil
}

func vaultPaths(vaultDir, startupID string, createdAt time.Time, collectionID string) (binPath, jsonPath string) {
	dir := filepath.Join(vaultDir, startupID, createdAt.Format("2006"), createdAt.Format("01"), createdAt.Format("02"))
	return filepath.Join(dir, collectionID+".bin"), filepath.Join(dir, collectionID+".json")
}

func averageConfidence(sum float64, count int) float64 {
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
