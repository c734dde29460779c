// Package dispatch sends the approved-collection notification email, per
// §4.4 of the dispatcher contract.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/openclaw/vcevidence/internal/apierr"
	"github.com/openclaw/vcevidence/internal/config"
	"github.com/openclaw/vcevidence/internal/storage"
	"github.com/openclaw/vcevidence/internal/tenant"
	"github.com/sony/gobreaker"
)

// Dispatcher sends approval-dispatch emails over SMTP, wrapped in a circuit
// breaker so a stalled mail relay doesn't stall every approval call.
type Dispatcher struct {
	store    *storage.Store
	tenants  *tenant.Registry
	smtp     config.SMTP
	breaker  *gobreaker.CircuitBreaker
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New constructs a Dispatcher bound to one SMTP configuration.
func New(store *storage.Store, tenants *tenant.Registry, smtpCfg config.SMTP) *Dispatcher {
	return &Dispatcher{
		store:   store,
		tenants: tenants,
		smtp:    smtpCfg,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "smtp",
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     20 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 },
		}),
		sendMail: smtp.SendMail,
	}
}

// Dispatch implements §4.4's contract. dryRun (or an unconfigured SMTP
// host) renders the email without sending it and returns dispatched=false;
// a real send transitions the approval to dispatched and the collection to
// dispatched.
func (d *Dispatcher) Dispatch(ctx context.Context, approvalID string, dryRun bool) (dispatched bool, err error) {
	a, err := d.store.GetApproval(ctx, approvalID)
	if err != nil {
		return false, apierr.NotFound("approval %s not found", approvalID)
	}
	if a.Status != storage.ApprovalStatusApproved && a.Status != storage.ApprovalStatusDispatched {
		return false, apierr.StateViolation("approval %s is not approved (status=%s)", approvalID, a.Status)
	}

	collection, err := d.store.GetCollection(ctx, a.CollectionID)
	if err != nil {
		return false, apierr.Wrap(apierr.KindInternal, "load collection for dispatch", err)
	}

	recipients, err := d.resolveRecipients(a, collection.StartupID)
	if err != nil {
		return false, err
	}
	if len(recipients) == 0 {
		return false, apierr.Protocol("no email recipients configured for approval %s", approvalID)
	}

	subject := fmt.Sprintf("[OpenClaw][%s] Collection %s", collection.StartupID, collection.CollectionID)
	body := renderBody(collection.StartupID, a, collection)

	if dryRun {
		return false, nil
	}
	if d.smtp.Host == "" {
		return false, nil
	}

	message := buildMessage(d.smtp.From, recipients, subject, body)

	_, err = d.breaker.Execute(func() (interface{}, error) {
		var auth smtp.Auth
		if d.smtp.User != "" {
			auth = smtp.PlainAuth("", d.smtp.User, d.smtp.Password, d.smtp.Host)
		}
		addr := fmt.Sprintf("%s:%d", d.smtp.Host, d.smtp.Port)
		return nil, d.sendMail(addr, auth, d.smtp.From, recipients, message)
	})
	if err != nil {
		return false, apierr.External(err, "smtp send failed for approval %s", approvalID)
	}

	now := time.Now().UTC()
	if err := d.store.MarkDispatched(ctx, approvalID, now); err != nil {
		return false, apierr.Wrap(apierr.KindInternal, "mark approval dispatched", err)
	}
	if err := d.store.SetCollectionStatus(ctx, collection.CollectionID, storage.CollectionStatusDispatched); err != nil {
		return false, apierr.Wrap(apierr.KindInternal, "mark collection dispatched", err)
	}
	return true, nil
}

func (d *Dispatcher) resolveRecipients(a *storage.Approval, startupID string) ([]string, error) {
	var payload struct {
		EmailRecipients []string `json:"email_recipients"`
	}
	if len(a.PayloadJSON) > 0 {
		if err := json.Unmarshal(a.PayloadJSON, &payload); err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "parse approval payload", err)
		}
	}
	if len(payload.EmailRecipients) > 0 {
		return payload.EmailRecipients, nil
	}

	t, err := d.tenants.Get(startupID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "load tenant recipients", err)
	}
	return t.EmailRecipients, nil
}

func renderBody(startupID string, a *storage.Approval, collection *storage.Collection) string {
	var lines []string
	lines = append(lines,
		fmt.Sprintf("startup_id: %s", startupID),
		fmt.Sprintf("approval_id: %s", a.ApprovalID),
		fmt.Sprintf("collection_id: %s", collection.CollectionID),
		fmt.Sprintf("risk_score: %.4f", a.RiskScore),
		fmt.Sprintf("risk_level: %s", a.RiskLevel),
		fmt.Sprintf("risk_reasons: %s", strings.Join(a.RiskReasons, ", ")),
		fmt.Sprintf("artifact_count: %d", collection.Summary.ArtifactCount),
		fmt.Sprintf("total_size_bytes: %d", collection.Summary.TotalSizeBytes),
		"doc_types:",
	)

	docTypes := make([]string, 0, len(collection.Summary.DocTypeCounts))
	for dt := range collection.Summary.DocTypeCounts {
		docTypes = append(docTypes, dt)
	}
	sort.Strings(docTypes)
	for _, dt := range docTypes {
		lines = append(lines, fmt.Sprintf("  %s: %d", dt, collection.Summary.DocTypeCounts[dt]))
	}

	return strings.Join(lines, "\n")
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
