// Package tenant holds the persistent configuration of VC-side tenants:
// gateway binding, scope policy, and delivery recipients.
package tenant

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,63}$`)

// ErrNotFound is returned when a tenant lookup misses.
var ErrNotFound = errors.New("tenant: not found")

// ErrInvalidID is returned when a startup_id fails the registry's naming rule.
var ErrInvalidID = errors.New("tenant: invalid startup_id")

// ScopePolicy constrains what a collection cycle may pull and retain.
type ScopePolicy struct {
	AllowPrefixes    []string `json:"allow_prefixes"`
	DenyPatterns     []string `json:"deny_patterns"`
	AllowedDocTypes  []string `json:"allowed_doc_types"`
	ConsentReference string   `json:"consent_reference"`
	RetentionDays    int      `json:"retention_days"`
}

// Tenant is one VC-side configuration record.
type Tenant struct {
	StartupID      string      `json:"startup_id"`
	DisplayName    string      `json:"display_name"`
	GatewayURL     string      `json:"gateway_url"`
	FolderAlias    string      `json:"folder_alias"`
	GatewaySecret  string      `json:"gateway_secret"`
	EmailRecipients []string   `json:"email_recipients"`
	Active         bool        `json:"active"`
	Policy         ScopePolicy `json:"policy"`
}

type registryFile struct {
	Tenants []Tenant `json:"tenants"`
}

// Registry is a JSON-file-backed tenant configuration store.
//
// Like the key file, this is a small process-wide singleton: writes are
// serialized through the mutex and persisted atomically via rename.
type Registry struct {
	mu      sync.RWMutex
	path    string
	tenants map[string]Tenant
}

// Open loads (or initializes) the tenant registry at path.
func Open(path string) (*Registry, error) {
	r := &Registry{path: path, tenants: map[string]Tenant{}}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("tenant: create registry dir: %w", err)
		}
		return r, r.persistLocked()
	}
	if err != nil {
		return nil, fmt.Errorf("tenant: read registry: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("tenant: parse registry: %w", err)
	}
	for _, t := range file.Tenants {
		normalize(&t)
		r.tenants[t.StartupID] = t
	}
	return r, nil
}

func (r *Registry) persistLocked() error {
	file := registryFile{}
	for _, t := range r.tenants {
		file.Tenants = append(file.Tenants, t)
	}
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("tenant: marshal registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("tenant: write registry: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// normalize applies the registry invariants described in §3: folder_alias
// defaults, allow_prefixes are rooted under the alias and end in "/", and an
// empty allow list defaults to "<alias>/".
func normalize(t *Tenant) {
	if t.FolderAlias == "" {
		t.FolderAlias = "desktop_common"
	}

	root := t.FolderAlias + "/"
	if len(t.Policy.AllowPrefixes) == 0 {
		t.Policy.AllowPrefixes = []string{root}
	}
	for i, p := range t.Policy.AllowPrefixes {
		if !strings.HasSuffix(p, "/") {
			p += "/"
		}
		if !strings.HasPrefix(p, root) {
			p = root
		}
		t.Policy.AllowPrefixes[i] = p
	}

	if t.Policy.RetentionDays <= 0 {
		t.Policy.RetentionDays = 365
	}
	if t.Policy.RetentionDays > 3650 {
		t.Policy.RetentionDays = 3650
	}
}

// Register upserts a tenant. StartupID is immutable once created: a second
// call with the same ID updates everything except the ID itself.
func (r *Registry) Register(t Tenant) error {
	if !idPattern.MatchString(t.StartupID) {
		return ErrInvalidID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	normalize(&t)
	r.tenants[t.StartupID] = t
	return r.persistLocked()
}

// Get returns the tenant for startupID, or ErrNotFound.
func (r *Registry) Get(startupID string) (Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tenants[startupID]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

// GetActive returns the tenant for startupID, requiring it to be active.
func (r *Registry) GetActive(startupID string) (Tenant, error) {
	t, err := r.Get(startupID)
	if err != nil {
		return Tenant{}, err
	}
	if !t.Active {
		return Tenant{}, fmt.Errorf("tenant: %q is inactive", startupID)
	}
	return t, nil
}

// List returns all tenants, ordered by startup_id.
func (r *Registry) List() []Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartupID < out[j].StartupID })
	return out
}
