// Package collector orchestrates one end-to-end collection cycle against a
// tenant's gateway: manifest pull, content verification, policy
// application, normalization, envelope encryption, and persistence, per
// §4.2.
package collector

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/openclaw/vcevidence/internal/apierr"
	"github.com/sony/gobreaker"
)

// gatewayManifestArtifact mirrors the wire shape the gateway's /manifest
// endpoint returns.
type gatewayManifestArtifact struct {
	ArtifactID string  `json:"artifact_id"`
	RelPath    string  `json:"rel_path"`
	SizeBytes  int64   `json:"size_bytes"`
	MTime      string  `json:"mtime"`
	SHA256     string  `json:"sha256"`
	DocType    string  `json:"doc_type"`
	Confidence float64 `json:"confidence"`
}

type gatewayManifestResponse struct {
	OK        bool                      `json:"ok"`
	RequestID string                    `json:"request_id"`
	Artifacts []gatewayManifestArtifact `json:"artifacts"`
}

type gatewayArtifactContentResponse struct {
	OK       bool `json:"ok"`
	Artifact struct {
		RelPath    string `json:"rel_path"`
		SizeBytes  int64  `json:"size_bytes"`
		SHA256     string `json:"sha256"`
		ContentB64 string `json:"content_b64"`
	} `json:"artifact"`
}

// GatewayClient calls a single tenant's gateway agent over signed HTTP,
// wrapped in a circuit breaker so a stalled gateway does not stall the
// whole collector process.
type GatewayClient struct {
	baseURL string
	secret  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewGatewayClient constructs a client bound to one tenant's gateway base
// URL and shared secret.
func NewGatewayClient(baseURL, secret string) *GatewayClient {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway:" + baseURL,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &GatewayClient{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: breaker,
	}
}

func (c *GatewayClient) sign(body []byte, ts int64) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10) + "."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *GatewayClient) doSigned(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshal gateway request", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		ts := time.Now().Unix()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-VC-Timestamp", strconv.FormatInt(ts, 10))
		req.Header.Set("X-VC-Signature", c.sign(body, ts))

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("gateway %s returned %d: %s", path, resp.StatusCode, string(raw))
		}
		return raw, nil
	})
	if err != nil {
		return apierr.External(err, "gateway call to %s failed", path)
	}

	if err := json.Unmarshal(result.([]byte), out); err != nil {
		return apierr.Wrap(apierr.KindInternal, "decode gateway response", err)
	}
	return nil
}

// Health calls the gateway's /health endpoint unsigned, aborting the cycle
// on a non-ok response.
func (c *GatewayClient) Health(ctx context.Context) error {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("gateway health returned %d", resp.StatusCode)
		}
		return raw, nil
	})
	if err != nil {
		return apierr.External(err, "gateway health check failed")
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(result.([]byte), &health); err != nil || !health.OK {
		return apierr.External(fmt.Errorf("health response not ok"), "gateway reported unhealthy")
	}
	return nil
}

// ManifestRequest is the request body for the gateway's /manifest endpoint.
type ManifestRequest struct {
	StartupID    string   `json:"startup_id"`
	RequestID    string   `json:"request_id"`
	WindowFrom   string   `json:"window_from,omitempty"`
	WindowTo     string   `json:"window_to,omitempty"`
	DocTypes     []string `json:"doc_types,omitempty"`
	IncludeOCR   bool     `json:"include_ocr,omitempty"`
	FolderAlias  string   `json:"folder_alias,omitempty"`
	MaxArtifacts int      `json:"max_artifacts,omitempty"`
}

// Manifest fetches the candidate artifact list for one cycle.
func (c *GatewayClient) Manifest(ctx context.Context, req ManifestRequest) ([]gatewayManifestArtifact, error) {
	var resp gatewayManifestResponse
	if err := c.doSigned(ctx, "/manifest", req, &resp); err != nil {
		return nil, err
	}
	return resp.Artifacts, nil
}

// ArtifactContent fetches and base64-decodes one artifact's bytes, returning
// the decoded content alongside the gateway's claimed SHA-256.
func (c *GatewayClient) ArtifactContent(ctx context.Context, startupID, relPath string) ([]byte, string, error) {
	var resp gatewayArtifactContentResponse
	err := c.doSigned(ctx, "/artifact-content", map[string]string{
		"startup_id": startupID,
		"rel_path":   relPath,
	}, &resp)
	if err != nil {
		return nil, "", err
	}
	content, err := base64.StdEncoding.DecodeString(resp.Artifact.ContentB64)
	if err != nil {
		return nil, "", apierr.Wrap(apierr.KindIntegrity, "decode artifact content base64", err)
	}
	return content, resp.Artifact.SHA256, nil
}
