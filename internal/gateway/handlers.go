package gateway

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/openclaw/vcevidence/internal/apierr"
	"github.com/openclaw/vcevidence/internal/classify"
)

var validate = validator.New()

type healthResponse struct {
	OK        bool     `json:"ok"`
	StartupID string   `json:"startup_id"`
	Folders   []string `json:"folders"`
	Timestamp string   `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	folders := make([]string, 0, len(s.profile.Folders))
	for alias := range s.profile.Folders {
		folders = append(folders, alias)
	}
	sort.Strings(folders)

	writeJSON(w, http.StatusOK, healthResponse{
		OK:        true,
		StartupID: s.profile.StartupID,
		Folders:   folders,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

type manifestRequest struct {
	StartupID    string   `json:"startup_id" validate:"required"`
	RequestID    string   `json:"request_id" validate:"required"`
	WindowFrom   string   `json:"window_from"`
	WindowTo     string   `json:"window_to"`
	DocTypes     []string `json:"doc_types"`
	IncludeOCR   bool     `json:"include_ocr"`
	FolderAlias  string   `json:"folder_alias"`
	MaxArtifacts int      `json:"max_artifacts"`
}

type manifestArtifact struct {
	ArtifactID string  `json:"artifact_id"`
	RelPath    string  `json:"rel_path"`
	SizeBytes  int64   `json:"size_bytes"`
	MTime      string  `json:"mtime"`
	SHA256     string  `json:"sha256"`
	DocType    string  `json:"doc_type"`
	Confidence float64 `json:"confidence"`
}

type manifestResponse struct {
	OK        bool               `json:"ok"`
	RequestID string             `json:"request_id"`
	Artifacts []manifestArtifact `json:"artifacts"`
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	var req manifestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteGatewayError(w, apierr.Protocol("malformed json: %v", err))
		return
	}
	if err := validate.Struct(req); err != nil {
		apierr.WriteGatewayError(w, apierr.Protocol("invalid manifest request: %v", err))
		return
	}
	if req.StartupID != s.profile.StartupID {
		apierr.WriteGatewayError(w, apierr.Forbidden("startup_id mismatch"))
		return
	}

	alias := req.FolderAlias
	if alias == "" {
		for a := range s.profile.Folders {
			alias = a
			break
		}
	}
	root, ok := s.profile.Folders[alias]
	if !ok {
		apierr.WriteGatewayError(w, apierr.Forbidden("unknown folder alias: %s", alias))
		return
	}

	var windowFrom, windowTo time.Time
	var hasWindow bool
	if req.WindowFrom != "" && req.WindowTo != "" {
		var err error
		windowFrom, err = time.Parse(time.RFC3339, req.WindowFrom)
		if err != nil {
			apierr.WriteGatewayError(w, apierr.Protocol("invalid window_from: %v", err))
			return
		}
		windowTo, err = time.Parse(time.RFC3339, req.WindowTo)
		if err != nil {
			apierr.WriteGatewayError(w, apierr.Protocol("invalid window_to: %v", err))
			return
		}
		hasWindow = true
	}

	docTypeFilter := map[string]bool{}
	for _, dt := range req.DocTypes {
		docTypeFilter[dt] = true
	}

	maxArtifacts := req.MaxArtifacts
	if maxArtifacts <= 0 || maxArtifacts > defaultServerMaxArtifacts {
		maxArtifacts = defaultServerMaxArtifacts
	}

	var artifacts []manifestArtifact
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if hasWindow && (info.ModTime().Before(windowFrom) || info.ModTime().After(windowTo)) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}

		result := classify.Classify(filepath.Base(path), "")
		if len(docTypeFilter) > 0 && !docTypeFilter[string(result.DocType)] {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		sum := sha256.Sum256(content)
		hexSum := hex.EncodeToString(sum[:])

		artifacts = append(artifacts, manifestArtifact{
			ArtifactID: "sha256:" + hexSum,
			RelPath:    alias + "/" + filepath.ToSlash(rel),
			SizeBytes:  info.Size(),
			MTime:      info.ModTime().UTC().Format(time.RFC3339),
			SHA256:     hexSum,
			DocType:    string(result.DocType),
			Confidence: result.Confidence,
		})
		return nil
	})
	if err != nil {
		apierr.WriteGatewayError(w, apierr.Wrap(apierr.KindInternal, "manifest walk failed", err))
		return
	}

	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].MTime > artifacts[j].MTime })
	if len(artifacts) > maxArtifacts {
		artifacts = artifacts[:maxArtifacts]
	}
	if artifacts == nil {
		artifacts = []manifestArtifact{}
	}

	writeJSON(w, http.StatusOK, manifestResponse{OK: true, RequestID: req.RequestID, Artifacts: artifacts})
}

type artifactContentRequest struct {
	StartupID string `json:"startup_id" validate:"required"`
	RelPath   string `json:"rel_path" validate:"required"`
}

type artifactContentPayload struct {
	RelPath    string `json:"rel_path"`
	SizeBytes  int64  `json:"size_bytes"`
	SHA256     string `json:"sha256"`
	ContentB64 string `json:"content_b64"`
}

type artifactContentResponse struct {
	OK       bool                    `json:"ok"`
	Artifact artifactContentPayload `json:"artifact"`
}

func (s *Server) handleArtifactContent(w http.ResponseWriter, r *http.Request) {
	var req artifactContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteGatewayError(w, apierr.Protocol("malformed json: %v", err))
		return
	}
	if err := validate.Struct(req); err != nil {
		apierr.WriteGatewayError(w, apierr.Protocol("invalid artifact-content request: %v", err))
		return
	}
	if req.StartupID != s.profile.StartupID {
		apierr.WriteGatewayError(w, apierr.Forbidden("startup_id mismatch"))
		return
	}

	resolved, _, err := s.resolveRelPath(req.RelPath)
	if err != nil {
		apierr.WriteGatewayError(w, err)
		return
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		apierr.WriteGatewayError(w, apierr.NotFound("file not found: %s", req.RelPath))
		return
	}
	sum := sha256.Sum256(content)

	writeJSON(w, http.StatusOK, artifactContentResponse{
		OK: true,
		Artifact: artifactContentPayload{
			RelPath:    req.RelPath,
			SizeBytes:  int64(len(content)),
			SHA256:     hex.EncodeToString(sum[:]),
			ContentB64: base64.StdEncoding.EncodeToString(content),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
