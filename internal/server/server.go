package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/witcacy/CANUDS-DTC-Report/internal/common"
)

// Server coordinates HTTP handlers and manages the artifacts produced by
// decode requests.
type Server struct {
	opts       Options
	res        resources
	log        *slog.Logger
	artifacts  *ArtifactStore
	workDir    string
	uploadsDir string
	slots      chan struct{}
}

// Artifact is a file generated or stored by the daemon.
type Artifact struct {
	ID          string
	Path        string
	Name        string
	ContentType string
	Size        int64
	Kind        string
}

// ArtifactRef is the public representation returned in API responses.
type ArtifactRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// ArtifactStore keeps track of generated artifacts for later download.
type ArtifactStore struct {
	mu      sync.RWMutex
	entries map[string]Artifact
}

// NewServer loads the optional lookup tables and creates a private work
// directory under opts.StorageDir.
func NewServer(opts Options) (*Server, error) {
	opts = opts.withDefaults()
	res, err := loadResources(opts)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = common.Logger()
	}
	if err := os.MkdirAll(opts.StorageDir, 0o755); err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp(opts.StorageDir, "udsd-")
	if err != nil {
		return nil, err
	}
	uploadsDir := filepath.Join(workDir, "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	log.Info("server ready",
		"workdir", workDir,
		"descriptions", res.descriptions.Len(),
		"ecu_names", len(res.ecuNames),
		"concurrency", opts.Concurrency,
	)
	return &Server{
		opts:       opts,
		res:        res,
		log:        log,
		artifacts:  &ArtifactStore{entries: make(map[string]Artifact)},
		workDir:    workDir,
		uploadsDir: uploadsDir,
		slots:      make(chan struct{}, opts.Concurrency),
	}, nil
}

// Close removes the work directory and every artifact in it.
func (s *Server) Close() error {
	if s == nil || s.workDir == "" {
		return nil
	}
	ArtifactsStored.Sub(float64(len(s.listArtifacts())))
	return os.RemoveAll(s.workDir)
}

func (s *Server) jobDir() (string, error) {
	return os.MkdirTemp(s.workDir, "job-")
}

func (s *Server) addArtifact(path, displayName, contentType, kind string) (Artifact, error) {
	if path == "" {
		return Artifact{}, errors.New("empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	art := Artifact{
		ID:          uuid.NewString(),
		Path:        path,
		Name:        displayName,
		ContentType: contentType,
		Size:        info.Size(),
		Kind:        kind,
	}
	if art.Name == "" {
		art.Name = filepath.Base(path)
	}
	if art.ContentType == "" {
		art.ContentType = guessContentType(art.Name)
	}
	s.artifacts.mu.Lock()
	s.artifacts.entries[art.ID] = art
	s.artifacts.mu.Unlock()
	ArtifactsStored.Inc()
	return art, nil
}

func (s *Server) getArtifact(id string) (Artifact, bool) {
	s.artifacts.mu.RLock()
	art, ok := s.artifacts.entries[id]
	s.artifacts.mu.RUnlock()
	return art, ok
}

// resolvePath accepts an artifact id or, when allowed, a filesystem path.
func (s *Server) resolvePath(token string) (string, string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "", errors.New("empty input path")
	}
	if art, ok := s.getArtifact(token); ok {
		return art.Path, art.Name, nil
	}
	if !s.opts.AllowPaths {
		return "", "", fmt.Errorf("unknown artifact %s", token)
	}
	abs, err := filepath.Abs(token)
	if err != nil {
		return "", "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", "", err
	}
	return abs, filepath.Base(abs), nil
}

func (s *Server) listArtifacts() []ArtifactRef {
	s.artifacts.mu.RLock()
	refs := make([]ArtifactRef, 0, len(s.artifacts.entries))
	for _, art := range s.artifacts.entries {
		refs = append(refs, toRef(art))
	}
	s.artifacts.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

func toRef(art Artifact) ArtifactRef {
	return ArtifactRef{
		ID:          art.ID,
		Name:        art.Name,
		ContentType: art.ContentType,
		Size:        art.Size,
		Kind:        art.Kind,
	}
}

func guessContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".ndjson":
		return "application/x-ndjson"
	case ".cbor":
		return "application/cbor"
	case ".pdf":
		return "application/pdf"
	case ".jws":
		return "application/jose+json"
	case ".trc", ".asc", ".log", ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
