package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/thomaker/blendforge/internal/config"
)

const (
	apiTimeout = 300 * time.Second
	lfsTimeout = 600 * time.Second

	// uploadRetries is the per-operation retry budget for LFS traffic.
	uploadRetries = 3
)

// Client pushes dataset batches to a Hugging Face dataset repository through
// the commit API. Each batch directory becomes one commit; files under the
// LFS threshold are embedded base64 in the NDJSON commit payload, larger
// ones go through the Git LFS batch endpoint first.
type Client struct {
	cfg        config.HuggingFaceConfig
	token      string
	httpClient *http.Client
	lfsClient  *http.Client
	logger     *slog.Logger
}

// NewClient creates a Hub client for the configured repository.
func NewClient(cfg config.HuggingFaceConfig, token string, logger *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		token:      token,
		httpClient: &http.Client{Timeout: apiTimeout},
		lfsClient:  &http.Client{Timeout: lfsTimeout},
		logger:     logger.With("component", "hub"),
	}
}

// UploadBatch uploads every file in dir to the repository under the
// batchName prefix, as a single commit. It creates the repository on first
// use.
func (c *Client) UploadBatch(ctx context.Context, batchName, dir string) error {
	if err := c.ensureRepo(ctx); err != nil {
		return fmt.Errorf("failed to ensure repository: %w", err)
	}

	var operations []commitOperation
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		op, err := prepareFileOperation(path, batchName+"/"+filepath.ToSlash(rel))
		if err != nil {
			return fmt.Errorf("failed to prepare %s: %w", rel, err)
		}
		operations = append(operations, *op)
		return nil
	})
	if err != nil {
		return err
	}
	if len(operations) == 0 {
		return fmt.Errorf("batch directory %s is empty", dir)
	}
	sort.Slice(operations, func(i, j int) bool { return operations[i].Path < operations[j].Path })

	if err := c.uploadLFSFiles(ctx, operations); err != nil {
		return err
	}

	message := fmt.Sprintf("Add batch %s (%d files)", batchName, len(operations))
	if err := c.createCommit(ctx, operations, message); err != nil {
		return fmt.Errorf("failed to commit batch %s: %w", batchName, err)
	}

	c.logger.Info("Batch uploaded",
		"batch", batchName,
		"files", len(operations),
		"repo_id", c.cfg.RepoID)
	return nil
}

// ensureRepo creates the dataset repository if it does not exist yet.
func (c *Client) ensureRepo(ctx context.Context) error {
	checkURL := fmt.Sprintf("%s/api/datasets/%s", c.cfg.Endpoint, c.cfg.RepoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err == nil {
		status := resp.StatusCode
		resp.Body.Close()
		if status == http.StatusOK {
			return nil
		}
	}

	owner, name, ok := strings.Cut(c.cfg.RepoID, "/")
	if !ok {
		return fmt.Errorf("invalid repo_id %q, expected owner/name", c.cfg.RepoID)
	}

	payload, err := json.Marshal(map[string]any{
		"organization": owner,
		"name":         name,
		"type":         "dataset",
		"private":      c.cfg.Private,
	})
	if err != nil {
		return err
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.Endpoint+"/api/repos/create", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err = c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 409 means another worker or an earlier run created it already.
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		c.logger.Debug("Repository ready", "repo_id", c.cfg.RepoID)
		return nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("create repo failed with status %d: %s", resp.StatusCode, body)
	}
}

// createCommit posts the NDJSON commit payload: a header line followed by
// one line per file operation.
func (c *Client) createCommit(ctx context.Context, operations []commitOperation, message string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	if err := enc.Encode(map[string]any{
		"key":   "header",
		"value": map[string]string{"summary": message, "description": ""},
	}); err != nil {
		return fmt.Errorf("failed to encode commit header: %w", err)
	}

	for _, op := range operations {
		var line map[string]any
		if op.LFS != nil {
			line = map[string]any{
				"key": "lfsFile",
				"value": map[string]any{
					"path": op.Path,
					"algo": "sha256",
					"oid":  op.LFS.SHA256,
					"size": op.LFS.Size,
				},
			}
		} else {
			line = map[string]any{
				"key": "file",
				"value": map[string]any{
					"content":  op.Content,
					"path":     op.Path,
					"encoding": "base64",
				},
			}
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("failed to encode operation for %s: %w", op.Path, err)
		}
	}

	url := fmt.Sprintf("%s/api/datasets/%s/commit/main", c.cfg.Endpoint, c.cfg.RepoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("commit failed with status %d: %s", resp.StatusCode, body)
	}

	c.logger.Debug("Commit created", "operations", len(operations))
	return nil
}
