package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

type lfsBatchObject struct {
	OID     string      `json:"oid"`
	Size    int64       `json:"size"`
	Actions *lfsActions `json:"actions,omitempty"`
}

type lfsActions struct {
	Upload *lfsAction `json:"upload,omitempty"`
}

type lfsAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

type lfsBatchRequest struct {
	Operation string           `json:"operation"`
	Transfers []string         `json:"transfers"`
	Objects   []lfsBatchObject `json:"objects"`
	HashAlgo  string           `json:"hash_algo"`
}

type lfsBatchResponse struct {
	Objects []lfsBatchObject `json:"objects"`
}

// uploadLFSFiles pushes every LFS-bound operation through the Git LFS batch
// endpoint: request presigned URLs, then PUT each file. Objects the server
// already has come back without an upload action and are skipped.
func (c *Client) uploadLFSFiles(ctx context.Context, operations []commitOperation) error {
	var pending []commitOperation
	for _, op := range operations {
		if op.LFS != nil {
			pending = append(pending, op)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	actions, err := withRetry(ctx, c, "LFS preupload", func() (map[string]*lfsAction, error) {
		return c.preuploadLFS(ctx, pending)
	})
	if err != nil {
		return fmt.Errorf("failed to preupload LFS objects: %w", err)
	}

	for _, op := range pending {
		action := actions[op.LFS.SHA256]
		if action == nil {
			c.logger.Debug("LFS object already on server", "oid", op.LFS.SHA256)
			continue
		}
		_, err := withRetry(ctx, c, "LFS upload", func() (struct{}, error) {
			return struct{}{}, c.putLFSFile(ctx, action, op.localPath)
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", op.Path, err)
		}
	}
	return nil
}

func (c *Client) preuploadLFS(ctx context.Context, pending []commitOperation) (map[string]*lfsAction, error) {
	objects := make([]lfsBatchObject, len(pending))
	for i, op := range pending {
		objects[i] = lfsBatchObject{OID: op.LFS.SHA256, Size: op.LFS.Size}
	}

	payload, err := json.Marshal(lfsBatchRequest{
		Operation: "upload",
		Transfers: []string{"basic"},
		Objects:   objects,
		HashAlgo:  "sha256",
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/datasets/%s.git/info/lfs/objects/batch", c.cfg.Endpoint, c.cfg.RepoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/vnd.git-lfs+json")
	req.Header.Set("Accept", "application/vnd.git-lfs+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("LFS batch failed with status %d: %s", resp.StatusCode, body)
	}

	var batchResp lfsBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&batchResp); err != nil {
		return nil, fmt.Errorf("failed to decode LFS batch response: %w", err)
	}

	actions := make(map[string]*lfsAction, len(batchResp.Objects))
	for _, obj := range batchResp.Objects {
		if obj.Actions != nil && obj.Actions.Upload != nil {
			actions[obj.OID] = obj.Actions.Upload
		}
	}
	return actions, nil
}

func (c *Client) putLFSFile(ctx context.Context, action *lfsAction, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, action.Href, file)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	for key, value := range action.Header {
		req.Header.Set(key, value)
	}

	resp, err := c.lfsClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("LFS upload failed with status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// withRetry runs fn with exponential backoff. Cancelling ctx aborts the
// backoff wait immediately.
func withRetry[T any](ctx context.Context, c *Client, what string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	backoff := 2 * time.Second

	for attempt := 0; attempt <= uploadRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying", "operation", what, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", what, uploadRetries+1, lastErr)
}
