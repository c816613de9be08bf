package hub

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
)

// lfsThreshold is the size above which a file is committed as an LFS pointer
// instead of inline base64 content.
const lfsThreshold = 10 * 1024 * 1024

// commitOperation is a single file in a commit payload. Exactly one of
// Content or LFS is set.
type commitOperation struct {
	Path      string
	Content   string // base64, small files
	LFS       *lfsFileInfo
	localPath string
}

type lfsFileInfo struct {
	SHA256 string
	Size   int64
}

// prepareFileOperation reads a local file and builds its commit operation.
func prepareFileOperation(localPath, pathInRepo string) (*commitOperation, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", localPath, err)
	}

	op := &commitOperation{Path: pathInRepo, localPath: localPath}
	if len(data) < lfsThreshold {
		op.Content = base64.StdEncoding.EncodeToString(data)
		return op, nil
	}

	sum := sha256.Sum256(data)
	op.LFS = &lfsFileInfo{
		SHA256: hex.EncodeToString(sum[:]),
		Size:   int64(len(data)),
	}
	return op, nil
}
