// Package artifacts archives files a test run leaves behind (screenshots,
// captured network logs) so their references outlive the project checkout.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type Store interface {
	// Put archives localPath under runID and returns the stored reference.
	Put(ctx context.Context, runID, localPath string) (string, error)
}

// LocalStore copies artifacts into <dir>/<run>/.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir}
}

func (s *LocalStore) Put(_ context.Context, runID, localPath string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	runDir := filepath.Join(s.dir, runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", err
	}
	target := filepath.Join(runDir, filepath.Base(localPath))
	dst, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("copy %s: %w", localPath, err)
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	return target, nil
}
