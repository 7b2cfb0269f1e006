package command

import (
	"context"
	"os"
	"path/filepath"
)

// LocalFiles implements FileIO against the local filesystem.
type LocalFiles struct{}

func (LocalFiles) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (LocalFiles) WriteFile(_ context.Context, path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, perm)
}
