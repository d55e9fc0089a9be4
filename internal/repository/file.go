package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/mmeshcher/donor-registry/internal/model"
)

// FileRepository хранит реестр JSON-массивом в файле.
// Версия ведётся в памяти процесса, поэтому файл не должен разделяться между процессами.
type FileRepository struct {
	fs   afero.Fs
	path string

	mu      sync.Mutex
	version int64
}

// NewFileRepository создаёт файловое хранилище по указанному пути.
func NewFileRepository(fsys afero.Fs, path string) *FileRepository {
	return &FileRepository{fs: fsys, path: path}
}

// Close ничего не делает: файл открывается только на время операции.
func (r *FileRepository) Close() error {
	return nil
}

// Load читает реестр из файла. Отсутствующий файл означает пустой реестр.
func (r *FileRepository) Load(ctx context.Context) (*model.Registry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := afero.ReadFile(r.fs, r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &model.Registry{Version: r.version}, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorageUnavailable, r.path, err)
	}

	records, err := decodeRecords(raw)
	if err != nil {
		return nil, err
	}

	return &model.Registry{Version: r.version, Records: records}, nil
}

// Save атомарно заменяет файл реестра через временный файл.
func (r *FileRepository) Save(ctx context.Context, reg *model.Registry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := encodeRecords(reg.Records)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if reg.Version != r.version {
		return ErrVersionConflict
	}

	dir := filepath.Dir(r.path)
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create dir %s: %v", ErrStorageUnavailable, dir, err)
	}

	tmp, err := afero.TempFile(r.fs, dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrStorageUnavailable, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		_ = r.fs.Remove(tmpName)
		return fmt.Errorf("%w: write temp file: %v", ErrStorageUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		_ = r.fs.Remove(tmpName)
		return fmt.Errorf("%w: close temp file: %v", ErrStorageUnavailable, err)
	}

	if err := r.fs.Rename(tmpName, r.path); err != nil {
		_ = r.fs.Remove(tmpName)
		return fmt.Errorf("%w: replace %s: %v", ErrStorageUnavailable, r.path, err)
	}

	r.version++
	reg.Version = r.version
	return nil
}
